package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	Metering MeteringConfig
	CORS     CORSConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
}

// MeteringConfig controls quota defaults and the interception pipeline.
type MeteringConfig struct {
	// DefaultMonthlyLimit is the token budget assigned to a user on their
	// first metered AI call.
	DefaultMonthlyLimit int
	// DefaultAlertThreshold is the usage percentage (0-100) at which
	// near-limit warnings are raised.
	DefaultAlertThreshold int
	// ReservationTokens is the conservative pre-execution estimate passed
	// to the quota check, since real usage is unknown until the response.
	ReservationTokens int
	// SweepInterval is how often the background sweeper resets overdue
	// quota periods.
	SweepInterval time.Duration
	// AdminRateLimit bounds requests to admin token endpoints per client
	// IP within AdminRateWindowSec seconds.
	AdminRateLimit     int
	AdminRateWindowSec int
	// UpstreamURL is the AI backend the metered proxy forwards to. Empty
	// disables the /api/ai surface entirely.
	UpstreamURL string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		Metering: MeteringConfig{
			DefaultMonthlyLimit:   k.Int("metering.default.monthly.limit"),
			DefaultAlertThreshold: k.Int("metering.default.alert.threshold"),
			ReservationTokens:     k.Int("metering.reservation.tokens"),
			AdminRateLimit:        k.Int("metering.admin.rate.limit"),
			AdminRateWindowSec:    k.Int("metering.admin.rate.window"),
			UpstreamURL:           k.String("metering.upstream.url"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitOrigins(k.String("cors.allowed.origins")),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "tokenmeter"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "tokenmeter"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Metering.DefaultMonthlyLimit == 0 {
		cfg.Metering.DefaultMonthlyLimit = 100000
	}
	if cfg.Metering.DefaultAlertThreshold == 0 {
		cfg.Metering.DefaultAlertThreshold = 80
	}
	if cfg.Metering.ReservationTokens == 0 {
		cfg.Metering.ReservationTokens = 1000
	}
	if cfg.Metering.AdminRateLimit == 0 {
		cfg.Metering.AdminRateLimit = 30
	}
	if cfg.Metering.AdminRateWindowSec == 0 {
		cfg.Metering.AdminRateWindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	accessExpStr := k.String("jwt.access.expiry")
	if accessExpStr == "" {
		accessExpStr = "15m"
	}
	cfg.JWT.AccessExpiry, err = time.ParseDuration(accessExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt access expiry: %w", err)
	}

	sweepStr := k.String("metering.sweep.interval")
	if sweepStr == "" {
		sweepStr = "1h"
	}
	cfg.Metering.SweepInterval, err = time.ParseDuration(sweepStr)
	if err != nil {
		return nil, fmt.Errorf("parsing metering sweep interval: %w", err)
	}

	return cfg, nil
}

func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
