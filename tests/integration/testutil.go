//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tokenmeter-platform/tokenmeter/internal/api"
	"github.com/tokenmeter-platform/tokenmeter/internal/auth"
	"github.com/tokenmeter-platform/tokenmeter/internal/classifier"
	"github.com/tokenmeter-platform/tokenmeter/internal/config"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
	"github.com/tokenmeter-platform/tokenmeter/internal/metering"
	"github.com/tokenmeter-platform/tokenmeter/internal/quota"
	"github.com/tokenmeter-platform/tokenmeter/internal/users"
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	JWTManager  *auth.JWTManager
	QuotaSvc    *quota.Service
	Pipeline    *metering.Pipeline
}

var testEnv *TestEnv

func meteringConfig() config.MeteringConfig {
	return config.MeteringConfig{
		DefaultMonthlyLimit:   100000,
		DefaultAlertThreshold: 80,
		ReservationTokens:     1000,
		SweepInterval:         time.Hour,
	}
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "tokenmeter_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/tokenmeter_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	migrationsPath := getMigrationsPath()
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Setup services
	jwtManager := auth.NewJWTManager("test-access-secret-32-chars-long!", 15*time.Minute)

	quotaRepo := quota.NewRepository(pool)
	quotaSvc := quota.NewService(quotaRepo, meteringConfig())
	userRepo := users.NewRepository(pool)

	clf := classifier.New()
	est := estimator.New(nil)
	pipeline := metering.NewPipeline(clf, est, quotaSvc, nil, 1000)
	quotaHandler := quota.NewHandler(quotaSvc, est, userRepo, nil)

	// Downstream AI stub standing in for the proxied backend
	aiBackend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"content": "stub completion text from the model"})
	})

	router := api.NewRouter(pool, nil, api.RouterConfig{}, api.HandlerSet{
		GetTokenStatus:    quotaHandler.GetStatus,
		GetTokenUsage:     quotaHandler.GetUsage,
		GetTokenAnalytics: quotaHandler.GetAnalytics,
		Calculate:         quotaHandler.Calculate,

		ListUsers:      quotaHandler.ListUsers,
		UpdateLimit:    quotaHandler.UpdateLimit,
		ToggleQuota:    quotaHandler.Toggle,
		GetSystemStats: quotaHandler.GetSystemStats,
		ResetPeriod:    quotaHandler.ResetPeriod,
		ResetSweep:     quotaHandler.ResetSweep,

		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireAdmin,

		Interceptor:  pipeline.Interceptor,
		AlertHeaders: pipeline.AlertHeaders,
		AIProxy:      aiBackend,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		JWTManager:  jwtManager,
		QuotaSvc:    quotaSvc,
		Pipeline:    pipeline,
	}

	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func CreateUser(t *testing.T, env *TestEnv, email, role string) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	_, err := env.Pool.Exec(context.Background(),
		`INSERT INTO users (id, email, first_name, last_name, role) VALUES ($1, $2, 'Test', 'User', $3)`,
		id, email, role)
	if err != nil {
		t.Fatalf("inserting user: %v", err)
	}

	token, err := env.JWTManager.GenerateAccessToken(id.String(), email, role)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return id, token
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return result
}
