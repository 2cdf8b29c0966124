package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	if c.Metering.DefaultMonthlyLimit < 1 {
		errs = append(errs, "METERING_DEFAULT_MONTHLY_LIMIT must be positive")
	}
	if c.Metering.DefaultAlertThreshold < 0 || c.Metering.DefaultAlertThreshold > 100 {
		errs = append(errs, fmt.Sprintf("METERING_DEFAULT_ALERT_THRESHOLD must be 0-100, got %d", c.Metering.DefaultAlertThreshold))
	}
	if c.Metering.ReservationTokens < 0 {
		errs = append(errs, "METERING_RESERVATION_TOKENS must not be negative")
	}
	if c.Metering.SweepInterval <= 0 {
		errs = append(errs, "METERING_SWEEP_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}
