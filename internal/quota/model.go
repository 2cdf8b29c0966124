// Package quota owns the per-user token quota record and the append-only
// usage ledger backing it.
package quota

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// periodDays is the length of the rolling quota window.
const periodDays = 30

// UserQuota matches the user_quotas table schema. One row per user, created
// lazily on the first quota check and never deleted; users are disabled via
// IsActive instead.
type UserQuota struct {
	UserID          uuid.UUID `json:"user_id"`
	MonthlyLimit    int       `json:"monthly_limit"`
	CurrentUsage    int       `json:"current_usage"`
	PeriodStartDate time.Time `json:"period_start_date"`
	IsActive        bool      `json:"is_active"`
	AlertThreshold  int       `json:"alert_threshold"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UsageLogEntry matches the usage_logs table schema. Entries are immutable
// once written; retention is an external concern.
type UsageLogEntry struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	RequestType      string          `json:"request_type"`
	Cost             float64         `json:"cost"`
	RequestID        string          `json:"request_id,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Check is the outcome of a pre-execution quota check.
type Check struct {
	CanProceed       bool      `json:"can_proceed"`
	CurrentUsage     int       `json:"current_usage"`
	MonthlyLimit     int       `json:"monthly_limit"`
	RemainingTokens  int       `json:"remaining_tokens"`
	ResetDate        time.Time `json:"reset_date"`
	WarningThreshold bool      `json:"warning_threshold"`
}

// Stats aggregates the usage ledger over standard reporting windows.
type Stats struct {
	TotalUsage        int `json:"total_usage"`
	DailyUsage        int `json:"daily_usage"`
	WeeklyUsage       int `json:"weekly_usage"`
	MonthlyUsage      int `json:"monthly_usage"`
	AverageDailyUsage int `json:"average_daily_usage"`
}

// NearLimitUser joins a quota record with the user's display fields for
// admin alert listings.
type NearLimitUser struct {
	UserQuota
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// DailyUsageRow is one day of the analytics breakdown.
type DailyUsageRow struct {
	Date        string  `json:"date"`
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// ProviderUsageRow is the per-provider analytics breakdown.
type ProviderUsageRow struct {
	Provider     string  `json:"provider"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	RequestCount int     `json:"request_count"`
}

// RequestTypeUsageRow is the per-request-type analytics breakdown.
type RequestTypeUsageRow struct {
	RequestType  string `json:"request_type"`
	TotalTokens  int    `json:"total_tokens"`
	RequestCount int    `json:"request_count"`
}

// TopConsumer is one row of the admin top-usage listing.
type TopConsumer struct {
	UserID      uuid.UUID `json:"user_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	TotalTokens int       `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
}

// NeedsPeriodReset reports whether a rolling period starting at
// periodStart has run its full 30 days as of now. Pure function of the two
// dates; both the quota check and the batch sweep rely on it.
func NeedsPeriodReset(periodStart, now time.Time) bool {
	return now.Sub(periodStart) >= periodDays*24*time.Hour
}

// NextResetDate returns the end of the rolling period that began at
// periodStart.
func NextResetDate(periodStart time.Time) time.Time {
	return periodStart.AddDate(0, 0, periodDays)
}
