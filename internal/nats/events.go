package nats

import "time"

// Stream names.
const (
	StreamEvents = "TOKENMETER_EVENTS"
)

// Subject constants.
const (
	SubjectUsageRecorded    = "tokenmeter.events.usage_recorded"
	SubjectThresholdCrossed = "tokenmeter.events.threshold_crossed"
	SubjectPeriodReset      = "tokenmeter.events.period_reset"
)

// UsageRecordedEvent is published after a metered request's consumption
// has been written to the ledger.
type UsageRecordedEvent struct {
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	RequestType   string    `json:"request_type"`
	TokensUsed    int64     `json:"tokens_used"`
	EstimatedCost float64   `json:"estimated_cost"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// ThresholdCrossedEvent is published when a recorded request pushes a
// user at or past their alert threshold for the first time in a period.
type ThresholdCrossedEvent struct {
	UserID       string    `json:"user_id"`
	CurrentUsage int64     `json:"current_usage"`
	MonthlyLimit int64     `json:"monthly_limit"`
	UsagePercent float64   `json:"usage_percent"`
	Timestamp    time.Time `json:"timestamp"`
}

// PeriodResetEvent is published when an operator resets a user's rolling
// period ahead of schedule.
type PeriodResetEvent struct {
	UserID    string    `json:"user_id"`
	ResetBy   string    `json:"reset_by"`
	Timestamp time.Time `json:"timestamp"`
}
