package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenmeter-platform/tokenmeter/internal/config"
)

// Service implements the quota ledger operations over a Repository.
//
// CheckQuota and RecordUsage are deliberately not atomic with each other:
// checks are advisory snapshots taken before the AI call runs, recordings
// are unconditional once it has. A burst of concurrent requests can push
// usage slightly past the limit; the service tolerates that bounded
// overshoot instead of serializing all requests per user.
type Service struct {
	repo Repository
	cfg  config.MeteringConfig
	now  func() time.Time
}

// NewService creates a quota Service.
func NewService(repo Repository, cfg config.MeteringConfig) *Service {
	return &Service{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
}

// CheckQuota reports whether the user may spend requestedTokens. It lazily
// creates the quota record with configured defaults, and resets the rolling
// period first when it has run its 30 days.
func (s *Service) CheckQuota(ctx context.Context, userID uuid.UUID, requestedTokens int) (*Check, error) {
	q, err := s.repo.GetOrCreate(ctx, userID, s.cfg.DefaultMonthlyLimit, s.cfg.DefaultAlertThreshold)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if NeedsPeriodReset(q.PeriodStartDate, now) {
		q, err = s.repo.ResetPeriod(ctx, userID, dateOf(now))
		if err != nil {
			return nil, err
		}
	}

	remaining := q.MonthlyLimit - q.CurrentUsage
	check := &Check{
		CanProceed:       q.IsActive && remaining >= requestedTokens,
		CurrentUsage:     q.CurrentUsage,
		MonthlyLimit:     q.MonthlyLimit,
		RemainingTokens:  max(0, remaining),
		ResetDate:        NextResetDate(q.PeriodStartDate),
		WarningThreshold: pastThreshold(q),
	}
	return check, nil
}

// RecordParams describes one completed AI call to record.
type RecordParams struct {
	UserID           uuid.UUID
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	RequestType      string
	Cost             float64
	RequestID        string
	Metadata         map[string]any
}

// RecordUsage appends one immutable ledger entry, then adds the tokens to
// the user's running total via the repository's atomic increment. Recording
// is unconditional: the quota check happened before the call executed, and
// an over-limit user still pays for work already done.
func (s *Service) RecordUsage(ctx context.Context, p RecordParams) error {
	var metadata json.RawMessage
	if p.Metadata != nil {
		data, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling usage metadata: %w", err)
		}
		metadata = data
	}

	entry := &UsageLogEntry{
		ID:               uuid.New(),
		UserID:           p.UserID,
		Provider:         p.Provider,
		Model:            p.Model,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		TotalTokens:      p.TotalTokens,
		RequestType:      p.RequestType,
		Cost:             p.Cost,
		RequestID:        p.RequestID,
		Metadata:         metadata,
		Timestamp:        s.now(),
	}

	if err := s.repo.InsertUsageLog(ctx, entry); err != nil {
		return err
	}
	return s.repo.IncrementUsage(ctx, p.UserID, p.TotalTokens)
}

// ResetPeriod zeroes the user's usage and restarts the rolling window
// today. Idempotent. Returns nil when the user has no quota record.
func (s *Service) ResetPeriod(ctx context.Context, userID uuid.UUID) (*UserQuota, error) {
	return s.repo.ResetPeriod(ctx, userID, dateOf(s.now()))
}

// AdjustLimit sets a new monthly token budget. Returns nil when the user
// has no quota record.
func (s *Service) AdjustLimit(ctx context.Context, userID uuid.UUID, monthlyLimit int) (*UserQuota, error) {
	return s.repo.AdjustLimit(ctx, userID, monthlyLimit)
}

// ToggleActive enables or disables metering enforcement for the user.
// Disabled users fail every quota check regardless of remaining budget.
func (s *Service) ToggleActive(ctx context.Context, userID uuid.UUID, active bool) (*UserQuota, error) {
	return s.repo.ToggleActive(ctx, userID, active)
}

// UsageStats aggregates the ledger over the standard reporting windows.
// Users with no recorded usage get zeroed statistics, not an error.
func (s *Service) UsageStats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	now := s.now()
	startOfDay := dateOf(now)
	startOfWeek := now.AddDate(0, 0, -7)
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	total, err := s.repo.SumUsageSince(ctx, userID, time.Time{})
	if err != nil {
		return nil, err
	}
	daily, err := s.repo.SumUsageSince(ctx, userID, startOfDay)
	if err != nil {
		return nil, err
	}
	weekly, err := s.repo.SumUsageSince(ctx, userID, startOfWeek)
	if err != nil {
		return nil, err
	}
	monthly, err := s.repo.SumUsageSince(ctx, userID, startOfMonth)
	if err != nil {
		return nil, err
	}

	return &Stats{
		TotalUsage:        total,
		DailyUsage:        daily,
		WeeklyUsage:       weekly,
		MonthlyUsage:      monthly,
		AverageDailyUsage: monthly / now.Day(),
	}, nil
}

// UsageHistory returns the user's ledger entries, newest first.
func (s *Service) UsageHistory(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]UsageLogEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return s.repo.ListUsageLogs(ctx, userID, pageSize, (page-1)*pageSize)
}

// Analytics is the per-user breakdown over a trailing window.
type Analytics struct {
	Days             int                   `json:"days"`
	DailyUsage       []DailyUsageRow       `json:"daily_usage"`
	ProviderUsage    []ProviderUsageRow    `json:"provider_usage"`
	RequestTypeUsage []RequestTypeUsageRow `json:"request_type_usage"`
}

// UsageAnalytics aggregates the user's ledger by day, provider and request
// type over the trailing days window (capped at 90).
func (s *Service) UsageAnalytics(ctx context.Context, userID uuid.UUID, days int) (*Analytics, error) {
	if days < 1 {
		days = 30
	}
	if days > 90 {
		days = 90
	}
	since := s.now().AddDate(0, 0, -days)

	daily, err := s.repo.DailyUsage(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	byProvider, err := s.repo.UsageByProvider(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	byType, err := s.repo.UsageByRequestType(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	return &Analytics{
		Days:             days,
		DailyUsage:       daily,
		ProviderUsage:    byProvider,
		RequestTypeUsage: byType,
	}, nil
}

// SystemStats builds the admin overview: active user count, totals over
// the trailing 30 days, top consumers and near-limit users.
func (s *Service) SystemStats(ctx context.Context) (*SystemStatsResponse, error) {
	since := s.now().AddDate(0, 0, -periodDays)

	active, err := s.repo.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	tokens, cost, err := s.repo.SystemTotalsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	top, err := s.repo.TopConsumersSince(ctx, since, 10)
	if err != nil {
		return nil, err
	}
	nearLimit, err := s.repo.ListNearLimit(ctx)
	if err != nil {
		return nil, err
	}

	return &SystemStatsResponse{
		ActiveUsers:  active,
		TotalTokens:  tokens,
		TotalCost:    cost,
		TopConsumers: top,
		NearLimit:    nearLimit,
	}, nil
}

// UsersNearLimit lists active users whose usage ratio has crossed their
// alert threshold.
func (s *Service) UsersNearLimit(ctx context.Context) ([]NearLimitUser, error) {
	return s.repo.ListNearLimit(ctx)
}

// ExecuteAutomaticReset sweeps every quota whose rolling period has
// elapsed, zeroing usage and restarting the window today. Returns the
// number of quotas reset. Suitable for an external job runner or the
// built-in sweeper.
func (s *Service) ExecuteAutomaticReset(ctx context.Context) (int, error) {
	return s.repo.ResetAllOverdue(ctx, dateOf(s.now()))
}

func pastThreshold(q *UserQuota) bool {
	if q.MonthlyLimit <= 0 {
		return false
	}
	return float64(q.CurrentUsage)/float64(q.MonthlyLimit) >= float64(q.AlertThreshold)/100.0
}

// dateOf truncates an instant to its calendar date.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
