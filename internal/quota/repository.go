package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists quota records and the usage ledger.
//
// IncrementUsage must be a single atomic add at the storage layer, never an
// application-level read-modify-write: concurrent recordings for the same
// user rely on it to avoid lost updates.
type Repository interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, monthlyLimit, alertThreshold int) (*UserQuota, error)
	Get(ctx context.Context, userID uuid.UUID) (*UserQuota, error)
	IncrementUsage(ctx context.Context, userID uuid.UUID, tokens int) error
	ResetPeriod(ctx context.Context, userID uuid.UUID, periodStart time.Time) (*UserQuota, error)
	AdjustLimit(ctx context.Context, userID uuid.UUID, monthlyLimit int) (*UserQuota, error)
	ToggleActive(ctx context.Context, userID uuid.UUID, active bool) (*UserQuota, error)
	ResetAllOverdue(ctx context.Context, periodStart time.Time) (int, error)

	InsertUsageLog(ctx context.Context, entry *UsageLogEntry) error
	ListUsageLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error)
	SumUsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	DailyUsage(ctx context.Context, userID uuid.UUID, since time.Time) ([]DailyUsageRow, error)
	UsageByProvider(ctx context.Context, userID uuid.UUID, since time.Time) ([]ProviderUsageRow, error)
	UsageByRequestType(ctx context.Context, userID uuid.UUID, since time.Time) ([]RequestTypeUsageRow, error)

	ListNearLimit(ctx context.Context) ([]NearLimitUser, error)
	CountActive(ctx context.Context) (int, error)
	SystemTotalsSince(ctx context.Context, since time.Time) (tokens int, cost float64, err error)
	TopConsumersSince(ctx context.Context, since time.Time, limit int) ([]TopConsumer, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the PostgreSQL-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const quotaColumns = `user_id, monthly_limit, current_usage, period_start_date, is_active, alert_threshold, created_at, updated_at`

func scanQuota(row pgx.Row) (*UserQuota, error) {
	q := &UserQuota{}
	err := row.Scan(&q.UserID, &q.MonthlyLimit, &q.CurrentUsage, &q.PeriodStartDate,
		&q.IsActive, &q.AlertThreshold, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (r *postgresRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, monthlyLimit, alertThreshold int) (*UserQuota, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_quotas (user_id, monthly_limit, alert_threshold)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`, userID, monthlyLimit, alertThreshold)
	if err != nil {
		return nil, fmt.Errorf("ensuring user quota: %w", err)
	}

	q, err := scanQuota(r.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("fetching user quota: %w", err)
	}
	return q, nil
}

func (r *postgresRepository) Get(ctx context.Context, userID uuid.UUID) (*UserQuota, error) {
	q, err := scanQuota(r.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM user_quotas WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user quota: %w", err)
	}
	return q, nil
}

// IncrementUsage adds tokens to the user's running total in one arithmetic
// UPDATE so concurrent recordings are never lost.
func (r *postgresRepository) IncrementUsage(ctx context.Context, userID uuid.UUID, tokens int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_quotas
		 SET current_usage = current_usage + $2,
		     updated_at = NOW()
		 WHERE user_id = $1`, userID, tokens)
	if err != nil {
		return fmt.Errorf("incrementing quota usage: %w", err)
	}
	return nil
}

func (r *postgresRepository) ResetPeriod(ctx context.Context, userID uuid.UUID, periodStart time.Time) (*UserQuota, error) {
	q, err := scanQuota(r.pool.QueryRow(ctx,
		`UPDATE user_quotas
		 SET current_usage = 0,
		     period_start_date = $2,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+quotaColumns, userID, periodStart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resetting quota period: %w", err)
	}
	return q, nil
}

func (r *postgresRepository) AdjustLimit(ctx context.Context, userID uuid.UUID, monthlyLimit int) (*UserQuota, error) {
	q, err := scanQuota(r.pool.QueryRow(ctx,
		`UPDATE user_quotas
		 SET monthly_limit = $2,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+quotaColumns, userID, monthlyLimit))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("adjusting quota limit: %w", err)
	}
	return q, nil
}

func (r *postgresRepository) ToggleActive(ctx context.Context, userID uuid.UUID, active bool) (*UserQuota, error) {
	q, err := scanQuota(r.pool.QueryRow(ctx,
		`UPDATE user_quotas
		 SET is_active = $2,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+quotaColumns, userID, active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("toggling quota active flag: %w", err)
	}
	return q, nil
}

// ResetAllOverdue zeroes every quota whose rolling period has elapsed.
// One guarded UPDATE, so a concurrent sweep resets each row at most once.
func (r *postgresRepository) ResetAllOverdue(ctx context.Context, periodStart time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_quotas
		 SET current_usage = 0,
		     period_start_date = $1,
		     updated_at = NOW()
		 WHERE period_start_date <= $1 - INTERVAL '30 days'`, periodStart)
	if err != nil {
		return 0, fmt.Errorf("sweeping overdue quota periods: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) InsertUsageLog(ctx context.Context, entry *UsageLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO usage_logs
		   (id, user_id, provider, model, prompt_tokens, completion_tokens,
		    total_tokens, request_type, cost, request_id, metadata, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.UserID, entry.Provider, entry.Model, entry.PromptTokens,
		entry.CompletionTokens, entry.TotalTokens, entry.RequestType, entry.Cost,
		entry.RequestID, metadata, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListUsageLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]UsageLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, provider, model, prompt_tokens, completion_tokens,
		        total_tokens, request_type, cost, request_id, metadata, recorded_at
		 FROM usage_logs
		 WHERE user_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying usage logs: %w", err)
	}
	defer rows.Close()

	var entries []UsageLogEntry
	for rows.Next() {
		var e UsageLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Provider, &e.Model, &e.PromptTokens,
			&e.CompletionTokens, &e.TotalTokens, &e.RequestType, &e.Cost,
			&e.RequestID, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning usage log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumUsageSince totals tokens for a user from the given instant. A zero
// since means all time.
func (r *postgresRepository) SumUsageSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM usage_logs WHERE user_id = $1`
	args := []any{userID}
	if !since.IsZero() {
		query += ` AND recorded_at >= $2`
		args = append(args, since)
	}

	var total int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return total, nil
}

func (r *postgresRepository) DailyUsage(ctx context.Context, userID uuid.UUID, since time.Time) ([]DailyUsageRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT TO_CHAR(recorded_at, 'YYYY-MM-DD') AS day,
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost), 0)
		 FROM usage_logs
		 WHERE user_id = $1 AND recorded_at >= $2
		 GROUP BY day
		 ORDER BY day`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("querying daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsageRow
	for rows.Next() {
		var row DailyUsageRow
		if err := rows.Scan(&row.Date, &row.TotalTokens, &row.TotalCost); err != nil {
			return nil, fmt.Errorf("scanning daily usage: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *postgresRepository) UsageByProvider(ctx context.Context, userID uuid.UUID, since time.Time) ([]ProviderUsageRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT provider,
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost), 0),
		        COUNT(*)
		 FROM usage_logs
		 WHERE user_id = $1 AND recorded_at >= $2
		 GROUP BY provider`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("querying provider usage: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsageRow
	for rows.Next() {
		var row ProviderUsageRow
		if err := rows.Scan(&row.Provider, &row.TotalTokens, &row.TotalCost, &row.RequestCount); err != nil {
			return nil, fmt.Errorf("scanning provider usage: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *postgresRepository) UsageByRequestType(ctx context.Context, userID uuid.UUID, since time.Time) ([]RequestTypeUsageRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT request_type,
		        COALESCE(SUM(total_tokens), 0),
		        COUNT(*)
		 FROM usage_logs
		 WHERE user_id = $1 AND recorded_at >= $2
		 GROUP BY request_type`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("querying request type usage: %w", err)
	}
	defer rows.Close()

	var out []RequestTypeUsageRow
	for rows.Next() {
		var row RequestTypeUsageRow
		if err := rows.Scan(&row.RequestType, &row.TotalTokens, &row.RequestCount); err != nil {
			return nil, fmt.Errorf("scanning request type usage: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListNearLimit returns active quotas past their alert threshold, joined
// with the user's display fields.
func (r *postgresRepository) ListNearLimit(ctx context.Context) ([]NearLimitUser, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.user_id, q.monthly_limit, q.current_usage, q.period_start_date,
		        q.is_active, q.alert_threshold, q.created_at, q.updated_at,
		        u.first_name, u.last_name, u.email
		 FROM user_quotas q
		 JOIN users u ON u.id = q.user_id
		 WHERE q.is_active
		   AND (q.current_usage::float / q.monthly_limit::float) >= (q.alert_threshold::float / 100.0)`)
	if err != nil {
		return nil, fmt.Errorf("querying near-limit users: %w", err)
	}
	defer rows.Close()

	var out []NearLimitUser
	for rows.Next() {
		var n NearLimitUser
		if err := rows.Scan(&n.UserID, &n.MonthlyLimit, &n.CurrentUsage, &n.PeriodStartDate,
			&n.IsActive, &n.AlertThreshold, &n.CreatedAt, &n.UpdatedAt,
			&n.FirstName, &n.LastName, &n.Email); err != nil {
			return nil, fmt.Errorf("scanning near-limit user: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *postgresRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_quotas WHERE is_active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active quotas: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) SystemTotalsSince(ctx context.Context, since time.Time) (int, float64, error) {
	var tokens int
	var cost float64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM usage_logs WHERE recorded_at >= $1`, since).Scan(&tokens, &cost)
	if err != nil {
		return 0, 0, fmt.Errorf("summing system usage: %w", err)
	}
	return tokens, cost, nil
}

func (r *postgresRepository) TopConsumersSince(ctx context.Context, since time.Time, limit int) ([]TopConsumer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.user_id, u.first_name, u.last_name,
		        COALESCE(SUM(l.total_tokens), 0),
		        COALESCE(SUM(l.cost), 0)
		 FROM usage_logs l
		 JOIN users u ON u.id = l.user_id
		 WHERE l.recorded_at >= $1
		 GROUP BY l.user_id, u.first_name, u.last_name
		 ORDER BY SUM(l.total_tokens) DESC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top consumers: %w", err)
	}
	defer rows.Close()

	var out []TopConsumer
	for rows.Next() {
		var t TopConsumer
		if err := rows.Scan(&t.UserID, &t.FirstName, &t.LastName, &t.TotalTokens, &t.TotalCost); err != nil {
			return nil, fmt.Errorf("scanning top consumer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
