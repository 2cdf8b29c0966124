package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListWithQuotas(ctx context.Context, limit, offset int) ([]UserWithQuota, error)
	Count(ctx context.Context) (int64, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT id, email, first_name, last_name, role, created_at, updated_at FROM users WHERE id = $1`

	user := &User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

// ListWithQuotas returns all users left-joined with their quota rows.
// Users who never touched an AI endpoint have no quota row; their quota
// columns come back as zero values with a nil period start.
func (r *postgresRepository) ListWithQuotas(ctx context.Context, limit, offset int) ([]UserWithQuota, error) {
	query := `
		SELECT u.id, u.email, u.first_name, u.last_name,
		       COALESCE(q.monthly_limit, 0), COALESCE(q.current_usage, 0),
		       COALESCE(q.alert_threshold, 0), COALESCE(q.is_active, false),
		       q.period_start_date
		FROM users u
		LEFT JOIN user_quotas q ON q.user_id = u.id
		ORDER BY u.email
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing users with quotas: %w", err)
	}
	defer rows.Close()

	var out []UserWithQuota
	for rows.Next() {
		var u UserWithQuota
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName,
			&u.MonthlyLimit, &u.CurrentUsage, &u.AlertThreshold, &u.IsActive, &u.PeriodStart); err != nil {
			return nil, fmt.Errorf("scanning user with quota: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *postgresRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}
