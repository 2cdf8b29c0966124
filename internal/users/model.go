package users

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserWithQuota combines a user row with their quota columns for the
// admin listing.
type UserWithQuota struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	MonthlyLimit   int        `json:"monthly_limit"`
	CurrentUsage   int        `json:"current_usage"`
	AlertThreshold int        `json:"alert_threshold"`
	IsActive       bool       `json:"is_active"`
	PeriodStart    *time.Time `json:"period_start_date,omitempty"`
}
