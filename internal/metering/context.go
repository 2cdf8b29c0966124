// Package metering wraps downstream HTTP handlers with AI usage metering:
// classify the request, check the user's quota before it runs, and record
// estimated consumption after it completes.
package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const meteringContextKey ctxKey = "metering_context"

// Context is the request-scoped metering state attached between the quota
// check and the usage recording.
type Context struct {
	UserID        uuid.UUID
	Provider      string
	Model         string
	RequestType   string
	CorrelationID string
	StartedAt     time.Time
}

// WithContext attaches metering state to the request context.
func WithContext(ctx context.Context, mc *Context) context.Context {
	return context.WithValue(ctx, meteringContextKey, mc)
}

// FromContext returns the metering state, or nil when the request was not
// intercepted.
func FromContext(ctx context.Context) *Context {
	mc, _ := ctx.Value(meteringContextKey).(*Context)
	return mc
}
