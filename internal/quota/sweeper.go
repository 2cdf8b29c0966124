package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokenmeter-platform/tokenmeter/internal/metrics"
)

// Sweeper periodically resets quotas whose rolling period has elapsed and
// refreshes the near-limit gauge. An external job runner hitting the
// reset-sweep endpoint covers deployments that disable it.
type Sweeper struct {
	svc      *Service
	interval time.Duration
}

// NewSweeper creates a Sweeper running at the given interval.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("quota sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("quota sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	count, err := s.svc.ExecuteAutomaticReset(ctx)
	if err != nil {
		slog.Error("automatic period reset failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("reset overdue quota periods", "count", count)
	}

	nearLimit, err := s.svc.UsersNearLimit(ctx)
	if err != nil {
		slog.Warn("listing near-limit users failed", "error", err)
		return
	}
	metrics.NearLimitUsers.Set(float64(len(nearLimit)))
}
