package lifecycle

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Sweeper periodically releases confirmed rides whose response window
// has elapsed. Correctness does not depend on it; the lazy check in the
// read path already guarantees expiry on next touch. The sweep only
// bounds how long an abandoned offer stays visible.
type Sweeper struct {
	Service  *Service
	Interval time.Duration
}

// Run blocks until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	interval := sw.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	s := sw.Service
	rides, err := s.Rides.ListByStatus(ctx, models.StatusDriverConfirmed)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("expiry sweep list failed", "error", err)
		}
		return
	}
	for _, r := range rides {
		if _, _, err := s.expireIfPastDeadline(ctx, r); err != nil && s.Logger != nil {
			s.Logger.Warn("expiry sweep release failed", "ride_id", r.ID, "error", err)
		}
	}
}
