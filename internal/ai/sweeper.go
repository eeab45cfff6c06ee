package ai

import (
	"context"
	"log/slog"
	"time"

	"github.com/ninjaorg/hyadmin/internal/store"
)

// TimeoutReason is the error recorded on jobs moved to timeout.
const TimeoutReason = "deadline exceeded"

// Sweeper moves jobs that have been idle in an active state longer than
// deadline to timeout.
type Sweeper struct {
	store    store.Store
	deadline time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(st store.Store, deadline, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, deadline: deadline, interval: interval, now: time.Now}
}

// SweepOnce runs a single pass and returns how many jobs timed out.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.TimeoutStaleParseJobs(ctx, s.now().Add(-s.deadline), TimeoutReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("parse jobs timed out", "count", n, "deadline", s.deadline.String())
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("timeout sweep failed", "error", err)
			}
		}
	}
}
