package store

import (
	"context"
	"time"

	"authz-server/internal/logging"
)

// Janitor periodically removes expired grants from stores that do not expire keys themselves.
type Janitor struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewJanitor(store Store, interval, timeout time.Duration, logger *logging.Logger) *Janitor {
	return &Janitor{store: store, interval: interval, timeout: timeout, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	n, err := j.store.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.ErrorEvent().Err(err).Msg("expired grant cleanup failed")
		return n
	}
	if n > 0 {
		j.logger.DebugEvent().Int("removed", int(n)).Msg("expired grants removed")
	}
	return n
}
