// Package sweeper periodically finalizes TTL-expired requests and
// garbage-collects spent credentials. Expiry is poll-based rather than
// timer-per-request; a failed item stays discoverable for the next interval
// because its transition never committed.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/store"
)

// Finalizer expires a single request; implemented by the lifecycle machine.
type Finalizer interface {
	Expire(ctx context.Context, requestID string) error
}

// Sweeper runs the reconciliation loop.
type Sweeper struct {
	store     *store.Repository
	creds     *credential.Authority
	finalizer Finalizer
	interval  time.Duration
	retention time.Duration
	batchSize int
}

// NewSweeper creates a sweeper. retention controls how long spent credentials
// are kept for anti-replay auditing before GC.
func NewSweeper(repo *store.Repository, creds *credential.Authority, finalizer Finalizer, interval, retention time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		store:     repo,
		creds:     creds,
		finalizer: finalizer,
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweeper_started", "interval", s.interval, "retention", s.retention)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper_stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Failures on one request never
// block the others; the order across requests is irrelevant.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	ids, err := s.store.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		slog.Error("sweep_list_failed", "error", err)
		return
	}

	expired := 0
	for _, id := range ids {
		if err := s.finalizer.Expire(ctx, id); err != nil {
			slog.Error("sweep_expire_failed", "request_id", id, "error", err)
			continue
		}
		expired++
	}

	purged, err := s.creds.PurgeSpent(ctx, now.Add(-s.retention))
	if err != nil {
		slog.Error("sweep_purge_failed", "error", err)
	}

	if len(ids) > 0 || purged > 0 {
		slog.Info("sweep_complete", "expired", expired, "candidates", len(ids), "credentials_purged", purged)
	}
}
