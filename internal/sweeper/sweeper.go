// Package sweeper re-enqueues generation requests stuck in pending: rows
// whose enqueue was lost after the submission transaction committed. The
// queue's idempotency guard makes a sweep of a request whose message is
// merely slow a no-op, so sweeping early is safe.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/pkg/models"
)

// Store lists the stale pending rows.
type Store interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.GenerationRequest, error)
}

// Enqueuer publishes a job for a request id.
type Enqueuer interface {
	Enqueue(ctx context.Context, generationRequestID string) error
}

// Sweeper periodically re-enqueues stale pending requests.
type Sweeper struct {
	store    Store
	queue    Enqueuer
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

// New wires a Sweeper. A nil now defaults to time.Now.
func New(store Store, queue Enqueuer, interval, grace time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:    store,
		queue:    queue,
		interval: interval,
		grace:    grace,
		now:      now,
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.interval).
		Dur("grace", s.grace).
		Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one pass: list pending rows older than the grace window and
// re-enqueue each.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.grace)

	stale, err := s.store.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, req := range stale {
		if err := s.queue.Enqueue(ctx, req.ID); err != nil {
			log.Error().Err(err).
				Str("generation_request_id", req.ID).
				Msg("failed to re-enqueue stale pending request")
			continue
		}
		metrics.SweeperRequeuedTotal.Inc()
		log.Warn().
			Str("generation_request_id", req.ID).
			Time("created_at", req.CreatedAt).
			Msg("re-enqueued stale pending request")
	}

	return nil
}
