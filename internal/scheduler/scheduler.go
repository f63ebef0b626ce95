// Package scheduler drives time-based sync cycles: every tick it scans for
// configurations whose next_sync has come due and dispatches them to the
// engine through a bounded worker pool. Webhook-triggered cycles run through
// the same engine single-flight, so a due configuration that is already
// syncing simply coalesces.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chairbook/calsync/internal/engine"
	"github.com/chairbook/calsync/internal/model"
)

// Syncer runs one sync cycle per configuration. Implemented by
// [engine.Engine].
type Syncer interface {
	Sync(ctx context.Context, configID string) (*model.SyncResult, error)
}

// Store lists the configurations due for a cycle. Implemented by
// [store.Store].
type Store interface {
	DueConfigurations(ctx context.Context, now time.Time) ([]*model.SyncConfiguration, error)
}

// Scheduler polls for due configurations and hands them to the engine.
type Scheduler struct {
	store   Store
	syncer  Syncer
	tick    time.Duration
	workers int
	log     *slog.Logger

	// sem bounds cycles in flight across ticks so one slow provider cannot
	// starve the rest.
	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Scheduler dispatching at most workers concurrent cycles.
func New(store Store, syncer Syncer, tick time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:   store,
		syncer:  syncer,
		tick:    tick,
		workers: workers,
		log:     logger,
		sem:     make(chan struct{}, workers),
	}
}

// Run blocks until ctx is cancelled, dispatching due configurations every
// tick. In-flight cycles are waited for on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Immediate first pass so restarts don't wait out a full tick.
	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch scans for due configurations and starts a cycle for each.
// A long-running cycle never blocks the scan; triggers for a configuration
// already in flight coalesce inside the engine.
func (s *Scheduler) dispatch(ctx context.Context) {
	due, err := s.store.DueConfigurations(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error("scanning due configurations", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Debug("dispatching due configurations", "count", len(due))

	for _, cfg := range due {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		cfg := cfg
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()

			_, err := s.syncer.Sync(ctx, cfg.ID)
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrCycleInFlight):
				s.log.Debug("cycle already in flight", "config_id", cfg.ID)
			case ctx.Err() != nil:
			default:
				// The engine already recorded the failure and scheduled the
				// backoff; nothing to do here beyond the log.
				s.log.Warn("scheduled cycle failed", "config_id", cfg.ID, "error", err)
			}
		}()
	}
}
