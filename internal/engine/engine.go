package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

const (
	otelScope       = "calsync/engine"
	spanCycle       = "sync.cycle"
	metricCreated   = "calsync.sync.events.created"
	metricUpdated   = "calsync.sync.events.updated"
	metricDeleted   = "calsync.sync.events.deleted"
	metricConflicts = "calsync.sync.conflicts"
	metricErrors    = "calsync.sync.errors"
)

// ErrCycleInFlight is returned when a trigger arrives while a cycle for the
// same configuration is already executing. The trigger is coalesced: one
// follow-up cycle runs after the current one finishes.
var ErrCycleInFlight = errors.New("sync cycle already in flight, trigger coalesced")

// Engine orchestrates sync cycles. A cycle for a given configuration never
// runs concurrently with itself; overlapping triggers from the scheduler and
// the webhook ingestor collapse into one pending cycle.
type Engine struct {
	store    Store
	registry *provider.Registry
	detector *Detector
	resolver *Resolver
	notifier Notifier
	log      *slog.Logger

	cycleTimeout     time.Duration
	writeConcurrency int

	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter

	mu      sync.Mutex
	running map[string]bool
	pending map[string]bool
}

// NewEngine creates an Engine. notifier may be [NoopNotifier] when
// monitoring is disabled.
func NewEngine(store Store, registry *provider.Registry, notifier Notifier, cycleTimeout time.Duration, writeConcurrency int, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	if writeConcurrency < 1 {
		writeConcurrency = 1
	}

	return &Engine{
		store:            store,
		registry:         registry,
		detector:         NewDetector(logger),
		resolver:         NewResolver(logger),
		notifier:         notifier,
		log:              logger,
		cycleTimeout:     cycleTimeout,
		writeConcurrency: writeConcurrency,

		tracer:       tracer,
		cntCreated:   mustCounter(metricCreated, "Events created during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Events updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Events deleted during sync"),
		cntConflicts: mustCounter(metricConflicts, "Conflicts detected during sync"),
		cntErrors:    mustCounter(metricErrors, "Errors encountered during sync"),

		running: make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// Sync runs one cycle for the configuration. If a cycle is already in
// flight, the trigger is coalesced into one pending follow-up cycle and
// [ErrCycleInFlight] is returned.
func (e *Engine) Sync(ctx context.Context, configID string) (*model.SyncResult, error) {
	e.mu.Lock()
	if e.running[configID] {
		e.pending[configID] = true
		e.mu.Unlock()
		return nil, ErrCycleInFlight
	}
	e.running[configID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, configID)
		rerun := e.pending[configID]
		delete(e.pending, configID)
		e.mu.Unlock()

		if rerun && ctx.Err() == nil {
			go func() {
				if _, err := e.Sync(context.WithoutCancel(ctx), configID); err != nil && !errors.Is(err, ErrCycleInFlight) {
					e.log.Error("coalesced cycle failed", "config_id", configID, "error", err)
				}
			}()
		}
	}()

	cfg, err := e.store.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %s: %w", configID, err)
	}
	if !cfg.Enabled {
		e.log.Debug("configuration paused, skipping cycle", "config_id", configID)
		return nil, nil
	}

	return e.runCycle(ctx, cfg)
}

// Pause disables the configuration and drops any pending coalesced trigger.
// An in-flight cycle is not interrupted.
func (e *Engine) Pause(ctx context.Context, configID string) error {
	e.mu.Lock()
	delete(e.pending, configID)
	e.mu.Unlock()
	return e.store.SetConfigurationEnabled(ctx, configID, false)
}

// Resume re-enables the configuration.
func (e *Engine) Resume(ctx context.Context, configID string) error {
	return e.store.SetConfigurationEnabled(ctx, configID, true)
}

// cycle carries the per-cycle state through the stages of one sync, so no
// stage depends on shared mutable engine state.
type cycle struct {
	engine  *Engine
	cfg     *model.SyncConfiguration
	adapter provider.Adapter
	result  *model.SyncResult

	mu        sync.Mutex
	ops       []cycleOp
	conflicts []*conflictWork
}

// cycleOp is one deferred write, executed in the applying_writes stage.
type cycleOp struct {
	desc string
	run  func(ctx context.Context) error
}

// conflictWork pairs a persisted conflict with its computed outcome.
type conflictWork struct {
	stored  *model.ConflictDetails
	outcome Outcome
	localID string
	extID   string
}

func (c *cycle) remoteWrites() bool { return c.cfg.Direction != model.DirectionImportOnly }
func (c *cycle) localWrites() bool  { return c.cfg.Direction != model.DirectionExportOnly }

func (c *cycle) warnf(format string, args ...any) {
	c.mu.Lock()
	c.result.Warnings = append(c.result.Warnings, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *cycle) count(created, updated, deleted int) {
	c.mu.Lock()
	c.result.Created += created
	c.result.Updated += updated
	c.result.Deleted += deleted
	c.mu.Unlock()
}

// runCycle executes the sync state machine: fetching_remote → diffing →
// resolving_conflicts → applying_writes → completed | failed.
func (e *Engine) runCycle(ctx context.Context, cfg *model.SyncConfiguration) (*model.SyncResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cycleTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, spanCycle, trace.WithAttributes(
		attribute.String("sync.config_id", cfg.ID),
		attribute.String("sync.provider", string(cfg.Provider)),
	))
	defer span.End()

	started := time.Now().UTC()
	result := &model.SyncResult{
		ID:        uuid.NewString(),
		ConfigID:  cfg.ID,
		StartedAt: started,
	}

	e.notifier.SyncStarted(cfg.ID, cfg.UserID)

	adapter, err := e.registry.Get(cfg.Provider)
	if err != nil {
		return e.failCycle(ctx, cfg, result, span, err)
	}

	// fetching_remote: delta since last_sync, full pull on first cycle.
	var remotes []*model.SyncEvent
	err = provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		var ferr error
		remotes, ferr = adapter.FetchEvents(ctx, cfg.ExternalCalendarID, cfg.LastSync)
		return ferr
	})
	if err != nil {
		return e.failCycle(ctx, cfg, result, span, fmt.Errorf("fetching remote events: %w", err))
	}

	c := &cycle{engine: e, cfg: cfg, adapter: adapter, result: result}

	// diffing + resolving_conflicts.
	if err := e.diff(ctx, c, remotes); err != nil {
		return e.failCycle(ctx, cfg, result, span, err)
	}
	if err := e.resolveConflicts(ctx, c); err != nil {
		return e.failCycle(ctx, cfg, result, span, err)
	}

	e.notifier.SyncProgress(cfg.ID, cfg.UserID, 0, len(c.ops))

	// applying_writes: bounded concurrency, item failures isolated.
	e.applyWrites(ctx, c)

	if ctx.Err() != nil {
		return e.failCycle(ctx, cfg, result, span, fmt.Errorf("cycle timed out: %w", ctx.Err()))
	}

	// completed.
	now := time.Now().UTC()
	result.Duration = time.Since(started)
	result.Success = true
	result.NextSyncAt = now.Add(cfg.SyncFrequency)

	if err := e.store.InsertResult(ctx, result); err != nil {
		e.log.Error("persisting sync result", "config_id", cfg.ID, "error", err)
	}
	if err := e.store.RecordCycleOutcome(ctx, cfg.ID, now, result.NextSyncAt, 0, ""); err != nil {
		e.log.Error("recording cycle outcome", "config_id", cfg.ID, "error", err)
	}

	e.recordMetrics(ctx, span, result)
	e.notifier.SyncProgress(cfg.ID, cfg.UserID, result.Processed, result.Processed)
	e.notifier.SyncCompleted(cfg.UserID, result)

	e.log.Info("sync cycle complete",
		"config_id", cfg.ID,
		"processed", result.Processed,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"conflicts_detected", result.ConflictsDetected,
		"conflicts_resolved", result.ConflictsResolved,
		"warnings", len(result.Warnings),
		"duration", result.Duration,
	)
	return result, nil
}

// failCycle records a cycle-level failure: the result is persisted with the
// error, next_sync backs off exponentially with the consecutive failure
// count, and auth failures pause the configuration until re-auth.
func (e *Engine) failCycle(ctx context.Context, cfg *model.SyncConfiguration, result *model.SyncResult, span trace.Span, cause error) (*model.SyncResult, error) {
	now := time.Now().UTC()
	result.Duration = time.Since(result.StartedAt)
	result.Success = false
	result.Errors = append(result.Errors, cause.Error())

	failures := cfg.SyncErrors + 1
	result.NextSyncAt = now.Add(provider.FailureBackoff(failures))

	if provider.IsAuth(cause) {
		e.log.Warn("auth failure, pausing configuration until re-auth",
			"config_id", cfg.ID, "error", cause)
		if err := e.store.SetConfigurationEnabled(ctx, cfg.ID, false); err != nil {
			e.log.Error("pausing configuration", "config_id", cfg.ID, "error", err)
		}
	}

	if err := e.store.InsertResult(ctx, result); err != nil {
		e.log.Error("persisting sync result", "config_id", cfg.ID, "error", err)
	}
	if err := e.store.RecordCycleOutcome(ctx, cfg.ID, cfg.LastSync, result.NextSyncAt, failures, cause.Error()); err != nil {
		e.log.Error("recording cycle outcome", "config_id", cfg.ID, "error", err)
	}

	span.RecordError(cause)
	e.cntErrors.Add(ctx, 1)
	e.notifier.SyncError(cfg.ID, cfg.UserID, cause)

	e.log.Error("sync cycle failed",
		"config_id", cfg.ID,
		"consecutive_failures", failures,
		"next_sync", result.NextSyncAt,
		"error", cause,
	)
	return result, cause
}

func (e *Engine) recordMetrics(ctx context.Context, span trace.Span, r *model.SyncResult) {
	if r.Created > 0 {
		e.cntCreated.Add(ctx, int64(r.Created))
	}
	if r.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(r.Updated))
	}
	if r.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(r.Deleted))
	}
	if r.ConflictsDetected > 0 {
		e.cntConflicts.Add(ctx, int64(r.ConflictsDetected))
	}
	if len(r.Errors)+len(r.Warnings) > 0 {
		e.cntErrors.Add(ctx, int64(len(r.Errors)+len(r.Warnings)))
	}

	span.SetAttributes(
		attribute.Int("sync.processed", r.Processed),
		attribute.Int("sync.created", r.Created),
		attribute.Int("sync.updated", r.Updated),
		attribute.Int("sync.deleted", r.Deleted),
		attribute.Int("sync.conflicts_detected", r.ConflictsDetected),
		attribute.Int("sync.conflicts_resolved", r.ConflictsResolved),
	)
}
