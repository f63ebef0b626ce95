// Package engine implements the sync cycle for calendar configurations: it
// pulls remote deltas through a provider adapter, diffs them against the
// local event store and the last-synced snapshots, detects and resolves
// conflicting edits, applies writes in both directions, and records a
// SyncResult per cycle.
//
// The package contains three main components:
//
//   - [Detector] classifies divergence between a linked local/remote pair.
//   - [Resolver] applies the configured resolution strategy deterministically.
//   - [Engine] orchestrates cycles with single-flight per configuration.
package engine

import (
	"context"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// Store is the persistence surface the engine needs. Implemented by
// [store.Store].
type Store interface {
	GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error)
	RecordCycleOutcome(ctx context.Context, id string, lastSync, nextSync time.Time, syncErrors int, lastError string) error
	SetConfigurationEnabled(ctx context.Context, id string, enabled bool) error

	ListLocalEvents(ctx context.Context, userID string) ([]*model.SyncEvent, error)
	UpsertLocalEvent(ctx context.Context, userID string, ev *model.SyncEvent) error
	DeleteLocalEvent(ctx context.Context, id string) error

	LinkEvent(ctx context.Context, configID, eventID, externalID string) error
	UnlinkEvent(ctx context.Context, configID, eventID string) error
	EventLinks(ctx context.Context, configID string) (map[string]string, error)

	PutSnapshot(ctx context.Context, configID string, ev *model.SyncEvent) error
	DeleteSnapshot(ctx context.Context, configID, externalID string) error
	Snapshots(ctx context.Context, configID string) (map[string]*model.SyncEvent, error)

	InsertResult(ctx context.Context, r *model.SyncResult) error
	InsertConflict(ctx context.Context, c *model.ConflictDetails) (*model.ConflictDetails, error)
	GetConflict(ctx context.Context, id string) (*model.ConflictDetails, error)
	HasOpenPromptConflict(ctx context.Context, pairKey string) (bool, error)
	MarkConflictResolved(ctx context.Context, id string, strategy model.ResolutionStrategy, at time.Time) error
}

// Notifier receives sync lifecycle events. Implemented by [monitor.Hub];
// a no-op implementation is used when monitoring is disabled.
type Notifier interface {
	SyncStarted(configID, userID string)
	SyncProgress(configID, userID string, processed, total int)
	ConflictDetected(userID string, c *model.ConflictDetails)
	SyncCompleted(userID string, r *model.SyncResult)
	SyncError(configID, userID string, err error)
}

// NoopNotifier discards all lifecycle events.
type NoopNotifier struct{}

func (NoopNotifier) SyncStarted(string, string)                      {}
func (NoopNotifier) SyncProgress(string, string, int, int)           {}
func (NoopNotifier) ConflictDetected(string, *model.ConflictDetails) {}
func (NoopNotifier) SyncCompleted(string, *model.SyncResult)         {}
func (NoopNotifier) SyncError(string, string, error)                 {}
