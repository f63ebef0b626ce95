package model

import (
	"fmt"
	"time"
)

// ConflictType classifies a detected divergence between a local event and its
// remote counterpart.
type ConflictType string

const (
	// ConflictTimeOverlap means the local event's window intersects a
	// different, unlinked remote event on the same calendar.
	ConflictTimeOverlap ConflictType = "time_overlap"

	// ConflictContentMismatch means a linked pair diverged: both sides were
	// modified since the last successful sync and their checksums differ.
	ConflictContentMismatch ConflictType = "content_mismatch"

	// ConflictDeletion means one side of a linked pair was deleted while the
	// other side was modified since the last successful sync.
	ConflictDeletion ConflictType = "deletion_conflict"
)

// ConflictDetails pairs a local and remote event snapshot with the detected
// divergence. Conflicts are append-only until resolved; resolution is
// recorded, never silently discarded.
type ConflictDetails struct {
	ID       string
	ConfigID string
	UserID   string

	Type ConflictType

	// LocalEvent / RemoteEvent are the snapshots as seen at detection time.
	// Either may be nil for deletion conflicts.
	LocalEvent  *SyncEvent
	RemoteEvent *SyncEvent

	DetectedAt time.Time

	// ResolutionRequired marks conflicts that need a human decision
	// (strategy = prompt). The pair is skipped by the write phase until the
	// conflict is resolved through the API.
	ResolutionRequired bool

	ResolvedAt *time.Time
	ResolvedBy ResolutionStrategy
}

// Resolved reports whether the conflict has been resolved.
func (c *ConflictDetails) Resolved() bool {
	return c.ResolvedAt != nil
}

// PairKey identifies the linked pair a conflict belongs to, used to enforce
// at most one open conflict per pair.
func (c *ConflictDetails) PairKey() string {
	localID := ""
	if c.LocalEvent != nil {
		localID = c.LocalEvent.ID
	}
	remoteID := ""
	if c.RemoteEvent != nil {
		remoteID = c.RemoteEvent.ExternalID
	}
	return fmt.Sprintf("%s/%s/%s", c.ConfigID, localID, remoteID)
}

// SyncResult is the immutable record of one sync cycle, returned by the
// engine and persisted as the audit trail entry for that cycle.
type SyncResult struct {
	ID       string
	ConfigID string

	StartedAt time.Time
	Duration  time.Duration

	Processed int
	Created   int
	Updated   int
	Deleted   int

	ConflictsDetected int
	ConflictsResolved int

	Errors   []string
	Warnings []string

	Success    bool
	NextSyncAt time.Time
}

// WebhookChange is the provider-reported change type carried by a webhook.
type WebhookChange string

const (
	WebhookCreated WebhookChange = "created"
	WebhookUpdated WebhookChange = "updated"
	WebhookDeleted WebhookChange = "deleted"
)

// WebhookEvent is one validated provider push notification. Retained for
// replay and deduplication.
type WebhookEvent struct {
	ID         string
	Provider   Provider
	UserID     string
	Change     WebhookChange
	CalendarID string
	EventID    string
	ReceivedAt time.Time
	Processed  bool
	Attempts   int

	// Invalid marks webhooks that failed signature/token validation. They
	// are recorded but never acted on.
	Invalid bool
}

// idempotencyBucket groups webhook deliveries into 30-second windows so that
// provider redeliveries of the same notification deduplicate.
const idempotencyBucket = 30 * time.Second

// IdempotencyKey returns the deduplication key for the webhook:
// provider + calendar + event + timestamp bucket.
func (w *WebhookEvent) IdempotencyKey() string {
	bucket := w.ReceivedAt.UTC().Truncate(idempotencyBucket).Unix()
	return fmt.Sprintf("%s:%s:%s:%d", w.Provider, w.CalendarID, w.EventID, bucket)
}
