package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// --- Sync results ------------------------------------------------------------

// InsertResult appends a sync cycle record to the audit trail.
func (s *Store) InsertResult(ctx context.Context, r *model.SyncResult) error {
	const q = `
		INSERT INTO sync_results
		    (id, config_id, started_at, duration_ms, processed, created, updated,
		     deleted, conflicts_detected, conflicts_resolved, errors, warnings,
		     success, next_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.ConfigID, formatTime(r.StartedAt), r.Duration.Milliseconds(),
		r.Processed, r.Created, r.Updated, r.Deleted,
		r.ConflictsDetected, r.ConflictsResolved,
		marshalJSON(r.Errors), marshalJSON(r.Warnings),
		boolToInt(r.Success), formatTime(r.NextSyncAt))
	if err != nil {
		return fmt.Errorf("inserting sync result %s: %w", r.ID, err)
	}
	return nil
}

// ListResults returns the most recent cycle records for the configuration,
// newest first, up to limit.
func (s *Store) ListResults(ctx context.Context, configID string, limit int) ([]*model.SyncResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, started_at, duration_ms, processed, created, updated,
		       deleted, conflicts_detected, conflicts_resolved, errors, warnings,
		       success, next_sync_at
		FROM sync_results WHERE config_id = ? ORDER BY started_at DESC LIMIT ?`,
		configID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying results for config %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SyncResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResult(sc scanner) (*model.SyncResult, error) {
	var (
		r                          model.SyncResult
		started, nextAt            string
		durationMS                 int64
		errorsJSON, warningsJSON   string
		success                    int
	)
	err := sc.Scan(
		&r.ID, &r.ConfigID, &started, &durationMS, &r.Processed, &r.Created,
		&r.Updated, &r.Deleted, &r.ConflictsDetected, &r.ConflictsResolved,
		&errorsJSON, &warningsJSON, &success, &nextAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning result row: %w", err)
	}
	r.StartedAt, _ = parseTime(started)
	r.NextSyncAt, _ = parseTime(nextAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Success = success != 0
	_ = json.Unmarshal([]byte(errorsJSON), &r.Errors)
	_ = json.Unmarshal([]byte(warningsJSON), &r.Warnings)
	return &r, nil
}

// --- Conflicts ---------------------------------------------------------------

// InsertConflict records a newly detected conflict. If an open conflict
// already exists for the same pair it is returned unchanged and no new row is
// written, so at most one open conflict exists per linked pair.
func (s *Store) InsertConflict(ctx context.Context, c *model.ConflictDetails) (*model.ConflictDetails, error) {
	existing, err := s.openConflictByPair(ctx, c.PairKey())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	const q = `
		INSERT INTO conflicts
		    (id, config_id, user_id, type, pair_key, local_event, remote_event,
		     detected_at, resolution_required, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '')`
	_, err = s.db.ExecContext(ctx, q,
		c.ID, c.ConfigID, c.UserID, string(c.Type), c.PairKey(),
		marshalEvent(c.LocalEvent), marshalEvent(c.RemoteEvent),
		formatTime(c.DetectedAt), boolToInt(c.ResolutionRequired))
	if err != nil {
		return nil, fmt.Errorf("inserting conflict %s: %w", c.ID, err)
	}
	return c, nil
}

const conflictColumns = `
	id, config_id, user_id, type, local_event, remote_event,
	detected_at, resolution_required, resolved_at, resolved_by`

// GetConflict returns a conflict by ID, or (nil, nil) if absent.
func (s *Store) GetConflict(ctx context.Context, id string) (*model.ConflictDetails, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row)
}

// OpenConflicts returns the user's unresolved conflicts, oldest first.
func (s *Store) OpenConflicts(ctx context.Context, userID string) ([]*model.ConflictDetails, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE user_id = ? AND resolved_at = '' ORDER BY detected_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying open conflicts for user %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.ConflictDetails
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasOpenPromptConflict reports whether the pair identified by pairKey has an
// unresolved conflict awaiting human resolution. Such pairs are skipped by
// the write phase.
func (s *Store) HasOpenPromptConflict(ctx context.Context, pairKey string) (bool, error) {
	c, err := s.openConflictByPair(ctx, pairKey)
	if err != nil {
		return false, err
	}
	return c != nil && c.ResolutionRequired, nil
}

// MarkConflictResolved records the resolution. Resolving an already-resolved
// conflict is a no-op.
func (s *Store) MarkConflictResolved(ctx context.Context, id string, strategy model.ResolutionStrategy, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND resolved_at = ''`,
		formatTime(at), string(strategy), id)
	if err != nil {
		return fmt.Errorf("resolving conflict %s: %w", id, err)
	}
	return nil
}

func (s *Store) openConflictByPair(ctx context.Context, pairKey string) (*model.ConflictDetails, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE pair_key = ? AND resolved_at = ''`, pairKey)
	return scanConflict(row)
}

func scanConflict(sc scanner) (*model.ConflictDetails, error) {
	var (
		c                        model.ConflictDetails
		typ, localJSON, remote   string
		detected, resolvedAt, by string
		required                 int
	)
	err := sc.Scan(
		&c.ID, &c.ConfigID, &c.UserID, &typ, &localJSON, &remote,
		&detected, &required, &resolvedAt, &by,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}
	c.Type = model.ConflictType(typ)
	c.LocalEvent = unmarshalEvent(localJSON)
	c.RemoteEvent = unmarshalEvent(remote)
	c.DetectedAt, _ = parseTime(detected)
	c.ResolutionRequired = required != 0
	if resolvedAt != "" {
		t, _ := parseTime(resolvedAt)
		c.ResolvedAt = &t
		c.ResolvedBy = model.ResolutionStrategy(by)
	}
	return &c, nil
}

func marshalEvent(ev *model.SyncEvent) string {
	if ev == nil {
		return ""
	}
	b, _ := json.Marshal(ev)
	return string(b)
}

func unmarshalEvent(s string) *model.SyncEvent {
	if s == "" {
		return nil
	}
	var ev model.SyncEvent
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return nil
	}
	return &ev
}

// --- Webhook events ----------------------------------------------------------

// RecordWebhook stores a webhook delivery. Returns false when a delivery with
// the same idempotency key was already recorded — concurrent duplicates
// deduplicate atomically on the unique index.
func (s *Store) RecordWebhook(ctx context.Context, w *model.WebhookEvent) (bool, error) {
	const q = `
		INSERT INTO webhook_events
		    (id, idempotency_key, provider, user_id, change, calendar_id,
		     event_id, received_at, processed, attempts, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		w.ID, w.IdempotencyKey(), string(w.Provider), w.UserID, string(w.Change),
		w.CalendarID, w.EventID, formatTime(w.ReceivedAt),
		boolToInt(w.Processed), w.Attempts, boolToInt(w.Invalid))
	if err != nil {
		return false, fmt.Errorf("recording webhook %s: %w", w.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkWebhookProcessed flags a webhook as handled.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("marking webhook %s processed: %w", id, err)
	}
	return nil
}

// BumpWebhookAttempts increments the retry counter and returns the new count.
func (s *Store) BumpWebhookAttempts(ctx context.Context, id string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("bumping webhook %s attempts: %w", id, err)
	}
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM webhook_events WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("reading webhook %s attempts: %w", id, err)
	}
	return attempts, nil
}

// UnprocessedWebhooks returns valid webhooks not yet processed, oldest first.
// Used at startup to replay deliveries that arrived before a crash.
func (s *Store) UnprocessedWebhooks(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, user_id, change, calendar_id, event_id,
		       received_at, processed, attempts, invalid
		FROM webhook_events
		WHERE processed = 0 AND invalid = 0
		ORDER BY received_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying unprocessed webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WebhookEvent
	for rows.Next() {
		var (
			w                   model.WebhookEvent
			provider, change    string
			received            string
			processed, invalid  int
		)
		if err := rows.Scan(&w.ID, &provider, &w.UserID, &change, &w.CalendarID,
			&w.EventID, &received, &processed, &w.Attempts, &invalid); err != nil {
			return nil, fmt.Errorf("scanning webhook row: %w", err)
		}
		w.Provider = model.Provider(provider)
		w.Change = model.WebhookChange(change)
		w.ReceivedAt, _ = parseTime(received)
		w.Processed = processed != 0
		w.Invalid = invalid != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}

// --- Subscriptions -----------------------------------------------------------

// CreateSubscription stores a standing export feed definition.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	const q = `
		INSERT INTO subscriptions (id, user_id, token, format, privacy, window_min, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		sub.ID, sub.UserID, sub.Token, string(sub.Format), string(sub.Privacy),
		int(sub.Window/time.Minute), formatTime(sub.CreatedAt), formatTime(sub.ExpiresAt))
	if err != nil {
		return fmt.Errorf("inserting subscription %s: %w", sub.ID, err)
	}
	return nil
}

// SubscriptionByToken returns the subscription for a feed token, or
// (nil, nil) if absent.
func (s *Store) SubscriptionByToken(ctx context.Context, token string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token, format, privacy, window_min, created_at, expires_at
		FROM subscriptions WHERE token = ?`, token)

	var (
		sub                 model.Subscription
		format, privacy     string
		windowMin           int
		created, expires    string
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Token, &format, &privacy,
		&windowMin, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subscription row: %w", err)
	}
	sub.Format = model.ExportFormat(format)
	sub.Privacy = model.PrivacyLevel(privacy)
	sub.Window = time.Duration(windowMin) * time.Minute
	sub.CreatedAt, _ = parseTime(created)
	sub.ExpiresAt, _ = parseTime(expires)
	return &sub, nil
}
