// Package store manages the SQLite database holding sync configurations, the
// canonical local event set, cached external snapshots, sync cycle history,
// conflicts, webhook deliveries, and export subscriptions.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chairbook/calsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS configurations (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL,
    provider             TEXT NOT NULL,
    external_calendar_id TEXT NOT NULL,
    direction            TEXT NOT NULL,
    resolution           TEXT NOT NULL,
    merge_policy         TEXT NOT NULL DEFAULT '',
    sync_frequency_min   INTEGER NOT NULL,
    privacy              TEXT NOT NULL,
    enabled              INTEGER NOT NULL DEFAULT 1,
    webhook_url          TEXT NOT NULL DEFAULT '',
    last_sync            TEXT NOT NULL DEFAULT '',
    next_sync            TEXT NOT NULL DEFAULT '',
    sync_errors          INTEGER NOT NULL DEFAULT 0,
    last_error           TEXT NOT NULL DEFAULT '',
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_user ON configurations (user_id);
CREATE INDEX IF NOT EXISTS idx_config_due  ON configurations (enabled, next_sync);

CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    start_time  TEXT NOT NULL,
    end_time    TEXT NOT NULL,
    location    TEXT NOT NULL DEFAULT '',
    attendees   TEXT NOT NULL DEFAULT '[]',
    status      TEXT NOT NULL DEFAULT 'confirmed',
    created_at  TEXT NOT NULL,
    modified_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_user ON events (user_id);

CREATE TABLE IF NOT EXISTS event_links (
    config_id   TEXT NOT NULL,
    event_id    TEXT NOT NULL,
    external_id TEXT NOT NULL,
    linked_at   TEXT NOT NULL,
    PRIMARY KEY (config_id, event_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_external ON event_links (config_id, external_id);

CREATE TABLE IF NOT EXISTS snapshots (
    config_id   TEXT NOT NULL,
    external_id TEXT NOT NULL,
    payload     TEXT NOT NULL,
    checksum    TEXT NOT NULL,
    modified_at TEXT NOT NULL,
    PRIMARY KEY (config_id, external_id)
);

CREATE TABLE IF NOT EXISTS sync_results (
    id                 TEXT PRIMARY KEY,
    config_id          TEXT NOT NULL,
    started_at         TEXT NOT NULL,
    duration_ms        INTEGER NOT NULL,
    processed          INTEGER NOT NULL,
    created            INTEGER NOT NULL,
    updated            INTEGER NOT NULL,
    deleted            INTEGER NOT NULL,
    conflicts_detected INTEGER NOT NULL,
    conflicts_resolved INTEGER NOT NULL,
    errors             TEXT NOT NULL DEFAULT '[]',
    warnings           TEXT NOT NULL DEFAULT '[]',
    success            INTEGER NOT NULL,
    next_sync_at       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_results_config ON sync_results (config_id, started_at);

CREATE TABLE IF NOT EXISTS conflicts (
    id                  TEXT PRIMARY KEY,
    config_id           TEXT NOT NULL,
    user_id             TEXT NOT NULL,
    type                TEXT NOT NULL,
    pair_key            TEXT NOT NULL,
    local_event         TEXT NOT NULL DEFAULT '',
    remote_event        TEXT NOT NULL DEFAULT '',
    detected_at         TEXT NOT NULL,
    resolution_required INTEGER NOT NULL DEFAULT 0,
    resolved_at         TEXT NOT NULL DEFAULT '',
    resolved_by         TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts (pair_key) WHERE resolved_at = '';
CREATE INDEX        IF NOT EXISTS idx_conflicts_user ON conflicts (user_id);

CREATE TABLE IF NOT EXISTS webhook_events (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    provider        TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    change          TEXT NOT NULL,
    calendar_id     TEXT NOT NULL,
    event_id        TEXT NOT NULL,
    received_at     TEXT NOT NULL,
    processed       INTEGER NOT NULL DEFAULT 0,
    attempts        INTEGER NOT NULL DEFAULT 0,
    invalid         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_webhooks_pending ON webhook_events (processed, invalid);

CREATE TABLE IF NOT EXISTS subscriptions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    token      TEXT NOT NULL UNIQUE,
    format     TEXT NOT NULL,
    privacy    TEXT NOT NULL,
    window_min INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed repository for all persistent sync state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Configurations ----------------------------------------------------------

const configColumns = `
	id, user_id, provider, external_calendar_id, direction, resolution,
	merge_policy, sync_frequency_min, privacy, enabled, webhook_url,
	last_sync, next_sync, sync_errors, last_error, created_at, updated_at`

// CreateConfiguration inserts a new sync configuration.
func (s *Store) CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	const q = `
		INSERT INTO configurations (` + configColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		cfg.ID, cfg.UserID, string(cfg.Provider), cfg.ExternalCalendarID,
		string(cfg.Direction), string(cfg.Resolution), marshalJSON(cfg.Merge),
		int(cfg.SyncFrequency/time.Minute), string(cfg.Privacy), boolToInt(cfg.Enabled),
		cfg.WebhookURL, formatTime(cfg.LastSync), formatTime(cfg.NextSync),
		cfg.SyncErrors, cfg.LastError, formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting configuration %s: %w", cfg.ID, err)
	}
	return nil
}

// GetConfiguration returns the configuration with the given ID, or (nil, nil)
// if no such configuration exists.
func (s *Store) GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM configurations WHERE id = ?`, id)
	return scanConfiguration(row)
}

// ListConfigurations returns all configurations owned by the user, newest
// first.
func (s *Store) ListConfigurations(ctx context.Context, userID string) ([]*model.SyncConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM configurations WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying configurations for user %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectConfigurations(rows)
}

// AllConfigurations returns every configuration regardless of owner, newest
// first. The status command uses this for its overview.
func (s *Store) AllConfigurations(ctx context.Context) ([]*model.SyncConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM configurations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectConfigurations(rows)
}

// DueConfigurations returns enabled configurations whose next_sync is at or
// before now, for the scheduler scan.
func (s *Store) DueConfigurations(ctx context.Context, now time.Time) ([]*model.SyncConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM configurations
		 WHERE enabled = 1 AND (next_sync = '' OR next_sync <= ?)`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying due configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectConfigurations(rows)
}

// ConfigurationsByCalendar returns enabled configurations bound to the given
// provider calendar. Webhook delivery resolves configurations this way.
func (s *Store) ConfigurationsByCalendar(ctx context.Context, p model.Provider, calendarID string) ([]*model.SyncConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM configurations
		 WHERE enabled = 1 AND provider = ? AND external_calendar_id = ?`,
		string(p), calendarID)
	if err != nil {
		return nil, fmt.Errorf("querying configurations for %s calendar %q: %w", p, calendarID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectConfigurations(rows)
}

// UpdateConfiguration replaces the user-editable fields of a configuration.
func (s *Store) UpdateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	const q = `
		UPDATE configurations SET
		    provider = ?, external_calendar_id = ?, direction = ?, resolution = ?,
		    merge_policy = ?, sync_frequency_min = ?, privacy = ?, enabled = ?,
		    webhook_url = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(cfg.Provider), cfg.ExternalCalendarID, string(cfg.Direction),
		string(cfg.Resolution), marshalJSON(cfg.Merge), int(cfg.SyncFrequency/time.Minute),
		string(cfg.Privacy), boolToInt(cfg.Enabled), cfg.WebhookURL,
		formatTime(time.Now().UTC()), cfg.ID)
	if err != nil {
		return fmt.Errorf("updating configuration %s: %w", cfg.ID, err)
	}
	return requireRow(res, "configuration", cfg.ID)
}

// SetConfigurationEnabled pauses or resumes a configuration. Disabling is the
// soft-delete path: history and conflicts stay queryable.
func (s *Store) SetConfigurationEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE configurations SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("setting configuration %s enabled=%t: %w", id, enabled, err)
	}
	return requireRow(res, "configuration", id)
}

// RecordCycleOutcome persists the scheduling fields the engine mutates after
// each cycle: last/next sync timestamps and the consecutive failure counter.
func (s *Store) RecordCycleOutcome(ctx context.Context, id string, lastSync, nextSync time.Time, syncErrors int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE configurations SET last_sync = ?, next_sync = ?, sync_errors = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		formatTime(lastSync), formatTime(nextSync), syncErrors, lastError,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("recording cycle outcome for %s: %w", id, err)
	}
	return requireRow(res, "configuration", id)
}

func scanConfiguration(sc scanner) (*model.SyncConfiguration, error) {
	var (
		cfg                                  model.SyncConfiguration
		provider, direction, resolution      string
		mergeJSON, privacy                   string
		freqMin, enabled                     int
		lastSync, nextSync, created, updated string
	)
	err := sc.Scan(
		&cfg.ID, &cfg.UserID, &provider, &cfg.ExternalCalendarID,
		&direction, &resolution, &mergeJSON, &freqMin, &privacy, &enabled,
		&cfg.WebhookURL, &lastSync, &nextSync, &cfg.SyncErrors, &cfg.LastError,
		&created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning configuration row: %w", err)
	}

	cfg.Provider = model.Provider(provider)
	cfg.Direction = model.SyncDirection(direction)
	cfg.Resolution = model.ResolutionStrategy(resolution)
	cfg.Privacy = model.PrivacyLevel(privacy)
	cfg.SyncFrequency = time.Duration(freqMin) * time.Minute
	cfg.Enabled = enabled != 0
	if mergeJSON != "" && mergeJSON != "null" {
		_ = json.Unmarshal([]byte(mergeJSON), &cfg.Merge)
	}
	cfg.LastSync, _ = parseTime(lastSync)
	cfg.NextSync, _ = parseTime(nextSync)
	cfg.CreatedAt, _ = parseTime(created)
	cfg.UpdatedAt, _ = parseTime(updated)
	return &cfg, nil
}

func collectConfigurations(rows *sql.Rows) ([]*model.SyncConfiguration, error) {
	var out []*model.SyncConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

// requireRow converts a zero-row UPDATE into a not-found error.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
