package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// --- Local events ------------------------------------------------------------

const eventColumns = `
	id, user_id, title, description, start_time, end_time, location,
	attendees, status, created_at, modified_at`

// UpsertLocalEvent inserts or replaces a local event.
func (s *Store) UpsertLocalEvent(ctx context.Context, userID string, ev *model.SyncEvent) error {
	const q = `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    title       = excluded.title,
		    description = excluded.description,
		    start_time  = excluded.start_time,
		    end_time    = excluded.end_time,
		    location    = excluded.location,
		    attendees   = excluded.attendees,
		    status      = excluded.status,
		    modified_at = excluded.modified_at`
	_, err := s.db.ExecContext(ctx, q,
		ev.ID, userID, ev.Title, ev.Description,
		formatTime(ev.StartTime), formatTime(ev.EndTime), ev.Location,
		marshalJSON(ev.Attendees), string(ev.Status),
		formatTime(ev.CreatedAt), formatTime(ev.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting event %q: %w", ev.Title, err)
	}
	return nil
}

// GetLocalEvent returns the event with the given ID, or (nil, nil) if absent.
func (s *Store) GetLocalEvent(ctx context.Context, id string) (*model.SyncEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListLocalEvents returns all of the user's events ordered by start time.
func (s *Store) ListLocalEvents(ctx context.Context, userID string) ([]*model.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? ORDER BY start_time`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying events for user %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// ListLocalEventsInRange returns the user's events whose window intersects
// [from, to), ordered by start time. Used by the export service.
func (s *Store) ListLocalEventsInRange(ctx context.Context, userID string, from, to time.Time) ([]*model.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND start_time < ? AND end_time > ?
		 ORDER BY start_time`,
		userID, formatTime(to), formatTime(from))
	if err != nil {
		return nil, fmt.Errorf("querying events in range for user %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// DeleteLocalEvent removes the event and any links pointing at it.
func (s *Store) DeleteLocalEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_links WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("unlinking event %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting event %s: %w", id, err)
	}
	return nil
}

func scanEvent(sc scanner) (*model.SyncEvent, error) {
	var (
		ev                              model.SyncEvent
		userID, start, end              string
		attendeesJSON, status           string
		created, modified               string
	)
	err := sc.Scan(
		&ev.ID, &userID, &ev.Title, &ev.Description, &start, &end,
		&ev.Location, &attendeesJSON, &status, &created, &modified,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}
	ev.StartTime, _ = parseTime(start)
	ev.EndTime, _ = parseTime(end)
	ev.CreatedAt, _ = parseTime(created)
	ev.ModifiedAt, _ = parseTime(modified)
	ev.Status = model.EventStatus(status)
	ev.Source = model.SourceLocal
	if attendeesJSON != "" {
		_ = json.Unmarshal([]byte(attendeesJSON), &ev.Attendees)
	}
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*model.SyncEvent, error) {
	var out []*model.SyncEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Links -------------------------------------------------------------------

// LinkEvent records that the local event is mirrored by external_id under the
// given configuration.
func (s *Store) LinkEvent(ctx context.Context, configID, eventID, externalID string) error {
	const q = `
		INSERT INTO event_links (config_id, event_id, external_id, linked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(config_id, event_id) DO UPDATE SET
		    external_id = excluded.external_id,
		    linked_at   = excluded.linked_at`
	_, err := s.db.ExecContext(ctx, q, configID, eventID, externalID, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("linking event %s to %s: %w", eventID, externalID, err)
	}
	return nil
}

// UnlinkEvent removes a link without touching the event itself.
func (s *Store) UnlinkEvent(ctx context.Context, configID, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_links WHERE config_id = ? AND event_id = ?`, configID, eventID); err != nil {
		return fmt.Errorf("unlinking event %s: %w", eventID, err)
	}
	return nil
}

// EventLinks returns the eventID → externalID map for the configuration.
func (s *Store) EventLinks(ctx context.Context, configID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, external_id FROM event_links WHERE config_id = ?`, configID)
	if err != nil {
		return nil, fmt.Errorf("querying links for config %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	links := make(map[string]string)
	for rows.Next() {
		var eventID, externalID string
		if err := rows.Scan(&eventID, &externalID); err != nil {
			return nil, fmt.Errorf("scanning link row: %w", err)
		}
		links[eventID] = externalID
	}
	return links, rows.Err()
}

// --- External snapshots ------------------------------------------------------

// PutSnapshot stores the last-known external state of an event, keyed by
// (config, external_id). Written only by the engine after a successful write.
func (s *Store) PutSnapshot(ctx context.Context, configID string, ev *model.SyncEvent) error {
	const q = `
		INSERT INTO snapshots (config_id, external_id, payload, checksum, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(config_id, external_id) DO UPDATE SET
		    payload     = excluded.payload,
		    checksum    = excluded.checksum,
		    modified_at = excluded.modified_at`
	_, err := s.db.ExecContext(ctx, q,
		configID, ev.ExternalID, marshalJSON(snapshotPayload(ev)),
		ev.Checksum(), formatTime(ev.ModifiedAt))
	if err != nil {
		return fmt.Errorf("storing snapshot %s/%s: %w", configID, ev.ExternalID, err)
	}
	return nil
}

// DeleteSnapshot drops the cached snapshot for an external event.
func (s *Store) DeleteSnapshot(ctx context.Context, configID, externalID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE config_id = ? AND external_id = ?`, configID, externalID); err != nil {
		return fmt.Errorf("deleting snapshot %s/%s: %w", configID, externalID, err)
	}
	return nil
}

// Snapshots returns all cached external snapshots for the configuration,
// keyed by external ID.
func (s *Store) Snapshots(ctx context.Context, configID string) (map[string]*model.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, payload FROM snapshots WHERE config_id = ?`, configID)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots for config %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*model.SyncEvent)
	for rows.Next() {
		var externalID, payload string
		if err := rows.Scan(&externalID, &payload); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var p eventPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decoding snapshot %s/%s: %w", configID, externalID, err)
		}
		out[externalID] = p.toEvent(externalID)
	}
	return out, rows.Err()
}

// eventPayload is the JSON shape snapshots are stored in. Kept separate from
// model.SyncEvent so schema evolution stays inside this package.
type eventPayload struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Status      string    `json:"status,omitempty"`
	ModifiedAt  time.Time `json:"modified_at"`
}

func snapshotPayload(ev *model.SyncEvent) eventPayload {
	return eventPayload{
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.StartTime,
		End:         ev.EndTime,
		Location:    ev.Location,
		Attendees:   ev.Attendees,
		Status:      string(ev.Status),
		ModifiedAt:  ev.ModifiedAt,
	}
}

func (p eventPayload) toEvent(externalID string) *model.SyncEvent {
	return &model.SyncEvent{
		ExternalID:  externalID,
		Title:       p.Title,
		Description: p.Description,
		StartTime:   p.Start,
		EndTime:     p.End,
		Location:    p.Location,
		Attendees:   p.Attendees,
		Status:      model.EventStatus(p.Status),
		Source:      model.SourceExternal,
		ModifiedAt:  p.ModifiedAt,
	}
}
