package model

import "time"

// ExportFormat selects the serialization of an export.
type ExportFormat string

const (
	FormatICal ExportFormat = "ical"
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// Valid reports whether f is a known format.
func (f ExportFormat) Valid() bool {
	switch f {
	case FormatICal, FormatCSV, FormatJSON:
		return true
	}
	return false
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatICal:
		return "text/calendar"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Extension returns the file extension (without dot) for the format.
func (f ExportFormat) Extension() string {
	switch f {
	case FormatICal:
		return "ics"
	case FormatCSV:
		return "csv"
	default:
		return "json"
	}
}

// ExportOptions is a read-only projection request: a date-bounded,
// privacy-filtered view of a user's events in one serialization.
type ExportOptions struct {
	UserID string

	From time.Time
	To   time.Time

	Format  ExportFormat
	Privacy PrivacyLevel

	// Statuses restricts the export to events in the given statuses.
	// Empty means all statuses except cancelled.
	Statuses []EventStatus
}

// ExportResult describes a produced export artifact. The artifact itself is
// derived state: cached briefly for download, rebuildable at any time.
type ExportResult struct {
	ID          string
	Filename    string
	ContentType string
	Size        int
	EventCount  int
	GeneratedAt time.Time
	ExpiresAt   time.Time

	// DownloadURL is the signed, expirable path for fetching the artifact.
	DownloadURL string
}

// Subscription is a standing export definition re-evaluated on each fetch
// (a live feed), not a static snapshot.
type Subscription struct {
	ID     string
	UserID string

	// Token authenticates feed fetches and is embedded in the feed URL.
	Token string

	Format  ExportFormat
	Privacy PrivacyLevel

	// Window is how far ahead of each fetch the feed reaches.
	Window time.Duration

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the subscription has lapsed at now.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
