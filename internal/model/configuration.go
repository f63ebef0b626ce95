package model

import "time"

// SyncDirection controls which way writes flow during a cycle.
type SyncDirection string

const (
	DirectionExportOnly    SyncDirection = "export_only"
	DirectionImportOnly    SyncDirection = "import_only"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	switch d {
	case DirectionExportOnly, DirectionImportOnly, DirectionBidirectional:
		return true
	}
	return false
}

// ResolutionStrategy selects how detected conflicts are resolved.
type ResolutionStrategy string

const (
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyRemoteWins ResolutionStrategy = "remote_wins"
	StrategyNewestWins ResolutionStrategy = "newest_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyPrompt     ResolutionStrategy = "prompt"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyNewestWins, StrategyMerge, StrategyPrompt:
		return true
	}
	return false
}

// PrivacyLevel is the redaction tier applied when exporting events.
type PrivacyLevel string

const (
	PrivacyFull      PrivacyLevel = "full"
	PrivacyBusiness  PrivacyLevel = "business"
	PrivacyMinimal   PrivacyLevel = "minimal"
	PrivacyAnonymous PrivacyLevel = "anonymous"
)

// Valid reports whether l is a known privacy level.
func (l PrivacyLevel) Valid() bool {
	switch l {
	case PrivacyFull, PrivacyBusiness, PrivacyMinimal, PrivacyAnonymous:
		return true
	}
	return false
}

// MergePolicy maps an event field name to the side whose value wins during a
// merge resolution when only that side changed the field. Fields changed on
// both sides fall back to newest_wins per field.
type MergePolicy map[string]MergeAuthority

// MergeAuthority names the side that owns a field under the merge strategy.
type MergeAuthority string

const (
	AuthorityLocal  MergeAuthority = "local"
	AuthorityRemote MergeAuthority = "remote"
)

// DefaultMergePolicy is used when a configuration carries no explicit policy:
// the remote side owns the schedule-shaped fields, the local side owns the
// billing-relevant ones.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		"title":       AuthorityRemote,
		"start_time":  AuthorityRemote,
		"end_time":    AuthorityRemote,
		"location":    AuthorityRemote,
		"description": AuthorityLocal,
		"attendees":   AuthorityLocal,
	}
}

// SyncConfiguration links one user's local calendar to one external calendar,
// including direction, conflict policy, and cadence. Deleting a configuration
// soft-disables it so its sync history stays queryable.
type SyncConfiguration struct {
	ID     string
	UserID string

	Provider           Provider
	ExternalCalendarID string

	Direction  SyncDirection
	Resolution ResolutionStrategy
	Merge      MergePolicy

	// SyncFrequency is the scheduler cadence. Stored in whole minutes.
	SyncFrequency time.Duration

	Privacy PrivacyLevel
	Enabled bool

	// WebhookURL, when set, is the callback address registered with the
	// provider for push notifications.
	WebhookURL string

	LastSync time.Time
	NextSync time.Time

	// SyncErrors accumulates consecutive cycle-level failures. Reset to zero
	// on the next successful cycle; drives the failure backoff.
	SyncErrors int

	// LastError is a short summary of the most recent cycle failure, shown
	// in the configuration list.
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MergePolicyOrDefault returns the configuration's merge policy, falling back
// to DefaultMergePolicy when none is set.
func (c *SyncConfiguration) MergePolicyOrDefault() MergePolicy {
	if len(c.Merge) == 0 {
		return DefaultMergePolicy()
	}
	return c.Merge
}
