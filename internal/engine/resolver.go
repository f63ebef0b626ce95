package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// Outcome is the deterministic result of applying a strategy to a conflict.
// Winner carries the content both sides converge to; a nil Winner on a
// deletion conflict means the deletion wins and the surviving side is
// removed. Prompt outcomes carry no winner and leave the pair untouched.
type Outcome struct {
	Winner *model.SyncEvent
	Prompt bool
}

// Resolver applies resolution strategies to detected conflicts. Resolution
// is a pure function of the conflict, strategy, merge policy, and snapshot;
// resolving the same input twice yields the same outcome.
type Resolver struct {
	log *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{log: logger}
}

// Resolve computes the outcome for a conflict. snapshot is the last-synced
// content of the pair, used by the merge strategy for per-field change
// detection; it may be nil.
func (r *Resolver) Resolve(c *model.ConflictDetails, strategy model.ResolutionStrategy, policy model.MergePolicy, snapshot *model.SyncEvent) (Outcome, error) {
	local, remote := c.LocalEvent, c.RemoteEvent

	switch strategy {
	case model.StrategyPrompt:
		return Outcome{Prompt: true}, nil

	case model.StrategyLocalWins:
		return Outcome{Winner: cloneOrNil(local)}, nil

	case model.StrategyRemoteWins:
		return Outcome{Winner: cloneOrNil(remote)}, nil

	case model.StrategyNewestWins:
		return Outcome{Winner: newest(local, remote)}, nil

	case model.StrategyMerge:
		if local == nil || remote == nil {
			// A deleted side has no fields to merge; the survivor's content
			// stands, matching newest_wins for deletion conflicts.
			return Outcome{Winner: newest(local, remote)}, nil
		}
		return Outcome{Winner: merge(local, remote, snapshot, policy)}, nil
	}

	return Outcome{}, fmt.Errorf("unknown resolution strategy %q", strategy)
}

func cloneOrNil(ev *model.SyncEvent) *model.SyncEvent {
	if ev == nil {
		return nil
	}
	return ev.Clone()
}

// newest picks the side with the later modified_at; ties favour local, which
// is authoritative for billing-relevant data. A deleted side always loses to
// a surviving modified side.
func newest(local, remote *model.SyncEvent) *model.SyncEvent {
	if local == nil {
		return cloneOrNil(remote)
	}
	if remote == nil {
		return local.Clone()
	}
	if remote.ModifiedAt.After(local.ModifiedAt) {
		return remote.Clone()
	}
	return local.Clone()
}

// merge combines both sides field by field: a field changed on exactly one
// side since the snapshot keeps that side's change, a field changed on both
// sides falls back to newest_wins for that field only, and when no snapshot
// exists to attribute changes, the policy's authority side owns the field.
func merge(local, remote, snapshot *model.SyncEvent, policy model.MergePolicy) *model.SyncEvent {
	out := local.Clone()
	out.ExternalID = remote.ExternalID

	remoteNewer := remote.ModifiedAt.After(local.ModifiedAt)

	pickString := func(field, lv, rv, sv string) string {
		if lv == rv {
			return lv
		}
		if snapshot != nil {
			switch {
			case lv != sv && rv == sv:
				return lv
			case rv != sv && lv == sv:
				return rv
			}
			// Both sides changed this field: newest_wins for it alone.
			if remoteNewer {
				return rv
			}
			return lv
		}
		// No baseline to attribute the change; the policy's authority side
		// owns the field.
		if policy[field] == model.AuthorityRemote {
			return rv
		}
		return lv
	}
	pickTime := func(field string, lv, rv, sv time.Time) time.Time {
		if lv.Equal(rv) {
			return lv
		}
		if snapshot != nil {
			switch {
			case !lv.Equal(sv) && rv.Equal(sv):
				return lv
			case !rv.Equal(sv) && lv.Equal(sv):
				return rv
			}
			if remoteNewer {
				return rv
			}
			return lv
		}
		if policy[field] == model.AuthorityRemote {
			return rv
		}
		return lv
	}

	var snapTitle, snapDesc, snapLoc string
	var snapStart, snapEnd time.Time
	var snapAttendees []string
	if snapshot != nil {
		snapTitle, snapDesc, snapLoc = snapshot.Title, snapshot.Description, snapshot.Location
		snapStart, snapEnd = snapshot.StartTime, snapshot.EndTime
		snapAttendees = snapshot.Attendees
	}

	out.Title = pickString("title", local.Title, remote.Title, snapTitle)
	out.Description = pickString("description", local.Description, remote.Description, snapDesc)
	out.Location = pickString("location", local.Location, remote.Location, snapLoc)
	out.StartTime = pickTime("start_time", local.StartTime, remote.StartTime, snapStart)
	out.EndTime = pickTime("end_time", local.EndTime, remote.EndTime, snapEnd)
	out.Attendees = pickAttendees(local, remote, snapAttendees, policy, remoteNewer, snapshot != nil)

	if remote.ModifiedAt.After(out.ModifiedAt) {
		out.ModifiedAt = remote.ModifiedAt
	}
	return out
}

func pickAttendees(local, remote *model.SyncEvent, snap []string, policy model.MergePolicy, remoteNewer, haveSnap bool) []string {
	lv, rv := attendeeKey(local.Attendees), attendeeKey(remote.Attendees)
	if lv == rv {
		return cloneStrings(local.Attendees)
	}
	if haveSnap {
		sv := attendeeKey(snap)
		switch {
		case lv != sv && rv == sv:
			return cloneStrings(local.Attendees)
		case rv != sv && lv == sv:
			return cloneStrings(remote.Attendees)
		}
		if remoteNewer {
			return cloneStrings(remote.Attendees)
		}
		return cloneStrings(local.Attendees)
	}
	if policy["attendees"] == model.AuthorityRemote {
		return cloneStrings(remote.Attendees)
	}
	return cloneStrings(local.Attendees)
}

// attendeeKey reduces an attendee list to an order-insensitive comparison
// key, mirroring the checksum normalisation.
func attendeeKey(attendees []string) string {
	ev := model.SyncEvent{Attendees: attendees}
	return ev.Checksum()
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
