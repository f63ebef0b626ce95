package engine

import (
	"log/slog"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// pairAction describes what a cycle should do for one linked pair.
type pairAction int

const (
	pairNone         pairAction = iota
	pairPushLocal               // local changed → update remote
	pairPullRemote              // remote changed → update local
	pairDeleteRemote            // local deleted, remote unchanged → remove remote
	pairDeleteLocal             // remote deleted, local unchanged → remove local
	pairUnlink                  // both gone → drop link and snapshot
	pairConflict                // divergence → ConflictDetails
)

// linkThreshold is the minimum similarity for best-effort first-time linking
// of an unlinked local event to an overlapping unlinked remote event.
const linkThreshold = 0.8

// Detector classifies divergence between local events and their remote
// counterparts. It is stateless; the engine feeds it the pair snapshots for
// each cycle.
type Detector struct {
	log *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{log: logger}
}

// DecidePair classifies one linked pair. local is nil when the local event
// was deleted; remote is nil when the delta did not include the event
// (meaning it is unchanged) and remoteDeleted reports an explicit remote
// deletion. snapshot is the content as of the last successful sync.
//
// Change detection compares checksums against the snapshot: the snapshot was
// written at the last successful sync, so a differing checksum means the
// side was modified since then. A pair where only one side changed is a
// directional update, not a conflict.
func (d *Detector) DecidePair(local, snapshot, remote *model.SyncEvent, remoteDeleted bool, lastSync time.Time) (pairAction, model.ConflictType) {
	localExists := local != nil
	remoteExists := !remoteDeleted

	snapSum := ""
	if snapshot != nil {
		snapSum = snapshot.Checksum()
	}
	localChanged := localExists && local.Checksum() != snapSum
	remoteChanged := remote != nil && !remoteDeleted && remote.Checksum() != snapSum

	switch {
	case !localExists && !remoteExists:
		return pairUnlink, ""

	case !localExists:
		if remoteChanged {
			return pairConflict, model.ConflictDeletion
		}
		return pairDeleteRemote, ""

	case !remoteExists:
		if localChanged {
			return pairConflict, model.ConflictDeletion
		}
		return pairDeleteLocal, ""
	}

	switch {
	case !localChanged && !remoteChanged:
		return pairNone, ""
	case localChanged && !remoteChanged:
		return pairPushLocal, ""
	case !localChanged && remoteChanged:
		return pairPullRemote, ""
	}

	// Both sides changed since the last sync. On a first-ever cycle there is
	// no baseline yet, so a conflict is impossible; pairs only exist after a
	// baseline is established, but guard anyway.
	if lastSync.IsZero() {
		return pairPullRemote, ""
	}

	d.log.Debug("content mismatch detected",
		"local_id", local.ID,
		"remote_id", remote.ExternalID,
		"local_modified", local.ModifiedAt,
		"remote_modified", remote.ModifiedAt,
	)
	return pairConflict, model.ConflictContentMismatch
}

// MatchUnlinked pairs unlinked local events with unlinked remote events for
// first-time linking: same-window overlap plus high content similarity
// means both sides already hold the same real-world appointment. Returns
// the matches (local ID → remote) and the remaining overlap collisions,
// which become time_overlap conflicts.
func (d *Detector) MatchUnlinked(locals []*model.SyncEvent, remotes []*model.SyncEvent) (matches map[string]*model.SyncEvent, overlaps [][2]*model.SyncEvent) {
	matches = make(map[string]*model.SyncEvent)
	taken := make(map[string]bool, len(remotes))

	for _, local := range locals {
		var best *model.SyncEvent
		bestScore := -1.0
		for _, remote := range remotes {
			if taken[remote.ExternalID] || !local.Overlaps(remote) {
				continue
			}
			score := model.Similarity(local, remote)
			if score > bestScore {
				best, bestScore = remote, score
			}
		}
		if best == nil {
			continue
		}
		if bestScore >= linkThreshold {
			matches[local.ID] = best
			taken[best.ExternalID] = true
		} else {
			overlaps = append(overlaps, [2]*model.SyncEvent{local, best})
		}
	}
	return matches, overlaps
}
