package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// diff builds the local-vs-remote correspondence and turns every divergence
// into either a deferred write op or a conflict. Linked pairs are matched
// through the external-id index; unlinked events get a best-effort match by
// time window and similarity before anything is created.
func (e *Engine) diff(ctx context.Context, c *cycle, remotes []*model.SyncEvent) error {
	cfg := c.cfg

	locals, err := e.store.ListLocalEvents(ctx, cfg.UserID)
	if err != nil {
		return fmt.Errorf("listing local events: %w", err)
	}
	links, err := e.store.EventLinks(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("listing event links: %w", err)
	}
	snaps, err := e.store.Snapshots(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	localByID := make(map[string]*model.SyncEvent, len(locals))
	for _, ev := range locals {
		localByID[ev.ID] = ev
	}

	remoteByExt := make(map[string]*model.SyncEvent, len(remotes))
	remoteDeleted := make(map[string]bool)
	for _, ev := range remotes {
		if ev.Status == model.StatusCancelled {
			remoteDeleted[ev.ExternalID] = true
			continue
		}
		remoteByExt[ev.ExternalID] = ev
	}

	linkedExt := make(map[string]bool, len(links))
	for _, extID := range links {
		linkedExt[extID] = true
	}

	// Linked pairs.
	for eventID, extID := range links {
		local := localByID[eventID]
		snap := snaps[extID]
		remote := remoteByExt[extID]

		pairKey := fmt.Sprintf("%s/%s/%s", cfg.ID, eventID, extID)
		open, err := e.store.HasOpenPromptConflict(ctx, pairKey)
		if err != nil {
			return fmt.Errorf("checking open conflicts: %w", err)
		}
		if open {
			c.warnf("pair %s skipped: unresolved conflict awaiting manual resolution", pairKey)
			continue
		}

		// Absent from the delta and not tombstoned means unchanged.
		c.result.Processed++
		action, ctype := e.detector.DecidePair(local, snap, remote, remoteDeleted[extID], cfg.LastSync)
		e.planPair(c, action, ctype, eventID, extID, local, snap, remote)
	}

	// Unlinked events: first-time linking, then creations.
	var unlinkedLocals []*model.SyncEvent
	for _, ev := range locals {
		if _, linked := links[ev.ID]; !linked {
			unlinkedLocals = append(unlinkedLocals, ev)
		}
	}
	var unlinkedRemotes []*model.SyncEvent
	for extID, ev := range remoteByExt {
		if !linkedExt[extID] {
			unlinkedRemotes = append(unlinkedRemotes, ev)
		}
	}

	matches, overlaps := e.detector.MatchUnlinked(unlinkedLocals, unlinkedRemotes)

	matchedExt := make(map[string]bool, len(matches))
	overlapping := make(map[string]bool, len(overlaps))
	for localID, remote := range matches {
		local := localByID[localID]
		matchedExt[remote.ExternalID] = true
		c.result.Processed++
		c.addOp("link "+localID, func(ctx context.Context) error {
			if err := e.store.LinkEvent(ctx, cfg.ID, local.ID, remote.ExternalID); err != nil {
				return err
			}
			return e.store.PutSnapshot(ctx, cfg.ID, remote)
		})
	}

	for _, pair := range overlaps {
		local, remote := pair[0], pair[1]
		overlapping[local.ID] = true
		conflict := &model.ConflictDetails{
			ID:          uuid.NewString(),
			ConfigID:    cfg.ID,
			UserID:      cfg.UserID,
			Type:        model.ConflictTimeOverlap,
			LocalEvent:  local.Clone(),
			RemoteEvent: remote.Clone(),
			DetectedAt:  time.Now().UTC(),
			// Two distinct appointments double-booked: no automatic strategy
			// can decide which one moves.
			ResolutionRequired: true,
		}
		c.conflicts = append(c.conflicts, &conflictWork{stored: conflict, localID: local.ID, extID: remote.ExternalID})
	}

	// New local events → create remotely.
	for _, local := range unlinkedLocals {
		if _, matched := matches[local.ID]; matched || overlapping[local.ID] {
			continue
		}
		if !c.remoteWrites() || local.Status == model.StatusCancelled {
			continue
		}
		local := local
		c.result.Processed++
		c.addOp("create remote for "+local.ID, func(ctx context.Context) error {
			var extID string
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				var cerr error
				extID, cerr = c.adapter.CreateEvent(ctx, cfg.ExternalCalendarID, local)
				return cerr
			})
			if err != nil {
				return err
			}
			if err := e.store.LinkEvent(ctx, cfg.ID, local.ID, extID); err != nil {
				return err
			}
			snap := local.Clone()
			snap.ExternalID = extID
			if err := e.store.PutSnapshot(ctx, cfg.ID, snap); err != nil {
				return err
			}
			c.count(1, 0, 0)
			return nil
		})
	}

	// New remote events → import locally.
	for _, remote := range unlinkedRemotes {
		if matchedExt[remote.ExternalID] || !c.localWrites() {
			continue
		}
		remote := remote
		c.result.Processed++
		c.addOp("import remote "+remote.ExternalID, func(ctx context.Context) error {
			local := remote.Clone()
			local.ID = uuid.NewString()
			local.Source = model.SourceLocal
			if err := e.store.UpsertLocalEvent(ctx, cfg.UserID, local); err != nil {
				return err
			}
			if err := e.store.LinkEvent(ctx, cfg.ID, local.ID, remote.ExternalID); err != nil {
				return err
			}
			if err := e.store.PutSnapshot(ctx, cfg.ID, remote); err != nil {
				return err
			}
			c.count(1, 0, 0)
			return nil
		})
	}

	return nil
}

// planPair turns one pair decision into a deferred op or a pending conflict.
func (e *Engine) planPair(c *cycle, action pairAction, ctype model.ConflictType, eventID, extID string, local, snap, remote *model.SyncEvent) {
	cfg := c.cfg

	switch action {
	case pairNone:

	case pairPushLocal:
		if !c.remoteWrites() {
			return
		}
		c.addOp("push "+eventID, func(ctx context.Context) error {
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				return c.adapter.UpdateEvent(ctx, cfg.ExternalCalendarID, extID, local)
			})
			if err != nil {
				return err
			}
			snap := local.Clone()
			snap.ExternalID = extID
			if err := e.store.PutSnapshot(ctx, cfg.ID, snap); err != nil {
				return err
			}
			c.count(0, 1, 0)
			return nil
		})

	case pairPullRemote:
		if !c.localWrites() {
			return
		}
		c.addOp("pull "+extID, func(ctx context.Context) error {
			updated := remote.Clone()
			updated.ID = eventID
			updated.Source = model.SourceLocal
			if err := e.store.UpsertLocalEvent(ctx, cfg.UserID, updated); err != nil {
				return err
			}
			if err := e.store.PutSnapshot(ctx, cfg.ID, remote); err != nil {
				return err
			}
			c.count(0, 1, 0)
			return nil
		})

	case pairDeleteRemote:
		if !c.remoteWrites() {
			return
		}
		c.addOp("delete remote "+extID, func(ctx context.Context) error {
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				return c.adapter.DeleteEvent(ctx, cfg.ExternalCalendarID, extID)
			})
			if err != nil {
				return err
			}
			if err := e.store.UnlinkEvent(ctx, cfg.ID, eventID); err != nil {
				return err
			}
			if err := e.store.DeleteSnapshot(ctx, cfg.ID, extID); err != nil {
				return err
			}
			c.count(0, 0, 1)
			return nil
		})

	case pairDeleteLocal:
		if !c.localWrites() {
			return
		}
		c.addOp("delete local "+eventID, func(ctx context.Context) error {
			if err := e.store.DeleteLocalEvent(ctx, eventID); err != nil {
				return err
			}
			if err := e.store.DeleteSnapshot(ctx, cfg.ID, extID); err != nil {
				return err
			}
			c.count(0, 0, 1)
			return nil
		})

	case pairUnlink:
		c.addOp("unlink "+eventID, func(ctx context.Context) error {
			if err := e.store.UnlinkEvent(ctx, cfg.ID, eventID); err != nil {
				return err
			}
			return e.store.DeleteSnapshot(ctx, cfg.ID, extID)
		})

	case pairConflict:
		conflict := &model.ConflictDetails{
			ID:                 uuid.NewString(),
			ConfigID:           cfg.ID,
			UserID:             cfg.UserID,
			Type:               ctype,
			LocalEvent:         cloneOrNil(local),
			RemoteEvent:        cloneOrNil(remote),
			DetectedAt:         time.Now().UTC(),
			ResolutionRequired: cfg.Resolution == model.StrategyPrompt,
		}
		c.conflicts = append(c.conflicts, &conflictWork{stored: conflict, localID: eventID, extID: extID})
	}
}

func (c *cycle) addOp(desc string, run func(ctx context.Context) error) {
	c.ops = append(c.ops, cycleOp{desc: desc, run: run})
}

// resolveConflicts persists every detected conflict, computes outcomes for
// the automatically resolvable ones, and schedules their convergence writes.
// Resolution always completes before any write executes. Prompt and
// time-overlap conflicts stay open and are excluded from the write phase.
func (e *Engine) resolveConflicts(ctx context.Context, c *cycle) error {
	cfg := c.cfg
	policy := cfg.MergePolicyOrDefault()

	snaps, err := e.store.Snapshots(ctx, cfg.ID)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	for _, work := range c.conflicts {
		stored, err := e.store.InsertConflict(ctx, work.stored)
		if err != nil {
			return fmt.Errorf("persisting conflict: %w", err)
		}
		work.stored = stored
		c.result.ConflictsDetected++
		e.notifier.ConflictDetected(cfg.UserID, stored)

		if stored.ResolutionRequired {
			continue
		}

		outcome, err := e.resolver.Resolve(stored, cfg.Resolution, policy, snaps[work.extID])
		if err != nil {
			return err
		}
		if outcome.Prompt {
			continue
		}
		work.outcome = outcome

		work := work
		c.addOp("resolve conflict "+stored.ID, func(ctx context.Context) error {
			if err := e.applyOutcome(ctx, c.cfg, c.adapter, work, c); err != nil {
				return err
			}
			if err := e.store.MarkConflictResolved(ctx, work.stored.ID, cfg.Resolution, time.Now().UTC()); err != nil {
				return err
			}
			c.mu.Lock()
			c.result.ConflictsResolved++
			c.mu.Unlock()
			return nil
		})
	}
	return nil
}

// applyOutcome converges both sides of a conflicted pair on the outcome's
// winner. A nil winner on a deletion conflict propagates the deletion to
// the surviving side; otherwise the winner's content is recreated on the
// deleted side and overwritten on the diverged one. The losing side's
// modified_at is reset to the sync timestamp so the write does not
// re-trigger detection.
func (e *Engine) applyOutcome(ctx context.Context, cfg *model.SyncConfiguration, adapter provider.Adapter, work *conflictWork, c *cycle) error {
	now := time.Now().UTC()
	winner := work.outcome.Winner
	conflict := work.stored
	localExists := conflict.LocalEvent != nil
	remoteExists := conflict.RemoteEvent != nil
	canRemote := c == nil || c.remoteWrites()
	canLocal := c == nil || c.localWrites()

	if winner == nil {
		// Deletion wins: remove the survivor.
		if localExists && canLocal {
			if err := e.store.DeleteLocalEvent(ctx, work.localID); err != nil {
				return err
			}
		}
		if remoteExists && canRemote {
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				return adapter.DeleteEvent(ctx, cfg.ExternalCalendarID, work.extID)
			})
			if err != nil {
				return err
			}
		}
		if work.localID != "" {
			if err := e.store.UnlinkEvent(ctx, cfg.ID, work.localID); err != nil {
				return err
			}
		}
		return e.store.DeleteSnapshot(ctx, cfg.ID, work.extID)
	}

	winner = winner.Clone()
	winner.ModifiedAt = now

	extID := work.extID
	if canRemote {
		if remoteExists {
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				return adapter.UpdateEvent(ctx, cfg.ExternalCalendarID, extID, winner)
			})
			if err != nil {
				return err
			}
		} else {
			// Remote was deleted; recreate it with the winner's content.
			err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
				var cerr error
				extID, cerr = adapter.CreateEvent(ctx, cfg.ExternalCalendarID, winner)
				return cerr
			})
			if err != nil {
				return err
			}
			if err := e.store.UnlinkEvent(ctx, cfg.ID, work.localID); err != nil {
				return err
			}
			if err := e.store.DeleteSnapshot(ctx, cfg.ID, work.extID); err != nil {
				return err
			}
			if err := e.store.LinkEvent(ctx, cfg.ID, work.localID, extID); err != nil {
				return err
			}
		}
	}

	if canLocal {
		local := winner.Clone()
		local.ID = work.localID
		local.ExternalID = extID
		local.Source = model.SourceLocal
		if err := e.store.UpsertLocalEvent(ctx, cfg.UserID, local); err != nil {
			return err
		}
	}

	snap := winner.Clone()
	snap.ExternalID = extID
	return e.store.PutSnapshot(ctx, cfg.ID, snap)
}

// applyWrites runs the deferred ops with bounded concurrency. One failed
// item never aborts the cycle; failures become warnings and the item is
// retried naturally on the next cycle.
func (e *Engine) applyWrites(ctx context.Context, c *cycle) {
	sem := make(chan struct{}, e.writeConcurrency)
	var wg sync.WaitGroup

	for _, op := range c.ops {
		if ctx.Err() != nil {
			break
		}
		op := op
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := op.run(ctx); err != nil {
				e.log.Warn("sync write failed", "op", op.desc, "config_id", c.cfg.ID, "error", err)
				c.warnf("%s: %v", op.desc, err)
			}
		}()
	}
	wg.Wait()
}

// ResolveConflict applies a strategy to one open conflict outside a sync
// cycle, on behalf of the conflict-resolution API. Re-resolving an already
// resolved conflict is a no-op.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy model.ResolutionStrategy) error {
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved() {
		return nil
	}
	if strategy == model.StrategyPrompt {
		return &provider.ValidationError{Field: "strategy", Reason: "prompt cannot resolve a conflict"}
	}

	cfg, err := e.store.GetConfiguration(ctx, conflict.ConfigID)
	if err != nil {
		return err
	}
	adapter, err := e.registry.Get(cfg.Provider)
	if err != nil {
		return err
	}

	localID := ""
	if conflict.LocalEvent != nil {
		localID = conflict.LocalEvent.ID
	}
	extID := ""
	if conflict.RemoteEvent != nil {
		extID = conflict.RemoteEvent.ExternalID
	}
	if extID == "" {
		links, err := e.store.EventLinks(ctx, cfg.ID)
		if err != nil {
			return err
		}
		extID = links[localID]
	}

	snaps, err := e.store.Snapshots(ctx, cfg.ID)
	if err != nil {
		return err
	}

	outcome, err := e.resolver.Resolve(conflict, strategy, cfg.MergePolicyOrDefault(), snaps[extID])
	if err != nil {
		return err
	}

	work := &conflictWork{stored: conflict, outcome: outcome, localID: localID, extID: extID}
	if err := e.applyOutcome(ctx, cfg, adapter, work, nil); err != nil {
		return fmt.Errorf("applying resolution: %w", err)
	}
	return e.store.MarkConflictResolved(ctx, conflictID, strategy, time.Now().UTC())
}
