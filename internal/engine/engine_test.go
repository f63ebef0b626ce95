package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

func testEngine(t *testing.T, store *mockStore, adapter *mockAdapter) (*Engine, *mockNotifier) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(adapter)
	notifier := &mockNotifier{}
	return NewEngine(store, registry, notifier, 30*time.Second, 4, slog.Default()), notifier
}

func testConfig(direction model.SyncDirection, strategy model.ResolutionStrategy, lastSync time.Time) *model.SyncConfiguration {
	return &model.SyncConfiguration{
		ID:                 "cfg-1",
		UserID:             "user-1",
		Provider:           model.ProviderGoogle,
		ExternalCalendarID: "primary",
		Direction:          direction,
		Resolution:         strategy,
		SyncFrequency:      15 * time.Minute,
		Privacy:            model.PrivacyFull,
		Enabled:            true,
		LastSync:           lastSync,
	}
}

func appointment(id, title string, start time.Time, modified time.Time) *model.SyncEvent {
	return &model.SyncEvent{
		ID:         id,
		Title:      title,
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Status:     model.StatusConfirmed,
		Source:     model.SourceLocal,
		ModifiedAt: modified,
	}
}

// First sync pushes an unlinked local appointment to the remote calendar and
// records the link; an immediate second cycle is a no-op.
func TestFirstSyncCreatesRemoteThenIdempotent(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	past := time.Now().Add(-time.Hour)

	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, time.Time{})
	store := newMockStore(cfg)
	store.events["evt-1"] = appointment("evt-1", "Haircut", start, past)
	adapter := newMockAdapter(model.ProviderGoogle)
	eng, _ := testEngine(t, store, adapter)

	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if result.Created != 1 || result.Updated != 0 || result.Deleted != 0 {
		t.Errorf("first sync counts = %d/%d/%d, want 1/0/0", result.Created, result.Updated, result.Deleted)
	}
	extID := store.linkFor(cfg.ID, "evt-1")
	if extID == "" {
		t.Fatal("no link stored after first sync")
	}
	if adapter.remote(extID) == nil {
		t.Fatalf("remote event %s not created", extID)
	}

	second, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Deleted != 0 {
		t.Errorf("second sync counts = %d/%d/%d, want 0/0/0",
			second.Created, second.Updated, second.Deleted)
	}
	if second.ConflictsDetected != 0 {
		t.Errorf("second sync detected %d conflicts, want 0", second.ConflictsDetected)
	}
}

// A remote-only edit is a directional update, not a conflict.
func TestRemoteOnlyChangePullsWithoutConflict(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	lastSync := time.Now().Add(-time.Hour)

	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, lastSync)
	store := newMockStore(cfg)

	local := appointment("evt-1", "Haircut", start, lastSync.Add(-time.Minute))
	store.events["evt-1"] = local
	store.links[cfg.ID] = map[string]string{"evt-1": "ext-1"}
	snap := local.Clone()
	snap.ExternalID = "ext-1"
	store.snapshots[cfg.ID] = map[string]*model.SyncEvent{"ext-1": snap}

	remote := local.Clone()
	remote.ID = ""
	remote.ExternalID = "ext-1"
	remote.Title = "Haircut & Beard Trim"
	remote.Source = model.SourceExternal
	remote.ModifiedAt = time.Now()
	adapter := newMockAdapter(model.ProviderGoogle, remote)

	eng, _ := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConflictsDetected != 0 {
		t.Errorf("detected %d conflicts, want 0", result.ConflictsDetected)
	}
	if result.Updated != 1 {
		t.Errorf("updated = %d, want 1", result.Updated)
	}
	if got := store.localEvent("evt-1").Title; got != "Haircut & Beard Trim" {
		t.Errorf("local title = %q, want pulled remote title", got)
	}
}

// conflictedPair seeds a linked pair where both sides changed the title
// since the last sync, with the local edit being the newer one.
func conflictedPair(cfg *model.SyncConfiguration, store *mockStore) *mockAdapter {
	start := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	lastSync := cfg.LastSync

	base := appointment("evt-1", "Haircut", start, lastSync.Add(-time.Minute))
	snap := base.Clone()
	snap.ExternalID = "ext-1"
	store.snapshots[cfg.ID] = map[string]*model.SyncEvent{"ext-1": snap}
	store.links[cfg.ID] = map[string]string{"evt-1": "ext-1"}

	local := base.Clone()
	local.Title = "Haircut (VIP)"
	local.ModifiedAt = time.Now()
	store.events["evt-1"] = local

	remote := base.Clone()
	remote.ID = ""
	remote.ExternalID = "ext-1"
	remote.Title = "Haircut (rescheduled)"
	remote.Source = model.SourceExternal
	remote.ModifiedAt = time.Now().Add(-10 * time.Minute)
	return newMockAdapter(model.ProviderGoogle, remote)
}

// Both sides edited, newest_wins, local is newer: the pair converges on the
// local content and the conflict is recorded as resolved.
func TestNewestWinsResolvesToLocal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, time.Now().Add(-time.Hour))
	store := newMockStore(cfg)
	adapter := conflictedPair(cfg, store)

	eng, notifier := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("conflicts = %d detected / %d resolved, want 1/1",
			result.ConflictsDetected, result.ConflictsResolved)
	}
	if got := adapter.remote("ext-1").Title; got != "Haircut (VIP)" {
		t.Errorf("remote title = %q, want local content to win", got)
	}
	if got := store.localEvent("evt-1").Title; got != "Haircut (VIP)" {
		t.Errorf("local title = %q, want unchanged local content", got)
	}
	if open := store.openConflicts(); len(open) != 0 {
		t.Errorf("%d conflicts still open, want 0", len(open))
	}
	if _, _, _, conflicts := notifier.counts(); conflicts != 1 {
		t.Errorf("notifier saw %d conflicts, want 1", conflicts)
	}
}

// Prompt strategy: the conflict is persisted for a human, nothing is
// written, and the pair stays frozen on later cycles.
func TestPromptFlagsConflictAndSkipsWrites(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(model.DirectionBidirectional, model.StrategyPrompt, time.Now().Add(-time.Hour))
	store := newMockStore(cfg)
	adapter := conflictedPair(cfg, store)

	eng, _ := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 0 {
		t.Fatalf("conflicts = %d detected / %d resolved, want 1/0",
			result.ConflictsDetected, result.ConflictsResolved)
	}
	if got := adapter.remote("ext-1").Title; got != "Haircut (rescheduled)" {
		t.Errorf("remote title = %q, remote must not be written", got)
	}
	if got := store.localEvent("evt-1").Title; got != "Haircut (VIP)" {
		t.Errorf("local title = %q, local must not be written", got)
	}

	open := store.openConflicts()
	if len(open) != 1 || !open[0].ResolutionRequired {
		t.Fatalf("want exactly one open conflict with resolution_required, got %+v", open)
	}

	// The frozen pair is skipped on the next cycle, with no duplicate
	// conflict row.
	second, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.ConflictsDetected != 0 {
		t.Errorf("second cycle detected %d conflicts, want 0", second.ConflictsDetected)
	}
	if len(second.Warnings) == 0 {
		t.Error("second cycle should warn about the frozen pair")
	}
	if open := store.openConflicts(); len(open) != 1 {
		t.Errorf("%d open conflicts after second cycle, want 1", len(open))
	}
}

// ResolveConflict applies a strategy to a prompt conflict through the API
// path; re-resolving is a no-op.
func TestResolveConflictIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(model.DirectionBidirectional, model.StrategyPrompt, time.Now().Add(-time.Hour))
	store := newMockStore(cfg)
	adapter := conflictedPair(cfg, store)

	eng, _ := testEngine(t, store, adapter)
	if _, err := eng.Sync(ctx, cfg.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	open := store.openConflicts()
	if len(open) != 1 {
		t.Fatalf("want 1 open conflict, got %d", len(open))
	}

	if err := eng.ResolveConflict(ctx, open[0].ID, model.StrategyRemoteWins); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := store.localEvent("evt-1").Title; got != "Haircut (rescheduled)" {
		t.Errorf("local title = %q, want remote content after remote_wins", got)
	}
	if len(store.openConflicts()) != 0 {
		t.Error("conflict still open after resolution")
	}

	updatesBefore := adapter.updates
	if err := eng.ResolveConflict(ctx, open[0].ID, model.StrategyLocalWins); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if adapter.updates != updatesBefore {
		t.Error("re-resolving an already resolved conflict must not write")
	}
}

// Two simultaneous triggers for one configuration run exactly one cycle;
// the second trigger coalesces into one follow-up.
func TestSingleFlightCoalescesTriggers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, time.Time{})
	store := newMockStore(cfg)
	adapter := newMockAdapter(model.ProviderGoogle)
	adapter.fetchDelay = 50 * time.Millisecond
	eng, _ := testEngine(t, store, adapter)

	const triggers = 5
	var wg sync.WaitGroup
	coalesced := make(chan struct{}, triggers)
	for range triggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Sync(ctx, cfg.ID); errors.Is(err, ErrCycleInFlight) {
				coalesced <- struct{}{}
			}
		}()
	}
	wg.Wait()

	if got := len(coalesced); got != triggers-1 {
		t.Errorf("%d triggers coalesced, want %d", got, triggers-1)
	}

	// The pending trigger replays as exactly one follow-up cycle.
	deadline := time.Now().Add(2 * time.Second)
	for {
		adapter.mu.Lock()
		fetches := adapter.fetches
		adapter.mu.Unlock()
		if fetches == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetches = %d, want 2 (one cycle plus one coalesced follow-up)", fetches)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Auth failures pause the configuration until re-auth instead of retrying.
func TestAuthFailurePausesConfiguration(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, time.Time{})
	store := newMockStore(cfg)
	adapter := newMockAdapter(model.ProviderGoogle)
	adapter.fetchErr = &provider.AuthError{Provider: model.ProviderGoogle, Reason: "token revoked"}
	eng, notifier := testEngine(t, store, adapter)

	result, err := eng.Sync(ctx, cfg.ID)
	if err == nil {
		t.Fatal("expected cycle failure")
	}
	if result.Success {
		t.Error("result marked successful despite auth failure")
	}
	got, _ := store.GetConfiguration(ctx, cfg.ID)
	if got.Enabled {
		t.Error("configuration still enabled after auth failure")
	}
	if got.SyncErrors != 1 {
		t.Errorf("sync_errors = %d, want 1", got.SyncErrors)
	}
	if got.LastError == "" {
		t.Error("last_error not recorded")
	}
	if _, _, errored, _ := notifier.counts(); errored != 1 {
		t.Errorf("notifier saw %d errors, want 1", errored)
	}

	// A paused configuration is skipped entirely.
	res, err := eng.Sync(ctx, cfg.ID)
	if err != nil || res != nil {
		t.Errorf("paused config should skip: result=%v err=%v", res, err)
	}
}

// import_only never writes to the remote calendar.
func TestImportOnlySkipsRemoteWrites(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	cfg := testConfig(model.DirectionImportOnly, model.StrategyNewestWins, time.Time{})
	store := newMockStore(cfg)
	store.events["evt-1"] = appointment("evt-1", "Fade", start, time.Now().Add(-time.Hour))

	remote := appointment("", "Walk-in", start.Add(2*time.Hour), time.Now())
	remote.ExternalID = "ext-9"
	remote.Source = model.SourceExternal
	adapter := newMockAdapter(model.ProviderGoogle, remote)

	eng, _ := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if adapter.creates != 0 || adapter.updates != 0 || adapter.deletes != 0 {
		t.Errorf("remote writes happened under import_only: %d/%d/%d",
			adapter.creates, adapter.updates, adapter.deletes)
	}
	if result.Created != 1 {
		t.Errorf("created = %d, want 1 (imported remote event)", result.Created)
	}
}

// A local deletion propagates to the remote side when the remote copy is
// unchanged.
func TestLocalDeletionPropagates(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	lastSync := time.Now().Add(-time.Hour)
	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, lastSync)
	store := newMockStore(cfg)

	base := appointment("evt-1", "Buzz cut", start, lastSync.Add(-time.Minute))
	snap := base.Clone()
	snap.ExternalID = "ext-1"
	store.links[cfg.ID] = map[string]string{"evt-1": "ext-1"}
	store.snapshots[cfg.ID] = map[string]*model.SyncEvent{"ext-1": snap}
	// Local event intentionally absent: deleted by the user.

	remote := base.Clone()
	remote.ID = ""
	remote.ExternalID = "ext-1"
	remote.Source = model.SourceExternal
	adapter := newMockAdapter(model.ProviderGoogle, remote)

	eng, _ := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", result.Deleted)
	}
	if adapter.remoteCount() != 0 {
		t.Error("remote event not removed")
	}
	if store.linkFor(cfg.ID, "evt-1") != "" {
		t.Error("link not removed after deletion")
	}
}

// A remote cancellation with newer local edits is a deletion conflict;
// newest_wins restores the local content on a fresh remote event.
func TestDeletionConflictSurvivorWins(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	lastSync := time.Now().Add(-time.Hour)
	cfg := testConfig(model.DirectionBidirectional, model.StrategyNewestWins, lastSync)
	store := newMockStore(cfg)

	base := appointment("evt-1", "Buzz cut", start, lastSync.Add(-time.Minute))
	snap := base.Clone()
	snap.ExternalID = "ext-1"
	store.links[cfg.ID] = map[string]string{"evt-1": "ext-1"}
	store.snapshots[cfg.ID] = map[string]*model.SyncEvent{"ext-1": snap}

	local := base.Clone()
	local.Title = "Buzz cut + hot towel"
	local.ModifiedAt = time.Now()
	store.events["evt-1"] = local

	cancelled := base.Clone()
	cancelled.ID = ""
	cancelled.ExternalID = "ext-1"
	cancelled.Status = model.StatusCancelled
	cancelled.Source = model.SourceExternal
	cancelled.ModifiedAt = time.Now()
	adapter := newMockAdapter(model.ProviderGoogle, cancelled)

	eng, _ := testEngine(t, store, adapter)
	result, err := eng.Sync(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("conflicts = %d/%d, want 1/1", result.ConflictsDetected, result.ConflictsResolved)
	}

	newExt := store.linkFor(cfg.ID, "evt-1")
	if newExt == "" || newExt == "ext-1" {
		t.Fatalf("link = %q, want a freshly created external id", newExt)
	}
	if got := adapter.remote(newExt); got == nil || got.Title != "Buzz cut + hot towel" {
		t.Errorf("recreated remote = %+v, want survivor content", got)
	}
}
