package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-calsync.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleConfiguration(id, userID string) *model.SyncConfiguration {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.SyncConfiguration{
		ID:                 id,
		UserID:             userID,
		Provider:           model.ProviderGoogle,
		ExternalCalendarID: "primary",
		Direction:          model.DirectionBidirectional,
		Resolution:         model.StrategyNewestWins,
		SyncFrequency:      15 * time.Minute,
		Privacy:            model.PrivacyBusiness,
		Enabled:            true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func sampleEvent(id string, start time.Time) *model.SyncEvent {
	return &model.SyncEvent{
		ID:          id,
		Title:       "Haircut",
		Description: "Regular trim",
		StartTime:   start,
		EndTime:     start.Add(30 * time.Minute),
		Location:    "Chair 1",
		Attendees:   []string{"client@example.com"},
		Status:      model.StatusConfirmed,
		Source:      model.SourceLocal,
		CreatedAt:   start.Add(-24 * time.Hour),
		ModifiedAt:  start.Add(-time.Hour),
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calsync.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("s2.Close: %v", err)
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg := sampleConfiguration("conf-1", "user-1")
	cfg.Merge = model.MergePolicy{"title": model.AuthorityLocal}

	if err := s.CreateConfiguration(ctx, cfg); err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}

	got, err := s.GetConfiguration(ctx, "conf-1")
	if err != nil {
		t.Fatalf("GetConfiguration: %v", err)
	}
	if got == nil {
		t.Fatal("GetConfiguration returned nil, want configuration")
	}
	if got.Provider != model.ProviderGoogle {
		t.Errorf("Provider = %q, want %q", got.Provider, model.ProviderGoogle)
	}
	if got.SyncFrequency != 15*time.Minute {
		t.Errorf("SyncFrequency = %v, want 15m", got.SyncFrequency)
	}
	if got.Merge["title"] != model.AuthorityLocal {
		t.Errorf("Merge[title] = %q, want %q", got.Merge["title"], model.AuthorityLocal)
	}
	if !got.Enabled {
		t.Error("expected configuration to be enabled")
	}
}

func TestGetConfiguration_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetConfiguration(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing configuration, got %+v", got)
	}
}

func TestListConfigurations_ScopedByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, c := range []*model.SyncConfiguration{
		sampleConfiguration("conf-a", "user-1"),
		sampleConfiguration("conf-b", "user-1"),
		sampleConfiguration("conf-c", "user-2"),
	} {
		if err := s.CreateConfiguration(ctx, c); err != nil {
			t.Fatalf("CreateConfiguration %s: %v", c.ID, err)
		}
	}

	mine, err := s.ListConfigurations(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListConfigurations: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("user-1: got %d configurations, want 2", len(mine))
	}

	all, err := s.AllConfigurations(ctx)
	if err != nil {
		t.Fatalf("AllConfigurations: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all: got %d configurations, want 3", len(all))
	}
}

func TestDueConfigurations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := sampleConfiguration("conf-due", "user-1")
	due.NextSync = now.Add(-time.Minute)

	notYet := sampleConfiguration("conf-later", "user-1")
	notYet.NextSync = now.Add(time.Hour)

	never := sampleConfiguration("conf-fresh", "user-1") // zero NextSync

	disabled := sampleConfiguration("conf-off", "user-1")
	disabled.NextSync = now.Add(-time.Minute)
	disabled.Enabled = false

	for _, c := range []*model.SyncConfiguration{due, notYet, never, disabled} {
		if err := s.CreateConfiguration(ctx, c); err != nil {
			t.Fatalf("CreateConfiguration %s: %v", c.ID, err)
		}
	}

	got, err := s.DueConfigurations(ctx, now)
	if err != nil {
		t.Fatalf("DueConfigurations: %v", err)
	}

	ids := make(map[string]bool)
	for _, c := range got {
		ids[c.ID] = true
	}
	if len(got) != 2 || !ids["conf-due"] || !ids["conf-fresh"] {
		t.Errorf("due = %v, want conf-due and conf-fresh", ids)
	}
}

func TestConfigurationsByCalendar(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	match := sampleConfiguration("conf-match", "user-1")
	other := sampleConfiguration("conf-other", "user-1")
	other.ExternalCalendarID = "work"
	off := sampleConfiguration("conf-off", "user-1")
	off.Enabled = false

	for _, c := range []*model.SyncConfiguration{match, other, off} {
		if err := s.CreateConfiguration(ctx, c); err != nil {
			t.Fatalf("CreateConfiguration %s: %v", c.ID, err)
		}
	}

	got, err := s.ConfigurationsByCalendar(ctx, model.ProviderGoogle, "primary")
	if err != nil {
		t.Fatalf("ConfigurationsByCalendar: %v", err)
	}
	if len(got) != 1 || got[0].ID != "conf-match" {
		t.Errorf("got %d configurations, want exactly conf-match", len(got))
	}
}

func TestRecordCycleOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cfg := sampleConfiguration("conf-1", "user-1")
	if err := s.CreateConfiguration(ctx, cfg); err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}

	last := time.Now().UTC().Truncate(time.Millisecond)
	next := last.Add(15 * time.Minute)
	if err := s.RecordCycleOutcome(ctx, "conf-1", last, next, 2, "remote timeout"); err != nil {
		t.Fatalf("RecordCycleOutcome: %v", err)
	}

	got, err := s.GetConfiguration(ctx, "conf-1")
	if err != nil {
		t.Fatalf("GetConfiguration: %v", err)
	}
	if !got.LastSync.Equal(last) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, last)
	}
	if !got.NextSync.Equal(next) {
		t.Errorf("NextSync = %v, want %v", got.NextSync, next)
	}
	if got.SyncErrors != 2 || got.LastError != "remote timeout" {
		t.Errorf("SyncErrors/LastError = %d/%q, want 2/remote timeout", got.SyncErrors, got.LastError)
	}

	if err := s.RecordCycleOutcome(ctx, "missing", last, next, 0, ""); err == nil {
		t.Error("expected error for unknown configuration ID")
	}
}

func TestSetConfigurationEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateConfiguration(ctx, sampleConfiguration("conf-1", "user-1")); err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}

	if err := s.SetConfigurationEnabled(ctx, "conf-1", false); err != nil {
		t.Fatalf("SetConfigurationEnabled: %v", err)
	}
	got, _ := s.GetConfiguration(ctx, "conf-1")
	if got.Enabled {
		t.Error("expected configuration to be disabled")
	}
}

func TestEventRoundTripAndRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, start := range []time.Time{base, base.Add(time.Hour), base.Add(48 * time.Hour)} {
		ev := sampleEvent(string(rune('a'+i)), start)
		if err := s.UpsertLocalEvent(ctx, "user-1", ev); err != nil {
			t.Fatalf("UpsertLocalEvent: %v", err)
		}
	}

	got, err := s.GetLocalEvent(ctx, "a")
	if err != nil {
		t.Fatalf("GetLocalEvent: %v", err)
	}
	if got == nil || got.Title != "Haircut" || len(got.Attendees) != 1 {
		t.Fatalf("GetLocalEvent = %+v, want sample event", got)
	}
	if !got.StartTime.Equal(base) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, base)
	}

	// Only the two same-day events intersect the window.
	inRange, err := s.ListLocalEventsInRange(ctx, "user-1", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListLocalEventsInRange: %v", err)
	}
	if len(inRange) != 2 {
		t.Errorf("in range: got %d events, want 2", len(inRange))
	}

	// Upsert on the same ID updates in place.
	ev := sampleEvent("a", base)
	ev.Title = "Beard trim"
	if err := s.UpsertLocalEvent(ctx, "user-1", ev); err != nil {
		t.Fatalf("UpsertLocalEvent update: %v", err)
	}
	all, err := s.ListLocalEvents(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListLocalEvents: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d events after update, want 3", len(all))
	}
	got, _ = s.GetLocalEvent(ctx, "a")
	if got.Title != "Beard trim" {
		t.Errorf("Title after update = %q, want %q", got.Title, "Beard trim")
	}
}

func TestLinksFollowEventDeletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := sampleEvent("ev-1", time.Now().UTC())
	if err := s.UpsertLocalEvent(ctx, "user-1", ev); err != nil {
		t.Fatalf("UpsertLocalEvent: %v", err)
	}
	if err := s.LinkEvent(ctx, "conf-1", "ev-1", "ext-1"); err != nil {
		t.Fatalf("LinkEvent: %v", err)
	}

	links, err := s.EventLinks(ctx, "conf-1")
	if err != nil {
		t.Fatalf("EventLinks: %v", err)
	}
	if links["ev-1"] != "ext-1" {
		t.Errorf("links[ev-1] = %q, want ext-1", links["ev-1"])
	}

	if err := s.DeleteLocalEvent(ctx, "ev-1"); err != nil {
		t.Fatalf("DeleteLocalEvent: %v", err)
	}
	links, err = s.EventLinks(ctx, "conf-1")
	if err != nil {
		t.Fatalf("EventLinks after delete: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("expected no links after event deletion, got %v", links)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := sampleEvent("ev-1", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	ev.ExternalID = "ext-1"
	ev.Source = model.SourceExternal
	if err := s.PutSnapshot(ctx, "conf-1", ev); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}

	snaps, err := s.Snapshots(ctx, "conf-1")
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	got, ok := snaps["ext-1"]
	if !ok {
		t.Fatal("snapshot missing for ext-1")
	}
	if got.Checksum() != ev.Checksum() {
		t.Errorf("snapshot checksum drifted: got %s, want %s", got.Checksum(), ev.Checksum())
	}

	if err := s.DeleteSnapshot(ctx, "conf-1", "ext-1"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	snaps, _ = s.Snapshots(ctx, "conf-1")
	if len(snaps) != 0 {
		t.Errorf("expected no snapshots after delete, got %d", len(snaps))
	}
}

func TestInsertConflict_OnePerOpenPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	local := sampleEvent("ev-1", time.Now().UTC())
	remote := sampleEvent("ev-r", time.Now().UTC())
	remote.ExternalID = "ext-1"

	first := &model.ConflictDetails{
		ID:          "cf-1",
		ConfigID:    "conf-1",
		UserID:      "user-1",
		Type:        model.ConflictContentMismatch,
		LocalEvent:  local,
		RemoteEvent: remote,
		DetectedAt:  time.Now().UTC(),
	}
	got, err := s.InsertConflict(ctx, first)
	if err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}
	if got.ID != "cf-1" {
		t.Errorf("ID = %q, want cf-1", got.ID)
	}

	// Same pair while still open: the existing conflict comes back.
	dup := &model.ConflictDetails{
		ID:          "cf-2",
		ConfigID:    "conf-1",
		UserID:      "user-1",
		Type:        model.ConflictContentMismatch,
		LocalEvent:  local,
		RemoteEvent: remote,
		DetectedAt:  time.Now().UTC(),
	}
	got, err = s.InsertConflict(ctx, dup)
	if err != nil {
		t.Fatalf("InsertConflict duplicate: %v", err)
	}
	if got.ID != "cf-1" {
		t.Errorf("duplicate insert returned %q, want existing cf-1", got.ID)
	}

	// After resolution the pair may conflict again.
	if err := s.MarkConflictResolved(ctx, "cf-1", model.StrategyLocalWins, time.Now().UTC()); err != nil {
		t.Fatalf("MarkConflictResolved: %v", err)
	}
	got, err = s.InsertConflict(ctx, dup)
	if err != nil {
		t.Fatalf("InsertConflict after resolve: %v", err)
	}
	if got.ID != "cf-2" {
		t.Errorf("post-resolve insert returned %q, want new cf-2", got.ID)
	}

	open, err := s.OpenConflicts(ctx, "user-1")
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(open) != 1 || open[0].ID != "cf-2" {
		t.Errorf("open conflicts = %d, want exactly cf-2", len(open))
	}
}

func TestHasOpenPromptConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	local := sampleEvent("ev-1", time.Now().UTC())
	c := &model.ConflictDetails{
		ID:                 "cf-1",
		ConfigID:           "conf-1",
		UserID:             "user-1",
		Type:               model.ConflictDeletion,
		LocalEvent:         local,
		DetectedAt:         time.Now().UTC(),
		ResolutionRequired: true,
	}
	if _, err := s.InsertConflict(ctx, c); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}

	blocked, err := s.HasOpenPromptConflict(ctx, c.PairKey())
	if err != nil {
		t.Fatalf("HasOpenPromptConflict: %v", err)
	}
	if !blocked {
		t.Error("expected pair to be blocked while prompt conflict is open")
	}

	if err := s.MarkConflictResolved(ctx, "cf-1", model.StrategyRemoteWins, time.Now().UTC()); err != nil {
		t.Fatalf("MarkConflictResolved: %v", err)
	}
	blocked, err = s.HasOpenPromptConflict(ctx, c.PairKey())
	if err != nil {
		t.Fatalf("HasOpenPromptConflict after resolve: %v", err)
	}
	if blocked {
		t.Error("expected pair to be unblocked after resolution")
	}

	got, _ := s.GetConflict(ctx, "cf-1")
	if !got.Resolved() || got.ResolvedBy != model.StrategyRemoteWins {
		t.Errorf("conflict not marked resolved: %+v", got)
	}
}

func TestResultHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := &model.SyncResult{
			ID:        string(rune('a' + i)),
			ConfigID:  "conf-1",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Duration:  1500 * time.Millisecond,
			Processed: 10,
			Created:   i,
			Errors:    []string{"remote hiccup"},
			Success:   true,
		}
		if err := s.InsertResult(ctx, r); err != nil {
			t.Fatalf("InsertResult: %v", err)
		}
	}

	got, err := s.ListResults(ctx, "conf-1", 2)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("order = %s, %s; want c, b", got[0].ID, got[1].ID)
	}
	if got[0].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got[0].Duration)
	}
	if len(got[0].Errors) != 1 || got[0].Errors[0] != "remote hiccup" {
		t.Errorf("Errors = %v, want [remote hiccup]", got[0].Errors)
	}
}

func TestWebhookDeduplication(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w1 := &model.WebhookEvent{
		ID:         "wh-1",
		Provider:   model.ProviderGoogle,
		Change:     model.WebhookUpdated,
		CalendarID: "primary",
		EventID:    "ev-1",
		ReceivedAt: now,
	}
	inserted, err := s.RecordWebhook(ctx, w1)
	if err != nil {
		t.Fatalf("RecordWebhook: %v", err)
	}
	if !inserted {
		t.Fatal("first delivery should insert")
	}

	// Same notification redelivered inside the idempotency bucket.
	w2 := *w1
	w2.ID = "wh-2"
	w2.ReceivedAt = now.Add(time.Second)
	inserted, err = s.RecordWebhook(ctx, &w2)
	if err != nil {
		t.Fatalf("RecordWebhook duplicate: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery should deduplicate")
	}

	// A different event is not a duplicate.
	w3 := *w1
	w3.ID = "wh-3"
	w3.EventID = "ev-2"
	inserted, err = s.RecordWebhook(ctx, &w3)
	if err != nil {
		t.Fatalf("RecordWebhook distinct: %v", err)
	}
	if !inserted {
		t.Error("distinct event should insert")
	}
}

func TestWebhookReplayAndAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := &model.WebhookEvent{
		ID: "wh-1", Provider: model.ProviderCalDAV, Change: model.WebhookUpdated,
		CalendarID: "cal", EventID: "ev-1", ReceivedAt: now,
	}
	invalid := &model.WebhookEvent{
		ID: "wh-2", Provider: model.ProviderCalDAV, Change: model.WebhookUpdated,
		CalendarID: "cal", EventID: "ev-2", ReceivedAt: now, Invalid: true,
	}
	done := &model.WebhookEvent{
		ID: "wh-3", Provider: model.ProviderCalDAV, Change: model.WebhookUpdated,
		CalendarID: "cal", EventID: "ev-3", ReceivedAt: now,
	}
	for _, w := range []*model.WebhookEvent{pending, invalid, done} {
		if _, err := s.RecordWebhook(ctx, w); err != nil {
			t.Fatalf("RecordWebhook %s: %v", w.ID, err)
		}
	}
	if err := s.MarkWebhookProcessed(ctx, "wh-3"); err != nil {
		t.Fatalf("MarkWebhookProcessed: %v", err)
	}

	// Only the valid, unprocessed delivery is replayable.
	got, err := s.UnprocessedWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("UnprocessedWebhooks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "wh-1" {
		t.Fatalf("replayable = %d, want exactly wh-1", len(got))
	}

	for want := 1; want <= 3; want++ {
		n, err := s.BumpWebhookAttempts(ctx, "wh-1")
		if err != nil {
			t.Fatalf("BumpWebhookAttempts: %v", err)
		}
		if n != want {
			t.Errorf("attempts = %d, want %d", n, want)
		}
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Minute)

	sub := &model.Subscription{
		ID:        "sub-1",
		UserID:    "user-1",
		Token:     "feed-token",
		Format:    model.FormatICal,
		Privacy:   model.PrivacyAnonymous,
		Window:    30 * 24 * time.Hour,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	got, err := s.SubscriptionByToken(ctx, "feed-token")
	if err != nil {
		t.Fatalf("SubscriptionByToken: %v", err)
	}
	if got == nil {
		t.Fatal("SubscriptionByToken returned nil, want subscription")
	}
	if got.Format != model.FormatICal || got.Privacy != model.PrivacyAnonymous {
		t.Errorf("format/privacy = %s/%s, want ical/anonymous", got.Format, got.Privacy)
	}
	if got.Window != 30*24*time.Hour {
		t.Errorf("Window = %v, want 720h", got.Window)
	}

	missing, err := s.SubscriptionByToken(ctx, "nope")
	if err != nil {
		t.Fatalf("SubscriptionByToken missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown token, got %+v", missing)
	}
}
