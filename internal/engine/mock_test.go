package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// --- Mock store --------------------------------------------------------------

type mockStore struct {
	mu sync.Mutex

	configs   map[string]*model.SyncConfiguration
	events    map[string]*model.SyncEvent            // local event ID → event
	links     map[string]map[string]string           // configID → eventID → externalID
	snapshots map[string]map[string]*model.SyncEvent // configID → externalID → snapshot
	results   []*model.SyncResult
	conflicts map[string]*model.ConflictDetails
}

func newMockStore(configs ...*model.SyncConfiguration) *mockStore {
	m := &mockStore{
		configs:   make(map[string]*model.SyncConfiguration),
		events:    make(map[string]*model.SyncEvent),
		links:     make(map[string]map[string]string),
		snapshots: make(map[string]map[string]*model.SyncEvent),
		conflicts: make(map[string]*model.ConflictDetails),
	}
	for _, cfg := range configs {
		m.configs[cfg.ID] = cfg
	}
	return m
}

func (m *mockStore) GetConfiguration(_ context.Context, id string) (*model.SyncConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("configuration %q not found", id)
	}
	cp := *cfg
	return &cp, nil
}

func (m *mockStore) RecordCycleOutcome(_ context.Context, id string, lastSync, nextSync time.Time, syncErrors int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return fmt.Errorf("configuration %q not found", id)
	}
	cfg.LastSync = lastSync
	cfg.NextSync = nextSync
	cfg.SyncErrors = syncErrors
	cfg.LastError = lastError
	return nil
}

func (m *mockStore) SetConfigurationEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return fmt.Errorf("configuration %q not found", id)
	}
	cfg.Enabled = enabled
	return nil
}

func (m *mockStore) ListLocalEvents(_ context.Context, userID string) ([]*model.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SyncEvent
	for _, ev := range m.events {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (m *mockStore) UpsertLocalEvent(_ context.Context, _ string, ev *model.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev.Clone()
	return nil
}

func (m *mockStore) DeleteLocalEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	for _, links := range m.links {
		delete(links, id)
	}
	return nil
}

func (m *mockStore) LinkEvent(_ context.Context, configID, eventID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[configID] == nil {
		m.links[configID] = make(map[string]string)
	}
	m.links[configID][eventID] = externalID
	return nil
}

func (m *mockStore) UnlinkEvent(_ context.Context, configID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[configID], eventID)
	return nil
}

func (m *mockStore) EventLinks(_ context.Context, configID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.links[configID]))
	for k, v := range m.links[configID] {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) PutSnapshot(_ context.Context, configID string, ev *model.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots[configID] == nil {
		m.snapshots[configID] = make(map[string]*model.SyncEvent)
	}
	m.snapshots[configID][ev.ExternalID] = ev.Clone()
	return nil
}

func (m *mockStore) DeleteSnapshot(_ context.Context, configID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots[configID], externalID)
	return nil
}

func (m *mockStore) Snapshots(_ context.Context, configID string) (map[string]*model.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.SyncEvent, len(m.snapshots[configID]))
	for k, v := range m.snapshots[configID] {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *mockStore) InsertResult(_ context.Context, r *model.SyncResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *mockStore) InsertConflict(_ context.Context, c *model.ConflictDetails) (*model.ConflictDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One open conflict per pair: redetection returns the existing one.
	for _, existing := range m.conflicts {
		if !existing.Resolved() && existing.PairKey() == c.PairKey() {
			return existing, nil
		}
	}
	m.conflicts[c.ID] = c
	return c, nil
}

func (m *mockStore) GetConflict(_ context.Context, id string) (*model.ConflictDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("conflict %q not found", id)
	}
	return c, nil
}

func (m *mockStore) HasOpenPromptConflict(_ context.Context, pairKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conflicts {
		if !c.Resolved() && c.ResolutionRequired && c.PairKey() == pairKey {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) MarkConflictResolved(_ context.Context, id string, strategy model.ResolutionStrategy, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return fmt.Errorf("conflict %q not found", id)
	}
	if c.Resolved() {
		return nil
	}
	c.ResolvedAt = &at
	c.ResolvedBy = strategy
	return nil
}

func (m *mockStore) localEvent(id string) *model.SyncEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	if ev == nil {
		return nil
	}
	return ev.Clone()
}

func (m *mockStore) openConflicts() []*model.ConflictDetails {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ConflictDetails
	for _, c := range m.conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

func (m *mockStore) linkFor(configID, eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[configID][eventID]
}

// --- Mock adapter ------------------------------------------------------------

type mockAdapter struct {
	mu       sync.Mutex
	provider model.Provider
	events   map[string]*model.SyncEvent // externalID → event
	nextID   int

	fetchErr   error
	createErr  error
	updateErr  error
	fetchDelay time.Duration

	fetches int
	creates int
	updates int
	deletes int
}

func newMockAdapter(p model.Provider, events ...*model.SyncEvent) *mockAdapter {
	m := &mockAdapter{provider: p, events: make(map[string]*model.SyncEvent)}
	for _, ev := range events {
		m.events[ev.ExternalID] = ev
	}
	return m
}

func (m *mockAdapter) Provider() model.Provider { return m.provider }

func (m *mockAdapter) ValidateAccess(context.Context, string) error { return nil }

func (m *mockAdapter) FetchEvents(_ context.Context, _ string, since time.Time) ([]*model.SyncEvent, error) {
	m.mu.Lock()
	delay := m.fetchDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []*model.SyncEvent
	for _, ev := range m.events {
		if since.IsZero() || ev.ModifiedAt.After(since) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (m *mockAdapter) CreateEvent(_ context.Context, _ string, ev *model.SyncEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	extID := fmt.Sprintf("ext-%d", m.nextID)
	cp := ev.Clone()
	cp.ExternalID = extID
	m.events[extID] = cp
	return extID, nil
}

func (m *mockAdapter) UpdateEvent(_ context.Context, _ string, externalID string, ev *model.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.events[externalID]; !ok {
		return fmt.Errorf("remote event %q not found", externalID)
	}
	cp := ev.Clone()
	cp.ExternalID = externalID
	m.events[externalID] = cp
	return nil
}

func (m *mockAdapter) DeleteEvent(_ context.Context, _ string, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.events, externalID)
	return nil
}

func (m *mockAdapter) remote(extID string) *model.SyncEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[extID]
	if ev == nil {
		return nil
	}
	return ev.Clone()
}

func (m *mockAdapter) remoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// --- Mock notifier -----------------------------------------------------------

type mockNotifier struct {
	mu        sync.Mutex
	started   int
	completed int
	errored   int
	conflicts int
}

func (m *mockNotifier) SyncStarted(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *mockNotifier) SyncProgress(string, string, int, int) {}

func (m *mockNotifier) ConflictDetected(string, *model.ConflictDetails) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *mockNotifier) SyncCompleted(string, *model.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *mockNotifier) SyncError(string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored++
}

func (m *mockNotifier) counts() (started, completed, errored, conflicts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.completed, m.errored, m.conflicts
}
