package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

type mockStore struct {
	mu  sync.Mutex
	due []*model.SyncConfiguration
}

func (m *mockStore) DueConfigurations(context.Context, time.Time) ([]*model.SyncConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.due
	m.due = nil // due once; the engine reschedules
	return out, nil
}

type mockSyncer struct {
	mu      sync.Mutex
	synced  map[string]int
	delay   time.Duration
	active  int
	maxSeen int
}

func newMockSyncer(delay time.Duration) *mockSyncer {
	return &mockSyncer{synced: make(map[string]int), delay: delay}
}

func (m *mockSyncer) Sync(_ context.Context, configID string) (*model.SyncResult, error) {
	m.mu.Lock()
	m.active++
	if m.active > m.maxSeen {
		m.maxSeen = m.active
	}
	m.mu.Unlock()

	time.Sleep(m.delay)

	m.mu.Lock()
	m.active--
	m.synced[configID]++
	m.mu.Unlock()
	return &model.SyncResult{ConfigID: configID}, nil
}

func (m *mockSyncer) counts() (map[string]int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.synced))
	for k, v := range m.synced {
		out[k] = v
	}
	return out, m.maxSeen
}

func dueConfigs(ids ...string) []*model.SyncConfiguration {
	out := make([]*model.SyncConfiguration, len(ids))
	for i, id := range ids {
		out[i] = &model.SyncConfiguration{ID: id, Enabled: true}
	}
	return out
}

func TestDispatchRunsDueConfigurations(t *testing.T) {
	store := &mockStore{due: dueConfigs("cfg-1", "cfg-2", "cfg-3")}
	syncer := newMockSyncer(0)
	s := New(store, syncer, time.Minute, 4, slog.Default())

	s.dispatch(context.Background())
	s.wg.Wait()

	synced, _ := syncer.counts()
	for _, id := range []string{"cfg-1", "cfg-2", "cfg-3"} {
		if synced[id] != 1 {
			t.Errorf("config %s synced %d times, want 1", id, synced[id])
		}
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	store := &mockStore{due: dueConfigs("a", "b", "c", "d", "e", "f")}
	syncer := newMockSyncer(30 * time.Millisecond)
	s := New(store, syncer, time.Minute, 2, slog.Default())

	s.dispatch(context.Background())
	s.wg.Wait()

	synced, maxSeen := syncer.counts()
	if len(synced) != 6 {
		t.Errorf("synced %d configurations, want 6", len(synced))
	}
	if maxSeen > 2 {
		t.Errorf("observed %d concurrent cycles, worker bound is 2", maxSeen)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &mockStore{}
	syncer := newMockSyncer(0)
	s := New(store, syncer, 10*time.Millisecond, 1, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
