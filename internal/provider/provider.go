// Package provider defines the adapter interface external calendar systems
// implement, the shared error taxonomy, and the retry/backoff helpers used by
// every adapter.
//
// Each provider (Google, Outlook, Apple/CalDAV, generic CalDAV) lives in its
// own subpackage and translates provider-specific event representations to
// and from the canonical [model.SyncEvent].
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chairbook/calsync/internal/model"
)

// Adapter performs authenticated CRUD against one provider's calendar API.
// All methods block on network I/O and honour ctx cancellation.
type Adapter interface {
	// Provider returns the tag used to select this adapter.
	Provider() model.Provider

	// ValidateAccess checks that the credentials can reach the calendar.
	ValidateAccess(ctx context.Context, calendarID string) error

	// FetchEvents returns the calendar's events modified since the given
	// time. A zero since means a full pull.
	FetchEvents(ctx context.Context, calendarID string, since time.Time) ([]*model.SyncEvent, error)

	// CreateEvent writes a new event and returns its provider-side ID.
	CreateEvent(ctx context.Context, calendarID string, ev *model.SyncEvent) (string, error)

	// UpdateEvent overwrites the remote event identified by externalID.
	UpdateEvent(ctx context.Context, calendarID, externalID string, ev *model.SyncEvent) error

	// DeleteEvent removes the remote event. Deleting an already-absent
	// event is not an error.
	DeleteEvent(ctx context.Context, calendarID, externalID string) error
}

// Registry maps provider tags to adapter instances. Configurations store a
// provider tag used only to select the adapter here.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Provider]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Provider]Adapter)}
}

// Register adds an adapter. Registering the same provider twice replaces the
// previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Get returns the adapter for the provider, or an error if none is
// configured.
func (r *Registry) Get(p model.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider %q", p)
	}
	return a, nil
}

// Providers returns the tags of all registered adapters.
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
