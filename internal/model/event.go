// Package model defines the canonical types shared between the sync engine,
// provider adapters, store, and HTTP surface.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Provider identifies the external calendar system a configuration syncs with.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderApple   Provider = "apple"
	ProviderCalDAV  Provider = "caldav"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderOutlook, ProviderApple, ProviderCalDAV:
		return true
	}
	return false
}

// EventSource records which side of the sync an event snapshot came from.
type EventSource string

const (
	SourceLocal    EventSource = "local"
	SourceExternal EventSource = "external"
)

// EventStatus mirrors the provider status taxonomy.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// SyncEvent is the canonical event representation shared by all provider
// adapters and the engine. Local appointments and fetched remote events are
// both normalised into this shape before any comparison happens.
type SyncEvent struct {
	// ID is the local identifier. For remote-only events it is empty until
	// the event is imported.
	ID string

	// ExternalID is the provider-side identifier. Present once the event is
	// linked to a remote counterpart.
	ExternalID string

	Title       string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Location    string

	// Attendees holds attendee email addresses. Order is not significant:
	// Checksum sorts a copy before hashing.
	Attendees []string

	Status EventStatus
	Source EventSource

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Checksum returns a deterministic SHA-256 hex digest over the semantically
// meaningful fields: title, description, time window, location, status, and
// the sorted attendee list. ModifiedAt, ExternalID, and provider metadata
// (etags, payloads) are intentionally excluded so that unchanged mirrors of
// the same event always hash equal regardless of which side produced them.
func (e *SyncEvent) Checksum() string {
	h := sha256.New()
	h.Write([]byte(e.Title))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Description))
	h.Write([]byte{'|'})
	if !e.StartTime.IsZero() {
		h.Write([]byte(e.StartTime.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte{'|'})
	if !e.EndTime.IsZero() {
		h.Write([]byte(e.EndTime.UTC().Format(time.RFC3339)))
	}
	h.Write([]byte{'|'})
	h.Write([]byte(e.Location))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Status))
	h.Write([]byte{'|'})

	attendees := make([]string, len(e.Attendees))
	for i, a := range e.Attendees {
		attendees[i] = strings.ToLower(strings.TrimSpace(a))
	}
	sort.Strings(attendees)
	h.Write([]byte(strings.Join(attendees, ",")))

	return hex.EncodeToString(h.Sum(nil))
}

// Overlaps reports whether the event's time window intersects other's.
// Touching boundaries (end == start) do not overlap.
func (e *SyncEvent) Overlaps(other *SyncEvent) bool {
	return e.StartTime.Before(other.EndTime) && other.StartTime.Before(e.EndTime)
}

// Clone returns a deep copy of the event.
func (e *SyncEvent) Clone() *SyncEvent {
	cp := *e
	cp.Attendees = append([]string(nil), e.Attendees...)
	return &cp
}

// Similarity returns a rough 0..1 content-similarity score between two
// events, used only for first-time linking of unlinked pairs that share a
// time window. Title match dominates; location and attendee overlap refine.
func Similarity(a, b *SyncEvent) float64 {
	var score, weight float64

	weight += 0.6
	if strings.EqualFold(strings.TrimSpace(a.Title), strings.TrimSpace(b.Title)) {
		score += 0.6
	}

	weight += 0.2
	if a.Location != "" && strings.EqualFold(a.Location, b.Location) {
		score += 0.2
	}

	weight += 0.2
	if len(a.Attendees) > 0 && len(b.Attendees) > 0 {
		set := make(map[string]struct{}, len(a.Attendees))
		for _, at := range a.Attendees {
			set[strings.ToLower(at)] = struct{}{}
		}
		var shared int
		for _, at := range b.Attendees {
			if _, ok := set[strings.ToLower(at)]; ok {
				shared++
			}
		}
		larger := len(a.Attendees)
		if len(b.Attendees) > larger {
			larger = len(b.Attendees)
		}
		score += 0.2 * float64(shared) / float64(larger)
	}

	return score / weight
}

// String implements fmt.Stringer for log output.
func (e *SyncEvent) String() string {
	return fmt.Sprintf("%s (%s – %s)", e.Title,
		e.StartTime.Format(time.RFC3339), e.EndTime.Format(time.RFC3339))
}
