package google

import (
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/chairbook/calsync/internal/model"
)

// ---------------------------------------------------------------------------
// fromGoogle
// ---------------------------------------------------------------------------

func TestFromGoogle_FullFields(t *testing.T) {
	item := &calendar.Event{
		Id:          "goog-1",
		Summary:     "Haircut",
		Description: "Regular trim",
		Location:    "Chair 1",
		Status:      "tentative",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00Z"},
		Created:     "2026-02-01T08:00:00Z",
		Updated:     "2026-03-01T10:00:00Z",
		Attendees: []*calendar.EventAttendee{
			{Email: "client@example.com"},
			{Email: ""}, // resource attendee without an address is dropped
		},
	}

	got, err := fromGoogle(item)
	if err != nil {
		t.Fatalf("fromGoogle: %v", err)
	}

	if got.ExternalID != "goog-1" {
		t.Errorf("ExternalID = %q, want goog-1", got.ExternalID)
	}
	if got.Title != "Haircut" || got.Location != "Chair 1" {
		t.Errorf("Title/Location = %q/%q", got.Title, got.Location)
	}
	wantStart := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !got.StartTime.Equal(wantStart) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, wantStart)
	}
	if got.Status != model.StatusTentative {
		t.Errorf("Status = %q, want tentative", got.Status)
	}
	if len(got.Attendees) != 1 || got.Attendees[0] != "client@example.com" {
		t.Errorf("Attendees = %v, want only client@example.com", got.Attendees)
	}
	if got.Source != model.SourceExternal {
		t.Errorf("Source = %q, want external", got.Source)
	}
	wantMod := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !got.ModifiedAt.Equal(wantMod) {
		t.Errorf("ModifiedAt = %v, want %v", got.ModifiedAt, wantMod)
	}
}

func TestFromGoogle_AllDayEvent(t *testing.T) {
	item := &calendar.Event{
		Id:      "goog-2",
		Summary: "Shop closed",
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{Date: "2026-03-02"},
		End:     &calendar.EventDateTime{Date: "2026-03-03"},
	}

	got, err := fromGoogle(item)
	if err != nil {
		t.Fatalf("fromGoogle: %v", err)
	}
	if !got.StartTime.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartTime = %v, want midnight UTC", got.StartTime)
	}
}

func TestFromGoogle_MissingTimes(t *testing.T) {
	item := &calendar.Event{Id: "goog-3", Summary: "Broken"}
	if _, err := fromGoogle(item); err == nil {
		t.Error("expected error for event without start/end")
	}
}

func TestFromGoogle_CancelledStatus(t *testing.T) {
	item := &calendar.Event{
		Id:     "goog-4",
		Status: "cancelled",
		Start:  &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z"},
		End:    &calendar.EventDateTime{DateTime: "2026-03-02T09:30:00Z"},
	}
	got, err := fromGoogle(item)
	if err != nil {
		t.Fatalf("fromGoogle: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}

// ---------------------------------------------------------------------------
// toGoogle
// ---------------------------------------------------------------------------

func TestToGoogle(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := &model.SyncEvent{
		Title:     "Haircut",
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Status:    model.StatusConfirmed,
		Attendees: []string{"client@example.com"},
	}

	got := toGoogle(ev)
	if got.Summary != "Haircut" {
		t.Errorf("Summary = %q, want Haircut", got.Summary)
	}
	if got.Start.DateTime != "2026-03-02T09:00:00Z" {
		t.Errorf("Start.DateTime = %q, want RFC3339 UTC", got.Start.DateTime)
	}
	if got.Status != "confirmed" {
		t.Errorf("Status = %q, want confirmed", got.Status)
	}
	if len(got.Attendees) != 1 || got.Attendees[0].Email != "client@example.com" {
		t.Errorf("Attendees = %v, want one entry", got.Attendees)
	}
}
