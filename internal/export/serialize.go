package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/chairbook/calsync/internal/model"
)

const productID = "-//chairbook//calsync//EN"

// serialize renders the (already redacted) event list in the requested
// format.
func serialize(events []*model.SyncEvent, format model.ExportFormat) ([]byte, error) {
	switch format {
	case model.FormatICal:
		return serializeICal(events)
	case model.FormatCSV:
		return serializeCSV(events)
	case model.FormatJSON:
		return serializeJSON(events)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func serializeICal(events []*model.SyncEvent) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	now := time.Now().UTC()
	for _, ev := range events {
		ve := ical.NewComponent(ical.CompEvent)
		ve.Props.SetText(ical.PropUID, ev.ID)
		ve.Props.SetText(ical.PropSummary, ev.Title)
		ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
		if ev.Description != "" {
			ve.Props.SetText(ical.PropDescription, ev.Description)
		}
		if ev.Location != "" {
			ve.Props.SetText(ical.PropLocation, ev.Location)
		}
		if ev.Status != "" {
			ve.Props.SetText(ical.PropStatus, strings.ToUpper(string(ev.Status)))
		}
		for _, attendee := range ev.Attendees {
			p := ical.NewProp(ical.PropAttendee)
			p.SetText("mailto:" + attendee)
			ve.Props.Add(p)
		}
		cal.Children = append(cal.Children, ve)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encoding calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// csvHeader is the fixed column schema. Revenue and payment fields never
// appear in exports.
var csvHeader = []string{"date", "start_time", "end_time", "title", "location", "status"}

func serializeCSV(events []*model.SyncEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, ev := range events {
		row := []string{
			ev.StartTime.UTC().Format("2006-01-02"),
			ev.StartTime.UTC().Format("15:04"),
			ev.EndTime.UTC().Format("15:04"),
			ev.Title,
			ev.Location,
			string(ev.Status),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}

// jsonEvent is the wire shape of one exported event.
type jsonEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Status      string    `json:"status"`
}

func serializeJSON(events []*model.SyncEvent) ([]byte, error) {
	out := make([]jsonEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, jsonEvent{
			ID:          ev.ID,
			Title:       ev.Title,
			Description: ev.Description,
			StartTime:   ev.StartTime.UTC(),
			EndTime:     ev.EndTime.UTC(),
			Location:    ev.Location,
			Attendees:   ev.Attendees,
			Status:      string(ev.Status),
		})
	}
	return json.MarshalIndent(out, "", "  ")
}
