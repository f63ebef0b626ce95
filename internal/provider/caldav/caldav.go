// Package caldav implements the provider adapter for CalDAV servers. It
// covers both the generic "caldav" provider and Apple Calendar, which is
// reached through iCloud's CalDAV endpoint with an app-specific password.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// AppleEndpoint is the iCloud CalDAV base URL used when the adapter is
// registered as the apple provider.
const AppleEndpoint = "https://caldav.icloud.com/"

const productID = "-//chairbook//calsync//EN"

// basicAuthTransport adds Basic Auth and a User-Agent to every request.
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.base.RoundTrip(req)
}

// Adapter performs event CRUD against one CalDAV account. Calendar IDs in
// configurations are CalDAV calendar display names; discovered collection
// paths are cached per calendar.
type Adapter struct {
	tag      model.Provider
	endpoint string
	caldav   *caldav.Client
	webdav   *webdav.Client
	logger   *slog.Logger

	mu    sync.Mutex
	paths map[string]string // calendar name -> collection path
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds an adapter for the given endpoint. tag selects which provider
// slot it serves (apple or caldav).
func New(tag model.Provider, logger *slog.Logger, endpoint, username, password string) (*Adapter, error) {
	if endpoint == "" {
		endpoint = AppleEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &basicAuthTransport{
			username: username,
			password: password,
			base:     http.DefaultTransport,
		},
	}

	cdc, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	wdc, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create webdav client: %w", err)
	}

	return &Adapter{
		tag:      tag,
		endpoint: endpoint,
		caldav:   cdc,
		webdav:   wdc,
		logger:   logger.With("provider", tag),
		paths:    make(map[string]string),
	}, nil
}

func (a *Adapter) Provider() model.Provider { return a.tag }

// ValidateAccess resolves the calendar collection, which exercises principal
// discovery and therefore the credentials.
func (a *Adapter) ValidateAccess(ctx context.Context, calendarID string) error {
	_, err := a.calendarPath(ctx, calendarID)
	return err
}

// FetchEvents queries the calendar collection for VEVENTs. CalDAV has no
// modified-since semantics comparable to a delta token, so the time range
// filter bounds the pull instead; since only narrows the window start for
// incremental cycles.
func (a *Adapter) FetchEvents(ctx context.Context, calendarID string, since time.Time) ([]*model.SyncEvent, error) {
	calPath, err := a.calendarPath(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	start := time.Now().AddDate(-1, 0, 0)
	if !since.IsZero() && since.After(start) {
		start = since.AddDate(0, 0, -1)
	}
	end := time.Now().AddDate(1, 0, 0)

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := a.caldav.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, a.classify(err)
	}

	var out []*model.SyncEvent
	for _, obj := range objects {
		for _, child := range obj.Data.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			ev, err := fromVEvent(child)
			if err != nil {
				a.logger.Warn("skipping malformed vevent", "path", obj.Path, "error", err)
				continue
			}
			out = append(out, ev)
		}
	}

	a.logger.Debug("fetched events", "calendar_id", calendarID, "count", len(out))
	return out, nil
}

// CreateEvent writes a new .ics object into the collection. The generated
// UID doubles as the external ID.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev *model.SyncEvent) (string, error) {
	uid := uuid.New().String()
	if err := a.putEvent(ctx, calendarID, uid, ev); err != nil {
		return "", err
	}
	return uid, nil
}

// UpdateEvent overwrites the .ics object named by externalID.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarID, externalID string, ev *model.SyncEvent) error {
	return a.putEvent(ctx, calendarID, externalID, ev)
}

// DeleteEvent removes the .ics object. A missing object is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	calPath, err := a.calendarPath(ctx, calendarID)
	if err != nil {
		return err
	}
	err = a.webdav.RemoveAll(ctx, a.objectPath(calPath, externalID))
	if httpStatus(err) == http.StatusNotFound {
		return nil
	}
	return a.classify(err)
}

func (a *Adapter) putEvent(ctx context.Context, calendarID, uid string, ev *model.SyncEvent) error {
	calPath, err := a.calendarPath(ctx, calendarID)
	if err != nil {
		return err
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toVEvent(uid, ev))

	writer, err := a.webdav.Create(ctx, a.objectPath(calPath, uid))
	if err != nil {
		return a.classify(err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		writer.Close()
		return fmt.Errorf("encode vevent: %w", err)
	}
	return a.classify(writer.Close())
}

// calendarPath resolves and caches the collection path for a calendar name.
func (a *Adapter) calendarPath(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	if p, ok := a.paths[name]; ok {
		a.mu.Unlock()
		return p, nil
	}
	a.mu.Unlock()

	principal, err := a.caldav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", a.classify(err)
	}
	homeSet, err := a.caldav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", a.classify(err)
	}
	calendars, err := a.caldav.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", a.classify(err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			a.mu.Lock()
			a.paths[name] = cal.Path
			a.mu.Unlock()
			return cal.Path, nil
		}
	}
	return "", &provider.ValidationError{Field: "calendar_id", Reason: fmt.Sprintf("no calendar named %q", name)}
}

// objectPath builds the .ics path relative to the endpoint, as the webdav
// client expects.
func (a *Adapter) objectPath(calPath, uid string) string {
	return path.Join(strings.TrimPrefix(calPath, a.endpoint), uid+".ics")
}

func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if status := httpStatus(err); status != 0 {
		return provider.ClassifyHTTP(a.tag, status, 0)
	}
	return &provider.NetworkError{Provider: a.tag, Err: err}
}

// httpStatus extracts the HTTP status from a webdav error, or 0 when the
// error carries none. Client errors from go-webdav are prefixed with the
// status line, so the prefix is sniffed when the typed form is absent.
func httpStatus(err error) int {
	if err == nil {
		return 0
	}
	var status int
	if n, _ := fmt.Sscanf(err.Error(), "%d", &status); n == 1 && status >= 100 && status < 600 {
		return status
	}
	return 0
}

// fromVEvent converts a VEVENT component to the canonical model.
func fromVEvent(comp *ical.Component) (*model.SyncEvent, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, fmt.Errorf("missing UID")
	}

	start, err := propDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := propDateTime(comp, ical.PropDateTimeEnd)
	if err != nil {
		return nil, fmt.Errorf("DTEND: %w", err)
	}

	title, _ := comp.Props.Text(ical.PropSummary)
	description, _ := comp.Props.Text(ical.PropDescription)
	location, _ := comp.Props.Text(ical.PropLocation)

	status := model.StatusConfirmed
	if s, _ := comp.Props.Text(ical.PropStatus); s != "" {
		switch strings.ToUpper(s) {
		case "TENTATIVE":
			status = model.StatusTentative
		case "CANCELLED":
			status = model.StatusCancelled
		}
	}

	var attendees []string
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		attendees = append(attendees, strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"))
	}

	var modified time.Time
	if prop := comp.Props.Get(ical.PropLastModified); prop != nil {
		modified, _ = prop.DateTime(time.UTC)
	} else if prop := comp.Props.Get(ical.PropDateTimeStamp); prop != nil {
		modified, _ = prop.DateTime(time.UTC)
	}

	return &model.SyncEvent{
		ExternalID:  uid,
		Title:       title,
		Description: description,
		StartTime:   start,
		EndTime:     end,
		Location:    location,
		Attendees:   attendees,
		Status:      status,
		Source:      model.SourceExternal,
		ModifiedAt:  modified,
	}, nil
}

func propDateTime(comp *ical.Component, name string) (time.Time, error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}, fmt.Errorf("missing")
	}
	return prop.DateTime(time.UTC)
}

// toVEvent converts the canonical model into a VEVENT component.
func toVEvent(uid string, ev *model.SyncEvent) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
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
	return ve
}
