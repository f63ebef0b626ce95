// Package google implements the provider adapter for Google Calendar using
// the official calendar/v3 API client. Authentication uses a stored OAuth2
// token refreshed automatically by the oauth2 transport.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// Adapter talks to the Google Calendar API on behalf of one OAuth2 account.
type Adapter struct {
	service *calendar.Service
	logger  *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds an adapter from client credentials and a stored token file.
// The token must have been obtained beforehand with the calendar scope;
// refresh happens transparently through the oauth2 client.
func New(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenFile string) (*Adapter, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     googleoauth.Endpoint,
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("load google token from %s: %w", tokenFile, err)
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(conf.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	return &Adapter{service: service, logger: logger.With("provider", model.ProviderGoogle)}, nil
}

func (a *Adapter) Provider() model.Provider { return model.ProviderGoogle }

// ValidateAccess fetches the calendar's metadata to prove the credentials
// can reach it.
func (a *Adapter) ValidateAccess(ctx context.Context, calendarID string) error {
	_, err := a.service.Calendars.Get(calendarID).Context(ctx).Do()
	return a.classify(err)
}

// FetchEvents pulls events modified since the given time. Cancelled events
// are included (ShowDeleted) so deletions propagate; recurring events are
// expanded into instances.
func (a *Adapter) FetchEvents(ctx context.Context, calendarID string, since time.Time) ([]*model.SyncEvent, error) {
	call := a.service.Events.List(calendarID).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(250).
		Context(ctx)
	if !since.IsZero() {
		call = call.UpdatedMin(since.UTC().Format(time.RFC3339))
	}

	var out []*model.SyncEvent
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, a.classify(err)
		}
		for _, item := range resp.Items {
			ev, err := fromGoogle(item)
			if err != nil {
				a.logger.Warn("skipping malformed event", "event_id", item.Id, "error", err)
				continue
			}
			out = append(out, ev)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	a.logger.Debug("fetched events", "calendar_id", calendarID, "count", len(out))
	return out, nil
}

// CreateEvent inserts the event and returns the Google event ID.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev *model.SyncEvent) (string, error) {
	created, err := a.service.Events.Insert(calendarID, toGoogle(ev)).Context(ctx).Do()
	if err != nil {
		return "", a.classify(err)
	}
	return created.Id, nil
}

// UpdateEvent overwrites the remote event identified by externalID.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarID, externalID string, ev *model.SyncEvent) error {
	_, err := a.service.Events.Update(calendarID, externalID, toGoogle(ev)).Context(ctx).Do()
	return a.classify(err)
}

// DeleteEvent removes the remote event. A 404 or 410 means it is already
// gone and is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	err := a.service.Events.Delete(calendarID, externalID).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410) {
		return nil
	}
	return a.classify(err)
}

// classify maps googleapi errors onto the shared taxonomy.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		retryAfter := time.Duration(0)
		if ra := gerr.Header.Get("Retry-After"); ra != "" {
			if secs, perr := time.ParseDuration(ra + "s"); perr == nil {
				retryAfter = secs
			}
		}
		return provider.ClassifyHTTP(model.ProviderGoogle, gerr.Code, retryAfter)
	}
	return &provider.NetworkError{Provider: model.ProviderGoogle, Err: err}
}

// fromGoogle converts a Google Calendar event to the canonical model.
func fromGoogle(item *calendar.Event) (*model.SyncEvent, error) {
	start, err := parseEventTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("start time: %w", err)
	}
	end, err := parseEventTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("end time: %w", err)
	}

	var attendees []string
	for _, at := range item.Attendees {
		if at.Email != "" {
			attendees = append(attendees, at.Email)
		}
	}

	status := model.StatusConfirmed
	switch item.Status {
	case "tentative":
		status = model.StatusTentative
	case "cancelled":
		status = model.StatusCancelled
	}

	var created, modified time.Time
	if item.Created != "" {
		created, _ = time.Parse(time.RFC3339, item.Created)
	}
	if item.Updated != "" {
		modified, _ = time.Parse(time.RFC3339, item.Updated)
	}

	return &model.SyncEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		StartTime:   start,
		EndTime:     end,
		Location:    item.Location,
		Attendees:   attendees,
		Status:      status,
		Source:      model.SourceExternal,
		CreatedAt:   created,
		ModifiedAt:  modified,
	}, nil
}

// parseEventTime handles both timed (DateTime) and all-day (Date) events.
func parseEventTime(edt *calendar.EventDateTime) (time.Time, error) {
	if edt == nil {
		return time.Time{}, fmt.Errorf("missing")
	}
	if edt.DateTime != "" {
		return time.Parse(time.RFC3339, edt.DateTime)
	}
	if edt.Date != "" {
		return time.Parse("2006-01-02", edt.Date)
	}
	return time.Time{}, fmt.Errorf("missing")
}

// toGoogle converts the canonical model into the Google representation.
func toGoogle(ev *model.SyncEvent) *calendar.Event {
	ge := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.StartTime.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.EndTime.UTC().Format(time.RFC3339)},
		Status:      string(ev.Status),
	}
	for _, at := range ev.Attendees {
		ge.Attendees = append(ge.Attendees, &calendar.EventAttendee{Email: at})
	}
	return ge
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}
