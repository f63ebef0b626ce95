// Package outlook implements the provider adapter for Outlook/Microsoft 365
// calendars via the Microsoft Graph REST API. Authentication uses a stored
// OAuth2 token refreshed through the Azure AD v2 endpoint.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// Adapter talks to the Microsoft Graph events API on behalf of one account.
type Adapter struct {
	hc     *http.Client
	base   string
	logger *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds an adapter from Azure AD client credentials and a stored token
// file. The oauth2 transport refreshes the token against the tenant's v2
// endpoint as needed.
func New(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tenantID, tokenFile string) (*Adapter, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"Calendars.ReadWrite", "offline_access"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenantID),
			TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		},
	}

	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("load outlook token from %s: %w", tokenFile, err)
	}

	return &Adapter{
		hc:     conf.Client(ctx, token),
		base:   graphBase,
		logger: logger.With("provider", model.ProviderOutlook),
	}, nil
}

func (a *Adapter) Provider() model.Provider { return model.ProviderOutlook }

// ValidateAccess fetches the calendar resource to prove the token can reach
// it.
func (a *Adapter) ValidateAccess(ctx context.Context, calendarID string) error {
	var out json.RawMessage
	return a.do(ctx, http.MethodGet, a.calendarURL(calendarID), nil, &out)
}

// FetchEvents pulls events modified since the given time, following
// @odata.nextLink pagination.
func (a *Adapter) FetchEvents(ctx context.Context, calendarID string, since time.Time) ([]*model.SyncEvent, error) {
	endpoint := a.calendarURL(calendarID) + "/events?$top=100&$orderby=lastModifiedDateTime"
	if !since.IsZero() {
		endpoint += "&$filter=" + url.QueryEscape(
			fmt.Sprintf("lastModifiedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}

	var out []*model.SyncEvent
	for endpoint != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := a.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			ev, err := fromGraph(&page.Value[i])
			if err != nil {
				a.logger.Warn("skipping malformed event", "event_id", page.Value[i].ID, "error", err)
				continue
			}
			out = append(out, ev)
		}
		endpoint = page.NextLink
	}

	a.logger.Debug("fetched events", "calendar_id", calendarID, "count", len(out))
	return out, nil
}

// CreateEvent inserts the event and returns the Graph event ID.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev *model.SyncEvent) (string, error) {
	var created graphEvent
	if err := a.do(ctx, http.MethodPost, a.calendarURL(calendarID)+"/events", toGraph(ev), &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateEvent patches the remote event identified by externalID.
func (a *Adapter) UpdateEvent(ctx context.Context, calendarID, externalID string, ev *model.SyncEvent) error {
	endpoint := a.base + "/me/events/" + url.PathEscape(externalID)
	return a.do(ctx, http.MethodPatch, endpoint, toGraph(ev), nil)
}

// DeleteEvent removes the remote event. A 404 means it is already gone and
// is not an error.
func (a *Adapter) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	endpoint := a.base + "/me/events/" + url.PathEscape(externalID)
	err := a.do(ctx, http.MethodDelete, endpoint, nil, nil)
	var ne *provider.NetworkError
	if errors.As(err, &ne) && strings.Contains(ne.Err.Error(), "404") {
		return nil
	}
	return err
}

// calendarURL maps the configured calendar ID to a Graph resource path. The
// sentinel "primary" targets the account's default calendar.
func (a *Adapter) calendarURL(calendarID string) string {
	if calendarID == "" || calendarID == "primary" {
		return a.base + "/me/calendar"
	}
	return a.base + "/me/calendars/" + url.PathEscape(calendarID)
}

// do executes one Graph request, classifying non-2xx statuses onto the
// shared taxonomy and decoding the response body into out when non-nil.
func (a *Adapter) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal graph request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create graph request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return &provider.NetworkError{Provider: model.ProviderOutlook, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if cerr := provider.ClassifyHTTP(model.ProviderOutlook, resp.StatusCode, retryAfter(resp)); cerr != nil {
		return cerr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// graphEvent mirrors the subset of the Graph event resource the sync needs.
type graphEvent struct {
	ID      string `json:"id,omitempty"`
	Subject string `json:"subject"`
	Body    *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body,omitempty"`
	Start    *graphDateTime `json:"start,omitempty"`
	End      *graphDateTime `json:"end,omitempty"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location,omitempty"`
	Attendees []graphAttendee `json:"attendees,omitempty"`
	// ShowAs carries the free/busy status; IsCancelled flags deletion.
	ShowAs               string `json:"showAs,omitempty"`
	IsCancelled          bool   `json:"isCancelled,omitempty"`
	CreatedDateTime      string `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAttendee struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
	Type string `json:"type,omitempty"`
}

// graphTimeLayout is the fractional-seconds format Graph uses for event
// start/end values.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

func fromGraph(ge *graphEvent) (*model.SyncEvent, error) {
	start, err := parseGraphTime(ge.Start)
	if err != nil {
		return nil, fmt.Errorf("start time: %w", err)
	}
	end, err := parseGraphTime(ge.End)
	if err != nil {
		return nil, fmt.Errorf("end time: %w", err)
	}

	var attendees []string
	for _, at := range ge.Attendees {
		if at.EmailAddress.Address != "" {
			attendees = append(attendees, at.EmailAddress.Address)
		}
	}

	status := model.StatusConfirmed
	switch {
	case ge.IsCancelled:
		status = model.StatusCancelled
	case strings.EqualFold(ge.ShowAs, "tentative"):
		status = model.StatusTentative
	}

	description := ""
	if ge.Body != nil {
		description = ge.Body.Content
	}
	location := ""
	if ge.Location != nil {
		location = ge.Location.DisplayName
	}

	var created, modified time.Time
	if ge.CreatedDateTime != "" {
		created, _ = time.Parse(time.RFC3339, ge.CreatedDateTime)
	}
	if ge.LastModifiedDateTime != "" {
		modified, _ = time.Parse(time.RFC3339, ge.LastModifiedDateTime)
	}

	return &model.SyncEvent{
		ExternalID:  ge.ID,
		Title:       ge.Subject,
		Description: description,
		StartTime:   start,
		EndTime:     end,
		Location:    location,
		Attendees:   attendees,
		Status:      status,
		Source:      model.SourceExternal,
		CreatedAt:   created,
		ModifiedAt:  modified,
	}, nil
}

func parseGraphTime(gdt *graphDateTime) (time.Time, error) {
	if gdt == nil || gdt.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	loc := time.UTC
	if gdt.TimeZone != "" && gdt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(gdt.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation(graphTimeLayout, gdt.DateTime, loc)
}

func toGraph(ev *model.SyncEvent) *graphEvent {
	ge := &graphEvent{
		Subject: ev.Title,
		Start:   &graphDateTime{DateTime: ev.StartTime.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:     &graphDateTime{DateTime: ev.EndTime.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		ge.Body = &struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		}{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		ge.Location = &struct {
			DisplayName string `json:"displayName"`
		}{DisplayName: ev.Location}
	}
	for _, at := range ev.Attendees {
		ga := graphAttendee{Type: "required"}
		ga.EmailAddress.Address = at
		ge.Attendees = append(ge.Attendees, ga)
	}
	if ev.Status == model.StatusTentative {
		ge.ShowAs = "tentative"
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
