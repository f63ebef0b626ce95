// Package webhook receives provider push notifications, validates them,
// deduplicates redeliveries, and turns them into debounced sync triggers.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/chairbook/calsync/internal/engine"
	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// maxBody bounds webhook request bodies. Provider notifications are small;
// anything larger is rejected.
const maxBody = 64 * 1024

// maxTriggerAttempts bounds how often a failed trigger is retried before the
// scheduler's regular cadence takes over.
const maxTriggerAttempts = 5

// replayInterval is how often Run rescans for unprocessed deliveries.
const replayInterval = time.Minute

// Store is the persistence surface the ingestor needs.
type Store interface {
	RecordWebhook(ctx context.Context, w *model.WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, id string) error
	BumpWebhookAttempts(ctx context.Context, id string) (int, error)
	UnprocessedWebhooks(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	ConfigurationsByCalendar(ctx context.Context, p model.Provider, calendarID string) ([]*model.SyncConfiguration, error)
}

// Syncer triggers a sync cycle for a configuration.
type Syncer interface {
	Sync(ctx context.Context, configID string) (*model.SyncResult, error)
}

// Secrets holds the per-provider credentials used to validate incoming
// deliveries. Empty fields reject all deliveries for that provider.
type Secrets struct {
	// GoogleChannelToken must match the X-Goog-Channel-Token header.
	GoogleChannelToken string
	// OutlookClientState must match the clientState echoed by Graph.
	OutlookClientState string
	// AppleSecret keys the HMAC signature on iCloud-bridge notifications.
	AppleSecret string
	// CalDAVSecret keys the HMAC signature on generic CalDAV notifications.
	CalDAVSecret string
}

// Ingestor validates, records, and debounces provider webhooks. Deliveries
// for the same calendar within the debounce window collapse into a single
// sync trigger.
type Ingestor struct {
	store    Store
	syncer   Syncer
	secrets  Secrets
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string][]string // debounce key -> recorded webhook IDs
	closed  bool
}

// NewIngestor builds an ingestor. The debounce window controls how long
// deliveries for one calendar are collected before a trigger fires.
func NewIngestor(store Store, syncer Syncer, secrets Secrets, debounce time.Duration, log *slog.Logger) *Ingestor {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Ingestor{
		store:    store,
		syncer:   syncer,
		secrets:  secrets,
		debounce: debounce,
		log:      log,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string][]string),
	}
}

// HandleDelivery is the HTTP handler for POST /sync/webhooks/{provider}.
// Invalid deliveries are recorded for audit but never trigger syncs.
func (in *Ingestor) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	p := model.Provider(mux.Vars(r)["provider"])
	switch p {
	case model.ProviderGoogle, model.ProviderOutlook, model.ProviderApple, model.ProviderCalDAV:
	default:
		http.Error(w, fmt.Sprintf("unknown provider %q", p), http.StatusNotFound)
		return
	}

	// Graph subscription handshake: echo the validation token verbatim.
	if p == model.ProviderOutlook {
		if token := r.URL.Query().Get("validationToken"); token != "" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, token)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	deliveries, err := in.parse(p, r, body)
	if err != nil {
		// Failed validation is recorded with the invalid flag so operators
		// can see probing attempts, then rejected.
		in.recordInvalid(r.Context(), p, deliveries)
		in.log.Warn("rejected webhook delivery",
			"provider", p, "remote", r.RemoteAddr, "error", err)
		http.Error(w, "validation failed", http.StatusUnauthorized)
		return
	}

	// Google's subscription handshake carries no change; ack and move on.
	if len(deliveries) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, d := range deliveries {
		inserted, err := in.store.RecordWebhook(r.Context(), d)
		if err != nil {
			in.log.Error("recording webhook", "provider", p, "error", err)
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		if !inserted {
			in.log.Debug("duplicate webhook delivery",
				"provider", p, "calendar", d.CalendarID, "event", d.EventID)
			continue
		}
		in.schedule(d)
	}

	// Ack before the sync runs; processing is asynchronous.
	w.WriteHeader(http.StatusAccepted)
}

// parse validates the delivery and extracts one or more webhook events.
// A nil error with no deliveries means a handshake that needs no action.
func (in *Ingestor) parse(p model.Provider, r *http.Request, body []byte) ([]*model.WebhookEvent, error) {
	switch p {
	case model.ProviderGoogle:
		return in.parseGoogle(r)
	case model.ProviderOutlook:
		return in.parseOutlook(body)
	default:
		return in.parseSigned(p, r, body)
	}
}

// parseGoogle handles Google Calendar push notifications. All payload data
// travels in headers; the channel ID is provisioned as the calendar ID when
// the watch is registered.
func (in *Ingestor) parseGoogle(r *http.Request) ([]*model.WebhookEvent, error) {
	token := r.Header.Get("X-Goog-Channel-Token")
	if in.secrets.GoogleChannelToken == "" ||
		!subtleEqual(token, in.secrets.GoogleChannelToken) {
		return nil, errors.New("channel token mismatch")
	}

	state := r.Header.Get("X-Goog-Resource-State")
	if state == "sync" {
		// Watch registration confirmation, not a change.
		return nil, nil
	}

	change := model.WebhookUpdated
	if state == "not_exists" {
		change = model.WebhookDeleted
	}
	return []*model.WebhookEvent{{
		ID:         uuid.NewString(),
		Provider:   model.ProviderGoogle,
		Change:     change,
		CalendarID: r.Header.Get("X-Goog-Channel-ID"),
		ReceivedAt: time.Now().UTC(),
	}}, nil
}

// graphNotification is one entry of a Microsoft Graph change notification
// batch.
type graphNotification struct {
	ClientState string `json:"clientState"`
	ChangeType  string `json:"changeType"`
	Resource    string `json:"resource"`
}

func (in *Ingestor) parseOutlook(body []byte) ([]*model.WebhookEvent, error) {
	var payload struct {
		Value []graphNotification `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding notification batch: %w", err)
	}
	if len(payload.Value) == 0 {
		return nil, errors.New("empty notification batch")
	}

	now := time.Now().UTC()
	out := make([]*model.WebhookEvent, 0, len(payload.Value))
	for _, n := range payload.Value {
		if in.secrets.OutlookClientState == "" ||
			!subtleEqual(n.ClientState, in.secrets.OutlookClientState) {
			return nil, errors.New("clientState mismatch")
		}
		calID, evID := parseGraphResource(n.Resource)
		change := model.WebhookChange(n.ChangeType)
		switch change {
		case model.WebhookCreated, model.WebhookUpdated, model.WebhookDeleted:
		default:
			change = model.WebhookUpdated
		}
		out = append(out, &model.WebhookEvent{
			ID:         uuid.NewString(),
			Provider:   model.ProviderOutlook,
			Change:     change,
			CalendarID: calID,
			EventID:    evID,
			ReceivedAt: now,
		})
	}
	return out, nil
}

// parseGraphResource extracts calendar and event IDs from a Graph resource
// path such as "me/calendars/{cal}/events/{ev}" or "me/events/{ev}".
func parseGraphResource(resource string) (calendarID, eventID string) {
	parts := strings.Split(strings.Trim(resource, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		switch strings.ToLower(parts[i]) {
		case "calendars":
			calendarID = parts[i+1]
		case "events":
			eventID = parts[i+1]
		}
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	return calendarID, eventID
}

// signedNotification is the generic JSON body used by Apple-bridge and
// CalDAV-side notifiers.
type signedNotification struct {
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
	Change     string `json:"change"`
}

// parseSigned handles HMAC-signed notifications for the CalDAV-family
// providers. The signature is the hex SHA-256 HMAC of the raw body.
func (in *Ingestor) parseSigned(p model.Provider, r *http.Request, body []byte) ([]*model.WebhookEvent, error) {
	secret := in.secrets.CalDAVSecret
	if p == model.ProviderApple {
		secret = in.secrets.AppleSecret
	}
	if secret == "" {
		return nil, fmt.Errorf("no webhook secret configured for %s", p)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := r.Header.Get("X-Webhook-Signature")
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(got))) {
		return nil, errors.New("signature mismatch")
	}

	var n signedNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decoding notification: %w", err)
	}
	if n.CalendarID == "" {
		return nil, errors.New("missing calendar_id")
	}

	change := model.WebhookChange(n.Change)
	switch change {
	case model.WebhookCreated, model.WebhookUpdated, model.WebhookDeleted:
	default:
		change = model.WebhookUpdated
	}
	return []*model.WebhookEvent{{
		ID:         uuid.NewString(),
		Provider:   p,
		Change:     change,
		CalendarID: n.CalendarID,
		EventID:    n.EventID,
		ReceivedAt: time.Now().UTC(),
	}}, nil
}

// recordInvalid persists what could be salvaged from a rejected delivery so
// the attempt is visible in the audit trail.
func (in *Ingestor) recordInvalid(ctx context.Context, p model.Provider, deliveries []*model.WebhookEvent) {
	if len(deliveries) == 0 {
		deliveries = []*model.WebhookEvent{{
			ID:         uuid.NewString(),
			Provider:   p,
			ReceivedAt: time.Now().UTC(),
		}}
	}
	for _, d := range deliveries {
		d.Invalid = true
		if _, err := in.store.RecordWebhook(ctx, d); err != nil {
			in.log.Error("recording invalid webhook", "provider", p, "error", err)
		}
	}
}

// schedule arms (or extends membership of) the debounce window for the
// delivery's calendar.
func (in *Ingestor) schedule(d *model.WebhookEvent) {
	key := string(d.Provider) + ":" + d.CalendarID

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.pending[key] = append(in.pending[key], d.ID)
	if _, armed := in.timers[key]; armed {
		return
	}
	in.timers[key] = time.AfterFunc(in.debounce, func() {
		in.fire(d.Provider, d.CalendarID)
	})
}

// fire runs after a debounce window closes: it resolves the configurations
// bound to the calendar and triggers one sync per configuration.
func (in *Ingestor) fire(p model.Provider, calendarID string) {
	key := string(p) + ":" + calendarID

	in.mu.Lock()
	ids := in.pending[key]
	delete(in.pending, key)
	delete(in.timers, key)
	in.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx := context.Background()
	configs, err := in.store.ConfigurationsByCalendar(ctx, p, calendarID)
	if err != nil {
		in.log.Error("resolving configurations for webhook",
			"provider", p, "calendar", calendarID, "error", err)
		in.retry(ids, p, calendarID)
		return
	}
	if len(configs) == 0 {
		// No enabled configuration watches this calendar; nothing to sync.
		in.log.Debug("webhook for unconfigured calendar",
			"provider", p, "calendar", calendarID)
		in.markProcessed(ctx, ids)
		return
	}

	ok := true
	for _, cfg := range configs {
		if _, err := in.syncer.Sync(ctx, cfg.ID); err != nil {
			if errors.Is(err, engine.ErrCycleInFlight) {
				// A cycle is already running and a rerun is queued; the
				// change will be picked up.
				continue
			}
			in.log.Warn("webhook-triggered sync failed",
				"provider", p, "calendar", calendarID, "config", cfg.ID, "error", err)
			ok = false
		}
	}
	if ok {
		in.markProcessed(ctx, ids)
		return
	}
	in.retry(ids, p, calendarID)
}

// retry re-arms the debounce key with backoff, giving up after a bounded
// number of attempts. The scheduler's regular cadence is the safety net for
// abandoned deliveries.
func (in *Ingestor) retry(ids []string, p model.Provider, calendarID string) {
	ctx := context.Background()
	attempts := 0
	for _, id := range ids {
		n, err := in.store.BumpWebhookAttempts(ctx, id)
		if err != nil {
			in.log.Error("bumping webhook attempts", "webhook", id, "error", err)
			continue
		}
		if n > attempts {
			attempts = n
		}
	}
	if attempts >= maxTriggerAttempts {
		in.log.Warn("abandoning webhook trigger after repeated failures",
			"provider", p, "calendar", calendarID, "attempts", attempts)
		in.markProcessed(ctx, ids)
		return
	}

	key := string(p) + ":" + calendarID
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.pending[key] = append(in.pending[key], ids...)
	if _, armed := in.timers[key]; armed {
		return
	}
	in.timers[key] = time.AfterFunc(provider.BackoffDelay(attempts), func() {
		in.fire(p, calendarID)
	})
}

func (in *Ingestor) markProcessed(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := in.store.MarkWebhookProcessed(ctx, id); err != nil {
			in.log.Error("marking webhook processed", "webhook", id, "error", err)
		}
	}
}

// Run replays unprocessed deliveries until the context is cancelled. It
// picks up webhooks that arrived before a restart and any the retry path
// left behind.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	in.replay(ctx)
	for {
		select {
		case <-ctx.Done():
			in.shutdown()
			return ctx.Err()
		case <-ticker.C:
			in.replay(ctx)
		}
	}
}

// replay schedules debounced triggers for stored-but-unprocessed webhooks.
func (in *Ingestor) replay(ctx context.Context) {
	hooks, err := in.store.UnprocessedWebhooks(ctx, 100)
	if err != nil {
		in.log.Error("loading unprocessed webhooks", "error", err)
		return
	}
	for _, h := range hooks {
		if h.Attempts >= maxTriggerAttempts {
			// Abandoned by the retry path; close it out so it stops
			// reappearing.
			in.markProcessed(ctx, []string{h.ID})
			continue
		}
		in.alreadyPendingOrSchedule(h)
	}
}

// alreadyPendingOrSchedule schedules the webhook unless it is already part
// of an armed debounce window.
func (in *Ingestor) alreadyPendingOrSchedule(h *model.WebhookEvent) {
	key := string(h.Provider) + ":" + h.CalendarID
	in.mu.Lock()
	for _, id := range in.pending[key] {
		if id == h.ID {
			in.mu.Unlock()
			return
		}
	}
	in.mu.Unlock()
	in.schedule(h)
}

// shutdown stops all armed timers. Pending deliveries stay unprocessed in
// the store and are replayed on the next start.
func (in *Ingestor) shutdown() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	for key, t := range in.timers {
		t.Stop()
		delete(in.timers, key)
	}
	in.pending = make(map[string][]string)
}

// subtleEqual compares two secrets in constant time.
func subtleEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
