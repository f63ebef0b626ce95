// Package export serializes privacy-filtered calendar views: one-shot
// artifacts with signed download URLs, bulk multi-format exports, and
// standing subscription feeds re-evaluated on each fetch.
package export

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chairbook/calsync/internal/model"
)

// ErrNotFound is returned when a download ID or subscription token does not
// resolve to anything servable.
var ErrNotFound = errors.New("export: not found")

// ErrExpired is returned for lapsed artifacts and subscriptions.
var ErrExpired = errors.New("export: expired")

// Store is the persistence surface the service needs.
type Store interface {
	ListLocalEventsInRange(ctx context.Context, userID string, from, to time.Time) ([]*model.SyncEvent, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	SubscriptionByToken(ctx context.Context, token string) (*model.Subscription, error)
}

// artifact is one cached export payload. Artifacts are derived state; when
// the cache entry lapses the export is simply regenerable.
type artifact struct {
	data        []byte
	contentType string
	filename    string
	expiresAt   time.Time
}

// Service produces export artifacts and subscription feeds.
type Service struct {
	store      Store
	signingKey []byte
	ttl        time.Duration
	log        *slog.Logger

	mu    sync.Mutex
	cache map[string]*artifact
}

// NewService builds the export service. The signing key signs download URL
// tokens; ttl is how long generated artifacts stay downloadable.
func NewService(store Store, signingKey string, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:      store,
		signingKey: []byte(signingKey),
		ttl:        ttl,
		log:        log,
		cache:      make(map[string]*artifact),
	}
}

// Export generates one artifact for the given options and caches it for
// download under a signed URL.
func (s *Service) Export(ctx context.Context, opts model.ExportOptions) (*model.ExportResult, error) {
	if !opts.Format.Valid() {
		return nil, fmt.Errorf("invalid export format %q", opts.Format)
	}
	if !opts.Privacy.Valid() {
		return nil, fmt.Errorf("invalid privacy level %q", opts.Privacy)
	}
	if !opts.To.After(opts.From) {
		return nil, fmt.Errorf("export range end %s is not after start %s", opts.To, opts.From)
	}

	events, err := s.store.ListLocalEventsInRange(ctx, opts.UserID, opts.From, opts.To)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	filtered := filterStatuses(events, opts.Statuses)
	redacted := make([]*model.SyncEvent, len(filtered))
	for i, ev := range filtered {
		redacted[i] = Redact(ev, opts.Privacy)
	}

	data, err := serialize(redacted, opts.Format)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res := &model.ExportResult{
		ID:          uuid.NewString(),
		Filename:    fmt.Sprintf("calendar-%s.%s", now.Format("20060102-150405"), opts.Format.Extension()),
		ContentType: opts.Format.ContentType(),
		Size:        len(data),
		EventCount:  len(redacted),
		GeneratedAt: now,
		ExpiresAt:   now.Add(s.ttl),
	}

	token, err := s.signDownload(res.ID, res.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("signing download token: %w", err)
	}
	res.DownloadURL = fmt.Sprintf("/download/%s?token=%s", res.ID, token)

	s.mu.Lock()
	s.cache[res.ID] = &artifact{
		data:        data,
		contentType: res.ContentType,
		filename:    res.Filename,
		expiresAt:   res.ExpiresAt,
	}
	s.purgeLocked(now)
	s.mu.Unlock()

	s.log.Info("export generated",
		"user", opts.UserID, "format", opts.Format, "privacy", opts.Privacy,
		"events", res.EventCount, "bytes", res.Size)
	return res, nil
}

// Bulk generates one artifact per requested format over the same options.
// A failing format fails the whole request; nothing is partially returned.
func (s *Service) Bulk(ctx context.Context, opts model.ExportOptions, formats []model.ExportFormat) ([]*model.ExportResult, error) {
	if len(formats) == 0 {
		return nil, errors.New("bulk export needs at least one format")
	}
	out := make([]*model.ExportResult, 0, len(formats))
	for _, f := range formats {
		opts.Format = f
		res, err := s.Export(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("format %s: %w", f, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// Download returns the cached artifact after verifying the signed token.
func (s *Service) Download(id, token string) (data []byte, contentType, filename string, err error) {
	if err := s.verifyDownload(id, token); err != nil {
		return nil, "", "", err
	}

	s.mu.Lock()
	a, ok := s.cache[id]
	s.mu.Unlock()
	if !ok {
		return nil, "", "", ErrNotFound
	}
	if time.Now().After(a.expiresAt) {
		return nil, "", "", ErrExpired
	}
	return a.data, a.contentType, a.filename, nil
}

// Subscribe creates a standing feed definition. The returned subscription
// carries the unguessable token embedded in the feed URL.
func (s *Service) Subscribe(ctx context.Context, userID string, format model.ExportFormat, privacy model.PrivacyLevel, window, lifetime time.Duration) (*model.Subscription, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid export format %q", format)
	}
	if !privacy.Valid() {
		return nil, fmt.Errorf("invalid privacy level %q", privacy)
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	token, err := newFeedToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sub := &model.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		Format:    format,
		Privacy:   privacy,
		Window:    window,
		CreatedAt: now,
	}
	if lifetime > 0 {
		sub.ExpiresAt = now.Add(lifetime)
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("storing subscription: %w", err)
	}
	return sub, nil
}

// Feed serves a subscription fetch: the feed is re-evaluated live over the
// window [now, now+Window], never served from a snapshot.
func (s *Service) Feed(ctx context.Context, token string, now time.Time) (data []byte, contentType string, err error) {
	sub, err := s.store.SubscriptionByToken(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("resolving subscription: %w", err)
	}
	if sub == nil {
		return nil, "", ErrNotFound
	}
	if sub.Expired(now) {
		return nil, "", ErrExpired
	}

	events, err := s.store.ListLocalEventsInRange(ctx, sub.UserID, now, now.Add(sub.Window))
	if err != nil {
		return nil, "", fmt.Errorf("loading events: %w", err)
	}
	filtered := filterStatuses(events, nil)
	redacted := make([]*model.SyncEvent, len(filtered))
	for i, ev := range filtered {
		redacted[i] = Redact(ev, sub.Privacy)
	}
	data, err = serialize(redacted, sub.Format)
	if err != nil {
		return nil, "", err
	}
	return data, sub.Format.ContentType(), nil
}

// filterStatuses keeps events in the allowed statuses. An empty allowlist
// means everything except cancelled.
func filterStatuses(events []*model.SyncEvent, statuses []model.EventStatus) []*model.SyncEvent {
	allowed := make(map[model.EventStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []*model.SyncEvent
	for _, ev := range events {
		if len(allowed) == 0 {
			if ev.Status == model.StatusCancelled {
				continue
			}
		} else if !allowed[ev.Status] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (s *Service) signDownload(id string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   id,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *Service) verifyDownload(id, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return fmt.Errorf("%w: %s", ErrNotFound, "invalid download token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != id {
		return ErrNotFound
	}
	return nil
}

// purgeLocked drops lapsed artifacts. Caller holds s.mu.
func (s *Service) purgeLocked(now time.Time) {
	for id, a := range s.cache {
		if now.After(a.expiresAt) {
			delete(s.cache, id)
		}
	}
}

// newFeedToken returns a 256-bit random hex token.
func newFeedToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating feed token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
