// Package httpapi exposes the sync engine over HTTP: configuration CRUD,
// manual triggers, conflict listing and resolution, exports, the webhook
// endpoint, and the WebSocket monitor channel.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/chairbook/calsync/internal/model"
)

// userHeader identifies the acting user. Authentication happens upstream;
// the gateway injects this header after verifying the session.
const userHeader = "X-User-ID"

// SyncService is the engine surface the API drives.
type SyncService interface {
	Sync(ctx context.Context, configID string) (*model.SyncResult, error)
	Pause(ctx context.Context, configID string) error
	Resume(ctx context.Context, configID string) error
	ResolveConflict(ctx context.Context, conflictID string, strategy model.ResolutionStrategy) error
}

// Store is the persistence surface the API reads and writes.
type Store interface {
	CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error)
	ListConfigurations(ctx context.Context, userID string) ([]*model.SyncConfiguration, error)
	UpdateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	SetConfigurationEnabled(ctx context.Context, id string, enabled bool) error
	ListResults(ctx context.Context, configID string, limit int) ([]*model.SyncResult, error)
	OpenConflicts(ctx context.Context, userID string) ([]*model.ConflictDetails, error)
	GetConflict(ctx context.Context, id string) (*model.ConflictDetails, error)
}

// Exporter is the export service surface.
type Exporter interface {
	Export(ctx context.Context, opts model.ExportOptions) (*model.ExportResult, error)
	Bulk(ctx context.Context, opts model.ExportOptions, formats []model.ExportFormat) ([]*model.ExportResult, error)
	Download(id, token string) (data []byte, contentType, filename string, err error)
	Subscribe(ctx context.Context, userID string, format model.ExportFormat, privacy model.PrivacyLevel, window, lifetime time.Duration) (*model.Subscription, error)
	Feed(ctx context.Context, token string, now time.Time) (data []byte, contentType string, err error)
}

// Monitor serves the per-user WebSocket channel and builds health reports.
type Monitor interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// HealthFunc scores a configuration from its recent history.
type HealthFunc func(cfg *model.SyncConfiguration, results []*model.SyncResult, now time.Time) any

// Server wires handlers to their collaborators.
type Server struct {
	store    Store
	syncer   SyncService
	exporter Exporter
	monitor  Monitor
	health   HealthFunc
	webhook  http.HandlerFunc
	validate *validator.Validate
	log      *slog.Logger
}

// NewServer builds the API server. webhook is the ingestor's delivery
// handler; health computes per-configuration health reports.
func NewServer(store Store, syncer SyncService, exporter Exporter, monitor Monitor, health HealthFunc, webhook http.HandlerFunc, log *slog.Logger) *Server {
	return &Server{
		store:    store,
		syncer:   syncer,
		exporter: exporter,
		monitor:  monitor,
		health:   health,
		webhook:  webhook,
		validate: validator.New(),
		log:      log,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Webhook deliveries and feed fetches authenticate themselves (channel
	// tokens, signatures, feed tokens); everything else needs a user.
	r.HandleFunc("/sync/webhooks/{provider}", s.webhook).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions/{token}", s.handleFeed).Methods(http.MethodGet)
	r.HandleFunc("/download/{exportId}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)

	u := r.NewRoute().Subrouter()
	u.Use(s.requireUser)
	u.HandleFunc("/sync/configurations", s.handleListConfigurations).Methods(http.MethodGet)
	u.HandleFunc("/sync/configurations", s.handleCreateConfiguration).Methods(http.MethodPost)
	u.HandleFunc("/sync/configurations/{id}", s.handleGetConfiguration).Methods(http.MethodGet)
	u.HandleFunc("/sync/configurations/{id}", s.handleUpdateConfiguration).Methods(http.MethodPut)
	u.HandleFunc("/sync/configurations/{id}", s.handleDeleteConfiguration).Methods(http.MethodDelete)
	u.HandleFunc("/sync/{id}/trigger", s.handleTrigger).Methods(http.MethodPost)
	u.HandleFunc("/sync/{id}/pause", s.handlePause).Methods(http.MethodPost)
	u.HandleFunc("/sync/{id}/resume", s.handleResume).Methods(http.MethodPost)
	u.HandleFunc("/sync/{id}/history", s.handleHistory).Methods(http.MethodGet)
	u.HandleFunc("/sync/{id}/health", s.handleConfigHealth).Methods(http.MethodGet)
	u.HandleFunc("/sync/conflicts", s.handleListConflicts).Methods(http.MethodGet)
	u.HandleFunc("/sync/conflicts/bulk-resolve", s.handleBulkResolve).Methods(http.MethodPost)
	u.HandleFunc("/sync/conflicts/{id}/resolve", s.handleResolveConflict).Methods(http.MethodPost)
	u.HandleFunc("/sync/monitor", s.handleMonitor).Methods(http.MethodGet)
	u.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	u.HandleFunc("/bulk-export", s.handleBulkExport).Methods(http.MethodPost)
	u.HandleFunc("/subscription", s.handleSubscribe).Methods(http.MethodPost)

	return r
}

type contextKey string

const userKey contextKey = "user"

// requireUser rejects requests without an identified user and stashes the
// ID in the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

// ownedConfiguration loads the configuration and checks it belongs to the
// requesting user. Writes the error response itself when it returns nil.
func (s *Server) ownedConfiguration(w http.ResponseWriter, r *http.Request) *model.SyncConfiguration {
	cfg, err := s.store.GetConfiguration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.log.Error("loading configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "loading configuration failed")
		return nil
	}
	if cfg == nil || cfg.UserID != userID(r) {
		respondError(w, http.StatusNotFound, "configuration not found")
		return nil
	}
	return cfg
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	s.monitor.Serve(w, r, userID(r))
}
