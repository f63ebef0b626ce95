package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/chairbook/calsync/internal/engine"
	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// configurationRequest is the user-editable shape of a configuration.
type configurationRequest struct {
	Provider           string            `json:"provider" validate:"required,oneof=google outlook apple caldav"`
	ExternalCalendarID string            `json:"external_calendar_id" validate:"required"`
	Direction          string            `json:"sync_direction" validate:"required,oneof=export_only import_only bidirectional"`
	Resolution         string            `json:"conflict_resolution" validate:"required,oneof=local_wins remote_wins newest_wins merge prompt"`
	SyncFrequencyMin   int               `json:"sync_frequency" validate:"required,min=5,max=1440"`
	Privacy            string            `json:"privacy_level" validate:"required,oneof=full business minimal anonymous"`
	WebhookURL         string            `json:"webhook_url" validate:"omitempty,url"`
	Merge              map[string]string `json:"merge_policy" validate:"omitempty,dive,oneof=local remote"`
}

// configurationResponse is the wire shape of a configuration.
type configurationResponse struct {
	ID                 string            `json:"id"`
	Provider           string            `json:"provider"`
	ExternalCalendarID string            `json:"external_calendar_id"`
	Direction          string            `json:"sync_direction"`
	Resolution         string            `json:"conflict_resolution"`
	SyncFrequencyMin   int               `json:"sync_frequency"`
	Privacy            string            `json:"privacy_level"`
	Enabled            bool              `json:"enabled"`
	WebhookURL         string            `json:"webhook_url,omitempty"`
	Merge              map[string]string `json:"merge_policy,omitempty"`
	LastSync           *time.Time        `json:"last_sync,omitempty"`
	NextSync           *time.Time        `json:"next_sync,omitempty"`
	SyncErrors         int               `json:"sync_errors"`
	LastError          string            `json:"last_error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

func toConfigurationResponse(cfg *model.SyncConfiguration) *configurationResponse {
	out := &configurationResponse{
		ID:                 cfg.ID,
		Provider:           string(cfg.Provider),
		ExternalCalendarID: cfg.ExternalCalendarID,
		Direction:          string(cfg.Direction),
		Resolution:         string(cfg.Resolution),
		SyncFrequencyMin:   int(cfg.SyncFrequency / time.Minute),
		Privacy:            string(cfg.Privacy),
		Enabled:            cfg.Enabled,
		WebhookURL:         cfg.WebhookURL,
		SyncErrors:         cfg.SyncErrors,
		LastError:          cfg.LastError,
		CreatedAt:          cfg.CreatedAt,
	}
	if len(cfg.Merge) > 0 {
		out.Merge = make(map[string]string, len(cfg.Merge))
		for field, side := range cfg.Merge {
			out.Merge[field] = string(side)
		}
	}
	if !cfg.LastSync.IsZero() {
		t := cfg.LastSync
		out.LastSync = &t
	}
	if !cfg.NextSync.IsZero() {
		t := cfg.NextSync
		out.NextSync = &t
	}
	return out
}

func (req *configurationRequest) apply(cfg *model.SyncConfiguration) {
	cfg.Provider = model.Provider(req.Provider)
	cfg.ExternalCalendarID = req.ExternalCalendarID
	cfg.Direction = model.SyncDirection(req.Direction)
	cfg.Resolution = model.ResolutionStrategy(req.Resolution)
	cfg.SyncFrequency = time.Duration(req.SyncFrequencyMin) * time.Minute
	cfg.Privacy = model.PrivacyLevel(req.Privacy)
	cfg.WebhookURL = req.WebhookURL
	cfg.Merge = nil
	if len(req.Merge) > 0 {
		cfg.Merge = make(model.MergePolicy, len(req.Merge))
		for field, side := range req.Merge {
			cfg.Merge[field] = model.MergeAuthority(side)
		}
	}
}

func (s *Server) decodeConfiguration(w http.ResponseWriter, r *http.Request) *configurationRequest {
	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return nil
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return &req
}

func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	req := s.decodeConfiguration(w, r)
	if req == nil {
		return
	}

	now := time.Now().UTC()
	cfg := &model.SyncConfiguration{
		ID:        uuid.NewString(),
		UserID:    userID(r),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(cfg)

	if err := s.store.CreateConfiguration(r.Context(), cfg); err != nil {
		s.log.Error("creating configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "creating configuration failed")
		return
	}
	respond(w, http.StatusCreated, toConfigurationResponse(cfg))
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigurations(r.Context(), userID(r))
	if err != nil {
		s.log.Error("listing configurations", "error", err)
		respondError(w, http.StatusInternalServerError, "listing configurations failed")
		return
	}
	out := make([]*configurationResponse, len(configs))
	for i, cfg := range configs {
		out[i] = toConfigurationResponse(cfg)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	respond(w, http.StatusOK, toConfigurationResponse(cfg))
}

func (s *Server) handleUpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	req := s.decodeConfiguration(w, r)
	if req == nil {
		return
	}

	req.apply(cfg)
	if err := s.store.UpdateConfiguration(r.Context(), cfg); err != nil {
		s.log.Error("updating configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "updating configuration failed")
		return
	}
	respond(w, http.StatusOK, toConfigurationResponse(cfg))
}

// handleDeleteConfiguration soft-disables: history and conflicts stay
// queryable.
func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	if err := s.syncer.Pause(r.Context(), cfg.ID); err != nil {
		s.log.Error("disabling configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "disabling configuration failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": cfg.ID, "status": "disabled"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}

	result, err := s.syncer.Sync(r.Context(), cfg.ID)
	if err != nil {
		if errors.Is(err, engine.ErrCycleInFlight) {
			respondError(w, http.StatusConflict, "a sync cycle is already running for this configuration")
			return
		}
		if provider.IsAuth(err) {
			respondError(w, http.StatusBadGateway, "provider authentication failed; configuration paused")
			return
		}
		s.log.Error("manual sync failed", "config", cfg.ID, "error", err)
		respondError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}
	if result == nil {
		respondError(w, http.StatusConflict, "configuration is disabled")
		return
	}
	respond(w, http.StatusOK, toResultResponse(result))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	if err := s.syncer.Pause(r.Context(), cfg.ID); err != nil {
		s.log.Error("pausing configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "pausing failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": cfg.ID, "status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	if err := s.syncer.Resume(r.Context(), cfg.ID); err != nil {
		s.log.Error("resuming configuration", "error", err)
		respondError(w, http.StatusInternalServerError, "resuming failed")
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": cfg.ID, "status": "resumed"})
}

// resultResponse is the wire shape of one sync history entry.
type resultResponse struct {
	ID                string    `json:"id"`
	ConfigID          string    `json:"config_id"`
	StartedAt         time.Time `json:"started_at"`
	DurationMs        int64     `json:"duration_ms"`
	Processed         int       `json:"events_processed"`
	Created           int       `json:"events_created"`
	Updated           int       `json:"events_updated"`
	Deleted           int       `json:"events_deleted"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	Errors            []string  `json:"errors,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	Success           bool      `json:"success"`
}

func toResultResponse(r *model.SyncResult) *resultResponse {
	return &resultResponse{
		ID:                r.ID,
		ConfigID:          r.ConfigID,
		StartedAt:         r.StartedAt,
		DurationMs:        r.Duration.Milliseconds(),
		Processed:         r.Processed,
		Created:           r.Created,
		Updated:           r.Updated,
		Deleted:           r.Deleted,
		ConflictsDetected: r.ConflictsDetected,
		ConflictsResolved: r.ConflictsResolved,
		Errors:            r.Errors,
		Warnings:          r.Warnings,
		Success:           r.Success,
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	results, err := s.store.ListResults(r.Context(), cfg.ID, limit)
	if err != nil {
		s.log.Error("listing sync history", "error", err)
		respondError(w, http.StatusInternalServerError, "listing history failed")
		return
	}
	out := make([]*resultResponse, len(results))
	for i, res := range results {
		out[i] = toResultResponse(res)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleConfigHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.ownedConfiguration(w, r)
	if cfg == nil {
		return
	}
	results, err := s.store.ListResults(r.Context(), cfg.ID, 50)
	if err != nil {
		s.log.Error("listing sync history", "error", err)
		respondError(w, http.StatusInternalServerError, "listing history failed")
		return
	}
	respond(w, http.StatusOK, s.health(cfg, results, time.Now().UTC()))
}
