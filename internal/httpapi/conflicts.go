package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chairbook/calsync/internal/model"
	"github.com/chairbook/calsync/internal/provider"
)

// conflictResponse is the wire shape of one conflict.
type conflictResponse struct {
	ID                 string         `json:"id"`
	ConfigID           string         `json:"config_id"`
	Type               string         `json:"type"`
	LocalEvent         *eventResponse `json:"local_event,omitempty"`
	RemoteEvent        *eventResponse `json:"remote_event,omitempty"`
	DetectedAt         time.Time      `json:"detected_at"`
	ResolutionRequired bool           `json:"resolution_required"`
}

type eventResponse struct {
	ID         string    `json:"id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Location   string    `json:"location,omitempty"`
	Status     string    `json:"status"`
	ModifiedAt time.Time `json:"modified_at"`
}

func toEventResponse(ev *model.SyncEvent) *eventResponse {
	if ev == nil {
		return nil
	}
	return &eventResponse{
		ID:         ev.ID,
		ExternalID: ev.ExternalID,
		Title:      ev.Title,
		StartTime:  ev.StartTime,
		EndTime:    ev.EndTime,
		Location:   ev.Location,
		Status:     string(ev.Status),
		ModifiedAt: ev.ModifiedAt,
	}
}

func toConflictResponse(c *model.ConflictDetails) *conflictResponse {
	return &conflictResponse{
		ID:                 c.ID,
		ConfigID:           c.ConfigID,
		Type:               string(c.Type),
		LocalEvent:         toEventResponse(c.LocalEvent),
		RemoteEvent:        toEventResponse(c.RemoteEvent),
		DetectedAt:         c.DetectedAt,
		ResolutionRequired: c.ResolutionRequired,
	}
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.store.OpenConflicts(r.Context(), userID(r))
	if err != nil {
		s.log.Error("listing conflicts", "error", err)
		respondError(w, http.StatusInternalServerError, "listing conflicts failed")
		return
	}
	out := make([]*conflictResponse, len(conflicts))
	for i, c := range conflicts {
		out[i] = toConflictResponse(c)
	}
	respond(w, http.StatusOK, out)
}

type resolveRequest struct {
	Strategy string `json:"strategy" validate:"required,oneof=local_wins remote_wins newest_wins merge"`
}

// ownedConflict loads the conflict and checks ownership. Writes the error
// response itself when it returns nil.
func (s *Server) ownedConflict(w http.ResponseWriter, r *http.Request, id string) *model.ConflictDetails {
	c, err := s.store.GetConflict(r.Context(), id)
	if err != nil {
		s.log.Error("loading conflict", "error", err)
		respondError(w, http.StatusInternalServerError, "loading conflict failed")
		return nil
	}
	if c == nil || c.UserID != userID(r) {
		respondError(w, http.StatusNotFound, "conflict not found")
		return nil
	}
	return c
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := s.ownedConflict(w, r, mux.Vars(r)["id"])
	if c == nil {
		return
	}

	if err := s.syncer.ResolveConflict(r.Context(), c.ID, model.ResolutionStrategy(req.Strategy)); err != nil {
		if provider.IsValidation(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("resolving conflict", "conflict", c.ID, "error", err)
		respondError(w, http.StatusBadGateway, "resolving conflict failed: "+err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": c.ID, "status": "resolved"})
}

type bulkResolveRequest struct {
	ConflictIDs []string `json:"conflict_ids" validate:"required,min=1,max=100"`
	Strategy    string   `json:"strategy" validate:"required,oneof=local_wins remote_wins newest_wins merge"`
}

// bulkResolveResponse reports the per-conflict outcome; partial success is
// expected and not an error.
type bulkResolveResponse struct {
	Resolved []string          `json:"resolved"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func (s *Server) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	var req bulkResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	strategy := model.ResolutionStrategy(req.Strategy)
	out := bulkResolveResponse{Resolved: []string{}}
	for _, id := range req.ConflictIDs {
		c, err := s.store.GetConflict(r.Context(), id)
		if err != nil {
			s.log.Error("loading conflict", "conflict", id, "error", err)
			addFailure(&out, id, "loading conflict failed")
			continue
		}
		if c == nil || c.UserID != userID(r) {
			addFailure(&out, id, "conflict not found")
			continue
		}
		if err := s.syncer.ResolveConflict(r.Context(), id, strategy); err != nil {
			addFailure(&out, id, err.Error())
			continue
		}
		out.Resolved = append(out.Resolved, id)
	}
	respond(w, http.StatusOK, out)
}

func addFailure(out *bulkResolveResponse, id, msg string) {
	if out.Failed == nil {
		out.Failed = make(map[string]string)
	}
	out.Failed[id] = msg
}
