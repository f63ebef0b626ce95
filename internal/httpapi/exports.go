package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chairbook/calsync/internal/export"
	"github.com/chairbook/calsync/internal/model"
)

type exportRequest struct {
	From     time.Time `json:"from" validate:"required"`
	To       time.Time `json:"to" validate:"required"`
	Format   string    `json:"format" validate:"required,oneof=ical csv json"`
	Privacy  string    `json:"privacy_level" validate:"required,oneof=full business minimal anonymous"`
	Statuses []string  `json:"statuses" validate:"omitempty,dive,oneof=confirmed tentative cancelled"`
}

func (req *exportRequest) options(user string) model.ExportOptions {
	opts := model.ExportOptions{
		UserID:  user,
		From:    req.From,
		To:      req.To,
		Format:  model.ExportFormat(req.Format),
		Privacy: model.PrivacyLevel(req.Privacy),
	}
	for _, st := range req.Statuses {
		opts.Statuses = append(opts.Statuses, model.EventStatus(st))
	}
	return opts
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.exporter.Export(r.Context(), req.options(userID(r)))
	if err != nil {
		s.log.Error("export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
	respond(w, http.StatusCreated, res)
}

type bulkExportRequest struct {
	From     time.Time `json:"from" validate:"required"`
	To       time.Time `json:"to" validate:"required"`
	Formats  []string  `json:"formats" validate:"required,min=1,dive,oneof=ical csv json"`
	Privacy  string    `json:"privacy_level" validate:"required,oneof=full business minimal anonymous"`
	Statuses []string  `json:"statuses" validate:"omitempty,dive,oneof=confirmed tentative cancelled"`
}

func (s *Server) handleBulkExport(w http.ResponseWriter, r *http.Request) {
	var req bulkExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	single := exportRequest{From: req.From, To: req.To, Privacy: req.Privacy, Statuses: req.Statuses}
	formats := make([]model.ExportFormat, len(req.Formats))
	for i, f := range req.Formats {
		formats[i] = model.ExportFormat(f)
	}

	results, err := s.exporter.Bulk(r.Context(), single.options(userID(r)), formats)
	if err != nil {
		s.log.Error("bulk export failed", "error", err)
		respondError(w, http.StatusInternalServerError, "bulk export failed")
		return
	}
	respond(w, http.StatusCreated, results)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["exportId"]
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing download token")
		return
	}

	data, contentType, filename, err := s.exporter.Download(id, token)
	switch {
	case errors.Is(err, export.ErrExpired):
		respondError(w, http.StatusGone, "download link expired")
		return
	case errors.Is(err, export.ErrNotFound):
		respondError(w, http.StatusNotFound, "export not found")
		return
	case err != nil:
		s.log.Error("serving download", "export", id, "error", err)
		respondError(w, http.StatusInternalServerError, "download failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(data)
}

type subscribeRequest struct {
	Format     string `json:"format" validate:"required,oneof=ical csv json"`
	Privacy    string `json:"privacy_level" validate:"required,oneof=full business minimal anonymous"`
	WindowDays int    `json:"window_days" validate:"omitempty,min=1,max=365"`
	TTLDays    int    `json:"ttl_days" validate:"omitempty,min=1,max=730"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.exporter.Subscribe(r.Context(), userID(r),
		model.ExportFormat(req.Format), model.PrivacyLevel(req.Privacy),
		time.Duration(req.WindowDays)*24*time.Hour,
		time.Duration(req.TTLDays)*24*time.Hour)
	if err != nil {
		s.log.Error("creating subscription", "error", err)
		respondError(w, http.StatusInternalServerError, "creating subscription failed")
		return
	}

	payload := map[string]any{
		"id":       sub.ID,
		"feed_url": "/subscriptions/" + sub.Token,
		"format":   string(sub.Format),
		"privacy":  string(sub.Privacy),
	}
	if !sub.ExpiresAt.IsZero() {
		payload["expires_at"] = sub.ExpiresAt
	}
	respond(w, http.StatusCreated, payload)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	data, contentType, err := s.exporter.Feed(r.Context(), token, time.Now().UTC())
	switch {
	case errors.Is(err, export.ErrExpired):
		respondError(w, http.StatusGone, "subscription expired")
		return
	case errors.Is(err, export.ErrNotFound):
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	case err != nil:
		s.log.Error("serving feed", "error", err)
		respondError(w, http.StatusInternalServerError, "feed failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
