// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/repgrid/go-repsync/internal/auth"
	"github.com/repgrid/go-repsync/repsync"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations should validate auth (e.g. JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the push sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes mounts the sync endpoints on the mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/upsert", h.HandleUpsert)
	mux.HandleFunc("POST /sync/delete", h.HandleDelete)
	mux.HandleFunc("POST /sync/session/save", h.HandleSessionSave)
}

// HandleUpsert applies one table's batch of row upserts.
func (h *HTTPSyncHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req repsync.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upsert request")
		return
	}

	if err := h.service.ApplyUpserts(ctx, userID, req.Table, req.Rows); err != nil {
		h.writeServiceError(w, "upsert_failed", err)
		return
	}
	writeOK(w)
}

// HandleDelete replays tombstoned deletes.
func (h *HTTPSyncHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req repsync.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse delete request")
		return
	}

	if err := h.service.ApplyDeletes(ctx, userID, req.Deletes); err != nil {
		h.writeServiceError(w, "delete_failed", err)
		return
	}
	writeOK(w)
}

// HandleSessionSave applies a completed session's diff.
func (h *HTTPSyncHandlers) HandleSessionSave(w http.ResponseWriter, r *http.Request) {
	ctx, userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req repsync.SessionSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse session save request")
		return
	}

	if err := h.service.ApplySessionSave(ctx, userID, &req); err != nil {
		h.writeServiceError(w, "session_save_failed", err)
		return
	}
	writeOK(w)
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (ctx context.Context, userID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return nil, "", false
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return nil, "", false
	}
	return auth.WithIdentity(r.Context(), userID, deviceID), userID, true
}

func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, code string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repsync.ErrConstraint):
		status = http.StatusBadRequest
	case errors.Is(err, repsync.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repsync.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, repsync.ErrUnauthorized):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("sync request failed", "code", code, "error", err)
	}
	h.writeError(w, status, code, err.Error())
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(repsync.ErrorResponse{Error: code, Message: message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
