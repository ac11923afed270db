// Copyright 2025 the hifive-sync-server authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hifive/hifive-sync-server-sub000/internal/auth"
)

// ClientAuthenticator extracts the client storage identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and return the
// storage id the watermark state is keyed by.
type ClientAuthenticator interface {
	GetStorageID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API.
type HTTPSyncHandlers struct {
	synchronizer  *Synchronizer
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(synchronizer *Synchronizer, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		synchronizer:  synchronizer,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleUpload processes batch upload requests.
func (h *HTTPSyncHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	storageID, err := h.authenticator.GetStorageID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}
	// Authenticated identity wins over whatever the body claims.
	req.StorageID = storageID

	ctx := auth.SetStorageID(r.Context(), storageID)
	resp, err := h.synchronizer.Upload(ctx, &req)
	if err != nil {
		h.writeUploadError(w, storageID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode upload response", "error", err, "storage_id", storageID)
	}
}

// HandleDownload processes download requests.
func (h *HTTPSyncHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	storageID, err := h.authenticator.GetStorageID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse download request")
		return
	}
	req.StorageID = storageID

	ctx := auth.SetStorageID(r.Context(), storageID)
	resp, err := h.synchronizer.Download(ctx, &req)
	if err != nil {
		h.writeDownloadError(w, storageID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode download response", "error", err, "storage_id", storageID)
	}
}

// HandleStatus reports service health and registered resources.
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	resp := StatusResponse{
		Status:    "healthy",
		AppName:   h.synchronizer.config.AppName,
		Resources: h.synchronizer.ResourceNames(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeUploadError maps upload failures to wire-level responses. Blocking
// conflicts arrive as *SyncConflictError and keep their structured body.
func (h *HTTPSyncHandlers) writeUploadError(w http.ResponseWriter, storageID string, err error) {
	var conflictErr *SyncConflictError
	if errors.As(err, &conflictErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		if encErr := json.NewEncoder(w).Encode(conflictErr.Response); encErr != nil {
			h.logger.Error("Failed to encode conflict response", "error", encErr, "storage_id", storageID)
		}
		return
	}

	switch {
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, ReasonBadPayload, err.Error())
	case errors.Is(err, ErrUnknownAction):
		h.writeError(w, http.StatusBadRequest, ReasonUnknownAction, err.Error())
	case errors.Is(err, ErrNoSuchResource):
		h.writeError(w, http.StatusBadRequest, ReasonNoSuchResource, err.Error())
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusBadRequest, ReasonNotFound, err.Error())
	default:
		h.logger.Error("Failed to process upload", "error", err, "storage_id", storageID)
		h.writeError(w, http.StatusInternalServerError, ReasonInternalError, "Failed to process upload")
	}
}

func (h *HTTPSyncHandlers) writeDownloadError(w http.ResponseWriter, storageID string, err error) {
	switch {
	case errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, ReasonBadPayload, err.Error())
	case errors.Is(err, ErrNoSuchResource):
		h.writeError(w, http.StatusBadRequest, ReasonNoSuchResource, err.Error())
	default:
		h.logger.Error("Failed to process download", "error", err, "storage_id", storageID)
		h.writeError(w, http.StatusInternalServerError, ReasonInternalError, "Failed to process download")
	}
}

// writeError writes a standardized error response.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
