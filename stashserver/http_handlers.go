// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mobiletoly/go-stashsync/internal/auth"
	"github.com/mobiletoly/go-stashsync/stashsync"
)

const maxBodyBytes = 1 << 20

// HTTPHandlers serves the /v1 collection API
type HTTPHandlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHTTPHandlers creates the collection handlers
func NewHTTPHandlers(service *Service, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, logger: logger}
}

// Register mounts the collection routes on r, normally the /v1 subrouter.
// Callers wrap r with JWTAuth.Middleware so the scope is in the request context.
func (h *HTTPHandlers) Register(r *mux.Router) {
	r.HandleFunc("/{collection}", h.HandleList).Methods(http.MethodGet)
	r.HandleFunc("/{collection}", h.HandleCreate).Methods(http.MethodPost)
	r.HandleFunc("/{collection}/{id}", h.HandleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/{collection}/{id}", h.HandleDelete).Methods(http.MethodDelete)
}

// request resolves scope and collection, writing the error response itself on failure
func (h *HTTPHandlers) request(w http.ResponseWriter, r *http.Request) (stashsync.Scope, stashsync.EntityType, bool) {
	scope, ok := auth.GetScope(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, stashsync.ErrorCodeUnauthorized, "missing authenticated user")
		return "", "", false
	}
	t, err := stashsync.ParseCollection(mux.Vars(r)["collection"])
	if err != nil {
		writeError(w, http.StatusNotFound, stashsync.ErrorCodeNotFound, err.Error())
		return "", "", false
	}
	return stashsync.Scope(scope), t, true
}

// HandleList returns the complete collection
func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, t, ok := h.request(w, r)
	if !ok {
		return
	}
	items, err := h.service.List(r.Context(), scope, t)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list collection", "type", t)
		return
	}
	writeJSON(w, http.StatusOK, stashsync.CollectionResponse{Items: items})
}

// HandleCreate creates an entity; a reused dedupe key answers 409 with the existing id
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	scope, t, ok := h.request(w, r)
	if !ok {
		return
	}
	var patch stashsync.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	summary, err := h.service.Create(r.Context(), scope, t, patch)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create entity", "type", t)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// HandleUpdate applies a partial update
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	scope, t, ok := h.request(w, r)
	if !ok {
		return
	}
	var patch stashsync.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	id := mux.Vars(r)["id"]
	summary, err := h.service.Update(r.Context(), scope, t, id, patch)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update entity", "type", t, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleDelete deletes an entity
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	scope, t, ok := h.request(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.service.Delete(r.Context(), scope, t, id); err != nil {
		h.writeServiceError(w, err, "Failed to delete entity", "type", t, "id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth reports liveness
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stashsync.HealthResponse{Status: "ok"})
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error, msg string, args ...any) {
	var dup *DuplicateError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, stashsync.ErrorResponse{
			Error:    stashsync.ErrorCodeConflict,
			Message:  err.Error(),
			RemoteID: dup.RemoteID,
		})
	case errors.Is(err, ErrEntityNotFound):
		writeError(w, http.StatusNotFound, stashsync.ErrorCodeNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, stashsync.ErrorCodeBadRequest, err.Error())
	default:
		h.logger.Error(msg, append(args, "error", err)...)
		writeError(w, http.StatusInternalServerError, stashsync.ErrorCodeInternal, msg)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, stashsync.ErrorCodeBadRequest, "Failed to parse request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, stashsync.ErrorResponse{Error: errorCode, Message: message})
}
