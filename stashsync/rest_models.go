// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

// REST/JSON models shared by the HTTP remote client and the reference server

// CollectionResponse is the body of GET /v1/{collection}
type CollectionResponse struct {
	Items []RemoteSummary `json:"items"` // every entity of the collection owned by the caller
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error    string `json:"error"`               // machine-readable code, e.g. "conflict"
	Message  string `json:"message,omitempty"`   // human-readable detail
	RemoteID string `json:"remote_id,omitempty"` // identity of the existing entity on conflict
}

// Error codes carried in ErrorResponse.Error
const (
	ErrorCodeBadRequest   = "bad_request"
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeNotFound     = "not_found"
	ErrorCodeConflict     = "conflict"
	ErrorCodeInternal     = "internal_error"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status string `json:"status"`
}
