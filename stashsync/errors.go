// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"errors"
	"fmt"
)

// Remote error taxonomy. Remote implementations wrap their failures with one
// of these so the engine can pick the recovery path with errors.Is.
var (
	// ErrTransient covers timeouts, connection failures, 5xx and throttling; safe to retry.
	ErrTransient = errors.New("transient remote error")
	// ErrUnauthorized means the session token was rejected; re-authentication is required.
	ErrUnauthorized = errors.New("remote authentication required")
	// ErrNotFound means the remote entity does not exist.
	ErrNotFound = errors.New("remote entity not found")
	// ErrConflict means the remote already holds the entity being created.
	ErrConflict = errors.New("remote entity already exists")
	// ErrRejected is a permanent client-side failure (validation, bad request).
	ErrRejected = errors.New("remote rejected request")
)

// Engine errors
var (
	// ErrReconcileAborted is the soft error returned when the remote fetch failed.
	// Local state is left exactly as it was.
	ErrReconcileAborted = errors.New("reconcile aborted")
	// ErrRecordNotFound means no local record has the given LocalID.
	ErrRecordNotFound = errors.New("local record not found")
	// ErrNotDeletable is returned when deleting a pending-create; use Discard instead.
	ErrNotDeletable = errors.New("pending-create cannot be deleted remotely; discard it")
	// ErrNotPendingCreate is returned when discarding a record that has a remote identity.
	ErrNotPendingCreate = errors.New("record is linked to the server and cannot be discarded")
	// ErrNotConfirmed means the user did not confirm a destructive action.
	ErrNotConfirmed = errors.New("destructive action not confirmed")
	// ErrNotOptimistic means the field is not configured for optimistic-local updates.
	ErrNotOptimistic = errors.New("field is not optimistic")
	// ErrNotLinked means the operation needs a remote identity the record does not have yet.
	ErrNotLinked = errors.New("record has no remote identity yet")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("stashsync: closed")
)

// ConflictError carries the identity the remote reported for an already existing entity
type ConflictError struct {
	Type     EntityType
	RemoteID string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s already exists: %s", e.Type, e.RemoteID, e.Message)
	}
	return fmt.Sprintf("%s %s already exists", e.Type, e.RemoteID)
}

// Is makes errors.Is(err, ErrConflict) match a *ConflictError
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsRetryable reports whether err is worth redelivering with backoff
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
