// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import "context"

// Origin tags a store commit with the component that produced it
type Origin string

const (
	OriginLocal     Origin = "local"     // user mutation committed by the coordinator
	OriginReconcile Origin = "reconcile" // authoritative reconciliation pass
	OriginRemote    Origin = "remote"    // completion of an asynchronous remote call
)

// Query selects records of one type in one scope. A non-empty RemoteID
// narrows the result to records linked to that remote identity.
type Query struct {
	Type     EntityType
	Scope    Scope
	RemoteID string
}

// Commit describes a successful store transaction that changed something
type Commit struct {
	Origin Origin
	Types  []EntityType
	Scopes []Scope
}

// Store is the durable, transactional local object store.
//
// Reads may run concurrently. All writes go through Update, which serializes
// writers, runs fn inside one transaction and commits only if fn returns nil.
// Implementations signal committed changes after the transaction is durable.
type Store interface {
	// Query returns records in store iteration order (stable insertion order).
	Query(ctx context.Context, q Query) ([]*LocalRecord, error)
	// Get returns ErrRecordNotFound when the LocalID is unknown.
	Get(ctx context.Context, localID string) (*LocalRecord, error)
	Update(ctx context.Context, origin Origin, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write view of the store inside Update
type Tx interface {
	Query(ctx context.Context, q Query) ([]*LocalRecord, error)
	Get(ctx context.Context, localID string) (*LocalRecord, error)
	// Upsert inserts or replaces the record by LocalID. Relations are ignored; use SetEdges.
	Upsert(ctx context.Context, rec *LocalRecord) error
	// Delete removes the record, cascades its edges and leaves a tombstone.
	Delete(ctx context.Context, localID string) error
	// SetEdges replaces the edges between localID and records of type other.
	SetEdges(ctx context.Context, localID string, other EntityType, targets []string) error
	// Tombstoned reports whether localID was deleted locally.
	Tombstoned(ctx context.Context, localID string) (bool, error)
}

// Remote is the stateless client of the system of record. Every call is
// scoped by the owning user. Errors wrap the taxonomy in errors.go.
type Remote interface {
	FetchCollection(ctx context.Context, scope Scope, t EntityType) ([]RemoteSummary, error)
	Create(ctx context.Context, scope Scope, t EntityType, patch Patch) (RemoteSummary, error)
	Update(ctx context.Context, scope Scope, t EntityType, remoteID string, patch Patch) (RemoteSummary, error)
	Delete(ctx context.Context, scope Scope, t EntityType, remoteID string) error
}

// CommitNotifier is implemented by stores that signal committed changes.
// The callback runs after the transaction is durable and outside the writer lock.
type CommitNotifier interface {
	OnCommit(fn func(Commit))
}
