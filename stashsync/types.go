// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package stashsync keeps a durable local cache of user entities (products,
// bags, tags) converged with a remote service that is the system of record.
//
// The package contains the entity mapper, the per-type reconciliation engine
// and the optimistic mutation coordinator. Storage and transport are consumed
// through the Store and Remote interfaces; see packages stashsqlite and
// stashhttp for the production implementations.
package stashsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntityType names a synchronized entity collection
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityBag     EntityType = "bag"
	EntityTag     EntityType = "tag"
)

// AllEntityTypes lists every synchronized type in reconciliation order:
// relationship targets first, products last.
var AllEntityTypes = []EntityType{EntityBag, EntityTag, EntityProduct}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityProduct, EntityBag, EntityTag:
		return true
	default:
		return false
	}
}

// Collection returns the remote collection name for t (e.g. "bags")
func (t EntityType) Collection() string {
	return string(t) + "s"
}

// ParseCollection maps a remote collection name back to its entity type
func ParseCollection(collection string) (EntityType, error) {
	for _, t := range AllEntityTypes {
		if t.Collection() == collection {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

// Scope is the opaque owner identity (user id) every record and remote call is bound to
type Scope string

// SyncState tracks how a record relates to the last server confirmation
type SyncState string

const (
	SyncStateSynced      SyncState = "synced"
	SyncStatePendingSync SyncState = "pending_sync"
	SyncStateOutOfSync   SyncState = "out_of_sync"
)

// Fields is a bag of scalar attributes
type Fields map[string]any

// Clone returns a shallow copy (nil stays nil)
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// Equal compares two field sets by their canonical JSON encoding, so that a
// value read back from storage (float64 numbers) equals the value written.
func (f Fields) Equal(other Fields) bool {
	if len(f) == 0 && len(other) == 0 {
		return true
	}
	a, errA := json.Marshal(f)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// LocalRecord is a cached entity instance held by the local store.
// A record with an empty RemoteID is a pending-create.
type LocalRecord struct {
	LocalID     string
	RemoteID    string
	Type        EntityType
	Scope       Scope
	Fields      Fields                  // server-owned, overwritten by reconciliation
	LocalFields Fields                  // local-only state, never uploaded or overwritten
	Relations   map[EntityType][]string // related records by LocalID
	SyncState   SyncState
	UpdatedAt   time.Time
}

// IsPendingCreate reports whether the record was never confirmed by the server
func (r *LocalRecord) IsPendingCreate() bool {
	return r.RemoteID == ""
}

// Clone returns a deep-enough copy for mutation without aliasing maps
func (r *LocalRecord) Clone() *LocalRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	c.LocalFields = r.LocalFields.Clone()
	if r.Relations != nil {
		c.Relations = make(map[EntityType][]string, len(r.Relations))
		for t, ids := range r.Relations {
			c.Relations[t] = slices.Clone(ids)
		}
	}
	return &c
}

// RemoteSummary is the server representation of an entity. It is produced
// only by a Remote and never persisted directly.
type RemoteSummary struct {
	RemoteID  string                  `json:"id"`
	Type      EntityType              `json:"type"`
	Fields    Fields                  `json:"fields"`
	Relations map[EntityType][]string `json:"relations,omitempty"` // related entities by remote id
	Version   int64                   `json:"version,omitempty"`
}

// Patch is the body of a remote create or update. A nil Relations map leaves
// relationships unchanged; an empty slice for a type clears that relation.
type Patch struct {
	Fields    Fields                  `json:"fields,omitempty"`
	Relations map[EntityType][]string `json:"relations,omitempty"`
	DedupeKey string                  `json:"dedupe_key,omitempty"`
}
