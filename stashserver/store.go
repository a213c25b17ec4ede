// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashserver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-stashsync/stashsync"
)

var (
	// ErrEntityNotFound is returned for unknown ids within the caller's scope.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalid is returned for malformed requests (unknown relation targets, relations on non-products).
	ErrInvalid = errors.New("invalid request")
)

// DuplicateError is returned by Create when the dedupe key was already used
type DuplicateError struct {
	RemoteID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("entity %s already created with this dedupe key", e.RemoteID)
}

// relationTypes are the types a product can be related to
var relationTypes = []stashsync.EntityType{stashsync.EntityBag, stashsync.EntityTag}

// CollectionStore persists the authoritative entity collections of every scope.
//
// Product summaries always carry both relation types (possibly empty); bag and
// tag summaries carry none. Deleting an entity strips every edge to it.
type CollectionStore interface {
	List(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error)
	Create(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error)
	Update(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string, patch stashsync.Patch) (stashsync.RemoteSummary, error)
	Delete(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string) error
}

type memEntity struct {
	id      string
	t       stashsync.EntityType
	fields  stashsync.Fields
	version int64
	seq     int64
}

type memScope struct {
	entities map[string]*memEntity
	edges    map[string]map[string]struct{} // product id -> related bag/tag ids
	dedupe   map[string]string              // type/key -> id
}

// MemoryStore is an in-process CollectionStore for tests, examples and the CLI
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[stashsync.Scope]*memScope
	seq    int64
}

var _ CollectionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[stashsync.Scope]*memScope)}
}

func (m *MemoryStore) scope(scope stashsync.Scope) *memScope {
	sc, ok := m.scopes[scope]
	if !ok {
		sc = &memScope{
			entities: make(map[string]*memEntity),
			edges:    make(map[string]map[string]struct{}),
			dedupe:   make(map[string]string),
		}
		m.scopes[scope] = sc
	}
	return sc
}

func (m *MemoryStore) List(_ context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)

	var list []*memEntity
	for _, e := range sc.entities {
		if e.t == t {
			list = append(list, e)
		}
	}
	slices.SortFunc(list, func(a, b *memEntity) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]stashsync.RemoteSummary, 0, len(list))
	for _, e := range list {
		out = append(out, sc.summary(e))
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)

	dedupeKey := ""
	if patch.DedupeKey != "" {
		dedupeKey = string(t) + "/" + patch.DedupeKey
		if id, ok := sc.dedupe[dedupeKey]; ok {
			return stashsync.RemoteSummary{}, &DuplicateError{RemoteID: id}
		}
	}
	if err := sc.checkRelations(t, patch.Relations); err != nil {
		return stashsync.RemoteSummary{}, err
	}

	m.seq++
	e := &memEntity{id: uuid.NewString(), t: t, fields: stashsync.Fields{}, version: 1, seq: m.seq}
	applyFields(e.fields, patch.Fields)
	sc.entities[e.id] = e
	sc.setRelations(e.id, patch.Relations)
	if dedupeKey != "" {
		sc.dedupe[dedupeKey] = e.id
	}
	return sc.summary(e), nil
}

func (m *MemoryStore) Update(_ context.Context, scope stashsync.Scope, t stashsync.EntityType, id string, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)

	e, ok := sc.entities[id]
	if !ok || e.t != t {
		return stashsync.RemoteSummary{}, ErrEntityNotFound
	}
	if err := sc.checkRelations(t, patch.Relations); err != nil {
		return stashsync.RemoteSummary{}, err
	}
	applyFields(e.fields, patch.Fields)
	sc.setRelations(e.id, patch.Relations)
	e.version++
	return sc.summary(e), nil
}

func (m *MemoryStore) Delete(_ context.Context, scope stashsync.Scope, t stashsync.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc := m.scope(scope)

	e, ok := sc.entities[id]
	if !ok || e.t != t {
		return ErrEntityNotFound
	}
	delete(sc.entities, id)
	delete(sc.edges, id)
	for _, related := range sc.edges {
		delete(related, id)
	}
	maps.DeleteFunc(sc.dedupe, func(_, v string) bool { return v == id })
	return nil
}

func (sc *memScope) checkRelations(t stashsync.EntityType, relations map[stashsync.EntityType][]string) error {
	if len(relations) == 0 {
		return nil
	}
	if t != stashsync.EntityProduct {
		return fmt.Errorf("%w: only products carry relations", ErrInvalid)
	}
	for other, ids := range relations {
		if !slices.Contains(relationTypes, other) {
			return fmt.Errorf("%w: products cannot relate to %s", ErrInvalid, other)
		}
		for _, id := range ids {
			target, ok := sc.entities[id]
			if !ok || target.t != other {
				return fmt.Errorf("%w: unknown %s %s", ErrInvalid, other, id)
			}
		}
	}
	return nil
}

// setRelations replaces the edge set of each relation type present in relations
func (sc *memScope) setRelations(productID string, relations map[stashsync.EntityType][]string) {
	if len(relations) == 0 {
		return
	}
	edges, ok := sc.edges[productID]
	if !ok {
		edges = make(map[string]struct{})
		sc.edges[productID] = edges
	}
	for other, ids := range relations {
		for id := range edges {
			if sc.entities[id] != nil && sc.entities[id].t == other {
				delete(edges, id)
			}
		}
		for _, id := range ids {
			edges[id] = struct{}{}
		}
	}
}

func (sc *memScope) summary(e *memEntity) stashsync.RemoteSummary {
	s := stashsync.RemoteSummary{
		RemoteID: e.id,
		Type:     e.t,
		Fields:   e.fields.Clone(),
		Version:  e.version,
	}
	if e.t != stashsync.EntityProduct {
		return s
	}
	s.Relations = make(map[stashsync.EntityType][]string, len(relationTypes))
	for _, other := range relationTypes {
		ids := []string{}
		for id := range sc.edges[e.id] {
			if target, ok := sc.entities[id]; ok && target.t == other {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		s.Relations[other] = ids
	}
	return s
}

// applyFields merges patch into fields; a nil value removes the key
func applyFields(fields, patch stashsync.Fields) {
	for k, v := range patch {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
}
