// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// LinkOutcome reports what Link did to the local store
type LinkOutcome int

const (
	LinkUnchanged LinkOutcome = iota
	LinkUpdated
	LinkCreated
)

func (o LinkOutcome) String() string {
	switch o {
	case LinkUnchanged:
		return "unchanged"
	case LinkUpdated:
		return "updated"
	case LinkCreated:
		return "created"
	default:
		return "unknown"
	}
}

// OverlayFunc returns field values that must survive a link because an
// optimistic mutation for the record has not been confirmed yet.
type OverlayFunc func(localID string) Fields

// Mapper translates remote summaries into local records and back.
// It owns the "first wins" dedupe policy and the identity-linking rules.
type Mapper struct {
	logger  *slog.Logger
	overlay OverlayFunc
	now     func() time.Time
}

// NewMapper creates a mapper. A nil logger falls back to slog.Default().
func NewMapper(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetOverlay installs the source of unconfirmed optimistic values
func (m *Mapper) SetOverlay(fn OverlayFunc) {
	m.overlay = fn
}

// Index maps remote ids to local records for one entity type and scope.
//
// When two records share a remote id (a corruption state that must not
// normally occur) the first one encountered in store iteration order wins and
// every lookup returns it. Later duplicates are collected in Duplicates and
// left untouched; they are flagged, never deleted silently.
type Index struct {
	byRemote   map[string]*LocalRecord
	Duplicates []*LocalRecord
}

// BuildIndex indexes records by remote id. Pending-creates are skipped.
func (m *Mapper) BuildIndex(records []*LocalRecord) *Index {
	idx := &Index{byRemote: make(map[string]*LocalRecord, len(records))}
	for _, rec := range records {
		if rec.RemoteID == "" {
			continue
		}
		if first, ok := idx.byRemote[rec.RemoteID]; ok {
			m.logger.Warn("Duplicate local records share a remote id; keeping first",
				"type", rec.Type, "remote_id", rec.RemoteID,
				"kept_local_id", first.LocalID, "duplicate_local_id", rec.LocalID)
			idx.Duplicates = append(idx.Duplicates, rec)
			continue
		}
		idx.byRemote[rec.RemoteID] = rec
	}
	return idx
}

// Lookup returns the record linked to remoteID
func (idx *Index) Lookup(remoteID string) (*LocalRecord, bool) {
	rec, ok := idx.byRemote[remoteID]
	return rec, ok
}

// Len returns the number of distinct remote ids
func (idx *Index) Len() int {
	return len(idx.byRemote)
}

func (idx *Index) put(rec *LocalRecord) {
	if _, ok := idx.byRemote[rec.RemoteID]; !ok {
		idx.byRemote[rec.RemoteID] = rec
	}
}

// LinkSession links summaries of one scope inside a single store transaction.
// Indexes are built lazily per entity type and kept current as records are created.
type LinkSession struct {
	m       *Mapper
	tx      Tx
	scope   Scope
	indexes map[EntityType]*Index
}

// NewSession starts a link session bound to tx
func (m *Mapper) NewSession(tx Tx, scope Scope) *LinkSession {
	return &LinkSession{
		m:       m,
		tx:      tx,
		scope:   scope,
		indexes: make(map[EntityType]*Index),
	}
}

// Index returns the remote-id index for t, building it from the store on first use
func (s *LinkSession) Index(ctx context.Context, t EntityType) (*Index, error) {
	if idx, ok := s.indexes[t]; ok {
		return idx, nil
	}
	records, err := s.tx.Query(ctx, Query{Type: t, Scope: s.scope})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", t, err)
	}
	idx := s.m.BuildIndex(records)
	s.indexes[t] = idx
	return idx, nil
}

// Seed indexes records already loaded by the caller so the session does not query them again
func (s *LinkSession) Seed(t EntityType, records []*LocalRecord) *Index {
	idx := s.m.BuildIndex(records)
	s.indexes[t] = idx
	return idx
}

// Link finds the local record for summary by (type, remote id, scope). An
// existing record gets its server-owned fields and carried relations
// overwritten while local-only fields stay untouched; otherwise a new record
// is created. Absence is never an error; only store failures are returned.
func (s *LinkSession) Link(ctx context.Context, summary RemoteSummary) (*LocalRecord, LinkOutcome, error) {
	idx, err := s.Index(ctx, summary.Type)
	if err != nil {
		return nil, LinkUnchanged, err
	}

	outcome := LinkUnchanged
	rec, found := idx.Lookup(summary.RemoteID)
	if !found {
		rec = &LocalRecord{
			LocalID:  uuid.NewString(),
			RemoteID: summary.RemoteID,
			Type:     summary.Type,
			Scope:    s.scope,
		}
		outcome = LinkCreated
	}

	fields := summary.Fields.Clone()
	if fields == nil {
		fields = Fields{}
	}
	state := SyncStateSynced
	if found && s.m.overlay != nil {
		if pending := s.m.overlay(rec.LocalID); len(pending) > 0 {
			for k, v := range pending {
				fields[k] = v
			}
			// still waiting for the server to confirm these values
			state = rec.SyncState
		}
	}

	if outcome == LinkCreated || !rec.Fields.Equal(fields) || rec.SyncState != state {
		if outcome == LinkUnchanged {
			outcome = LinkUpdated
		}
		rec.Fields = fields
		rec.SyncState = state
		rec.UpdatedAt = s.m.now()
		if err := s.tx.Upsert(ctx, rec); err != nil {
			return nil, LinkUnchanged, fmt.Errorf("failed to upsert %s %s: %w", summary.Type, summary.RemoteID, err)
		}
		if outcome == LinkCreated {
			idx.put(rec)
		}
	}

	changed, err := s.linkRelations(ctx, rec, summary)
	if err != nil {
		return nil, LinkUnchanged, err
	}
	if changed && outcome == LinkUnchanged {
		outcome = LinkUpdated
	}
	return rec, outcome, nil
}

// linkRelations makes the edges of rec match the relation types carried by
// summary. References to remote ids that have no local record yet are
// skipped; reconciling the other side adds them later.
func (s *LinkSession) linkRelations(ctx context.Context, rec *LocalRecord, summary RemoteSummary) (bool, error) {
	changed := false
	for _, other := range sortedTypes(summary.Relations) {
		idx, err := s.Index(ctx, other)
		if err != nil {
			return false, err
		}
		targets := make([]string, 0, len(summary.Relations[other]))
		for _, remoteID := range summary.Relations[other] {
			target, ok := idx.Lookup(remoteID)
			if !ok {
				s.m.logger.Debug("Skipping relation to unknown remote entity",
					"type", rec.Type, "remote_id", rec.RemoteID, "related_type", other, "related_remote_id", remoteID)
				continue
			}
			targets = append(targets, target.LocalID)
		}
		slices.Sort(targets)
		targets = slices.Compact(targets)

		current := slices.Clone(rec.Relations[other])
		slices.Sort(current)
		if slices.Equal(current, targets) {
			continue
		}
		if err := s.tx.SetEdges(ctx, rec.LocalID, other, targets); err != nil {
			return false, fmt.Errorf("failed to set %s edges for %s: %w", other, rec.LocalID, err)
		}
		if rec.Relations == nil {
			rec.Relations = make(map[EntityType][]string)
		}
		rec.Relations[other] = targets
		changed = true
	}
	return changed, nil
}

type recordGetter interface {
	Get(ctx context.Context, localID string) (*LocalRecord, error)
}

// ToPatch maps a local record back to the remote representation. Related
// records without a remote identity are left out.
func (m *Mapper) ToPatch(ctx context.Context, store recordGetter, rec *LocalRecord) (Patch, error) {
	patch := Patch{Fields: rec.Fields.Clone()}
	if len(rec.Relations) == 0 {
		return patch, nil
	}
	patch.Relations = make(map[EntityType][]string, len(rec.Relations))
	for _, other := range sortedTypes(rec.Relations) {
		remoteIDs := []string{}
		for _, localID := range rec.Relations[other] {
			related, err := store.Get(ctx, localID)
			if err != nil {
				return Patch{}, fmt.Errorf("failed to load related %s %s: %w", other, localID, err)
			}
			if related.RemoteID == "" {
				continue
			}
			remoteIDs = append(remoteIDs, related.RemoteID)
		}
		slices.Sort(remoteIDs)
		patch.Relations[other] = remoteIDs
	}
	return patch, nil
}

func sortedTypes[V any](m map[EntityType]V) []EntityType {
	types := make([]EntityType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
