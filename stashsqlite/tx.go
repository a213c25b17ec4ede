// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mobiletoly/go-stashsync/stashsync"
)

// tx is the stashsync.Tx handed to Update callbacks
type tx struct {
	sqlTx  *sql.Tx
	types  map[stashsync.EntityType]struct{}
	scopes map[stashsync.Scope]struct{}
}

func newTx(sqlTx *sql.Tx) *tx {
	return &tx{
		sqlTx:  sqlTx,
		types:  make(map[stashsync.EntityType]struct{}),
		scopes: make(map[stashsync.Scope]struct{}),
	}
}

func (t *tx) touch(et stashsync.EntityType, scope stashsync.Scope) {
	t.types[et] = struct{}{}
	t.scopes[scope] = struct{}{}
}

func (t *tx) touched() bool {
	return len(t.types) > 0
}

func (t *tx) commit(origin stashsync.Origin) stashsync.Commit {
	c := stashsync.Commit{Origin: origin}
	for et := range t.types {
		c.Types = append(c.Types, et)
	}
	for s := range t.scopes {
		c.Scopes = append(c.Scopes, s)
	}
	slices.Sort(c.Types)
	slices.Sort(c.Scopes)
	return c
}

func (t *tx) Query(ctx context.Context, q stashsync.Query) ([]*stashsync.LocalRecord, error) {
	return queryRecords(ctx, t.sqlTx, q)
}

func (t *tx) Get(ctx context.Context, localID string) (*stashsync.LocalRecord, error) {
	return getRecord(ctx, t.sqlTx, localID)
}

func (t *tx) Upsert(ctx context.Context, rec *stashsync.LocalRecord) error {
	if rec.LocalID == "" {
		return fmt.Errorf("record without local id")
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("record %s has unknown type %q", rec.LocalID, rec.Type)
	}
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of %s: %w", rec.LocalID, err)
	}
	local, err := encodeFields(rec.LocalFields)
	if err != nil {
		return fmt.Errorf("failed to encode local fields of %s: %w", rec.LocalID, err)
	}
	state := rec.SyncState
	if state == "" {
		state = stashsync.SyncStateSynced
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO _stash_records (local_id, remote_id, entity_type, scope, fields, local_fields, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_id) DO UPDATE SET
			remote_id    = excluded.remote_id,
			fields       = excluded.fields,
			local_fields = excluded.local_fields,
			sync_state   = excluded.sync_state,
			updated_at   = excluded.updated_at`,
		rec.LocalID, nullable(rec.RemoteID), string(rec.Type), string(rec.Scope),
		fields, local, string(state), updatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.LocalID, err)
	}
	t.touch(rec.Type, rec.Scope)
	return nil
}

// Delete removes the record; edges go with it through ON DELETE CASCADE
func (t *tx) Delete(ctx context.Context, localID string) error {
	rec, err := getRecord(ctx, t.sqlTx, localID)
	if err != nil {
		return err
	}
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM _stash_records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", localID, err)
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO _stash_tombstones (local_id, remote_id, entity_type, scope, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (local_id) DO UPDATE SET deleted_at = excluded.deleted_at`,
		localID, nullable(rec.RemoteID), string(rec.Type), string(rec.Scope), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to write tombstone for %s: %w", localID, err)
	}
	t.touch(rec.Type, rec.Scope)
	for other := range rec.Relations {
		t.touch(other, rec.Scope)
	}
	return nil
}

// SetEdges replaces the edges between localID and records of type other
func (t *tx) SetEdges(ctx context.Context, localID string, other stashsync.EntityType, targets []string) error {
	var (
		ownType string
		scope   string
	)
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT entity_type, scope FROM _stash_records WHERE local_id = ?`, localID).Scan(&ownType, &scope)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", stashsync.ErrRecordNotFound, localID)
	}
	if err != nil {
		return fmt.Errorf("failed to load record %s: %w", localID, err)
	}

	_, err = t.sqlTx.ExecContext(ctx, `
		DELETE FROM _stash_edges
		WHERE (from_id = ? AND to_type = ?) OR (to_id = ? AND from_type = ?)`,
		localID, string(other), localID, string(other))
	if err != nil {
		return fmt.Errorf("failed to clear %s edges of %s: %w", other, localID, err)
	}

	for _, target := range targets {
		_, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO _stash_edges (from_id, from_type, to_id, to_type)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (from_id, to_id) DO NOTHING`,
			localID, ownType, target, string(other))
		if err != nil {
			return fmt.Errorf("failed to add edge %s -> %s: %w", localID, target, err)
		}
	}
	t.touch(stashsync.EntityType(ownType), stashsync.Scope(scope))
	t.touch(other, stashsync.Scope(scope))
	return nil
}

func (t *tx) Tombstoned(ctx context.Context, localID string) (bool, error) {
	var exists int
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM _stash_tombstones WHERE local_id = ?)`, localID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone of %s: %w", localID, err)
	}
	return exists == 1, nil
}
