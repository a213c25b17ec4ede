// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

type snapshotRecord struct {
	LocalID     string          `json:"local_id"`
	RemoteID    *string         `json:"remote_id"`
	Type        string          `json:"type"`
	Scope       string          `json:"scope"`
	Fields      json.RawMessage `json:"fields"`
	LocalFields json.RawMessage `json:"local_fields"`
	SyncState   string          `json:"sync_state"`
	UpdatedAt   string          `json:"updated_at"`
}

type snapshotEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type snapshotTombstone struct {
	LocalID  string  `json:"local_id"`
	RemoteID *string `json:"remote_id"`
}

type snapshot struct {
	Records    []snapshotRecord    `json:"records"`
	Edges      []snapshotEdge      `json:"edges"`
	Tombstones []snapshotTombstone `json:"tombstones"`
}

// Snapshot returns a deterministic dump of the whole store. Two snapshots
// are byte-equal exactly when the persisted state is equal.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	var snap snapshot

	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, remote_id, entity_type, scope, fields, local_fields, sync_state, updated_at
		FROM _stash_records ORDER BY local_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot records: %w", err)
	}
	for rows.Next() {
		var r snapshotRecord
		var fields, local string
		if err := rows.Scan(&r.LocalID, &r.RemoteID, &r.Type, &r.Scope, &fields, &local, &r.SyncState, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Fields = json.RawMessage(fields)
		r.LocalFields = json.RawMessage(local)
		snap.Records = append(snap.Records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT from_id, to_id FROM _stash_edges ORDER BY from_id, to_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot edges: %w", err)
	}
	for rows.Next() {
		var e snapshotEdge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		snap.Edges = append(snap.Edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT local_id, remote_id FROM _stash_tombstones ORDER BY local_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tombstones: %w", err)
	}
	for rows.Next() {
		var t snapshotTombstone
		if err := rows.Scan(&t.LocalID, &t.RemoteID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		snap.Tombstones = append(snap.Tombstones, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
