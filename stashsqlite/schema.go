// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Store metadata tables. Duplicated remote ids are a tolerated corruption
// state, so the remote index is deliberately not unique.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS _stash_records (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT, -- store iteration order
		local_id     TEXT NOT NULL UNIQUE,              -- UUIDv4, never reused
		remote_id    TEXT,                              -- NULL while pending-create
		entity_type  TEXT NOT NULL,
		scope        TEXT NOT NULL,
		fields       TEXT NOT NULL DEFAULT '{}',
		local_fields TEXT NOT NULL DEFAULT '{}',
		sync_state   TEXT NOT NULL DEFAULT 'synced'
			CHECK (sync_state IN ('synced','pending_sync','out_of_sync')),
		updated_at   TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS _stash_records_remote
		ON _stash_records (entity_type, scope, remote_id)`,

	// Edges are stored once; both ends see them as relations
	`CREATE TABLE IF NOT EXISTS _stash_edges (
		from_id   TEXT NOT NULL REFERENCES _stash_records (local_id) ON DELETE CASCADE,
		from_type TEXT NOT NULL,
		to_id     TEXT NOT NULL REFERENCES _stash_records (local_id) ON DELETE CASCADE,
		to_type   TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id)
	)`,

	`CREATE INDEX IF NOT EXISTS _stash_edges_to ON _stash_edges (to_id)`,

	`CREATE TABLE IF NOT EXISTS _stash_tombstones (
		local_id    TEXT PRIMARY KEY,
		remote_id   TEXT,
		entity_type TEXT NOT NULL,
		scope       TEXT NOT NULL,
		deleted_at  TEXT NOT NULL
	)`,
}

// initializeDatabase enables WAL and foreign keys and creates the store tables
func initializeDatabase(ctx context.Context, db *sql.DB, memory bool) error {
	if !memory {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return nil
}

// checkIntegrity runs PRAGMA integrity_check and reports the first problem
func checkIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return errCorrupt{result: result}
	}
	return nil
}

// errCorrupt is a failed integrity check
type errCorrupt struct{ result string }

func (e errCorrupt) Error() string { return "integrity check failed: " + e.result }
