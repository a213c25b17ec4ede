// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mobiletoly/go-stashsync/stashsync"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const recordColumns = `local_id, remote_id, entity_type, scope, fields, local_fields, sync_state, updated_at`

const timeLayout = time.RFC3339Nano

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*stashsync.LocalRecord, error) {
	var (
		rec         stashsync.LocalRecord
		remoteID    sql.NullString
		entityType  string
		scope       string
		fieldsJSON  string
		localJSON   string
		syncState   string
		updatedAtTS string
	)
	if err := row.Scan(&rec.LocalID, &remoteID, &entityType, &scope, &fieldsJSON, &localJSON, &syncState, &updatedAtTS); err != nil {
		return nil, err
	}
	rec.RemoteID = remoteID.String
	rec.Type = stashsync.EntityType(entityType)
	rec.Scope = stashsync.Scope(scope)
	rec.SyncState = stashsync.SyncState(syncState)

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %s: %w", rec.LocalID, err)
	}
	if err := json.Unmarshal([]byte(localJSON), &rec.LocalFields); err != nil {
		return nil, fmt.Errorf("failed to decode local fields of %s: %w", rec.LocalID, err)
	}
	if len(rec.LocalFields) == 0 {
		rec.LocalFields = nil
	}
	updatedAt, err := time.Parse(timeLayout, updatedAtTS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", rec.LocalID, err)
	}
	rec.UpdatedAt = updatedAt
	return &rec, nil
}

func queryRecords(ctx context.Context, q querier, query stashsync.Query) ([]*stashsync.LocalRecord, error) {
	where := []string{"entity_type = ?", "scope = ?"}
	args := []any{string(query.Type), string(query.Scope)}
	if query.RemoteID != "" {
		where = append(where, "remote_id = ?")
		args = append(args, query.RemoteID)
	}
	sqlText := `SELECT ` + recordColumns + ` FROM _stash_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`

	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", query.Type, err)
	}
	defer rows.Close()

	var records []*stashsync.LocalRecord
	byID := make(map[string]*stashsync.LocalRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		byID[rec.LocalID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s records: %w", query.Type, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := loadRelations(ctx, q, query, byID); err != nil {
		return nil, err
	}
	return records, nil
}

func getRecord(ctx context.Context, q querier, localID string) (*stashsync.LocalRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM _stash_records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", stashsync.ErrRecordNotFound, localID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", localID, err)
	}
	edges, err := edgesOf(ctx, q, localID)
	if err != nil {
		return nil, err
	}
	rec.Relations = edges
	return rec, nil
}

// loadRelations fills Relations of the records in byID from both edge directions
func loadRelations(ctx context.Context, q querier, query stashsync.Query, byID map[string]*stashsync.LocalRecord) error {
	rows, err := q.QueryContext(ctx, `
		SELECT e.from_id, e.from_type, e.to_id, e.to_type
		FROM _stash_edges e
		JOIN _stash_records r ON r.local_id = e.from_id OR r.local_id = e.to_id
		WHERE r.entity_type = ? AND r.scope = ?
		ORDER BY e.rowid`, string(query.Type), string(query.Scope))
	if err != nil {
		return fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fromID, fromType, toID, toType string
		if err := rows.Scan(&fromID, &fromType, &toID, &toType); err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}
		if rec, ok := byID[fromID]; ok {
			addRelation(rec, stashsync.EntityType(toType), toID)
		}
		if rec, ok := byID[toID]; ok {
			addRelation(rec, stashsync.EntityType(fromType), fromID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate edges: %w", err)
	}
	for _, rec := range byID {
		for t := range rec.Relations {
			slices.Sort(rec.Relations[t])
			rec.Relations[t] = slices.Compact(rec.Relations[t])
		}
	}
	return nil
}

func addRelation(rec *stashsync.LocalRecord, t stashsync.EntityType, id string) {
	if rec.Relations == nil {
		rec.Relations = make(map[stashsync.EntityType][]string)
	}
	rec.Relations[t] = append(rec.Relations[t], id)
}

func edgesOf(ctx context.Context, q querier, localID string) (map[stashsync.EntityType][]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT to_type, to_id FROM _stash_edges WHERE from_id = ?
		UNION
		SELECT from_type, from_id FROM _stash_edges WHERE to_id = ?`, localID, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges of %s: %w", localID, err)
	}
	defer rows.Close()

	var relations map[stashsync.EntityType][]string
	for rows.Next() {
		var t, id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		if relations == nil {
			relations = make(map[stashsync.EntityType][]string)
		}
		relations[stashsync.EntityType(t)] = append(relations[stashsync.EntityType(t)], id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for t := range relations {
		slices.Sort(relations[t])
	}
	return relations, nil
}

func encodeFields(f stashsync.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
