// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-stashsync/stashsync"
)

// PostgresStore is a CollectionStore backed by PostgreSQL (schema "stash")
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ CollectionStore = (*PostgresStore)(nil)

// NewPostgresStore creates the store tables if needed. The caller owns the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{pool: pool, logger: logger}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize stash schema: %w", err)
	}
	logger.Debug("Stash schema initialized")
	return s, nil
}

func (s *PostgresStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS stash`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS stash.entities (
			id          UUID        PRIMARY KEY,
			scope       TEXT        NOT NULL,
			entity_type TEXT        NOT NULL CHECK (entity_type IN ('product','bag','tag')),
			fields      JSONB       NOT NULL DEFAULT '{}'::jsonb,
			version     BIGINT      NOT NULL DEFAULT 1,
			dedupe_key  TEXT,
			seq         BIGSERIAL   NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entities_scope_type
			ON stash.entities (scope, entity_type, seq)`,

		/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS entities_dedupe
			ON stash.entities (scope, entity_type, dedupe_key) WHERE dedupe_key IS NOT NULL`,

		// product <-> bag/tag edges
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS stash.edges (
			product_id UUID NOT NULL REFERENCES stash.entities (id) ON DELETE CASCADE,
			other_id   UUID NOT NULL REFERENCES stash.entities (id) ON DELETE CASCADE,
			other_type TEXT NOT NULL,
			PRIMARY KEY (product_id, other_id)
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS edges_other ON stash.edges (other_id)`,
	}
	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

type entityRow struct {
	ID      uuid.UUID `db:"id"`
	Type    string    `db:"entity_type"`
	Fields  []byte    `db:"fields"`
	Version int64     `db:"version"`
}

func (s *PostgresStore) List(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error) {
	var out []stashsync.RemoteSummary
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, entity_type, fields, version
			FROM stash.entities
			WHERE scope = $1 AND entity_type = $2
			ORDER BY seq`, string(scope), string(t))
		if err != nil {
			return err
		}
		entities, err := pgx.CollectRows(rows, pgx.RowToStructByName[entityRow])
		if err != nil {
			return err
		}

		out = make([]stashsync.RemoteSummary, 0, len(entities))
		for _, e := range entities {
			summary, err := toSummary(e)
			if err != nil {
				return err
			}
			out = append(out, summary)
		}
		if t != stashsync.EntityProduct || len(out) == 0 {
			return nil
		}
		return s.attachRelations(ctx, tx, scope, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.Collection(), err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	var summary stashsync.RemoteSummary
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if patch.DedupeKey != "" {
			existing, err := dedupeOwner(ctx, tx, scope, t, patch.DedupeKey)
			if err == nil {
				return &DuplicateError{RemoteID: existing.String()}
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}
		if err := s.checkRelations(ctx, tx, scope, t, patch.Relations); err != nil {
			return err
		}

		fields := stashsync.Fields{}
		applyFields(fields, patch.Fields)
		payload, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		id := uuid.New()
		var dedupe *string
		if patch.DedupeKey != "" {
			dedupe = &patch.DedupeKey
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO stash.entities (id, scope, entity_type, fields, dedupe_key)
			VALUES ($1, $2, $3, $4, $5)`,
			id, string(scope), string(t), payload, dedupe)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && dedupe != nil {
				return errDedupeRace
			}
			return err
		}
		if err := s.setRelations(ctx, tx, id, patch.Relations); err != nil {
			return err
		}
		summary, err = s.load(ctx, tx, scope, t, id)
		return err
	})
	if errors.Is(err, errDedupeRace) {
		// a concurrent create with the same key committed first
		existing, lookupErr := dedupeOwner(ctx, s.pool, scope, t, patch.DedupeKey)
		if lookupErr != nil {
			return stashsync.RemoteSummary{}, fmt.Errorf("failed to look up dedupe key owner: %w", lookupErr)
		}
		return stashsync.RemoteSummary{}, &DuplicateError{RemoteID: existing.String()}
	}
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	return summary, nil
}

var errDedupeRace = errors.New("dedupe key taken by a concurrent create")

// rowQuerier is satisfied by both pgxpool.Pool and pgx.Tx
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func dedupeOwner(ctx context.Context, q rowQuerier, scope stashsync.Scope, t stashsync.EntityType, key string) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		SELECT id FROM stash.entities
		WHERE scope = $1 AND entity_type = $2 AND dedupe_key = $3`,
		string(scope), string(t), key).Scan(&id)
	return id, err
}

func (s *PostgresStore) Update(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	pk, err := uuid.Parse(id)
	if err != nil {
		return stashsync.RemoteSummary{}, ErrEntityNotFound
	}

	var summary stashsync.RemoteSummary
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `
			SELECT fields FROM stash.entities
			WHERE id = $1 AND scope = $2 AND entity_type = $3
			FOR UPDATE`, pk, string(scope), string(t)).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEntityNotFound
		}
		if err != nil {
			return err
		}
		if err := s.checkRelations(ctx, tx, scope, t, patch.Relations); err != nil {
			return err
		}

		fields := stashsync.Fields{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("failed to decode stored fields of %s: %w", id, err)
		}
		applyFields(fields, patch.Fields)
		payload, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE stash.entities
			SET fields = $2, version = version + 1, updated_at = now()
			WHERE id = $1`, pk, payload); err != nil {
			return err
		}
		if err := s.setRelations(ctx, tx, pk, patch.Relations); err != nil {
			return err
		}
		summary, err = s.load(ctx, tx, scope, t, pk)
		return err
	})
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	return summary, nil
}

// Delete removes the entity; ON DELETE CASCADE strips its edges
func (s *PostgresStore) Delete(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string) error {
	pk, err := uuid.Parse(id)
	if err != nil {
		return ErrEntityNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM stash.entities WHERE id = $1 AND scope = $2 AND entity_type = $3`,
		pk, string(scope), string(t))
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityNotFound
	}
	return nil
}

func (s *PostgresStore) checkRelations(ctx context.Context, tx pgx.Tx, scope stashsync.Scope, t stashsync.EntityType, relations map[stashsync.EntityType][]string) error {
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
			pk, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("%w: unknown %s %s", ErrInvalid, other, id)
			}
			var exists bool
			err = tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM stash.entities WHERE id = $1 AND scope = $2 AND entity_type = $3)`,
				pk, string(scope), string(other)).Scan(&exists)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("%w: unknown %s %s", ErrInvalid, other, id)
			}
		}
	}
	return nil
}

func (s *PostgresStore) setRelations(ctx context.Context, tx pgx.Tx, productID uuid.UUID, relations map[stashsync.EntityType][]string) error {
	for other, ids := range relations {
		if _, err := tx.Exec(ctx, `
			DELETE FROM stash.edges WHERE product_id = $1 AND other_type = $2`, productID, string(other)); err != nil {
			return fmt.Errorf("failed to clear %s edges: %w", other, err)
		}
		for _, id := range ids {
			otherID, err := uuid.Parse(id)
			if err != nil {
				return fmt.Errorf("%w: unknown %s %s", ErrInvalid, other, id)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO stash.edges (product_id, other_id, other_type)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, productID, otherID, string(other)); err != nil {
				return fmt.Errorf("failed to add %s edge: %w", other, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, tx pgx.Tx, scope stashsync.Scope, t stashsync.EntityType, id uuid.UUID) (stashsync.RemoteSummary, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, entity_type, fields, version FROM stash.entities WHERE id = $1`, id)
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[entityRow])
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	summary, err := toSummary(e)
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	if t != stashsync.EntityProduct {
		return summary, nil
	}
	out := []stashsync.RemoteSummary{summary}
	if err := s.attachRelations(ctx, tx, scope, out); err != nil {
		return stashsync.RemoteSummary{}, err
	}
	return out[0], nil
}

// attachRelations fills both relation types of every product summary
func (s *PostgresStore) attachRelations(ctx context.Context, tx pgx.Tx, scope stashsync.Scope, products []stashsync.RemoteSummary) error {
	byID := make(map[string]*stashsync.RemoteSummary, len(products))
	for i := range products {
		products[i].Relations = map[stashsync.EntityType][]string{}
		for _, other := range relationTypes {
			products[i].Relations[other] = []string{}
		}
		byID[products[i].RemoteID] = &products[i]
	}

	rows, err := tx.Query(ctx, `
		SELECT e.product_id, e.other_id, e.other_type
		FROM stash.edges e
		JOIN stash.entities p ON p.id = e.product_id
		WHERE p.scope = $1
		ORDER BY e.other_id`, string(scope))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var productID, otherID uuid.UUID
		var otherType string
		if err := rows.Scan(&productID, &otherID, &otherType); err != nil {
			return err
		}
		if p, ok := byID[productID.String()]; ok {
			ot := stashsync.EntityType(otherType)
			p.Relations[ot] = append(p.Relations[ot], otherID.String())
		}
	}
	return rows.Err()
}

func toSummary(e entityRow) (stashsync.RemoteSummary, error) {
	fields := stashsync.Fields{}
	if err := json.Unmarshal(e.Fields, &fields); err != nil {
		return stashsync.RemoteSummary{}, fmt.Errorf("failed to decode fields of %s: %w", e.ID, err)
	}
	return stashsync.RemoteSummary{
		RemoteID: e.ID.String(),
		Type:     stashsync.EntityType(e.Type),
		Fields:   fields,
		Version:  e.Version,
	}, nil
}
