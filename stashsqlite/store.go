// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package stashsqlite is the SQLite implementation of stashsync.Store.
//
// Records, relationship edges and tombstones live in three tables. Reads run
// on the connection pool; writes are serialized by a single writer lock and
// each Update runs in one transaction. Subscribers registered with OnCommit
// are called after a transaction that changed something has committed.
package stashsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-stashsync/stashsync"
)

const memoryPath = ":memory:"

// Options configures Open
type Options struct {
	Logger *slog.Logger
	// BusyTimeoutMs is passed to SQLite for file databases (default 5000).
	BusyTimeoutMs int
}

// Store is a stashsync.Store backed by SQLite
type Store struct {
	db        *sql.DB
	path      string
	logger    *slog.Logger
	recovered bool

	writeMu sync.Mutex // single writer

	hooksMu sync.RWMutex
	hooks   []func(stashsync.Commit)
}

var _ stashsync.Store = (*Store)(nil)
var _ stashsync.CommitNotifier = (*Store)(nil)

// Open opens (or creates) the store at path. ":memory:" opens a private
// in-memory database on a single connection.
//
// A file that fails to open or fails its integrity check is treated as
// corrupt: the failure is logged at ERROR, the files are removed and an empty
// store is created in their place. Recovered reports when that happened so
// the caller can tell the user and trigger a full reconcile.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}

	db, err := s.open(ctx, opts)
	if err != nil && path != memoryPath && isCorruption(err) {
		logger.Error("Local store is corrupt; discarding it and starting empty", "path", path, "error", err)
		if rerr := removeDatabaseFiles(path); rerr != nil {
			return nil, fmt.Errorf("failed to remove corrupt store %s: %w", path, rerr)
		}
		s.recovered = true
		db, err = s.open(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	s.db = db
	return s, nil
}

func (s *Store) open(ctx context.Context, opts Options) (*sql.DB, error) {
	memory := s.path == memoryPath
	dsn := memoryPath
	if !memory {
		busy := opts.BusyTimeoutMs
		if busy <= 0 {
			busy = 5000
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d", s.path, busy)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := checkIntegrity(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initializeDatabase(ctx, db, memory); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isCorruption(err error) bool {
	var c errCorrupt
	if errors.As(err, &c) {
		return true
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrCorrupt || serr.Code == sqlite3.ErrNotADB
	}
	return false
}

func removeDatabaseFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Recovered reports whether Open discarded a corrupt store
func (s *Store) Recovered() bool {
	return s.recovered
}

// DB exposes the underlying database (tests and diagnostics)
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// OnCommit registers fn to be called after every transaction that changed
// something. fn runs synchronously on the committing goroutine, after the
// writer lock is released; it must not block.
func (s *Store) OnCommit(fn func(stashsync.Commit)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Query returns matching records in insertion order
func (s *Store) Query(ctx context.Context, q stashsync.Query) ([]*stashsync.LocalRecord, error) {
	return queryRecords(ctx, s.db, q)
}

// Get returns the record with localID or stashsync.ErrRecordNotFound
func (s *Store) Get(ctx context.Context, localID string) (*stashsync.LocalRecord, error) {
	return getRecord(ctx, s.db, localID)
}

// Update runs fn inside a single write transaction. The transaction commits
// only when fn returns nil.
func (s *Store) Update(ctx context.Context, origin stashsync.Origin, fn func(ctx context.Context, tx stashsync.Tx) error) error {
	commit, err := s.update(ctx, origin, fn)
	if err != nil {
		return err
	}
	if commit != nil {
		s.notify(*commit)
	}
	return nil
}

func (s *Store) update(ctx context.Context, origin stashsync.Origin, fn func(ctx context.Context, tx stashsync.Tx) error) (*stashsync.Commit, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	t := newTx(sqlTx)
	if err := fn(ctx, t); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	if !t.touched() {
		return nil, nil
	}
	c := t.commit(origin)
	return &c, nil
}

func (s *Store) notify(c stashsync.Commit) {
	s.hooksMu.RLock()
	hooks := slices.Clone(s.hooks)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}
}
