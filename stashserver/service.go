// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package stashserver is a reference implementation of the remote authority
// the sync engine talks to: a per-user REST API over product, bag and tag
// collections with bearer-token authentication.
package stashserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mobiletoly/go-stashsync/stashsync"
)

// Service validates requests and applies them to a CollectionStore
type Service struct {
	store  CollectionStore
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewService creates a service over store
func NewService(store CollectionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Close makes every further call fail
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Service) check(scope stashsync.Scope, t stashsync.EntityType) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("service has been closed")
	}
	if scope == "" {
		return fmt.Errorf("%w: missing scope", ErrInvalid)
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalid, t)
	}
	return nil
}

// List returns the whole collection of t owned by scope
func (s *Service) List(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error) {
	if err := s.check(scope, t); err != nil {
		return nil, err
	}
	return s.store.List(ctx, scope, t)
}

// Create creates an entity; a reused dedupe key yields *DuplicateError
func (s *Service) Create(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	if err := s.check(scope, t); err != nil {
		return stashsync.RemoteSummary{}, err
	}
	summary, err := s.store.Create(ctx, scope, t, patch)
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	s.logger.Debug("Entity created", "scope", scope, "type", t, "id", summary.RemoteID)
	return summary, nil
}

// Update merges patch into the entity
func (s *Service) Update(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	if err := s.check(scope, t); err != nil {
		return stashsync.RemoteSummary{}, err
	}
	summary, err := s.store.Update(ctx, scope, t, id, patch)
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	s.logger.Debug("Entity updated", "scope", scope, "type", t, "id", id, "version", summary.Version)
	return summary, nil
}

// Delete removes the entity and every edge to it
func (s *Service) Delete(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, id string) error {
	if err := s.check(scope, t); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, scope, t, id); err != nil {
		return err
	}
	s.logger.Debug("Entity deleted", "scope", scope, "type", t, "id", id)
	return nil
}
