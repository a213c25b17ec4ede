// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mobiletoly/go-stashsync/stashbus"
)

// Engine wires the bus, mapper, reconciler and coordinator around one store
// and one remote. Change events are turned into debounced, single-flight
// reconciliation passes; store commits are republished as StoreCommitted.
type Engine struct {
	store  Store
	remote Remote
	config *Config
	logger *slog.Logger

	bus         *stashbus.Bus
	mapper      *Mapper
	reconciler  *Reconciler
	coordinator *Coordinator

	mu      sync.Mutex
	unsubs  []func()
	started bool
	closed  bool
}

// NewEngine creates an engine. Nil config or logger get defaults.
func NewEngine(store Store, remote Remote, config *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	bus := stashbus.New(logger)
	mapper := NewMapper(logger)
	return &Engine{
		store:       store,
		remote:      remote,
		config:      config,
		logger:      logger,
		bus:         bus,
		mapper:      mapper,
		reconciler:  NewReconciler(store, remote, mapper, config, logger),
		coordinator: NewCoordinator(store, remote, mapper, bus, config, logger),
	}
}

func (e *Engine) Bus() *stashbus.Bus        { return e.bus }
func (e *Engine) Reconciler() *Reconciler   { return e.reconciler }
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }
func (e *Engine) Mapper() *Mapper           { return e.mapper }

// Start subscribes reconciliation to the change topics. It is safe to call once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	e.started = true

	for _, t := range AllEntityTypes {
		unsub := stashbus.Subscribe(e.bus, ChangedTopic(t), e.reconcileHandler,
			stashbus.WithDebounce(e.config.debounce(t)),
			stashbus.WithName("reconcile-"+t.Collection()))
		e.unsubs = append(e.unsubs, unsub)
	}

	if n, ok := e.store.(CommitNotifier); ok {
		n.OnCommit(func(c Commit) {
			stashbus.Emit(e.bus, StoreCommitted, CommitEvent{Commit: c})
		})
	}

	e.logger.Info("Sync engine started", "types", len(AllEntityTypes))
	return nil
}

func (e *Engine) reconcileHandler(ctx context.Context, ev ChangeEvent) error {
	result, err := e.reconciler.Reconcile(ctx, ev.Type, ev.Scope)
	if err != nil {
		if errors.Is(err, ErrReconcileAborted) {
			// local state preserved; the next change event or refresh retries
			return nil
		}
		return err
	}
	if result.Changed() {
		e.logger.Info("Collection reconciled",
			"type", ev.Type, "scope", ev.Scope, "origin", ev.Origin,
			"created", result.Created, "updated", result.Updated, "deleted", result.Deleted)
	}
	return nil
}

// Refresh asks for every collection of scope to be re-pulled through the bus.
// Typically called on app foreground or after re-authentication.
func (e *Engine) Refresh(scope Scope) {
	for _, t := range AllEntityTypes {
		EmitChanged(e.bus, t, scope, OriginLocal)
	}
}

// SyncNow reconciles every collection of scope synchronously
func (e *Engine) SyncNow(ctx context.Context, scope Scope) ([]ReconcileResult, error) {
	results, err := e.reconciler.ReconcileAll(ctx, scope)
	if err != nil {
		return results, fmt.Errorf("failed to sync scope %s: %w", scope, err)
	}
	return results, nil
}

// Close stops the coordinator, then the bus. Pending windows are dropped.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	var errs []error
	if err := e.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if err := e.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
