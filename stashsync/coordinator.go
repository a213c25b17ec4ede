// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-stashsync/stashbus"
)

// Coordinator applies user-issued mutations against the local store and the
// remote, choosing remote-first or optimistic-local ordering per entity class.
//
// Every store write, including completions of asynchronous remote calls, goes
// through Store.Update, which is the single serialization point for writes.
type Coordinator struct {
	store   Store
	remote  Remote
	mapper  *Mapper
	bus     *stashbus.Bus
	config  *Config
	logger  *slog.Logger
	metrics stageObserver

	mu          sync.Mutex
	optimistic  map[string]*optimisticState
	retryQueued int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator. The mapper should be the one shared with
// the Reconciler so that unconfirmed optimistic values survive reconciliation.
// A nil bus disables change events.
func NewCoordinator(store Store, remote Remote, mapper *Mapper, bus *stashbus.Bus, config *Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if mapper == nil {
		mapper = NewMapper(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      store,
		remote:     remote,
		mapper:     mapper,
		bus:        bus,
		config:     config,
		logger:     logger,
		metrics:    stageObserver{recorder: config.StageMetrics, logTimings: config.LogStageTimings, logger: logger},
		optimistic: make(map[string]*optimisticState),
		ctx:        ctx,
		cancel:     cancel,
	}
	mapper.SetOverlay(c.overlay)
	return c
}

// Close stops pending timers and waits for in-flight remote calls to finish
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, st := range c.optimistic {
		c.stopTimerLocked(st)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// Create creates an entity. Remote-first types are created on the server and
// linked locally only after success. Local-first types are stored as a
// pending-create right away and confirmed in the background.
func (c *Coordinator) Create(ctx context.Context, scope Scope, t EntityType, fields Fields) (*LocalRecord, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.config.strategy(t) == LocalFirst {
		return c.createLocalFirst(ctx, scope, t, fields)
	}

	start := c.metrics.start()
	patch := Patch{Fields: fields.Clone(), DedupeKey: uuid.NewString()}
	summary, err := c.createRemote(ctx, scope, t, patch)
	c.metrics.observe(ctx, MetricsOpMutation, MetricsStageRemote, t, start, 1, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", t, err)
	}

	rec, err := c.linkSummary(ctx, scope, summary, OriginLocal)
	if err != nil {
		return nil, err
	}
	c.emitChanged(t, scope)
	return rec, nil
}

// createRemote runs a remote create with transient retries. An "already
// exists" answer is treated as success: the collection is re-queried and the
// summary carrying the reported identity is returned.
func (c *Coordinator) createRemote(ctx context.Context, scope Scope, t EntityType, patch Patch) (RemoteSummary, error) {
	var summary RemoteSummary
	err := retryTransient(ctx, c.config.MutationAttempts, c.config.backoff(), func(ctx context.Context) error {
		var err error
		summary, err = c.remote.Create(ctx, scope, t, patch)
		return err
	})

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		c.logger.Info("Remote reported existing entity on create; linking it",
			"type", t, "scope", scope, "remote_id", conflict.RemoteID)
		return c.lookupRemote(ctx, scope, t, conflict.RemoteID)
	}
	if err != nil {
		c.handleRemoteError(ctx, scope, err)
		return RemoteSummary{}, err
	}
	return summary, nil
}

func (c *Coordinator) lookupRemote(ctx context.Context, scope Scope, t EntityType, remoteID string) (RemoteSummary, error) {
	var summaries []RemoteSummary
	err := retryTransient(ctx, c.config.MutationAttempts, c.config.backoff(), func(ctx context.Context) error {
		var err error
		summaries, err = c.remote.FetchCollection(ctx, scope, t)
		return err
	})
	if err != nil {
		c.handleRemoteError(ctx, scope, err)
		return RemoteSummary{}, fmt.Errorf("failed to re-query %s after conflict: %w", t.Collection(), err)
	}
	for _, s := range summaries {
		if s.RemoteID == remoteID {
			if s.Type == "" {
				s.Type = t
			}
			return s, nil
		}
	}
	return RemoteSummary{}, fmt.Errorf("conflicting %s %s not present in collection: %w", t, remoteID, ErrNotFound)
}

// Update changes server-owned fields. Linked records are updated remote-first;
// a pending-create is updated locally and its values go out with its create.
func (c *Coordinator) Update(ctx context.Context, localID string, fields Fields) (*LocalRecord, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return nil, err
	}

	if rec.IsPendingCreate() {
		var updated *LocalRecord
		err := c.store.Update(ctx, OriginLocal, func(ctx context.Context, tx Tx) error {
			cur, err := tx.Get(ctx, localID)
			if err != nil {
				return err
			}
			if cur.Fields == nil {
				cur.Fields = Fields{}
			}
			for k, v := range fields {
				cur.Fields[k] = v
			}
			cur.UpdatedAt = c.mapper.now()
			updated = cur
			return tx.Upsert(ctx, cur)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update pending %s %s: %w", rec.Type, localID, err)
		}
		return updated, nil
	}

	start := c.metrics.start()
	summary, err := c.updateRemote(ctx, rec, Patch{Fields: fields.Clone()})
	c.metrics.observe(ctx, MetricsOpMutation, MetricsStageRemote, rec.Type, start, 1, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", rec.Type, rec.RemoteID, err)
	}
	updated, err := c.linkSummary(ctx, rec.Scope, summary, OriginLocal)
	if err != nil {
		return nil, err
	}
	c.emitChanged(rec.Type, rec.Scope)
	return updated, nil
}

func (c *Coordinator) updateRemote(ctx context.Context, rec *LocalRecord, patch Patch) (RemoteSummary, error) {
	var summary RemoteSummary
	err := retryTransient(ctx, c.config.MutationAttempts, c.config.backoff(), func(ctx context.Context) error {
		var err error
		summary, err = c.remote.Update(ctx, rec.Scope, rec.Type, rec.RemoteID, patch)
		return err
	})
	if err != nil {
		c.handleRemoteError(ctx, rec.Scope, err)
		return RemoteSummary{}, err
	}
	if summary.Type == "" {
		summary.Type = rec.Type
	}
	return summary, nil
}

// Delete removes a linked record remote-first. The user must confirm through
// Config.Confirm. The local record is removed only after the remote confirms
// (an already missing remote entity counts as confirmed); on failure it is
// retained and the error returned. Pending-creates cannot be deleted; they
// are discarded with Discard.
func (c *Coordinator) Delete(ctx context.Context, localID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec.IsPendingCreate() {
		return ErrNotDeletable
	}
	if c.config.Confirm == nil || !c.config.Confirm(ctx, rec) {
		return ErrNotConfirmed
	}

	start := c.metrics.start()
	err = retryTransient(ctx, c.config.MutationAttempts, c.config.backoff(), func(ctx context.Context) error {
		return c.remote.Delete(ctx, rec.Scope, rec.Type, rec.RemoteID)
	})
	c.metrics.observe(ctx, MetricsOpMutation, MetricsStageRemote, rec.Type, start, 1, 1, err != nil && !errors.Is(err, ErrNotFound))
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.handleRemoteError(ctx, rec.Scope, err)
		return fmt.Errorf("failed to delete %s %s: %w", rec.Type, rec.RemoteID, err)
	}

	if err := c.deleteLocal(ctx, localID, OriginLocal); err != nil {
		return fmt.Errorf("remote deleted %s %s but local delete failed: %w", rec.Type, rec.RemoteID, err)
	}
	c.emitChanged(rec.Type, rec.Scope)
	return nil
}

// Discard drops a pending-create that the server has never seen
func (c *Coordinator) Discard(ctx context.Context, localID string) error {
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if !rec.IsPendingCreate() {
		return ErrNotPendingCreate
	}
	return c.deleteLocal(ctx, localID, OriginLocal)
}

func (c *Coordinator) deleteLocal(ctx context.Context, localID string, origin Origin) error {
	c.forget(localID)
	return c.store.Update(ctx, origin, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Get(ctx, localID); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil
			}
			return err
		}
		return tx.Delete(ctx, localID)
	})
}

// Relate adds an edge between a product and a bag or tag, remote-first
func (c *Coordinator) Relate(ctx context.Context, productID, otherID string) (*LocalRecord, error) {
	return c.changeRelation(ctx, productID, otherID, true)
}

// Unrelate removes an edge between a product and a bag or tag, remote-first
func (c *Coordinator) Unrelate(ctx context.Context, productID, otherID string) (*LocalRecord, error) {
	return c.changeRelation(ctx, productID, otherID, false)
}

func (c *Coordinator) changeRelation(ctx context.Context, productID, otherID string, add bool) (*LocalRecord, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	product, err := c.store.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	other, err := c.store.Get(ctx, otherID)
	if err != nil {
		return nil, err
	}
	if product.Type != EntityProduct || (other.Type != EntityBag && other.Type != EntityTag) {
		return nil, fmt.Errorf("cannot relate %s to %s", product.Type, other.Type)
	}
	if product.Scope != other.Scope {
		return nil, fmt.Errorf("cannot relate records of different scopes")
	}
	if product.IsPendingCreate() || other.IsPendingCreate() {
		return nil, ErrNotLinked
	}

	patch, err := c.mapper.ToPatch(ctx, c.store, product)
	if err != nil {
		return nil, err
	}
	related := patch.Relations[other.Type]
	if add {
		if !slices.Contains(related, other.RemoteID) {
			related = append(related, other.RemoteID)
		}
	} else {
		related = slices.DeleteFunc(related, func(id string) bool { return id == other.RemoteID })
	}
	if related == nil {
		related = []string{}
	}
	slices.Sort(related)

	summary, err := c.updateRemote(ctx, product, Patch{Relations: map[EntityType][]string{other.Type: related}})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s relations of product %s: %w", other.Type, product.RemoteID, err)
	}
	updated, err := c.linkSummary(ctx, product.Scope, summary, OriginLocal)
	if err != nil {
		return nil, err
	}
	c.emitChanged(EntityProduct, product.Scope)
	c.emitChanged(other.Type, other.Scope)
	return updated, nil
}

// linkSummary merges a confirmed summary into the store in its own transaction
func (c *Coordinator) linkSummary(ctx context.Context, scope Scope, summary RemoteSummary, origin Origin) (*LocalRecord, error) {
	var linked *LocalRecord
	err := c.store.Update(ctx, origin, func(ctx context.Context, tx Tx) error {
		existing, err := tx.Query(ctx, Query{Type: summary.Type, Scope: scope, RemoteID: summary.RemoteID})
		if err != nil {
			return err
		}
		session := c.mapper.NewSession(tx, scope)
		session.Seed(summary.Type, existing)
		rec, _, err := session.Link(ctx, summary)
		if err != nil {
			return err
		}
		linked = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link %s %s: %w", summary.Type, summary.RemoteID, err)
	}
	return linked, nil
}

func (c *Coordinator) handleRemoteError(ctx context.Context, scope Scope, err error) {
	if errors.Is(err, ErrUnauthorized) {
		c.config.authRequired(ctx, scope)
	}
}

func (c *Coordinator) emitChanged(t EntityType, scope Scope) {
	EmitChanged(c.bus, t, scope, OriginRemote)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
