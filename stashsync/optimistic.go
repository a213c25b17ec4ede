// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-stashsync/stashbus"
)

// optimisticState tracks unconfirmed optimistic values of one record.
// Guarded by Coordinator.mu.
type optimisticState struct {
	localID string
	t       EntityType
	scope   Scope
	fields  Fields // latest values written locally, not yet confirmed

	gen      uint64 // bumped on every local write
	timer    *time.Timer
	queued   bool // timer is a retry slot counted in retryQueued
	inFlight bool
	attempts int

	createKey string // set while a pending-create is being confirmed
}

// overlay feeds unconfirmed values into the mapper so reconciliation does not
// revert them before the server confirms.
func (c *Coordinator) overlay(localID string) Fields {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.optimistic[localID]
	if !ok || len(st.fields) == 0 {
		return nil
	}
	return st.fields.Clone()
}

// SetOptimistic writes a low-risk field locally, marks the record
// pending_sync and schedules a debounced remote update. Rapid writes on one
// record collapse into a single remote call carrying the latest values.
func (c *Coordinator) SetOptimistic(ctx context.Context, localID, field string, value any) (*LocalRecord, error) {
	return c.setOptimistic(ctx, localID, field, func(any) any { return value })
}

// ToggleFavorite flips the favorite flag of a product
func (c *Coordinator) ToggleFavorite(ctx context.Context, localID string) (*LocalRecord, error) {
	return c.setOptimistic(ctx, localID, FieldFavorite, func(current any) any {
		on, _ := current.(bool)
		return !on
	})
}

// CheckIn records that a product was used at the given time
func (c *Coordinator) CheckIn(ctx context.Context, localID string, at time.Time) (*LocalRecord, error) {
	stamp := at.UTC().Format(time.RFC3339)
	return c.setOptimistic(ctx, localID, FieldLastUsedAt, func(any) any { return stamp })
}

func (c *Coordinator) setOptimistic(ctx context.Context, localID, field string, next func(current any) any) (*LocalRecord, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	var updated *LocalRecord
	err := c.store.Update(ctx, OriginLocal, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Get(ctx, localID)
		if err != nil {
			return err
		}
		if !c.config.isOptimistic(rec.Type, field) {
			return fmt.Errorf("%w: %s.%s", ErrNotOptimistic, rec.Type, field)
		}
		if rec.Fields == nil {
			rec.Fields = Fields{}
		}
		rec.Fields[field] = next(rec.Fields[field])
		rec.SyncState = SyncStatePendingSync
		rec.UpdatedAt = c.mapper.now()
		if err := tx.Upsert(ctx, rec); err != nil {
			return err
		}
		updated = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set %s on %s: %w", field, localID, err)
	}

	c.mu.Lock()
	st := c.stateLocked(updated)
	st.fields[field] = updated.Fields[field]
	st.gen++
	st.attempts = 0
	c.scheduleLocked(st, c.config.OptimisticDebounce)
	c.mu.Unlock()

	return updated, nil
}

func (c *Coordinator) stateLocked(rec *LocalRecord) *optimisticState {
	st, ok := c.optimistic[rec.LocalID]
	if !ok {
		st = &optimisticState{localID: rec.LocalID, t: rec.Type, scope: rec.Scope, fields: Fields{}}
		c.optimistic[rec.LocalID] = st
	}
	return st
}

// scheduleLocked (re)starts the dispatch timer of st. Callers hold c.mu.
func (c *Coordinator) scheduleLocked(st *optimisticState, delay time.Duration) {
	if c.closed {
		return
	}
	c.stopTimerLocked(st)
	gen := st.gen
	st.timer = time.AfterFunc(delay, func() { c.dispatch(st.localID, gen) })
}

func (c *Coordinator) stopTimerLocked(st *optimisticState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.queued {
		st.queued = false
		c.retryQueued--
	}
}

func (c *Coordinator) tracked(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.optimistic[localID]
	return ok
}

// forget drops optimistic tracking of a record that no longer exists locally
func (c *Coordinator) forget(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.optimistic[localID]; ok {
		c.stopTimerLocked(st)
		delete(c.optimistic, localID)
	}
}

// dispatch sends the latest unconfirmed values once the quiet window (or the
// retry delay) of generation gen elapses. Only one remote call per record is
// in flight; values written meanwhile go out right after it.
func (c *Coordinator) dispatch(localID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.optimistic[localID]
	if !ok || c.closed || st.gen != gen || st.createKey != "" {
		c.mu.Unlock()
		return
	}
	if st.queued {
		st.queued = false
		c.retryQueued--
	}
	st.timer = nil
	if st.inFlight {
		// completeOptimistic sends the newer generation
		c.mu.Unlock()
		return
	}
	st.inFlight = true
	st.attempts++
	fields := st.fields.Clone()
	attempt := st.attempts
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	start := c.metrics.start()
	err := c.sendOptimistic(c.ctx, localID, fields)
	c.metrics.observe(c.ctx, MetricsOpOptimistic, MetricsStageDispatch, st.t, start, len(fields), attempt, err != nil)
	c.completeOptimistic(localID, gen, err)
}

func (c *Coordinator) sendOptimistic(ctx context.Context, localID string, fields Fields) error {
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec.IsPendingCreate() {
		// values travel with the create
		return errPendingCreate
	}
	_, err = c.remote.Update(ctx, rec.Scope, rec.Type, rec.RemoteID, Patch{Fields: fields})
	return err
}

var errPendingCreate = errors.New("record awaits its create")

func (c *Coordinator) completeOptimistic(localID string, sentGen uint64, err error) {
	c.mu.Lock()
	st, ok := c.optimistic[localID]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.inFlight = false

	switch {
	case err == nil:
		if st.gen != sentGen {
			// newer values were written while the call was in flight
			st.attempts = 0
			if st.timer == nil {
				c.scheduleLocked(st, 0)
			}
			c.mu.Unlock()
			return
		}
		c.stopTimerLocked(st)
		delete(c.optimistic, localID)
		c.mu.Unlock()
		c.markState(localID, st, SyncStateSynced, nil)
		EmitChanged(c.bus, st.t, st.scope, OriginRemote)
		return

	case errors.Is(err, ErrRecordNotFound):
		c.stopTimerLocked(st)
		delete(c.optimistic, localID)
		c.mu.Unlock()
		return

	case errors.Is(err, errPendingCreate):
		// confirmCreate re-dispatches once the record is linked
		st.attempts = 0
		c.mu.Unlock()
		return

	case errors.Is(err, ErrUnauthorized):
		// stays pending_sync until Retry after re-authentication
		st.attempts = 0
		c.mu.Unlock()
		c.logger.Warn("Optimistic update needs re-authentication", "local_id", localID, "error", err)
		c.config.authRequired(c.ctx, st.scope)
		return

	case errors.Is(err, context.Canceled) && c.ctx.Err() != nil:
		c.mu.Unlock()
		return
	}

	if st.gen == sentGen && IsRetryable(err) && st.attempts < c.config.MaxAttempts && c.retryQueued < c.config.RetryQueueSize {
		attempt := st.attempts
		delay := c.config.backoff().Delay(attempt)
		c.scheduleLocked(st, delay)
		st.queued = true
		c.retryQueued++
		c.mu.Unlock()
		c.logger.Info("Optimistic update failed; retry scheduled",
			"local_id", localID, "attempt", attempt, "delay", delay, "error", err)
		return
	}
	if st.gen != sentGen && IsRetryable(err) {
		// newer values supersede the failed ones
		st.attempts = 0
		if st.timer == nil {
			c.scheduleLocked(st, 0)
		}
		c.mu.Unlock()
		return
	}

	c.stopTimerLocked(st)
	delete(c.optimistic, localID)
	attempts := st.attempts
	c.mu.Unlock()
	c.logger.Warn("Optimistic update abandoned; record out of sync",
		"local_id", localID, "attempts", attempts, "error", err)
	c.markState(localID, st, SyncStateOutOfSync, err)
}

// markState persists the delivery state of a record and publishes it
func (c *Coordinator) markState(localID string, st *optimisticState, state SyncState, cause error) {
	err := c.store.Update(c.ctx, OriginRemote, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Get(ctx, localID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.SyncState == state {
			return nil
		}
		if state == SyncStateSynced && c.tracked(localID) {
			// written again after the confirmed call was sent
			return nil
		}
		rec.SyncState = state
		return tx.Upsert(ctx, rec)
	})
	if err != nil {
		c.logger.Error("Failed to persist sync state", "local_id", localID, "state", state, "error", err)
		return
	}
	if c.bus != nil {
		stashbus.Emit(c.bus, SyncStateChanged, SyncStateEvent{
			LocalID: localID, Type: st.t, Scope: st.scope, State: state, Err: cause,
		})
	}
}

// Retry re-sends a record that is out_of_sync or still pending_sync: the
// create of a pending-create, otherwise its optimistic field values.
func (c *Coordinator) Retry(ctx context.Context, localID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec.SyncState == SyncStateSynced {
		return nil
	}

	if rec.IsPendingCreate() {
		c.mu.Lock()
		st := c.stateLocked(rec)
		busy := st.createKey != ""
		if !busy {
			st.createKey = uuid.NewString()
		}
		key := st.createKey
		c.mu.Unlock()
		if busy {
			return nil
		}
		if rec.SyncState != SyncStatePendingSync {
			c.markState(localID, st, SyncStatePendingSync, nil)
		}
		c.startConfirm(localID, key)
		return nil
	}

	fields := Fields{}
	for _, f := range c.config.OptimisticFields[rec.Type] {
		if v, ok := rec.Fields[f]; ok {
			fields[f] = v
		}
	}
	if len(fields) == 0 {
		c.markState(localID, &optimisticState{t: rec.Type, scope: rec.Scope}, SyncStateSynced, nil)
		return nil
	}

	// persisted before dispatch so a fast confirmation cannot be overwritten
	if rec.SyncState != SyncStatePendingSync {
		c.markState(localID, &optimisticState{t: rec.Type, scope: rec.Scope}, SyncStatePendingSync, nil)
	}

	c.mu.Lock()
	st := c.stateLocked(rec)
	for k, v := range fields {
		if _, pending := st.fields[k]; !pending {
			st.fields[k] = v
		}
	}
	st.gen++
	st.attempts = 0
	c.scheduleLocked(st, 0)
	c.mu.Unlock()
	return nil
}

// createLocalFirst stores a pending-create and confirms it in the background
func (c *Coordinator) createLocalFirst(ctx context.Context, scope Scope, t EntityType, fields Fields) (*LocalRecord, error) {
	rec := &LocalRecord{
		LocalID:   uuid.NewString(),
		Type:      t,
		Scope:     scope,
		Fields:    fields.Clone(),
		SyncState: SyncStatePendingSync,
		UpdatedAt: c.mapper.now(),
	}
	if rec.Fields == nil {
		rec.Fields = Fields{}
	}
	err := c.store.Update(ctx, OriginLocal, func(ctx context.Context, tx Tx) error {
		return tx.Upsert(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store pending %s: %w", t, err)
	}

	key := uuid.NewString()
	c.mu.Lock()
	c.stateLocked(rec).createKey = key
	c.mu.Unlock()

	c.startConfirm(rec.LocalID, key)
	return rec.Clone(), nil
}

func (c *Coordinator) startConfirm(localID, key string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.confirmCreate(c.ctx, localID, key)
	}()
}

// confirmCreate sends a pending-create to the remote with backoff. The
// dedupe key stays the same across attempts so a create that reached the
// server before a timeout is answered as a conflict and linked, not duplicated.
// When the user discarded the record meanwhile, the remote entity is deleted
// again.
func (c *Coordinator) confirmCreate(ctx context.Context, localID, key string) {
	backoff := c.config.backoff()
	var lastErr error
	attempt := 0
	for attempt < c.config.MaxAttempts {
		attempt++
		rec, err := c.store.Get(ctx, localID)
		if errors.Is(err, ErrRecordNotFound) {
			c.clearCreate(localID, key)
			return
		}
		if err != nil {
			lastErr = err
			break
		}
		if !rec.IsPendingCreate() {
			c.clearCreate(localID, key)
			return
		}

		patch, err := c.mapper.ToPatch(ctx, c.store, rec)
		if err != nil {
			lastErr = err
			break
		}
		patch.DedupeKey = key

		start := c.metrics.start()
		summary, err := c.remote.Create(ctx, rec.Scope, rec.Type, patch)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			summary, err = c.lookupRemote(ctx, rec.Scope, rec.Type, conflict.RemoteID)
		}
		c.metrics.observe(ctx, MetricsOpMutation, MetricsStageRemote, rec.Type, start, 1, attempt, err != nil)
		if err == nil {
			if summary.Type == "" {
				summary.Type = rec.Type
			}
			c.finishCreate(ctx, rec, summary, key)
			return
		}

		lastErr = err
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			c.clearCreate(localID, key)
			c.logger.Warn("Pending create needs re-authentication", "local_id", localID, "error", err)
			c.config.authRequired(ctx, rec.Scope)
			return
		}
		if !IsRetryable(err) {
			break
		}
		if attempt < c.config.MaxAttempts {
			if sleepWithContext(ctx, backoff.Delay(attempt)) != nil {
				return
			}
		}
	}

	c.mu.Lock()
	if st, ok := c.optimistic[localID]; ok && st.createKey == key {
		st.createKey = ""
		c.stopTimerLocked(st)
		delete(c.optimistic, localID)
	}
	c.mu.Unlock()
	rec, err := c.store.Get(ctx, localID)
	if err != nil {
		return
	}
	c.logger.Warn("Pending create abandoned; record out of sync", "local_id", localID, "attempts", attempt, "error", lastErr)
	c.markState(localID, &optimisticState{t: rec.Type, scope: rec.Scope}, SyncStateOutOfSync, lastErr)
}

func (c *Coordinator) finishCreate(ctx context.Context, rec *LocalRecord, summary RemoteSummary, key string) {
	discarded := false
	err := c.store.Update(ctx, OriginRemote, func(ctx context.Context, tx Tx) error {
		tombstoned, err := tx.Tombstoned(ctx, rec.LocalID)
		if err != nil {
			return err
		}
		cur, err := tx.Get(ctx, rec.LocalID)
		if errors.Is(err, ErrRecordNotFound) || tombstoned {
			discarded = true
			return nil
		}
		if err != nil {
			return err
		}

		existing, err := tx.Query(ctx, Query{Type: rec.Type, Scope: rec.Scope, RemoteID: summary.RemoteID})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			// reconciliation linked the entity before we did; drop the local twin
			return tx.Delete(ctx, cur.LocalID)
		}
		cur.RemoteID = summary.RemoteID
		if err := tx.Upsert(ctx, cur); err != nil {
			return err
		}
		session := c.mapper.NewSession(tx, rec.Scope)
		session.Seed(rec.Type, []*LocalRecord{cur})
		_, _, err = session.Link(ctx, summary)
		return err
	})
	if err != nil {
		c.logger.Error("Failed to link confirmed create", "local_id", rec.LocalID, "remote_id", summary.RemoteID, "error", err)
		return
	}

	if discarded {
		c.clearCreate(rec.LocalID, key)
		c.logger.Info("Pending create was discarded while in flight; deleting remote entity",
			"local_id", rec.LocalID, "remote_id", summary.RemoteID)
		if err := c.remote.Delete(ctx, rec.Scope, rec.Type, summary.RemoteID); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("Compensating delete failed", "remote_id", summary.RemoteID, "error", err)
		}
		EmitChanged(c.bus, rec.Type, rec.Scope, OriginRemote)
		return
	}

	// optimistic values written after the create was sent still need their own update
	followUp := false
	c.mu.Lock()
	if st, ok := c.optimistic[rec.LocalID]; ok && st.createKey == key {
		st.createKey = ""
		if len(st.fields) == 0 {
			delete(c.optimistic, rec.LocalID)
		} else {
			st.attempts = 0
			c.scheduleLocked(st, 0)
			followUp = true
		}
	}
	c.mu.Unlock()
	if !followUp && c.bus != nil {
		stashbus.Emit(c.bus, SyncStateChanged, SyncStateEvent{
			LocalID: rec.LocalID, Type: rec.Type, Scope: rec.Scope, State: SyncStateSynced,
		})
	}
	EmitChanged(c.bus, rec.Type, rec.Scope, OriginRemote)
}

func (c *Coordinator) clearCreate(localID, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.optimistic[localID]
	if !ok || st.createKey != key {
		return
	}
	st.createKey = ""
	if len(st.fields) == 0 {
		c.stopTimerLocked(st)
		delete(c.optimistic, localID)
	}
}
