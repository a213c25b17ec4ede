// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ReconcileResult summarizes one reconciliation pass
type ReconcileResult struct {
	Type       EntityType
	Scope      Scope
	Fetched    int
	Created    int
	Updated    int
	Deleted    int
	Unchanged  int
	Duplicates int // local records sharing a remote id, left untouched
}

// Changed reports whether the pass wrote anything
func (r ReconcileResult) Changed() bool {
	return r.Created+r.Updated+r.Deleted > 0
}

type reconcileKey struct {
	t     EntityType
	scope Scope
}

// Reconciler converges the local records of one entity type to remote truth
type Reconciler struct {
	store   Store
	remote  Remote
	mapper  *Mapper
	config  *Config
	logger  *slog.Logger
	metrics stageObserver

	mu    sync.Mutex
	locks map[reconcileKey]*sync.Mutex
}

// NewReconciler wires a reconciler. Nil mapper, config or logger get defaults.
func NewReconciler(store Store, remote Remote, mapper *Mapper, config *Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if mapper == nil {
		mapper = NewMapper(logger)
	}
	return &Reconciler{
		store:   store,
		remote:  remote,
		mapper:  mapper,
		config:  config,
		logger:  logger,
		metrics: stageObserver{recorder: config.StageMetrics, logTimings: config.LogStageTimings, logger: logger},
		locks:   make(map[reconcileKey]*sync.Mutex),
	}
}

func (r *Reconciler) lockFor(t EntityType, scope Scope) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reconcileKey{t: t, scope: scope}
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Reconcile fetches the remote collection for t and makes the local store match it.
//
// The local snapshot is taken before the fetch and deletions are only derived
// from it: a record linked while the fetch was in flight is never removed by
// that pass. When the fetch fails the local store is not touched and the
// returned error wraps ErrReconcileAborted together with the remote cause.
// All writes of a pass (links first, then deletes) commit in a single store
// transaction. Concurrent calls for the same (type, scope) run one after another.
func (r *Reconciler) Reconcile(ctx context.Context, t EntityType, scope Scope) (ReconcileResult, error) {
	result := ReconcileResult{Type: t, Scope: scope}
	if !t.Valid() {
		return result, fmt.Errorf("unknown entity type %q", t)
	}

	l := r.lockFor(t, scope)
	l.Lock()
	defer l.Unlock()

	totalStart := r.metrics.start()

	snapshot, err := r.store.Query(ctx, Query{Type: t, Scope: scope})
	if err != nil {
		r.metrics.observe(ctx, MetricsOpReconcile, MetricsStageTotal, t, totalStart, 0, 1, true)
		return result, fmt.Errorf("failed to query local %s records: %w", t, err)
	}

	fetchStart := r.metrics.start()
	summaries, err := r.remote.FetchCollection(ctx, scope, t)
	r.metrics.observe(ctx, MetricsOpReconcile, MetricsStageFetch, t, fetchStart, len(summaries), 1, err != nil)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			r.config.authRequired(ctx, scope)
		}
		r.logger.Warn("Reconcile aborted, local state preserved", "type", t, "scope", scope, "error", err)
		r.metrics.observe(ctx, MetricsOpReconcile, MetricsStageTotal, t, totalStart, 0, 1, true)
		return result, fmt.Errorf("%w: failed to fetch %s: %w", ErrReconcileAborted, t.Collection(), err)
	}
	summaries = r.sanitize(t, summaries)
	result.Fetched = len(summaries)

	applyStart := r.metrics.start()
	err = r.store.Update(ctx, OriginReconcile, func(ctx context.Context, tx Tx) error {
		result.Created, result.Updated, result.Deleted, result.Unchanged, result.Duplicates = 0, 0, 0, 0, 0

		local, err := tx.Query(ctx, Query{Type: t, Scope: scope})
		if err != nil {
			return fmt.Errorf("failed to query local %s records: %w", t, err)
		}
		session := r.mapper.NewSession(tx, scope)
		idx := session.Seed(t, local)
		result.Duplicates = len(idx.Duplicates)

		remoteIDs := make(map[string]struct{}, len(summaries))
		for _, s := range summaries {
			remoteIDs[s.RemoteID] = struct{}{}
		}

		for _, s := range summaries {
			_, outcome, err := session.Link(ctx, s)
			if err != nil {
				return err
			}
			switch outcome {
			case LinkCreated:
				result.Created++
			case LinkUpdated:
				result.Updated++
			default:
				result.Unchanged++
			}
		}

		for _, candidate := range snapshot {
			if candidate.RemoteID == "" {
				continue
			}
			if _, ok := remoteIDs[candidate.RemoteID]; ok {
				continue
			}
			rec, err := tx.Get(ctx, candidate.LocalID)
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to reload %s %s: %w", t, candidate.LocalID, err)
			}
			if rec.RemoteID != candidate.RemoteID {
				continue
			}
			if err := tx.Delete(ctx, rec.LocalID); err != nil {
				return fmt.Errorf("failed to delete %s %s: %w", t, rec.LocalID, err)
			}
			result.Deleted++
		}
		return nil
	})
	r.metrics.observe(ctx, MetricsOpReconcile, MetricsStageApply, t, applyStart, result.Created+result.Updated+result.Deleted, 1, err != nil)
	r.metrics.observe(ctx, MetricsOpReconcile, MetricsStageTotal, t, totalStart, result.Fetched, 1, err != nil)
	if err != nil {
		return ReconcileResult{Type: t, Scope: scope}, fmt.Errorf("failed to apply %s reconciliation: %w", t, err)
	}

	if result.Duplicates > 0 {
		r.logger.Warn("Local store holds duplicate remote ids", "type", t, "scope", scope, "duplicates", result.Duplicates)
	}
	r.logger.Debug("Reconciled",
		"type", t, "scope", scope, "fetched", result.Fetched,
		"created", result.Created, "updated", result.Updated, "deleted", result.Deleted)
	return result, nil
}

// sanitize drops summaries that cannot be linked: missing remote id, wrong
// type, or a remote id repeated within the same response (first wins).
func (r *Reconciler) sanitize(t EntityType, summaries []RemoteSummary) []RemoteSummary {
	seen := make(map[string]struct{}, len(summaries))
	out := summaries[:0:0]
	for _, s := range summaries {
		if s.Type == "" {
			s.Type = t
		}
		switch {
		case s.RemoteID == "":
			r.logger.Warn("Ignoring remote summary without id", "type", t)
			continue
		case s.Type != t:
			r.logger.Warn("Ignoring remote summary of unexpected type", "type", t, "got", s.Type, "remote_id", s.RemoteID)
			continue
		}
		if _, dup := seen[s.RemoteID]; dup {
			r.logger.Warn("Ignoring repeated remote summary", "type", t, "remote_id", s.RemoteID)
			continue
		}
		seen[s.RemoteID] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ReconcileAll reconciles every entity type for scope. Relationship targets
// (bags, tags) run concurrently first so product edges can resolve against
// them; products run last. Failures of one type do not stop the others.
func (r *Reconciler) ReconcileAll(ctx context.Context, scope Scope) ([]ReconcileResult, error) {
	var (
		mu      sync.Mutex
		results []ReconcileResult
		errs    []error
	)
	run := func(t EntityType) error {
		res, err := r.Reconcile(ctx, t, scope)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		results = append(results, res)
		return nil
	}

	var g errgroup.Group
	for _, t := range []EntityType{EntityBag, EntityTag} {
		g.Go(func() error { return run(t) })
	}
	_ = g.Wait()

	_ = run(EntityProduct)
	return results, errors.Join(errs...)
}
