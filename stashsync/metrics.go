// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpReconcile  = "reconcile"
	MetricsOpMutation   = "mutation"
	MetricsOpOptimistic = "optimistic"

	MetricsStageTotal    = "total"
	MetricsStageFetch    = "fetch"
	MetricsStageApply    = "apply"
	MetricsStageRemote   = "remote"
	MetricsStageDispatch = "dispatch"
)

type StageTiming struct {
	Operation  string
	Stage      string
	EntityType EntityType
	Duration   time.Duration
	Count      int
	Attempt    int
	Error      bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver is shared by the reconciler and the coordinator
type stageObserver struct {
	recorder   StageMetricsRecorder
	logTimings bool
	logger     *slog.Logger
}

func (o stageObserver) start() time.Time {
	if o.recorder == nil && !o.logTimings {
		return time.Time{}
	}
	return time.Now()
}

func (o stageObserver) observe(ctx context.Context, op, stage string, t EntityType, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation:  op,
		Stage:      stage,
		EntityType: t,
		Duration:   time.Since(start),
		Count:      count,
		Attempt:    attempt,
		Error:      hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimings && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"type", timing.EntityType,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
