// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"context"
	"slices"
	"time"
)

// Strategy selects the ordering of local and remote writes for user mutations
type Strategy int

const (
	// RemoteFirst calls the remote and mutates the local store only after success.
	RemoteFirst Strategy = iota
	// LocalFirst stores a pending-create immediately and confirms it asynchronously.
	LocalFirst
)

func (s Strategy) String() string {
	switch s {
	case RemoteFirst:
		return "remote-first"
	case LocalFirst:
		return "local-first"
	default:
		return "unknown"
	}
}

// Optimistic product fields
const (
	FieldFavorite   = "favorite"
	FieldLastUsedAt = "last_used_at"
)

// Config holds configuration for the reconciler, coordinator and engine
type Config struct {
	// Strategies selects, per entity type, how creates are ordered (default RemoteFirst).
	Strategies map[EntityType]Strategy
	// OptimisticFields lists, per type, the low-risk fields written locally first.
	OptimisticFields map[EntityType][]string
	// OptimisticDebounce collapses rapid optimistic writes on one record into one remote call.
	OptimisticDebounce time.Duration

	// Debounce is the quiet window before a change event triggers reconciliation, per type.
	Debounce map[EntityType]time.Duration

	MutationAttempts int           // attempts for remote-first calls on transient errors
	MaxAttempts      int           // delivery attempts for optimistic updates before out_of_sync
	RetryQueueSize   int           // bound of the optimistic redelivery queue
	BackoffMin       time.Duration // 1s
	BackoffMax       time.Duration // 60s

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	// OnAuthRequired is signalled when the remote rejects the session token.
	// The engine never attempts re-authentication itself.
	OnAuthRequired func(ctx context.Context, scope Scope)
	// Confirm asks the user to approve a destructive action. Nil denies.
	Confirm func(ctx context.Context, rec *LocalRecord) bool
}

// DefaultConfig returns the configuration used by the mobile app
func DefaultConfig() *Config {
	return &Config{
		Strategies: map[EntityType]Strategy{
			EntityBag:     RemoteFirst,
			EntityTag:     RemoteFirst,
			EntityProduct: RemoteFirst,
		},
		OptimisticFields: map[EntityType][]string{
			EntityProduct: {FieldFavorite, FieldLastUsedAt},
		},
		OptimisticDebounce: 500 * time.Millisecond,
		Debounce: map[EntityType]time.Duration{
			EntityBag:     300 * time.Millisecond,
			EntityTag:     300 * time.Millisecond,
			EntityProduct: 500 * time.Millisecond,
		},
		MutationAttempts: 3,
		MaxAttempts:      5,
		RetryQueueSize:   64,
		BackoffMin:       1 * time.Second,
		BackoffMax:       60 * time.Second,
	}
}

func (c *Config) strategy(t EntityType) Strategy {
	if s, ok := c.Strategies[t]; ok {
		return s
	}
	return RemoteFirst
}

func (c *Config) isOptimistic(t EntityType, field string) bool {
	return slices.Contains(c.OptimisticFields[t], field)
}

func (c *Config) debounce(t EntityType) time.Duration {
	if d, ok := c.Debounce[t]; ok && d > 0 {
		return d
	}
	return 300 * time.Millisecond
}

func (c *Config) backoff() Backoff {
	return Backoff{Min: c.BackoffMin, Max: c.BackoffMax}
}

func (c *Config) authRequired(ctx context.Context, scope Scope) {
	if c.OnAuthRequired != nil {
		c.OnAuthRequired(ctx, scope)
	}
}
