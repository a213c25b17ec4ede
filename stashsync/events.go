// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashsync

import (
	"fmt"

	"github.com/mobiletoly/go-stashsync/stashbus"
)

// ChangeEvent says a collection may differ from remote truth and should be re-pulled
type ChangeEvent struct {
	Type   EntityType
	Scope  Scope
	Origin Origin
}

// CoalesceKey debounces change events per (type, scope)
func (e ChangeEvent) CoalesceKey() string {
	return fmt.Sprintf("%s/%s", e.Type, e.Scope)
}

// CommitEvent is the post-commit "store changed" signal consumed by read-side caches
type CommitEvent struct {
	Commit
}

// SyncStateEvent reports a record whose optimistic mutation changed delivery state,
// e.g. became out_of_sync after retries were exhausted.
type SyncStateEvent struct {
	LocalID string
	Type    EntityType
	Scope   Scope
	State   SyncState
	Err     error
}

// CoalesceKey keeps state events of different records apart
func (e SyncStateEvent) CoalesceKey() string {
	return e.LocalID
}

var (
	BagsChanged      = stashbus.NewTopic[ChangeEvent]("bags-changed")
	TagsChanged      = stashbus.NewTopic[ChangeEvent]("tags-changed")
	ProductsChanged  = stashbus.NewTopic[ChangeEvent]("products-changed")
	StoreCommitted   = stashbus.NewTopic[CommitEvent]("store-committed")
	SyncStateChanged = stashbus.NewTopic[SyncStateEvent]("sync-state-changed")
)

// ChangedTopic returns the change topic of an entity collection
func ChangedTopic(t EntityType) stashbus.Topic[ChangeEvent] {
	switch t {
	case EntityBag:
		return BagsChanged
	case EntityTag:
		return TagsChanged
	default:
		return ProductsChanged
	}
}

// EmitChanged publishes a change event for t on bus (nil bus is a no-op)
func EmitChanged(bus *stashbus.Bus, t EntityType, scope Scope, origin Origin) {
	if bus == nil {
		return
	}
	stashbus.Emit(bus, ChangedTopic(t), ChangeEvent{Type: t, Scope: scope, Origin: origin})
}
