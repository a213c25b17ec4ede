// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package stashbus

import (
	"fmt"
	"sync"
	"time"
)

// slot is the debounce and single-flight state of one coalescing key
type slot[T any] struct {
	latest  T
	gen     uint64
	timer   *time.Timer
	armed   bool
	running bool
	rerun   bool
}

type subscription[T any] struct {
	bus     *Bus
	name    string
	handler Handler[T]
	window  time.Duration

	mu      sync.Mutex
	slots   map[string]*slot[T]
	stopped bool
}

func keyOf[T any](payload T) string {
	if k, ok := any(payload).(Keyed); ok {
		return k.CoalesceKey()
	}
	return ""
}

func (s *subscription[T]) deliver(payload any) {
	v, ok := payload.(T)
	if !ok {
		s.bus.logger.Error("Dropping payload of unexpected type", "subscription", s.name, "payload", fmt.Sprintf("%T", payload))
		return
	}
	key := keyOf(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot[T]{}
		s.slots[key] = sl
	}
	sl.latest = v
	sl.gen++

	if s.window <= 0 {
		s.startLocked(key, sl)
		return
	}

	// restart the quiet window; a stale timer that already fired sees a newer gen and backs off
	if sl.timer != nil {
		sl.timer.Stop()
	}
	gen := sl.gen
	sl.armed = true
	sl.timer = time.AfterFunc(s.window, func() { s.fire(key, gen) })
}

func (s *subscription[T]) fire(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok || s.stopped || sl.gen != gen {
		return
	}
	sl.armed = false
	sl.timer = nil
	s.startLocked(key, sl)
}

// startLocked runs the handler or, when one is already running for key,
// schedules exactly one rerun. Callers hold s.mu.
func (s *subscription[T]) startLocked(key string, sl *slot[T]) {
	if sl.running {
		sl.rerun = true
		return
	}

	s.bus.mu.Lock()
	closed := s.bus.closed
	if !closed {
		s.bus.wg.Add(1)
	}
	s.bus.mu.Unlock()
	if closed {
		return
	}

	sl.running = true
	payload := sl.latest
	go s.run(key, sl, payload)
}

func (s *subscription[T]) run(key string, sl *slot[T], payload T) {
	defer s.bus.wg.Done()
	for {
		s.invoke(key, payload)

		s.mu.Lock()
		if sl.rerun && !s.stopped {
			sl.rerun = false
			payload = sl.latest
			s.mu.Unlock()
			continue
		}
		sl.rerun = false
		sl.running = false
		if !sl.armed && s.slots[key] == sl {
			delete(s.slots, key)
		}
		s.mu.Unlock()
		return
	}
}

func (s *subscription[T]) invoke(key string, payload T) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("Subscription handler panicked", "subscription", s.name, "key", key, "panic", r)
		}
	}()
	start := time.Now()
	if err := s.handler(s.bus.ctx, payload); err != nil {
		s.bus.logger.Warn("Subscription handler failed", "subscription", s.name, "key", key,
			"duration", time.Since(start), "error", err)
		return
	}
	s.bus.logger.Debug("Subscription handler completed", "subscription", s.name, "key", key,
		"duration", time.Since(start))
}

func (s *subscription[T]) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, sl := range s.slots {
		if sl.timer != nil {
			sl.timer.Stop()
			sl.timer = nil
		}
		sl.armed = false
		if !sl.running {
			delete(s.slots, key)
		}
	}
}

func (s *subscription[T]) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) == 0
}
