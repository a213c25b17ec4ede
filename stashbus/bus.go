// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package stashbus is an in-process, typed publish/subscribe bus that
// decouples "something changed" from "go re-fetch now".
//
// Every subscription debounces its handler: an Emit starts (or restarts) a
// quiet window and the handler runs once the window elapses, with the latest
// payload. Handlers are single-flight per coalescing key: when the window
// elapses while the previous invocation is still running, exactly one more
// invocation is scheduled to start right after it finishes.
package stashbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet window used when a subscription sets none
const DefaultDebounce = 300 * time.Millisecond

// Topic is a typed topic; a handler can only subscribe with the matching payload type
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic carrying payloads of type T
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name
func (t Topic[T]) Name() string {
	return t.name
}

func (t Topic[T]) String() string {
	return t.name
}

// Handler processes a payload. Errors are logged by the bus.
type Handler[T any] func(ctx context.Context, payload T) error

// Keyed payloads coalesce per key instead of per subscription.
// Debounce windows and single-flight runs are tracked independently per key.
type Keyed interface {
	CoalesceKey() string
}

type options struct {
	debounce    time.Duration
	debounceSet bool
	name        string
}

// Option configures a subscription
type Option func(*options)

// WithDebounce sets the quiet window. Zero or negative delivers without delay
// (single-flight still applies).
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
		o.debounceSet = true
	}
}

// WithName labels the subscription in logs
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

type subscriber interface {
	deliver(payload any)
	stop()
	idle() bool
}

// Bus routes payloads from Emit to subscriptions
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logger,
		subs:   make(map[string][]subscriber),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers handler for topic and returns a function that removes it
func Subscribe[T any](b *Bus, topic Topic[T], handler Handler[T], opts ...Option) (unsubscribe func()) {
	o := options{debounce: DefaultDebounce, name: topic.name}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.debounceSet {
		o.debounce = DefaultDebounce
	}

	s := &subscription[T]{
		bus:     b,
		name:    o.name,
		handler: handler,
		window:  o.debounce,
		slots:   make(map[string]*slot[T]),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[topic.name] = append(b.subs[topic.name], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(topic.name, s)
			s.stop()
		})
	}
}

// Emit publishes payload to every subscription of topic. It never blocks on handlers.
func Emit[T any](b *Bus, topic Topic[T], payload T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := append([]subscriber(nil), b.subs[topic.name]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(payload)
	}
}

func (b *Bus) remove(topic string, target subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s == target {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Flush waits until no debounce window is pending and no handler is running
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to flush bus: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Bus) idle() bool {
	b.mu.Lock()
	var all []subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()
	for _, s := range all {
		if !s.idle() {
			return false
		}
	}
	return true
}

// Close drops pending windows, cancels the context passed to running handlers
// and waits for them to return. Emit is a no-op afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	b.cancel()
	b.wg.Wait()
	return nil
}
