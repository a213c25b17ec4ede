package stashbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type keyed struct {
	key string
	n   int
}

func (k keyed) CoalesceKey() string { return k.key }

func newBus(t *testing.T) *Bus {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func flushBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestDebounceCollapsesBurst(t *testing.T) {
	b := newBus(t)
	topic := NewTopic[int]("numbers")

	var mu sync.Mutex
	var got []int
	Subscribe(b, topic, func(_ context.Context, n int) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
		return nil
	}, WithDebounce(50*time.Millisecond))

	for i := 1; i <= 5; i++ {
		Emit(b, topic, i)
	}
	flushBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{5}, got, "one delivery carrying the latest payload")
}

func TestKeyedPayloadsDebounceIndependently(t *testing.T) {
	b := newBus(t)
	topic := NewTopic[keyed]("keyed")

	var mu sync.Mutex
	got := map[string]int{}
	calls := 0
	Subscribe(b, topic, func(_ context.Context, k keyed) error {
		mu.Lock()
		defer mu.Unlock()
		got[k.key] = k.n
		calls++
		return nil
	}, WithDebounce(30*time.Millisecond))

	Emit(b, topic, keyed{key: "a", n: 1})
	Emit(b, topic, keyed{key: "b", n: 1})
	Emit(b, topic, keyed{key: "a", n: 2})
	flushBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
	require.Equal(t, map[string]int{"a": 2, "b": 1}, got)
}

func TestSingleFlightSchedulesOneRerun(t *testing.T) {
	b := newBus(t)
	topic := NewTopic[int]("single-flight")

	started := make(chan int, 8)
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var got []int
	Subscribe(b, topic, func(_ context.Context, n int) error {
		cur := running.Add(1)
		defer running.Add(-1)
		if cur > maxRunning.Load() {
			maxRunning.Store(cur)
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		started <- n
		if n == 1 {
			<-release
		}
		return nil
	}, WithDebounce(0))

	Emit(b, topic, 1)
	require.Equal(t, 1, <-started)

	// emitted while the first run is still going
	Emit(b, topic, 2)
	Emit(b, topic, 3)
	Emit(b, topic, 4)
	close(release)
	flushBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 4}, got)
	require.EqualValues(t, 1, maxRunning.Load())
}

func TestHandlerErrorsAndPanicsDoNotStopDelivery(t *testing.T) {
	b := newBus(t)
	topic := NewTopic[string]("faulty")

	var calls atomic.Int32
	Subscribe(b, topic, func(_ context.Context, s string) error {
		calls.Add(1)
		switch s {
		case "panic":
			panic("boom")
		case "fail":
			return context.DeadlineExceeded
		}
		return nil
	}, WithDebounce(0))

	Emit(b, topic, "panic")
	flushBus(t, b)
	Emit(b, topic, "fail")
	flushBus(t, b)
	Emit(b, topic, "ok")
	flushBus(t, b)

	require.EqualValues(t, 3, calls.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus(t)
	topic := NewTopic[int]("unsub")

	var calls atomic.Int32
	unsubscribe := Subscribe(b, topic, func(context.Context, int) error {
		calls.Add(1)
		return nil
	}, WithDebounce(20*time.Millisecond))

	Emit(b, topic, 1)
	unsubscribe()
	unsubscribe()
	Emit(b, topic, 2)
	time.Sleep(60 * time.Millisecond)

	require.Zero(t, calls.Load())
}

func TestCloseDropsPendingWindows(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	topic := NewTopic[int]("closing")

	var calls atomic.Int32
	Subscribe(b, topic, func(context.Context, int) error {
		calls.Add(1)
		return nil
	}, WithDebounce(30*time.Millisecond))

	Emit(b, topic, 1)
	require.NoError(t, b.Close())
	Emit(b, topic, 2)
	time.Sleep(80 * time.Millisecond)

	require.Zero(t, calls.Load())
	require.NoError(t, b.Close())
}

func TestCloseCancelsRunningHandlers(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	topic := NewTopic[int]("cancel")

	started := make(chan struct{})
	var cancelled atomic.Bool
	Subscribe(b, topic, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}, WithDebounce(0))

	Emit(b, topic, 1)
	<-started
	require.NoError(t, b.Close())
	require.True(t, cancelled.Load())
}

func TestTopicsAreTyped(t *testing.T) {
	b := newBus(t)
	ints := NewTopic[int]("shared-name")
	strs := NewTopic[string]("other-name")

	var gotInt atomic.Int32
	Subscribe(b, ints, func(_ context.Context, n int) error {
		gotInt.Store(int32(n))
		return nil
	}, WithDebounce(0))
	Emit(b, strs, "ignored")
	Emit(b, ints, 7)
	flushBus(t, b)

	require.EqualValues(t, 7, gotInt.Load())
	require.Equal(t, "shared-name", ints.Name())
}
