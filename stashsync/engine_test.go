package stashsync_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/mobiletoly/go-stashsync/stashbus"
	"github.com/mobiletoly/go-stashsync/stashsync"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
}

func flush(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Bus().Flush(ctx))
}

func TestEngineReconcilesOnChangeEvent(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)
	h.remote.seed(t, stashsync.EntityBag, stashsync.Fields{"name": "Gym"}, nil)

	stashsync.EmitChanged(h.engine.Bus(), stashsync.EntityBag, scope, stashsync.OriginRemote)
	eventually(t, func() bool { return len(h.local(t, stashsync.EntityBag)) == 1 }, "bag should be pulled")
}

func TestEngineCoalescesChangeEvents(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)

	for range 10 {
		stashsync.EmitChanged(h.engine.Bus(), stashsync.EntityTag, scope, stashsync.OriginRemote)
	}
	stashsync.EmitChanged(h.engine.Bus(), stashsync.EntityTag, "user-2", stashsync.OriginRemote)
	flush(t, h)

	require.Equal(t, 2, h.remote.count("fetch:tag"), "one pass per (type, scope)")
	require.Zero(t, h.remote.count("fetch:bag"))
}

func TestEngineMutationTriggersReconcile(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)

	_, err := h.coordinator().Create(context.Background(), scope, stashsync.EntityBag, stashsync.Fields{"name": "Gym"})
	require.NoError(t, err)
	flush(t, h)

	require.Equal(t, 1, h.remote.count("fetch:bag"))
	require.Len(t, h.local(t, stashsync.EntityBag), 1)
}

func TestEngineRefreshPullsEveryCollection(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)
	h.remote.seed(t, stashsync.EntityBag, stashsync.Fields{"name": "Gym"}, nil)
	h.remote.seed(t, stashsync.EntityTag, stashsync.Fields{"name": "daily"}, nil)
	h.remote.seed(t, stashsync.EntityProduct, stashsync.Fields{"name": "Towel"}, nil)

	h.engine.Refresh(scope)
	flush(t, h)

	require.Len(t, h.local(t, stashsync.EntityBag), 1)
	require.Len(t, h.local(t, stashsync.EntityTag), 1)
	require.Len(t, h.local(t, stashsync.EntityProduct), 1)
}

func TestEngineSurvivesFetchFailure(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)
	h.remote.seed(t, stashsync.EntityBag, stashsync.Fields{"name": "Gym"}, nil)
	h.remote.failOnce("fetch:bag", errTimeout)

	stashsync.EmitChanged(h.engine.Bus(), stashsync.EntityBag, scope, stashsync.OriginRemote)
	flush(t, h)
	require.Empty(t, h.local(t, stashsync.EntityBag))

	stashsync.EmitChanged(h.engine.Bus(), stashsync.EntityBag, scope, stashsync.OriginRemote)
	flush(t, h)
	require.Len(t, h.local(t, stashsync.EntityBag), 1)
}

func TestEnginePublishesStoreCommits(t *testing.T) {
	h := newHarness(t)
	startEngine(t, h)

	commits := make(chan stashsync.CommitEvent, 16)
	unsubscribe := stashbus.Subscribe(h.engine.Bus(), stashsync.StoreCommitted,
		func(_ context.Context, ev stashsync.CommitEvent) error {
			commits <- ev
			return nil
		}, stashbus.WithDebounce(0))
	defer unsubscribe()

	_, err := h.coordinator().Create(context.Background(), scope, stashsync.EntityTag, stashsync.Fields{"name": "blue"})
	require.NoError(t, err)

	select {
	case ev := <-commits:
		require.Equal(t, stashsync.OriginLocal, ev.Origin)
		require.True(t, slices.Contains(ev.Types, stashsync.EntityTag))
		require.Equal(t, []stashsync.Scope{scope}, ev.Scopes)
	case <-time.After(2 * time.Second):
		t.Fatal("no commit event")
	}
}

func TestEngineSyncNow(t *testing.T) {
	h := newHarness(t)
	h.remote.seed(t, stashsync.EntityBag, stashsync.Fields{"name": "Gym"}, nil)
	h.remote.seed(t, stashsync.EntityProduct, stashsync.Fields{"name": "Towel"}, nil)

	results, err := h.engine.SyncNow(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, results, 3)
	created := 0
	for _, r := range results {
		created += r.Created
	}
	require.Equal(t, 2, created)
}

func TestEngineStartAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Close())
	require.ErrorIs(t, h.engine.Start(context.Background()), stashsync.ErrClosed)
}
