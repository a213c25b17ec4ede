package stashsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildIndexFirstWins(t *testing.T) {
	m := NewMapper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	records := []*LocalRecord{
		{LocalID: "a", RemoteID: "r1", Type: EntityBag},
		{LocalID: "pending", Type: EntityBag},
		{LocalID: "b", RemoteID: "r1", Type: EntityBag},
		{LocalID: "c", RemoteID: "r2", Type: EntityBag},
	}

	idx := m.BuildIndex(records)
	require.Equal(t, 2, idx.Len())

	rec, ok := idx.Lookup("r1")
	require.True(t, ok)
	require.Equal(t, "a", rec.LocalID)
	require.Len(t, idx.Duplicates, 1)
	require.Equal(t, "b", idx.Duplicates[0].LocalID)

	_, ok = idx.Lookup("")
	require.False(t, ok)
}

type mapGetter map[string]*LocalRecord

func (g mapGetter) Get(_ context.Context, localID string) (*LocalRecord, error) {
	rec, ok := g[localID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, localID)
	}
	return rec, nil
}

func TestToPatchMapsRelationsToRemoteIDs(t *testing.T) {
	m := NewMapper(nil)
	records := mapGetter{
		"bag-2":   {LocalID: "bag-2", RemoteID: "rb2", Type: EntityBag},
		"bag-1":   {LocalID: "bag-1", RemoteID: "rb1", Type: EntityBag},
		"tag-new": {LocalID: "tag-new", Type: EntityTag},
	}
	rec := &LocalRecord{
		LocalID: "p", RemoteID: "rp", Type: EntityProduct,
		Fields:      Fields{"name": "Towel"},
		LocalFields: Fields{"note": "never uploaded"},
		Relations: map[EntityType][]string{
			EntityBag: {"bag-2", "bag-1"},
			EntityTag: {"tag-new"},
		},
	}

	patch, err := m.ToPatch(context.Background(), records, rec)
	require.NoError(t, err)
	require.Equal(t, Fields{"name": "Towel"}, patch.Fields)
	require.Equal(t, []string{"rb1", "rb2"}, patch.Relations[EntityBag])
	require.Equal(t, []string{}, patch.Relations[EntityTag], "pending-creates are left out")

	rec.Relations[EntityBag] = append(rec.Relations[EntityBag], "gone")
	_, err = m.ToPatch(context.Background(), records, rec)
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFieldsEqualAcrossNumberTypes(t *testing.T) {
	require.True(t, Fields{"n": 3, "s": "x"}.Equal(Fields{"n": float64(3), "s": "x"}))
	require.True(t, Fields(nil).Equal(Fields{}))
	require.False(t, Fields{"n": 3}.Equal(Fields{"n": 4}))
	require.False(t, Fields{"a": true}.Equal(Fields{"a": true, "b": false}))
}

func TestParseCollection(t *testing.T) {
	for _, et := range AllEntityTypes {
		got, err := ParseCollection(et.Collection())
		require.NoError(t, err)
		require.Equal(t, et, got)
	}
	_, err := ParseCollection("widgets")
	require.Error(t, err)
}

func TestConflictErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("failed to create bag: %w", &ConflictError{Type: EntityBag, RemoteID: "r1"})
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "r1", conflict.RemoteID)
	require.False(t, IsRetryable(err))
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 60 * time.Second}
	require.Equal(t, time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 32*time.Second, b.Delay(6))
	require.Equal(t, 60*time.Second, b.Delay(7))
	require.Equal(t, 60*time.Second, b.Delay(50))
}

func TestRetryTransient(t *testing.T) {
	backoff := Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond}
	transient := fmt.Errorf("%w: 503", ErrTransient)

	calls := 0
	err := retryTransient(context.Background(), 3, backoff, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = retryTransient(context.Background(), 3, backoff, func(context.Context) error {
		calls++
		return ErrRejected
	})
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, 1, calls)

	calls = 0
	err = retryTransient(context.Background(), 2, backoff, func(context.Context) error {
		calls++
		return transient
	})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, 2, calls)
}

func TestStageMetricsAreRecorded(t *testing.T) {
	var timings []StageTiming
	obs := stageObserver{
		recorder: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			timings = append(timings, timing)
		}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	start := obs.start()
	obs.observe(context.Background(), MetricsOpReconcile, MetricsStageFetch, EntityTag, start, 4, 1, false)

	require.Len(t, timings, 1)
	require.Equal(t, MetricsOpReconcile, timings[0].Operation)
	require.Equal(t, MetricsStageFetch, timings[0].Stage)
	require.Equal(t, EntityTag, timings[0].EntityType)
	require.Equal(t, 4, timings[0].Count)
}
