package stashsync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-stashsync/stashserver"
	"github.com/mobiletoly/go-stashsync/stashsqlite"
	"github.com/mobiletoly/go-stashsync/stashsync"
	"github.com/stretchr/testify/require"
)

const scope = stashsync.Scope("user-1")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRemote is an in-process remote over stashserver.MemoryStore with fault injection.
// Operation keys are "fetch:<type>", "create", "update" and "delete".
type fakeRemote struct {
	server *stashserver.MemoryStore

	mu      sync.Mutex
	calls   map[string]int
	once    map[string][]error
	always  map[string]error
	lossy   map[string]int // apply the call, then report a transient failure
	gates   map[string]chan struct{}
	updates []stashsync.Patch
	started chan string
}

var _ stashsync.Remote = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		server:  stashserver.NewMemoryStore(),
		calls:   make(map[string]int),
		once:    make(map[string][]error),
		always:  make(map[string]error),
		lossy:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (f *fakeRemote) failOnce(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[op] = append(f.once[op], errs...)
}

func (f *fakeRemote) failAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[op] = err
}

func (f *fakeRemote) heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.always, op)
	delete(f.once, op)
}

func (f *fakeRemote) loseResponse(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossy[op] += n
}

// hold blocks calls of op until the returned function is called
func (f *fakeRemote) hold(op string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) sentUpdates() []stashsync.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stashsync.Patch(nil), f.updates...)
}

// enter records the call and returns the injected failure, if any
func (f *fakeRemote) enter(ctx context.Context, op string) (lossy bool, err error) {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	f.mu.Unlock()

	select {
	case f.started <- op:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.always[op]; ok {
		return false, err
	}
	if q := f.once[op]; len(q) > 0 {
		f.once[op] = q[1:]
		return false, q[0]
	}
	if f.lossy[op] > 0 {
		f.lossy[op]--
		return true, nil
	}
	return false, nil
}

var (
	errLostResponse = fmt.Errorf("%w: response lost", stashsync.ErrTransient)
	errTimeout      = fmt.Errorf("%w: i/o timeout", stashsync.ErrTransient)
	errSignedOut    = fmt.Errorf("%w: token expired", stashsync.ErrUnauthorized)
	errBadRequest   = fmt.Errorf("%w: name too long", stashsync.ErrRejected)
)

func translate(err error) error {
	var dup *stashserver.DuplicateError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &dup):
		return &stashsync.ConflictError{RemoteID: dup.RemoteID}
	case errors.Is(err, stashserver.ErrEntityNotFound):
		return fmt.Errorf("%w: %w", stashsync.ErrNotFound, err)
	case errors.Is(err, stashserver.ErrInvalid):
		return fmt.Errorf("%w: %w", stashsync.ErrRejected, err)
	default:
		return err
	}
}

func (f *fakeRemote) FetchCollection(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error) {
	if _, err := f.enter(ctx, "fetch:"+string(t)); err != nil {
		return nil, err
	}
	list, err := f.server.List(ctx, scope, t)
	return list, translate(err)
}

func (f *fakeRemote) Create(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	lossy, err := f.enter(ctx, "create")
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	s, err := f.server.Create(ctx, scope, t, patch)
	if err == nil && lossy {
		return stashsync.RemoteSummary{}, errLostResponse
	}
	return s, translate(err)
}

func (f *fakeRemote) Update(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, remoteID string, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	lossy, err := f.enter(ctx, "update")
	if err != nil {
		return stashsync.RemoteSummary{}, err
	}
	f.mu.Lock()
	f.updates = append(f.updates, patch)
	f.mu.Unlock()
	s, err := f.server.Update(ctx, scope, t, remoteID, patch)
	if err == nil && lossy {
		return stashsync.RemoteSummary{}, errLostResponse
	}
	return s, translate(err)
}

func (f *fakeRemote) Delete(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, remoteID string) error {
	lossy, err := f.enter(ctx, "delete")
	if err != nil {
		return err
	}
	err = f.server.Delete(ctx, scope, t, remoteID)
	if err == nil && lossy {
		return errLostResponse
	}
	return translate(err)
}

// seed creates an entity directly on the server, bypassing the client
func (f *fakeRemote) seed(t *testing.T, et stashsync.EntityType, fields stashsync.Fields, relations map[stashsync.EntityType][]string) stashsync.RemoteSummary {
	t.Helper()
	s, err := f.server.Create(context.Background(), scope, et, stashsync.Patch{Fields: fields, Relations: relations})
	require.NoError(t, err)
	return s
}

func (f *fakeRemote) serverList(t *testing.T, et stashsync.EntityType) []stashsync.RemoteSummary {
	t.Helper()
	list, err := f.server.List(context.Background(), scope, et)
	require.NoError(t, err)
	return list
}

func testConfig() *stashsync.Config {
	config := stashsync.DefaultConfig()
	config.OptimisticDebounce = 60 * time.Millisecond
	config.Debounce = map[stashsync.EntityType]time.Duration{
		stashsync.EntityBag:     40 * time.Millisecond,
		stashsync.EntityTag:     40 * time.Millisecond,
		stashsync.EntityProduct: 40 * time.Millisecond,
	}
	config.MutationAttempts = 3
	config.MaxAttempts = 3
	config.RetryQueueSize = 8
	config.BackoffMin = 5 * time.Millisecond
	config.BackoffMax = 20 * time.Millisecond
	config.Confirm = func(context.Context, *stashsync.LocalRecord) bool { return true }
	return config
}

func openStore(t *testing.T) *stashsqlite.Store {
	t.Helper()
	store, err := stashsqlite.Open(context.Background(), ":memory:", stashsqlite.Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type harness struct {
	store  *stashsqlite.Store
	remote *fakeRemote
	config *stashsync.Config
	engine *stashsync.Engine
}

func newHarness(t *testing.T, configure ...func(*stashsync.Config)) *harness {
	t.Helper()
	config := testConfig()
	for _, fn := range configure {
		fn(config)
	}
	h := &harness{store: openStore(t), remote: newFakeRemote(), config: config}
	h.engine = stashsync.NewEngine(h.store, h.remote, config, quietLogger())
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

func (h *harness) coordinator() *stashsync.Coordinator {
	return h.engine.Coordinator()
}

func (h *harness) reconcile(t *testing.T, et stashsync.EntityType) stashsync.ReconcileResult {
	t.Helper()
	res, err := h.engine.Reconciler().Reconcile(context.Background(), et, scope)
	require.NoError(t, err)
	return res
}

func (h *harness) local(t *testing.T, et stashsync.EntityType) []*stashsync.LocalRecord {
	t.Helper()
	recs, err := h.store.Query(context.Background(), stashsync.Query{Type: et, Scope: scope})
	require.NoError(t, err)
	return recs
}

func (h *harness) get(t *testing.T, localID string) *stashsync.LocalRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), localID)
	require.NoError(t, err)
	return rec
}

func (h *harness) put(t *testing.T, rec *stashsync.LocalRecord) {
	t.Helper()
	err := h.store.Update(context.Background(), stashsync.OriginLocal, func(ctx context.Context, tx stashsync.Tx) error {
		return tx.Upsert(ctx, rec)
	})
	require.NoError(t, err)
}

// eventually polls cond for up to two seconds
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
