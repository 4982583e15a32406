package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/resilience"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/pkg/remote"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "paradas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.Create(context.Background(), model.Record{
			SurveyorID:  "surveyor-1",
			Address:     fmt.Sprintf("QI %d, Lago Sul, Brasília", i),
			RawLocation: geo.Coordinate{Latitude: -15.8 - float64(i)*0.001, Longitude: -47.9},
			VisitedAt:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func statusCounts(t *testing.T, st store.Store) map[model.SyncStatus]int {
	t.Helper()
	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	counts := make(map[model.SyncStatus]int)
	for _, r := range all {
		counts[r.SyncStatus]++
		assert.Equal(t, r.SyncStatus == model.SyncStatusSynced, r.RemoteID != nil,
			"record %s status %s remote %v", r.LocalID, r.SyncStatus, r.RemoteID)
	}
	return counts
}

// noRetry keeps tests fast and makes every gateway call count once.
func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}
}

// fakeRemote is an idempotent remote keyed by local id.
type fakeRemote struct {
	mu      sync.Mutex
	calls   int
	byKey   map[string]string
	perKey  map[string]int
	fail    func(call int, p remote.Payload) error
	loseFor map[string]bool // store the record but report a transient failure
	block   chan struct{}
	started chan string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		byKey:   make(map[string]string),
		perKey:  make(map[string]int),
		loseFor: make(map[string]bool),
	}
}

func (f *fakeRemote) Upsert(ctx context.Context, p remote.Payload) (string, error) {
	if f.started != nil {
		f.started <- p.LocalID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.perKey[p.LocalID]++

	if f.fail != nil {
		if err := f.fail(f.calls, p); err != nil {
			return "", err
		}
	}

	id, ok := f.byKey[p.LocalID]
	if !ok {
		id = fmt.Sprintf("R-%d", len(f.byKey)+1)
		f.byKey[p.LocalID] = id
	}
	if f.loseFor[p.LocalID] {
		delete(f.loseFor, p.LocalID)
		return "", resilience.NewTransientError(fmt.Errorf("read tcp: connection reset by peer"), 0)
	}
	return id, nil
}

func (f *fakeRemote) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byKey)
}

func TestSyncAll_AllSucceed(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 6)
	gw := newFakeRemote()

	e := NewEngine(st, gw, WithConcurrency(3), WithRetry(noRetry()))
	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Succeeded: 6}, sum)
	assert.Equal(t, map[model.SyncStatus]int{model.SyncStatusSynced: 6}, statusCounts(t, st))

	for _, id := range ids {
		rec, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec.RemoteID)
		assert.Equal(t, gw.byKey[id], *rec.RemoteID)
		assert.Nil(t, rec.LastError)
	}

	n, err := st.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncAll_EmptyQueue(t *testing.T) {
	st := newTestStore(t)
	gw := newFakeRemote()

	sum, err := NewEngine(st, gw).SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
	assert.Zero(t, gw.calls)
}

func TestSyncAll_EveryThirdCallFails(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 9)
	gw := newFakeRemote()
	gw.fail = func(call int, _ remote.Payload) error {
		if call%3 == 0 {
			return &remote.RemoteError{StatusCode: 422, Body: `{"erro":"campo inválido"}`}
		}
		return nil
	}

	e := NewEngine(st, gw, WithConcurrency(4), WithRetry(noRetry()))

	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Succeeded)
	assert.Equal(t, 3, sum.Failed)
	counts := statusCounts(t, st)
	assert.Equal(t, 6, counts[model.SyncStatusSynced])
	assert.Equal(t, 3, counts[model.SyncStatusFailed])

	failed, err := st.List(context.Background(), store.RecordFilter{Statuses: []model.SyncStatus{model.SyncStatusFailed}})
	require.NoError(t, err)
	for _, r := range failed {
		require.NotNil(t, r.LastError)
		assert.Contains(t, *r.LastError, "status 422")
		assert.Equal(t, 1, r.Attempts)
	}

	// Calls 10, 11, 12: one more failure.
	sum, err = e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 2, Failed: 1}, sum)

	// Call 13 succeeds.
	sum, err = e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 1}, sum)
	assert.Equal(t, map[model.SyncStatus]int{model.SyncStatusSynced: 9}, statusCounts(t, st))
	assert.Equal(t, 9, gw.remoteCount())
}

func TestSyncAll_LostResponseIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 1)
	gw := newFakeRemote()
	gw.loseFor[ids[0]] = true

	e := NewEngine(st, gw, WithRetry(noRetry()))

	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)

	sum, err = e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 1}, sum)

	assert.Equal(t, 1, gw.remoteCount(), "retry must not create a second remote record")
	assert.Equal(t, 2, gw.perKey[ids[0]])

	rec, err := st.Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.NotNil(t, rec.RemoteID)
	assert.Equal(t, "R-1", *rec.RemoteID)
	assert.Equal(t, 2, rec.Attempts)
}

func TestSyncAll_RetriesTransientWithinRun(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 1)
	gw := newFakeRemote()
	gw.loseFor[ids[0]] = true

	var retries atomic.Int32
	m := &countingMetrics{retries: &retries}
	e := NewEngine(st, gw,
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
		WithMetrics(m),
	)

	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Succeeded: 1}, sum)
	assert.Equal(t, int32(1), retries.Load())
	assert.Equal(t, 1, gw.remoteCount())
}

func TestSyncAll_PermanentErrorNotRetried(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 1)
	gw := newFakeRemote()
	gw.fail = func(int, remote.Payload) error {
		return &remote.RemoteError{StatusCode: 400, Body: "bad"}
	}

	e := NewEngine(st, gw, WithRetry(resilience.RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}))
	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, sum)
	assert.Equal(t, 1, gw.calls)
}

func TestSyncAll_CircuitOpenFailsRemainingRecords(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 5)
	gw := newFakeRemote()
	gw.fail = func(int, remote.Payload) error {
		return resilience.NewTransientError(fmt.Errorf("remote: status 503"), 503)
	}

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	e := NewEngine(st, gw, WithConcurrency(1), WithRetry(noRetry()), WithCircuitBreaker(cb))

	sum, err := e.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 5}, sum)
	assert.Equal(t, 2, gw.calls, "open circuit short-circuits the remaining uploads")
	assert.Equal(t, resilience.CircuitOpen, e.Breaker().State())

	failed, err := st.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 5)
	require.NotNil(t, failed[4].LastError)
	assert.Contains(t, *failed[4].LastError, "circuit breaker is open")
}

func TestSyncAll_CancelAfterN(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 6)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := newFakeRemote()
	gw.fail = func(call int, _ remote.Payload) error {
		if call == 2 {
			cancel()
		}
		return nil
	}

	e := NewEngine(st, gw, WithConcurrency(1), WithRetry(noRetry()))
	sum, err := e.SyncAll(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 4, sum.Remaining)
	assert.Zero(t, sum.Failed)

	counts := statusCounts(t, st)
	assert.Equal(t, 2, counts[model.SyncStatusSynced])
	assert.Equal(t, 4, counts[model.SyncStatusPending])
	assert.Zero(t, counts[model.SyncStatusSyncing])
}

func TestSyncAll_CancelDuringUploadMarksFailed(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 5)

	gw := newFakeRemote()
	gw.block = make(chan struct{})
	gw.started = make(chan string, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := NewEngine(st, gw, WithConcurrency(2), WithRetry(noRetry()))

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := e.SyncAll(ctx)
		done <- result{sum, err}
	}()

	<-gw.started
	<-gw.started
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SyncAll did not return after cancellation")
	}

	require.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, 2, res.sum.Failed)
	assert.Equal(t, 3, res.sum.Remaining)

	counts := statusCounts(t, st)
	assert.Equal(t, 2, counts[model.SyncStatusFailed])
	assert.Equal(t, 3, counts[model.SyncStatusPending])
	assert.Zero(t, counts[model.SyncStatusSyncing])
}

func TestSyncAll_ReconcilesStaleSyncing(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 2)
	// Left over from a run that crashed mid-upload.
	require.NoError(t, st.MarkSyncing(context.Background(), ids[0]))

	gw := newFakeRemote()
	sum, err := NewEngine(st, gw, WithRetry(noRetry())).SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Reconciled)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, map[model.SyncStatus]int{model.SyncStatusSynced: 2}, statusCounts(t, st))
}

func TestSyncAll_ConcurrentRunsUploadOnce(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, 8)
	gw := newFakeRemote()
	e := NewEngine(st, gw, WithConcurrency(2), WithRetry(noRetry()))

	var wg sync.WaitGroup
	sums := make([]Summary, 2)
	for i := range sums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := e.SyncAll(context.Background())
			assert.NoError(t, err)
			sums[i] = sum
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, sums[0].Succeeded+sums[1].Succeeded)
	assert.Zero(t, sums[0].Failed+sums[1].Failed)
	for key, n := range gw.perKey {
		assert.Equal(t, 1, n, "record %s uploaded more than once", key)
	}
	assert.Equal(t, map[model.SyncStatus]int{model.SyncStatusSynced: 8}, statusCounts(t, st))
}

func TestSyncAll_SendsCurrentContent(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 1)

	addr := "SHIS QI 9, Lago Sul"
	require.NoError(t, st.Update(context.Background(), ids[0], model.Patch{Address: &addr}))

	var got remote.Payload
	gw := newFakeRemote()
	gw.fail = func(_ int, p remote.Payload) error {
		got = p
		return nil
	}

	_, err := NewEngine(st, gw, WithRetry(noRetry())).SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, got.Address)
	assert.Equal(t, ids[0], got.LocalID)
}

type countingMetrics struct {
	nopMetrics
	retries *atomic.Int32
}

func (m *countingMetrics) Retry() { m.retries.Add(1) }

// pausingStore holds ReconcileStale open until release is closed.
type pausingStore struct {
	store.Store
	entered chan []string
	release chan struct{}
}

func (p *pausingStore) ReconcileStale(ctx context.Context, exclude []string, reason string) (int, error) {
	p.entered <- exclude
	<-p.release
	return p.Store.ReconcileStale(ctx, exclude, reason)
}

func TestReconcile_WaitsForConcurrentClaim(t *testing.T) {
	st := newTestStore(t)
	ids := seed(t, st, 1)
	ps := &pausingStore{Store: st, entered: make(chan []string, 1), release: make(chan struct{})}
	e := NewEngine(ps, newFakeRemote(), WithRetry(noRetry()))
	ctx := context.Background()

	reconciled := make(chan int, 1)
	go func() {
		n, err := e.reconcile(ctx)
		assert.NoError(t, err)
		reconciled <- n
	}()
	assert.Empty(t, <-ps.entered)

	claimed := make(chan error, 1)
	go func() { claimed <- e.claim(ctx, ids[0]) }()

	select {
	case <-claimed:
		t.Fatal("claim finished while reconciliation was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(ps.release)
	assert.Zero(t, <-reconciled)
	require.NoError(t, <-claimed)
	defer e.untrack(ids[0])

	rec, err := st.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSyncing, rec.SyncStatus)

	// A later run leaves the tracked record alone.
	ps.entered = make(chan []string, 1)
	n, err := e.reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{ids[0]}, <-ps.entered)
}
