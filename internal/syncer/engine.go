// Package syncer pushes locally queued survey records to the remote service.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/monitoring"
	"github.com/sells-group/paradas/internal/resilience"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/pkg/remote"
)

// staleReason is recorded on records left in syncing by an earlier run that
// never finished.
const staleReason = "sync interrupted before completion"

// defaultConcurrency is used when no positive concurrency is configured.
const defaultConcurrency = 2

// Summary reports the outcome of one SyncAll run.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Remaining counts queued records never dispatched because the run was
	// cancelled. They keep their status.
	Remaining int `json:"remaining"`
	// Reconciled counts stale syncing records returned to failed at start.
	Reconciled int `json:"reconciled"`
}

// Metrics receives sync engine events. monitoring.SyncMetrics implements it.
type Metrics interface {
	RecordResult(result string)
	UpsertDuration(d time.Duration, err error)
	Retry()
	RunFinished(err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordResult(string)                 {}
func (nopMetrics) UpsertDuration(time.Duration, error) {}
func (nopMetrics) Retry()                              {}
func (nopMetrics) RunFinished(error)                   {}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the number of records uploaded at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetry sets the per-record retry policy used within a run.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithCircuitBreaker shares a breaker across runs.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Engine) {
		e.breaker = cb
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine drains the store's sync queue through a gateway. SyncAll may be
// called concurrently; the store's conditional transitions guarantee each
// record is claimed by one worker at a time.
type Engine struct {
	store       store.Store
	gateway     remote.Gateway
	concurrency int
	retry       resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
	metrics     Metrics

	// claimMu orders claims against reconciliation: reconcile holds it
	// exclusively from the in-flight snapshot through its UPDATE, workers
	// hold it shared while they track an id and mark it syncing.
	claimMu  sync.RWMutex
	mu       sync.Mutex
	inFlight map[string]int
}

// NewEngine creates a sync engine over st and gw.
func NewEngine(st store.Store, gw remote.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		gateway:     gw,
		concurrency: defaultConcurrency,
		retry:       resilience.DefaultRetryConfig(),
		metrics:     nopMetrics{},
		inFlight:    make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return e
}

type outcome int

const (
	outcomeNotDispatched outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeSkipped
)

// SyncAll pushes every pending or failed record, oldest first. A failing
// record is marked failed and the run continues. When ctx is cancelled no
// new records are dispatched; uploads already in progress are settled and
// the partial summary is returned with ctx.Err().
func (e *Engine) SyncAll(ctx context.Context) (Summary, error) {
	log := zap.L().With(zap.String("component", "syncer"))

	var sum Summary
	n, err := e.reconcile(ctx)
	if err != nil {
		return sum, eris.Wrap(err, "syncer: reconcile stale records")
	}
	sum.Reconciled = n
	if n > 0 {
		log.Warn("syncer: reconciled stale syncing records", zap.Int("count", n))
	}

	queue, err := e.store.ListQueue(ctx)
	if err != nil {
		return sum, eris.Wrap(err, "syncer: list queue")
	}
	log.Info("syncer: starting run", zap.Int("queued", len(queue)), zap.Int("concurrency", e.concurrency))

	var mu sync.Mutex
	// Plain group: one record's failure must not cancel the others.
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	dispatched := 0
	for _, rec := range queue {
		if ctx.Err() != nil {
			break
		}
		dispatched++
		g.Go(func() error {
			res := e.syncOne(ctx, rec, log)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case outcomeSucceeded:
				sum.Succeeded++
			case outcomeFailed:
				sum.Failed++
			case outcomeSkipped:
				sum.Skipped++
			case outcomeNotDispatched:
				sum.Remaining++
			}
			return nil
		})
	}
	_ = g.Wait()
	sum.Remaining += len(queue) - dispatched

	runErr := ctx.Err()
	e.metrics.RunFinished(runErr)
	log.Info("syncer: run finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("remaining", sum.Remaining),
		zap.Bool("cancelled", runErr != nil),
	)
	return sum, runErr
}

func (e *Engine) syncOne(ctx context.Context, rec model.Record, log *zap.Logger) outcome {
	// The slot may have been granted after cancellation.
	if ctx.Err() != nil {
		return outcomeNotDispatched
	}

	id := rec.LocalID
	log = log.With(zap.String("local_id", id))

	err := e.claim(ctx, id)
	defer e.untrack(id)
	if err != nil {
		switch {
		case store.IsInvalidState(err), store.IsNotFound(err):
			// Claimed by another run, or already synced since the snapshot.
			log.Debug("syncer: skipping record", zap.Error(err))
			e.metrics.RecordResult(monitoring.ResultSkipped)
			return outcomeSkipped
		case ctx.Err() != nil:
			return outcomeNotDispatched
		default:
			log.Error("syncer: claim record", zap.Error(err))
			e.metrics.RecordResult(monitoring.ResultSkipped)
			return outcomeSkipped
		}
	}

	// Re-read so edits made between the snapshot and the claim are sent.
	if fresh, err := e.store.Get(ctx, id); err == nil && fresh != nil {
		rec = *fresh
	}

	retry := e.retry
	retry.OnRetry = func(attempt int, err error) {
		e.metrics.Retry()
		resilience.RetryLogger("remote.upsert", zap.String("local_id", id))(attempt, err)
	}

	payload := BuildPayload(rec)
	start := time.Now()
	remoteID, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (string, error) {
			return e.gateway.Upsert(ctx, payload)
		})
	})
	e.metrics.UpsertDuration(time.Since(start), err)

	// Settle the record even if the run was cancelled mid-upload.
	settleCtx := ctx
	if ctx.Err() != nil {
		settleCtx = context.WithoutCancel(ctx)
	}

	if err != nil {
		log.Warn("syncer: upload failed",
			zap.String("class", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
		if merr := e.store.MarkFailed(settleCtx, id, err.Error()); merr != nil {
			log.Error("syncer: mark failed", zap.Error(merr))
		}
		e.metrics.RecordResult(monitoring.ResultFailed)
		return outcomeFailed
	}

	if merr := e.store.MarkSynced(settleCtx, id, remoteID); merr != nil {
		// The remote has the record; the next run resends it under the same
		// idempotency key after reconciling.
		log.Error("syncer: mark synced", zap.String("remote_id", remoteID), zap.Error(merr))
		e.metrics.RecordResult(monitoring.ResultFailed)
		return outcomeFailed
	}

	log.Debug("syncer: record synced", zap.String("remote_id", remoteID))
	e.metrics.RecordResult(monitoring.ResultSucceeded)
	return outcomeSucceeded
}

// reconcile fails every syncing record this engine is not uploading.
func (e *Engine) reconcile(ctx context.Context) (int, error) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	return e.store.ReconcileStale(ctx, e.inFlightIDs(), staleReason)
}

// claim tracks id as in flight and marks it syncing. The id stays tracked
// even when the claim fails; callers untrack it.
func (e *Engine) claim(ctx context.Context, id string) error {
	e.claimMu.RLock()
	defer e.claimMu.RUnlock()
	e.track(id)
	return e.store.MarkSyncing(ctx, id)
}

func (e *Engine) track(id string) {
	e.mu.Lock()
	e.inFlight[id]++
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	if e.inFlight[id] <= 1 {
		delete(e.inFlight, id)
	} else {
		e.inFlight[id]--
	}
	e.mu.Unlock()
}

func (e *Engine) inFlightIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Breaker exposes the engine's circuit breaker for status reporting.
func (e *Engine) Breaker() *resilience.CircuitBreaker {
	return e.breaker
}
