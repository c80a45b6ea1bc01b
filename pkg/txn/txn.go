// Package txn implements the TransactionCoordinator (spec.md §4.3): it
// hands every facade operation a task.Context without exposing raw
// transactions to the caller, unless the caller explicitly opened one via
// DatabaseCore.Transaction, in which case the coordinator hands back that
// same ambient context instead of opening a new one (spec.md I5).
package txn

import (
	"context"
	"sync"

	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/task"
)

type ambientKey struct{}

// WithAmbient binds tc as the ambient TaskContext for every facade call
// reachable from the returned context (spec.md §9, "ambient context").
func WithAmbient(ctx context.Context, tc *task.Context) context.Context {
	return context.WithValue(ctx, ambientKey{}, tc)
}

// AmbientFrom reports the ambient TaskContext bound to ctx, if any.
func AmbientFrom(ctx context.Context) (*task.Context, bool) {
	tc, ok := ctx.Value(ambientKey{}).(*task.Context)
	return tc, ok
}

// Coordinator serializes per-store tasks onto task.Contexts, opening an
// ambient read-write or read-only transaction spanning every declared
// store when none is already bound to the caller's context.
type Coordinator struct {
	cap        kvstore.Capability
	storeNames []string

	openOnce sync.Once
	openErr  error
	doOpen   func() error
}

// New builds a Coordinator. doOpen performs DatabaseCore's lazy store
// open/upgrade and runs at most once, the first time any task is queued;
// every task submitted before it completes blocks until it does, which is
// this module's rendering of spec.md §4.3's "buffered and dispatched in
// submission order once the store is open" (Go has no run-to-completion
// event loop to model the original's microtask ordering exactly; blocking
// the calling goroutine on sync.Once is the idiomatic equivalent).
func New(cap kvstore.Capability, storeNames []string, doOpen func() error) *Coordinator {
	return &Coordinator{cap: cap, storeNames: storeNames, doOpen: doOpen}
}

func (co *Coordinator) ensureOpen() error {
	co.openOnce.Do(func() {
		if co.doOpen != nil {
			co.openErr = co.doOpen()
		}
	})
	return co.openErr
}

// QueueTask runs fn inside a read-write TaskContext: the ambient one if
// ctx carries one, otherwise a freshly opened transaction spanning every
// declared store.
func QueueTask[T any](ctx context.Context, co *Coordinator, fn func(context.Context, *task.Context) (T, error)) (T, error) {
	return queue(ctx, co, kvstore.ReadWrite, fn)
}

// QueueReadTask is QueueTask for read-only operations.
func QueueReadTask[T any](ctx context.Context, co *Coordinator, fn func(context.Context, *task.Context) (T, error)) (T, error) {
	return queue(ctx, co, kvstore.ReadOnly, fn)
}

// OpenAmbientOrReadOnly returns the ambient TaskContext bound to ctx, if
// any, alongside a no-op finish; otherwise it opens a fresh read-only
// transaction spanning every declared store and returns a finish that
// commits it (or rolls back, if passed a non-nil error) exactly once.
// Iterate uses this because a lazy reqio.Sequence keeps pulling from the
// same transaction across many calls rather than running its whole body
// inside a single QueueReadTask closure.
func OpenAmbientOrReadOnly(ctx context.Context, co *Coordinator) (tc *task.Context, finish func(error) error, err error) {
	if err := co.ensureOpen(); err != nil {
		return nil, nil, err
	}
	if ambient, ok := AmbientFrom(ctx); ok {
		return ambient, func(error) error { return nil }, nil
	}

	tx, err := co.cap.Begin(co.storeNames, kvstore.ReadOnly)
	if err != nil {
		return nil, nil, dberrors.Wrap(dberrors.StoreError, err, "begin readonly transaction")
	}
	t := task.New(tx, kvstore.ReadOnly)
	return t, func(ferr error) error {
		return t.Run(ctx, func(*task.Context) error { return ferr })
	}, nil
}

func queue[T any](ctx context.Context, co *Coordinator, mode kvstore.Mode, fn func(context.Context, *task.Context) (T, error)) (T, error) {
	var zero T

	if err := co.ensureOpen(); err != nil {
		return zero, err
	}

	if ambient, ok := AmbientFrom(ctx); ok {
		return fn(ctx, ambient)
	}

	return beginAndRun(ctx, co, mode, fn)
}

// RunTransaction always opens a fresh transaction spanning every declared
// store, regardless of any ambient context already bound to ctx — this
// is DatabaseCore's explicit `transaction(fn)` entry point (spec.md
// §4.8), which is what establishes the ambient context rather than
// inheriting one. fn observes that ambient context via the ctx it is
// handed, so every facade call it makes during the transaction reuses
// the same TaskContext (spec.md I5).
func RunTransaction[T any](ctx context.Context, co *Coordinator, mode kvstore.Mode, fn func(context.Context, *task.Context) (T, error)) (T, error) {
	var zero T
	if err := co.ensureOpen(); err != nil {
		return zero, err
	}
	return beginAndRun(ctx, co, mode, fn)
}

func beginAndRun[T any](ctx context.Context, co *Coordinator, mode kvstore.Mode, fn func(context.Context, *task.Context) (T, error)) (T, error) {
	var zero T

	timer := dbmetrics.NewTimer()
	tx, err := co.cap.Begin(co.storeNames, mode)
	if err != nil {
		dbmetrics.TransactionsTotal.WithLabelValues(mode.String(), "begin-error").Inc()
		return zero, dberrors.Wrap(dberrors.StoreError, err, "begin %s transaction", mode)
	}

	tc := task.New(tx, mode)
	logger := rlog.WithTxID(tc.ID())
	ambientCtx := WithAmbient(ctx, tc)

	var result T
	runErr := tc.Run(ctx, func(tc *task.Context) error {
		r, err := fn(ambientCtx, tc)
		result = r
		return err
	})

	timer.ObserveDurationVec(dbmetrics.TransactionDuration, mode.String())
	if runErr != nil {
		dbmetrics.TransactionsTotal.WithLabelValues(mode.String(), "aborted").Inc()
		logger.Debug().Err(runErr).Msg("transaction aborted")
		return zero, runErr
	}
	dbmetrics.TransactionsTotal.WithLabelValues(mode.String(), "committed").Inc()
	return result, nil
}
