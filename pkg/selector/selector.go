// Package selector implements the SelectorEngine (spec.md §4.9, C10): a
// memoized async view over a query function, re-evaluated at most once
// per invalidation batch and subscribed only to the collections its last
// evaluation actually read from.
package selector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/relaydb/pkg/collection"
	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/txn"
)

// Engine builds and holds one Selector per declared descriptor, wired to
// a fixed set of collection facades.
type Engine struct {
	selectors map[string]*Selector
}

// New builds an Engine from descs, evaluating lazily — no selector runs
// its query function until Get or Subscribe is first called on it. coord
// is used to open the single read-only transaction each evaluation runs
// inside (spec.md §4.9 step 2).
func New(descs []schema.SelectorDescriptor, facades map[string]*collection.Facade, coord *txn.Coordinator) *Engine {
	e := &Engine{selectors: make(map[string]*Selector, len(descs))}
	for _, d := range descs {
		e.selectors[d.Name] = newSelector(d, facades, coord)
	}
	return e
}

// Selector resolves a declared selector by name.
func (e *Engine) Selector(name string) (*Selector, bool) {
	s, ok := e.selectors[name]
	return s, ok
}

type result struct {
	value any
	err   error
}

// Selector is one memoized, dependency-tracked query (spec.md §4.9).
type Selector struct {
	desc    schema.SelectorDescriptor
	facades map[string]*collection.Facade
	coord   *txn.Coordinator
	logger  zerolog.Logger

	mu         sync.Mutex
	hasValue   bool
	cached     any
	subs       map[uint64]func(any)
	nextSubID  uint64
	storeSubs  map[string]func()
	refreshing bool
	dirty      bool
	pending    []chan result
}

func newSelector(desc schema.SelectorDescriptor, facades map[string]*collection.Facade, coord *txn.Coordinator) *Selector {
	return &Selector{
		desc:      desc,
		facades:   facades,
		coord:     coord,
		logger:    rlog.WithComponent("selector").With().Str("selector", desc.Name).Logger(),
		subs:      make(map[uint64]func(any)),
		storeSubs: make(map[string]func()),
	}
}

// Name returns the selector's declared name.
func (s *Selector) Name() string { return s.desc.Name }

// Get resolves the selector's current value. If a value is cached and no
// refresh is in flight, it resolves immediately; otherwise it joins (or
// starts) a refresh and blocks until that evaluation completes or ctx is
// done.
func (s *Selector) Get(ctx context.Context) (any, error) {
	s.mu.Lock()
	if s.hasValue && !s.refreshing {
		v := s.cached
		s.mu.Unlock()
		return v, nil
	}
	ch := make(chan result, 1)
	s.pending = append(s.pending, ch)
	needsRefresh := !s.refreshing
	if needsRefresh {
		s.refreshing = true
	}
	s.mu.Unlock()

	if needsRefresh {
		go s.runRefresh()
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers cb to be invoked with every subsequent successful
// evaluation, firing immediately with the cached value if one exists.
// Returns an unsubscribe function.
func (s *Selector) Subscribe(cb func(any)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	hasValue, cached := s.hasValue, s.cached
	needsRefresh := !s.hasValue && !s.refreshing
	if needsRefresh {
		s.refreshing = true
	}
	s.mu.Unlock()

	if hasValue {
		cb(cached)
	}
	if needsRefresh {
		go s.runRefresh()
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// evaluate runs the selector's query function once, inside a single
// read-only transaction spanning every declared store so that two facade
// reads in the same evaluation observe the same committed prefix (spec.md
// §4.9 step 2, I6) — the same ambient-transaction machinery
// Facade.Iterate uses via txn.OpenAmbientOrReadOnly. It returns the
// collections the evaluation actually read from, for dependency
// reconciliation.
func (s *Selector) evaluate() (any, []string, error) {
	timer := dbmetrics.NewTimer()
	defer timer.ObserveDurationVec(dbmetrics.SelectorRefreshDuration, s.desc.Name)

	tc, finish, err := txn.OpenAmbientOrReadOnly(context.Background(), s.coord)
	if err != nil {
		dbmetrics.SelectorRefreshesTotal.WithLabelValues(s.desc.Name, "error").Inc()
		s.logger.Debug().Err(err).Msg("selector refresh failed to open a transaction")
		return nil, nil, err
	}

	obs := collection.NewObserver()
	ctx := collection.WithObserver(txn.WithAmbient(context.Background(), tc), obs)

	value, fnErr := s.desc.Fn(ctx, s.facades)
	if ferr := finish(fnErr); fnErr == nil && ferr != nil {
		fnErr = ferr
	}
	if fnErr != nil {
		dbmetrics.SelectorRefreshesTotal.WithLabelValues(s.desc.Name, "error").Inc()
		s.logger.Debug().Err(fnErr).Msg("selector refresh failed")
		return nil, nil, fnErr
	}
	dbmetrics.SelectorRefreshesTotal.WithLabelValues(s.desc.Name, "ok").Inc()
	return value, obs.Seen(), nil
}

// runRefresh evaluates the selector, reconciles per-collection
// subscriptions against what the evaluation actually observed, and
// resolves every getter waiting on this round (spec.md §4.9's refresh
// algorithm, steps 2-5). A call that arrives while a refresh is already
// running joins it via s.pending rather than starting a second one,
// which is this module's rendering of "deferred to a microtask so rapid
// invalidations coalesce" — Go has no run loop to hang a microtask off,
// so coalescing happens via the refreshing flag instead of a scheduler
// tick. If an invalidation arrives while this evaluation is already in
// flight (s.dirty, set by onInvalidate), the loop runs once more before
// clearing s.refreshing, so that invalidation is never silently dropped.
func (s *Selector) runRefresh() {
	for {
		value, seen, err := s.evaluate()

		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		if err == nil {
			s.hasValue = true
			s.cached = value
		}
		s.mu.Unlock()

		if err == nil {
			s.reconcileSubscriptions(seen)
		}

		s.mu.Lock()
		var listeners []func(any)
		if err == nil {
			listeners = make([]func(any), 0, len(s.subs))
			for _, fn := range s.subs {
				listeners = append(listeners, fn)
			}
		}
		again := s.dirty || len(s.pending) > 0
		s.dirty = false
		if !again {
			s.refreshing = false
		}
		s.mu.Unlock()

		for _, ch := range pending {
			if err != nil {
				ch <- result{err: err}
			} else {
				ch <- result{value: value}
			}
		}
		for _, fn := range listeners {
			fn(value)
		}

		if !again {
			return
		}
	}
}

// reconcileSubscriptions unsubscribes from every collection the last
// evaluation did not read from and subscribes to every newly observed
// one, so the selector's listener set stays exactly the set of stores it
// actually depends on (spec.md §4.9 step 4, §9 "dependency-precise
// reactivity").
func (s *Selector) reconcileSubscriptions(observed []string) {
	observedSet := make(map[string]bool, len(observed))
	for _, name := range observed {
		observedSet[name] = true
	}

	s.mu.Lock()
	var toAdd, toRemove []string
	for name := range observedSet {
		if _, ok := s.storeSubs[name]; !ok {
			toAdd = append(toAdd, name)
		}
	}
	for name := range s.storeSubs {
		if !observedSet[name] {
			toRemove = append(toRemove, name)
		}
	}
	s.mu.Unlock()

	for _, name := range toRemove {
		s.mu.Lock()
		unsub := s.storeSubs[name]
		delete(s.storeSubs, name)
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}

	for _, name := range toAdd {
		f, ok := s.facades[name]
		if !ok {
			continue
		}
		unsubWD := f.OnEvent("write|delete", s.onInvalidate)
		unsubClear := f.OnEvent("clear", s.onInvalidate)
		s.mu.Lock()
		s.storeSubs[name] = func() {
			unsubWD()
			unsubClear()
		}
		s.mu.Unlock()
	}
}

// onInvalidate marks the selector dirty and starts a refresh if none is
// already running. An invalidation that arrives while a refresh is
// already in flight does not start a second goroutine — it sets s.dirty
// so runRefresh's own loop re-evaluates once more before going idle,
// rather than being dropped (spec.md §5: "if a newer invalidation arrives
// during a refresh, the next microtask schedules another refresh").
func (s *Selector) onInvalidate(schema.Record) {
	s.mu.Lock()
	if s.refreshing {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()
	go s.runRefresh()
}
