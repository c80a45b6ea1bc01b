package collection

import (
	"context"
	"sync"
)

type observerKey struct{}

// Observer records which collections a selector's query function reads
// from during one evaluation, so the selector engine can subscribe only
// to the stores that evaluation actually depends on (spec.md §4.9's
// dependency-precise reactivity).
type Observer struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewObserver builds an empty Observer.
func NewObserver() *Observer {
	return &Observer{seen: make(map[string]bool)}
}

// Observe records that collection was read during this evaluation.
func (o *Observer) Observe(collection string) {
	o.mu.Lock()
	o.seen[collection] = true
	o.mu.Unlock()
}

// Seen returns every collection name recorded so far.
func (o *Observer) Seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.seen))
	for name := range o.seen {
		out = append(out, name)
	}
	return out
}

// WithObserver binds o as the active observer for every facade read
// reachable from the returned context.
func WithObserver(ctx context.Context, o *Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFrom reports the Observer bound to ctx, if any.
func ObserverFrom(ctx context.Context) (*Observer, bool) {
	o, ok := ctx.Value(observerKey{}).(*Observer)
	return o, ok
}

func observe(ctx context.Context, collection string) {
	if o, ok := ObserverFrom(ctx); ok {
		o.Observe(collection)
	}
}
