package collection

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/schema"
)

// Listener receives one event's payload. A write/delete event's payload
// is the affected record; a clear event's payload is nil.
type Listener func(payload schema.Record)

// TabPublisher relays a post-commit event to every other tab sharing this
// database. pkg/tabsync's Coordinator satisfies this by structure; collection never imports pkg/tabsync directly, avoiding a
// cycle with the package that wires both together.
type TabPublisher interface {
	Publish(collection, eventType string, payload schema.Record)
}

type subscription struct {
	id uint64
	fn Listener
}

// Emitter is one collection's event bus: write, delete, write|delete, and
// clear listeners invoked synchronously, in registration order, after
// commit (spec.md §4.7, I4).
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]subscription
	nextID    uint64

	collection string
	tab        TabPublisher
	relaying   bool
	logger     zerolog.Logger
}

// NewEmitter builds an Emitter for collection. tab may be nil when no tab
// coordinator is configured.
func NewEmitter(collectionName string, tab TabPublisher) *Emitter {
	return &Emitter{
		listeners:  make(map[string][]subscription),
		collection: collectionName,
		tab:        tab,
		logger:     rlog.WithCollection(collectionName),
	}
}

// On registers fn for eventType, returning an unsubscribe function.
func (e *Emitter) On(eventType string, fn Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[eventType] = append(e.listeners[eventType], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.listeners[eventType]
		for i, s := range subs {
			if s.id == id {
				e.listeners[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit fires every listener registered for eventType, in registration
// order. A listener that panics is logged and does not stop the rest
// from running. Unless this emission is itself the result of a tab relay
// (SetRelaying(true)), it is also forwarded to the tab coordinator.
func (e *Emitter) Emit(eventType string, payload schema.Record) {
	e.mu.Lock()
	subs := append([]subscription(nil), e.listeners[eventType]...)
	relaying := e.relaying
	e.mu.Unlock()

	for _, s := range subs {
		e.invoke(s.fn, payload)
	}

	if e.tab != nil && !relaying {
		e.tab.Publish(e.collection, eventType, payload)
	}
}

func (e *Emitter) invoke(fn Listener, payload schema.Record) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("event listener failed")
		}
	}()
	fn(payload)
}

// SetTabPublisher attaches (or replaces) the tab coordinator this
// emitter forwards post-commit events to. Facades are constructed before
// the tab coordinator exists (it needs every facade to dispatch relayed
// events onto), so wiring happens in this second step.
func (e *Emitter) SetTabPublisher(tab TabPublisher) {
	e.mu.Lock()
	e.tab = tab
	e.mu.Unlock()
}

// SetRelaying toggles the "currently relaying an inbound tab message"
// flag, suppressing re-publication back to the tab coordinator while set.
func (e *Emitter) SetRelaying(v bool) {
	e.mu.Lock()
	e.relaying = v
	e.mu.Unlock()
}

// EmitLocal fires eventType's listeners without forwarding to the tab
// coordinator, used by the tab coordinator itself when relaying an
// inbound message (it already wraps the call with SetRelaying).
func (e *Emitter) EmitLocal(eventType string, payload schema.Record) {
	e.mu.Lock()
	subs := append([]subscription(nil), e.listeners[eventType]...)
	e.mu.Unlock()
	for _, s := range subs {
		e.invoke(s.fn, payload)
	}
}
