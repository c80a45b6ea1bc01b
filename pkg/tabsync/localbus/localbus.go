// Package localbus is an in-process stand-in for the browser's
// BroadcastChannel: handles opened under the same name see every message
// posted by any other handle under that name, fire-and-forget and
// non-blocking, delivered over a buffered channel per handle that drops
// a message rather than blocking the sender when full, with explicit
// unsubscribe on Close. There is only one process here, so "tabs" are
// the distinct Handles a program opens against the same channel name —
// typically one per goroutine standing in for a browser tab in tests.
package localbus

import "sync"

// MessageType identifies one of the three cross-tab protocol messages
// (spec.md §4.10).
type MessageType string

const (
	CloseForUpgrade MessageType = "close-for-upgrade"
	Reinit          MessageType = "reinit"
	Relay           MessageType = "relay"
)

// Message is the envelope every protocol message is carried in.
type Message struct {
	Type       MessageType
	NewVersion uint64
	Collection string
	Event      string
	Data       any
}

const subscriberBuffer = 64

// Handle is one end of a named broadcast channel.
type Handle struct {
	bus  *Bus
	name string
	ch   chan Message
}

// Recv returns the channel this handle's incoming messages arrive on.
func (h *Handle) Recv() <-chan Message { return h.ch }

// Post broadcasts msg to every other handle open on the same channel
// name. Never blocks: a handle with a full buffer simply misses it.
func (h *Handle) Post(msg Message) {
	h.bus.publish(h, msg)
}

// Close unregisters this handle from its channel.
func (h *Handle) Close() {
	h.bus.mu.Lock()
	delete(h.bus.channels[h.name], h)
	h.bus.mu.Unlock()
	close(h.ch)
}

// Bus is a registry of named channels. The zero value is not usable;
// construct with NewBus. Most callers use the package-level Open, which
// shares one process-wide Bus.
type Bus struct {
	mu       sync.Mutex
	channels map[string]map[*Handle]bool
}

// NewBus builds an empty, independent registry — useful for test
// isolation so unrelated tests opening the same database name don't
// cross-talk.
func NewBus() *Bus {
	return &Bus{channels: make(map[string]map[*Handle]bool)}
}

// Open returns a new Handle on name, registering it to receive every
// future Post from any other handle on the same name.
func (b *Bus) Open(name string) *Handle {
	h := &Handle{bus: b, name: name, ch: make(chan Message, subscriberBuffer)}
	b.mu.Lock()
	if b.channels[name] == nil {
		b.channels[name] = make(map[*Handle]bool)
	}
	b.channels[name][h] = true
	b.mu.Unlock()
	return h
}

func (b *Bus) publish(from *Handle, msg Message) {
	b.mu.Lock()
	peers := make([]*Handle, 0, len(b.channels[from.name]))
	for h := range b.channels[from.name] {
		if h != from {
			peers = append(peers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range peers {
		select {
		case h.ch <- msg:
		default:
		}
	}
}

var global = NewBus()

// Open opens a Handle on the process-wide default Bus.
func Open(name string) *Handle {
	return global.Open(name)
}
