// Package tabsync implements the TabCoordinator (spec.md §4.10, C11):
// the close-for-upgrade / reinit / relay handshake that keeps every tab
// sharing a database in sync across version upgrades and post-commit
// events.
package tabsync

import (
	"sync"

	"github.com/cuemby/relaydb/pkg/collection"
	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/engine"
	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/tabsync/localbus"
)

// Hooks customize how a Coordinator reacts to lifecycle messages from
// other tabs.
type Hooks struct {
	// OnCloseForUpgrade runs when another tab is waiting on this tab's
	// older connection to close before it can upgrade.
	OnCloseForUpgrade func(newVersion uint64)
	// OnBeforeReinit runs before this tab rebuilds at a newer version.
	OnBeforeReinit func(oldVersion, newVersion uint64)
	// Reinit reopens this tab's database at newVersion. Required for
	// reinit handling to do anything; nil means this tab never catches
	// up automatically.
	Reinit func(newVersion uint64) error
}

// Coordinator owns one broadcast channel handle and relays post-commit
// events between every facade sharing it.
type Coordinator struct {
	handle  *localbus.Handle
	facades func() map[string]*collection.Facade
	hooks   Hooks

	mu      sync.Mutex
	version uint64
	latest  uint64
	relay   bool

	done chan struct{}
}

// Open joins (or creates) the broadcast channel named dbName at
// startVersion and starts relaying in the background. relayEnabled sets
// the initial relay-on-by-default flag (spec.md §4.10).
func Open(dbName string, startVersion uint64, facades func() map[string]*collection.Facade, hooks Hooks, relayEnabled bool) *Coordinator {
	c := &Coordinator{
		handle:  localbus.Open(dbName),
		facades: facades,
		hooks:   hooks,
		version: startVersion,
		latest:  startVersion,
		relay:   relayEnabled,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case msg := <-c.handle.Recv():
			c.handleMessage(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) handleMessage(msg localbus.Message) {
	switch msg.Type {
	case localbus.CloseForUpgrade:
		c.onCloseForUpgrade(msg.NewVersion)
	case localbus.Reinit:
		c.onReinit()
	case localbus.Relay:
		c.onRelay(msg)
	}
}

func (c *Coordinator) onCloseForUpgrade(newVersion uint64) {
	dbmetrics.TabRelayMessagesTotal.WithLabelValues(string(localbus.CloseForUpgrade)).Inc()

	c.mu.Lock()
	behind := c.version < newVersion
	if behind {
		c.latest = newVersion
	}
	c.mu.Unlock()

	if behind && c.hooks.OnCloseForUpgrade != nil {
		c.hooks.OnCloseForUpgrade(newVersion)
	}
}

func (c *Coordinator) onReinit() {
	dbmetrics.TabRelayMessagesTotal.WithLabelValues(string(localbus.Reinit)).Inc()

	c.mu.Lock()
	oldVersion, latest := c.version, c.latest
	c.mu.Unlock()
	if oldVersion >= latest {
		return
	}

	if c.hooks.OnBeforeReinit != nil {
		c.hooks.OnBeforeReinit(oldVersion, latest)
	}
	if c.hooks.Reinit == nil {
		return
	}
	if err := c.hooks.Reinit(latest); err != nil {
		rlog.WithComponent("tabsync").Error().Err(err).Uint64("new_version", latest).Msg("reinit failed")
		return
	}

	c.mu.Lock()
	c.version = latest
	c.mu.Unlock()
}

func (c *Coordinator) onRelay(msg localbus.Message) {
	dbmetrics.TabRelayMessagesTotal.WithLabelValues(string(localbus.Relay)).Inc()

	c.mu.Lock()
	enabled := c.relay
	c.mu.Unlock()
	if !enabled {
		return
	}

	facades := c.facades()
	f, ok := facades[msg.Collection]
	if !ok {
		return
	}
	payload, _ := msg.Data.(schema.Record)

	e := f.Emitter()
	e.SetRelaying(true)
	e.EmitLocal(msg.Event, payload)
	e.SetRelaying(false)
}

// Publish implements collection.TabPublisher: every local post-commit
// event is broadcast as a relay message for other tabs to replay.
func (c *Coordinator) Publish(collectionName, eventType string, payload schema.Record) {
	c.handle.Post(localbus.Message{
		Type:       localbus.Relay,
		Collection: collectionName,
		Event:      eventType,
		Data:       payload,
	})
}

// BroadcastCloseForUpgrade announces that this tab is upgrading to
// newVersion, asking older tabs to close their connections.
func (c *Coordinator) BroadcastCloseForUpgrade(newVersion uint64) {
	c.handle.Post(localbus.Message{Type: localbus.CloseForUpgrade, NewVersion: newVersion})
}

// BroadcastReinit announces that this tab's upgrade succeeded, so other
// tabs still on an older version should rebuild.
func (c *Coordinator) BroadcastReinit() {
	c.handle.Post(localbus.Message{Type: localbus.Reinit})
}

// SetRelayEnabled toggles whether inbound relay messages are applied
// locally.
func (c *Coordinator) SetRelayEnabled(v bool) {
	c.mu.Lock()
	c.relay = v
	c.mu.Unlock()
}

// Version reports the version this tab believes it is open at.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Close stops relaying and leaves the broadcast channel.
func (c *Coordinator) Close() {
	close(c.done)
	c.handle.Close()
}

// Attach opens a Coordinator on db's name/version and wires it as db's
// TabPublisher, so every facade's post-commit events are relayed. hooks
// is used as-is except that a nil Reinit is filled in with one that
// re-runs db's own upgrade routine by delegating to reopen.
func Attach(db *engine.Database, version uint64, relayEnabled bool, hooks Hooks, reopen func(newVersion uint64) error) *Coordinator {
	if hooks.Reinit == nil {
		hooks.Reinit = reopen
	}
	c := Open(db.Name(), version, db.Facades, hooks, relayEnabled)
	db.SetTabPublisher(c)
	return c
}
