// Package task implements the TaskContext described in spec.md §3/§4.2:
// a per-transaction scratchpad carrying the live transaction plus ordered
// post-commit and deduplicated pre-commit hooks.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/google/uuid"
)

// Context is one transaction's scratchpad. Its zero value is not usable;
// construct with New.
type Context struct {
	mu sync.Mutex

	id   string
	tx   kvstore.Transaction
	mode kvstore.Mode

	postCommit []func()
	preKeys    []string
	preCommit  map[string]func(context.Context) error

	aborted  bool
	abortErr error
}

// New builds a Context around a freshly opened transaction.
func New(tx kvstore.Transaction, mode kvstore.Mode) *Context {
	return &Context{
		id:        uuid.NewString(),
		tx:        tx,
		mode:      mode,
		preCommit: make(map[string]func(context.Context) error),
	}
}

// ID returns the TaskContext's correlation id, used only for logging and
// metrics labels.
func (c *Context) ID() string { return c.id }

// Mode reports whether this is a read-only or read-write transaction.
func (c *Context) Mode() kvstore.Mode { return c.mode }

// ObjectStore resolves a collection's byte-level store within this
// transaction.
func (c *Context) ObjectStore(name string) (kvstore.ObjectStore, error) {
	return c.tx.ObjectStore(name)
}

// OnDidCommit appends cb to the ordered post-commit callback list. Fires
// in insertion order strictly after a successful commit (spec.md I4).
func (c *Context) OnDidCommit(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postCommit = append(c.postCommit, cb)
}

// OnWillCommit registers a pre-commit callback keyed by key. A later call
// with the same key replaces the previous entry, giving the no-action
// foreign-key handler's re-pointing re-checks idempotence "by construction"
// (spec.md §4.4).
func (c *Context) OnWillCommit(key string, cb func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.preCommit[key]; !exists {
		c.preKeys = append(c.preKeys, key)
	}
	c.preCommit[key] = cb
}

// Abort marks the context aborted with the given cause; subsequent
// commits roll back instead.
func (c *Context) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aborted {
		c.aborted = true
		c.abortErr = err
	}
}

// Aborted reports whether Abort has been called.
func (c *Context) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Run executes fn against this context, then finalizes the transaction:
// on success it awaits every pre-commit callback (order unspecified,
// spec.md §4.2), commits, and fires post-commit callbacks in insertion
// order; on failure — fn's error, a pre-commit callback's error, or an
// explicit Abort — it rolls back, drops post-commit callbacks, and
// returns the error.
func (c *Context) Run(ctx context.Context, fn func(*Context) error) error {
	if err := fn(c); err != nil {
		c.Abort(err)
	}

	if c.Aborted() {
		if rerr := c.tx.Rollback(); rerr != nil {
			return fmt.Errorf("task %s: rollback after %w: %v", c.id, c.abortErr, rerr)
		}
		return c.abortErr
	}

	c.mu.Lock()
	keys := append([]string(nil), c.preKeys...)
	callbacks := make(map[string]func(context.Context) error, len(c.preCommit))
	for k, v := range c.preCommit {
		callbacks[k] = v
	}
	c.mu.Unlock()

	for _, k := range keys {
		if err := callbacks[k](ctx); err != nil {
			c.Abort(err)
			if rerr := c.tx.Rollback(); rerr != nil {
				return fmt.Errorf("task %s: rollback after pre-commit failure %w: %v", c.id, err, rerr)
			}
			return err
		}
	}

	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("task %s: commit: %w", c.id, err)
	}

	c.mu.Lock()
	fired := append([]func(){}, c.postCommit...)
	c.mu.Unlock()
	for _, cb := range fired {
		cb()
	}
	return nil
}
