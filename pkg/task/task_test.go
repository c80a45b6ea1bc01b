package task

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaydb/pkg/kvstore"
)

type fakeTx struct {
	committed bool
	rolledBack bool
}

func (f *fakeTx) ObjectStore(name string) (kvstore.ObjectStore, error) { return nil, nil }
func (f *fakeTx) Commit() error                                        { f.committed = true; return nil }
func (f *fakeTx) Rollback() error                                      { f.rolledBack = true; return nil }

func TestRunCommitsAndFiresPostCommitInOrder(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	var order []int
	err := tc.Run(context.Background(), func(c *Context) error {
		c.OnDidCommit(func() { order = append(order, 1) })
		c.OnDidCommit(func() { order = append(order, 2) })
		return nil
	})

	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, []int{1, 2}, order)
}

func TestRunRollsBackOnFnError(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	fired := false
	wantErr := errors.New("boom")
	err := tc.Run(context.Background(), func(c *Context) error {
		c.OnDidCommit(func() { fired = true })
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.False(t, fired, "post-commit callbacks must not fire on rollback")
}

func TestPreCommitRunsBeforeCommit(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	var preCommitSawUncommitted bool
	err := tc.Run(context.Background(), func(c *Context) error {
		c.OnWillCommit("check", func(ctx context.Context) error {
			preCommitSawUncommitted = !tx.committed
			return nil
		})
		return nil
	})

	require.NoError(t, err)
	assert.True(t, preCommitSawUncommitted)
}

func TestPreCommitFailureAbortsAndRollsBack(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	wantErr := errors.New("fk violation")
	err := tc.Run(context.Background(), func(c *Context) error {
		c.OnWillCommit("check", func(ctx context.Context) error { return wantErr })
		return nil
	})

	assert.ErrorIs(t, err, wantErr)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestOnWillCommitSameKeyReplacesPrevious(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	calls := 0
	err := tc.Run(context.Background(), func(c *Context) error {
		c.OnWillCommit("recheck", func(ctx context.Context) error { calls++; return nil })
		c.OnWillCommit("recheck", func(ctx context.Context) error { calls += 10; return nil })
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 10, calls, "later registration under the same key replaces the earlier one")
}

func TestExplicitAbort(t *testing.T) {
	tx := &fakeTx{}
	tc := New(tx, kvstore.ReadWrite)

	abortErr := errors.New("caller aborted")
	err := tc.Run(context.Background(), func(c *Context) error {
		c.Abort(abortErr)
		assert.True(t, c.Aborted())
		return nil
	})

	assert.ErrorIs(t, err, abortErr)
	assert.True(t, tx.rolledBack)
}

func TestIDIsStableAndNonEmpty(t *testing.T) {
	tc := New(&fakeTx{}, kvstore.ReadOnly)
	assert.NotEmpty(t, tc.ID())
	assert.Equal(t, tc.ID(), tc.ID())
	assert.Equal(t, kvstore.ReadOnly, tc.Mode())
}
