package dberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(NotFound, "row %d missing", 42)
	require.Error(t, err)
	assert.Equal(t, "not-found: row 42 missing", err.Error())

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, NotFound, kind)
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StoreError, cause, "put %q", "widgets")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "widgets")
}

func TestIsComparesKindNotIdentity(t *testing.T) {
	a := New(FKRestrict, "blocked by dependents")
	b := New(FKRestrict, "a different message entirely")

	assert.True(t, errors.Is(a, b))
	assert.True(t, errors.Is(a, ErrFKRestrict))
	assert.False(t, errors.Is(a, ErrNotFound))
}

func TestKindOfNonDBError(t *testing.T) {
	_, ok := KindOf(fmt.Errorf("plain error"))
	assert.False(t, ok)
}
