// Package reqio is the RequestAdapter (spec.md §4.1, C2): a uniform view
// over the store capability's request- and cursor-style operations.
//
// The original describes a promise/async-iterator pair. Go has no
// promise type — a blocking call returning (T, error) already is that
// uniform view for single requests, so every package in this module
// calls the capability directly rather than through an adapter type.
// What Go does lack is the original's lazy async-iterator: this package
// supplies that half as Sequence, a pull-style cursor wrapper used by
// every "async sequence" operation named in the spec (iterate,
// asAsyncSequence).
package reqio

import "context"

// NextFunc produces one more element, or ok=false once the underlying
// cursor is exhausted.
type NextFunc[T any] func(ctx context.Context) (value T, ok bool, err error)

// Sequence is a lazy, pull-style iterator: each Next advances exactly
// one step, mirroring the original's "each advance of the cursor
// produces one value; the sequence terminates when the cursor
// exhausts" (spec.md §4.1).
type Sequence[T any] struct {
	next NextFunc[T]
	done bool
}

// New wraps a NextFunc as a Sequence.
func New[T any](next NextFunc[T]) *Sequence[T] {
	return &Sequence[T]{next: next}
}

// Next returns the next element. Once it has returned ok=false or a
// non-nil error, every subsequent call also returns ok=false, nil error
// — the sequence does not resume after exhaustion or failure.
func (s *Sequence[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if s.done {
		return zero, false, nil
	}
	v, ok, err := s.next(ctx)
	if err != nil || !ok {
		s.done = true
		if err != nil {
			return zero, false, err
		}
		return zero, false, nil
	}
	return v, true, nil
}

// Collect drains the sequence into a slice, stopping early at limit
// elements when limit > 0.
func Collect[T any](ctx context.Context, s *Sequence[T], limit int) ([]T, error) {
	var out []T
	for limit <= 0 || len(out) < limit {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, nil
}
