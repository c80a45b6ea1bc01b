// Package dberrors defines the engine's stable error taxonomy.
//
// Every error the engine returns to a caller wraps one of the sentinel
// Kind values below so that callers can recognize it with errors.Is or
// KindOf, regardless of which component raised it.
package dberrors

import (
	"errors"
	"fmt"
)

// Kind is a stable, programmatically recognizable error category.
type Kind string

const (
	SchemaInvalid    Kind = "schema-invalid"
	FKMissing        Kind = "fk-missing"
	FKRestrict       Kind = "fk-restrict"
	NotFound         Kind = "not-found"
	RelationConflict Kind = "relation-conflict"
	UnknownIndex     Kind = "unknown-index"
	UnknownEvent     Kind = "unknown-event"
	StoreError       Kind = "store-error"
)

// Error is the concrete error type carrying a Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, dberrors.FKMissing-shaped sentinel) work by
// comparing Kind rather than identity, so callers can write
// errors.Is(err, dberrors.New(dberrors.FKMissing, "")).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. The second
// return is false if err (or nothing in its chain) is a *dberrors.Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel values for errors.Is comparisons against a bare Kind, e.g.
// errors.Is(err, dberrors.ErrFKRestrict).
var (
	ErrSchemaInvalid    = &Error{Kind: SchemaInvalid}
	ErrFKMissing        = &Error{Kind: FKMissing}
	ErrFKRestrict       = &Error{Kind: FKRestrict}
	ErrNotFound         = &Error{Kind: NotFound}
	ErrRelationConflict = &Error{Kind: RelationConflict}
	ErrUnknownIndex     = &Error{Kind: UnknownIndex}
	ErrUnknownEvent     = &Error{Kind: UnknownEvent}
	ErrStoreError       = &Error{Kind: StoreError}
)
