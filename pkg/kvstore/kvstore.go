// Package kvstore is the StoreCapability abstraction spec.md's C1
// component describes: a thin interface over a page-local key-value
// store, deliberately narrow so any embedded engine (bbolt here; badger,
// a browser's IndexedDB, whatever) can sit underneath the rest of the
// engine unchanged. pkg/kvstore/bolt is the only implementation shipped
// in this module.
package kvstore

import "errors"

// Mode is a transaction's declared access mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Direction is a cursor's walk direction.
type Direction int

const (
	Next Direction = iota
	Prev
)

// IndexSpec describes one secondary index to maintain on a store.
type IndexSpec struct {
	Name       string
	Fields     []string
	Unique     bool
	MultiEntry bool
}

// StoreSpec describes one object store (collection) to create.
type StoreSpec struct {
	Name          string
	KeyFields     []string
	AutoIncrement bool
	Indexes       []IndexSpec
}

// KeyRange mirrors spec.md §6's typed key-range values
// (lower/upper/lowerOpen/upperOpen, only/lowerBound/upperBound/bound).
type KeyRange struct {
	IsOnly               bool
	OnlyKey              []byte
	HasLower, HasUpper   bool
	Lower, Upper         []byte
	LowerOpen, UpperOpen bool
}

// Only builds a key range matching exactly one key.
func Only(key []byte) KeyRange { return KeyRange{IsOnly: true, OnlyKey: key} }

// LowerBoundRange builds an unbounded-above range starting at key.
func LowerBoundRange(key []byte, open bool) KeyRange {
	return KeyRange{HasLower: true, Lower: key, LowerOpen: open}
}

// UpperBoundRange builds an unbounded-below range ending at key.
func UpperBoundRange(key []byte, open bool) KeyRange {
	return KeyRange{HasUpper: true, Upper: key, UpperOpen: open}
}

// BoundRange builds a two-sided range.
func BoundRange(lower, upper []byte, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{HasLower: true, Lower: lower, LowerOpen: lowerOpen,
		HasUpper: true, Upper: upper, UpperOpen: upperOpen}
}

// Contains reports whether key satisfies the range's bounds.
func (r KeyRange) Contains(key []byte) bool {
	if r.IsOnly {
		return bytesEqual(key, r.OnlyKey)
	}
	if r.HasLower {
		cmp := bytesCompare(key, r.Lower)
		if cmp < 0 || (cmp == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.HasUpper {
		cmp := bytesCompare(key, r.Upper)
		if cmp > 0 || (cmp == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool   { return bytesCompare(a, b) == 0 }
func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// IndexEntry is one secondary-index key a Put should maintain for a record.
// Fields with no value to index (nil, per spec.md §3's keyPath rules) are
// simply omitted by the caller rather than represented here.
type IndexEntry struct {
	Index string
	Key   []byte
}

// Item is one primary-key/value pair yielded by a Cursor.
type Item struct {
	Key   []byte
	Value []byte
}

// Cursor is a forward-only pull iterator over ordered keys.
type Cursor interface {
	// Next advances and returns the next item, or ok=false once exhausted.
	Next() (item Item, ok bool, err error)
}

// ObjectStore is one collection's byte-level storage surface.
type ObjectStore interface {
	Put(pk []byte, value []byte, entries []IndexEntry) error
	Get(pk []byte) (value []byte, ok bool, err error)
	Delete(pk []byte) error
	Clear() error
	Count() (int, error)
	Cursor(dir Direction) Cursor
	// IndexCursor walks the named index in order; r == nil scans it fully.
	IndexCursor(indexName string, r *KeyRange, dir Direction) (Cursor, error)
	// GetByIndex resolves the first primary-key match for an exact index key.
	GetByIndex(indexName string, key []byte) (value []byte, ok bool, err error)
	// NextAutoIncrement returns the next id for an auto-increment store.
	NextAutoIncrement() (int64, error)
}

// Transaction is a live, bounded-lifetime transaction over a declared set
// of stores (spec.md §4.3's "ambient transaction").
type Transaction interface {
	ObjectStore(name string) (ObjectStore, error)
	Commit() error
	Rollback() error
}

// SchemaTx additionally allows structural changes, passed to a database's
// onUpgrade callback (spec.md §4.8).
type SchemaTx interface {
	Transaction
	CreateObjectStore(spec StoreSpec) error
	DeleteObjectStore(name string) error
	CreateIndex(storeName string, idx IndexSpec) error
}

// UpgradeFunc runs inside a SchemaTx when the store's on-disk version is
// older than the version the caller requested.
type UpgradeFunc func(tx SchemaTx, oldVersion, newVersion uint64) error

// Capability is the full StoreCapability surface the engine consumes.
type Capability interface {
	// Open opens (creating if absent) the store at path, running upgrade
	// if the stored version is below version.
	Open(path string, version uint64, upgrade UpgradeFunc) error
	Begin(storeNames []string, mode Mode) (Transaction, error)
	Close() error
}

// ErrClosed is returned by operations against a Capability that has not
// been opened (or has been closed).
var ErrClosed = errors.New("kvstore: capability not open")
