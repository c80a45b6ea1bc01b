// Package bolt implements kvstore.Capability on top of go.etcd.io/bbolt,
// an embedded, ACID, single-file store. Each collection gets its own
// top-level bucket, one per collection; inside it, three nested buckets
// hold the primary rows, the secondary index entries, and the
// index-entry bookkeeping needed to clean up stale index rows on
// overwrite.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/rlog"
	bbolt "go.etcd.io/bbolt"
)

var (
	rowsBucket = []byte("__rows__")
	idxBucket  = []byte("__idx__")
	metaBucket = []byte("__meta__")
	sysBucket  = []byte("__relaydb_system__")
	versionKey = []byte("version")
)

// Capability opens a single bbolt file and implements kvstore.Capability
// over it.
type Capability struct {
	db   *bbolt.DB
	path string
}

// New constructs an unopened Capability; call Open before use.
func New() *Capability {
	return &Capability{}
}

// Open opens (creating if absent) the bbolt file at path. If its stored
// schema version is below version, upgrade runs inside a single
// read-write transaction that also persists the new version on success.
func (c *Capability) Open(path string, version uint64, upgrade kvstore.UpgradeFunc) error {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("bolt: open %s: %w", path, err)
	}
	c.db = db
	c.path = path

	var stored uint64
	err = db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(sysBucket)
		if err != nil {
			return err
		}
		if v := sys.Get(versionKey); v != nil {
			stored = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("bolt: read version: %w", err)
	}

	if stored > version {
		_ = db.Close()
		return fmt.Errorf("bolt: store version %d is newer than requested version %d", stored, version)
	}

	if stored < version {
		rlog.WithComponent("kvstore/bolt").Info().
			Uint64("from", stored).Uint64("to", version).Msg("running schema upgrade")
		err = db.Update(func(tx *bbolt.Tx) error {
			schemaTx := &txn{tx: tx, mode: kvstore.ReadWrite}
			if upgrade != nil {
				if err := upgrade(schemaTx, stored, version); err != nil {
					return err
				}
			}
			sys, err := tx.CreateBucketIfNotExists(sysBucket)
			if err != nil {
				return err
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], version)
			return sys.Put(versionKey, buf[:])
		})
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("bolt: upgrade %d->%d: %w", stored, version, err)
		}
	}

	return nil
}

// Begin starts a transaction. storeNames is accepted for interface parity
// with spec.md's scoped transactions but bbolt transactions always span
// the whole file; the coordinator (pkg/txn) already opens transactions
// against every declared store for exactly this reason (§4.3).
func (c *Capability) Begin(storeNames []string, mode kvstore.Mode) (kvstore.Transaction, error) {
	if c.db == nil {
		return nil, kvstore.ErrClosed
	}
	tx, err := c.db.Begin(mode == kvstore.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("bolt: begin: %w", err)
	}
	return &txn{tx: tx, mode: mode}, nil
}

// Close closes the underlying bbolt file.
func (c *Capability) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// txn adapts *bbolt.Tx to kvstore.Transaction/SchemaTx.
type txn struct {
	tx   *bbolt.Tx
	mode kvstore.Mode
}

func (t *txn) ObjectStore(name string) (kvstore.ObjectStore, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bolt: no such object store %q", name)
	}
	rows := b.Bucket(rowsBucket)
	idx := b.Bucket(idxBucket)
	meta := b.Bucket(metaBucket)
	if rows == nil || idx == nil || meta == nil {
		return nil, fmt.Errorf("bolt: object store %q missing internal buckets", name)
	}
	return &objectStore{rows: rows, idx: idx, meta: meta}, nil
}

func (t *txn) Commit() error {
	if t.mode == kvstore.ReadOnly {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *txn) Rollback() error {
	return t.tx.Rollback()
}

func (t *txn) CreateObjectStore(spec kvstore.StoreSpec) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(spec.Name))
	if err != nil {
		return err
	}
	if _, err := b.CreateBucketIfNotExists(rowsBucket); err != nil {
		return err
	}
	idx, err := b.CreateBucketIfNotExists(idxBucket)
	if err != nil {
		return err
	}
	if _, err := b.CreateBucketIfNotExists(metaBucket); err != nil {
		return err
	}
	for _, ix := range spec.Indexes {
		if _, err := idx.CreateBucketIfNotExists([]byte(ix.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) DeleteObjectStore(name string) error {
	return t.tx.DeleteBucket([]byte(name))
}

func (t *txn) CreateIndex(storeName string, ix kvstore.IndexSpec) error {
	b := t.tx.Bucket([]byte(storeName))
	if b == nil {
		return fmt.Errorf("bolt: no such object store %q", storeName)
	}
	idx := b.Bucket(idxBucket)
	if idx == nil {
		return fmt.Errorf("bolt: object store %q missing index bucket", storeName)
	}
	_, err := idx.CreateBucketIfNotExists([]byte(ix.Name))
	return err
}

// objectStore adapts one collection's three nested buckets.
type objectStore struct {
	rows *bbolt.Bucket
	idx  *bbolt.Bucket
	meta *bbolt.Bucket
}

func (s *objectStore) Put(pk []byte, value []byte, entries []kvstore.IndexEntry) error {
	if old := s.meta.Get(pk); old != nil {
		var prev []kvstore.IndexEntry
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("bolt: decode index meta: %w", err)
		}
		for _, e := range prev {
			b := s.idx.Bucket([]byte(e.Index))
			if b == nil {
				continue
			}
			if err := b.Delete(compositeKey(e.Key, pk)); err != nil {
				return err
			}
		}
	}

	if err := s.rows.Put(pk, value); err != nil {
		return err
	}

	for _, e := range entries {
		b := s.idx.Bucket([]byte(e.Index))
		if b == nil {
			var err error
			b, err = s.idx.CreateBucketIfNotExists([]byte(e.Index))
			if err != nil {
				return err
			}
		}
		if err := b.Put(compositeKey(e.Key, pk), pk); err != nil {
			return err
		}
	}

	if len(entries) == 0 {
		return s.meta.Delete(pk)
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.meta.Put(pk, blob)
}

func (s *objectStore) Get(pk []byte) ([]byte, bool, error) {
	v := s.rows.Get(pk)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *objectStore) Delete(pk []byte) error {
	if old := s.meta.Get(pk); old != nil {
		var prev []kvstore.IndexEntry
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("bolt: decode index meta: %w", err)
		}
		for _, e := range prev {
			if b := s.idx.Bucket([]byte(e.Index)); b != nil {
				if err := b.Delete(compositeKey(e.Key, pk)); err != nil {
					return err
				}
			}
		}
		if err := s.meta.Delete(pk); err != nil {
			return err
		}
	}
	return s.rows.Delete(pk)
}

func (s *objectStore) Clear() error {
	if err := clearBucket(s.rows); err != nil {
		return err
	}
	if err := clearBucket(s.meta); err != nil {
		return err
	}
	c := s.idx.Cursor()
	for name, _ := c.First(); name != nil; name, _ = c.Next() {
		if b := s.idx.Bucket(name); b != nil {
			if err := clearBucket(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func clearBucket(b *bbolt.Bucket) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (s *objectStore) Count() (int, error) {
	return s.rows.Stats().KeyN, nil
}

func (s *objectStore) Cursor(dir kvstore.Direction) kvstore.Cursor {
	return &rowsCursor{c: s.rows.Cursor(), dir: dir}
}

func (s *objectStore) IndexCursor(indexName string, r *kvstore.KeyRange, dir kvstore.Direction) (kvstore.Cursor, error) {
	b := s.idx.Bucket([]byte(indexName))
	if b == nil {
		return nil, fmt.Errorf("bolt: no such index %q", indexName)
	}
	return &indexCursor{rows: s.rows, c: b.Cursor(), dir: dir, r: r}, nil
}

func (s *objectStore) GetByIndex(indexName string, key []byte) ([]byte, bool, error) {
	b := s.idx.Bucket([]byte(indexName))
	if b == nil {
		return nil, false, fmt.Errorf("bolt: no such index %q", indexName)
	}
	prefix := append(append([]byte{}, key...), 0x00)
	c := b.Cursor()
	k, pk := c.Seek(prefix)
	if k == nil || !hasPrefix(k, prefix) {
		return nil, false, nil
	}
	v := s.rows.Get(pk)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *objectStore) NextAutoIncrement() (int64, error) {
	n, err := s.rows.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// compositeKey concatenates an index key with the primary key it points
// at, separated by a NUL byte. Encoded key parts produced by pkg/kvstore/keyenc
// can themselves contain NUL bytes (numbers, tuples), so splitComposite
// finds the boundary from the primary key's length, not by searching for it.
func compositeKey(indexKey, pk []byte) []byte {
	out := make([]byte, 0, len(indexKey)+1+len(pk))
	out = append(out, indexKey...)
	out = append(out, 0x00)
	out = append(out, pk...)
	return out
}

// splitComposite returns the index-key prefix of composite, whose trailing
// primary key is pk (the index entry's value).
func splitComposite(composite, pk []byte) []byte {
	n := len(composite) - len(pk) - 1
	if n < 0 {
		return composite
	}
	return composite[:n]
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// rowsCursor walks a collection's primary rows in key order.
type rowsCursor struct {
	c       *bbolt.Cursor
	dir     kvstore.Direction
	started bool
}

func (rc *rowsCursor) Next() (kvstore.Item, bool, error) {
	var k, v []byte
	if !rc.started {
		rc.started = true
		if rc.dir == kvstore.Prev {
			k, v = rc.c.Last()
		} else {
			k, v = rc.c.First()
		}
	} else {
		if rc.dir == kvstore.Prev {
			k, v = rc.c.Prev()
		} else {
			k, v = rc.c.Next()
		}
	}
	if k == nil {
		return kvstore.Item{}, false, nil
	}
	return kvstore.Item{Key: append([]byte{}, k...), Value: append([]byte{}, v...)}, true, nil
}

// indexCursor walks an index bucket's composite keys in order, resolving
// each to its primary row, optionally filtered by a KeyRange over the
// index-key prefix of the composite key.
type indexCursor struct {
	rows    *bbolt.Bucket
	c       *bbolt.Cursor
	dir     kvstore.Direction
	r       *kvstore.KeyRange
	started bool
}

func (ic *indexCursor) Next() (kvstore.Item, bool, error) {
	for {
		var k, pk []byte
		if !ic.started {
			ic.started = true
			if ic.dir == kvstore.Prev {
				k, pk = ic.c.Last()
			} else {
				k, pk = ic.c.First()
			}
		} else {
			if ic.dir == kvstore.Prev {
				k, pk = ic.c.Prev()
			} else {
				k, pk = ic.c.Next()
			}
		}
		if k == nil {
			return kvstore.Item{}, false, nil
		}
		indexKey := splitComposite(k, pk)
		if ic.r != nil && !ic.r.Contains(indexKey) {
			continue
		}
		v := ic.rows.Get(pk)
		if v == nil {
			continue
		}
		return kvstore.Item{Key: append([]byte{}, pk...), Value: append([]byte{}, v...)}, true, nil
	}
}

// StoreStat reports one collection's row count as seen on disk.
type StoreStat struct {
	Name    string
	Records int
}

// Stats is a read-only snapshot of a bolt file's schema version and
// per-collection row counts, for cmd/relaydb's open/migrate subcommands
// (grounded in cmd/warren-migrate's direct db.View/ForEach inspection).
type Stats struct {
	Version uint64
	Stores  []StoreStat
}

// Stat opens path read-only and reports its stored version and every
// top-level collection bucket's row count, without running any upgrade.
// A missing file reports Stats{} with no error, matching a database that
// would be created fresh on first Open.
func Stat(path string) (Stats, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Stats{}, nil
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return Stats{}, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	defer db.Close()

	var stats Stats
	err = db.View(func(tx *bbolt.Tx) error {
		if sys := tx.Bucket(sysBucket); sys != nil {
			if v := sys.Get(versionKey); v != nil {
				stats.Version = binary.BigEndian.Uint64(v)
			}
		}
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			if string(name) == string(sysBucket) {
				return nil
			}
			rows := b.Bucket(rowsBucket)
			if rows == nil {
				return nil
			}
			stats.Stores = append(stats.Stores, StoreStat{
				Name:    string(name),
				Records: rows.Stats().KeyN,
			})
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("bolt: stat %s: %w", path, err)
	}
	return stats, nil
}
