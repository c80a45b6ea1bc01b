// Package cursor implements the CursorEngine (spec.md §4.5, C6): the
// predicate scan, delete-by-predicate, first-by-direction, and batched
// async-iteration patterns shared by every collection operation that
// walks a store rather than doing a single point lookup.
package cursor

import (
	"context"

	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/reqio"
	"github.com/cuemby/relaydb/pkg/schema"
)

// Predicate reports whether a decoded record should be included in a
// scan's results.
type Predicate func(schema.Record) bool

// Deserialize turns one stored value into a Record.
type Deserialize func([]byte) (schema.Record, error)

// FindByPredicate walks store in dir, decoding each row and keeping
// those pred accepts, stopping once limit matches are collected (limit
// <= 0 means unbounded).
func FindByPredicate(store kvstore.ObjectStore, collection string, dir kvstore.Direction, pred Predicate, limit int, deserialize Deserialize) ([]schema.Record, error) {
	var out []schema.Record
	c := store.Cursor(dir)
	for {
		item, ok, err := c.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		dbmetrics.CursorRecordsScanned.WithLabelValues(collection).Inc()
		rec, err := deserialize(item.Value)
		if err != nil {
			return out, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteByPredicate walks store in dir, and for every row pred accepts,
// invokes onBeforeDelete (e.g. the foreign-key engine's downstream
// handlers) before deleting the row and onAfterDelete once it is gone.
// Returns every deleted record, honoring limit as FindByPredicate does.
func DeleteByPredicate(
	store kvstore.ObjectStore,
	collection string,
	dir kvstore.Direction,
	pred Predicate,
	limit int,
	deserialize Deserialize,
	onBeforeDelete func(schema.Record) error,
	onAfterDelete func(schema.Record) error,
) ([]schema.Record, error) {
	var out []schema.Record
	c := store.Cursor(dir)
	for {
		item, ok, err := c.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		dbmetrics.CursorRecordsScanned.WithLabelValues(collection).Inc()
		rec, err := deserialize(item.Value)
		if err != nil {
			return out, err
		}
		if pred != nil && !pred(rec) {
			continue
		}

		if onBeforeDelete != nil {
			if err := onBeforeDelete(rec); err != nil {
				return out, err
			}
		}
		if err := store.Delete(item.Key); err != nil {
			return out, err
		}
		if onAfterDelete != nil {
			if err := onAfterDelete(rec); err != nil {
				return out, err
			}
		}

		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetFirstByDirection opens an index cursor (or the primary-key cursor
// when indexName is empty) and returns its first record, if any.
func GetFirstByDirection(store kvstore.ObjectStore, collection, indexName string, dir kvstore.Direction, deserialize Deserialize) (schema.Record, bool, error) {
	var c kvstore.Cursor
	var err error
	if indexName == "" {
		c = store.Cursor(dir)
	} else {
		c, err = store.IndexCursor(indexName, nil, dir)
		if err != nil {
			return nil, false, err
		}
	}

	item, ok, err := c.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	dbmetrics.CursorRecordsScanned.WithLabelValues(collection).Inc()
	rec, err := deserialize(item.Value)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// GetIndexRange walks the named index over r (nil scans it fully),
// decoding every matching row in order.
func GetIndexRange(store kvstore.ObjectStore, collection, indexName string, r *kvstore.KeyRange, dir kvstore.Direction, limit int, deserialize Deserialize) ([]schema.Record, error) {
	c, err := store.IndexCursor(indexName, r, dir)
	if err != nil {
		return nil, err
	}
	var out []schema.Record
	for {
		item, ok, err := c.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		dbmetrics.CursorRecordsScanned.WithLabelValues(collection).Inc()
		rec, err := deserialize(item.Value)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AsSequenceFunc wraps a raw kvstore.Cursor as a reqio.NextFunc of
// decoded records (spec.md §4.1/§4.5's asAsyncSequence), so a caller that
// needs to attach its own cleanup (e.g. committing a dedicated
// transaction once the sequence is drained) can compose it further
// before handing it to reqio.New.
func AsSequenceFunc(collection string, c kvstore.Cursor, deserialize Deserialize) reqio.NextFunc[schema.Record] {
	return func(_ context.Context) (schema.Record, bool, error) {
		item, ok, err := c.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		dbmetrics.CursorRecordsScanned.WithLabelValues(collection).Inc()
		rec, err := deserialize(item.Value)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}
}

// AsSequence wraps AsSequenceFunc as a ready-to-drain reqio.Sequence for
// callers with no cleanup of their own to attach.
func AsSequence(collection string, c kvstore.Cursor, deserialize Deserialize) *reqio.Sequence[schema.Record] {
	return reqio.New(AsSequenceFunc(collection, c, deserialize))
}
