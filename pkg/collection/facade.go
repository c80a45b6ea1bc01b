// Package collection implements the StoreFacade (spec.md §4.7, C8): the
// per-collection CRUD and query surface every generated client method
// ultimately calls, wired to the foreign-key engine, the relation
// resolver, and the event emitter.
package collection

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/relaydb/pkg/cursor"
	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/fkey"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/relation"
	"github.com/cuemby/relaydb/pkg/reqio"
	"github.com/cuemby/relaydb/pkg/rlog"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/task"
	"github.com/cuemby/relaydb/pkg/txn"
)

// QueryOptions carries the optional `with` relation tree shared by find,
// findMany, all, latest, min, max, and getIndexRange.
type QueryOptions struct {
	With relation.With
}

// Facade is one collection's public operation surface.
type Facade struct {
	desc      schema.CollectionDescriptor
	registry  *Registry
	coord     *txn.Coordinator
	fk        *fkey.Engine
	rel       *relation.Resolver
	relFields map[string]bool
	emitter   *Emitter
	logger    zerolog.Logger
}

// NewFacade builds a Facade for desc, sharing registry/coord/fk/rel with
// every other collection's facade in the same DatabaseCore.
func NewFacade(desc schema.CollectionDescriptor, registry *Registry, coord *txn.Coordinator, fk *fkey.Engine, rel *relation.Resolver, relFields map[string]bool, tab TabPublisher) *Facade {
	return &Facade{
		desc:      desc,
		registry:  registry,
		coord:     coord,
		fk:        fk,
		rel:       rel,
		relFields: relFields,
		emitter:   NewEmitter(desc.Name, tab),
		logger:    rlog.WithCollection(desc.Name),
	}
}

// Name returns the collection's name.
func (f *Facade) Name() string { return f.desc.Name }

// Emitter exposes the facade's event bus to the tab coordinator.
func (f *Facade) Emitter() *Emitter { return f.emitter }

func cloneRecord(rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (f *Facade) rejectRelationFields(rec schema.Record) error {
	for field := range rec {
		if f.relFields[field] {
			return dberrors.New(dberrors.RelationConflict,
				"collection %q: field %q is a relation and must not appear on a written record", f.desc.Name, field)
		}
	}
	return nil
}

func (f *Facade) resolveWith(ctx context.Context, tc *task.Context, recs []schema.Record, with relation.With) error {
	if len(with) == 0 || len(recs) == 0 {
		return nil
	}
	for _, target := range f.rel.Targets(f.desc.Name, with) {
		observe(ctx, target)
	}
	return f.rel.Resolve(tc, f.registry, f.desc.Name, recs, with)
}

// Create inserts dto as a new row, assigning an auto-increment key when
// the collection declares one and dto omits it.
func (f *Facade) Create(ctx context.Context, dto schema.Record) (schema.Record, error) {
	return txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		rec := cloneRecord(dto)
		if err := f.rejectRelationFields(rec); err != nil {
			return nil, err
		}
		if f.desc.Transformers.Create != nil {
			rec = f.desc.Transformers.Create(rec)
		}
		rec, err := schema.ApplyDefaults(f.desc.Fields, rec)
		if err != nil {
			return nil, err
		}

		if f.desc.IDMode == schema.AutoIncrement && len(f.desc.KeyPath) == 1 {
			if _, present := rec[f.desc.KeyPath[0]]; !present {
				store, err := tc.ObjectStore(f.desc.Name)
				if err != nil {
					return nil, err
				}
				next, err := store.NextAutoIncrement()
				if err != nil {
					return nil, err
				}
				rec[f.desc.KeyPath[0]] = next
			}
		}

		if err := f.fk.ValidateUpstream(tc, f.registry, f.desc.Name, rec); err != nil {
			return nil, err
		}
		if err := f.registry.Put(tc, f.desc.Name, rec); err != nil {
			return nil, err
		}

		result := rec
		tc.OnDidCommit(func() {
			f.emitter.Emit("write", result)
			f.emitter.Emit("write|delete", result)
		})
		return result, nil
	})
}

// CreateActive is Create, wrapped as an ActiveRecord.
func (f *Facade) CreateActive(ctx context.Context, dto schema.Record) (*ActiveRecord, error) {
	rec, err := f.Create(ctx, dto)
	if err != nil {
		return nil, err
	}
	return &ActiveRecord{Data: rec, facade: f}, nil
}

// Update replaces an existing row identified by rec's key fields.
func (f *Facade) Update(ctx context.Context, rec schema.Record) (schema.Record, error) {
	return txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		next := cloneRecord(rec)
		if err := f.rejectRelationFields(next); err != nil {
			return nil, err
		}
		pk, err := f.registry.PKOf(f.desc.Name, next)
		if err != nil {
			return nil, err
		}
		_, found, err := f.registry.GetByPK(tc, f.desc.Name, pk)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, dberrors.New(dberrors.NotFound, "collection %q: update target %v does not exist", f.desc.Name, pk)
		}
		if f.desc.Transformers.Update != nil {
			next = f.desc.Transformers.Update(next)
		}
		if err := f.fk.ValidateUpstream(tc, f.registry, f.desc.Name, next); err != nil {
			return nil, err
		}
		if err := f.registry.Put(tc, f.desc.Name, next); err != nil {
			return nil, err
		}

		result := next
		tc.OnDidCommit(func() {
			f.emitter.Emit("write", result)
			f.emitter.Emit("write|delete", result)
		})
		return result, nil
	})
}

// Upsert applies create or update per item (depending on existence),
// committing the whole batch atomically within one task.
func (f *Facade) Upsert(ctx context.Context, items []schema.Record) ([]schema.Record, error) {
	return txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) ([]schema.Record, error) {
		results := make([]schema.Record, 0, len(items))
		for _, item := range items {
			rec := cloneRecord(item)
			if err := f.rejectRelationFields(rec); err != nil {
				return nil, err
			}
			pk, err := f.registry.PKOf(f.desc.Name, rec)
			if err != nil {
				return nil, err
			}
			_, found, err := f.registry.GetByPK(tc, f.desc.Name, pk)
			if err != nil {
				return nil, err
			}
			if found {
				if f.desc.Transformers.Update != nil {
					rec = f.desc.Transformers.Update(rec)
				}
			} else {
				if f.desc.Transformers.Create != nil {
					rec = f.desc.Transformers.Create(rec)
				}
				rec, err = schema.ApplyDefaults(f.desc.Fields, rec)
				if err != nil {
					return nil, err
				}
			}
			if err := f.fk.ValidateUpstream(tc, f.registry, f.desc.Name, rec); err != nil {
				return nil, err
			}
			if err := f.registry.Put(tc, f.desc.Name, rec); err != nil {
				return nil, err
			}
			results = append(results, rec)
		}

		committed := append([]schema.Record(nil), results...)
		tc.OnDidCommit(func() {
			for _, r := range committed {
				f.emitter.Emit("write", r)
				f.emitter.Emit("write|delete", r)
			}
		})
		return results, nil
	})
}

// Delete removes the row at pk, honoring every dependent collection's
// on-delete policy first. Returns nil, nil when no such row exists.
func (f *Facade) Delete(ctx context.Context, pk any) (schema.Record, error) {
	return txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		rec, found, err := f.registry.GetByPK(tc, f.desc.Name, pk)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		if err := f.fk.HandleDelete(tc, f.registry, f.desc.Name, pk, rec); err != nil {
			return nil, err
		}
		if err := f.registry.DeleteByPK(tc, f.desc.Name, pk); err != nil {
			return nil, err
		}

		result := rec
		tc.OnDidCommit(func() {
			f.emitter.Emit("delete", result)
			f.emitter.Emit("write|delete", result)
		})
		return result, nil
	})
}

// DeleteWhere deletes the first row pred matches, equivalent to
// DeleteMany(pred, 1)[0] when one exists.
func (f *Facade) DeleteWhere(ctx context.Context, pred cursor.Predicate) (schema.Record, error) {
	recs, err := f.DeleteMany(ctx, pred, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// DeleteMany deletes every row pred matches, up to limit (limit <= 0 is
// unbounded), honoring on-delete policies for each one.
func (f *Facade) DeleteMany(ctx context.Context, pred cursor.Predicate, limit int) ([]schema.Record, error) {
	return txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) ([]schema.Record, error) {
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return nil, err
		}
		deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }

		var deleted []schema.Record
		onBefore := func(rec schema.Record) error {
			pk, err := f.registry.PKOf(f.desc.Name, rec)
			if err != nil {
				return err
			}
			return f.fk.HandleDelete(tc, f.registry, f.desc.Name, pk, rec)
		}
		onAfter := func(rec schema.Record) error {
			deleted = append(deleted, rec)
			return nil
		}

		recs, err := cursor.DeleteByPredicate(store, f.desc.Name, kvstore.Next, pred, limit, deserialize, onBefore, onAfter)
		if err != nil {
			return recs, err
		}

		committed := append([]schema.Record(nil), deleted...)
		tc.OnDidCommit(func() {
			for _, r := range committed {
				f.emitter.Emit("delete", r)
				f.emitter.Emit("write|delete", r)
			}
		})
		return recs, nil
	})
}

// Clear truncates the store. Not foreign-key aware by design (spec.md
// §4.7); callers coordinate ordering themselves.
func (f *Facade) Clear(ctx context.Context) error {
	_, err := txn.QueueTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (struct{}, error) {
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return struct{}{}, err
		}
		if err := store.Clear(); err != nil {
			return struct{}{}, dberrors.Wrap(dberrors.StoreError, err, "clear %q", f.desc.Name)
		}
		tc.OnDidCommit(func() {
			f.emitter.Emit("clear", nil)
		})
		return struct{}{}, nil
	})
	return err
}

// Find resolves the row at pk, optionally eager-loading relations.
func (f *Facade) Find(ctx context.Context, pk any, opts QueryOptions) (schema.Record, error) {
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		observe(ctx, f.desc.Name)
		rec, found, err := f.registry.GetByPK(tc, f.desc.Name, pk)
		if err != nil || !found {
			return nil, err
		}
		if err := f.resolveWith(ctx, tc, []schema.Record{rec}, opts.With); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// FindWhere returns the first row pred matches, or nil.
func (f *Facade) FindWhere(ctx context.Context, pred cursor.Predicate, opts QueryOptions) (schema.Record, error) {
	recs, err := f.FindMany(ctx, pred, opts, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// FindMany returns every row pred matches, up to limit (limit <= 0 is
// unbounded).
func (f *Facade) FindMany(ctx context.Context, pred cursor.Predicate, opts QueryOptions, limit int) ([]schema.Record, error) {
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) ([]schema.Record, error) {
		observe(ctx, f.desc.Name)
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return nil, err
		}
		deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }
		recs, err := cursor.FindByPredicate(store, f.desc.Name, kvstore.Next, pred, limit, deserialize)
		if err != nil {
			return recs, err
		}
		if err := f.resolveWith(ctx, tc, recs, opts.With); err != nil {
			return recs, err
		}
		return recs, nil
	})
}

// All returns every row in the collection.
func (f *Facade) All(ctx context.Context, opts QueryOptions) ([]schema.Record, error) {
	return f.FindMany(ctx, nil, opts, 0)
}

// Count returns the number of rows currently stored.
func (f *Facade) Count(ctx context.Context) (int, error) {
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (int, error) {
		observe(ctx, f.desc.Name)
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return 0, err
		}
		return store.Count()
	})
}

// Latest returns the most recently keyed row, or nil.
func (f *Facade) Latest(ctx context.Context, opts QueryOptions) (schema.Record, error) {
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		observe(ctx, f.desc.Name)
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return nil, err
		}
		deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }
		rec, found, err := cursor.GetFirstByDirection(store, f.desc.Name, "", kvstore.Prev, deserialize)
		if err != nil || !found {
			return nil, err
		}
		if err := f.resolveWith(ctx, tc, []schema.Record{rec}, opts.With); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

// LatestActive is Latest, wrapped as an ActiveRecord.
func (f *Facade) LatestActive(ctx context.Context, opts QueryOptions) (*ActiveRecord, error) {
	rec, err := f.Latest(ctx, opts)
	if err != nil || rec == nil {
		return nil, err
	}
	return &ActiveRecord{Data: rec, facade: f}, nil
}

// Min returns the row with the smallest key in indexName, or nil. An
// unknown index name is a programming error.
func (f *Facade) Min(ctx context.Context, indexName string, opts QueryOptions) (schema.Record, error) {
	return f.extreme(ctx, indexName, kvstore.Next, opts)
}

// Max returns the row with the largest key in indexName, or nil.
func (f *Facade) Max(ctx context.Context, indexName string, opts QueryOptions) (schema.Record, error) {
	return f.extreme(ctx, indexName, kvstore.Prev, opts)
}

func (f *Facade) extreme(ctx context.Context, indexName string, dir kvstore.Direction, opts QueryOptions) (schema.Record, error) {
	if !f.hasIndex(indexName) {
		return nil, dberrors.New(dberrors.UnknownIndex, "collection %q: unknown index %q", f.desc.Name, indexName)
	}
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) (schema.Record, error) {
		observe(ctx, f.desc.Name)
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return nil, err
		}
		deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }
		rec, found, err := cursor.GetFirstByDirection(store, f.desc.Name, indexName, dir, deserialize)
		if err != nil || !found {
			return nil, err
		}
		if err := f.resolveWith(ctx, tc, []schema.Record{rec}, opts.With); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

func (f *Facade) hasIndex(name string) bool {
	for _, ix := range f.desc.Indexes {
		if ix.Name == name {
			return true
		}
	}
	return false
}

// GetIndexRange returns every row in indexName's range r (nil scans the
// whole index), optionally eager-loading relations.
func (f *Facade) GetIndexRange(ctx context.Context, indexName string, r *kvstore.KeyRange, dir kvstore.Direction, limit int, opts QueryOptions) ([]schema.Record, error) {
	if !f.hasIndex(indexName) {
		return nil, dberrors.New(dberrors.UnknownIndex, "collection %q: unknown index %q", f.desc.Name, indexName)
	}
	return txn.QueueReadTask(ctx, f.coord, func(ctx context.Context, tc *task.Context) ([]schema.Record, error) {
		observe(ctx, f.desc.Name)
		store, err := tc.ObjectStore(f.desc.Name)
		if err != nil {
			return nil, err
		}
		deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }
		recs, err := cursor.GetIndexRange(store, f.desc.Name, indexName, r, dir, limit, deserialize)
		if err != nil {
			return recs, err
		}
		if err := f.resolveWith(ctx, tc, recs, opts.With); err != nil {
			return recs, err
		}
		return recs, nil
	})
}

// IterateOptions configures Iterate.
type IterateOptions struct {
	Index     string
	KeyRange  *kvstore.KeyRange
	Direction kvstore.Direction
	With      relation.With
}

// relationBatchSize is the number of records iterate() buffers before
// resolving relations and flushing, trading round-trip count against
// transaction lifetime (spec.md §4.7).
const relationBatchSize = 100

// Iterate returns a lazy sequence over the collection (or one of its
// indexes). When opts.With is set, records are buffered in batches of
// relationBatchSize, relation-resolved together, then flushed; otherwise
// each record is yielded as soon as it is decoded.
func (f *Facade) Iterate(ctx context.Context, opts IterateOptions) (*reqio.Sequence[schema.Record], error) {
	observe(ctx, f.desc.Name)
	for _, target := range f.rel.Targets(f.desc.Name, opts.With) {
		observe(ctx, target)
	}

	tc, finish, err := txn.OpenAmbientOrReadOnly(ctx, f.coord)
	if err != nil {
		return nil, err
	}

	store, err := tc.ObjectStore(f.desc.Name)
	if err != nil {
		finish(err)
		return nil, err
	}

	var raw kvstore.Cursor
	if opts.Index == "" {
		raw = store.Cursor(opts.Direction)
	} else {
		raw, err = store.IndexCursor(opts.Index, opts.KeyRange, opts.Direction)
		if err != nil {
			finish(err)
			return nil, err
		}
	}
	deserialize := func(v []byte) (schema.Record, error) { return f.registry.Deserialize(f.desc.Name, v) }

	var next reqio.NextFunc[schema.Record]
	if len(opts.With) == 0 {
		next = cursor.AsSequenceFunc(f.desc.Name, raw, deserialize)
	} else {
		next = f.bufferedRelationNext(ctx, tc, raw, deserialize, opts.With)
	}

	finished := false
	return reqio.New(func(ctx context.Context) (schema.Record, bool, error) {
		rec, ok, nerr := next(ctx)
		if !ok && !finished {
			finished = true
			if ferr := finish(nerr); ferr != nil && nerr == nil {
				nerr = ferr
			}
		}
		return rec, ok, nerr
	}), nil
}

func (f *Facade) bufferedRelationNext(ctx context.Context, tx *task.Context, raw kvstore.Cursor, deserialize cursor.Deserialize, with relation.With) reqio.NextFunc[schema.Record] {
	buffer := make([]schema.Record, 0, relationBatchSize)
	pos := 0
	exhausted := false

	return func(_ context.Context) (schema.Record, bool, error) {
		for pos >= len(buffer) && !exhausted {
			buffer = buffer[:0]
			pos = 0
			for len(buffer) < relationBatchSize {
				item, ok, err := raw.Next()
				if err != nil {
					return nil, false, err
				}
				if !ok {
					exhausted = true
					break
				}
				rec, err := deserialize(item.Value)
				if err != nil {
					return nil, false, err
				}
				buffer = append(buffer, rec)
			}
			if len(buffer) == 0 {
				return nil, false, nil
			}
			if err := f.resolveWith(ctx, tx, buffer, with); err != nil {
				return nil, false, err
			}
		}
		if pos >= len(buffer) {
			return nil, false, nil
		}
		rec := buffer[pos]
		pos++
		return rec, true, nil
	}
}

// Wrap shallow-adds Save/Delete to rec. Asserts no relation field is
// present.
func (f *Facade) Wrap(rec schema.Record) (*ActiveRecord, error) {
	if err := f.rejectRelationFields(rec); err != nil {
		return nil, err
	}
	return &ActiveRecord{Data: rec, facade: f}, nil
}

// Unwrap returns the plain record an ActiveRecord wraps.
func (f *Facade) Unwrap(ar *ActiveRecord) schema.Record {
	return ar.Data
}

// OnEvent subscribes fn to eventType ("write", "delete", "write|delete",
// or "clear"), returning an unsubscribe function.
func (f *Facade) OnEvent(eventType string, fn Listener) func() {
	return f.emitter.On(eventType, fn)
}
