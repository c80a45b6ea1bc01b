// Package fkey implements the ForeignKeyEngine (spec.md §4.4, C5):
// upstream reference validation on write, and the four downstream
// on-delete policies (cascade, restrict, set-null, no-action).
//
// The engine never touches raw bytes. It is handed an Accessor by the
// collection facade that owns record decoding/encoding and key
// derivation, and it drives that accessor to read, rewrite, or delete
// rows as each policy requires.
package fkey

import (
	"context"
	"fmt"

	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/task"
)

// Accessor is the record-level surface the engine needs from whatever
// collection it is currently operating against. pkg/collection supplies
// the concrete implementation; keeping it as an interface here avoids a
// circular dependency between fkey and the facade layer that calls it.
type Accessor interface {
	GetByPK(tc *task.Context, collection string, pk any) (schema.Record, bool, error)
	Put(tc *task.Context, collection string, rec schema.Record) error
	DeleteByPK(tc *task.Context, collection string, pk any) error
	ScanAll(tc *task.Context, collection string) ([]schema.Record, error)
	PKOf(collection string, rec schema.Record) (any, error)
}

type dependent struct {
	Collection string
	FK         schema.ForeignKeyDescriptor
}

// Engine indexes every collection's foreign keys by target, so a delete
// on one collection can find every collection that references it without
// re-scanning the whole schema each time.
type Engine struct {
	collections map[string]schema.CollectionDescriptor
	dependents  map[string][]dependent
}

// New builds an Engine from the full set of collection descriptors.
func New(collections []schema.CollectionDescriptor) *Engine {
	e := &Engine{
		collections: make(map[string]schema.CollectionDescriptor, len(collections)),
		dependents:  make(map[string][]dependent),
	}
	for _, c := range collections {
		e.collections[c.Name] = c
		for _, fk := range c.ForeignKeys {
			e.dependents[fk.TargetCollection] = append(e.dependents[fk.TargetCollection], dependent{Collection: c.Name, FK: fk})
		}
	}
	return e
}

// ValidateUpstream runs every foreign-key validator declared on
// collection against rec, failing with fk-missing unless the reference
// resolves in the same transaction, or the field is null/undefined under
// a set-null policy (spec.md I2).
func (e *Engine) ValidateUpstream(tc *task.Context, acc Accessor, collection string, rec schema.Record) error {
	c, ok := e.collections[collection]
	if !ok {
		return nil
	}
	for _, fk := range c.ForeignKeys {
		val, present := rec[fk.SourceField]
		if !present || val == nil {
			if fk.OnDelete == schema.SetNull {
				dbmetrics.ForeignKeyChecksTotal.WithLabelValues("upstream", "null-allowed").Inc()
				continue
			}
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("upstream", "missing").Inc()
			return dberrors.New(dberrors.FKMissing,
				"collection %q: field %q is null but on-delete policy %q requires a reference",
				collection, fk.SourceField, fk.OnDelete)
		}

		_, found, err := acc.GetByPK(tc, fk.TargetCollection, val)
		if err != nil {
			return err
		}
		if !found {
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("upstream", "missing").Inc()
			return dberrors.New(dberrors.FKMissing,
				"collection %q: field %q references non-existent %s %v",
				collection, fk.SourceField, fk.TargetCollection, val)
		}
		dbmetrics.ForeignKeyChecksTotal.WithLabelValues("upstream", "ok").Inc()
	}
	return nil
}

// HandleDelete applies every dependent collection's on-delete policy for
// a row about to be removed from collection, before the caller removes
// that row itself (spec.md I3). Dependents are matched against pk; rec,
// the row's current value, is not consulted.
func (e *Engine) HandleDelete(tc *task.Context, acc Accessor, collection string, pk any, rec schema.Record) error {
	for _, dep := range e.dependents[collection] {
		matches, err := e.matching(tc, acc, dep, pk)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			continue
		}

		switch dep.FK.OnDelete {
		case schema.Restrict:
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("downstream-restrict", "blocked").Inc()
			return dberrors.New(dberrors.FKRestrict,
				"collection %q: delete blocked by %q referencing via %q",
				collection, dep.Collection, dep.FK.SourceField)

		case schema.Cascade:
			for _, row := range matches {
				childPK, err := acc.PKOf(dep.Collection, row)
				if err != nil {
					return err
				}
				if err := e.HandleDelete(tc, acc, dep.Collection, childPK, row); err != nil {
					return err
				}
				if err := acc.DeleteByPK(tc, dep.Collection, childPK); err != nil {
					return err
				}
			}
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("downstream-cascade", "deleted").Inc()

		case schema.SetNull:
			for _, row := range matches {
				row[dep.FK.SourceField] = nil
				if err := acc.Put(tc, dep.Collection, row); err != nil {
					return err
				}
			}
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("downstream-set-null", "nulled").Inc()

		case schema.NoAction:
			for _, row := range matches {
				childPK, err := acc.PKOf(dep.Collection, row)
				if err != nil {
					return err
				}
				key := fmt.Sprintf("fkey:%s:%v", dep.Collection, childPK)
				depCollection, childKey := dep.Collection, childPK
				tc.OnWillCommit(key, func(_ context.Context) error {
					return e.recheckNoAction(tc, acc, depCollection, childKey)
				})
			}
			dbmetrics.ForeignKeyChecksTotal.WithLabelValues("downstream-no-action", "deferred").Inc()

		default:
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: unknown on-delete policy %q", dep.Collection, dep.FK.OnDelete)
		}
	}
	return nil
}

// recheckNoAction re-reads a row deferred by a no-action policy and
// re-runs its collection's upstream validators, so a same-transaction
// re-point (spec.md scenario 4) clears the deferred check instead of
// failing it.
func (e *Engine) recheckNoAction(tc *task.Context, acc Accessor, collection string, pk any) error {
	row, ok, err := acc.GetByPK(tc, collection, pk)
	if err != nil {
		return err
	}
	if !ok {
		// The row itself was deleted or moved on by the time commit ran;
		// nothing left to validate.
		return nil
	}
	if err := e.ValidateUpstream(tc, acc, collection, row); err != nil {
		return err
	}
	return nil
}

func (e *Engine) matching(tc *task.Context, acc Accessor, dep dependent, target any) ([]schema.Record, error) {
	rows, err := acc.ScanAll(tc, dep.Collection)
	if err != nil {
		return nil, err
	}
	var out []schema.Record
	for _, row := range rows {
		if valuesEqual(row[dep.FK.SourceField], target) {
			out = append(out, row)
		}
	}
	return out, nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
