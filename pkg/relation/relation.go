// Package relation implements the RelationResolver (spec.md §4.6, C7):
// eager loading of declared relations onto an already-loaded batch of
// source records, using one cursor scan per edge regardless of batch
// size.
package relation

import (
	"time"

	"github.com/cuemby/relaydb/pkg/cursor"
	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/dbmetrics"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/task"
)

// Spec is one `with` entry: which target rows to attach, and how many.
type Spec struct {
	Where cursor.Predicate
	Limit int // 0 means unbounded
	With  With
}

// With is the `{relName: spec}` tree spec.md §4.6 describes; a bare
// `true` renders as Spec{}.
type With map[string]Spec

// Accessor gives the resolver raw access to a collection's store and
// decoder within the host transaction, without depending on the facade
// package that implements it.
type Accessor interface {
	ObjectStore(tc *task.Context, collection string) (kvstore.ObjectStore, error)
	Deserialize(collection string, value []byte) (schema.Record, error)
}

// Resolver holds every declared relation, indexed by source collection
// and relation name for O(1) lookup during resolution.
type Resolver struct {
	bySource map[string]map[string]schema.RelationDescriptor
}

// New builds a Resolver from the full set of relation descriptors.
func New(rels []schema.RelationDescriptor) *Resolver {
	r := &Resolver{bySource: make(map[string]map[string]schema.RelationDescriptor)}
	for _, rel := range rels {
		if r.bySource[rel.From] == nil {
			r.bySource[rel.From] = make(map[string]schema.RelationDescriptor)
		}
		r.bySource[rel.From][rel.Name] = rel
	}
	return r
}

type waiting struct {
	record     schema.Record
	matchCount int
}

// Targets reports every collection a `with` tree rooted at fromCollection
// reads from, including nested `with` subtrees, for selector dependency
// tracking (spec.md §4.9). Unknown relation names are silently skipped;
// Resolve is what reports them as errors.
func (r *Resolver) Targets(fromCollection string, with With) []string {
	seen := make(map[string]bool)
	r.collectTargets(fromCollection, with, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func (r *Resolver) collectTargets(fromCollection string, with With, seen map[string]bool) {
	for relName, spec := range with {
		rel, ok := r.bySource[fromCollection][relName]
		if !ok {
			continue
		}
		seen[rel.To] = true
		if len(spec.With) > 0 {
			r.collectTargets(rel.To, spec.With, seen)
		}
	}
}

// Resolve attaches every relation named in with onto recs, recursing
// into nested `with` trees on the accumulated target rows.
func (r *Resolver) Resolve(tc *task.Context, acc Accessor, fromCollection string, recs []schema.Record, with With) error {
	for relName, spec := range with {
		rel, ok := r.bySource[fromCollection][relName]
		if !ok {
			return dberrors.New(dberrors.UnknownIndex, "collection %q: unknown relation %q", fromCollection, relName)
		}
		if err := r.resolveOne(tc, acc, rel, recs, spec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) resolveOne(tc *task.Context, acc Accessor, rel schema.RelationDescriptor, recs []schema.Record, spec Spec) error {
	start := time.Now()
	defer func() {
		dbmetrics.RelationResolveDuration.WithLabelValues(rel.Name).Observe(time.Since(start).Seconds())
	}()

	zero := any(nil)
	if rel.Type == schema.OneToMany {
		zero = []schema.Record{}
	}
	for _, rec := range recs {
		rec[rel.Name] = zero
	}

	bySourceKey := make(map[any][]*waiting, len(recs))
	for _, rec := range recs {
		key := rec[rel.SourceField]
		bySourceKey[key] = append(bySourceKey[key], &waiting{record: rec})
	}

	store, err := acc.ObjectStore(tc, rel.To)
	if err != nil {
		return err
	}

	var attached []schema.Record
	c := store.Cursor(kvstore.Next)
	for len(bySourceKey) > 0 {
		item, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		target, err := acc.Deserialize(rel.To, item.Value)
		if err != nil {
			return err
		}

		targetKey := target[rel.TargetField]
		waiters, ok := bySourceKey[targetKey]
		if !ok {
			continue
		}
		if spec.Where != nil && !spec.Where(target) {
			continue
		}

		var remaining []*waiting
		for _, w := range waiters {
			switch rel.Type {
			case schema.OneToOne:
				w.record[rel.Name] = target
				// entry satisfied; drop it from the waiting list
			default: // OneToMany
				list, _ := w.record[rel.Name].([]schema.Record)
				w.record[rel.Name] = append(list, target)
				w.matchCount++
				if spec.Limit <= 0 || w.matchCount < spec.Limit {
					remaining = append(remaining, w)
				}
			}
		}
		attached = append(attached, target)

		if len(remaining) == 0 {
			delete(bySourceKey, targetKey)
		} else {
			bySourceKey[targetKey] = remaining
		}
	}

	if spec.With != nil && len(attached) > 0 {
		return r.Resolve(tc, acc, rel.To, attached, spec.With)
	}
	return nil
}
