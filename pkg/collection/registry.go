package collection

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/kvstore/keyenc"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/task"
)

// codec turns one collection's records into the bytes its object store
// holds, and back. The wire format is JSON over the serialization pair's
// output: encoding/json values behind the opaque []byte buckets
// kvstore.ObjectStore deals in.
type codec struct {
	desc schema.CollectionDescriptor
}

func (c codec) encodeValue(rec schema.Record) ([]byte, error) {
	wire := rec
	if c.desc.Serialization.Write != nil {
		var err error
		wire, err = c.desc.Serialization.Write(rec)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(wire)
}

func (c codec) decodeValue(data []byte) (schema.Record, error) {
	var wire schema.Record
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, dberrors.Wrap(dberrors.StoreError, err, "decode %q record", c.desc.Name)
	}
	if c.desc.Serialization.Read != nil {
		return c.desc.Serialization.Read(wire)
	}
	return wire, nil
}

func (c codec) pkValue(rec schema.Record) any {
	if len(c.desc.KeyPath) == 1 {
		return rec[c.desc.KeyPath[0]]
	}
	vals := make([]any, len(c.desc.KeyPath))
	for i, f := range c.desc.KeyPath {
		vals[i] = rec[f]
	}
	return vals
}

func (c codec) encodeKey(pk any) ([]byte, error) {
	if len(c.desc.KeyPath) == 1 {
		return keyenc.EncodeKey([]any{pk})
	}
	vals, ok := pk.([]any)
	if !ok {
		return nil, fmt.Errorf("collection %q: expected a %d-part compound key, got %T", c.desc.Name, len(c.desc.KeyPath), pk)
	}
	return keyenc.EncodeKey(vals)
}

func (c codec) indexEntries(rec schema.Record) ([]kvstore.IndexEntry, error) {
	var out []kvstore.IndexEntry
	for _, ix := range c.desc.Indexes {
		parts := make([]any, 0, len(ix.Key))
		missing := false
		for _, f := range ix.Key {
			v, ok := rec[f]
			if !ok || v == nil {
				missing = true
				break
			}
			parts = append(parts, v)
		}
		// A field with no value to index is simply omitted (spec.md's
		// IndexEntry contract), not encoded as a null key.
		if missing {
			continue
		}
		key, err := keyenc.EncodeKey(parts)
		if err != nil {
			return nil, err
		}
		out = append(out, kvstore.IndexEntry{Index: ix.Name, Key: key})
	}
	return out, nil
}

// Registry is the shared, cross-collection accessor every facade, the
// foreign-key engine, and the relation resolver use to read and write
// records without depending on each other's concrete types. One Registry
// is built once per DatabaseCore and handed to every component.
type Registry struct {
	codecs map[string]codec
}

// NewRegistry builds a Registry covering every declared collection.
func NewRegistry(descs []schema.CollectionDescriptor) *Registry {
	r := &Registry{codecs: make(map[string]codec, len(descs))}
	for _, d := range descs {
		r.codecs[d.Name] = codec{desc: d}
	}
	return r
}

func (r *Registry) codecFor(collection string) (codec, error) {
	c, ok := r.codecs[collection]
	if !ok {
		return codec{}, dberrors.New(dberrors.SchemaInvalid, "unknown collection %q", collection)
	}
	return c, nil
}

// ObjectStore resolves collection's byte-level store within tc.
func (r *Registry) ObjectStore(tc *task.Context, collection string) (kvstore.ObjectStore, error) {
	return tc.ObjectStore(collection)
}

// Deserialize decodes one stored value belonging to collection.
func (r *Registry) Deserialize(collection string, value []byte) (schema.Record, error) {
	c, err := r.codecFor(collection)
	if err != nil {
		return nil, err
	}
	return c.decodeValue(value)
}

// PKOf derives a record's primary-key value from its key-path fields.
func (r *Registry) PKOf(collection string, rec schema.Record) (any, error) {
	c, err := r.codecFor(collection)
	if err != nil {
		return nil, err
	}
	return c.pkValue(rec), nil
}

// GetByPK decodes the row at pk in collection, if present.
func (r *Registry) GetByPK(tc *task.Context, collection string, pk any) (schema.Record, bool, error) {
	c, err := r.codecFor(collection)
	if err != nil {
		return nil, false, err
	}
	store, err := tc.ObjectStore(collection)
	if err != nil {
		return nil, false, err
	}
	key, err := c.encodeKey(pk)
	if err != nil {
		return nil, false, err
	}
	data, ok, err := store.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, err := c.decodeValue(data)
	return rec, true, err
}

// Put encodes and writes rec into collection, maintaining every declared
// index entry.
func (r *Registry) Put(tc *task.Context, collection string, rec schema.Record) error {
	c, err := r.codecFor(collection)
	if err != nil {
		return err
	}
	store, err := tc.ObjectStore(collection)
	if err != nil {
		return err
	}
	key, err := c.encodeKey(c.pkValue(rec))
	if err != nil {
		return err
	}
	value, err := c.encodeValue(rec)
	if err != nil {
		return err
	}
	entries, err := c.indexEntries(rec)
	if err != nil {
		return err
	}
	if err := store.Put(key, value, entries); err != nil {
		return dberrors.Wrap(dberrors.StoreError, err, "put %q row", collection)
	}
	return nil
}

// DeleteByPK removes the row at pk in collection.
func (r *Registry) DeleteByPK(tc *task.Context, collection string, pk any) error {
	c, err := r.codecFor(collection)
	if err != nil {
		return err
	}
	store, err := tc.ObjectStore(collection)
	if err != nil {
		return err
	}
	key, err := c.encodeKey(pk)
	if err != nil {
		return err
	}
	if err := store.Delete(key); err != nil {
		return dberrors.Wrap(dberrors.StoreError, err, "delete %q row", collection)
	}
	return nil
}

// ScanAll decodes every row currently stored in collection, in primary-key
// order. Used by the foreign-key engine's downstream scans (spec.md §4.4
// describes these as full collection scans).
func (r *Registry) ScanAll(tc *task.Context, collection string) ([]schema.Record, error) {
	c, err := r.codecFor(collection)
	if err != nil {
		return nil, err
	}
	store, err := tc.ObjectStore(collection)
	if err != nil {
		return nil, err
	}
	var out []schema.Record
	cur := store.Cursor(kvstore.Next)
	for {
		item, ok, err := cur.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		rec, err := c.decodeValue(item.Value)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
