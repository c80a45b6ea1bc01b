package schema

import (
	"github.com/cuemby/relaydb/pkg/dberrors"
)

// Validate checks every collection's structural invariants and
// cross-collection foreign-key references (spec.md §4.8's pre-open
// schema validation). It is fatal to initialization: any failure means
// the database never opens.
func Validate(collections []CollectionDescriptor) error {
	byName := make(map[string]CollectionDescriptor, len(collections))
	for _, c := range collections {
		if _, dup := byName[c.Name]; dup {
			return dberrors.New(dberrors.SchemaInvalid, "duplicate collection name %q", c.Name)
		}
		byName[c.Name] = c
	}

	for _, c := range collections {
		if err := validateOne(c); err != nil {
			return err
		}
		for _, fk := range c.ForeignKeys {
			if _, ok := byName[fk.TargetCollection]; !ok {
				return dberrors.New(dberrors.SchemaInvalid,
					"collection %q: foreign key on %q targets unknown collection %q",
					c.Name, fk.SourceField, fk.TargetCollection)
			}
		}
	}
	return nil
}

func validateOne(c CollectionDescriptor) error {
	if c.Name == "" {
		return dberrors.New(dberrors.SchemaInvalid, "collection has empty name")
	}
	if len(c.KeyPath) == 0 {
		return dberrors.New(dberrors.SchemaInvalid, "collection %q: key path must be non-empty", c.Name)
	}
	seen := make(map[string]bool, len(c.KeyPath))
	for _, f := range c.KeyPath {
		if f == "" {
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: key path has an empty field name", c.Name)
		}
		if seen[f] {
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: key path has duplicate field %q", c.Name, f)
		}
		seen[f] = true
	}

	switch c.IDMode {
	case "", UserAssigned:
		// ok
	case AutoIncrement:
		if len(c.KeyPath) != 1 {
			return dberrors.New(dberrors.SchemaInvalid,
				"collection %q: auto-increment is only legal with a single-field key path", c.Name)
		}
		if kind, ok := fieldKind(c, c.KeyPath[0]); ok && kind != FieldNumber {
			return dberrors.New(dberrors.SchemaInvalid,
				"collection %q: auto-increment key field %q must be numeric", c.Name, c.KeyPath[0])
		}
	default:
		return dberrors.New(dberrors.SchemaInvalid, "collection %q: unknown id mode %q", c.Name, c.IDMode)
	}

	idxNames := make(map[string]bool, len(c.Indexes))
	for _, ix := range c.Indexes {
		if ix.Name == "" {
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: index has empty name", c.Name)
		}
		if idxNames[ix.Name] {
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: duplicate index name %q", c.Name, ix.Name)
		}
		idxNames[ix.Name] = true
		if len(ix.Key) == 0 {
			return dberrors.New(dberrors.SchemaInvalid, "collection %q: index %q has empty key", c.Name, ix.Name)
		}
	}

	return nil
}

func fieldKind(c CollectionDescriptor, name string) (FieldKind, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f.Kind, true
		}
	}
	return "", false
}

// ApplyDefaults folds each FieldDescriptor's Default over rec where the
// field is absent, recursing into FieldRecord descriptors whose field holds
// a nested Record (FieldSequence elements are not folded).
// This is the "fold over the descriptor tree" §9 describes; cyclic
// descriptors (a FieldRecord whose Of eventually refers back to itself)
// are rejected when the fold reaches one a second time rather than looped over.
func ApplyDefaults(fields []FieldDescriptor, rec Record) (Record, error) {
	return applyDefaults(fields, rec, map[*FieldDescriptor]bool{})
}

func applyDefaults(fields []FieldDescriptor, rec Record, seen map[*FieldDescriptor]bool) (Record, error) {
	out := rec
	for i := range fields {
		f := &fields[i]
		if _, present := out[f.Name]; !present && f.Default != nil {
			out[f.Name] = f.Default
		}
		if f.Kind == FieldRecord && f.Of != nil {
			if seen[f.Of] {
				return nil, dberrors.New(dberrors.SchemaInvalid, "cyclic field descriptor at %q", f.Name)
			}
			seen[f.Of] = true
			if nested, ok := out[f.Name].(Record); ok {
				folded, err := applyDefaults([]FieldDescriptor{*f.Of}, nested, seen)
				if err != nil {
					return nil, err
				}
				out[f.Name] = folded
			}
			delete(seen, f.Of)
		}
	}
	return out, nil
}
