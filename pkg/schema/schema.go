// Package schema holds the declarative configuration objects the engine
// consumes: collection, index, foreign-key, relation, and selector
// descriptors (spec.md §3). These are plain data — the "builder DSL" that
// would construct them from a fluent API is an external collaborator
// (spec.md §1) and is not part of this module.
package schema

import "context"

// Record is an opaque field-name to value mapping. Relation-named fields
// (the Name of any RelationDescriptor whose From is the collection) are reserved and must
// not appear on a Record passed to create/update/upsert/wrap.
type Record = map[string]any

// FieldKind tags the Field family described in spec.md §9: configuration,
// not a class hierarchy. It drives default-value folding and validation
// only; the engine's runtime stays untyped (Record is map[string]any).
type FieldKind string

const (
	FieldString   FieldKind = "string"
	FieldNumber   FieldKind = "number"
	FieldBigInt   FieldKind = "bigint"
	FieldBool     FieldKind = "bool"
	FieldDate     FieldKind = "date"
	FieldRecord   FieldKind = "record"
	FieldSequence FieldKind = "sequence"
)

// FieldDescriptor is one tagged {kind, options} variant of a collection's
// declared shape, used only for validation/defaulting.
type FieldDescriptor struct {
	Name     string
	Kind     FieldKind
	Of       *FieldDescriptor // element kind, when Kind == FieldSequence
	Optional bool
	Default  any
}

// IDMode is a collection's primary-key assignment strategy.
type IDMode string

const (
	UserAssigned  IDMode = "user-assigned"
	AutoIncrement IDMode = "auto-increment"
)

// IndexDescriptor declares one secondary index.
type IndexDescriptor struct {
	Name       string
	Key        []string // one or more field names, in order
	Unique     bool
	MultiEntry bool
}

// OnDelete is a foreign key's downstream policy.
type OnDelete string

const (
	Cascade  OnDelete = "cascade"
	Restrict OnDelete = "restrict"
	SetNull  OnDelete = "set-null"
	NoAction OnDelete = "no-action"
)

// ForeignKeyDescriptor declares one upstream reference from this
// collection's SourceField to TargetCollection's key.
type ForeignKeyDescriptor struct {
	SourceField      string
	TargetCollection string
	OnDelete         OnDelete
}

// Serialization is the write/read pair applied between Record and wire
// bytes-ready values. The zero value behaves as identity (handled by
// callers via IsZero-style nil checks).
type Serialization struct {
	Write func(Record) (Record, error)
	Read  func(Record) (Record, error)
}

// Transformers are pure functions applied to a Record before
// serialization on create/update.
type Transformers struct {
	Create func(Record) Record
	Update func(Record) Record
}

// CollectionDescriptor is one collection's immutable configuration.
type CollectionDescriptor struct {
	Name          string
	KeyPath       []string
	IDMode        IDMode
	Indexes       []IndexDescriptor
	ForeignKeys   []ForeignKeyDescriptor
	Fields        []FieldDescriptor
	Serialization Serialization
	Transformers  Transformers
}

// RelationType is a relation edge's cardinality.
type RelationType string

const (
	OneToOne  RelationType = "one-to-one"
	OneToMany RelationType = "one-to-many"
)

// RelationDescriptor is a directed, named edge between two collections
// used for eager loading via `with`.
type RelationDescriptor struct {
	Name         string
	From         string
	To           string
	Type         RelationType
	SourceField  string
	TargetField  string
}

// SelectorFunc is a memoized async query over read-only collection
// facades. The ctx argument carries the evaluation's read transaction;
// facades is the collection-name to facade map that pkg/selector passes
// at call time.
type SelectorFunc func(ctx context.Context, facades any) (any, error)

// SelectorDescriptor names a selector and its query function.
type SelectorDescriptor struct {
	Name string
	Fn   SelectorFunc
}
