package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaydb/pkg/dberrors"
)

func TestValidateAcceptsWellFormedSchema(t *testing.T) {
	err := Validate([]CollectionDescriptor{
		{Name: "authors", KeyPath: []string{"id"}, IDMode: AutoIncrement,
			Fields: []FieldDescriptor{{Name: "id", Kind: FieldNumber}}},
		{Name: "posts", KeyPath: []string{"id"}, IDMode: AutoIncrement,
			Fields: []FieldDescriptor{{Name: "id", Kind: FieldNumber}},
			ForeignKeys: []ForeignKeyDescriptor{
				{SourceField: "authorId", TargetCollection: "authors", OnDelete: Cascade},
			}},
	})
	require.NoError(t, err)
}

func TestValidateRejectsDuplicateCollectionName(t *testing.T) {
	err := Validate([]CollectionDescriptor{
		{Name: "authors", KeyPath: []string{"id"}},
		{Name: "authors", KeyPath: []string{"id"}},
	})
	require.Error(t, err)
	kind, _ := dberrors.KindOf(err)
	assert.Equal(t, dberrors.SchemaInvalid, kind)
}

func TestValidateRejectsEmptyKeyPath(t *testing.T) {
	err := Validate([]CollectionDescriptor{{Name: "widgets"}})
	require.Error(t, err)
}

func TestValidateRejectsUnknownForeignKeyTarget(t *testing.T) {
	err := Validate([]CollectionDescriptor{
		{Name: "posts", KeyPath: []string{"id"},
			ForeignKeys: []ForeignKeyDescriptor{
				{SourceField: "authorId", TargetCollection: "ghosts", OnDelete: Restrict},
			}},
	})
	require.Error(t, err)
}

func TestValidateRejectsAutoIncrementWithCompositeKey(t *testing.T) {
	err := Validate([]CollectionDescriptor{
		{Name: "widgets", KeyPath: []string{"a", "b"}, IDMode: AutoIncrement},
	})
	require.Error(t, err)
}

func TestValidateRejectsDuplicateIndexName(t *testing.T) {
	err := Validate([]CollectionDescriptor{
		{Name: "widgets", KeyPath: []string{"id"}, Indexes: []IndexDescriptor{
			{Name: "byName", Key: []string{"name"}},
			{Name: "byName", Key: []string{"other"}},
		}},
	})
	require.Error(t, err)
}

func TestApplyDefaultsFillsMissingFields(t *testing.T) {
	rec, err := ApplyDefaults([]FieldDescriptor{
		{Name: "status", Kind: FieldString, Default: "pending"},
	}, Record{})
	require.NoError(t, err)
	assert.Equal(t, "pending", rec["status"])
}

func TestApplyDefaultsLeavesExistingValues(t *testing.T) {
	rec, err := ApplyDefaults([]FieldDescriptor{
		{Name: "status", Kind: FieldString, Default: "pending"},
	}, Record{"status": "active"})
	require.NoError(t, err)
	assert.Equal(t, "active", rec["status"])
}

func TestApplyDefaultsRecursesIntoNestedRecord(t *testing.T) {
	nested := FieldDescriptor{Name: "street", Kind: FieldString, Default: "unknown"}
	rec, err := ApplyDefaults([]FieldDescriptor{
		{Name: "address", Kind: FieldRecord, Of: &nested},
	}, Record{"address": Record{}})
	require.NoError(t, err)
	addr := rec["address"].(Record)
	assert.Equal(t, "unknown", addr["street"])
}
