package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/schema"
	"github.com/cuemby/relaydb/pkg/task"
)

// fakeStore is a minimal kvstore.ObjectStore exposing only Cursor, the
// single method resolveOne actually calls; every other method panics if
// reached, which would mean the resolver started depending on more of
// the store than its single-scan-per-edge design calls for.
type fakeStore struct {
	items []kvstore.Item
}

func (s *fakeStore) Cursor(kvstore.Direction) kvstore.Cursor { return &fakeCursor{items: s.items} }
func (s *fakeStore) Put([]byte, []byte, []kvstore.IndexEntry) error { panic("not used by relation.Resolve") }
func (s *fakeStore) Get([]byte) ([]byte, bool, error)               { panic("not used by relation.Resolve") }
func (s *fakeStore) Delete([]byte) error                            { panic("not used by relation.Resolve") }
func (s *fakeStore) Clear() error                                   { panic("not used by relation.Resolve") }
func (s *fakeStore) Count() (int, error)                            { panic("not used by relation.Resolve") }
func (s *fakeStore) IndexCursor(string, *kvstore.KeyRange, kvstore.Direction) (kvstore.Cursor, error) {
	panic("not used by relation.Resolve")
}
func (s *fakeStore) GetByIndex(string, []byte) ([]byte, bool, error) {
	panic("not used by relation.Resolve")
}
func (s *fakeStore) NextAutoIncrement() (int64, error) { panic("not used by relation.Resolve") }

type fakeCursor struct {
	items []kvstore.Item
	pos   int
}

func (c *fakeCursor) Next() (kvstore.Item, bool, error) {
	if c.pos >= len(c.items) {
		return kvstore.Item{}, false, nil
	}
	item := c.items[c.pos]
	c.pos++
	return item, true, nil
}

// fakeAccessor holds every collection's rows pre-"decoded" (no real byte
// encoding involved; Deserialize just type-asserts the opaque blob back).
type fakeAccessor struct {
	rows map[string][]schema.Record
}

func newFakeAccessor() *fakeAccessor { return &fakeAccessor{rows: make(map[string][]schema.Record)} }

func (a *fakeAccessor) seed(collection string, recs ...schema.Record) {
	a.rows[collection] = append(a.rows[collection], recs...)
}

// ObjectStore builds a cursor whose items carry each record's own index
// into a.rows[collection] as its "encoded" value, so Deserialize can
// hand the exact same Record back without a real byte codec.
func (a *fakeAccessor) ObjectStore(tc *task.Context, collection string) (kvstore.ObjectStore, error) {
	items := make([]kvstore.Item, len(a.rows[collection]))
	for i := range a.rows[collection] {
		items[i] = kvstore.Item{Key: []byte{byte(i)}, Value: []byte{byte(i)}}
	}
	return &fakeStore{items: items}, nil
}

func (a *fakeAccessor) Deserialize(collection string, value []byte) (schema.Record, error) {
	return a.rows[collection][value[0]], nil
}

func relDescs() []schema.RelationDescriptor {
	return []schema.RelationDescriptor{
		{Name: "author", From: "posts", To: "authors", Type: schema.OneToOne, SourceField: "authorId", TargetField: "id"},
		{Name: "posts", From: "authors", To: "posts", Type: schema.OneToMany, SourceField: "id", TargetField: "authorId"},
		{Name: "comments", From: "posts", To: "comments", Type: schema.OneToMany, SourceField: "id", TargetField: "postId"},
	}
}

func TestResolveOneToOneAttachesSingleTarget(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}
	acc.seed("authors", ada)
	post := schema.Record{"id": 10, "authorId": 1}

	err := r.Resolve(nil, acc, "posts", []schema.Record{post}, With{"author": {}})
	require.NoError(t, err)
	assert.Equal(t, ada, post["author"])
}

func TestResolveOneToManyAttachesAllMatches(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}
	acc.seed("posts",
		schema.Record{"id": 10, "authorId": 1},
		schema.Record{"id": 11, "authorId": 1},
		schema.Record{"id": 12, "authorId": 2},
	)

	err := r.Resolve(nil, acc, "authors", []schema.Record{ada}, With{"posts": {}})
	require.NoError(t, err)

	attached := ada["posts"].([]schema.Record)
	assert.Len(t, attached, 2)
}

func TestResolveOneToManyZeroValueIsEmptySliceNotNil(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}

	err := r.Resolve(nil, acc, "authors", []schema.Record{ada}, With{"posts": {}})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{}, ada["posts"])
}

func TestResolveOneToOneZeroValueIsNil(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	post := schema.Record{"id": 10, "authorId": 99}

	err := r.Resolve(nil, acc, "posts", []schema.Record{post}, With{"author": {}})
	require.NoError(t, err)
	assert.Nil(t, post["author"])
}

func TestResolveAppliesLimitOnOneToMany(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}
	for i := 0; i < 5; i++ {
		acc.seed("posts", schema.Record{"id": 20 + i, "authorId": 1})
	}

	err := r.Resolve(nil, acc, "authors", []schema.Record{ada}, With{"posts": {Limit: 2}})
	require.NoError(t, err)
	assert.Len(t, ada["posts"].([]schema.Record), 2)
}

func TestResolveAppliesWhereFilter(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}
	acc.seed("posts",
		schema.Record{"id": 30, "authorId": 1, "published": true},
		schema.Record{"id": 31, "authorId": 1, "published": false},
	)

	err := r.Resolve(nil, acc, "authors", []schema.Record{ada}, With{"posts": {
		Where: func(rec schema.Record) bool { return rec["published"] == true },
	}})
	require.NoError(t, err)

	attached := ada["posts"].([]schema.Record)
	require.Len(t, attached, 1)
	assert.Equal(t, 30, attached[0]["id"])
}

func TestResolveRecursesIntoNestedWith(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	ada := schema.Record{"id": 1, "name": "Ada"}
	acc.seed("posts", schema.Record{"id": 40, "authorId": 1})
	acc.seed("comments", schema.Record{"id": 100, "postId": 40})

	err := r.Resolve(nil, acc, "authors", []schema.Record{ada}, With{
		"posts": {With: With{"comments": {}}},
	})
	require.NoError(t, err)

	posts := ada["posts"].([]schema.Record)
	require.Len(t, posts, 1)
	comments := posts[0]["comments"].([]schema.Record)
	assert.Len(t, comments, 1)
}

func TestResolveRejectsUnknownRelationName(t *testing.T) {
	r := New(relDescs())
	acc := newFakeAccessor()
	post := schema.Record{"id": 10}

	err := r.Resolve(nil, acc, "posts", []schema.Record{post}, With{"ghost": {}})
	require.Error(t, err)
	kind, _ := dberrors.KindOf(err)
	assert.Equal(t, dberrors.UnknownIndex, kind)
}

func TestTargetsIncludesNestedRelationsAndSkipsUnknown(t *testing.T) {
	r := New(relDescs())
	targets := r.Targets("authors", With{
		"posts": {With: With{"comments": {}}},
		"ghost": {},
	})
	assert.ElementsMatch(t, []string{"posts", "comments"}, targets)
}
