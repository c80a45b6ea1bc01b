package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaydb/pkg/collection"
	"github.com/cuemby/relaydb/pkg/dberrors"
	"github.com/cuemby/relaydb/pkg/kvstore"
	"github.com/cuemby/relaydb/pkg/kvstore/bolt"
	"github.com/cuemby/relaydb/pkg/rangeql"
	"github.com/cuemby/relaydb/pkg/relation"
	"github.com/cuemby/relaydb/pkg/schema"
)

const (
	eventuallyWait = 2 * time.Second
	eventuallyTick = 10 * time.Millisecond
)

// blogConfig builds an authors/posts/comments schema exercising every
// on-delete policy: posts.authorId cascades, comments.postId restricts,
// comments.approverId set-nulls, and comments.flaggedById defers to
// no-action so two rows in the same collection can re-point at each
// other inside one transaction.
func blogConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:    filepath.Join(t.TempDir(), "blog.db"),
		Version: 1,
		Collections: []schema.CollectionDescriptor{
			{
				Name:    "authors",
				KeyPath: []string{"id"},
				IDMode:  schema.AutoIncrement,
				Indexes: []schema.IndexDescriptor{{Name: "byName", Key: []string{"name"}}},
			},
			{
				Name:    "posts",
				KeyPath: []string{"id"},
				IDMode:  schema.AutoIncrement,
				Indexes: []schema.IndexDescriptor{{Name: "byViews", Key: []string{"views"}}},
				ForeignKeys: []schema.ForeignKeyDescriptor{
					{SourceField: "authorId", TargetCollection: "authors", OnDelete: schema.Cascade},
				},
			},
			{
				Name:    "comments",
				KeyPath: []string{"id"},
				IDMode:  schema.AutoIncrement,
				ForeignKeys: []schema.ForeignKeyDescriptor{
					{SourceField: "postId", TargetCollection: "posts", OnDelete: schema.Restrict},
					{SourceField: "approverId", TargetCollection: "authors", OnDelete: schema.SetNull},
					{SourceField: "flaggedById", TargetCollection: "comments", OnDelete: schema.NoAction},
				},
			},
		},
		Relations: []schema.RelationDescriptor{
			{Name: "author", From: "posts", To: "authors", Type: schema.OneToOne, SourceField: "authorId", TargetField: "id"},
			{Name: "posts", From: "authors", To: "posts", Type: schema.OneToMany, SourceField: "id", TargetField: "authorId"},
			{Name: "comments", From: "posts", To: "comments", Type: schema.OneToMany, SourceField: "id", TargetField: "postId"},
		},
	}
}

func openBlog(t *testing.T, cfg Config) *Database {
	t.Helper()
	db, err := Open("blog", bolt.New(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func noWith() collection.QueryOptions { return collection.QueryOptions{} }

func withTree(with relation.With) collection.QueryOptions {
	return collection.QueryOptions{With: with}
}

func TestOpenRejectsInvalidSchema(t *testing.T) {
	cfg := blogConfig(t)
	cfg.Collections[0].Name = cfg.Collections[1].Name
	var sunk error
	cfg.ErrorSink = func(err error) { sunk = err }

	_, err := Open("blog", bolt.New(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, sunk, err)
}

func TestCreateAssignsAutoIncrementKey(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	authors, _ := db.Collection("authors")

	first, err := authors.Create(context.Background(), schema.Record{"name": "Ada"})
	require.NoError(t, err)
	second, err := authors.Create(context.Background(), schema.Record{"name": "Grace"})
	require.NoError(t, err)

	assert.NotEqual(t, first["id"], second["id"])
}

func TestFindWithNestedRelation(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")
	comments, _ := db.Collection("comments")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)

	post, err := posts.Create(ctx, schema.Record{"title": "Hello", "authorId": ada["id"], "views": 10})
	require.NoError(t, err)

	_, err = comments.Create(ctx, schema.Record{"body": "nice", "postId": post["id"]})
	require.NoError(t, err)
	_, err = comments.Create(ctx, schema.Record{"body": "great", "postId": post["id"]})
	require.NoError(t, err)

	loaded, err := authors.Find(ctx, ada["id"], withTree(relation.With{
		"posts": {With: relation.With{"comments": {}}},
	}))
	require.NoError(t, err)
	require.NotNil(t, loaded)

	attached, ok := loaded["posts"].([]schema.Record)
	require.True(t, ok, "posts relation must attach as []schema.Record")
	require.Len(t, attached, 1)

	nestedComments, ok := attached[0]["comments"].([]schema.Record)
	require.True(t, ok, "comments relation must attach as []schema.Record")
	assert.Len(t, nestedComments, 2)
}

func TestWithLimitAndWhereOnOneToMany(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": i})
		require.NoError(t, err)
	}

	loaded, err := authors.Find(ctx, ada["id"], withTree(relation.With{
		"posts": {Limit: 2, Where: func(r schema.Record) bool {
			v, _ := r["views"].(float64)
			return v >= 2
		}},
	}))
	require.NoError(t, err)

	attached := loaded["posts"].([]schema.Record)
	assert.Len(t, attached, 2)
	for _, p := range attached {
		v, _ := p["views"].(float64)
		assert.GreaterOrEqual(t, v, float64(2))
	}
}

func TestGetIndexRangeWithRangeql(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": i})
		require.NoError(t, err)
	}

	r, err := rangeql.Build(rangeql.GTE(3), rangeql.LT(7))
	require.NoError(t, err)

	recs, err := posts.GetIndexRange(ctx, "byViews", r, kvstore.Next, 0, noWith())
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for _, rec := range recs {
		v, _ := rec["views"].(float64)
		assert.True(t, v >= 3 && v < 7)
	}
}

func TestGetIndexRangeRejectsUnknownIndex(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	posts, _ := db.Collection("posts")

	_, err := posts.GetIndexRange(context.Background(), "byGhost", nil, kvstore.Next, 0, noWith())
	require.Error(t, err)
	kind, _ := dberrors.KindOf(err)
	assert.Equal(t, dberrors.UnknownIndex, kind)
}

func TestCascadeDeleteRemovesDependents(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)
	post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": 1})
	require.NoError(t, err)

	_, err = authors.Delete(ctx, ada["id"])
	require.NoError(t, err)

	gone, err := posts.Find(ctx, post["id"], noWith())
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRestrictBlocksDelete(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")
	comments, _ := db.Collection("comments")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)
	post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": 1})
	require.NoError(t, err)
	_, err = comments.Create(ctx, schema.Record{"body": "hi", "postId": post["id"]})
	require.NoError(t, err)

	_, err = posts.Delete(ctx, post["id"])
	require.Error(t, err)
	assert.ErrorIs(t, err, dberrors.ErrFKRestrict)

	still, err := posts.Find(ctx, post["id"], noWith())
	require.NoError(t, err)
	assert.NotNil(t, still, "restricted delete must not remove the row")
}

func TestSetNullClearsReference(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")
	comments, _ := db.Collection("comments")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)
	grace, err := authors.Create(ctx, schema.Record{"name": "Grace"})
	require.NoError(t, err)
	post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": grace["id"], "views": 1})
	require.NoError(t, err)
	comment, err := comments.Create(ctx, schema.Record{"body": "hi", "postId": post["id"], "approverId": ada["id"]})
	require.NoError(t, err)

	_, err = authors.Delete(ctx, ada["id"])
	require.NoError(t, err)

	reloaded, err := comments.Find(ctx, comment["id"], noWith())
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Nil(t, reloaded["approverId"])
}

func TestNoActionReCheckToleratesSameTransactionRepoint(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")
	comments, _ := db.Collection("comments")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)
	post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": 1})
	require.NoError(t, err)

	flagged, err := comments.Create(ctx, schema.Record{"body": "original", "postId": post["id"]})
	require.NoError(t, err)
	flagger, err := comments.Create(ctx, schema.Record{"body": "flag", "postId": post["id"], "flaggedById": flagged["id"]})
	require.NoError(t, err)

	replacement, err := comments.Create(ctx, schema.Record{"body": "replacement", "postId": post["id"]})
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := comments.Delete(ctx, flagged["id"]); err != nil {
			return err
		}
		flagger["flaggedById"] = replacement["id"]
		_, err := comments.Update(ctx, flagger)
		return err
	})
	require.NoError(t, err, "no-action re-check must see the same-transaction re-point, not the stale reference")

	stillThere, err := comments.Find(ctx, flagger["id"], noWith())
	require.NoError(t, err)
	// Create returns the generated id as int64; a read decodes JSON numbers as float64.
	assert.Equal(t, float64(replacement["id"].(int64)), stillThere["flaggedById"])
}

func TestNoActionReCheckToleratesDependentBeingGone(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")
	comments, _ := db.Collection("comments")

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)
	post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": 1})
	require.NoError(t, err)

	flagged, err := comments.Create(ctx, schema.Record{"body": "original", "postId": post["id"]})
	require.NoError(t, err)
	flagger, err := comments.Create(ctx, schema.Record{"body": "flag", "postId": post["id"], "flaggedById": flagged["id"]})
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := comments.Delete(ctx, flagged["id"]); err != nil {
			return err
		}
		_, err := comments.Delete(ctx, flagger["id"])
		return err
	})
	require.NoError(t, err)
}

func TestTransactionSharesOneAmbientContextAcrossFacades(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")
	posts, _ := db.Collection("posts")

	var postID any
	err := db.Transaction(ctx, func(ctx context.Context) error {
		ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
		if err != nil {
			return err
		}
		post, err := posts.Create(ctx, schema.Record{"title": "p", "authorId": ada["id"], "views": 1})
		if err != nil {
			return err
		}
		postID = post["id"]
		// Both writes must be visible within the same transaction, before
		// either has committed on its own.
		found, err := posts.Find(ctx, post["id"], noWith())
		if err != nil {
			return err
		}
		if found == nil {
			return errors.New("post created earlier in the same transaction is not visible")
		}
		return nil
	})
	require.NoError(t, err)

	reloaded, err := posts.Find(ctx, postID, noWith())
	require.NoError(t, err)
	assert.NotNil(t, reloaded, "transaction must have committed once fn returned nil")
}

func TestTransactionRollsBackEveryFacadeOnError(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	ctx := context.Background()
	authors, _ := db.Collection("authors")

	wantErr := errors.New("boom")
	err := db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := authors.Create(ctx, schema.Record{"name": "Ghost"}); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	count, err := authors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a rolled-back transaction must leave no row behind")
}

func TestDeleteMissingRowIsANoop(t *testing.T) {
	db := openBlog(t, blogConfig(t))
	posts, _ := db.Collection("posts")

	rec, err := posts.Delete(context.Background(), float64(9999))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSelectorReflectsCreateAndDelete(t *testing.T) {
	cfg := blogConfig(t)
	cfg.Selectors = []schema.SelectorDescriptor{
		{Name: "authorCount", Fn: func(ctx context.Context, facades any) (any, error) {
			f := facades.(map[string]*collection.Facade)
			return f["authors"].Count(ctx)
		}},
	}
	db := openBlog(t, cfg)
	ctx := context.Background()
	authors, _ := db.Collection("authors")

	sel, ok := db.Selector("authorCount")
	require.True(t, ok)

	v, err := sel.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	ada, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := sel.Get(ctx)
		return err == nil && v == 1
	}, eventuallyWait, eventuallyTick, "selector must reflect the committed create")

	_, err = authors.Delete(ctx, ada["id"])
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := sel.Get(ctx)
		return err == nil && v == 0
	}, eventuallyWait, eventuallyTick, "selector must reflect the committed delete")
}

func TestSelectorSubscribeFiresOnInvalidation(t *testing.T) {
	cfg := blogConfig(t)
	cfg.Selectors = []schema.SelectorDescriptor{
		{Name: "authorCount", Fn: func(ctx context.Context, facades any) (any, error) {
			f := facades.(map[string]*collection.Facade)
			return f["authors"].Count(ctx)
		}},
	}
	db := openBlog(t, cfg)
	ctx := context.Background()
	authors, _ := db.Collection("authors")

	sel, ok := db.Selector("authorCount")
	require.True(t, ok)

	seen := make(chan any, 8)
	unsub := sel.Subscribe(func(v any) { seen <- v })
	defer unsub()

	select {
	case v := <-seen:
		assert.Equal(t, 0, v)
	case <-time.After(eventuallyWait):
		t.Fatal("subscribe never fired its initial evaluation")
	}

	_, err := authors.Create(ctx, schema.Record{"name": "Ada"})
	require.NoError(t, err)

	select {
	case v := <-seen:
		assert.Equal(t, 1, v)
	case <-time.After(eventuallyWait):
		t.Fatal("subscriber never saw the post-create refresh")
	}
}
