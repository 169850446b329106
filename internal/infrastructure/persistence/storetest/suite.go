package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Factory creates a fresh, empty backend for one test.
type Factory func(t *testing.T) persistence.Backend

// RunSuite runs the storage port conformance tests against the backend built by factory.
func RunSuite(t *testing.T, factory Factory) {
	tests := map[string]func(t *testing.T, store persistence.Backend){
		"GetMissingReturnsNil":     testGetMissing,
		"SetStampsTimestamps":      testSetStamps,
		"UpdateMergesAndStamps":    testUpdate,
		"UpdateMissingFails":       testUpdateMissing,
		"Delete":                   testDelete,
		"InsertGeneratesID":        testInsert,
		"QueryFilterOrderLimit":    testQuery,
		"SubscribeReceivesChanges": testSubscribe,
		"SimilarityProcedure":      testSimilarity,
		"AuthPassthrough":          testAuth,
		"HealthCheck":              testHealth,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testGetMissing(t *testing.T, store persistence.Backend) {
	doc, err := store.Get(context.Background(), "topics", "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func testSetStamps(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "topics", "t1", persistence.Document{"title": "first"}))

	first, err := store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "t1", first.ID())
	assert.Equal(t, "first", first["title"])
	created, ok := first.CreatedAt()
	require.True(t, ok)
	_, ok = first.UpdatedAt()
	require.True(t, ok)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "topics", "t1", persistence.Document{"title": "second"}))

	second, err := store.Get(ctx, "topics", "t1")
	require.NoError(t, err)
	assert.Equal(t, "second", second["title"])
	createdAgain, _ := second.CreatedAt()
	updated, _ := second.UpdatedAt()
	assert.True(t, created.Equal(createdAgain), "createdAt must be preserved on upsert")
	assert.True(t, updated.After(created), "updatedAt must move forward")
}

func testUpdate(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "entities", "e1", persistence.Document{"name": "Acme", "type": "company", "version": 1}))

	require.NoError(t, store.Update(ctx, "entities", "e1", persistence.Document{"name": "Acme Corp", "version": 2}))

	doc, err := store.Get(ctx, "entities", "e1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", doc["name"])
	assert.Equal(t, "company", doc["type"])
	v, ok := doc.Version()
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

func testUpdateMissing(t *testing.T, store persistence.Backend) {
	err := store.Update(context.Background(), "entities", "nope", persistence.Document{"name": "x"})
	require.Error(t, err)
	assert.True(t, syncerrors.IsNotFound(err))
}

func testDelete(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "relations", "r1", persistence.Document{"relationType": "owns"}))
	require.NoError(t, store.Delete(ctx, "relations", "r1"))

	doc, err := store.Get(ctx, "relations", "r1")
	require.NoError(t, err)
	assert.Nil(t, doc)

	// Deleting a missing row is not an error
	assert.NoError(t, store.Delete(ctx, "relations", "r1"))
}

func testInsert(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	id, err := store.Insert(ctx, "entities", persistence.Document{"name": "Globex"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, "entities", id)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Globex", doc["name"])
	_, ok := doc.CreatedAt()
	assert.True(t, ok)
	_, ok = doc.UpdatedAt()
	assert.True(t, ok)

	explicit, err := store.Insert(ctx, "entities", persistence.Document{"id": "fixed", "name": "Initech"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", explicit)
}

func testQuery(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	rows := []persistence.Document{
		{"id": "a", "topicId": "t1", "rank": 3, "name": "alpha"},
		{"id": "b", "topicId": "t1", "rank": 1, "name": "bravo"},
		{"id": "c", "topicId": "t2", "rank": 2, "name": "charlie"},
		{"id": "d", "topicId": "t1", "rank": 2, "name": "delta"},
	}
	for _, r := range rows {
		require.NoError(t, store.Set(ctx, "entities", r.ID(), r))
	}

	got, err := store.Query(ctx, "entities", persistence.NewQuery().Eq("topicId", "t1").Order("rank", false))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "d", "a"}, ids(got))

	got, err = store.Query(ctx, "entities", persistence.NewQuery().Eq("topicId", "t1").Order("rank", true).Take(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, ids(got))

	got, err = store.Query(ctx, "entities", persistence.NewQuery().Eq("rank", 2).Order("name", false))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, ids(got))

	got, err = store.Query(ctx, "entities", persistence.NewQuery().Eq("topicId", "none"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSubscribe(t *testing.T, store persistence.Backend) {
	sub, ok := store.(persistence.Subscriber)
	if !ok {
		t.Skip("backend has no change feed")
	}
	ctx := context.Background()

	var mu sync.Mutex
	var events []persistence.ChangeEvent
	unsubscribe, err := sub.Subscribe(ctx, "topics", func(e persistence.ChangeEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "topics", "x", persistence.Document{"title": "one"}))
	require.NoError(t, store.Update(ctx, "topics", "x", persistence.Document{"title": "two"}))
	require.NoError(t, store.Delete(ctx, "topics", "x"))
	require.NoError(t, store.Set(ctx, "other", "y", persistence.Document{}))

	unsubscribe()
	require.NoError(t, store.Set(ctx, "topics", "z", persistence.Document{}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, persistence.EventInsert, events[0].EventType)
	assert.Equal(t, "x", events[0].RowID())
	assert.Equal(t, persistence.EventUpdate, events[1].EventType)
	assert.Equal(t, "two", events[1].New["title"])
	assert.Equal(t, persistence.EventDelete, events[2].EventType)
	assert.Equal(t, "x", events[2].RowID())
	assert.Equal(t, "topics", events[2].Table)
}

func testSimilarity(t *testing.T, store persistence.Backend) {
	searcher, ok := store.(persistence.Searcher)
	if !ok {
		t.Skip("backend has no similarity procedures")
	}
	ctx := context.Background()

	vec := func(x, y float32) []float32 {
		v := make([]float32, 768)
		v[0], v[1] = x, y
		return v
	}
	rows := map[string]persistence.Document{
		"n1-topic-a": {"topic_id": "a", "meeting_note_id": "n1", "organization_id": "org", "embedding": vec(1, 0), "embedding_dimension": 768},
		"n1-topic-b": {"topic_id": "b", "meeting_note_id": "n1", "organization_id": "org", "embedding": vec(1, 1), "embedding_dimension": 768},
		"n2-topic-c": {"topic_id": "c", "meeting_note_id": "n2", "organization_id": "other", "embedding": vec(1, 0), "embedding_dimension": 768},
		"n2-topic-d": {"topic_id": "d", "meeting_note_id": "n2", "organization_id": "org", "embedding": vec(0, 1), "embedding_dimension": 768},
	}
	for id, row := range rows {
		require.NoError(t, store.Set(ctx, "topic_embeddings", id, row))
	}

	params := persistence.SimilarityParams{
		Embedding:      vec(1, 0),
		Threshold:      0.5,
		Count:          5,
		OrganizationID: "org",
	}
	got, err := searcher.CallProcedure(ctx, "find_similar_topics_768", params.Params())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0]["topic_id"])
	assert.Equal(t, "n1", got[0]["meeting_note_id"])
	assert.InDelta(t, 1.0, got[0]["similarity"], 1e-6)
	assert.Equal(t, "b", got[1]["topic_id"])

	_, err = searcher.CallProcedure(ctx, "drop_everything", nil)
	assert.Error(t, err)
}

func testAuth(t *testing.T, store persistence.Backend) {
	ctx := context.Background()
	session, err := store.SignIn(ctx, "ada@example.com", "secret")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.AccessToken)

	user, err := store.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)

	refreshed, err := store.RefreshSession(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)

	require.NoError(t, store.SignOut(ctx))
	user, err = store.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func testHealth(t *testing.T, store persistence.Backend) {
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func ids(docs []persistence.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}
