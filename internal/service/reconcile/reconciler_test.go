package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GAIKONDO/app42-sub006/internal/conflict"
	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/memory"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence/storetest"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
)

var org = graph.Scope{OrganizationID: "org-1"}

func topic() graph.Topic {
	return graph.Topic{ID: "t1", MeetingNoteID: "mn1", Title: "Partnerships", Content: "Acme and Beta", Scope: org}
}

func entity(id, name string) graph.Entity {
	return graph.Entity{ID: id, Name: name, Type: "company", Scope: org}
}

func relation(source, target, kind string) graph.Relation {
	return graph.Relation{TopicID: "t1", SourceEntityID: source, TargetEntityID: target, RelationType: kind, Scope: org}
}

func newReconciler(t *testing.T, store persistence.Backend, embedder Embedder) *Reconciler {
	t.Helper()
	return New(store, conflict.NewResolver(store, nil, nil), embedder, Options{Concurrency: 3},
		observability.NewCollector("reconcile_test"), zaptest.NewLogger(t))
}

func TestEntityPhaseIsIdempotent(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)
	ctx := context.Background()

	req := Request{
		Topic: topic(),
		Entities: []graph.Entity{
			entity("p1", "Acme"),
			entity("p2", "Beta"),
			entity("p3", "ACME"),
			entity("p4", "Gamma"),
		},
	}

	first, err := rc.Save(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.CreatedEntities, 3)
	assert.Equal(t, first.IDMap["p1"], first.IDMap["p3"], "same dedup key maps to one entity")
	assert.Equal(t, 3, store.Len(graph.TableEntities))

	second, err := rc.Save(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.CreatedEntities)
	assert.Len(t, second.SkippedEntities, 4)
	assert.Equal(t, first.IDMap, second.IDMap)
	assert.Equal(t, 3, store.Len(graph.TableEntities))

	doc, err := store.Get(ctx, graph.TableEntities, first.IDMap["p1"])
	require.NoError(t, err)
	assert.Equal(t, "t1", graph.EntityFromDocument(doc).TopicID())
}

func TestEntitiesOfOtherTopicsAreNotReused(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)
	ctx := context.Background()

	other := topic()
	other.ID = "t2"
	res, err := rc.Save(ctx, Request{Topic: other, Entities: []graph.Entity{entity("p1", "Acme")}})
	require.NoError(t, err)
	require.Len(t, res.CreatedEntities, 1)

	res, err = rc.Save(ctx, Request{Topic: topic(), Entities: []graph.Entity{entity("p1", "Acme")}})
	require.NoError(t, err)
	assert.Len(t, res.CreatedEntities, 1)
	assert.Equal(t, 2, store.Len(graph.TableEntities))
}

func TestRelationsResolveThroughNormalizedNames(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)

	res, err := rc.Save(context.Background(), Request{
		Topic: topic(),
		Entities: []graph.Entity{
			entity("p1", "Acme Corp"),
			entity("p2", "Beta"),
		},
		Relations: []graph.Relation{
			relation("Acme Corp (company)", "p2", "partners_with"),
			relation("p2", "Acme Corp", "supplies"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.CreatedRelations, 2)

	acme := res.IDMap["p1"]
	assert.Equal(t, acme, res.CreatedRelations[0].SourceEntityID)
	assert.Equal(t, acme, res.CreatedRelations[1].TargetEntityID)
	assert.Equal(t, res.IDMap["p2"], res.CreatedRelations[0].TargetEntityID)
	assert.Equal(t, "mn1-topic-t1", res.CreatedRelations[0].TopicID)
}

func TestUnresolvedRelationIsSkipped(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)

	res, err := rc.Save(context.Background(), Request{
		Topic:    topic(),
		Entities: []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{
			relation("p1", "ghost", "knows"),
			relation("p1", "p2", "knows"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.SkippedRelations, 1)
	assert.Equal(t, ReasonUnresolved, res.SkippedRelations[0].Reason)
	assert.Len(t, res.CreatedRelations, 1)
}

func TestInvalidRelationRejectedBeforeCreation(t *testing.T) {
	backend := storetest.NewFlaky(memory.New())
	rc := newReconciler(t, backend, nil)

	noScope := relation("p1", "p2", "knows")
	noScope.Scope = graph.Scope{}
	noTopic := relation("p2", "p1", "knows")
	noTopic.TopicID = ""

	res, err := rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{noScope, noTopic},
	})
	require.NoError(t, err)
	assert.Empty(t, res.CreatedRelations)
	require.Len(t, res.SkippedRelations, 2)
	for _, s := range res.SkippedRelations {
		assert.Contains(t, s.Reason, ReasonInvalid)
	}
	assert.Equal(t, 2, backend.Calls(persistence.OpInsert), "only the entities were inserted")
}

func TestRelationRerunSkipsDuplicatesAndUpdatesChanged(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)
	ctx := context.Background()

	entities := []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")}
	first, err := rc.Save(ctx, Request{Topic: topic(), Entities: entities, Relations: []graph.Relation{relation("p1", "p2", "owns")}})
	require.NoError(t, err)
	require.Len(t, first.CreatedRelations, 1)
	persisted := first.CreatedRelations[0]

	again, err := rc.Save(ctx, Request{Topic: topic(), Entities: entities, Relations: []graph.Relation{relation("p1", "p2", "owns")}})
	require.NoError(t, err)
	assert.Empty(t, again.CreatedRelations)
	require.Len(t, again.SkippedRelations, 1)
	assert.Equal(t, ReasonDuplicate, again.SkippedRelations[0].Reason)

	unchanged := persisted
	res, err := rc.Save(ctx, Request{Topic: topic(), Relations: []graph.Relation{unchanged}})
	require.NoError(t, err)
	require.Len(t, res.SkippedRelations, 1)
	assert.Equal(t, ReasonUnchanged, res.SkippedRelations[0].Reason)

	changed := persisted
	changed.Description = "since 2020"
	res, err = rc.Save(ctx, Request{Topic: topic(), Relations: []graph.Relation{changed}})
	require.NoError(t, err)
	require.Len(t, res.UpdatedRelations, 1)
	assert.Equal(t, "since 2020", res.UpdatedRelations[0].Description)

	doc, err := store.Get(ctx, graph.TableRelations, persisted.ID)
	require.NoError(t, err)
	assert.Equal(t, "since 2020", doc["description"])
	assert.Equal(t, 1, store.Len(graph.TableRelations))
}

func TestEntityCreationFailureAbortsRun(t *testing.T) {
	backend := storetest.NewFlaky(memory.New())
	backend.FailTimes(persistence.OpInsert, graph.TableEntities, "", 1)
	rc := newReconciler(t, backend, nil)

	res, err := rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{relation("p1", "p2", "owns")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storetest.ErrInjected)
	assert.Empty(t, res.CreatedRelations)

	// A rerun completes, reusing whatever the failed run created.
	res, err = rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{relation("p1", "p2", "owns")},
	})
	require.NoError(t, err)
	assert.Len(t, res.IDMap, 2)
	assert.Len(t, res.CreatedRelations, 1)
}

func TestCancellationStopsBeforeNextPhase(t *testing.T) {
	backend := storetest.NewFlaky(memory.New())
	rc := newReconciler(t, backend, nil)

	var cancelled atomic.Bool
	res, err := rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{relation("p1", "p2", "owns")},
		Cancelled: func() bool {
			// Let the entity phase run, cancel afterwards.
			return cancelled.Load()
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)

	cancelled.Store(true)
	backend.ResetCalls()
	res, err = rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p3", "Gamma")},
		Relations: []graph.Relation{relation("p1", "p3", "owns")},
		Cancelled: cancelled.Load,
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, backend.Calls(persistence.OpInsert))
}

func TestInvalidEntityFailsBeforeAnyWrite(t *testing.T) {
	backend := storetest.NewFlaky(memory.New())
	rc := newReconciler(t, backend, nil)

	bad := entity("p2", "Beta")
	bad.Scope = graph.Scope{}
	_, err := rc.Save(context.Background(), Request{Topic: topic(), Entities: []graph.Entity{entity("p1", "Acme"), bad}})
	require.Error(t, err)
	assert.Zero(t, backend.Calls(persistence.OpInsert))
}

func TestEmbeddingPhase(t *testing.T) {
	store := memory.New()
	svc := embedding.NewService(store, embedding.NewHashEmbedder(768), embedding.Options{Model: "hash"}, nil, nil)
	rc := newReconciler(t, store, svc)

	res, err := rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{relation("p1", "p2", "owns")},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Embedded)
	assert.Equal(t, 2, store.Len("entity_embeddings"))
	assert.Equal(t, 1, store.Len("relation_embeddings"))
	assert.Equal(t, 1, store.Len("topic_embeddings"))

	row, err := store.Get(context.Background(), "relation_embeddings", res.CreatedRelations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme owns Beta", row["title"])
}

// flakyEmbedder fails entity embeddings for one entity name and counts the rest.
type flakyEmbedder struct {
	failName string
	saved    atomic.Int32
}

func (f *flakyEmbedder) SaveEntityEmbedding(ctx context.Context, e graph.Entity) error {
	if e.Name == f.failName {
		return errors.New("embedding provider unavailable")
	}
	f.saved.Add(1)
	return nil
}

func (f *flakyEmbedder) SaveRelationEmbedding(ctx context.Context, r graph.Relation, names map[string]string) error {
	f.saved.Add(1)
	return nil
}

func (f *flakyEmbedder) SaveTopicEmbedding(ctx context.Context, t graph.Topic) error {
	f.saved.Add(1)
	return nil
}

func TestEmbeddingFailureIsReportedNotFatal(t *testing.T) {
	store := memory.New()
	embedder := &flakyEmbedder{failName: "Beta"}
	rc := newReconciler(t, store, embedder)

	res, err := rc.Save(context.Background(), Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{relation("p1", "p2", "owns")},
	})
	require.NoError(t, err)
	assert.Len(t, res.CreatedEntities, 2)
	assert.Len(t, res.CreatedRelations, 1)
	assert.Equal(t, 3, res.Embedded)
	assert.EqualValues(t, 3, embedder.saved.Load())

	require.Len(t, res.EmbeddingFailures, 1)
	failure := res.EmbeddingFailures[0]
	assert.Equal(t, embedding.SubjectEntity, failure.Subject)
	assert.Equal(t, res.IDMap["p2"], failure.ID)
	assert.Contains(t, failure.Error, "embedding provider unavailable")
}

func TestYAMLScopedRelationRerunIsIdempotent(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)
	ctx := context.Background()

	yamlRelation := relation("Acme", "Beta", "supplies")
	yamlRelation.TopicID, yamlRelation.YAMLFileID = "", "y1"
	req := Request{
		Topic:     topic(),
		Entities:  []graph.Entity{entity("p1", "Acme"), entity("p2", "Beta")},
		Relations: []graph.Relation{yamlRelation, relation("p1", "p2", "supplies")},
	}

	first, err := rc.Save(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.CreatedRelations, 2, "same endpoints in different scopes are distinct relations")

	second, err := rc.Save(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.CreatedRelations)
	require.Len(t, second.SkippedRelations, 2)
	for _, skipped := range second.SkippedRelations {
		assert.Equal(t, ReasonDuplicate, skipped.Reason)
	}
	assert.Equal(t, 2, store.Len(graph.TableRelations))
}

func TestAnnotatedAndPlainNamesResolveToOneEntity(t *testing.T) {
	store := memory.New()
	rc := newReconciler(t, store, nil)

	res, err := rc.Save(context.Background(), Request{
		Topic: topic(),
		Entities: []graph.Entity{
			entity("p1", "Acme Corp (company)"),
			entity("p2", "Acme Corp"),
			entity("p3", "Beta"),
		},
		Relations: []graph.Relation{
			relation("Acme Corp (company)", "p3", "partners_with"),
			relation("p3", "Acme Corp", "supplies"),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.CreatedRelations, 2)

	// Name matching is heuristic: both spellings land on the first registered entity.
	acme := res.IDMap["p1"]
	assert.Equal(t, acme, res.CreatedRelations[0].SourceEntityID)
	assert.Equal(t, acme, res.CreatedRelations[1].TargetEntityID)
	assert.Equal(t, res.IDMap["p3"], res.CreatedRelations[0].TargetEntityID)
}
