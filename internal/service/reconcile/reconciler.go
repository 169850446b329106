// Package reconcile persists the entities and relations extracted from one topic.
// Records that already exist are reused, ephemeral ids are remapped to persisted
// ids, and embeddings are refreshed for everything that changed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/concurrency"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
	"github.com/GAIKONDO/app42-sub006/internal/service/embedding"
)

// Updater applies a last-writer-wins patch. *conflict.Resolver satisfies it.
type Updater interface {
	UpdateLastWriterWins(ctx context.Context, table, id string, patch persistence.Document) (persistence.Document, error)
}

// Embedder stores embeddings of graph records. *embedding.Service satisfies it.
type Embedder interface {
	SaveEntityEmbedding(ctx context.Context, e graph.Entity) error
	SaveRelationEmbedding(ctx context.Context, r graph.Relation, names map[string]string) error
	SaveTopicEmbedding(ctx context.Context, t graph.Topic) error
}

// Request is one reconciliation run.
type Request struct {
	Topic     graph.Topic
	Entities  []graph.Entity
	Relations []graph.Relation
	// Cancelled is checked between items and phases. Calls already issued complete.
	Cancelled func() bool
}

func (r Request) cancelled() bool {
	return r.Cancelled != nil && r.Cancelled()
}

// SkippedRelation is a pending relation that was not written.
type SkippedRelation struct {
	Relation graph.Relation `json:"relation"`
	Reason   string         `json:"reason"`
}

// Skip reasons.
const (
	ReasonUnchanged  = "unchanged"
	ReasonDuplicate  = "duplicate"
	ReasonUnresolved = "unresolved entity"
	ReasonInvalid    = "invalid"
)

// EmbeddingFailure is an embedding that could not be saved. The record itself was
// persisted; only new or changed records are embedded, so a rerun does not retry it.
type EmbeddingFailure struct {
	Subject string `json:"subject"`
	ID      string `json:"id"`
	Error   string `json:"error"`
}

// Result reports what a run did. It is returned even when the run fails, covering
// the work completed before the failure.
type Result struct {
	// IDMap maps every pending entity id to its persisted id.
	IDMap             map[string]string  `json:"id_map"`
	CreatedEntities   []graph.Entity     `json:"created_entities"`
	SkippedEntities   []graph.Entity     `json:"skipped_entities"`
	CreatedRelations  []graph.Relation   `json:"created_relations"`
	UpdatedRelations  []graph.Relation   `json:"updated_relations"`
	SkippedRelations  []SkippedRelation  `json:"skipped_relations"`
	Embedded          int                `json:"embedded"`
	EmbeddingFailures []EmbeddingFailure `json:"embedding_failures,omitempty"`
	Cancelled         bool               `json:"cancelled"`
}

// Options configures a Reconciler.
type Options struct {
	Concurrency int
}

// Reconciler runs reconciliations. Runs for the same topic must not overlap.
type Reconciler struct {
	store     persistence.Store
	updater   Updater
	embedder  Embedder
	opts      Options
	collector *observability.Collector
	logger    *zap.Logger
}

// New creates a reconciler. embedder may be nil, which skips the embedding phase.
func New(store persistence.Store, updater Updater, embedder Embedder, opts Options, collector *observability.Collector, logger *zap.Logger) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = concurrency.DefaultLimit
	}
	return &Reconciler{
		store:     store,
		updater:   updater,
		embedder:  embedder,
		opts:      opts,
		collector: collector,
		logger:    observability.OrNop(logger).Named("reconcile"),
	}
}

// run holds the state of one Save call.
type run struct {
	req    Request
	result *Result

	// names maps normalized entity names of the topic to persisted ids. The first
	// registration of a name wins.
	names map[string]string
	// display maps persisted entity ids to names.
	display map[string]string
	// pendingNames maps pending entity ids to their names.
	pendingNames map[string]string
	// persisted is the set of persisted entity ids of the topic.
	persisted map[string]bool
}

func (r *run) register(name, id string) {
	key := graph.NormalizeName(name)
	if _, ok := r.names[key]; !ok {
		r.names[key] = id
	}
	r.display[id] = name
	r.persisted[id] = true
}

// Save runs the entity, relation and embedding phases in order. A creation failure
// aborts the run; records created before it stay in place and a rerun reuses them.
func (rc *Reconciler) Save(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := observability.Tracer("reconcile").Start(ctx, "reconcile.save")
	span.SetAttributes(
		attribute.String("topic_id", req.Topic.ID),
		attribute.Int("entities", len(req.Entities)),
		attribute.Int("relations", len(req.Relations)))
	defer func() { observability.EndSpan(span, err) }()

	r := &run{
		req:          req,
		result:       &Result{IDMap: make(map[string]string)},
		names:        make(map[string]string),
		display:      make(map[string]string),
		pendingNames: make(map[string]string),
		persisted:    make(map[string]bool),
	}

	if err := req.Topic.Validate(); err != nil {
		return r.result, fmt.Errorf("invalid topic: %w", err)
	}

	if err := rc.entityPhase(ctx, r); err != nil {
		return r.result, err
	}
	if r.result.Cancelled || rc.stop(r) {
		return r.result, nil
	}
	if err := rc.relationPhase(ctx, r); err != nil {
		return r.result, err
	}
	if r.result.Cancelled || rc.stop(r) {
		return r.result, nil
	}
	if err := rc.embeddingPhase(ctx, r); err != nil {
		return r.result, err
	}

	rc.logger.Info("Topic reconciled",
		zap.String("topic_id", req.Topic.ID),
		zap.Int("created_entities", len(r.result.CreatedEntities)),
		zap.Int("skipped_entities", len(r.result.SkippedEntities)),
		zap.Int("created_relations", len(r.result.CreatedRelations)),
		zap.Int("updated_relations", len(r.result.UpdatedRelations)),
		zap.Int("skipped_relations", len(r.result.SkippedRelations)),
		zap.Int("embedded", r.result.Embedded))
	return r.result, nil
}

func (rc *Reconciler) stop(r *run) bool {
	if r.req.cancelled() {
		r.result.Cancelled = true
		rc.logger.Info("Reconciliation cancelled", zap.String("topic_id", r.req.Topic.ID))
		return true
	}
	return false
}

func (rc *Reconciler) fanOut() concurrency.Options {
	return concurrency.Options{Limit: rc.opts.Concurrency, FailFast: true}
}

// entityKey is the dedup key of an entity within a topic.
func entityKey(name, topicID string) string {
	return strings.ToLower(strings.TrimSpace(name)) + topicID
}

func (rc *Reconciler) entityPhase(ctx context.Context, r *run) (err error) {
	ctx, span := observability.Tracer("reconcile").Start(ctx, "reconcile.entities")
	defer func() { observability.EndSpan(span, err) }()

	topic := r.req.Topic
	pending := make([]graph.Entity, len(r.req.Entities))
	for i, e := range r.req.Entities {
		e.Metadata = persistence.Document(e.Metadata).Clone()
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		if e.TopicID() == "" {
			e.Metadata[graph.MetadataTopicID] = topic.ID
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entity %q: %w", e.Name, err)
		}
		pending[i] = e
		r.pendingNames[e.ID] = e.Name
	}

	rows, err := rc.store.Query(ctx, graph.TableEntities, topic.Scope.Eq(persistence.NewQuery()))
	if err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	existing := make(map[string]graph.Entity)
	for _, row := range rows {
		e := graph.EntityFromDocument(row)
		if e.TopicID() != topic.ID {
			continue
		}
		key := entityKey(e.Name, topic.ID)
		if _, dup := existing[key]; !dup {
			existing[key] = e
		}
		r.register(e.Name, e.ID)
	}

	// One creation per dedup key; later pending entities with the same key share it.
	var toCreate []graph.Entity
	followers := make(map[string][]string)
	for _, e := range pending {
		key := entityKey(e.Name, topic.ID)
		if stored, ok := existing[key]; ok {
			r.result.IDMap[e.ID] = stored.ID
			r.result.SkippedEntities = append(r.result.SkippedEntities, stored)
			continue
		}
		if _, queued := followers[key]; queued {
			followers[key] = append(followers[key], e.ID)
			continue
		}
		followers[key] = []string{}
		toCreate = append(toCreate, e)
	}

	opts := rc.fanOut()
	opts.Stop = r.req.Cancelled
	outcomes := concurrency.Run(ctx, toCreate, opts, func(ctx context.Context, e graph.Entity) (string, error) {
		return rc.store.Insert(ctx, graph.TableEntities, e.Document())
	})

	var firstErr error
	for i, out := range outcomes {
		e := toCreate[i]
		switch {
		case out.Err == nil:
			created := e
			created.ID = out.Value
			r.result.IDMap[e.ID] = created.ID
			for _, follower := range followers[entityKey(e.Name, topic.ID)] {
				r.result.IDMap[follower] = created.ID
			}
			r.result.CreatedEntities = append(r.result.CreatedEntities, created)
			r.register(created.Name, created.ID)
		case errors.Is(out.Err, concurrency.ErrStopped):
			if r.req.cancelled() {
				r.result.Cancelled = true
			}
		case firstErr == nil:
			firstErr = fmt.Errorf("failed to create entity %q: %w", e.Name, out.Err)
		}
	}

	rc.collector.RecordReconciled("entity", "created", len(r.result.CreatedEntities))
	rc.collector.RecordReconciled("entity", "skipped", len(r.result.SkippedEntities))
	span.SetAttributes(
		attribute.Int("created", len(r.result.CreatedEntities)),
		attribute.Int("skipped", len(r.result.SkippedEntities)))
	return firstErr
}

// resolve maps a relation endpoint to a persisted entity id: through the id map,
// as an already persisted id, or by normalized name.
func (r *run) resolve(ref string) (string, bool) {
	if id, ok := r.result.IDMap[ref]; ok {
		return id, true
	}
	if r.persisted[ref] {
		return ref, true
	}
	name := ref
	if n, ok := r.pendingNames[ref]; ok {
		name = n
	}
	id, ok := r.names[graph.NormalizeName(name)]
	return id, ok
}

// relationKey is the dedup key of a relation within its topic or, for relations
// without a topic, its YAML file.
func relationKey(rel graph.Relation) string {
	if rel.TopicID != "" {
		return "topic:" + rel.TopicID + ":" + rel.DedupKey()
	}
	return "yaml:" + rel.YAMLFileID + ":" + rel.DedupKey()
}

func (rc *Reconciler) relationPhase(ctx context.Context, r *run) (err error) {
	ctx, span := observability.Tracer("reconcile").Start(ctx, "reconcile.relations")
	defer func() { observability.EndSpan(span, err) }()

	topicKey := r.req.Topic.EmbeddingID()
	queries := []persistence.Query{persistence.NewQuery().Eq("topicId", topicKey)}
	yamlFiles := make(map[string]bool)
	for _, rel := range r.req.Relations {
		if rel.TopicID == "" && rel.YAMLFileID != "" && !yamlFiles[rel.YAMLFileID] {
			yamlFiles[rel.YAMLFileID] = true
			queries = append(queries, persistence.NewQuery().Eq("yamlFileId", rel.YAMLFileID))
		}
	}

	stored := make(map[string]graph.Relation)
	keys := make(map[string]bool)
	for _, q := range queries {
		rows, err := rc.store.Query(ctx, graph.TableRelations, q)
		if err != nil {
			return fmt.Errorf("failed to load relations: %w", err)
		}
		for _, row := range rows {
			rel := graph.RelationFromDocument(row)
			stored[rel.ID] = rel
			keys[relationKey(rel)] = true
		}
	}

	skip := func(rel graph.Relation, reason string) {
		r.result.SkippedRelations = append(r.result.SkippedRelations, SkippedRelation{Relation: rel, Reason: reason})
	}

	var toCreate, toUpdate []graph.Relation
	for _, rel := range r.req.Relations {
		if rel.TopicID != "" {
			rel.TopicID = topicKey
		}

		if current, ok := stored[rel.ID]; ok && rel.ID != "" {
			if current.SameSemantics(rel) {
				skip(rel, ReasonUnchanged)
				continue
			}
			toUpdate = append(toUpdate, rel)
			continue
		}

		source, okSource := r.resolve(rel.SourceEntityID)
		target, okTarget := r.resolve(rel.TargetEntityID)
		if !okSource || !okTarget {
			rc.logger.Warn("Skipping relation with unresolved entity",
				zap.String("source", rel.SourceEntityID),
				zap.String("target", rel.TargetEntityID),
				zap.String("relation_type", rel.RelationType))
			skip(rel, ReasonUnresolved)
			continue
		}
		rel.ID = ""
		rel.SourceEntityID, rel.TargetEntityID = source, target

		if err := rel.Validate(); err != nil {
			rc.logger.Warn("Rejecting invalid relation", zap.String("relation_type", rel.RelationType), zap.Error(err))
			skip(rel, ReasonInvalid+": "+err.Error())
			continue
		}
		if keys[relationKey(rel)] {
			skip(rel, ReasonDuplicate)
			continue
		}
		keys[relationKey(rel)] = true
		toCreate = append(toCreate, rel)
	}

	opts := rc.fanOut()
	opts.Stop = r.req.Cancelled

	updated := concurrency.Run(ctx, toUpdate, opts, func(ctx context.Context, rel graph.Relation) (graph.Relation, error) {
		patch := persistence.Document{
			"sourceEntityId": rel.SourceEntityID,
			"targetEntityId": rel.TargetEntityID,
			"relationType":   rel.RelationType,
			"description":    rel.Description,
		}
		doc, err := rc.updater.UpdateLastWriterWins(ctx, graph.TableRelations, rel.ID, patch)
		if err != nil {
			return graph.Relation{}, err
		}
		return graph.RelationFromDocument(doc), nil
	})
	var firstErr error
	for i, out := range updated {
		switch {
		case out.Err == nil:
			r.result.UpdatedRelations = append(r.result.UpdatedRelations, out.Value)
		case errors.Is(out.Err, concurrency.ErrStopped):
			r.result.Cancelled = r.result.Cancelled || r.req.cancelled()
		case firstErr == nil:
			firstErr = fmt.Errorf("failed to update relation %s: %w", toUpdate[i].ID, out.Err)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	created := concurrency.Run(ctx, toCreate, opts, func(ctx context.Context, rel graph.Relation) (string, error) {
		return rc.store.Insert(ctx, graph.TableRelations, rel.Document())
	})
	for i, out := range created {
		rel := toCreate[i]
		switch {
		case out.Err == nil:
			rel.ID = out.Value
			r.result.CreatedRelations = append(r.result.CreatedRelations, rel)
		case errors.Is(out.Err, concurrency.ErrStopped):
			r.result.Cancelled = r.result.Cancelled || r.req.cancelled()
		case firstErr == nil:
			firstErr = fmt.Errorf("failed to create relation %s: %w", rel.DedupKey(), out.Err)
		}
	}

	rc.collector.RecordReconciled("relation", "created", len(r.result.CreatedRelations))
	rc.collector.RecordReconciled("relation", "updated", len(r.result.UpdatedRelations))
	rc.collector.RecordReconciled("relation", "skipped", len(r.result.SkippedRelations))
	span.SetAttributes(
		attribute.Int("created", len(r.result.CreatedRelations)),
		attribute.Int("updated", len(r.result.UpdatedRelations)),
		attribute.Int("skipped", len(r.result.SkippedRelations)))
	return firstErr
}

func (rc *Reconciler) embeddingPhase(ctx context.Context, r *run) (err error) {
	if rc.embedder == nil {
		return nil
	}
	ctx, span := observability.Tracer("reconcile").Start(ctx, "reconcile.embeddings")
	defer func() { observability.EndSpan(span, err) }()

	type job struct {
		subject, id string
		save        func(context.Context) error
	}
	var jobs []job
	for _, e := range r.result.CreatedEntities {
		e := e
		jobs = append(jobs, job{embedding.SubjectEntity, e.ID, func(ctx context.Context) error {
			return rc.embedder.SaveEntityEmbedding(ctx, e)
		}})
	}
	relations := append(append([]graph.Relation(nil), r.result.CreatedRelations...), r.result.UpdatedRelations...)
	for _, rel := range relations {
		rel := rel
		jobs = append(jobs, job{embedding.SubjectRelation, rel.ID, func(ctx context.Context) error {
			return rc.embedder.SaveRelationEmbedding(ctx, rel, r.display)
		}})
	}
	topic := r.req.Topic
	jobs = append(jobs, job{embedding.SubjectTopic, topic.EmbeddingID(), func(ctx context.Context) error {
		return rc.embedder.SaveTopicEmbedding(ctx, topic)
	}})

	outcomes := concurrency.Run(ctx, jobs, concurrency.Options{Limit: rc.opts.Concurrency, Stop: r.req.Cancelled},
		func(ctx context.Context, j job) (struct{}, error) {
			return struct{}{}, j.save(ctx)
		})

	for i, out := range outcomes {
		if out.Err == nil || errors.Is(out.Err, concurrency.ErrStopped) {
			continue
		}
		rc.logger.Warn("Failed to save embedding",
			zap.String("subject", jobs[i].subject),
			zap.String("id", jobs[i].id),
			zap.Error(out.Err))
		r.result.EmbeddingFailures = append(r.result.EmbeddingFailures, EmbeddingFailure{
			Subject: jobs[i].subject,
			ID:      jobs[i].id,
			Error:   out.Err.Error(),
		})
	}

	summary := outcomes.Summary()
	r.result.Embedded = summary.Succeeded
	if summary.Skipped > 0 && r.req.cancelled() {
		r.result.Cancelled = true
	}
	rc.collector.RecordReconciled("embedding", "saved", summary.Succeeded)
	rc.collector.RecordReconciled("embedding", "failed", summary.Failed)
	span.SetAttributes(attribute.Int("embedded", summary.Succeeded), attribute.Int("failed", summary.Failed))
	return nil
}
