// Package embedding stores vector embeddings of graph records and searches them.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Subjects with an embeddings table.
const (
	SubjectEntity   = "entity"
	SubjectRelation = "relation"
	SubjectTopic    = "topic"
)

// DefaultVersion is written to embedding_version.
const DefaultVersion = "1.0"

// ValidDimension reports whether n is a supported embedding length.
func ValidDimension(n int) bool {
	return n == 768 || n == 1536
}

// Table returns the embeddings table of subject.
func Table(subject string) string {
	return subject + "_embeddings"
}

// Record is the input of one embedding upsert.
type Record struct {
	ID        string
	Subject   string
	SubjectID string
	Scope     graph.Scope
	Title     string
	Content   string
	Metadata  map[string]any
	// Extra holds additional denormalized columns.
	Extra persistence.Document
}

// Text is the input of the embedder: the title twice, then the content.
func (r Record) Text() string {
	return CombinedText(r.Title, r.Content)
}

// CombinedText joins the title twice followed by the parts, separated by blank
// lines. Empty strings are skipped.
func CombinedText(title string, parts ...string) string {
	var pieces []string
	if t := strings.TrimSpace(title); t != "" {
		pieces = append(pieces, t, t)
	}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			pieces = append(pieces, p)
		}
	}
	return strings.Join(pieces, "\n\n")
}

// Options configures a Service.
type Options struct {
	Model   string
	Version string
}

// Service generates and stores embeddings.
type Service struct {
	store     persistence.Store
	embedder  Embedder
	opts      Options
	collector *observability.Collector
	logger    *zap.Logger
}

// NewService creates a service writing through store.
func NewService(store persistence.Store, embedder Embedder, opts Options, collector *observability.Collector, logger *zap.Logger) *Service {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		opts:      opts,
		collector: collector,
		logger:    observability.OrNop(logger).Named("embedding"),
	}
}

// SaveEntityEmbedding embeds the entity's name, type and aliases.
func (s *Service) SaveEntityEmbedding(ctx context.Context, e graph.Entity) error {
	content := e.Type
	if len(e.Aliases) > 0 {
		content = CombinedText("", e.Type, strings.Join(e.Aliases, ", "))
	}
	return s.Save(ctx, Record{
		ID:        e.ID,
		Subject:   SubjectEntity,
		SubjectID: e.ID,
		Scope:     e.Scope,
		Title:     e.Name,
		Content:   content,
		Metadata: map[string]any{
			"type":    e.Type,
			"aliases": e.Aliases,
			"topicId": e.TopicID(),
		},
	})
}

// SaveRelationEmbedding embeds the relation type and description. names resolves
// entity ids to names for the denormalized text; missing names fall back to ids.
func (s *Service) SaveRelationEmbedding(ctx context.Context, r graph.Relation, names map[string]string) error {
	source, target := r.SourceEntityID, r.TargetEntityID
	if n := names[source]; n != "" {
		source = n
	}
	if n := names[target]; n != "" {
		target = n
	}
	return s.Save(ctx, Record{
		ID:        r.ID,
		Subject:   SubjectRelation,
		SubjectID: r.ID,
		Scope:     r.Scope,
		Title:     fmt.Sprintf("%s %s %s", source, r.RelationType, target),
		Content:   r.Description,
		Metadata: map[string]any{
			"relationType":   r.RelationType,
			"sourceEntityId": r.SourceEntityID,
			"targetEntityId": r.TargetEntityID,
			"topicId":        r.TopicID,
		},
		Extra: persistence.Document{"relation_type": r.RelationType},
	})
}

// SaveTopicEmbedding embeds the topic under its composite embedding id.
func (s *Service) SaveTopicEmbedding(ctx context.Context, t graph.Topic) error {
	return s.Save(ctx, Record{
		ID:        t.EmbeddingID(),
		Subject:   SubjectTopic,
		SubjectID: t.ID,
		Scope:     t.Scope,
		Title:     t.Title,
		Content:   CombinedText("", t.Summary, t.Content),
		Metadata: map[string]any{
			"keywords": t.Keywords,
			"summary":  t.Summary,
		},
		Extra: persistence.Document{"meeting_note_id": t.MeetingNoteID},
	})
}

// Save generates the vector of rec and upserts it.
func (s *Service) Save(ctx context.Context, rec Record) (err error) {
	ctx, span := observability.Tracer("embedding").Start(ctx, "embedding.save")
	span.SetAttributes(attribute.String("subject", rec.Subject), attribute.String("id", rec.ID))
	defer func() { observability.EndSpan(span, err) }()

	if rec.ID == "" {
		return syncerrors.NewValidation(syncerrors.CodeValidationFailed, "id", "embedding record needs an id")
	}
	vec, err := s.embedder.Embed(ctx, rec.Text())
	if err != nil {
		s.collector.RecordEmbedding(rec.Subject, err)
		return fmt.Errorf("failed to embed %s %s: %w", rec.Subject, rec.ID, err)
	}
	return s.SaveVector(ctx, rec, vec)
}

// SaveVector upserts rec with a precomputed vector. Vectors of any length other than
// 768 or 1536 are rejected before the store is called.
func (s *Service) SaveVector(ctx context.Context, rec Record, vec []float32) error {
	if !ValidDimension(len(vec)) {
		err := syncerrors.NewValidation(syncerrors.CodeInvalidDimension, "embedding",
			fmt.Sprintf("dimension must be 768 or 1536, got %d", len(vec)))
		s.collector.RecordEmbedding(rec.Subject, err)
		return err
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode embedding metadata: %w", err)
	}

	row := persistence.Document{
		persistence.FieldID:   rec.ID,
		rec.Subject + "_id":   rec.SubjectID,
		"organization_id":     nullable(rec.Scope.OrganizationID),
		"company_id":          nullable(rec.Scope.CompanyID),
		"embedding":           vec,
		"embedding_dimension": len(vec),
		"title":               rec.Title,
		"content":             rec.Content,
		"metadata":            string(metadata),
		"embedding_model":     s.opts.Model,
		"embedding_version":   s.opts.Version,
		"updated_at":          persistence.Now(),
	}
	for k, v := range rec.Extra {
		row[k] = v
	}

	err = s.store.Set(ctx, Table(rec.Subject), rec.ID, row)
	s.collector.RecordEmbedding(rec.Subject, err)
	if err != nil {
		return fmt.Errorf("failed to save %s embedding %s: %w", rec.Subject, rec.ID, err)
	}
	s.logger.Debug("Embedding saved",
		zap.String("subject", rec.Subject),
		zap.String("id", rec.ID),
		zap.Int("dimension", len(vec)))
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
