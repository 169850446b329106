package embedding

import (
	"context"
	"fmt"

	"github.com/GAIKONDO/app42-sub006/internal/domain/graph"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// Threshold drops matches below this similarity. Zero keeps every match.
	Threshold float64
	Limit     int
	Scope     graph.Scope
}

// Match is one similarity search result.
type Match struct {
	ID            string  `json:"id"`
	SubjectID     string  `json:"subject_id"`
	MeetingNoteID string  `json:"meeting_note_id,omitempty"`
	Similarity    float64 `json:"similarity"`
}

// FindSimilar searches the subject's embeddings with vec, most similar first.
func (s *Service) FindSimilar(ctx context.Context, subject string, vec []float32, opts SearchOptions) ([]Match, error) {
	if !ValidDimension(len(vec)) {
		return nil, syncerrors.NewValidation(syncerrors.CodeInvalidDimension, "query_embedding",
			fmt.Sprintf("dimension must be 768 or 1536, got %d", len(vec)))
	}
	searcher, ok := s.store.(persistence.Searcher)
	if !ok {
		return nil, persistence.ErrUnsupported
	}
	proc, err := persistence.ProcedureFor(subject, len(vec))
	if err != nil {
		return nil, syncerrors.NewValidation(syncerrors.CodeValidationFailed, "subject", err.Error())
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	params := persistence.SimilarityParams{
		Embedding:      vec,
		Threshold:      opts.Threshold,
		Count:          opts.Limit,
		OrganizationID: opts.Scope.OrganizationID,
		CompanyID:      opts.Scope.CompanyID,
	}
	rows, err := searcher.CallProcedure(ctx, proc.Name, params.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", proc.Name, err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		m := Match{
			ID:            row.ID(),
			SubjectID:     row.String(proc.IDColumn),
			MeetingNoteID: row.String("meeting_note_id"),
		}
		if f, ok := row["similarity"].(float64); ok {
			m.Similarity = f
		}
		if m.SubjectID == "" {
			m.SubjectID = m.ID
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// FindSimilarText embeds text and searches with the result.
func (s *Service) FindSimilarText(ctx context.Context, subject, text string, opts SearchOptions) ([]Match, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return s.FindSimilar(ctx, subject, vec, opts)
}
