package persistence

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Parameter names of the similarity procedures.
const (
	ParamQueryEmbedding = "query_embedding"
	ParamMatchThreshold = "match_threshold"
	ParamMatchCount     = "match_count"
	ParamOrgFilter      = "organization_id_filter"
	ParamCompanyFilter  = "company_id_filter"
)

const similarityPrefix = "find_similar_"

// subjects maps the plural procedure suffix to the singular subject name.
var subjects = map[string]string{
	"entities":          "entity",
	"relations":         "relation",
	"topics":            "topic",
	"meeting_notes":     "meeting_note",
	"organizations":     "organization",
	"startups":          "startup",
	"regulations":       "regulation",
	"focus_initiatives": "focus_initiative",
}

// SimilarityProcedure describes a named similarity search over one embeddings table.
type SimilarityProcedure struct {
	Name      string // e.g. find_similar_topics_768
	Subject   string // e.g. topic
	Table     string // e.g. topic_embeddings
	IDColumn  string // e.g. topic_id
	Dimension int    // 768 for the _768 variants, otherwise 1536
}

// ProcedureFor returns the procedure searching subject with vectors of dimension.
func ProcedureFor(subject string, dimension int) (SimilarityProcedure, error) {
	for plural, singular := range subjects {
		if singular != subject {
			continue
		}
		name := similarityPrefix + plural
		if dimension == 768 {
			name += "_768"
		}
		return ParseSimilarityProcedure(name)
	}
	return SimilarityProcedure{}, fmt.Errorf("unknown similarity subject %q", subject)
}

// ParseSimilarityProcedure resolves a find_similar_<subjects>[_768] procedure name.
func ParseSimilarityProcedure(name string) (SimilarityProcedure, error) {
	if !strings.HasPrefix(name, similarityPrefix) {
		return SimilarityProcedure{}, fmt.Errorf("unknown procedure %q", name)
	}
	rest := strings.TrimPrefix(name, similarityPrefix)
	dimension := 1536
	if strings.HasSuffix(rest, "_768") {
		rest = strings.TrimSuffix(rest, "_768")
		dimension = 768
	}
	subject, ok := subjects[rest]
	if !ok {
		return SimilarityProcedure{}, fmt.Errorf("unknown procedure %q", name)
	}
	return SimilarityProcedure{
		Name:      name,
		Subject:   subject,
		Table:     subject + "_embeddings",
		IDColumn:  subject + "_id",
		Dimension: dimension,
	}, nil
}

// SimilarityParams are the arguments of a similarity procedure.
type SimilarityParams struct {
	Embedding      []float32
	Threshold      float64 // 0 disables filtering
	Count          int
	OrganizationID string
	CompanyID      string
}

// Params renders the procedure arguments.
func (p SimilarityParams) Params() map[string]any {
	params := map[string]any{
		ParamQueryEmbedding: p.Embedding,
		ParamMatchThreshold: p.Threshold,
		ParamMatchCount:     p.Count,
	}
	if p.OrganizationID != "" {
		params[ParamOrgFilter] = p.OrganizationID
	}
	if p.CompanyID != "" {
		params[ParamCompanyFilter] = p.CompanyID
	}
	return params
}

// ParseSimilarityParams reads procedure arguments from their generic form.
func ParseSimilarityParams(params map[string]any) (SimilarityParams, error) {
	vec, err := ToVector(params[ParamQueryEmbedding])
	if err != nil {
		return SimilarityParams{}, fmt.Errorf("%s: %w", ParamQueryEmbedding, err)
	}
	p := SimilarityParams{Embedding: vec, Count: 10}
	if t, ok := toFloat(params[ParamMatchThreshold]); ok {
		p.Threshold = t
	}
	if c, ok := toInt64(params[ParamMatchCount]); ok && c > 0 {
		p.Count = int(c)
	}
	if s, ok := params[ParamOrgFilter].(string); ok {
		p.OrganizationID = s
	}
	if s, ok := params[ParamCompanyFilter].(string); ok {
		p.CompanyID = s
	}
	return p, nil
}

// ToVector converts the supported vector encodings to []float32.
func ToVector(v any) ([]float32, error) {
	switch t := v.(type) {
	case []float32:
		return t, nil
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(t))
		for i, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not a number", i, e)
			}
			out[i] = float32(f)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing vector")
	}
	return nil, fmt.Errorf("unsupported vector type %T", v)
}

// CosineSimilarity returns the cosine similarity of two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RankBySimilarity scores embedding rows against the query and returns the
// procedure result rows, most similar first.
func RankBySimilarity(proc SimilarityProcedure, rows []Document, p SimilarityParams) []Document {
	type scored struct {
		row   Document
		score float64
	}
	var matches []scored
	for _, row := range rows {
		if p.OrganizationID != "" && row.String("organization_id") != p.OrganizationID {
			continue
		}
		if p.CompanyID != "" && row.String("company_id") != p.CompanyID {
			continue
		}
		vec, err := ToVector(row["embedding"])
		if err != nil || len(vec) != len(p.Embedding) {
			continue
		}
		score := CosineSimilarity(vec, p.Embedding)
		if p.Threshold > 0 && score < p.Threshold {
			continue
		}
		matches = append(matches, scored{row: row, score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if p.Count > 0 && len(matches) > p.Count {
		matches = matches[:p.Count]
	}

	out := make([]Document, 0, len(matches))
	for _, m := range matches {
		out = append(out, SimilarityResult(proc, m.row, m.score))
	}
	return out
}

// SimilarityResult shapes one result row of a similarity procedure.
func SimilarityResult(proc SimilarityProcedure, row Document, score float64) Document {
	res := Document{
		FieldID:       row[FieldID],
		proc.IDColumn: row[proc.IDColumn],
		"similarity":  score,
	}
	if proc.Subject == "topic" {
		res["meeting_note_id"] = row["meeting_note_id"]
	}
	return res
}
