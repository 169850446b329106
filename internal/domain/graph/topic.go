package graph

import (
	"strings"

	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Topic is one discussion item of a meeting note.
type Topic struct {
	ID            string   `json:"id" validate:"required"`
	MeetingNoteID string   `json:"meetingNoteId" validate:"required"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Summary       string   `json:"summary,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Scope
}

// Validate checks the topic.
func (t Topic) Validate() error {
	return validateStruct(t)
}

// EmbeddingID is the id of the topic's embedding record. Relations created from the
// topic are stored under this id.
func (t Topic) EmbeddingID() string {
	return t.MeetingNoteID + "-topic-" + t.ID
}

// Document renders the topic as a row.
func (t Topic) Document() persistence.Document {
	doc := persistence.Document{
		"meetingNoteId": t.MeetingNoteID,
		"title":         t.Title,
		"content":       t.Content,
	}
	if t.Summary != "" {
		doc["summary"] = t.Summary
	}
	if len(t.Keywords) > 0 {
		doc["keywords"] = append([]string(nil), t.Keywords...)
	}
	t.Scope.put(doc)
	return doc
}

// NormalizeName folds an entity name for matching: a trailing parenthetical type
// annotation is removed, whitespace trimmed and the result lower-cased.
// "Acme Corp (company)" and "acme corp" normalize to the same string.
func NormalizeName(name string) string {
	s := strings.TrimSpace(name)
	if strings.HasSuffix(s, ")") {
		if open := strings.LastIndex(s, "("); open > 0 {
			s = strings.TrimSpace(s[:open])
		}
	}
	return strings.ToLower(s)
}
