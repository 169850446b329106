package graph

import (
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Table names.
const (
	TableEntities   = "entities"
	TableRelations  = "relations"
	TableTopics     = "topics"
	MetadataTopicID = "topicId"
)

// Scope is the tenant a record belongs to. Exactly one of the ids is set.
type Scope struct {
	OrganizationID string `json:"organizationId,omitempty" validate:"required_without=CompanyID,excluded_with=CompanyID"`
	CompanyID      string `json:"companyId,omitempty" validate:"required_without=OrganizationID,excluded_with=OrganizationID"`
}

// Eq narrows q to this scope.
func (s Scope) Eq(q persistence.Query) persistence.Query {
	if s.OrganizationID != "" {
		return q.Eq("organizationId", s.OrganizationID)
	}
	return q.Eq("companyId", s.CompanyID)
}

func (s Scope) put(doc persistence.Document) {
	if s.OrganizationID != "" {
		doc["organizationId"] = s.OrganizationID
	}
	if s.CompanyID != "" {
		doc["companyId"] = s.CompanyID
	}
}

func scopeOf(doc persistence.Document) Scope {
	return Scope{OrganizationID: doc.String("organizationId"), CompanyID: doc.String("companyId")}
}

// Entity is a named thing mentioned in a topic: a person, company, product and so on.
type Entity struct {
	ID       string         `json:"id"`
	Name     string         `json:"name" validate:"required"`
	Type     string         `json:"type"`
	Aliases  []string       `json:"aliases,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Scope
}

// Validate checks the entity before it is persisted.
func (e Entity) Validate() error {
	return validateStruct(e)
}

// TopicID is the originating topic recorded in the metadata.
func (e Entity) TopicID() string {
	s, _ := e.Metadata[MetadataTopicID].(string)
	return s
}

// Document renders the entity as a row. The id is left out.
func (e Entity) Document() persistence.Document {
	doc := persistence.Document{
		"name": e.Name,
		"type": e.Type,
	}
	if len(e.Aliases) > 0 {
		doc["aliases"] = append([]string(nil), e.Aliases...)
	}
	if len(e.Metadata) > 0 {
		doc["metadata"] = persistence.Document(e.Metadata).Clone()
	}
	e.Scope.put(doc)
	return doc
}

// EntityFromDocument reads an entity row.
func EntityFromDocument(doc persistence.Document) Entity {
	e := Entity{
		ID:      doc.ID(),
		Name:    doc.String("name"),
		Type:    doc.String("type"),
		Aliases: stringSlice(doc["aliases"]),
		Scope:   scopeOf(doc),
	}
	if m, ok := asMap(doc["metadata"]); ok {
		e.Metadata = m
	}
	return e
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case persistence.Document:
		return t, true
	}
	return nil, false
}
