package graph

import (
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Relation is a typed edge between two entities, scoped to a topic or a YAML file.
type Relation struct {
	ID             string `json:"id,omitempty"`
	TopicID        string `json:"topicId,omitempty" validate:"required_without=YAMLFileID"`
	YAMLFileID     string `json:"yamlFileId,omitempty" validate:"required_without=TopicID"`
	SourceEntityID string `json:"sourceEntityId" validate:"required"`
	TargetEntityID string `json:"targetEntityId" validate:"required"`
	RelationType   string `json:"relationType" validate:"required"`
	Description    string `json:"description,omitempty"`
	Scope
}

// Validate checks the relation before it is persisted.
func (r Relation) Validate() error {
	return validateStruct(r)
}

// DedupKey identifies the relation within its topic.
func (r Relation) DedupKey() string {
	return r.SourceEntityID + "_" + r.TargetEntityID + "_" + r.RelationType
}

// SameSemantics reports whether both relations connect the same entities in the same
// way with the same description.
func (r Relation) SameSemantics(other Relation) bool {
	return r.SourceEntityID == other.SourceEntityID &&
		r.TargetEntityID == other.TargetEntityID &&
		r.RelationType == other.RelationType &&
		r.Description == other.Description
}

// Document renders the relation as a row. The id is left out.
func (r Relation) Document() persistence.Document {
	doc := persistence.Document{
		"sourceEntityId": r.SourceEntityID,
		"targetEntityId": r.TargetEntityID,
		"relationType":   r.RelationType,
	}
	if r.TopicID != "" {
		doc["topicId"] = r.TopicID
	}
	if r.YAMLFileID != "" {
		doc["yamlFileId"] = r.YAMLFileID
	}
	if r.Description != "" {
		doc["description"] = r.Description
	}
	r.Scope.put(doc)
	return doc
}

// RelationFromDocument reads a relation row.
func RelationFromDocument(doc persistence.Document) Relation {
	return Relation{
		ID:             doc.ID(),
		TopicID:        doc.String("topicId"),
		YAMLFileID:     doc.String("yamlFileId"),
		SourceEntityID: doc.String("sourceEntityId"),
		TargetEntityID: doc.String("targetEntityId"),
		RelationType:   doc.String("relationType"),
		Description:    doc.String("description"),
		Scope:          scopeOf(doc),
	}
}
