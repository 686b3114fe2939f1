package model

// EntityType is the closed set of knowledge-graph entity kinds.
type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
	EntityEvent        EntityType = "EVENT"
	EntityConcept      EntityType = "CONCEPT"
	EntityProduct      EntityType = "PRODUCT"
	EntityTime         EntityType = "TIME"
	EntitySkill        EntityType = "SKILL"
	EntityPreference   EntityType = "PREFERENCE"
)

// RelationType is the closed set of knowledge-graph relation kinds.
type RelationType string

const (
	RelWorksAt        RelationType = "WORKS_AT"
	RelLocatedIn      RelationType = "LOCATED_IN"
	RelKnows          RelationType = "KNOWS"
	RelLikes          RelationType = "LIKES"
	RelDislikes       RelationType = "DISLIKES"
	RelHasSkill       RelationType = "HAS_SKILL"
	RelParticipatedIn RelationType = "PARTICIPATED_IN"
	RelRelatedTo      RelationType = "RELATED_TO"
	RelOwns           RelationType = "OWNS"
	RelHappenedAt     RelationType = "HAPPENED_AT"
)

// EntitySource records where an entity was extracted from.
type EntitySource struct {
	MemoryID  string `json:"memoryId"`
	Timestamp int64  `json:"timestamp"`
}

// EntityMetadata carries per-user bookkeeping for lifecycle and ranking.
type EntityMetadata struct {
	UserID       string  `json:"userId"`
	AccessCount  int     `json:"accessCount"`
	LastAccessed int64   `json:"lastAccessed"`
	Importance   float64 `json:"importance"`
}

// GraphEntity is a node in the knowledge graph.
type GraphEntity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       EntityType        `json:"type"`
	Aliases    []string          `json:"aliases,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     EntitySource      `json:"source"`
	Metadata   EntityMetadata    `json:"metadata"`
}

// Clone returns a deep copy of the entity.
func (e *GraphEntity) Clone() *GraphEntity {
	cp := *e
	cp.Aliases = append([]string(nil), e.Aliases...)
	if e.Properties != nil {
		cp.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// HasAlias reports whether name matches the entity name or any alias exactly.
func (e *GraphEntity) HasAlias(name string) bool {
	if e.Name == name {
		return true
	}
	for _, a := range e.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// RelationTemporal holds the required observation timestamp and the optional
// validity window of a relation.
type RelationTemporal struct {
	Timestamp int64  `json:"timestamp"`
	StartTime *int64 `json:"startTime,omitempty"`
	EndTime   *int64 `json:"endTime,omitempty"`
}

// RelationSource records provenance for a relation.
type RelationSource struct {
	MemoryID string `json:"memoryId"`
	UserID   string `json:"userId"`
}

// GraphRelation is a typed directed edge between two entities. Relations
// always reference existing entities by id; deleting an entity cascades.
type GraphRelation struct {
	ID         string            `json:"id"`
	SourceID   string            `json:"sourceId"`
	TargetID   string            `json:"targetId"`
	Type       RelationType      `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	Confidence float64           `json:"confidence"`
	Temporal   RelationTemporal  `json:"temporal"`
	Source     RelationSource    `json:"source"`
}

// Clone returns a deep copy of the relation.
func (r *GraphRelation) Clone() *GraphRelation {
	cp := *r
	if r.Properties != nil {
		cp.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			cp.Properties[k] = v
		}
	}
	if r.Temporal.StartTime != nil {
		v := *r.Temporal.StartTime
		cp.Temporal.StartTime = &v
	}
	if r.Temporal.EndTime != nil {
		v := *r.Temporal.EndTime
		cp.Temporal.EndTime = &v
	}
	return &cp
}

// EntityTypeImportance is the static base importance per entity type, scaled
// by extraction confidence when an entity is promoted into the graph.
var EntityTypeImportance = map[EntityType]float64{
	EntityPerson:       0.9,
	EntityOrganization: 0.8,
	EntityLocation:     0.7,
	EntityEvent:        0.6,
	EntityConcept:      0.5,
	EntityProduct:      0.6,
	EntityTime:         0.4,
	EntitySkill:        0.7,
	EntityPreference:   0.8,
}
