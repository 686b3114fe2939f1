package omoide

import (
	"time"

	"github.com/ashita-ai/omoide/internal/conflicts"
	"github.com/ashita-ai/omoide/internal/memory"
	"github.com/ashita-ai/omoide/internal/model"
)

// Memory types, as used in Metadata.Type and stats maps.
const (
	TypeShortTerm = "shortTerm"
	TypeMidTerm   = "midTerm"
	TypeLongTerm  = "longTerm"
	TypePinned    = "pinned"
	TypeProfile   = "profile"
)

// Memory is one stored record.
type Memory struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	UserID       string   `json:"userId"`
	Type         string   `json:"type"`
	Timestamp    int64    `json:"timestamp"`
	Importance   float64  `json:"importance"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	AccessCount  int      `json:"accessCount"`
	LastAccessed int64    `json:"lastAccessed"`
}

// ScoredMemory is one ranked retrieval hit.
type ScoredMemory struct {
	Memory     Memory  `json:"memory"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	BM25Score  float64 `json:"bm25Score"`
}

// Conflict is one detected contradiction between two memories.
type Conflict struct {
	ID                 string  `json:"id"`
	Kind               string  `json:"kind"`
	Severity           string  `json:"severity"`
	NewMemoryID        string  `json:"newMemoryId"`
	ExistingMemoryID   string  `json:"existingMemoryId"`
	SemanticSimilarity float64 `json:"semanticSimilarity"`
	ContentSimilarity  float64 `json:"contentSimilarity"`
	AutoResolvable     bool    `json:"autoResolvable"`
	SuggestedAction    string  `json:"suggestedAction"`
}

// Resolution describes how one conflict was resolved.
type Resolution struct {
	ConflictID string `json:"conflictId"`
	Action     string `json:"action"`
	WinnerID   string `json:"winnerId,omitempty"`
	LoserID    string `json:"loserId,omitempty"`
	Applied    bool   `json:"applied"`
}

// Entity is one knowledge-graph node.
type Entity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Aliases    []string          `json:"aliases,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Confidence float64           `json:"confidence"`
	Importance float64           `json:"importance"`
}

// Relation is one typed directed edge between entities.
type Relation struct {
	ID         string  `json:"id"`
	SourceID   string  `json:"sourceId"`
	TargetID   string  `json:"targetId"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// EntityFilter selects graph entities. Zero-value fields do not constrain
// the result.
type EntityFilter struct {
	UserID string
	Type   string
	Name   string // exact name match
	Limit  int
}

// RelationFilter selects graph relations. Zero-value fields do not constrain
// the result.
type RelationFilter struct {
	UserID   string
	Type     string
	SourceID string
	TargetID string
	Limit    int
}

// Path is one discovered path between two entities.
type Path struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Score     float64    `json:"score"`
}

// UpdateOptions controls one ingestion call. The zero value detects conflicts
// and extracts graph data without auto-resolving.
type UpdateOptions struct {
	SkipConflictDetection bool
	AutoResolveConflicts  bool
	SkipGraphExtraction   bool
}

// UpdateResult reports one ingestion call.
type UpdateResult struct {
	Success           bool         `json:"success"`
	VectorsAdded      int          `json:"vectorsAdded"`
	AddedIDs          []string     `json:"addedIds"`
	ConflictsDetected []Conflict   `json:"conflictsDetected,omitempty"`
	ConflictsResolved []Resolution `json:"conflictsResolved,omitempty"`
	GraphEntities     int          `json:"graphEntities"`
	GraphRelations    int          `json:"graphRelations"`
	Errors            []string     `json:"errors,omitempty"`
}

// QueryOptions controls one retrieval call.
type QueryOptions struct {
	MaxResults        int
	SemanticThreshold float64
	IncludeGraph      bool
	GraphEntityName   string
	IncludeConflicts  bool
}

// GraphResults attaches knowledge-graph context to a query result.
type GraphResults struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
	Paths     []Path     `json:"paths,omitempty"`
}

// QueryMetadata carries retrieval diagnostics.
type QueryMetadata struct {
	QueryTimeMillis int64 `json:"queryTime"`
	TotalFound      int   `json:"totalFound"`
}

// QueryResult is the full retrieval answer.
type QueryResult struct {
	Memories  []ScoredMemory `json:"memories"`
	Conflicts []Conflict     `json:"conflicts,omitempty"`
	Graph     *GraphResults  `json:"graphResults,omitempty"`
	Metadata  QueryMetadata  `json:"metadata"`
}

// Distilled is a token-budgeted context block.
type Distilled struct {
	Distilled  string   `json:"distilled"`
	Sources    []string `json:"sources"`
	TokensUsed int      `json:"tokensUsed"`
}

// CompressionResult reports one auto-compression call.
type CompressionResult struct {
	Compressed  bool     `json:"compressed"`
	Triggers    []string `json:"triggers,omitempty"`
	Deleted     int      `json:"deleted"`
	Created     int      `json:"created"`
	TokensSaved int      `json:"tokensSaved"`
	Errors      []string `json:"errors,omitempty"`
}

// LifecycleResult reports one lifecycle evaluation.
type LifecycleResult struct {
	Evaluated  int      `json:"evaluated"`
	Deleted    int      `json:"deleted"`
	Upgraded   int      `json:"upgraded"`
	Downgraded int      `json:"downgraded"`
	Kept       int      `json:"kept"`
	CapDeleted int      `json:"capDeleted"`
	Errors     []string `json:"errors,omitempty"`
}

// LifecycleStats summarizes a user's memory population.
type LifecycleStats struct {
	TotalCount         int            `json:"totalCount"`
	ByType             map[string]int `json:"byType"`
	AverageImportance  float64        `json:"averageImportance"`
	AverageAccessCount float64        `json:"averageAccessCount"`
	AverageAge         time.Duration  `json:"averageAge"`
}

// Stats combines storage and graph diagnostics.
type Stats struct {
	TotalRecords    int            `json:"totalRecords"`
	UserRecords     int            `json:"userRecords"`
	Dirty           bool           `json:"dirty"`
	Entities        int            `json:"entities"`
	Relations       int            `json:"relations"`
	ByType          map[string]int `json:"byType"`
	EntitiesByType  map[string]int `json:"entitiesByType"`
	RelationsByType map[string]int `json:"relationsByType"`
}

// ── Type converters ────────────────────────────────────────────────────────────

func toPublicMemory(rec *model.MemoryRecord) Memory {
	return Memory{
		ID:           rec.ID,
		Content:      rec.Content,
		UserID:       rec.Metadata.UserID,
		Type:         string(rec.Metadata.Type),
		Timestamp:    rec.Metadata.Timestamp,
		Importance:   rec.Metadata.Importance,
		Category:     rec.Metadata.Category,
		Tags:         rec.Metadata.Tags,
		AccessCount:  rec.AccessCount,
		LastAccessed: rec.LastAccessed,
	}
}

func toPublicConflict(c conflicts.Conflict) Conflict {
	out := Conflict{
		ID:                 c.ID,
		Kind:               string(c.Kind),
		Severity:           string(c.Severity),
		SemanticSimilarity: c.SemanticSimilarity,
		ContentSimilarity:  c.ContentSimilarity,
		AutoResolvable:     c.AutoResolvable,
		SuggestedAction:    string(c.SuggestedAction),
	}
	if c.NewRecord != nil {
		out.NewMemoryID = c.NewRecord.ID
	}
	if c.ExistingRecord != nil {
		out.ExistingMemoryID = c.ExistingRecord.ID
	}
	return out
}

func toPublicUpdateResult(r memory.UpdateResult) UpdateResult {
	out := UpdateResult{
		Success:        r.Success,
		VectorsAdded:   r.VectorsAdded,
		AddedIDs:       r.AddedIDs,
		GraphEntities:  r.GraphEntities,
		GraphRelations: r.GraphRelations,
		Errors:         r.Errors,
	}
	for _, c := range r.ConflictsDetected {
		out.ConflictsDetected = append(out.ConflictsDetected, toPublicConflict(c))
	}
	for _, res := range r.ConflictsResolved {
		out.ConflictsResolved = append(out.ConflictsResolved, Resolution{
			ConflictID: res.ConflictID,
			Action:     string(res.Action),
			WinnerID:   res.WinnerID,
			LoserID:    res.LoserID,
			Applied:    res.Applied,
		})
	}
	return out
}

func toPublicEntity(e *model.GraphEntity) Entity {
	return Entity{
		ID:         e.ID,
		Name:       e.Name,
		Type:       string(e.Type),
		Aliases:    e.Aliases,
		Properties: e.Properties,
		Confidence: e.Confidence,
		Importance: e.Metadata.Importance,
	}
}

func toPublicEntities(es []*model.GraphEntity) []Entity {
	out := make([]Entity, 0, len(es))
	for _, e := range es {
		out = append(out, toPublicEntity(e))
	}
	return out
}

func toPublicRelations(rs []*model.GraphRelation) []Relation {
	out := make([]Relation, 0, len(rs))
	for _, r := range rs {
		out = append(out, Relation{
			ID:         r.ID,
			SourceID:   r.SourceID,
			TargetID:   r.TargetID,
			Type:       string(r.Type),
			Confidence: r.Confidence,
		})
	}
	return out
}

func toPublicQueryResult(r memory.QueryResult) QueryResult {
	out := QueryResult{
		Metadata: QueryMetadata{
			QueryTimeMillis: queryTimeMillis(r.Metadata.QueryTime),
			TotalFound:      r.Metadata.TotalFound,
		},
	}
	for _, sm := range r.Memories {
		out.Memories = append(out.Memories, ScoredMemory{
			Memory:     toPublicMemory(sm.Record),
			Score:      sm.Score,
			Similarity: sm.Similarity,
			BM25Score:  sm.BM25Score,
		})
	}
	for _, c := range r.Conflicts {
		out.Conflicts = append(out.Conflicts, toPublicConflict(c))
	}
	if r.Graph != nil {
		gr := &GraphResults{
			Entities:  toPublicEntities(r.Graph.Entities),
			Relations: toPublicRelations(r.Graph.Relations),
		}
		for _, p := range r.Graph.Paths {
			gr.Paths = append(gr.Paths, Path{
				Entities:  toPublicEntities(p.Entities),
				Relations: toPublicRelations(p.Relations),
				Score:     p.Score,
			})
		}
		out.Graph = gr
	}
	return out
}
