package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/omoide/internal/bm25"
	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/compress"
	"github.com/ashita-ai/omoide/internal/conflicts"
	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/lifecycle"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Hybrid scoring weights and the time-decay horizon.
const (
	vectorWeight   = 0.7
	bm25Weight     = 0.3
	decayBase      = 0.7
	decayScale     = 0.3
	decayHalfRange = 7 * 24 * time.Hour
)

// QueryOptions controls one retrieval call.
type QueryOptions struct {
	MaxResults        int     // default 10
	SemanticThreshold float64 // minimum cosine similarity for the vector leg
	Types             []model.MemoryType
	IncludeGraph      bool
	GraphEntityName   string // optional; empty defaults to top entities
	IncludeConflicts  bool
}

// ScoredMemory is one ranked retrieval hit.
type ScoredMemory struct {
	Record     *model.MemoryRecord
	Score      float64
	Similarity float64 // raw cosine similarity, 0 when vector leg missed
	BM25Score  float64 // raw keyword score, 0 when keyword leg missed
}

// GraphResults attaches knowledge-graph context to a query result.
type GraphResults struct {
	Entities  []*model.GraphEntity
	Relations []*model.GraphRelation
	Paths     []graph.Path
}

// QueryMetadata carries retrieval diagnostics.
type QueryMetadata struct {
	QueryTime  time.Duration
	TotalFound int
}

// QueryResult is the full retrieval answer.
type QueryResult struct {
	Memories  []ScoredMemory
	Conflicts []conflicts.Conflict
	Graph     *GraphResults
	Metadata  QueryMetadata
}

// Query runs hybrid retrieval: vector and BM25 legs with expanded limits,
// max-normalized and blended 0.7/0.3, then reranked by type weight and time
// decay. Downstream failures degrade to partial results rather than erroring.
func (m *Manager) Query(ctx context.Context, userID, query string, opts QueryOptions) (QueryResult, error) {
	started := time.Now()
	var res QueryResult
	if userID == "" {
		return res, fmt.Errorf("memory: empty userId: %w", memerr.ErrInputValidation)
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	m.queries.Add(ctx, 1)

	expanded := 2 * opts.MaxResults

	emb, err := m.embedder.EmbedText(ctx, query, embedding.EmbedOptions{})
	var vecHits []vector.Hit
	if err != nil {
		m.logger.Warn("query embedding failed, vector leg skipped", "error", err)
	} else {
		vecHits = m.vectors.Search(vector.SearchQuery{
			UserID:    userID,
			Embedding: emb.Embedding,
			Limit:     expanded,
			Threshold: opts.SemanticThreshold,
			Types:     opts.Types,
		})
	}

	kwHits, err := m.keywords.Search(ctx, query, bm25.SearchOptions{UserID: userID, Limit: expanded})
	if err != nil {
		m.logger.Warn("bm25 search failed, keyword leg skipped", "error", err)
		kwHits = nil
	}

	combined := m.combine(userID, vecHits, kwHits, opts)
	res.Metadata.TotalFound = len(combined)
	if len(combined) > opts.MaxResults {
		combined = combined[:opts.MaxResults]
	}
	res.Memories = combined

	for _, sm := range res.Memories {
		m.vectors.Touch(sm.Record.ID)
	}

	if opts.IncludeGraph {
		res.Graph = m.graphContext(query, opts.GraphEntityName)
	}
	if opts.IncludeConflicts {
		res.Conflicts = m.conflictsAcross(res.Memories)
	}

	res.Metadata.QueryTime = time.Since(started)
	return res, nil
}

// combine merges the two hit sets by record id, max-normalizes each score
// set, blends, applies type weight and time decay, and sorts once.
func (m *Manager) combine(userID string, vecHits []vector.Hit, kwHits []bm25.Hit, opts QueryOptions) []ScoredMemory {
	var maxVec, maxKW float64
	for _, h := range vecHits {
		if h.Similarity > maxVec {
			maxVec = h.Similarity
		}
	}
	for _, h := range kwHits {
		if h.Score > maxKW {
			maxKW = h.Score
		}
	}

	typeSet := make(map[model.MemoryType]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = struct{}{}
	}

	byID := make(map[string]*ScoredMemory)
	for _, h := range vecHits {
		byID[h.Record.ID] = &ScoredMemory{Record: h.Record, Similarity: h.Similarity}
	}
	for _, h := range kwHits {
		if sm, ok := byID[h.MemoryID]; ok {
			sm.BM25Score = h.Score
			continue
		}
		rec := m.vectors.Get(h.MemoryID)
		if rec == nil {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[rec.Metadata.Type]; !ok {
				continue
			}
		}
		byID[h.MemoryID] = &ScoredMemory{Record: rec, BM25Score: h.Score}
	}

	now := model.NowMillis()
	out := make([]ScoredMemory, 0, len(byID))
	for _, sm := range byID {
		var normVec, normKW float64
		if maxVec > 0 {
			normVec = sm.Similarity / maxVec
		}
		if maxKW > 0 {
			normKW = sm.BM25Score / maxKW
		}
		blended := vectorWeight*normVec + bm25Weight*normKW

		decay := math.Exp(-float64(sm.Record.Age(now)) / float64(decayHalfRange))
		sm.Score = blended * model.TypeWeight(sm.Record.Metadata.Type) * (decayBase + decayScale*decay)
		out = append(out, *sm)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// graphContext resolves graph entities for the query: by explicit name when
// given, otherwise the entities whose names appear in the query text,
// otherwise the top entities by importance.
func (m *Manager) graphContext(query, entityName string) *GraphResults {
	var seeds []*model.GraphEntity
	if entityName != "" {
		seeds = m.graphIndex.EntitiesByName(entityName)
	} else {
		for _, e := range m.graphIndex.TopEntities(50) {
			if strings.Contains(query, e.Name) || containsAnyAlias(query, e.Aliases) {
				seeds = append(seeds, e)
			}
		}
		if len(seeds) == 0 {
			seeds = m.graphIndex.TopEntities(5)
		}
	}

	gr := &GraphResults{}
	seenEnt := make(map[string]struct{})
	seenRel := make(map[string]struct{})
	for _, seed := range seeds {
		if _, dup := seenEnt[seed.ID]; !dup {
			seenEnt[seed.ID] = struct{}{}
			gr.Entities = append(gr.Entities, seed)
		}
		nb := m.graphIndex.Neighbors(seed.ID, graph.DirBoth)
		for _, e := range nb.Entities {
			if _, dup := seenEnt[e.ID]; !dup {
				seenEnt[e.ID] = struct{}{}
				gr.Entities = append(gr.Entities, e)
			}
		}
		for _, r := range nb.Relations {
			if _, dup := seenRel[r.ID]; !dup {
				seenRel[r.ID] = struct{}{}
				gr.Relations = append(gr.Relations, r)
			}
		}
	}

	if len(seeds) >= 2 {
		gr.Paths = m.graphIndex.FindPaths(seeds[0].ID, seeds[1].ID, 3)
	}
	return gr
}

func containsAnyAlias(query string, aliases []string) bool {
	for _, a := range aliases {
		if a != "" && strings.Contains(query, a) {
			return true
		}
	}
	return false
}

// conflictsAcross runs pairwise detection over a result set.
func (m *Manager) conflictsAcross(memories []ScoredMemory) []conflicts.Conflict {
	recs := make([]*model.MemoryRecord, 0, len(memories))
	for _, sm := range memories {
		recs = append(recs, sm.Record)
	}
	var out []conflicts.Conflict
	for i, rec := range recs {
		out = append(out, m.detector.Detect(rec, recs[i+1:])...)
	}
	return out
}

// ── context distillation ──────────────────────────────────────────────────────

// distillFetchLimit bounds the candidate set for context assembly.
const distillFetchLimit = 50

// distillOrder is the type priority for context assembly.
var distillOrder = []model.MemoryType{
	model.MemoryPinned,
	model.MemoryProfile,
	model.MemoryLongTerm,
	model.MemoryMidTerm,
	model.MemoryShortTerm,
}

var sectionHeaders = map[model.MemoryType]string{
	model.MemoryPinned:    "## Pinned",
	model.MemoryProfile:   "## Profile",
	model.MemoryLongTerm:  "## Long-term",
	model.MemoryMidTerm:   "## Mid-term",
	model.MemoryShortTerm: "## Recent",
}

// Distilled is the context-assembly output.
type Distilled struct {
	Distilled  string
	Sources    []string
	TokensUsed int
}

// DistillForContext retrieves relevant records, buckets them by type, and
// selects within each type's token budget in priority order until maxTokens
// is reached, formatting the survivors as sectioned text.
func (m *Manager) DistillForContext(ctx context.Context, userID, query string, maxTokens int) (Distilled, error) {
	var out Distilled
	if maxTokens <= 0 {
		return out, fmt.Errorf("memory: maxTokens must be positive: %w", memerr.ErrInputValidation)
	}

	qr, err := m.Query(ctx, userID, query, QueryOptions{MaxResults: distillFetchLimit})
	if err != nil {
		return out, err
	}

	buckets := make(map[model.MemoryType][]*model.MemoryRecord)
	for _, sm := range qr.Memories {
		t := sm.Record.Metadata.Type
		buckets[t] = append(buckets[t], sm.Record)
	}

	alloc := m.budget.AllocateTokens(maxTokens)

	var sb strings.Builder
	for _, t := range distillOrder {
		recs := buckets[t]
		if len(recs) == 0 {
			continue
		}
		remaining := maxTokens - out.TokensUsed
		if remaining <= 0 {
			break
		}
		typeBudget := alloc.ForType(t)
		if typeBudget > remaining {
			typeBudget = remaining
		}

		sel := m.budget.SelectWithinBudget(recs, typeBudget, budget.StrategyRelevance)
		if len(sel.Records) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(sectionHeaders[t])
		sb.WriteString("\n")
		for _, rec := range sel.Records {
			sb.WriteString("- ")
			sb.WriteString(rec.Content)
			sb.WriteString("\n")
			out.Sources = append(out.Sources, rec.ID)
		}
		out.TokensUsed += sel.TokensUsed
	}

	out.Distilled = sb.String()
	return out, nil
}

// ── compression, lifecycle, stats ─────────────────────────────────────────────

// CompressionResult reports one auto-compression call.
type CompressionResult struct {
	Compressed  bool
	Triggers    []compress.Trigger
	Deleted     int
	Created     int
	TokensSaved int
	Errors      []string
}

// AutoCompress evaluates the compression policy for one user and runs the
// engine when any trigger fires.
func (m *Manager) AutoCompress(ctx context.Context, userID string) (CompressionResult, error) {
	var res CompressionResult

	recs := m.vectors.GetByUser(userID)
	res.Triggers = m.policy.Evaluate(recs)
	if len(res.Triggers) == 0 {
		return res, nil
	}
	m.compressionRuns.Add(ctx, 1)

	report, err := m.engine.Compress(ctx, userID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, fmt.Errorf("memory: compress: %w", err)
	}
	res.Compressed = report.Compressed
	res.Deleted = report.Deleted
	res.Created = report.Created
	res.TokensSaved = report.TokensSaved
	return res, nil
}

// EvaluateLifecycle runs a lifecycle evaluation for one user.
func (m *Manager) EvaluateLifecycle(ctx context.Context, userID string) (lifecycle.Result, error) {
	m.lifecycleEvalCount.Add(ctx, 1)
	return m.lifecycle.Evaluate(ctx, userID)
}

// LifecycleStats summarizes a user's memory population.
func (m *Manager) LifecycleStats(userID string) lifecycle.Stats {
	return m.lifecycle.StatsFor(userID)
}

// StartLifecycle launches the periodic lifecycle scheduler.
func (m *Manager) StartLifecycle() { m.lifecycle.Start() }

// StopLifecycle halts the scheduler.
func (m *Manager) StopLifecycle() { m.lifecycle.Stop() }

// MemoryStats combines store and conflict diagnostics.
type MemoryStats struct {
	Vector    vector.Stats
	Graph     graph.Stats
	TypeCount map[model.MemoryType]int
}

// Stats returns storage and graph diagnostics for one user.
func (m *Manager) Stats(userID string) MemoryStats {
	st := MemoryStats{
		Vector:    m.vectors.StatsForUser(userID),
		Graph:     m.graphIndex.IndexStats(),
		TypeCount: make(map[model.MemoryType]int),
	}
	for _, rec := range m.vectors.GetByUser(userID) {
		st.TypeCount[rec.Metadata.Type]++
	}
	return st
}

// Persist flushes the vector store.
func (m *Manager) Persist(ctx context.Context) error {
	return m.vectors.Persist(ctx)
}

// Close stops the scheduler and flushes all stores.
func (m *Manager) Close(ctx context.Context) error {
	m.lifecycle.Stop()
	var firstErr error
	if err := m.vectors.Close(ctx); err != nil {
		firstErr = err
	}
	if err := m.keywords.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.graphStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.embedder.Close()
	return firstErr
}
