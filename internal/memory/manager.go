// Package memory is the orchestrator: it coordinates the vector store, BM25
// index, knowledge graph, conflict resolver, token budget, compression, and
// lifecycle components behind the ingestion and retrieval operations.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/omoide/internal/bm25"
	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/compress"
	"github.com/ashita-ai/omoide/internal/conflicts"
	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/extract"
	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/lifecycle"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/telemetry"
	"github.com/ashita-ai/omoide/internal/txlog"
	"github.com/ashita-ai/omoide/internal/vector"
)

// checkpointBeforeResolution marks the log position before auto-resolution,
// so a failed resolution batch rolls back without undoing the additions.
const checkpointBeforeResolution = "before_conflict_resolution"

// Manager wires all memory subsystems together. One Manager serves all users.
type Manager struct {
	vectors    *vector.Store
	keywords   *bm25.Index
	graphStore *graph.Store
	graphIndex *graph.Index
	embedder   *embedding.Service
	extractor  *extract.Extractor
	detector   *conflicts.Detector
	resolver   *conflicts.Resolver
	budget     *budget.Manager
	policy     *compress.Policy
	engine     *compress.Engine
	lifecycle  *lifecycle.Manager
	logger     *slog.Logger

	updates            metric.Int64Counter
	queries            metric.Int64Counter
	conflictsDetected  metric.Int64Counter
	conflictsResolved  metric.Int64Counter
	compressionRuns    metric.Int64Counter
	lifecycleEvalCount metric.Int64Counter
}

// Deps are the constructor inputs; all are required except Extractor's LLM
// hook, which may be nil inside the extractor itself.
type Deps struct {
	Vectors    *vector.Store
	Keywords   *bm25.Index
	GraphStore *graph.Store
	GraphIndex *graph.Index
	Embedder   *embedding.Service
	Extractor  *extract.Extractor
	Budget     *budget.Manager
	Policy     *compress.Policy
	Logger     *slog.Logger
}

// NewManager creates the orchestrator. The keyword index is attached to the
// vector store so every write and delete path, conflict resolution and
// lifecycle eviction included, keeps both indexes in step.
func NewManager(d Deps, lifecycleCfg lifecycle.Config) *Manager {
	if d.Keywords != nil {
		d.Vectors.AttachKeywords(d.Keywords)
	}

	meter := telemetry.Meter("github.com/ashita-ai/omoide/internal/memory")
	updates, _ := meter.Int64Counter("memory.enhanced.update")
	queries, _ := meter.Int64Counter("memory.enhanced.query")
	detected, _ := meter.Int64Counter("memory.conflicts.detected")
	resolved, _ := meter.Int64Counter("memory.conflicts.resolved")
	compRuns, _ := meter.Int64Counter("memory.compression.runs")
	lcEvals, _ := meter.Int64Counter("memory.lifecycle.evaluations")

	return &Manager{
		vectors:            d.Vectors,
		keywords:           d.Keywords,
		graphStore:         d.GraphStore,
		graphIndex:         d.GraphIndex,
		embedder:           d.Embedder,
		extractor:          d.Extractor,
		detector:           conflicts.NewDetector(),
		resolver:           conflicts.NewResolver(d.Vectors, d.Logger),
		budget:             d.Budget,
		policy:             d.Policy,
		engine:             compress.NewEngine(d.Vectors, d.Logger),
		lifecycle:          lifecycle.NewManager(d.Vectors, lifecycleCfg, d.Logger),
		logger:             d.Logger,
		updates:            updates,
		queries:            queries,
		conflictsDetected:  detected,
		conflictsResolved:  resolved,
		compressionRuns:    compRuns,
		lifecycleEvalCount: lcEvals,
	}
}

// UpdateOptions controls one ingestion call.
type UpdateOptions struct {
	DetectConflicts      bool
	AutoResolveConflicts bool
	ExtractGraph         bool
}

// DefaultUpdateOptions detects conflicts and extracts graph data but leaves
// resolution to explicit opt-in.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{DetectConflicts: true, ExtractGraph: true}
}

// UpdateResult reports one ingestion call.
type UpdateResult struct {
	Success           bool
	VectorsAdded      int
	AddedIDs          []string
	ConflictsDetected []conflicts.Conflict
	ConflictsResolved []conflicts.Resolution
	GraphEntities     int
	GraphRelations    int
	Errors            []string
}

// UpdateMemory extracts structured items from input, stores them, detects
// and optionally resolves conflicts, and runs graph extraction. Non-fatal
// failures land in the result's Errors; the transaction log rolls back the
// rest.
func (m *Manager) UpdateMemory(ctx context.Context, userID, input string, opts UpdateOptions) (UpdateResult, error) {
	var res UpdateResult
	if userID == "" {
		return res, fmt.Errorf("memory: empty userId: %w", memerr.ErrInputValidation)
	}
	m.updates.Add(ctx, 1)

	existing := m.vectors.GetByUser(userID)
	tl := txlog.New(m.logger)

	items := extractStructured(input)
	added := make([]*model.MemoryRecord, 0, len(items))
	for _, it := range items {
		id, err := m.vectors.Add(ctx, it.content, model.Metadata{
			UserID:     userID,
			Type:       it.memType,
			Importance: it.importance,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("add: %v", err))
			if rbErr := tl.Rollback(m.vectors, ""); rbErr != nil {
				m.logger.Error("rollback after failed add", "error", rbErr)
				res.Errors = append(res.Errors, fmt.Sprintf("rollback: %v", rbErr))
			}
			return res, fmt.Errorf("memory: add record: %w", err)
		}
		tl.RecordAdd(id, map[string]any{"type": string(it.memType)})
		res.AddedIDs = append(res.AddedIDs, id)
		res.VectorsAdded++
		if rec := m.vectors.Get(id); rec != nil {
			added = append(added, rec)
		}
	}

	if opts.DetectConflicts {
		for _, rec := range added {
			found := m.detector.Detect(rec, existing)
			res.ConflictsDetected = append(res.ConflictsDetected, found...)
		}
		if n := len(res.ConflictsDetected); n > 0 {
			m.conflictsDetected.Add(ctx, int64(n))
		}
	}

	if opts.AutoResolveConflicts && len(res.ConflictsDetected) > 0 {
		m.autoResolve(ctx, tl, &res)
	}

	if opts.ExtractGraph {
		firstID := ""
		if len(res.AddedIDs) > 0 {
			firstID = res.AddedIDs[0]
		}
		extracted, err := m.extractGraph(ctx, userID, firstID, input)
		if err != nil {
			m.logger.Warn("graph extraction failed", "user_id", userID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("graph: %v", err))
		} else {
			res.GraphEntities = len(extracted.Entities)
			res.GraphRelations = len(extracted.Relations)
		}
	}

	tl.Commit()
	res.Success = true
	return res, nil
}

// autoResolve resolves each auto-resolvable conflict under a checkpoint. On
// failure, resolutions roll back while the additions survive; if even the
// checkpoint rollback fails, a full rollback is attempted, and a critical
// error is recorded rather than propagated.
func (m *Manager) autoResolve(ctx context.Context, tl *txlog.Log, res *UpdateResult) {
	tl.CreateCheckpoint(checkpointBeforeResolution)

	var resolved []conflicts.Resolution
	for _, c := range res.ConflictsDetected {
		if !c.AutoResolvable {
			continue
		}
		r, err := m.resolver.Resolve(ctx, c, tl)
		if err == nil {
			resolved = append(resolved, r)
			continue
		}

		m.logger.Warn("conflict resolution failed, rolling back to checkpoint",
			"conflict_id", c.ID, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("resolve %s: %v", c.ID, err))

		if rbErr := tl.Rollback(m.vectors, checkpointBeforeResolution); rbErr != nil {
			m.logger.Error("checkpoint rollback failed, attempting full rollback", "error", rbErr)
			if fullErr := tl.Rollback(m.vectors, ""); fullErr != nil {
				m.logger.Error("CRITICAL: full rollback failed, store may be inconsistent", "error", fullErr)
				res.Errors = append(res.Errors, fmt.Sprintf("critical: %v: %v", memerr.ErrRollbackFailed, fullErr))
			} else {
				res.VectorsAdded = 0
				res.AddedIDs = nil
			}
		}
		return
	}

	res.ConflictsResolved = resolved
	if len(resolved) > 0 {
		m.conflictsResolved.Add(ctx, int64(len(resolved)))
	}
}

// extractGraph runs extraction and persists the results to the graph store
// and index.
func (m *Manager) extractGraph(ctx context.Context, userID, memoryID, input string) (extract.Result, error) {
	r := m.extractor.Extract(ctx, userID, memoryID, input, model.NowMillis())

	// Re-ingesting a known entity must not mint a second node: reuse the
	// existing id and fold in the new evidence.
	remap := make(map[string]string)
	for _, e := range r.Entities {
		for _, known := range m.graphIndex.EntitiesByName(e.Name) {
			if known.Type == e.Type && known.Metadata.UserID == userID {
				remap[e.ID] = known.ID
				e.ID = known.ID
				e.Aliases = unionAliases(known.Aliases, e.Aliases)
				if known.Confidence > e.Confidence {
					e.Confidence = known.Confidence
				}
				e.Metadata.AccessCount = known.Metadata.AccessCount
				break
			}
		}
		if err := m.graphStore.UpsertEntity(ctx, e); err != nil {
			return r, err
		}
		m.graphIndex.AddEntity(e)
	}
	for _, rel := range r.Relations {
		if id, ok := remap[rel.SourceID]; ok {
			rel.SourceID = id
		}
		if id, ok := remap[rel.TargetID]; ok {
			rel.TargetID = id
		}
		if err := m.graphStore.UpsertRelation(ctx, rel); err != nil {
			return r, err
		}
		m.graphIndex.AddRelation(rel)
	}
	return r, nil
}

func unionAliases(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
