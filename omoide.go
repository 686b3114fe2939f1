// Package omoide is the public API for embedding the Omoide memory core.
//
// A gateway or agent runtime imports this package to construct the core and
// feed it conversation turns:
//
//	core, err := omoide.New(
//	    omoide.WithLogger(logger),
//	    omoide.WithDataDir("/var/lib/omoide"),
//	)
//	if err != nil { ... }
//	defer core.Close(context.Background())
//
//	res, err := core.UpdateMemory(ctx, "u1", "我喜欢Python", omoide.UpdateOptions{})
//
// The import graph enforces a strict no-cycle rule: omoide (root) imports
// internal/*, but internal/* never imports omoide. Public result types are
// standalone structs; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package omoide

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/omoide/internal/bm25"
	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/compress"
	"github.com/ashita-ai/omoide/internal/config"
	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/extract"
	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/lifecycle"
	"github.com/ashita-ai/omoide/internal/memory"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/telemetry"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Core is the assembled memory system. Construct with New(); one Core serves
// all users of the process.
type Core struct {
	cfg          config.Config
	manager      *memory.Manager
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the memory core: loads configuration, opens the vector
// store, BM25 index, and graph database under the data directory, rebuilds
// the graph index, and wires the orchestrator. It does not start the
// lifecycle scheduler — call StartLifecycle().
func New(opts ...Option) (*Core, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataDir != "" {
		cfg.MemoryDir = o.dataDir
	}
	if o.embeddingProvider != "" {
		cfg.EmbeddingProvider = o.embeddingProvider
	}
	if o.tokenBudget > 0 {
		cfg.TokenBudget = o.tokenBudget
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("omoide starting", "version", version, "data_dir", cfg.MemoryDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	embedder := embedding.NewService(newEmbeddingProvider(cfg, logger), embedding.Config{
		Dimensions: cfg.EmbeddingDimensions,
		Timeout:    cfg.EmbeddingTimeout,
		MaxRetries: cfg.EmbeddingMaxRetries,
		CacheSize:  cfg.EmbeddingCacheSize,
		CacheTTL:   cfg.EmbeddingCacheTTL,
	}, logger)

	vectors, err := vector.Open(cfg.MemoryDir, embedder, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("vector store: %w", err)
	}

	keywords, err := bm25.Open(filepath.Join(cfg.MemoryDir, "memory_vectors", "bm25.sqlite"), bm25.Options{
		QueryTimeout: cfg.SQLQueryTimeout,
		WriteTimeout: cfg.SQLWriteTimeout,
	}, logger)
	if err != nil {
		_ = vectors.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("bm25 index: %w", err)
	}

	graphStore, err := graph.OpenStore(filepath.Join(cfg.MemoryDir, "memory", "graph.sqlite"), graph.StoreOptions{
		QueryTimeout: cfg.SQLQueryTimeout,
		WriteTimeout: cfg.SQLWriteTimeout,
	}, logger)
	if err != nil {
		_ = keywords.Close()
		_ = vectors.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("graph store: %w", err)
	}

	var llm extract.LLMClient
	if o.llm != nil {
		llm = &llmAdapter{client: o.llm}
	}

	mgr := memory.NewManager(memory.Deps{
		Vectors:    vectors,
		Keywords:   keywords,
		GraphStore: graphStore,
		GraphIndex: graph.NewIndex(),
		Embedder:   embedder,
		Extractor:  extract.NewExtractor(llm, logger),
		Budget:     budget.NewManager(cfg.TokenBudget),
		Policy: compress.NewPolicy(compress.PolicyConfig{
			TokenBudget:         cfg.TokenBudget,
			TokenThresholdPct:   cfg.CompressionTokenThresholdPct,
			CountLimit:          cfg.CompressionCountLimit,
			AgeDaysThreshold:    cfg.CompressionAgeDays,
			RedundancyThreshold: cfg.CompressionRedundancyThreshold,
		}),
		Logger: logger,
	}, lifecycle.Config{
		Interval:           cfg.LifecycleInterval,
		MaxMemoriesPerUser: cfg.MaxMemoriesPerUser,
		EnforceHardCap:     cfg.LifecycleEnforceCap,
	})

	// The index must be rebuilt from the store before it answers traversal
	// queries.
	if err := mgr.RebuildGraphIndex(context.Background()); err != nil {
		_ = graphStore.Close()
		_ = keywords.Close()
		_ = vectors.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("graph index: %w", err)
	}

	return &Core{
		cfg:          cfg,
		manager:      mgr,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// newEmbeddingProvider selects the provider from configuration. Anthropic has
// no native embeddings endpoint; configuring it yields the deterministic
// fallback, reported with an "anthropic-fallback" model name.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when EMBEDDING_PROVIDER=openai, using simple provider")
			return nil
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	case "local":
		logger.Info("embedding provider: local", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel)
		return embedding.NewLocalProvider(cfg.OllamaURL, cfg.EmbeddingModel)
	case "anthropic":
		logger.Warn("embedding provider: anthropic has no embeddings endpoint, using deterministic fallback")
		return embedding.NewAnthropicProvider(cfg.EmbeddingDimensions)
	default:
		logger.Info("embedding provider: simple (deterministic)")
		return nil
	}
}

// UpdateMemory ingests one input for a user.
func (c *Core) UpdateMemory(ctx context.Context, userID, input string, opts UpdateOptions) (UpdateResult, error) {
	res, err := c.manager.UpdateMemory(ctx, userID, input, memory.UpdateOptions{
		DetectConflicts:      !opts.SkipConflictDetection,
		AutoResolveConflicts: opts.AutoResolveConflicts,
		ExtractGraph:         !opts.SkipGraphExtraction,
	})
	return toPublicUpdateResult(res), err
}

// Query runs hybrid retrieval for a user.
func (c *Core) Query(ctx context.Context, userID, query string, opts QueryOptions) (QueryResult, error) {
	res, err := c.manager.Query(ctx, userID, query, memory.QueryOptions{
		MaxResults:        opts.MaxResults,
		SemanticThreshold: opts.SemanticThreshold,
		IncludeGraph:      opts.IncludeGraph,
		GraphEntityName:   opts.GraphEntityName,
		IncludeConflicts:  opts.IncludeConflicts,
	})
	return toPublicQueryResult(res), err
}

// DistillForContext assembles a token-budgeted context block for a prompt.
func (c *Core) DistillForContext(ctx context.Context, userID, query string, maxTokens int) (Distilled, error) {
	d, err := c.manager.DistillForContext(ctx, userID, query, maxTokens)
	return Distilled{Distilled: d.Distilled, Sources: d.Sources, TokensUsed: d.TokensUsed}, err
}

// AutoCompress evaluates and, when triggered, runs compression for a user.
func (c *Core) AutoCompress(ctx context.Context, userID string) (CompressionResult, error) {
	r, err := c.manager.AutoCompress(ctx, userID)
	out := CompressionResult{
		Compressed:  r.Compressed,
		Deleted:     r.Deleted,
		Created:     r.Created,
		TokensSaved: r.TokensSaved,
		Errors:      r.Errors,
	}
	for _, t := range r.Triggers {
		out.Triggers = append(out.Triggers, string(t))
	}
	return out, err
}

// EvaluateLifecycle runs one lifecycle evaluation for a user.
func (c *Core) EvaluateLifecycle(ctx context.Context, userID string) (LifecycleResult, error) {
	r, err := c.manager.EvaluateLifecycle(ctx, userID)
	return LifecycleResult{
		Evaluated:  r.Evaluated,
		Deleted:    r.Deleted,
		Upgraded:   r.Upgraded,
		Downgraded: r.Downgraded,
		Kept:       r.Kept,
		CapDeleted: r.CapDeleted,
		Errors:     r.Errors,
	}, err
}

// LifecycleStats summarizes a user's memory population.
func (c *Core) LifecycleStats(userID string) LifecycleStats {
	s := c.manager.LifecycleStats(userID)
	out := LifecycleStats{
		TotalCount:         s.TotalCount,
		ByType:             make(map[string]int, len(s.ByType)),
		AverageImportance:  s.AverageImportance,
		AverageAccessCount: s.AverageAccessCount,
		AverageAge:         s.AverageAge,
	}
	for t, n := range s.ByType {
		out.ByType[string(t)] = n
	}
	return out
}

// Stats returns storage and graph diagnostics for a user.
func (c *Core) Stats(userID string) Stats {
	s := c.manager.Stats(userID)
	out := Stats{
		TotalRecords:    s.Vector.TotalRecords,
		UserRecords:     s.Vector.UserRecords,
		Dirty:           s.Vector.Dirty,
		Entities:        s.Graph.Entities,
		Relations:       s.Graph.Relations,
		ByType:          make(map[string]int, len(s.TypeCount)),
		EntitiesByType:  make(map[string]int, len(s.Graph.EntitiesByType)),
		RelationsByType: make(map[string]int, len(s.Graph.RelationsByType)),
	}
	for t, n := range s.TypeCount {
		out.ByType[string(t)] = n
	}
	for t, n := range s.Graph.EntitiesByType {
		out.EntitiesByType[string(t)] = n
	}
	for t, n := range s.Graph.RelationsByType {
		out.RelationsByType[string(t)] = n
	}
	return out
}

// StartLifecycle launches the periodic lifecycle scheduler.
func (c *Core) StartLifecycle() { c.manager.StartLifecycle() }

// StopLifecycle halts the scheduler.
func (c *Core) StopLifecycle() { c.manager.StopLifecycle() }

// GetNeighbors returns entities adjacent to id with their connecting
// relations. Direction is "out", "in", or "both".
func (c *Core) GetNeighbors(id, direction string) ([]Entity, []Relation) {
	nb := c.manager.GetNeighbors(id, graph.Direction(direction))
	return toPublicEntities(nb.Entities), toPublicRelations(nb.Relations)
}

// FindPaths runs bounded BFS between two entities.
func (c *Core) FindPaths(src, tgt string, maxDepth int) []Path {
	paths := c.manager.FindPaths(src, tgt, maxDepth)
	out := make([]Path, 0, len(paths))
	for _, p := range paths {
		out = append(out, Path{
			Entities:  toPublicEntities(p.Entities),
			Relations: toPublicRelations(p.Relations),
			Score:     p.Score,
		})
	}
	return out
}

// ExtractSubgraph returns the entities and relations within radius hops of
// center.
func (c *Core) ExtractSubgraph(center string, radius int) ([]Entity, []Relation) {
	nb := c.manager.ExtractSubgraph(center, radius)
	return toPublicEntities(nb.Entities), toPublicRelations(nb.Relations)
}

// QueryEntities returns graph entities matching the filter.
func (c *Core) QueryEntities(ctx context.Context, f EntityFilter) ([]Entity, error) {
	ents, err := c.manager.QueryEntities(ctx, graph.EntityFilter{
		UserID: f.UserID,
		Type:   model.EntityType(f.Type),
		Name:   f.Name,
		Limit:  f.Limit,
	})
	if err != nil {
		return nil, err
	}
	return toPublicEntities(ents), nil
}

// QueryRelations returns graph relations matching the filter.
func (c *Core) QueryRelations(ctx context.Context, f RelationFilter) ([]Relation, error) {
	rels, err := c.manager.QueryRelations(ctx, graph.RelationFilter{
		UserID:   f.UserID,
		Type:     model.RelationType(f.Type),
		SourceID: f.SourceID,
		TargetID: f.TargetID,
		Limit:    f.Limit,
	})
	if err != nil {
		return nil, err
	}
	return toPublicRelations(rels), nil
}

// MergeEntities collapses the given entity ids into the first one.
func (c *Core) MergeEntities(ctx context.Context, ids []string) (Entity, error) {
	e, err := c.manager.MergeEntities(ctx, ids)
	if err != nil {
		return Entity{}, err
	}
	return toPublicEntity(e), nil
}

// Persist flushes any dirty vector-store state to disk.
func (c *Core) Persist(ctx context.Context) error {
	return c.manager.Persist(ctx)
}

// Close stops background work, flushes all stores, and releases resources.
func (c *Core) Close(ctx context.Context) error {
	c.logger.Info("omoide shutting down")
	err := c.manager.Close(ctx)
	_ = c.otelShutdown(ctx)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	c.logger.Info("omoide stopped")
	return nil
}

// llmAdapter bridges the public LLMClient to the internal extraction hook.
type llmAdapter struct {
	client LLMClient
}

func (a *llmAdapter) Generate(ctx context.Context, prompt string) (string, error) {
	return a.client.Generate(ctx, prompt)
}

// queryTimeMillis converts a duration to the milliseconds reported in public
// result metadata.
func queryTimeMillis(d time.Duration) int64 { return d.Milliseconds() }
