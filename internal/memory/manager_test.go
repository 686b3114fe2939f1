package memory_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/bm25"
	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/compress"
	"github.com/ashita-ai/omoide/internal/conflicts"
	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/extract"
	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/lifecycle"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/memory"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, policyCfg compress.PolicyConfig) *memory.Manager {
	t.Helper()
	m, _ := newManagerWithKeywords(t, policyCfg)
	return m
}

func newManagerWithKeywords(t *testing.T, policyCfg compress.PolicyConfig) (*memory.Manager, *bm25.Index) {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	svc := embedding.NewService(nil, embedding.Config{Dimensions: 128}, logger)
	vs, err := vector.Open(dir, svc, logger)
	require.NoError(t, err)
	kw, err := bm25.Open(filepath.Join(dir, "keywords.sqlite"), bm25.Options{}, logger)
	require.NoError(t, err)
	gs, err := graph.OpenStore(filepath.Join(dir, "graph.sqlite"), graph.StoreOptions{}, logger)
	require.NoError(t, err)

	m := memory.NewManager(memory.Deps{
		Vectors:    vs,
		Keywords:   kw,
		GraphStore: gs,
		GraphIndex: graph.NewIndex(),
		Embedder:   svc,
		Extractor:  extract.NewExtractor(nil, logger),
		Budget:     budget.NewManager(0),
		Policy:     compress.NewPolicy(policyCfg),
		Logger:     logger,
	}, lifecycle.Config{})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, kw
}

func TestUpdateMemory_SelfIntroduction(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	res, err := m.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", memory.DefaultUpdateOptions())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.VectorsAdded, "profile fact covers the sentence")
	assert.GreaterOrEqual(t, res.GraphEntities, 2, "person and employer extracted")
	assert.GreaterOrEqual(t, res.GraphRelations, 1, "employment relation extracted")

	ents, err := m.QueryEntities(ctx, graph.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, model.EntityPerson, ents[0].Type)

	rels, err := m.QueryRelations(ctx, graph.RelationFilter{UserID: "u1", Type: model.RelWorksAt})
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestUpdateMemory_EmptyUser(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})

	_, err := m.UpdateMemory(context.Background(), "", "hello", memory.DefaultUpdateOptions())
	require.ErrorIs(t, err, memerr.ErrInputValidation)
}

func TestUpdateMemory_PinnedAndProfileTypes(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	res, err := m.UpdateMemory(ctx, "u1", "记住：务必使用中文回复", memory.UpdateOptions{})
	require.NoError(t, err)
	require.Len(t, res.AddedIDs, 1)

	st := m.Stats("u1")
	assert.Equal(t, 1, st.TypeCount[model.MemoryPinned])
}

func TestUpdateMemory_EmptyInputAddsNothing(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})

	res, err := m.UpdateMemory(context.Background(), "u1", "   ", memory.UpdateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.VectorsAdded)
}

func TestUpdateMemory_PreferenceFlipAutoResolved(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", memory.UpdateOptions{})
	require.NoError(t, err)

	res, err := m.UpdateMemory(ctx, "u1", "我不喜欢吃辣的食物", memory.UpdateOptions{
		DetectConflicts:      true,
		AutoResolveConflicts: true,
	})
	require.NoError(t, err)

	require.Len(t, res.ConflictsDetected, 1)
	assert.Equal(t, conflicts.KindPreferenceChange, res.ConflictsDetected[0].Kind)
	require.Len(t, res.ConflictsResolved, 1)
	assert.True(t, res.ConflictsResolved[0].Applied)

	// Only the newer statement survives.
	st := m.Stats("u1")
	assert.Equal(t, 1, st.Vector.UserRecords)

	qr, err := m.Query(ctx, "u1", "辣的食物", memory.QueryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, qr.Memories)
	assert.Equal(t, "我不喜欢吃辣的食物", qr.Memories[0].Record.Content)
}

func TestUpdateMemory_ResolvedLoserLeavesKeywordIndex(t *testing.T) {
	m, kw := newManagerWithKeywords(t, compress.PolicyConfig{})
	ctx := context.Background()

	first, err := m.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", memory.UpdateOptions{})
	require.NoError(t, err)
	require.Len(t, first.AddedIDs, 1)
	loser := first.AddedIDs[0]

	res, err := m.UpdateMemory(ctx, "u1", "我不喜欢吃辣的食物", memory.UpdateOptions{
		DetectConflicts:      true,
		AutoResolveConflicts: true,
	})
	require.NoError(t, err)
	require.Len(t, res.ConflictsResolved, 1)

	hits, err := kw.Search(ctx, "辣的食物", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, hits, "the surviving statement stays searchable")
	for _, h := range hits {
		assert.NotEqual(t, loser, h.MemoryID, "superseded statement is purged from the keyword index")
	}
}

func TestUpdateMemory_KnownEntityNotDuplicated(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", memory.DefaultUpdateOptions())
	require.NoError(t, err)
	_, err = m.UpdateMemory(ctx, "u1", "张三喜欢爬山", memory.DefaultUpdateOptions())
	require.NoError(t, err)

	ents, err := m.QueryEntities(ctx, graph.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	assert.Len(t, ents, 1, "re-ingesting a known person reuses the node")
}

func TestQuery_HybridRanking(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	for _, text := range []string{
		"我喜欢吃辣的食物",
		"今天开了产品评审会",
		"我每天都去跑步",
	} {
		_, err := m.UpdateMemory(ctx, "u1", text, memory.UpdateOptions{})
		require.NoError(t, err)
	}

	qr, err := m.Query(ctx, "u1", "辣的食物", memory.QueryOptions{MaxResults: 2})
	require.NoError(t, err)

	require.NotEmpty(t, qr.Memories)
	assert.LessOrEqual(t, len(qr.Memories), 2)
	assert.Contains(t, qr.Memories[0].Record.Content, "辣")
	assert.Greater(t, qr.Memories[0].Score, 0.0)
	assert.GreaterOrEqual(t, qr.Metadata.TotalFound, 1)
}

func TestQuery_EmptyUser(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})

	_, err := m.Query(context.Background(), "", "anything", memory.QueryOptions{})
	require.ErrorIs(t, err, memerr.ErrInputValidation)
}

func TestQuery_UserIsolation(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", memory.UpdateOptions{})
	require.NoError(t, err)

	qr, err := m.Query(ctx, "u2", "辣的食物", memory.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, qr.Memories)
}

func TestQuery_IncludeGraph(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", memory.DefaultUpdateOptions())
	require.NoError(t, err)

	qr, err := m.Query(ctx, "u1", "张三在哪里工作", memory.QueryOptions{IncludeGraph: true})
	require.NoError(t, err)

	require.NotNil(t, qr.Graph)
	names := make([]string, 0, len(qr.Graph.Entities))
	for _, e := range qr.Graph.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "张三")
	assert.Contains(t, names, "明略科技公司", "neighbors of the seed come along")
	assert.NotEmpty(t, qr.Graph.Relations)
}

func TestQuery_IncludeConflicts(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	// Detection off at ingest keeps both sides of the contradiction.
	_, err := m.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", memory.UpdateOptions{})
	require.NoError(t, err)
	_, err = m.UpdateMemory(ctx, "u1", "我不喜欢吃辣的食物", memory.UpdateOptions{})
	require.NoError(t, err)

	qr, err := m.Query(ctx, "u1", "辣的食物", memory.QueryOptions{IncludeConflicts: true})
	require.NoError(t, err)
	require.NotEmpty(t, qr.Conflicts)
	assert.Equal(t, conflicts.KindPreferenceChange, qr.Conflicts[0].Kind)
}

func TestDistillForContext_Sections(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	for _, text := range []string{
		"记住：务必使用中文回复",
		"我叫张三",
		"我喜欢吃辣的食物",
		"今天开了产品评审会",
	} {
		_, err := m.UpdateMemory(ctx, "u1", text, memory.UpdateOptions{})
		require.NoError(t, err)
	}

	d, err := m.DistillForContext(ctx, "u1", "介绍一下我自己", 2000)
	require.NoError(t, err)

	assert.Contains(t, d.Distilled, "## Pinned")
	assert.Contains(t, d.Distilled, "- 务必使用中文回复")
	assert.Contains(t, d.Distilled, "## Profile")
	assert.Contains(t, d.Distilled, "- 我叫张三")
	assert.Less(t,
		strings.Index(d.Distilled, "## Pinned"),
		strings.Index(d.Distilled, "## Profile"),
		"pinned section renders before profile")
	assert.NotEmpty(t, d.Sources)
	assert.Positive(t, d.TokensUsed)
	assert.LessOrEqual(t, d.TokensUsed, 2000)
}

func TestDistillForContext_InvalidBudget(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})

	_, err := m.DistillForContext(context.Background(), "u1", "q", 0)
	require.ErrorIs(t, err, memerr.ErrInputValidation)
}

func TestAutoCompress_NoTriggers(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "只有一条短记录", memory.UpdateOptions{})
	require.NoError(t, err)

	res, err := m.AutoCompress(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Compressed)
	assert.Empty(t, res.Triggers)
}

func TestAutoCompress_MergesWhenOverBudget(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{TokenBudget: 10})
	ctx := context.Background()

	for range 2 {
		_, err := m.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", memory.UpdateOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, m.Stats("u1").Vector.UserRecords)

	res, err := m.AutoCompress(ctx, "u1")
	require.NoError(t, err)

	assert.Contains(t, res.Triggers, compress.TriggerTokenLimit)
	assert.True(t, res.Compressed)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, m.Stats("u1").Vector.UserRecords)
}

func TestEvaluateLifecycleAndStats(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "今天开了产品评审会", memory.UpdateOptions{})
	require.NoError(t, err)

	res, err := m.EvaluateLifecycle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Kept)

	st := m.LifecycleStats("u1")
	assert.Equal(t, 1, st.TotalCount)
}

func TestMergeEntities(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", memory.DefaultUpdateOptions())
	require.NoError(t, err)
	_, err = m.UpdateMemory(ctx, "u1", "我叫李四", memory.DefaultUpdateOptions())
	require.NoError(t, err)

	zhang, err := m.QueryEntities(ctx, graph.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	require.Len(t, zhang, 1)
	li, err := m.QueryEntities(ctx, graph.EntityFilter{UserID: "u1", Name: "李四"})
	require.NoError(t, err)
	require.Len(t, li, 1)

	survivor, err := m.MergeEntities(ctx, []string{li[0].ID, zhang[0].ID})
	require.NoError(t, err)

	assert.Equal(t, li[0].ID, survivor.ID)
	assert.Contains(t, survivor.Aliases, "张三", "merged name becomes an alias")

	gone, err := m.QueryEntities(ctx, graph.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	assert.Empty(t, gone)

	// The employment relation is repointed at the survivor.
	rels, err := m.QueryRelations(ctx, graph.RelationFilter{UserID: "u1", Type: model.RelWorksAt})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, survivor.ID, rels[0].SourceID)
}

func TestMergeEntities_Validation(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.MergeEntities(ctx, []string{"only-one"})
	require.ErrorIs(t, err, memerr.ErrInputValidation)

	_, err = m.MergeEntities(ctx, []string{"ghost-a", "ghost-b"})
	require.ErrorIs(t, err, memerr.ErrNotFound)
}

func TestRebuildGraphIndex(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", memory.DefaultUpdateOptions())
	require.NoError(t, err)

	require.NoError(t, m.RebuildGraphIndex(ctx))

	st := m.Stats("u1")
	assert.GreaterOrEqual(t, st.Graph.Entities, 2)
	assert.GreaterOrEqual(t, st.Graph.Relations, 1)
}

func TestPersist(t *testing.T) {
	m := newManager(t, compress.PolicyConfig{})
	ctx := context.Background()

	_, err := m.UpdateMemory(ctx, "u1", "持久化测试记录", memory.UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Persist(ctx))
	assert.False(t, m.Stats("u1").Vector.Dirty)
}
