package omoide_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCore(t *testing.T, dir string) *omoide.Core {
	t.Helper()
	core, err := omoide.New(
		omoide.WithDataDir(dir),
		omoide.WithLogger(testLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close(context.Background()) })
	return core
}

func TestCore_UpdateAndQuery(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	res, err := core.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", omoide.UpdateOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.VectorsAdded)
	assert.GreaterOrEqual(t, res.GraphEntities, 2)

	qr, err := core.Query(ctx, "u1", "张三", omoide.QueryOptions{IncludeGraph: true})
	require.NoError(t, err)
	require.NotEmpty(t, qr.Memories)
	assert.Contains(t, qr.Memories[0].Memory.Content, "张三")
	assert.Equal(t, omoide.TypeProfile, qr.Memories[0].Memory.Type)
	require.NotNil(t, qr.Graph)
	assert.NotEmpty(t, qr.Graph.Entities)
}

func TestCore_AutoResolveConflicts(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	_, err := core.UpdateMemory(ctx, "u1", "我喜欢吃辣的食物", omoide.UpdateOptions{})
	require.NoError(t, err)

	res, err := core.UpdateMemory(ctx, "u1", "我不喜欢吃辣的食物", omoide.UpdateOptions{
		AutoResolveConflicts: true,
	})
	require.NoError(t, err)

	require.Len(t, res.ConflictsDetected, 1)
	assert.Equal(t, "preference_change", res.ConflictsDetected[0].Kind)
	require.Len(t, res.ConflictsResolved, 1)
	assert.True(t, res.ConflictsResolved[0].Applied)
	assert.Equal(t, 1, core.Stats("u1").UserRecords)
}

func TestCore_DistillForContext(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	_, err := core.UpdateMemory(ctx, "u1", "记住：务必使用中文回复", omoide.UpdateOptions{})
	require.NoError(t, err)

	d, err := core.DistillForContext(ctx, "u1", "回复风格", 1000)
	require.NoError(t, err)
	assert.Contains(t, d.Distilled, "## Pinned")
	assert.NotEmpty(t, d.Sources)
}

func TestCore_PersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	core, err := omoide.New(omoide.WithDataDir(dir), omoide.WithLogger(testLogger()))
	require.NoError(t, err)
	_, err = core.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", omoide.UpdateOptions{})
	require.NoError(t, err)
	require.NoError(t, core.Close(ctx))

	reopened := newCore(t, dir)
	st := reopened.Stats("u1")
	assert.Equal(t, 1, st.UserRecords, "vector store survives restart")
	assert.GreaterOrEqual(t, st.Entities, 2, "graph index rebuilt from the store")

	qr, err := reopened.Query(ctx, "u1", "张三", omoide.QueryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, qr.Memories)
}

func TestCore_GraphTraversal(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	_, err := core.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", omoide.UpdateOptions{})
	require.NoError(t, err)

	qr, err := core.Query(ctx, "u1", "张三", omoide.QueryOptions{IncludeGraph: true})
	require.NoError(t, err)
	require.NotNil(t, qr.Graph)
	require.NotEmpty(t, qr.Graph.Entities)

	var personID string
	for _, e := range qr.Graph.Entities {
		if e.Name == "张三" {
			personID = e.ID
		}
	}
	require.NotEmpty(t, personID)

	ents, rels := core.GetNeighbors(personID, "out")
	assert.NotEmpty(t, ents)
	assert.NotEmpty(t, rels)

	subEnts, _ := core.ExtractSubgraph(personID, 2)
	assert.GreaterOrEqual(t, len(subEnts), 2)
}

func TestCore_QueryEntitiesAndRelations(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	_, err := core.UpdateMemory(ctx, "u1", "我叫张三，在明略科技工作", omoide.UpdateOptions{})
	require.NoError(t, err)

	ents, err := core.QueryEntities(ctx, omoide.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "PERSON", ents[0].Type)

	rels, err := core.QueryRelations(ctx, omoide.RelationFilter{UserID: "u1", SourceID: ents[0].ID})
	require.NoError(t, err)
	require.NotEmpty(t, rels)
	assert.Equal(t, "WORKS_AT", rels[0].Type)
}

func TestCore_LifecycleAndStats(t *testing.T) {
	core := newCore(t, t.TempDir())
	ctx := context.Background()

	_, err := core.UpdateMemory(ctx, "u1", "今天开了产品评审会", omoide.UpdateOptions{})
	require.NoError(t, err)

	lr, err := core.EvaluateLifecycle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, lr.Evaluated)
	assert.Equal(t, 1, lr.Kept)

	ls := core.LifecycleStats("u1")
	assert.Equal(t, 1, ls.TotalCount)
	assert.Equal(t, 1, ls.ByType[omoide.TypeShortTerm])

	core.StartLifecycle()
	core.StopLifecycle()
}
