package graph_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *graph.Store {
	t.Helper()
	s, err := graph.OpenStore(filepath.Join(t.TempDir(), "graph.sqlite"), graph.StoreOptions{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entity(userID, name string, typ model.EntityType) *model.GraphEntity {
	return &model.GraphEntity{
		ID:         uuid.NewString(),
		Name:       name,
		Type:       typ,
		Confidence: 0.9,
		Metadata:   model.EntityMetadata{UserID: userID, Importance: 0.8},
	}
}

func relation(userID, srcID, tgtID string, typ model.RelationType) *model.GraphRelation {
	return &model.GraphRelation{
		ID:         uuid.NewString(),
		SourceID:   srcID,
		TargetID:   tgtID,
		Type:       typ,
		Confidence: 0.8,
		Temporal:   model.RelationTemporal{Timestamp: model.NowMillis()},
		Source:     model.RelationSource{UserID: userID},
	}
}

func TestUpsertEntity_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := entity("u1", "张三", model.EntityPerson)
	e.Aliases = []string{"小张"}
	e.Properties = map[string]string{"age": "25"}
	require.NoError(t, s.UpsertEntity(ctx, e))

	got, err := s.Entities(ctx, graph.EntityFilter{UserID: "u1", Name: "张三"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, model.EntityPerson, got[0].Type)
	assert.Equal(t, []string{"小张"}, got[0].Aliases)
	assert.Equal(t, map[string]string{"age": "25"}, got[0].Properties)
	assert.Equal(t, 0.8, got[0].Metadata.Importance)
}

func TestUpsertEntity_ReplacesById(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	e := entity("u1", "张三", model.EntityPerson)
	require.NoError(t, s.UpsertEntity(ctx, e))

	e.Confidence = 0.95
	e.Metadata.AccessCount = 4
	require.NoError(t, s.UpsertEntity(ctx, e))

	got, err := s.Entities(ctx, graph.EntityFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.95, got[0].Confidence)
	assert.Equal(t, 4, got[0].Metadata.AccessCount)
}

func TestUpsertRelation_TripleKeepsOriginalID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := entity("u1", "张三", model.EntityPerson)
	b := entity("u1", "明略科技公司", model.EntityOrganization)
	require.NoError(t, s.UpsertEntity(ctx, a))
	require.NoError(t, s.UpsertEntity(ctx, b))

	r1 := relation("u1", a.ID, b.ID, model.RelWorksAt)
	require.NoError(t, s.UpsertRelation(ctx, r1))
	firstID := r1.ID

	// Same triple again with a fresh id: the stored row is updated in place
	// and the caller's id is rewritten to the canonical one.
	r2 := relation("u1", a.ID, b.ID, model.RelWorksAt)
	r2.Confidence = 0.99
	require.NoError(t, s.UpsertRelation(ctx, r2))
	assert.Equal(t, firstID, r2.ID)

	rels, err := s.Relations(ctx, graph.RelationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.99, rels[0].Confidence)
}

func TestDeleteEntity_CascadesRelations(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := entity("u1", "a", model.EntityPerson)
	b := entity("u1", "b", model.EntityLocation)
	c := entity("u1", "c", model.EntityLocation)
	for _, e := range []*model.GraphEntity{a, b, c} {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", a.ID, b.ID, model.RelLocatedIn)))
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", c.ID, a.ID, model.RelKnows)))
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", b.ID, c.ID, model.RelRelatedTo)))

	require.NoError(t, s.DeleteEntity(ctx, a.ID))

	rels, err := s.Relations(ctx, graph.RelationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rels, 1, "only the relation not touching a survives")
	assert.Equal(t, b.ID, rels[0].SourceID)

	ents, err := s.Entities(ctx, graph.EntityFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, ents, 2)
}

func TestRelations_Filters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := entity("u1", "a", model.EntityPerson)
	b := entity("u1", "b", model.EntityOrganization)
	c := entity("u1", "c", model.EntityLocation)
	for _, e := range []*model.GraphEntity{a, b, c} {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", a.ID, b.ID, model.RelWorksAt)))
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", a.ID, c.ID, model.RelLocatedIn)))

	rels, err := s.Relations(ctx, graph.RelationFilter{UserID: "u1", Type: model.RelWorksAt})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, b.ID, rels[0].TargetID)

	rels, err = s.Relations(ctx, graph.RelationFilter{UserID: "u1", SourceID: a.ID})
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	rels, err = s.Relations(ctx, graph.RelationFilter{UserID: "u1", TargetID: c.ID})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, model.RelLocatedIn, rels[0].Type)
}

func TestRelation_TemporalWindowRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := entity("u1", "a", model.EntityEvent)
	b := entity("u1", "b", model.EntityTime)
	require.NoError(t, s.UpsertEntity(ctx, a))
	require.NoError(t, s.UpsertEntity(ctx, b))

	start, end := int64(1000), int64(2000)
	r := relation("u1", a.ID, b.ID, model.RelHappenedAt)
	r.Temporal.StartTime = &start
	r.Temporal.EndTime = &end
	require.NoError(t, s.UpsertRelation(ctx, r))

	rels, err := s.Relations(ctx, graph.RelationFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.NotNil(t, rels[0].Temporal.StartTime)
	require.NotNil(t, rels[0].Temporal.EndTime)
	assert.Equal(t, start, *rels[0].Temporal.StartTime)
	assert.Equal(t, end, *rels[0].Temporal.EndTime)
}

func TestUserIDs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, entity("u1", "a", model.EntityPerson)))
	require.NoError(t, s.UpsertEntity(ctx, entity("u2", "b", model.EntityPerson)))
	require.NoError(t, s.UpsertEntity(ctx, entity("u1", "c", model.EntityLocation)))

	ids, err := s.UserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)
}

func TestAllForUser(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := entity("u1", "a", model.EntityPerson)
	b := entity("u1", "b", model.EntityOrganization)
	require.NoError(t, s.UpsertEntity(ctx, a))
	require.NoError(t, s.UpsertEntity(ctx, b))
	require.NoError(t, s.UpsertEntity(ctx, entity("u2", "other", model.EntityPerson)))
	require.NoError(t, s.UpsertRelation(ctx, relation("u1", a.ID, b.ID, model.RelWorksAt)))

	ents, rels, err := s.AllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, ents, 2)
	assert.Len(t, rels, 1)
}
