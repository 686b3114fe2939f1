package memory

import (
	"context"
	"fmt"

	"github.com/ashita-ai/omoide/internal/graph"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// QueryEntities filters graph entities through the persistent store.
func (m *Manager) QueryEntities(ctx context.Context, f graph.EntityFilter) ([]*model.GraphEntity, error) {
	return m.graphStore.Entities(ctx, f)
}

// QueryRelations filters graph relations through the persistent store.
func (m *Manager) QueryRelations(ctx context.Context, f graph.RelationFilter) ([]*model.GraphRelation, error) {
	return m.graphStore.Relations(ctx, f)
}

// GetNeighbors returns adjacent entities and relations from the in-memory
// index.
func (m *Manager) GetNeighbors(id string, dir graph.Direction) graph.Neighborhood {
	return m.graphIndex.Neighbors(id, dir)
}

// FindPaths runs bounded BFS between two entities.
func (m *Manager) FindPaths(src, tgt string, maxDepth int) []graph.Path {
	return m.graphIndex.FindPaths(src, tgt, maxDepth)
}

// ExtractSubgraph returns the entities and relations within radius hops of
// center.
func (m *Manager) ExtractSubgraph(center string, radius int) graph.Neighborhood {
	return m.graphIndex.Subgraph(center, radius)
}

// MergeEntities collapses the given entities into the first id: aliases are
// unioned, the max confidence wins, properties merge with the survivor taking
// precedence, and every relation endpoint is rewritten before the losers are
// deleted.
func (m *Manager) MergeEntities(ctx context.Context, ids []string) (*model.GraphEntity, error) {
	if len(ids) < 2 {
		return nil, fmt.Errorf("memory: merge needs at least two entities: %w", memerr.ErrInputValidation)
	}

	survivor := m.graphIndex.Entity(ids[0])
	if survivor == nil {
		return nil, fmt.Errorf("memory: merge survivor %s: %w", ids[0], memerr.ErrNotFound)
	}

	for _, loserID := range ids[1:] {
		loser := m.graphIndex.Entity(loserID)
		if loser == nil {
			return nil, fmt.Errorf("memory: merge loser %s: %w", loserID, memerr.ErrNotFound)
		}

		survivor.Aliases = unionAliases(survivor.Aliases, append([]string{loser.Name}, loser.Aliases...))
		if loser.Confidence > survivor.Confidence {
			survivor.Confidence = loser.Confidence
		}
		for k, v := range loser.Properties {
			if survivor.Properties == nil {
				survivor.Properties = make(map[string]string)
			}
			if _, exists := survivor.Properties[k]; !exists {
				survivor.Properties[k] = v
			}
		}
		survivor.Metadata.AccessCount += loser.Metadata.AccessCount
		if loser.Metadata.Importance > survivor.Metadata.Importance {
			survivor.Metadata.Importance = loser.Metadata.Importance
		}

		if err := m.repointRelations(ctx, loserID, survivor.ID); err != nil {
			return nil, err
		}
		if err := m.graphStore.DeleteEntity(ctx, loserID); err != nil {
			return nil, fmt.Errorf("memory: merge delete %s: %w", loserID, err)
		}
		m.graphIndex.RemoveEntity(loserID)
	}

	if err := m.graphStore.UpsertEntity(ctx, survivor); err != nil {
		return nil, fmt.Errorf("memory: merge upsert survivor: %w", err)
	}
	m.graphIndex.AddEntity(survivor)

	m.logger.Info("entities merged", "survivor", survivor.ID, "merged", len(ids)-1)
	return survivor, nil
}

// repointRelations rewrites every relation touching from so it references to
// instead, skipping rewrites that would create a self-loop.
func (m *Manager) repointRelations(ctx context.Context, from, to string) error {
	rewrite := func(rels []*model.GraphRelation) error {
		for _, r := range rels {
			if err := m.graphStore.DeleteRelation(ctx, r.ID); err != nil {
				return fmt.Errorf("memory: repoint delete relation %s: %w", r.ID, err)
			}
			m.graphIndex.RemoveRelation(r.ID)

			if r.SourceID == from {
				r.SourceID = to
			}
			if r.TargetID == from {
				r.TargetID = to
			}
			if r.SourceID == r.TargetID {
				continue
			}
			if err := m.graphStore.UpsertRelation(ctx, r); err != nil {
				return fmt.Errorf("memory: repoint upsert relation: %w", err)
			}
			m.graphIndex.AddRelation(r)
		}
		return nil
	}

	asSource, err := m.graphStore.Relations(ctx, graph.RelationFilter{SourceID: from})
	if err != nil {
		return err
	}
	if err := rewrite(asSource); err != nil {
		return err
	}
	asTarget, err := m.graphStore.Relations(ctx, graph.RelationFilter{TargetID: from})
	if err != nil {
		return err
	}
	return rewrite(asTarget)
}

// RebuildGraphIndex reloads the in-memory index from the persistent store.
// Must run before the index answers traversal queries.
func (m *Manager) RebuildGraphIndex(ctx context.Context) error {
	users, err := m.graphStore.UserIDs(ctx)
	if err != nil {
		return fmt.Errorf("memory: rebuild graph index: %w", err)
	}
	var entities []*model.GraphEntity
	var relations []*model.GraphRelation
	for _, userID := range users {
		es, rs, err := m.graphStore.AllForUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("memory: rebuild graph index for %s: %w", userID, err)
		}
		entities = append(entities, es...)
		relations = append(relations, rs...)
	}
	m.graphIndex.Build(entities, relations)
	return nil
}
