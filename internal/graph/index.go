package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/omoide/internal/model"
)

// Direction selects edge orientation for traversals.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Index is the in-memory adjacency view of the graph, kept in sync with the
// Store. Reads are parallel-safe; mutations follow the single-writer
// discipline of graph operations, so the path cache only needs the index
// lock.
type Index struct {
	mu sync.RWMutex

	entities map[string]*model.GraphEntity
	outgoing map[string][]*model.GraphRelation // sourceId → relations
	incoming map[string][]*model.GraphRelation // targetId → relations
	byName   map[string]map[string]struct{}    // name → entity ids
	byType   map[model.EntityType]map[string]struct{}

	pathCache map[string][]Path // "src:tgt:depth" → paths
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	idx := &Index{}
	idx.resetLocked()
	return idx
}

func (ix *Index) resetLocked() {
	ix.entities = make(map[string]*model.GraphEntity)
	ix.outgoing = make(map[string][]*model.GraphRelation)
	ix.incoming = make(map[string][]*model.GraphRelation)
	ix.byName = make(map[string]map[string]struct{})
	ix.byType = make(map[model.EntityType]map[string]struct{})
	ix.pathCache = make(map[string][]Path)
}

// Build replaces the index contents from a store snapshot. Building twice
// over the same inputs yields identical adjacency lists and an empty path
// cache.
func (ix *Index) Build(entities []*model.GraphEntity, relations []*model.GraphRelation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.resetLocked()
	for _, e := range entities {
		ix.addEntityLocked(e.Clone())
	}
	for _, r := range relations {
		ix.addRelationLocked(r.Clone())
	}
}

// AddEntity inserts or replaces an entity and clears the path cache.
func (ix *Index) AddEntity(e *model.GraphEntity) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.entities[e.ID]; ok {
		ix.unindexEntityLocked(old)
	}
	ix.addEntityLocked(e.Clone())
	ix.pathCache = make(map[string][]Path)
}

func (ix *Index) addEntityLocked(e *model.GraphEntity) {
	ix.entities[e.ID] = e
	ids, ok := ix.byName[e.Name]
	if !ok {
		ids = make(map[string]struct{})
		ix.byName[e.Name] = ids
	}
	ids[e.ID] = struct{}{}
	tids, ok := ix.byType[e.Type]
	if !ok {
		tids = make(map[string]struct{})
		ix.byType[e.Type] = tids
	}
	tids[e.ID] = struct{}{}
}

func (ix *Index) unindexEntityLocked(e *model.GraphEntity) {
	if ids := ix.byName[e.Name]; ids != nil {
		delete(ids, e.ID)
		if len(ids) == 0 {
			delete(ix.byName, e.Name)
		}
	}
	if tids := ix.byType[e.Type]; tids != nil {
		delete(tids, e.ID)
		if len(tids) == 0 {
			delete(ix.byType, e.Type)
		}
	}
}

// AddRelation inserts or replaces a relation and clears the path cache.
func (ix *Index) AddRelation(r *model.GraphRelation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeRelationLocked(r.ID)
	ix.addRelationLocked(r.Clone())
	ix.pathCache = make(map[string][]Path)
}

func (ix *Index) addRelationLocked(r *model.GraphRelation) {
	ix.outgoing[r.SourceID] = append(ix.outgoing[r.SourceID], r)
	ix.incoming[r.TargetID] = append(ix.incoming[r.TargetID], r)
}

// RemoveEntity drops an entity and all relations touching it.
func (ix *Index) RemoveEntity(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entities[id]
	if !ok {
		return
	}
	ix.unindexEntityLocked(e)
	delete(ix.entities, id)

	var doomed []string
	for _, r := range ix.outgoing[id] {
		doomed = append(doomed, r.ID)
	}
	for _, r := range ix.incoming[id] {
		doomed = append(doomed, r.ID)
	}
	for _, rid := range doomed {
		ix.removeRelationLocked(rid)
	}
	ix.pathCache = make(map[string][]Path)
}

// RemoveRelation drops a relation by id.
func (ix *Index) RemoveRelation(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeRelationLocked(id)
	ix.pathCache = make(map[string][]Path)
}

func (ix *Index) removeRelationLocked(id string) {
	filter := func(rels []*model.GraphRelation) []*model.GraphRelation {
		out := rels[:0]
		for _, r := range rels {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return out
	}
	for key, rels := range ix.outgoing {
		ix.outgoing[key] = filter(rels)
		if len(ix.outgoing[key]) == 0 {
			delete(ix.outgoing, key)
		}
	}
	for key, rels := range ix.incoming {
		ix.incoming[key] = filter(rels)
		if len(ix.incoming[key]) == 0 {
			delete(ix.incoming, key)
		}
	}
}

// Entity returns a copy of the entity, or nil.
func (ix *Index) Entity(id string) *model.GraphEntity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if e, ok := ix.entities[id]; ok {
		return e.Clone()
	}
	return nil
}

// EntitiesByName returns copies of entities whose name or alias matches name
// exactly.
func (ix *Index) EntitiesByName(name string) []*model.GraphEntity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*model.GraphEntity
	for id := range ix.byName[name] {
		seen[id] = struct{}{}
		out = append(out, ix.entities[id].Clone())
	}
	// Alias matches are not name-indexed; scan remaining entities.
	for id, e := range ix.entities {
		if _, dup := seen[id]; dup {
			continue
		}
		if e.HasAlias(name) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// EntitiesByType returns copies of all entities with the given type.
func (ix *Index) EntitiesByType(t model.EntityType) []*model.GraphEntity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*model.GraphEntity
	for id := range ix.byType[t] {
		out = append(out, ix.entities[id].Clone())
	}
	return out
}

// TopEntities returns up to limit entities ordered by importance descending.
func (ix *Index) TopEntities(limit int) []*model.GraphEntity {
	ix.mu.RLock()
	all := make([]*model.GraphEntity, 0, len(ix.entities))
	for _, e := range ix.entities {
		all = append(all, e.Clone())
	}
	ix.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Metadata.Importance > all[j].Metadata.Importance
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Neighborhood is the result of a neighbor query.
type Neighborhood struct {
	Entities  []*model.GraphEntity
	Relations []*model.GraphRelation
}

// Neighbors returns the union of adjacent entities and their connecting
// relations in the requested direction.
func (ix *Index) Neighbors(id string, dir Direction) Neighborhood {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var nb Neighborhood
	seen := make(map[string]struct{})

	add := func(entityID string, rel *model.GraphRelation) {
		nb.Relations = append(nb.Relations, rel.Clone())
		if _, dup := seen[entityID]; dup {
			return
		}
		if e, ok := ix.entities[entityID]; ok {
			seen[entityID] = struct{}{}
			nb.Entities = append(nb.Entities, e.Clone())
		}
	}

	if dir == DirOut || dir == DirBoth {
		for _, r := range ix.outgoing[id] {
			add(r.TargetID, r)
		}
	}
	if dir == DirIn || dir == DirBoth {
		for _, r := range ix.incoming[id] {
			add(r.SourceID, r)
		}
	}
	return nb
}

// Path is one discovered path between two entities.
type Path struct {
	Entities  []*model.GraphEntity
	Relations []*model.GraphRelation
	Score     float64
}

// Length returns the number of hops.
func (p Path) Length() int { return len(p.Relations) }

// FindPaths runs a BFS from src to tgt bounded by maxDepth (default 3), with
// cycle avoidance: no entity may appear twice on a path. Paths are scored by
// mean(entity importance) × mean(relation confidence) / (1 + length) and
// returned in descending score order. Depth 0 yields nothing; src == tgt
// yields nothing because any return path would revisit src.
func (ix *Index) FindPaths(src, tgt string, maxDepth int) []Path {
	if maxDepth <= 0 {
		return nil
	}

	key := fmt.Sprintf("%s:%s:%d", src, tgt, maxDepth)
	ix.mu.RLock()
	if cached, ok := ix.pathCache[key]; ok {
		ix.mu.RUnlock()
		return cached
	}

	type frame struct {
		entityIDs []string
		relations []*model.GraphRelation
	}

	var found []Path
	if _, ok := ix.entities[src]; ok {
		queue := []frame{{entityIDs: []string{src}}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if len(cur.relations) >= maxDepth {
				continue
			}
			last := cur.entityIDs[len(cur.entityIDs)-1]
			for _, r := range ix.outgoing[last] {
				next := r.TargetID
				if containsID(cur.entityIDs, next) {
					continue
				}
				nextFrame := frame{
					entityIDs: append(append([]string(nil), cur.entityIDs...), next),
					relations: append(append([]*model.GraphRelation(nil), cur.relations...), r),
				}
				if next == tgt {
					found = append(found, ix.materializePathLocked(nextFrame.entityIDs, nextFrame.relations))
					continue
				}
				queue = append(queue, nextFrame)
			}
		}
	}
	ix.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Score > found[j].Score })

	ix.mu.Lock()
	ix.pathCache[key] = found
	ix.mu.Unlock()
	return found
}

func (ix *Index) materializePathLocked(entityIDs []string, relations []*model.GraphRelation) Path {
	p := Path{
		Entities:  make([]*model.GraphEntity, 0, len(entityIDs)),
		Relations: make([]*model.GraphRelation, 0, len(relations)),
	}
	var impSum float64
	for _, id := range entityIDs {
		e := ix.entities[id]
		p.Entities = append(p.Entities, e.Clone())
		impSum += e.Metadata.Importance
	}
	var confSum float64
	for _, r := range relations {
		p.Relations = append(p.Relations, r.Clone())
		confSum += r.Confidence
	}
	meanImp := impSum / float64(len(entityIDs))
	meanConf := confSum / float64(len(relations))
	p.Score = meanImp * meanConf / float64(1+len(relations))
	return p
}

// Subgraph extracts all entities within radius hops of center (default 2)
// and the relations connecting reached entities, traversing both directions.
func (ix *Index) Subgraph(center string, radius int) Neighborhood {
	if radius <= 0 {
		radius = 2
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, ok := ix.entities[center]; !ok {
		return Neighborhood{}
	}

	reached := map[string]int{center: 0}
	queue := []string{center}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := reached[cur]
		if depth >= radius {
			continue
		}
		for _, r := range ix.outgoing[cur] {
			if _, ok := reached[r.TargetID]; !ok {
				reached[r.TargetID] = depth + 1
				queue = append(queue, r.TargetID)
			}
		}
		for _, r := range ix.incoming[cur] {
			if _, ok := reached[r.SourceID]; !ok {
				reached[r.SourceID] = depth + 1
				queue = append(queue, r.SourceID)
			}
		}
	}

	var nb Neighborhood
	for id := range reached {
		if e, ok := ix.entities[id]; ok {
			nb.Entities = append(nb.Entities, e.Clone())
		}
	}
	seenRel := make(map[string]struct{})
	for id := range reached {
		for _, r := range ix.outgoing[id] {
			if _, inside := reached[r.TargetID]; !inside {
				continue
			}
			if _, dup := seenRel[r.ID]; dup {
				continue
			}
			seenRel[r.ID] = struct{}{}
			nb.Relations = append(nb.Relations, r.Clone())
		}
	}
	return nb
}

// Stats summarizes index contents per type.
type Stats struct {
	Entities        int
	Relations       int
	EntitiesByType  map[model.EntityType]int
	RelationsByType map[model.RelationType]int
}

// IndexStats returns entity/relation counts, bucketed by type.
func (ix *Index) IndexStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := Stats{
		EntitiesByType:  make(map[model.EntityType]int),
		RelationsByType: make(map[model.RelationType]int),
	}
	st.Entities = len(ix.entities)
	for _, e := range ix.entities {
		st.EntitiesByType[e.Type]++
	}
	seen := make(map[string]struct{})
	for _, rels := range ix.outgoing {
		for _, r := range rels {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			st.Relations++
			st.RelationsByType[r.Type]++
		}
	}
	return st
}

// PathCacheLen reports cached path entries, for tests and diagnostics.
func (ix *Index) PathCacheLen() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.pathCache)
}

// AdjacencyFingerprint returns a deterministic string describing the
// adjacency lists, used to verify idempotent rebuilds.
func (ix *Index) AdjacencyFingerprint() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var parts []string
	for src, rels := range ix.outgoing {
		ids := make([]string, 0, len(rels))
		for _, r := range rels {
			ids = append(ids, r.ID+">"+r.TargetID)
		}
		sort.Strings(ids)
		parts = append(parts, src+":"+strings.Join(ids, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
