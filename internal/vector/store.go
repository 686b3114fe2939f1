// Package vector implements the process-wide memory record store: in-memory
// records with embeddings, cosine similarity search, and JSON persistence
// with atomic rename and single-flight write coalescing.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// initGuard rejects concurrent construction of a store over the same
// directory: a second caller during construction fails fast rather than
// observing a partially loaded state.
var initGuard sync.Map // dir → struct{}

// Store holds all memory records in memory, keyed by id, with a secondary
// per-user index. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.MemoryRecord
	byUser  map[string]map[string]struct{}

	dir      string
	embedder *embedding.Service
	logger   *slog.Logger

	ready   bool
	readyMu sync.RWMutex

	persister *persister
	keywords  KeywordIndex
}

// KeywordIndex is the keyword-search sidecar the store keeps in step with
// record writes and deletes. Implemented by bm25.Index.
type KeywordIndex interface {
	IndexRecord(ctx context.Context, rec *model.MemoryRecord) error
	Remove(ctx context.Context, id string) error
}

// AttachKeywords registers a keyword index to mirror every write and delete
// into. Mirror failures degrade to warnings: a missed keyword row only
// weakens keyword recall, while a failed record write would lose data.
func (s *Store) AttachKeywords(k KeywordIndex) { s.keywords = k }

func (s *Store) mirrorIndex(rec *model.MemoryRecord) {
	if s.keywords == nil {
		return
	}
	if err := s.keywords.IndexRecord(context.Background(), rec); err != nil {
		s.logger.Warn("keyword index mirror failed", "id", rec.ID, "error", err)
	}
}

func (s *Store) mirrorRemove(id string) {
	if s.keywords == nil {
		return
	}
	if err := s.keywords.Remove(context.Background(), id); err != nil {
		s.logger.Warn("keyword remove mirror failed", "id", id, "error", err)
	}
}

// Open loads (or creates) a store rooted at dir. The embedding service is
// used by Add; tests may pass a service backed by the simple provider.
func Open(dir string, embedder *embedding.Service, logger *slog.Logger) (*Store, error) {
	if _, loaded := initGuard.LoadOrStore(dir, struct{}{}); loaded {
		return nil, fmt.Errorf("vector: store at %s already initializing: %w", dir, memerr.ErrStoreNotReady)
	}
	defer initGuard.Delete(dir)

	s := &Store{
		records:  make(map[string]*model.MemoryRecord),
		byUser:   make(map[string]map[string]struct{}),
		dir:      dir,
		embedder: embedder,
		logger:   logger,
	}
	s.persister = newPersister(s, logger)

	if err := s.load(); err != nil {
		return nil, err
	}

	s.readyMu.Lock()
	s.ready = true
	s.readyMu.Unlock()

	logger.Info("vector store ready", "dir", dir, "records", s.Count())
	return s, nil
}

func (s *Store) checkReady() error {
	s.readyMu.RLock()
	defer s.readyMu.RUnlock()
	if !s.ready {
		return memerr.ErrStoreNotReady
	}
	return nil
}

// Add creates a record from content and metadata, computing its embedding via
// the embedding service, and marks the store dirty. Returns the new id.
func (s *Store) Add(ctx context.Context, content string, md model.Metadata) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	if md.UserID == "" {
		return "", fmt.Errorf("vector: empty userId: %w", memerr.ErrInputValidation)
	}
	if md.Type == "" {
		md.Type = model.MemoryShortTerm
	}
	if !model.ValidMemoryType(md.Type) {
		return "", fmt.Errorf("vector: invalid memory type %q: %w", md.Type, memerr.ErrInputValidation)
	}
	md.Importance = model.ClampImportance(md.Importance)
	if md.Timestamp == 0 {
		md.Timestamp = model.NowMillis()
	}

	res, err := s.embedder.EmbedText(ctx, content, embedding.EmbedOptions{})
	if err != nil {
		return "", fmt.Errorf("vector: embed content: %w", err)
	}

	rec := &model.MemoryRecord{
		ID:           uuid.NewString(),
		Content:      content,
		Embedding:    res.Embedding,
		Metadata:     md,
		LastAccessed: md.Timestamp,
	}

	s.mu.Lock()
	s.insertLocked(rec)
	s.mu.Unlock()
	s.persister.markDirty()
	s.mirrorIndex(rec.Clone())

	return rec.ID, nil
}

// insertLocked adds rec to both indexes. Caller holds s.mu.
func (s *Store) insertLocked(rec *model.MemoryRecord) {
	s.records[rec.ID] = rec
	ids, ok := s.byUser[rec.Metadata.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[rec.Metadata.UserID] = ids
	}
	ids[rec.ID] = struct{}{}
}

// Remove deletes a record, updating the per-user index. Returns false when
// the id is unknown.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
		if ids := s.byUser[rec.Metadata.UserID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byUser, rec.Metadata.UserID)
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.persister.markDirty()
		s.mirrorRemove(id)
	}
	return ok
}

// Get returns a copy of the record, or nil when absent.
func (s *Store) Get(id string) *model.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[id]; ok {
		return rec.Clone()
	}
	return nil
}

// GetByUser returns copies of all records belonging to userID.
func (s *Store) GetByUser(userID string) []*model.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]*model.MemoryRecord, 0, len(ids))
	for id := range ids {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// All returns copies of every record in the store.
func (s *Store) All() []*model.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// UserIDs returns the distinct user ids present in the store.
func (s *Store) UserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byUser))
	for id := range s.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the total record count.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CountByUser returns the record count for one user.
func (s *Store) CountByUser(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID])
}

// Touch bumps access bookkeeping for a retrieval hit.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.AccessCount++
		rec.LastAccessed = model.NowMillis()
	}
	s.mu.Unlock()
	s.persister.markDirty()
}

// Mutate applies fn to the record under the store lock and returns the prior
// and next images for transaction logging. The id field is immutable; a
// mutation attempting to change it is rejected.
func (s *Store) Mutate(id string, fn func(rec *model.MemoryRecord)) (prior, next *model.MemoryRecord, err error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.persister.markDirty()
		if next != nil {
			s.mirrorIndex(next)
		}
	}()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("vector: mutate %s: %w", id, memerr.ErrNotFound)
	}
	prior = rec.Clone()
	fn(rec)
	if rec.ID != id {
		*rec = *prior
		return nil, nil, fmt.Errorf("vector: record id is immutable: %w", memerr.ErrInputValidation)
	}
	rec.Metadata.Importance = model.ClampImportance(rec.Metadata.Importance)
	if rec.Metadata.UserID != prior.Metadata.UserID {
		// Keep the per-user index consistent on tenant moves.
		if ids := s.byUser[prior.Metadata.UserID]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byUser, prior.Metadata.UserID)
			}
		}
		ids, ok := s.byUser[rec.Metadata.UserID]
		if !ok {
			ids = make(map[string]struct{})
			s.byUser[rec.Metadata.UserID] = ids
		}
		ids[id] = struct{}{}
	}
	return prior, rec.Clone(), nil
}

// ── txlog.Store implementation (unlogged primitives for rollback) ─────────────

// RestoreRecord re-inserts a previously removed record verbatim.
func (s *Store) RestoreRecord(rec *model.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("vector: restore nil record: %w", memerr.ErrInputValidation)
	}
	s.mu.Lock()
	s.insertLocked(rec.Clone())
	s.mu.Unlock()
	s.persister.markDirty()
	s.mirrorIndex(rec.Clone())
	return nil
}

// DeleteRecord removes a record by id without logging. Missing ids are not an
// error — rollback must be idempotent against partially applied state.
func (s *Store) DeleteRecord(id string) error {
	s.Remove(id)
	return nil
}

// ReplaceRecord overwrites the record with the same id.
func (s *Store) ReplaceRecord(rec *model.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("vector: replace nil record: %w", memerr.ErrInputValidation)
	}
	s.mu.Lock()
	if old, ok := s.records[rec.ID]; ok && old.Metadata.UserID != rec.Metadata.UserID {
		if ids := s.byUser[old.Metadata.UserID]; ids != nil {
			delete(ids, rec.ID)
		}
	}
	s.insertLocked(rec.Clone())
	s.mu.Unlock()
	s.persister.markDirty()
	s.mirrorIndex(rec.Clone())
	return nil
}

// ── Search ────────────────────────────────────────────────────────────────────

// SearchQuery filters and scores candidates.
type SearchQuery struct {
	UserID    string
	Embedding []float32
	Limit     int
	Threshold float64
	From, To  int64 // optional creation-time range, epoch millis
	Types     []model.MemoryType
}

// Hit is one search candidate with its cosine similarity.
type Hit struct {
	Record     *model.MemoryRecord
	Similarity float64
}

// Search returns candidates above the similarity threshold in descending
// similarity order. Filtering (user, time range, type set) happens before
// scoring.
func (s *Store) Search(q SearchQuery) []Hit {
	var typeSet map[model.MemoryType]struct{}
	if len(q.Types) > 0 {
		typeSet = make(map[model.MemoryType]struct{}, len(q.Types))
		for _, t := range q.Types {
			typeSet[t] = struct{}{}
		}
	}

	s.mu.RLock()
	candidates := make([]Hit, 0, 16)
	ids := s.byUser[q.UserID]
	for id := range ids {
		rec := s.records[id]
		if q.From > 0 && rec.Metadata.Timestamp < q.From {
			continue
		}
		if q.To > 0 && rec.Metadata.Timestamp > q.To {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[rec.Metadata.Type]; !ok {
				continue
			}
		}
		sim := CosineSimilarity(q.Embedding, rec.Embedding)
		if sim < q.Threshold {
			continue
		}
		candidates = append(candidates, Hit{Record: rec.Clone(), Similarity: sim})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return candidates
}

// CleanupOptions controls CleanupExpired.
type CleanupOptions struct {
	MaxAge            time.Duration // records older than this are candidates
	MaxVectorsPerUser int           // optional per-user retention cap
	MinImportance     float64       // candidates below this importance are removed
}

// CleanupExpired deletes records that are simultaneously too old AND below
// the importance floor, then applies the optional per-user retention cap
// (oldest records beyond the cap are removed). Protected types are never
// deleted. Returns removed and kept counts.
func (s *Store) CleanupExpired(opts CleanupOptions) (removed, kept int) {
	now := model.NowMillis()
	var doomed []string

	s.mu.RLock()
	for id, rec := range s.records {
		if rec.Metadata.Type.Protected() {
			continue
		}
		if opts.MaxAge > 0 && rec.Age(now) > opts.MaxAge && rec.Metadata.Importance < opts.MinImportance {
			doomed = append(doomed, id)
		}
	}

	if opts.MaxVectorsPerUser > 0 {
		doomedSet := make(map[string]struct{}, len(doomed))
		for _, id := range doomed {
			doomedSet[id] = struct{}{}
		}
		for _, ids := range s.byUser {
			var surviving []*model.MemoryRecord
			for id := range ids {
				if _, gone := doomedSet[id]; gone {
					continue
				}
				surviving = append(surviving, s.records[id])
			}
			if len(surviving) <= opts.MaxVectorsPerUser {
				continue
			}
			sort.Slice(surviving, func(i, j int) bool {
				return surviving[i].Metadata.Timestamp > surviving[j].Metadata.Timestamp
			})
			for _, rec := range surviving[opts.MaxVectorsPerUser:] {
				if rec.Metadata.Type.Protected() {
					continue
				}
				doomed = append(doomed, rec.ID)
			}
		}
	}
	s.mu.RUnlock()

	for _, id := range doomed {
		if s.Remove(id) {
			removed++
		}
	}
	kept = s.Count()
	return removed, kept
}

// Stats summarizes store state for diagnostics.
type Stats struct {
	TotalRecords int
	UserRecords  int
	Dirty        bool
	LastPersist  time.Time
}

// StatsForUser returns counts and persistence state.
func (s *Store) StatsForUser(userID string) Stats {
	s.mu.RLock()
	total := len(s.records)
	user := len(s.byUser[userID])
	s.mu.RUnlock()
	return Stats{
		TotalRecords: total,
		UserRecords:  user,
		Dirty:        s.persister.isDirty(),
		LastPersist:  s.persister.lastPersist(),
	}
}

// Persist flushes dirty state to disk. See persister for coalescing rules.
func (s *Store) Persist(ctx context.Context) error {
	return s.persister.persist(ctx)
}

// Close persists any dirty state and releases the store.
func (s *Store) Close(ctx context.Context) error {
	err := s.persister.persist(ctx)
	s.readyMu.Lock()
	s.ready = false
	s.readyMu.Unlock()
	return err
}

// CosineSimilarity computes the cosine of two vectors. Mismatched or empty
// vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
