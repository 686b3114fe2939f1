package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

const (
	vectorsSubdir = "memory_vectors"
	vectorsFile   = "vectors.json"
	indexFile     = "index.json"
)

// indexSnapshot is the persisted secondary index: per-user id lists plus
// write provenance. Rebuilding byUser from vectors.json alone would also
// work; persisting it keeps reopen cheap and makes corruption detectable.
type indexSnapshot struct {
	Users   map[string][]string `json:"users"`
	SavedAt int64               `json:"savedAt"`
	Count   int                 `json:"count"`
}

// persister owns the dirty flag and the single-flight save queue. The flag
// is cleared inside the write itself, right before the snapshot, so any
// mutation racing with an in-flight write re-sets it and a joiner loops to
// chain a fresh write covering that mutation. On failure the flag is
// restored so the next trigger retries. Callers that find the flag clear
// return immediately without blocking.
type persister struct {
	store  *Store
	logger *slog.Logger

	dirty atomic.Bool
	group singleflight.Group

	mu     sync.Mutex
	lastOK time.Time
}

func newPersister(s *Store, logger *slog.Logger) *persister {
	return &persister{store: s, logger: logger}
}

func (p *persister) markDirty() { p.dirty.Store(true) }

func (p *persister) isDirty() bool { return p.dirty.Load() }

func (p *persister) lastPersist() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOK
}

// persist coalesces concurrent writers: everyone who observes the dirty flag
// shares one in-flight write via singleflight. singleflight joins a caller
// onto a write whose snapshot may predate the caller's mutation, so the loop
// re-checks the flag after every shared write and chains another one until
// the store is clean at snapshot time. A clean store never blocks.
func (p *persister) persist(ctx context.Context) error {
	for p.dirty.Load() {
		_, err, _ := p.group.Do("persist", func() (any, error) {
			// Clear before snapshotting: a mutation that lands after this
			// point re-sets the flag and forces another round.
			p.dirty.Store(false)
			if err := p.write(ctx); err != nil {
				p.dirty.Store(true)
				return nil, err
			}
			return nil, nil
		})
		if err != nil {
			return fmt.Errorf("vector: %w: %w", memerr.ErrPersistenceFailed, err)
		}

		p.mu.Lock()
		p.lastOK = time.Now()
		p.mu.Unlock()
	}
	return nil
}

// write snapshots the store and writes both JSON files with atomic
// temp-file rename. A pre-existing temp file from a prior crash is
// overwritten and renamed over the target as usual.
func (p *persister) write(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := p.store
	s.mu.RLock()
	records := make([]*model.MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec.Clone())
	}
	idx := indexSnapshot{
		Users:   make(map[string][]string, len(s.byUser)),
		SavedAt: model.NowMillis(),
		Count:   len(s.records),
	}
	for user, ids := range s.byUser {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		idx.Users[user] = list
	}
	s.mu.RUnlock()

	dir := filepath.Join(s.dir, vectorsSubdir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, vectorsFile), records); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, indexFile), idx); err != nil {
		return err
	}

	p.logger.Debug("vector store persisted", "records", len(records))
	return nil
}

// writeJSONAtomic writes v to path via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// load reads the persisted snapshot, if any. Missing files mean a fresh
// store. The per-user index is rebuilt from the records themselves; the
// persisted index is advisory.
func (s *Store) load() error {
	path := filepath.Join(s.dir, vectorsSubdir, vectorsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vector: read %s: %w", path, err)
	}

	var records []*model.MemoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("vector: parse %s: %w", path, err)
	}

	// The store is not shared until Open returns, so no locking is needed.
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		s.insertLocked(rec)
	}
	return nil
}
