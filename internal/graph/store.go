// Package graph implements the knowledge graph: a SQLite-persisted store of
// typed entities and relations, and an in-memory adjacency index with BFS
// path finding, subgraph extraction, and a path cache.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// Store persists entities and relations. All write SQL is serialized through
// a single global queue; SQLite has one writer anyway and contention shows up
// as SQLITE_BUSY otherwise.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	queryTO time.Duration
	writeTO time.Duration
}

// StoreOptions configures timeouts.
type StoreOptions struct {
	QueryTimeout time.Duration // default 200ms
	WriteTimeout time.Duration // default 500ms
}

// OpenStore creates or opens the graph database at path.
func OpenStore(path string, opts StoreOptions, logger *slog.Logger) (*Store, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 200 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 500 * time.Millisecond
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			id              TEXT PRIMARY KEY,
			userId          TEXT NOT NULL,
			name            TEXT NOT NULL,
			type            TEXT NOT NULL,
			aliases         TEXT NOT NULL DEFAULT '[]',
			properties      TEXT NOT NULL DEFAULT '{}',
			confidence      REAL NOT NULL,
			sourceMemoryId  TEXT NOT NULL DEFAULT '',
			sourceTimestamp INTEGER NOT NULL DEFAULT 0,
			accessCount     INTEGER NOT NULL DEFAULT 0,
			lastAccessed    INTEGER NOT NULL DEFAULT 0,
			importance      REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_entities_user_name ON entities(userId, name);
		CREATE INDEX IF NOT EXISTS idx_entities_user_type ON entities(userId, type);

		CREATE TABLE IF NOT EXISTS relations (
			id             TEXT PRIMARY KEY,
			userId         TEXT NOT NULL,
			sourceId       TEXT NOT NULL,
			targetId       TEXT NOT NULL,
			type           TEXT NOT NULL,
			properties     TEXT NOT NULL DEFAULT '{}',
			confidence     REAL NOT NULL,
			timestamp      INTEGER NOT NULL,
			startTime      INTEGER,
			endTime        INTEGER,
			sourceMemoryId TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(sourceId);
		CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(targetId);
		CREATE INDEX IF NOT EXISTS idx_relations_user_type ON relations(userId, type);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_triple ON relations(sourceId, type, targetId);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graph: create schema: %w", err)
	}

	return &Store{db: db, logger: logger, queryTO: opts.QueryTimeout, writeTO: opts.WriteTimeout}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) sqlErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("graph: %s: %w", op, memerr.ErrSQLTimeout)
	}
	return fmt.Errorf("graph: %s: %w: %w", op, memerr.ErrSQLFailed, err)
}

// UpsertEntity inserts or replaces an entity by id.
func (s *Store) UpsertEntity(ctx context.Context, e *model.GraphEntity) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.writeTO)
	defer cancel()

	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return fmt.Errorf("graph: marshal aliases: %w", err)
	}
	props, err := json.Marshal(propsOrEmpty(e.Properties))
	if err != nil {
		return fmt.Errorf("graph: marshal properties: %w", err)
	}

	if _, err := s.db.ExecContext(wctx, `
		INSERT OR REPLACE INTO entities
		(id, userId, name, type, aliases, properties, confidence,
		 sourceMemoryId, sourceTimestamp, accessCount, lastAccessed, importance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Metadata.UserID, e.Name, string(e.Type), string(aliases), string(props),
		e.Confidence, e.Source.MemoryID, e.Source.Timestamp,
		e.Metadata.AccessCount, e.Metadata.LastAccessed, e.Metadata.Importance,
	); err != nil {
		return s.sqlErr("upsert entity", err)
	}
	return nil
}

// UpsertRelation inserts a relation, or updates the existing row in place
// when the (sourceId, type, targetId) triple already exists. The stored id of
// an existing triple is preserved; r.ID is rewritten to it.
func (s *Store) UpsertRelation(ctx context.Context, r *model.GraphRelation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.writeTO)
	defer cancel()

	props, err := json.Marshal(propsOrEmpty(r.Properties))
	if err != nil {
		return fmt.Errorf("graph: marshal properties: %w", err)
	}

	if _, err := s.db.ExecContext(wctx, `
		INSERT INTO relations
		(id, userId, sourceId, targetId, type, properties, confidence,
		 timestamp, startTime, endTime, sourceMemoryId)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sourceId, type, targetId) DO UPDATE SET
			properties = excluded.properties,
			confidence = excluded.confidence,
			timestamp = excluded.timestamp,
			startTime = excluded.startTime,
			endTime = excluded.endTime,
			sourceMemoryId = excluded.sourceMemoryId`,
		r.ID, r.Source.UserID, r.SourceID, r.TargetID, string(r.Type), string(props),
		r.Confidence, r.Temporal.Timestamp, r.Temporal.StartTime, r.Temporal.EndTime,
		r.Source.MemoryID,
	); err != nil {
		return s.sqlErr("upsert relation", err)
	}

	// Resolve the canonical id for the triple (pre-existing rows keep theirs).
	var id string
	if err := s.db.QueryRowContext(wctx,
		`SELECT id FROM relations WHERE sourceId = ? AND type = ? AND targetId = ?`,
		r.SourceID, string(r.Type), r.TargetID,
	).Scan(&id); err != nil {
		return s.sqlErr("resolve relation id", err)
	}
	r.ID = id
	return nil
}

// DeleteEntity removes an entity and cascades to every relation touching it.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.writeTO)
	defer cancel()

	tx, err := s.db.BeginTx(wctx, nil)
	if err != nil {
		return s.sqlErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(wctx, `DELETE FROM relations WHERE sourceId = ? OR targetId = ?`, id, id); err != nil {
		return s.sqlErr("cascade relations", err)
	}
	if _, err := tx.ExecContext(wctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return s.sqlErr("delete entity", err)
	}
	if err := tx.Commit(); err != nil {
		return s.sqlErr("commit", err)
	}
	return nil
}

// DeleteRelation removes a relation by id.
func (s *Store) DeleteRelation(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.writeTO)
	defer cancel()

	if _, err := s.db.ExecContext(wctx, `DELETE FROM relations WHERE id = ?`, id); err != nil {
		return s.sqlErr("delete relation", err)
	}
	return nil
}

// EntityFilter selects entities. Every field is optional; zero-value fields
// do not constrain the result.
type EntityFilter struct {
	UserID string
	Type   model.EntityType
	Name   string // exact name match
	Limit  int
}

// Entities returns entities matching the filter.
func (s *Store) Entities(ctx context.Context, f EntityFilter) ([]*model.GraphEntity, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTO)
	defer cancel()

	q := `SELECT id, userId, name, type, aliases, properties, confidence,
	             sourceMemoryId, sourceTimestamp, accessCount, lastAccessed, importance
	      FROM entities WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND userId = ?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Name != "" {
		q += ` AND name = ?`
		args = append(args, f.Name)
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(qctx, q, args...)
	if err != nil {
		return nil, s.sqlErr("entities", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.GraphEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, s.sqlErr("scan entity", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RelationFilter selects relations. Every field is optional.
type RelationFilter struct {
	UserID   string
	Type     model.RelationType
	SourceID string
	TargetID string
	Limit    int
}

// Relations returns relations matching the filter.
func (s *Store) Relations(ctx context.Context, f RelationFilter) ([]*model.GraphRelation, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTO)
	defer cancel()

	q := `SELECT id, userId, sourceId, targetId, type, properties, confidence,
	             timestamp, startTime, endTime, sourceMemoryId
	      FROM relations WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND userId = ?`
		args = append(args, f.UserID)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.SourceID != "" {
		q += ` AND sourceId = ?`
		args = append(args, f.SourceID)
	}
	if f.TargetID != "" {
		q += ` AND targetId = ?`
		args = append(args, f.TargetID)
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(qctx, q, args...)
	if err != nil {
		return nil, s.sqlErr("relations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.GraphRelation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, s.sqlErr("scan relation", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllForUser loads every entity and relation for one user, used to rebuild
// the in-memory index. Rebuilding from the store is lossless: both sides key
// on the same ids.
func (s *Store) AllForUser(ctx context.Context, userID string) ([]*model.GraphEntity, []*model.GraphRelation, error) {
	entities, err := s.Entities(ctx, EntityFilter{UserID: userID})
	if err != nil {
		return nil, nil, err
	}
	relations, err := s.Relations(ctx, RelationFilter{UserID: userID})
	if err != nil {
		return nil, nil, err
	}
	return entities, relations, nil
}

// UserIDs returns the distinct user ids present in the graph.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTO)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, `SELECT DISTINCT userId FROM entities`)
	if err != nil {
		return nil, s.sqlErr("user ids", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.sqlErr("scan user id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.GraphEntity, error) {
	var e model.GraphEntity
	var typ, aliases, props string
	if err := row.Scan(&e.ID, &e.Metadata.UserID, &e.Name, &typ, &aliases, &props,
		&e.Confidence, &e.Source.MemoryID, &e.Source.Timestamp,
		&e.Metadata.AccessCount, &e.Metadata.LastAccessed, &e.Metadata.Importance); err != nil {
		return nil, err
	}
	e.Type = model.EntityType(typ)
	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRelation(row rowScanner) (*model.GraphRelation, error) {
	var r model.GraphRelation
	var typ, props string
	var start, end sql.NullInt64
	if err := row.Scan(&r.ID, &r.Source.UserID, &r.SourceID, &r.TargetID, &typ, &props,
		&r.Confidence, &r.Temporal.Timestamp, &start, &end, &r.Source.MemoryID); err != nil {
		return nil, err
	}
	r.Type = model.RelationType(typ)
	if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
		return nil, err
	}
	if start.Valid {
		v := start.Int64
		r.Temporal.StartTime = &v
	}
	if end.Valid {
		v := end.Int64
		r.Temporal.EndTime = &v
	}
	return &r, nil
}

func propsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
