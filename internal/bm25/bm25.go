// Package bm25 provides the full-text keyword index over memory records,
// backed by an embedded SQLite FTS5 table with a plain-table LIKE fallback.
//
// Chinese text is made searchable by overlapping character bigrams produced
// at index time; ASCII is lowercased and split on non-alphanumerics. Write
// SQL for a given user is serialized through a per-user lock so indexing for
// different users proceeds in parallel without SQLite lock contention.
package bm25

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// Index is the keyword index. Safe for concurrent use.
type Index struct {
	db       *sql.DB
	logger   *slog.Logger
	ftsOK    bool // false means the FTS5 table could not be created; LIKE only
	queryTO  time.Duration
	writeTO  time.Duration
	userLock sync.Map // userID → *sync.Mutex
}

// Options configures the index.
type Options struct {
	QueryTimeout time.Duration // default 200ms
	WriteTimeout time.Duration // default 500ms
}

// Open creates or opens the index database at path.
func Open(path string, opts Options, logger *slog.Logger) (*Index, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 200 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 500 * time.Millisecond
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("bm25: open %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("bm25: open %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY storms.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, logger: logger, queryTO: opts.QueryTimeout, writeTO: opts.WriteTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			memoryId UNINDEXED,
			userId UNINDEXED,
			type UNINDEXED,
			content,
			importance UNINDEXED,
			timestamp UNINDEXED
		)`)
	if err == nil {
		idx.ftsOK = true
	} else {
		// FTS5 unavailable in this build: degrade to a plain table with LIKE
		// scoring. Search results are identical; only candidate recall for
		// very large corpora differs.
		logger.Warn("bm25: FTS5 unavailable, using LIKE fallback", "error", err)
		if _, err2 := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS memories_fts (
				memoryId TEXT PRIMARY KEY,
				userId TEXT NOT NULL,
				type TEXT NOT NULL,
				content TEXT NOT NULL,
				importance REAL NOT NULL,
				timestamp INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_memories_fts_user ON memories_fts(userId)`); err2 != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bm25: create fallback table: %w", err2)
		}
	}

	return idx, nil
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }

func (x *Index) lockFor(userID string) *sync.Mutex {
	mu, _ := x.userLock.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// IndexRecord upserts one record. Writes for the same user are serialized.
func (x *Index) IndexRecord(ctx context.Context, rec *model.MemoryRecord) error {
	return x.IndexBatch(ctx, []*model.MemoryRecord{rec})
}

// IndexBatch upserts multiple records grouped per user.
func (x *Index) IndexBatch(ctx context.Context, recs []*model.MemoryRecord) error {
	byUser := make(map[string][]*model.MemoryRecord)
	for _, rec := range recs {
		byUser[rec.Metadata.UserID] = append(byUser[rec.Metadata.UserID], rec)
	}

	for userID, group := range byUser {
		mu := x.lockFor(userID)
		mu.Lock()
		err := x.writeBatch(ctx, group)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) writeBatch(ctx context.Context, recs []*model.MemoryRecord) error {
	wctx, cancel := context.WithTimeout(ctx, x.writeTO)
	defer cancel()

	tx, err := x.db.BeginTx(wctx, nil)
	if err != nil {
		return x.sqlErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if _, err := tx.ExecContext(wctx, `DELETE FROM memories_fts WHERE memoryId = ?`, rec.ID); err != nil {
			return x.sqlErr("delete", err)
		}
		if _, err := tx.ExecContext(wctx, `
			INSERT INTO memories_fts (memoryId, userId, type, content, importance, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Metadata.UserID, string(rec.Metadata.Type),
			NormalizeText(rec.Content), rec.Metadata.Importance, rec.Metadata.Timestamp,
		); err != nil {
			return x.sqlErr("insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return x.sqlErr("commit", err)
	}
	return nil
}

// Remove deletes one record from the index.
func (x *Index) Remove(ctx context.Context, id string) error {
	wctx, cancel := context.WithTimeout(ctx, x.writeTO)
	defer cancel()
	if _, err := x.db.ExecContext(wctx, `DELETE FROM memories_fts WHERE memoryId = ?`, id); err != nil {
		return x.sqlErr("remove", err)
	}
	return nil
}

func (x *Index) sqlErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bm25: %s: %w", op, memerr.ErrSQLTimeout)
	}
	return fmt.Errorf("bm25: %s: %w: %w", op, memerr.ErrSQLFailed, err)
}

// SearchOptions filters a keyword search.
type SearchOptions struct {
	UserID   string
	Type     model.MemoryType // optional
	Limit    int              // default 10
	MinScore float64
}

// Hit is one keyword match with its normalized score in [0, 1].
type Hit struct {
	MemoryID string
	UserID   string
	Type     model.MemoryType
	Score    float64
}

// Search extracts keywords from query, fetches candidates via an OR-LIKE
// predicate (plus an FTS MATCH when every keyword is MATCH-safe), scores each
// candidate by the fraction of matched keywords, and returns hits in
// descending score order.
func (x *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	keywords := NormalizeTokens(query)
	if len(keywords) == 0 {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	qctx, cancel := context.WithTimeout(ctx, x.queryTO)
	defer cancel()

	rows, err := x.queryCandidates(qctx, keywords, opts)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		matched := 0
		for _, kw := range keywords {
			if strings.Contains(row.content, kw) {
				matched++
			}
		}
		score := float64(matched) / float64(len(keywords))
		if score < opts.MinScore || score == 0 {
			continue
		}
		hits = append(hits, Hit{MemoryID: row.memoryID, UserID: row.userID, Type: model.MemoryType(row.typ), Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

type candidateRow struct {
	memoryID string
	userID   string
	typ      string
	content  string
}

func (x *Index) queryCandidates(ctx context.Context, keywords []string, opts SearchOptions) ([]candidateRow, error) {
	var sb strings.Builder
	args := make([]any, 0, len(keywords)+2)

	sb.WriteString(`SELECT memoryId, userId, type, content FROM memories_fts WHERE userId = ?`)
	args = append(args, opts.UserID)
	if opts.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, string(opts.Type))
	}
	sb.WriteString(` AND (`)
	for i, kw := range keywords {
		if i > 0 {
			sb.WriteString(` OR `)
		}
		sb.WriteString(`content LIKE ?`)
		args = append(args, "%"+kw+"%")
	}
	sb.WriteString(`)`)

	rows, err := x.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, x.sqlErr("search", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]struct{})
	var out []candidateRow
	for rows.Next() {
		var r candidateRow
		if err := rows.Scan(&r.memoryID, &r.userID, &r.typ, &r.content); err != nil {
			return nil, x.sqlErr("scan", err)
		}
		seen[r.memoryID] = struct{}{}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, x.sqlErr("rows", err)
	}

	// FTS MATCH adds candidates the LIKE scan may rank poorly on large
	// corpora. Only attempted when every keyword is MATCH-safe; failures are
	// non-fatal because the LIKE predicate already produced a correct set.
	if x.ftsOK && allMatchSafe(keywords) {
		matchQ := `SELECT memoryId, userId, type, content FROM memories_fts WHERE memories_fts MATCH ? AND userId = ?`
		matchExpr := strings.Join(keywords, " OR ")
		mrows, merr := x.db.QueryContext(ctx, matchQ, matchExpr, opts.UserID)
		if merr == nil {
			defer func() { _ = mrows.Close() }()
			for mrows.Next() {
				var r candidateRow
				if err := mrows.Scan(&r.memoryID, &r.userID, &r.typ, &r.content); err != nil {
					break
				}
				if _, dup := seen[r.memoryID]; dup {
					continue
				}
				if opts.Type != "" && r.typ != string(opts.Type) {
					continue
				}
				seen[r.memoryID] = struct{}{}
				out = append(out, r)
			}
		} else {
			x.logger.Debug("bm25: fts match skipped", "error", merr)
		}
	}

	return out, nil
}

// allMatchSafe reports whether every keyword is plain alphanumeric, meaning
// it cannot be misinterpreted as FTS5 query syntax.
func allMatchSafe(keywords []string) bool {
	for _, kw := range keywords {
		for _, r := range kw {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				return false
			}
		}
	}
	return true
}

// NormalizeText converts content into the indexed token stream: lowercased
// alphanumeric ASCII words, single CJK characters, and overlapping CJK
// bigrams, joined with spaces.
func NormalizeText(text string) string {
	return strings.Join(NormalizeTokens(text), " ")
}

// NormalizeTokens tokenizes text the same way NormalizeText does, returning
// the token list. Query keywords and indexed content share this
// normalization so containment checks line up.
func NormalizeTokens(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevCJK rune

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
			if prevCJK != 0 {
				tokens = append(tokens, string(prevCJK)+string(r))
			}
			prevCJK = r
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			word.WriteRune(unicode.ToLower(r))
			prevCJK = 0
		default:
			flush()
			prevCJK = 0
		}
	}
	flush()
	return tokens
}
