// Package txlog records memory-mutating operations with enough pre-image to
// invert them, supporting named checkpoints, partial rollback, and commit.
package txlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// OpType enumerates recorded operation kinds.
type OpType string

const (
	OpAdd             OpType = "add"
	OpRemove          OpType = "remove"
	OpUpdate          OpType = "update"
	OpResolveConflict OpType = "resolve_conflict"
)

// Operation is one recorded mutation. Prior carries the pre-image needed to
// invert the operation; Next carries the post-image for updates.
type Operation struct {
	Type      OpType
	TargetID  string
	Prior     *model.MemoryRecord
	Next      *model.MemoryRecord
	Timestamp int64
	Metadata  map[string]any
}

// Store is the inverse-application surface a rollback drives. The vector
// store implements it with unlogged primitives so rollback never re-enters
// the log.
type Store interface {
	// RestoreRecord re-inserts a previously removed record verbatim.
	RestoreRecord(rec *model.MemoryRecord) error

	// DeleteRecord removes a record by id without logging.
	DeleteRecord(id string) error

	// ReplaceRecord overwrites the record with the same id.
	ReplaceRecord(rec *model.MemoryRecord) error
}

// Log is an in-memory ordered transaction log. Safe for concurrent use.
type Log struct {
	mu          sync.Mutex
	ops         []Operation
	checkpoints map[string]int
	txnID       string
	startedAt   time.Time
	logger      *slog.Logger
}

// New creates an empty transaction log.
func New(logger *slog.Logger) *Log {
	return &Log{
		checkpoints: make(map[string]int),
		txnID:       uuid.NewString(),
		startedAt:   time.Now(),
		logger:      logger,
	}
}

// RecordAdd logs a record insertion.
func (l *Log) RecordAdd(id string, metadata map[string]any) {
	l.append(Operation{Type: OpAdd, TargetID: id, Metadata: metadata})
}

// RecordRemove logs a deletion, keeping the full prior record for rollback.
func (l *Log) RecordRemove(id string, prior *model.MemoryRecord, metadata map[string]any) {
	l.append(Operation{Type: OpRemove, TargetID: id, Prior: prior.Clone(), Metadata: metadata})
}

// RecordUpdate logs an in-place change with both images.
func (l *Log) RecordUpdate(id string, prior, next *model.MemoryRecord, metadata map[string]any) {
	l.append(Operation{Type: OpUpdate, TargetID: id, Prior: prior.Clone(), Next: next.Clone(), Metadata: metadata})
}

// RecordConflictResolution logs a conflict-resolution product (a record
// created by a resolution). Its inverse is removal of the target.
func (l *Log) RecordConflictResolution(id string, resolved *model.MemoryRecord, metadata map[string]any) {
	var prior *model.MemoryRecord
	if resolved != nil {
		prior = resolved.Clone()
	}
	l.append(Operation{Type: OpResolveConflict, TargetID: id, Prior: prior, Metadata: metadata})
}

func (l *Log) append(op Operation) {
	op.Timestamp = model.NowMillis()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

// Len returns the number of recorded operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// CreateCheckpoint stores the current operation count under name.
func (l *Log) CreateCheckpoint(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints[name] = len(l.ops)
}

// Rollback replays operations in strict reverse order down to the named
// checkpoint, or to zero when name is empty. Each failed inverse step is
// logged at Error level; remaining steps still run and an aggregate error is
// returned at the end. A partial rollback trims the log to the checkpoint
// offset; a full rollback clears it.
func (l *Log) Rollback(store Store, checkpoint string) error {
	l.mu.Lock()
	target := 0
	if checkpoint != "" {
		offset, ok := l.checkpoints[checkpoint]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("txlog: unknown checkpoint %q: %w", checkpoint, memerr.ErrRollbackFailed)
		}
		target = offset
	}
	toUndo := make([]Operation, len(l.ops)-target)
	copy(toUndo, l.ops[target:])
	l.mu.Unlock()

	var errCount int
	var firstErr error
	for i := len(toUndo) - 1; i >= 0; i-- {
		if err := l.invert(store, toUndo[i]); err != nil {
			errCount++
			if firstErr == nil {
				firstErr = err
			}
			l.logger.Error("txlog: rollback step failed",
				"txn_id", l.txnID, "op", toUndo[i].Type, "target_id", toUndo[i].TargetID, "error", err)
		}
	}

	l.mu.Lock()
	l.ops = l.ops[:target]
	if checkpoint == "" {
		l.checkpoints = make(map[string]int)
	} else {
		// Drop checkpoints that now point past the end of the log.
		for name, offset := range l.checkpoints {
			if offset > target {
				delete(l.checkpoints, name)
			}
		}
	}
	l.mu.Unlock()

	if errCount > 0 {
		return fmt.Errorf("txlog: rollback completed with %d failed steps: %w: %w",
			errCount, memerr.ErrRollbackFailed, firstErr)
	}
	return nil
}

func (l *Log) invert(store Store, op Operation) error {
	switch op.Type {
	case OpAdd:
		return store.DeleteRecord(op.TargetID)
	case OpRemove:
		if op.Prior == nil {
			return errors.New("txlog: remove op lacks prior record")
		}
		return store.RestoreRecord(op.Prior)
	case OpUpdate:
		if op.Prior == nil {
			return errors.New("txlog: update op lacks prior record")
		}
		return store.ReplaceRecord(op.Prior)
	case OpResolveConflict:
		return store.DeleteRecord(op.TargetID)
	default:
		return fmt.Errorf("txlog: unknown op type %q", op.Type)
	}
}

// Commit clears operations and checkpoints, logging the transaction id and
// its duration, then starts a fresh transaction.
func (l *Log) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Debug("txlog: commit",
		"txn_id", l.txnID, "ops", len(l.ops), "duration", time.Since(l.startedAt))

	l.ops = nil
	l.checkpoints = make(map[string]int)
	l.txnID = uuid.NewString()
	l.startedAt = time.Now()
}

// Operations returns a copy of the recorded operations, oldest first.
func (l *Log) Operations() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Operation, len(l.ops))
	copy(out, l.ops)
	return out
}
