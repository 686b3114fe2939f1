package txlog_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/txlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore applies inverse operations to a plain map.
type fakeStore struct {
	records map[string]*model.MemoryRecord
	failOn  map[string]bool
	applied []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*model.MemoryRecord), failOn: make(map[string]bool)}
}

func (s *fakeStore) RestoreRecord(rec *model.MemoryRecord) error {
	if s.failOn[rec.ID] {
		return errors.New("restore failed")
	}
	s.records[rec.ID] = rec.Clone()
	s.applied = append(s.applied, "restore:"+rec.ID)
	return nil
}

func (s *fakeStore) DeleteRecord(id string) error {
	if s.failOn[id] {
		return errors.New("delete failed")
	}
	delete(s.records, id)
	s.applied = append(s.applied, "delete:"+id)
	return nil
}

func (s *fakeStore) ReplaceRecord(rec *model.MemoryRecord) error {
	if s.failOn[rec.ID] {
		return errors.New("replace failed")
	}
	s.records[rec.ID] = rec.Clone()
	s.applied = append(s.applied, "replace:"+rec.ID)
	return nil
}

func rec(id, content string) *model.MemoryRecord {
	return &model.MemoryRecord{
		ID:      id,
		Content: content,
		Metadata: model.Metadata{
			UserID:    "u1",
			Type:      model.MemoryShortTerm,
			Timestamp: model.NowMillis(),
		},
	}
}

func TestRollback_FullRestoresPreTransactionState(t *testing.T) {
	store := newFakeStore()
	store.records["m1"] = rec("m1", "original")

	tl := txlog.New(testLogger())

	// The transaction adds m2, removes m1, and updates nothing else.
	store.records["m2"] = rec("m2", "added")
	tl.RecordAdd("m2", nil)

	prior := store.records["m1"].Clone()
	delete(store.records, "m1")
	tl.RecordRemove("m1", prior, nil)

	require.NoError(t, tl.Rollback(store, ""))

	require.Contains(t, store.records, "m1")
	assert.Equal(t, "original", store.records["m1"].Content)
	assert.NotContains(t, store.records, "m2")
	assert.Zero(t, tl.Len())
}

func TestRollback_StrictReverseOrder(t *testing.T) {
	store := newFakeStore()
	tl := txlog.New(testLogger())

	tl.RecordAdd("a", nil)
	tl.RecordAdd("b", nil)
	tl.RecordAdd("c", nil)

	require.NoError(t, tl.Rollback(store, ""))
	assert.Equal(t, []string{"delete:c", "delete:b", "delete:a"}, store.applied)
}

func TestRollback_ToCheckpointKeepsEarlierOps(t *testing.T) {
	store := newFakeStore()
	tl := txlog.New(testLogger())

	store.records["m1"] = rec("m1", "first")
	tl.RecordAdd("m1", nil)

	tl.CreateCheckpoint("before_conflict_resolution")

	store.records["m2"] = rec("m2", "second")
	tl.RecordAdd("m2", nil)

	require.NoError(t, tl.Rollback(store, "before_conflict_resolution"))

	// Only operations after the checkpoint are undone.
	assert.Contains(t, store.records, "m1")
	assert.NotContains(t, store.records, "m2")
	assert.Equal(t, 1, tl.Len())
}

func TestRollback_UnknownCheckpoint(t *testing.T) {
	tl := txlog.New(testLogger())
	tl.RecordAdd("m1", nil)

	err := tl.Rollback(newFakeStore(), "nope")
	require.ErrorIs(t, err, memerr.ErrRollbackFailed)
	assert.Equal(t, 1, tl.Len(), "log must be untouched")
}

func TestRollback_ContinuesPastFailedSteps(t *testing.T) {
	store := newFakeStore()
	store.failOn["b"] = true
	tl := txlog.New(testLogger())

	tl.RecordAdd("a", nil)
	tl.RecordAdd("b", nil)
	tl.RecordAdd("c", nil)
	store.records["a"] = rec("a", "")
	store.records["b"] = rec("b", "")
	store.records["c"] = rec("c", "")

	err := tl.Rollback(store, "")
	require.ErrorIs(t, err, memerr.ErrRollbackFailed)

	// a and c are still undone despite b failing.
	assert.NotContains(t, store.records, "a")
	assert.Contains(t, store.records, "b")
	assert.NotContains(t, store.records, "c")
}

func TestRollback_UpdateRestoresPriorImage(t *testing.T) {
	store := newFakeStore()
	tl := txlog.New(testLogger())

	before := rec("m1", "before")
	after := rec("m1", "after")
	store.records["m1"] = after.Clone()
	tl.RecordUpdate("m1", before, after, nil)

	require.NoError(t, tl.Rollback(store, ""))
	assert.Equal(t, "before", store.records["m1"].Content)
}

func TestRollback_ConflictResolutionInverseIsDelete(t *testing.T) {
	store := newFakeStore()
	tl := txlog.New(testLogger())

	merged := rec("merged", "a | b")
	store.records["merged"] = merged
	tl.RecordConflictResolution("merged", merged, map[string]any{"action": "merge"})

	require.NoError(t, tl.Rollback(store, ""))
	assert.NotContains(t, store.records, "merged")
}

func TestCommit_ClearsLogAndCheckpoints(t *testing.T) {
	tl := txlog.New(testLogger())
	tl.RecordAdd("m1", nil)
	tl.CreateCheckpoint("cp")

	tl.Commit()

	assert.Zero(t, tl.Len())
	err := tl.Rollback(newFakeStore(), "cp")
	require.ErrorIs(t, err, memerr.ErrRollbackFailed, "checkpoints must not survive commit")
}

func TestRecordRemove_PriorImageDoesNotAlias(t *testing.T) {
	tl := txlog.New(testLogger())
	prior := rec("m1", "content")
	prior.Metadata.Tags = []string{"tag"}

	tl.RecordRemove("m1", prior, nil)
	prior.Content = "mutated"
	prior.Metadata.Tags[0] = "mutated"

	ops := tl.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "content", ops[0].Prior.Content)
	assert.Equal(t, "tag", ops[0].Prior.Metadata.Tags[0])
}
