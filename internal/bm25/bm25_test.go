package bm25_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/bm25"
	"github.com/ashita-ai/omoide/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openIndex(t *testing.T) *bm25.Index {
	t.Helper()
	idx, err := bm25.Open(filepath.Join(t.TempDir(), "bm25.sqlite"), bm25.Options{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func rec(id, userID, content string, typ model.MemoryType) *model.MemoryRecord {
	return &model.MemoryRecord{
		ID:      id,
		Content: content,
		Metadata: model.Metadata{
			UserID:    userID,
			Type:      typ,
			Timestamp: model.NowMillis(),
		},
	}
}

func TestSearch_ChineseKeywords(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []*model.MemoryRecord{
		rec("m1", "u1", "我喜欢吃辣的食物", model.MemoryMidTerm),
		rec("m2", "u1", "今天天气不错", model.MemoryShortTerm),
	}))

	hits, err := idx.Search(ctx, "辣的食物", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestSearch_AsciiCaseInsensitive(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexRecord(ctx, rec("m1", "u1", "I love Python programming", model.MemoryMidTerm)))

	hits, err := idx.Search(ctx, "PYTHON", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.Equal(t, 1.0, hits[0].Score)
}

func TestSearch_UserIsolation(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []*model.MemoryRecord{
		rec("m1", "u1", "shared topic python", model.MemoryShortTerm),
		rec("m2", "u2", "shared topic python", model.MemoryShortTerm),
	}))

	hits, err := idx.Search(ctx, "python", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestSearch_TypeFilter(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []*model.MemoryRecord{
		rec("m1", "u1", "python tips", model.MemoryShortTerm),
		rec("m2", "u1", "python facts", model.MemoryLongTerm),
	}))

	hits, err := idx.Search(ctx, "python", bm25.SearchOptions{UserID: "u1", Type: model.MemoryLongTerm})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].MemoryID)
}

func TestSearch_ScoreIsMatchedFraction(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexBatch(ctx, []*model.MemoryRecord{
		rec("m1", "u1", "go and rust", model.MemoryShortTerm),
		rec("m2", "u1", "only go here", model.MemoryShortTerm),
	}))

	hits, err := idx.Search(ctx, "go rust", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, 0.5, hits[1].Score)

	// MinScore drops the partial match.
	hits, err = idx.Search(ctx, "go rust", bm25.SearchOptions{UserID: "u1", MinScore: 0.75})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestSearch_EmptyQuery(t *testing.T) {
	idx := openIndex(t)

	hits, err := idx.Search(context.Background(), "!!! ???", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexRecord_Upsert(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexRecord(ctx, rec("m1", "u1", "old content about cats", model.MemoryShortTerm)))
	require.NoError(t, idx.IndexRecord(ctx, rec("m1", "u1", "new content about dogs", model.MemoryShortTerm)))

	hits, err := idx.Search(ctx, "cats", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "dogs", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].MemoryID)
}

func TestRemove(t *testing.T) {
	idx := openIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexRecord(ctx, rec("m1", "u1", "temporary note", model.MemoryShortTerm)))
	require.NoError(t, idx.Remove(ctx, "m1"))

	hits, err := idx.Search(ctx, "temporary", bm25.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNormalizeTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"ascii lowered", "Hello World", []string{"hello", "world"}},
		{"cjk chars and bigrams", "喜欢你", []string{"喜", "欢", "喜欢", "你", "欢你"}},
		{"bigram chain broken by ascii", "吃ok辣", []string{"吃", "ok", "辣"}},
		{"punctuation only", "!?。", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bm25.NormalizeTokens(tt.in))
		})
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "我 喜 我喜 欢 喜欢 go", bm25.NormalizeText("我喜欢Go"))
}
