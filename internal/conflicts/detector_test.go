package conflicts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/conflicts"
	"github.com/ashita-ai/omoide/internal/embedding"
	"github.com/ashita-ai/omoide/internal/model"
)

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embedding.NewSimpleProvider(128).Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func record(t *testing.T, id, content string, ts int64) *model.MemoryRecord {
	t.Helper()
	return &model.MemoryRecord{
		ID:        id,
		Content:   content,
		Embedding: embed(t, content),
		Metadata: model.Metadata{
			UserID:     "u1",
			Type:       model.MemoryShortTerm,
			Timestamp:  ts,
			Importance: 0.5,
		},
	}
}

func TestDetect_PreferenceFlip(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "我喜欢吃辣的食物", now-1000)
	rec := record(t, "new", "我不喜欢吃辣的食物", now)

	found := d.Detect(rec, []*model.MemoryRecord{existing})
	require.Len(t, found, 1)
	c := found[0]
	assert.Equal(t, conflicts.KindPreferenceChange, c.Kind)
	assert.Equal(t, conflicts.SeverityMedium, c.Severity)
	assert.Equal(t, conflicts.ActionReplace, c.SuggestedAction)
	assert.True(t, c.AutoResolvable)
	assert.Equal(t, "new", c.NewRecord.ID)
	assert.Equal(t, "old", c.ExistingRecord.ID)
}

func TestDetect_DuplicateWinsOverPreference(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "我喜欢吃辣的食物", now-1000)
	rec := record(t, "new", "我喜欢吃辣的食物", now)

	found := d.Detect(rec, []*model.MemoryRecord{existing})
	require.Len(t, found, 1)
	assert.Equal(t, conflicts.KindDuplicate, found[0].Kind)
	assert.Equal(t, conflicts.SeverityLow, found[0].Severity)
	assert.Equal(t, conflicts.ActionArchive, found[0].SuggestedAction)
	assert.Greater(t, found[0].ContentSimilarity, 0.9)
}

func TestDetect_TemporalConflict(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "会议在2024年3月10日举行", now-1000)
	rec := record(t, "new", "会议改到2024年4月20日了", now)

	found := d.Detect(rec, []*model.MemoryRecord{existing})
	require.Len(t, found, 1)
	assert.Equal(t, conflicts.KindTemporalConflict, found[0].Kind)
}

func TestDetect_SharedTemporalTokenIsNotAConflict(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "昨天开了项目评审会议", now-1000)
	rec := record(t, "new", "昨天开了项目评审会议总结", now)

	for _, c := range d.Detect(rec, []*model.MemoryRecord{existing}) {
		assert.NotEqual(t, conflicts.KindTemporalConflict, c.Kind)
	}
}

func TestDetect_FactualContradiction(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "我的职业是教师", now-1000)
	rec := record(t, "new", "我的职业是工程师", now)

	found := d.Detect(rec, []*model.MemoryRecord{existing})
	require.Len(t, found, 1)
	assert.Equal(t, conflicts.KindFactualContradiction, found[0].Kind)
	assert.Equal(t, conflicts.ActionReplace, found[0].SuggestedAction)
}

func TestDetect_UnrelatedContentNoConflict(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	existing := record(t, "old", "今天天气不错适合散步", now-1000)
	rec := record(t, "new", "数据库迁移脚本已经完成", now)

	assert.Empty(t, d.Detect(rec, []*model.MemoryRecord{existing}))
}

func TestDetect_SkipsSelf(t *testing.T) {
	d := conflicts.NewDetector()
	rec := record(t, "same", "我喜欢吃辣的食物", model.NowMillis())

	assert.Empty(t, d.Detect(rec, []*model.MemoryRecord{rec}))
}

func TestDetect_PrefilterBoundsCandidates(t *testing.T) {
	d := conflicts.NewDetector()
	now := model.NowMillis()

	// 30 unrelated records plus one duplicate; the duplicate must survive the
	// top-K prefilter because it is the most similar.
	existing := make([]*model.MemoryRecord, 0, 31)
	for i := range 30 {
		existing = append(existing, record(t, string(rune('a'+i)), "完全无关的内容编号", now-int64(i)))
	}
	existing = append(existing, record(t, "dup", "我喜欢吃辣的食物", now-1000))

	rec := record(t, "new", "我喜欢吃辣的食物", now)
	found := d.Detect(rec, existing)
	require.NotEmpty(t, found)

	var hasDup bool
	for _, c := range found {
		if c.ExistingRecord.ID == "dup" {
			hasDup = true
			assert.Equal(t, conflicts.KindDuplicate, c.Kind)
		}
	}
	assert.True(t, hasDup)
}

func TestCredibility(t *testing.T) {
	now := model.NowMillis()

	fresh := &model.MemoryRecord{
		AccessCount: 10,
		Metadata: model.Metadata{
			Timestamp:  now,
			Importance: 1.0,
			Category:   "profile",
			Tags:       []string{"a"},
		},
	}
	assert.InDelta(t, 1.0, conflicts.Credibility(fresh, now), 1e-9, "fresh, complete, important record maxes out")

	// One half-life later the freshness component is halved.
	weekOld := &model.MemoryRecord{Metadata: model.Metadata{Timestamp: now - (7 * 24 * time.Hour).Milliseconds()}}
	assert.InDelta(t, 0.3*0.5, conflicts.Credibility(weekOld, now), 1e-6)

	// Future timestamps do not inflate freshness.
	future := &model.MemoryRecord{Metadata: model.Metadata{Timestamp: now + 1_000_000}}
	assert.InDelta(t, 0.3, conflicts.Credibility(future, now), 1e-9)
}

func TestCredibility_OrdersByFreshness(t *testing.T) {
	now := model.NowMillis()
	newer := &model.MemoryRecord{Metadata: model.Metadata{Timestamp: now, Importance: 0.5}}
	older := &model.MemoryRecord{Metadata: model.Metadata{Timestamp: now - (14 * 24 * time.Hour).Milliseconds(), Importance: 0.5}}

	assert.Greater(t, conflicts.Credibility(newer, now), conflicts.Credibility(older, now))
}
