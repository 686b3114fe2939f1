package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/model"
)

func TestValidMemoryType(t *testing.T) {
	valid := []model.MemoryType{
		model.MemoryShortTerm,
		model.MemoryMidTerm,
		model.MemoryLongTerm,
		model.MemoryPinned,
		model.MemoryProfile,
	}
	for _, mt := range valid {
		assert.True(t, model.ValidMemoryType(mt), "expected valid: %q", mt)
	}

	assert.False(t, model.ValidMemoryType(model.MemoryType("episodic")))
	assert.False(t, model.ValidMemoryType(model.MemoryType("")))
}

func TestProtected(t *testing.T) {
	assert.True(t, model.MemoryPinned.Protected())
	assert.True(t, model.MemoryProfile.Protected())
	assert.False(t, model.MemoryShortTerm.Protected())
	assert.False(t, model.MemoryMidTerm.Protected())
	assert.False(t, model.MemoryLongTerm.Protected())
}

func TestTypeWeight_Ordering(t *testing.T) {
	// pinned > profile > longTerm > midTerm > shortTerm.
	ordered := []model.MemoryType{
		model.MemoryShortTerm,
		model.MemoryMidTerm,
		model.MemoryLongTerm,
		model.MemoryProfile,
		model.MemoryPinned,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.TypeWeight(ordered[i]), model.TypeWeight(ordered[i-1]),
			"%q should outweigh %q", ordered[i], ordered[i-1])
	}

	// Unknown types fall back to the shortTerm weight.
	assert.Equal(t, model.TypeWeight(model.MemoryShortTerm), model.TypeWeight(model.MemoryType("bogus")))
}

func TestMemoryRecord_Clone(t *testing.T) {
	orig := &model.MemoryRecord{
		ID:        "m1",
		Content:   "我喜欢Python",
		Embedding: []float32{0.6, 0.8},
		Metadata: model.Metadata{
			UserID:     "u1",
			Type:       model.MemoryMidTerm,
			Timestamp:  model.NowMillis(),
			Importance: 0.7,
			Tags:       []string{"preference"},
		},
		AccessCount: 3,
	}

	cp := orig.Clone()
	require.Equal(t, orig, cp)

	// Mutating the copy must not touch the original.
	cp.Embedding[0] = -1
	cp.Metadata.Tags[0] = "changed"
	cp.Content = "other"
	assert.Equal(t, float32(0.6), orig.Embedding[0])
	assert.Equal(t, "preference", orig.Metadata.Tags[0])
	assert.Equal(t, "我喜欢Python", orig.Content)
}

func TestMemoryRecord_Age(t *testing.T) {
	now := model.NowMillis()
	rec := &model.MemoryRecord{Metadata: model.Metadata{Timestamp: now - (48 * time.Hour).Milliseconds()}}
	assert.Equal(t, 48*time.Hour, rec.Age(now))
}

func TestClampImportance(t *testing.T) {
	assert.Equal(t, 0.0, model.ClampImportance(-0.5))
	assert.Equal(t, 1.0, model.ClampImportance(1.5))
	assert.Equal(t, 0.42, model.ClampImportance(0.42))
}
