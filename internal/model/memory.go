// Package model defines the core data types shared by every memory subsystem:
// memory records, graph entities and relations, and the closed enum sets that
// drive lifecycle and reranking.
package model

import "time"

// MemoryType classifies a memory record's lifecycle tier.
type MemoryType string

const (
	MemoryShortTerm MemoryType = "shortTerm"
	MemoryMidTerm   MemoryType = "midTerm"
	MemoryLongTerm  MemoryType = "longTerm"
	MemoryPinned    MemoryType = "pinned"
	MemoryProfile   MemoryType = "profile"
)

// ValidMemoryType reports whether t is a member of the closed type set.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryShortTerm, MemoryMidTerm, MemoryLongTerm, MemoryPinned, MemoryProfile:
		return true
	}
	return false
}

// Protected reports whether the type is exempt from automatic lifecycle
// transitions and deletions.
func (t MemoryType) Protected() bool {
	return t == MemoryPinned || t == MemoryProfile
}

// TypeWeights is the single rerank weight table. Both the hybrid reranker and
// any other consumer of per-type weighting use this constant set.
var TypeWeights = map[MemoryType]float64{
	MemoryPinned:    1.5,
	MemoryProfile:   1.3,
	MemoryLongTerm:  1.2,
	MemoryMidTerm:   1.0,
	MemoryShortTerm: 0.8,
}

// TypeWeight returns the rerank weight for t, defaulting to the shortTerm
// weight for unknown values.
func TypeWeight(t MemoryType) float64 {
	if w, ok := TypeWeights[t]; ok {
		return w
	}
	return TypeWeights[MemoryShortTerm]
}

// Metadata holds the user attribution and classification of a memory record.
type Metadata struct {
	UserID     string     `json:"userId"`
	Type       MemoryType `json:"type"`
	Timestamp  int64      `json:"timestamp"` // epoch milliseconds at creation
	Importance float64    `json:"importance"`
	Category   string     `json:"category,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
}

// MemoryRecord is the central persisted entity. The embedding, when non-empty,
// has exactly the configured dimension and unit L2 norm. ID is immutable.
type MemoryRecord struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Metadata     Metadata  `json:"metadata"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed int64     `json:"lastAccessed"` // epoch milliseconds
}

// Clone returns a deep copy. Transaction-log pre-images and persistence
// snapshots must not alias live records.
func (r *MemoryRecord) Clone() *MemoryRecord {
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = make([]float32, len(r.Embedding))
		copy(cp.Embedding, r.Embedding)
	}
	if r.Metadata.Tags != nil {
		cp.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	}
	return &cp
}

// Age returns how long ago the record was created relative to nowMillis.
func (r *MemoryRecord) Age(nowMillis int64) time.Duration {
	return time.Duration(nowMillis-r.Metadata.Timestamp) * time.Millisecond
}

// NowMillis returns the current time in epoch milliseconds, the unit used by
// all record timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ClampImportance clamps v into [0, 1]. Lifecycle transitions always clamp.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
