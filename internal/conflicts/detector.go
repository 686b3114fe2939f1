// Package conflicts provides conflict detection and resolution between
// memory records: semantic contradictions, factual copula mismatches,
// temporal disagreements, preference flips, and near-duplicates.
package conflicts

import (
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Kind classifies a detected conflict.
type Kind string

const (
	KindFactualContradiction Kind = "factual_contradiction"
	KindTemporalConflict     Kind = "temporal_conflict"
	KindPreferenceChange     Kind = "preference_change"
	KindDuplicate            Kind = "duplicate"
	KindOutdated             Kind = "outdated"
	KindContextualMismatch   Kind = "contextual_mismatch"
)

// Severity buckets a conflict for resolution policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Conflict is one detected conflict between a new record and an existing one.
type Conflict struct {
	ID                 string
	Kind               Kind
	Severity           Severity
	NewRecord          *model.MemoryRecord
	ExistingRecord     *model.MemoryRecord
	SemanticSimilarity float64
	ContentSimilarity  float64
	AutoResolvable     bool
	SuggestedAction    Action
	DetectedAt         int64
}

// Detection thresholds. The semantic detector flags high embedding agreement
// with low surface agreement; the duplicate detector is the opposite corner.
const (
	semanticSimThreshold  = 0.8
	surfaceJaccardCeiling = 0.6
	duplicateJaccardFloor = 0.9
	factKeySimFloor       = 0.8
	factValueSimCeiling   = 0.3
	defaultTopK           = 10
)

// Detector runs the conflict detectors over candidate pairs.
type Detector struct {
	topK int
}

// NewDetector creates a detector with the default candidate pre-filter size.
func NewDetector() *Detector {
	return &Detector{topK: defaultTopK}
}

// Detect compares rec against existing records and returns all detected
// conflicts. When embeddings are present only the top-K existing records by
// cosine similarity are examined.
func (d *Detector) Detect(rec *model.MemoryRecord, existing []*model.MemoryRecord) []Conflict {
	candidates := d.prefilter(rec, existing)
	now := model.NowMillis()

	var out []Conflict
	for _, other := range candidates {
		if other.ID == rec.ID {
			continue
		}
		if c, ok := d.detectPair(rec, other, now); ok {
			out = append(out, c)
		}
	}
	return out
}

// prefilter bounds detection cost: with embeddings present, keep only the
// top-K most semantically similar candidates.
func (d *Detector) prefilter(rec *model.MemoryRecord, existing []*model.MemoryRecord) []*model.MemoryRecord {
	if len(rec.Embedding) == 0 || len(existing) <= d.topK {
		return existing
	}
	type scored struct {
		rec *model.MemoryRecord
		sim float64
	}
	all := make([]scored, 0, len(existing))
	for _, other := range existing {
		all = append(all, scored{rec: other, sim: vector.CosineSimilarity(rec.Embedding, other.Embedding)})
	}
	// Partial selection would do; the candidate sets are small enough that a
	// full sort is simpler.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].sim > all[i].sim {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	out := make([]*model.MemoryRecord, 0, d.topK)
	for _, s := range all[:d.topK] {
		out = append(out, s.rec)
	}
	return out
}

// detectPair runs the five detectors in priority order and returns the first
// conflict found. Duplicate wins over the semantic detector because high
// surface overlap rules out a contradiction.
func (d *Detector) detectPair(rec, other *model.MemoryRecord, now int64) (Conflict, bool) {
	semSim := vector.CosineSimilarity(rec.Embedding, other.Embedding)
	surfSim := jaccardWords(rec.Content, other.Content)

	mk := func(kind Kind, severity Severity, action Action) Conflict {
		return Conflict{
			ID:                 uuid.NewString(),
			Kind:               kind,
			Severity:           severity,
			NewRecord:          rec.Clone(),
			ExistingRecord:     other.Clone(),
			SemanticSimilarity: semSim,
			ContentSimilarity:  surfSim,
			AutoResolvable:     severity != SeverityCritical && action != ActionFlagForReview,
			SuggestedAction:    action,
			DetectedAt:         now,
		}
	}

	if surfSim > duplicateJaccardFloor {
		return mk(KindDuplicate, SeverityLow, ActionArchive), true
	}
	if flip, ok := preferenceFlip(rec.Content, other.Content); ok && flip {
		return mk(KindPreferenceChange, SeverityMedium, ActionReplace), true
	}
	if temporalDisagreement(rec.Content, other.Content) {
		return mk(KindTemporalConflict, SeverityMedium, ActionReplace), true
	}
	if factualContradiction(rec.Content, other.Content) {
		return mk(KindFactualContradiction, severityFromGap(semSim, surfSim), ActionReplace), true
	}
	if semSim >= semanticSimThreshold && surfSim < surfaceJaccardCeiling {
		return mk(KindFactualContradiction, severityFromGap(semSim, surfSim), ActionReplace), true
	}
	return Conflict{}, false
}

// severityFromGap derives severity from the spread between semantic and
// surface agreement: the wider the gap, the more likely a real contradiction.
func severityFromGap(semSim, surfSim float64) Severity {
	gap := semSim - surfSim
	switch {
	case gap >= 0.45:
		return SeverityHigh
	case gap >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ── surface similarity ────────────────────────────────────────────────────────

var wordSplit = regexp.MustCompile(`[\s，。,.!！?？:：;；]+`)

func contentWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordSplit.Split(strings.ToLower(text), -1) {
		if w == "" {
			continue
		}
		// CJK words are undelimited; fall back to single characters.
		for _, r := range w {
			if r >= 0x4E00 && r <= 0x9FFF {
				out[string(r)] = struct{}{}
			}
		}
		if !containsHan(w) {
			out[w] = struct{}{}
		}
	}
	return out
}

func containsHan(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

func jaccardWords(a, b string) float64 {
	wa, wb := contentWords(a), contentWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

// ── factual detector ──────────────────────────────────────────────────────────

type fact struct {
	key   string
	value string
}

var copulaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([^，。,.!！?？\s]{1,12})是([^，。,.!！?？\s]{1,20})`),
	regexp.MustCompile(`([^，。,.!！?？\s]{1,12})[：:]([^，。,.!！?？\s]{1,20})`),
	regexp.MustCompile(`([^，。,.!！?？\s]{1,12})为([^，。,.!！?？\s]{1,20})`),
}

func extractFacts(text string) []fact {
	var out []fact
	for _, p := range copulaPatterns {
		for _, g := range p.FindAllStringSubmatch(text, -1) {
			out = append(out, fact{key: g[1], value: g[2]})
		}
	}
	return out
}

// factualContradiction reports whether the two texts assert conflicting
// values for the same key: key similarity high, value similarity low.
func factualContradiction(a, b string) bool {
	fa, fb := extractFacts(a), extractFacts(b)
	for _, x := range fa {
		for _, y := range fb {
			if jaccardWords(x.key, y.key) > factKeySimFloor && jaccardWords(x.value, y.value) < factValueSimCeiling {
				return true
			}
		}
	}
	return false
}

// ── temporal detector ─────────────────────────────────────────────────────────

var temporalToken = regexp.MustCompile(`\d{4}年\d{1,2}月(?:\d{1,2}[日号])?|\d{4}-\d{2}-\d{2}|今天|明天|昨天|前天|上周|下周|这周|上个月|下个月|今年|去年|明年`)

// temporalDisagreement reports whether both texts carry a temporal token and
// the token sets differ entirely.
func temporalDisagreement(a, b string) bool {
	ta := temporalToken.FindAllString(a, -1)
	tb := temporalToken.FindAllString(b, -1)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	for _, x := range ta {
		for _, y := range tb {
			if x == y {
				return false
			}
		}
	}
	return true
}

// ── preference detector ───────────────────────────────────────────────────────

var (
	prefPositive = regexp.MustCompile(`(?:喜欢|爱好)([^，。,.!！?？]{1,20})`)
	prefNegative = regexp.MustCompile(`(?:讨厌|不喜欢)([^，。,.!！?？]{1,20})`)
)

// preferencePolarity returns (subject, positive) for the first preference
// statement found. Negative patterns are checked first because 不喜欢
// contains 喜欢.
func preferencePolarity(text string) (string, bool, bool) {
	if g := prefNegative.FindStringSubmatch(text); g != nil {
		return strings.TrimSpace(strings.TrimSuffix(g[1], "了")), false, true
	}
	if g := prefPositive.FindStringSubmatch(text); g != nil {
		return strings.TrimSpace(strings.TrimSuffix(g[1], "了")), true, true
	}
	return "", false, false
}

// preferenceFlip reports whether both texts state a preference about the same
// subject with opposite polarity.
func preferenceFlip(a, b string) (bool, bool) {
	subjA, polA, okA := preferencePolarity(a)
	subjB, polB, okB := preferencePolarity(b)
	if !okA || !okB {
		return false, false
	}
	sameSubject := subjA == subjB || strings.Contains(subjA, subjB) || strings.Contains(subjB, subjA)
	return sameSubject && polA != polB, true
}

// ── credibility ───────────────────────────────────────────────────────────────

// Credibility weights. Freshness decays with a 7-day half-life.
const (
	credWeightFreshness    = 0.3
	credWeightAccess       = 0.2
	credWeightImportance   = 0.3
	credWeightCompleteness = 0.2
	freshnessHalfLifeDays  = 7.0
)

// Credibility scores a record's trustworthiness for resolution tie-breaks.
func Credibility(rec *model.MemoryRecord, nowMillis int64) float64 {
	ageDays := float64(nowMillis-rec.Metadata.Timestamp) / float64(24*60*60*1000)
	if ageDays < 0 {
		ageDays = 0
	}
	freshness := math.Exp(-math.Ln2 * ageDays / freshnessHalfLifeDays)

	access := float64(rec.AccessCount) / 10.0
	if access > 1 {
		access = 1
	}

	completeness := 0.0
	if rec.Metadata.Category != "" {
		completeness += 0.5
	}
	if len(rec.Metadata.Tags) > 0 {
		completeness += 0.5
	}

	return credWeightFreshness*freshness +
		credWeightAccess*access +
		credWeightImportance*rec.Metadata.Importance +
		credWeightCompleteness*completeness
}
