// Package budget manages the token economy of context assembly: estimating
// record token costs, partitioning a total budget across memory types, and
// selecting records within a budget by strategy.
package budget

import (
	"fmt"
	"math"
	"sort"
	"unicode"

	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
)

// DefaultTotalBudget is the token budget used when no override is configured.
const DefaultTotalBudget = 100_000

// EstimateTokens approximates the token cost of text: 1.5 per CJK character,
// 1.3 per alphanumeric word, 0.5 per other character, rounded up, minimum 1.
func EstimateTokens(text string) int {
	if text == "" {
		return 1
	}
	var cjk, other int
	var words int
	inWord := false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			cjk++
			inWord = false
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if !inWord {
				words++
				inWord = true
			}
		default:
			other++
			inWord = false
		}
	}
	est := 1.5*float64(cjk) + 1.3*float64(words) + 0.5*float64(other)
	n := int(math.Ceil(est))
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateRecords sums token estimates over a record set.
func EstimateRecords(recs []*model.MemoryRecord) int {
	total := 0
	for _, rec := range recs {
		total += EstimateTokens(rec.Content)
	}
	return total
}

// Allocation partitions a total budget into per-type token counts.
type Allocation struct {
	Total     int
	Pinned    int
	Profile   int
	LongTerm  int
	MidTerm   int
	ShortTerm int
	Context   int
	Reserved  int
}

// ForType returns the allocated tokens for a memory type.
func (a Allocation) ForType(t model.MemoryType) int {
	switch t {
	case model.MemoryPinned:
		return a.Pinned
	case model.MemoryProfile:
		return a.Profile
	case model.MemoryLongTerm:
		return a.LongTerm
	case model.MemoryMidTerm:
		return a.MidTerm
	case model.MemoryShortTerm:
		return a.ShortTerm
	}
	return 0
}

// Ratios are the allocation fractions per slot. Zero-value fields fall back
// to defaults; a fully specified set is renormalized to sum to 1.0.
type Ratios struct {
	Pinned    float64
	Profile   float64
	LongTerm  float64
	MidTerm   float64
	ShortTerm float64
	Context   float64
	Reserved  float64
}

// DefaultRatios is the standard budget split.
var DefaultRatios = Ratios{
	Pinned:    0.10,
	Profile:   0.05,
	LongTerm:  0.30,
	MidTerm:   0.20,
	ShortTerm: 0.15,
	Context:   0.10,
	Reserved:  0.10,
}

func (r Ratios) sum() float64 {
	return r.Pinned + r.Profile + r.LongTerm + r.MidTerm + r.ShortTerm + r.Context + r.Reserved
}

// normalized scales the ratios so they sum to 1.0.
func (r Ratios) normalized() (Ratios, error) {
	s := r.sum()
	if s <= 0 {
		return Ratios{}, fmt.Errorf("budget: ratios sum to %v: %w", s, memerr.ErrInputValidation)
	}
	return Ratios{
		Pinned:    r.Pinned / s,
		Profile:   r.Profile / s,
		LongTerm:  r.LongTerm / s,
		MidTerm:   r.MidTerm / s,
		ShortTerm: r.ShortTerm / s,
		Context:   r.Context / s,
		Reserved:  r.Reserved / s,
	}, nil
}

// Manager allocates budgets and selects records within them.
type Manager struct {
	total  int
	ratios Ratios
}

// NewManager creates a budget manager. total <= 0 selects the default budget.
func NewManager(total int) *Manager {
	if total <= 0 {
		total = DefaultTotalBudget
	}
	return &Manager{total: total, ratios: DefaultRatios}
}

// SetRatios overrides the allocation ratios; they are renormalized to 1.0.
func (m *Manager) SetRatios(r Ratios) error {
	norm, err := r.normalized()
	if err != nil {
		return err
	}
	m.ratios = norm
	return nil
}

// Ratios returns the active (normalized) allocation ratios.
func (m *Manager) Ratios() Ratios { return m.ratios }

// Allocate partitions the total budget for one user.
func (m *Manager) Allocate(userID string) Allocation {
	return m.AllocateTokens(m.total)
}

// AllocateTokens partitions an explicit total, used when a caller works
// against a context window smaller than the configured budget.
func (m *Manager) AllocateTokens(total int) Allocation {
	t := float64(total)
	return Allocation{
		Total:     total,
		Pinned:    int(t * m.ratios.Pinned),
		Profile:   int(t * m.ratios.Profile),
		LongTerm:  int(t * m.ratios.LongTerm),
		MidTerm:   int(t * m.ratios.MidTerm),
		ShortTerm: int(t * m.ratios.ShortTerm),
		Context:   int(t * m.ratios.Context),
		Reserved:  int(t * m.ratios.Reserved),
	}
}

// Strategy orders records for budget selection.
type Strategy string

const (
	StrategyImportance Strategy = "importance"
	StrategyRecency    Strategy = "recency"
	StrategyRelevance  Strategy = "relevance"
	StrategyBalanced   Strategy = "balanced"
)

// earlyStopUtilization terminates greedy selection once the budget is nearly
// exhausted; smaller tail records rarely justify the scan.
const earlyStopUtilization = 0.95

// Selection is the result of SelectWithinBudget.
type Selection struct {
	Records    []*model.MemoryRecord
	TokensUsed int
}

// SelectWithinBudget sorts records by strategy and greedily adds them while
// the running token total stays within budget, stopping early at 95%
// utilization.
func (m *Manager) SelectWithinBudget(recs []*model.MemoryRecord, budgetTokens int, strategy Strategy) Selection {
	if budgetTokens <= 0 || len(recs) == 0 {
		return Selection{}
	}

	sorted := make([]*model.MemoryRecord, len(recs))
	copy(sorted, recs)
	now := model.NowMillis()

	score := strategyScore(strategy, now)
	sort.SliceStable(sorted, func(i, j int) bool {
		return score(sorted[i]) > score(sorted[j])
	})

	var sel Selection
	stop := int(float64(budgetTokens) * earlyStopUtilization)
	for _, rec := range sorted {
		cost := EstimateTokens(rec.Content)
		if sel.TokensUsed+cost > budgetTokens {
			continue
		}
		sel.Records = append(sel.Records, rec)
		sel.TokensUsed += cost
		if sel.TokensUsed >= stop {
			break
		}
	}
	return sel
}

func strategyScore(strategy Strategy, now int64) func(*model.MemoryRecord) float64 {
	switch strategy {
	case StrategyImportance:
		return func(r *model.MemoryRecord) float64 { return r.Metadata.Importance }
	case StrategyRecency:
		return func(r *model.MemoryRecord) float64 { return float64(r.Metadata.Timestamp) }
	case StrategyBalanced:
		return func(r *model.MemoryRecord) float64 {
			quality := 0.0
			if len(r.Embedding) > 0 {
				quality += 0.5
			}
			quality += math.Min(0.5, float64(len(r.Content))/1000)
			return 0.35*r.Metadata.Importance +
				0.30*recencyScore(r, now) +
				0.20*frequencyScore(r) +
				0.15*quality
		}
	default: // relevance
		return func(r *model.MemoryRecord) float64 {
			return 0.4*r.Metadata.Importance + 0.3*recencyScore(r, now) + 0.3*frequencyScore(r)
		}
	}
}

func recencyScore(r *model.MemoryRecord, now int64) float64 {
	days := float64(now-r.Metadata.Timestamp) / float64(24*60*60*1000)
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 30)
}

func frequencyScore(r *model.MemoryRecord) float64 {
	return math.Min(1, math.Log10(float64(r.AccessCount)+1)/2)
}
