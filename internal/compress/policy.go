// Package compress decides when a user's memory set should shrink and
// executes the shrinking: merging near-duplicates, summarizing bursts,
// dropping stale low-value records, and collapsing conflicting versions.
package compress

import (
	"math/rand"
	"time"

	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Trigger names one satisfied compression condition.
type Trigger string

const (
	TriggerTokenLimit Trigger = "token_limit"
	TriggerCount      Trigger = "count"
	TriggerAge        Trigger = "age"
	TriggerRedundancy Trigger = "redundancy"
)

// PolicyConfig sets the trigger thresholds.
type PolicyConfig struct {
	TokenBudget         int     // default 100000
	TokenThresholdPct   float64 // default 0.8
	CountLimit          int     // default 1000
	AgeDaysThreshold    int     // default 30
	RedundancyThreshold float64 // default 0.3
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.TokenBudget <= 0 {
		c.TokenBudget = budget.DefaultTotalBudget
	}
	if c.TokenThresholdPct <= 0 {
		c.TokenThresholdPct = 0.8
	}
	if c.CountLimit <= 0 {
		c.CountLimit = 1000
	}
	if c.AgeDaysThreshold <= 0 {
		c.AgeDaysThreshold = 30
	}
	if c.RedundancyThreshold <= 0 {
		c.RedundancyThreshold = 0.3
	}
	return c
}

// Policy evaluates compression triggers over a record set.
type Policy struct {
	cfg PolicyConfig
	rng *rand.Rand
}

// NewPolicy creates a policy with the given thresholds.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Evaluate returns the set of satisfied triggers, empty when no compression
// is needed.
func (p *Policy) Evaluate(recs []*model.MemoryRecord) []Trigger {
	var out []Trigger
	if len(recs) == 0 {
		return out
	}
	now := model.NowMillis()

	if budget.EstimateRecords(recs) > int(float64(p.cfg.TokenBudget)*p.cfg.TokenThresholdPct) {
		out = append(out, TriggerTokenLimit)
	}
	if len(recs) > int(0.9*float64(p.cfg.CountLimit)) {
		out = append(out, TriggerCount)
	}

	ageCutoff := time.Duration(p.cfg.AgeDaysThreshold) * 24 * time.Hour
	old := 0
	for _, rec := range recs {
		if rec.Age(now) > ageCutoff {
			old++
		}
	}
	if old > 100 && float64(old) > 0.1*float64(len(recs)) {
		out = append(out, TriggerAge)
	}

	if p.redundancy(recs) > p.cfg.RedundancyThreshold {
		out = append(out, TriggerRedundancy)
	}
	return out
}

// redundancy samples up to 200 records and up to 100 random pairs, returning
// the fraction of pairs with cosine similarity above 0.8 times the mean of
// those similarities.
func (p *Policy) redundancy(recs []*model.MemoryRecord) float64 {
	sample := recs
	if len(sample) > 200 {
		idx := p.rng.Perm(len(sample))[:200]
		sample = make([]*model.MemoryRecord, 0, 200)
		for _, i := range idx {
			sample = append(sample, recs[i])
		}
	}
	if len(sample) < 2 {
		return 0
	}

	type pair struct{ a, b int }
	var pairs []pair
	total := len(sample) * (len(sample) - 1) / 2
	if total <= 100 {
		for i := 0; i < len(sample); i++ {
			for j := i + 1; j < len(sample); j++ {
				pairs = append(pairs, pair{i, j})
			}
		}
	} else {
		seen := make(map[pair]struct{}, 100)
		for len(pairs) < 100 {
			i, j := p.rng.Intn(len(sample)), p.rng.Intn(len(sample))
			if i == j {
				continue
			}
			if i > j {
				i, j = j, i
			}
			pr := pair{i, j}
			if _, dup := seen[pr]; dup {
				continue
			}
			seen[pr] = struct{}{}
			pairs = append(pairs, pr)
		}
	}

	similar, simSum := 0, 0.0
	for _, pr := range pairs {
		sim := vector.CosineSimilarity(sample[pr.a].Embedding, sample[pr.b].Embedding)
		if sim > 0.8 {
			similar++
			simSum += sim
		}
	}
	if similar == 0 {
		return 0
	}
	frac := float64(similar) / float64(len(pairs))
	mean := simSum / float64(similar)
	return frac * mean
}
