package compress

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/omoide/internal/budget"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Strategy names one compression technique.
type Strategy string

const (
	StrategyMerge     Strategy = "merge"
	StrategySummarize Strategy = "summarize"
	StrategyIgnore    Strategy = "ignore"
	StrategyUpdate    Strategy = "update"
)

// Execution reports one applied strategy.
type Execution struct {
	Strategy    Strategy
	Deleted     int
	Created     int
	TokensSaved int
}

// Report sums all executions of one compression run.
type Report struct {
	Compressed  bool
	Deleted     int
	Created     int
	TokensSaved int
	Executions  []Execution
}

func (r *Report) absorb(e Execution) {
	r.Compressed = true
	r.Deleted += e.Deleted
	r.Created += e.Created
	r.TokensSaved += e.TokensSaved
	r.Executions = append(r.Executions, e)
}

// Engine thresholds.
const (
	mergeSimThreshold  = 0.85
	mergeGroupMax      = 5
	summarizeGroupMin  = 5
	summarizeMaxGap    = time.Hour
	ignoreMaxAge       = 60 * 24 * time.Hour
	ignoreMaxImp       = 0.3
	ignoreMaxAccess    = 1
	summarizeHeaderLen = 40
)

// Engine executes compression strategies against the vector store.
type Engine struct {
	store  *vector.Store
	logger *slog.Logger
}

// NewEngine creates an engine over the store.
func NewEngine(store *vector.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Compress runs the full strategy pipeline for one user: collapse version
// chains to their newest value, merge similar records, summarize bursts,
// drop stale low-value records. Protected types are never touched.
func (e *Engine) Compress(ctx context.Context, userID string) (Report, error) {
	var report Report

	recs := e.store.GetByUser(userID)
	candidates := make([]*model.MemoryRecord, 0, len(recs))
	for _, rec := range recs {
		if !rec.Metadata.Type.Protected() {
			candidates = append(candidates, rec)
		}
	}

	used := make(map[string]struct{})

	// Version chains go first: merging would concatenate superseded values
	// into the survivor instead of discarding them.
	for _, group := range e.updateGroups(candidates, used) {
		exec, err := e.Update(group)
		if err != nil {
			return report, err
		}
		report.absorb(exec)
	}

	for _, group := range e.mergeGroups(candidates, used) {
		exec, err := e.merge(ctx, group)
		if err != nil {
			return report, err
		}
		report.absorb(exec)
	}

	for _, group := range e.summarizeGroups(candidates, used) {
		exec, err := e.summarize(ctx, userID, group)
		if err != nil {
			return report, err
		}
		report.absorb(exec)
	}

	if exec, ok := e.ignore(candidates, used); ok {
		report.absorb(exec)
	}

	if report.Compressed {
		e.logger.Info("compression run complete",
			"user_id", userID, "deleted", report.Deleted,
			"created", report.Created, "tokens_saved", report.TokensSaved)
	}
	return report, nil
}

// mergeGroups greedily clusters records whose pairwise mean cosine similarity
// exceeds the merge threshold, 2 to 5 records per group.
func (e *Engine) mergeGroups(recs []*model.MemoryRecord, used map[string]struct{}) [][]*model.MemoryRecord {
	var groups [][]*model.MemoryRecord
	for i, seed := range recs {
		if _, taken := used[seed.ID]; taken {
			continue
		}
		group := []*model.MemoryRecord{seed}
		for j := i + 1; j < len(recs) && len(group) < mergeGroupMax; j++ {
			cand := recs[j]
			if _, taken := used[cand.ID]; taken {
				continue
			}
			if pairwiseMeanSim(append(group, cand)) > mergeSimThreshold {
				group = append(group, cand)
			}
		}
		if len(group) >= 2 {
			for _, rec := range group {
				used[rec.ID] = struct{}{}
			}
			groups = append(groups, group)
		}
	}
	return groups
}

func pairwiseMeanSim(group []*model.MemoryRecord) float64 {
	n := 0
	sum := 0.0
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			sum += vector.CosineSimilarity(group[i].Embedding, group[j].Embedding)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// merge concatenates the group into one record with the max importance,
// preserving the type of the newest member, and deletes the originals.
func (e *Engine) merge(ctx context.Context, group []*model.MemoryRecord) (Execution, error) {
	exec := Execution{Strategy: StrategyMerge}

	sort.Slice(group, func(i, j int) bool {
		return group[i].Metadata.Timestamp < group[j].Metadata.Timestamp
	})

	parts := make([]string, 0, len(group))
	before := 0
	md := group[len(group)-1].Metadata
	for _, rec := range group {
		parts = append(parts, rec.Content)
		before += budget.EstimateTokens(rec.Content)
		if rec.Metadata.Importance > md.Importance {
			md.Importance = rec.Metadata.Importance
		}
	}
	merged := strings.Join(parts, " | ")

	id, err := e.store.Add(ctx, merged, md)
	if err != nil {
		return exec, fmt.Errorf("compress: merge add: %w", err)
	}
	for _, rec := range group {
		if e.store.Remove(rec.ID) {
			exec.Deleted++
		}
	}
	exec.Created = 1
	exec.TokensSaved = before - budget.EstimateTokens(merged)
	e.logger.Debug("merged records", "group_size", len(group), "merged_id", id)
	return exec, nil
}

// summarizeGroups finds bursts: runs of at least 5 records whose sorted
// timestamp gaps average under an hour.
func (e *Engine) summarizeGroups(recs []*model.MemoryRecord, used map[string]struct{}) [][]*model.MemoryRecord {
	free := make([]*model.MemoryRecord, 0, len(recs))
	for _, rec := range recs {
		if _, taken := used[rec.ID]; !taken {
			free = append(free, rec)
		}
	}
	sort.Slice(free, func(i, j int) bool {
		return free[i].Metadata.Timestamp < free[j].Metadata.Timestamp
	})

	var groups [][]*model.MemoryRecord
	start := 0
	for start < len(free) {
		end := start + 1
		for end < len(free) {
			run := free[start : end+1]
			if meanGap(run) >= summarizeMaxGap {
				break
			}
			end++
		}
		if end-start >= summarizeGroupMin {
			group := free[start:end]
			for _, rec := range group {
				used[rec.ID] = struct{}{}
			}
			groups = append(groups, group)
		}
		start = end
	}
	return groups
}

func meanGap(run []*model.MemoryRecord) time.Duration {
	if len(run) < 2 {
		return 0
	}
	total := time.Duration(run[len(run)-1].Metadata.Timestamp-run[0].Metadata.Timestamp) * time.Millisecond
	return total / time.Duration(len(run)-1)
}

// summarize collapses a burst into one longTerm record: a truncated header
// from the first member plus the concatenation.
func (e *Engine) summarize(ctx context.Context, userID string, group []*model.MemoryRecord) (Execution, error) {
	exec := Execution{Strategy: StrategySummarize}

	header := []rune(group[0].Content)
	if len(header) > summarizeHeaderLen {
		header = header[:summarizeHeaderLen]
	}
	parts := make([]string, 0, len(group))
	before := 0
	maxImp := 0.0
	for _, rec := range group {
		parts = append(parts, rec.Content)
		before += budget.EstimateTokens(rec.Content)
		if rec.Metadata.Importance > maxImp {
			maxImp = rec.Metadata.Importance
		}
	}
	content := string(header) + "…: " + strings.Join(parts, " | ")

	id, err := e.store.Add(ctx, content, model.Metadata{
		UserID:     userID,
		Type:       model.MemoryLongTerm,
		Importance: maxImp,
		Category:   "summary",
	})
	if err != nil {
		return exec, fmt.Errorf("compress: summarize add: %w", err)
	}
	for _, rec := range group {
		if e.store.Remove(rec.ID) {
			exec.Deleted++
		}
	}
	exec.Created = 1
	exec.TokensSaved = before - budget.EstimateTokens(content)
	e.logger.Debug("summarized burst", "group_size", len(group), "summary_id", id)
	return exec, nil
}

// ignore deletes records that are simultaneously old, unimportant, and
// unaccessed.
func (e *Engine) ignore(recs []*model.MemoryRecord, used map[string]struct{}) (Execution, bool) {
	exec := Execution{Strategy: StrategyIgnore}
	now := model.NowMillis()

	for _, rec := range recs {
		if _, taken := used[rec.ID]; taken {
			continue
		}
		if rec.Age(now) > ignoreMaxAge &&
			rec.Metadata.Importance < ignoreMaxImp &&
			rec.AccessCount <= ignoreMaxAccess {
			if e.store.Remove(rec.ID) {
				used[rec.ID] = struct{}{}
				exec.Deleted++
				exec.TokensSaved += budget.EstimateTokens(rec.Content)
			}
		}
	}
	return exec, exec.Deleted > 0
}

// updateMarkers split a statement into subject and value, longest first so
// "现在是" wins over the bare copula.
var updateMarkers = []string{"现在是", "改成", "改为", "是", "为", "：", ":"}

// updateKey extracts the subject a statement assigns a value to, or "" when
// the content is not an assignment. One-rune subjects are too ambiguous to
// group on and are rejected.
func updateKey(content string) string {
	trimmed := strings.TrimSpace(content)
	for _, marker := range updateMarkers {
		idx := strings.Index(trimmed, marker)
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:idx])
		if utf8.RuneCountInString(key) < 2 {
			return ""
		}
		return key
	}
	return ""
}

// updateGroups buckets unclaimed records by their assignment subject; any
// subject stated more than once forms a version chain.
func (e *Engine) updateGroups(recs []*model.MemoryRecord, used map[string]struct{}) [][]*model.MemoryRecord {
	byKey := make(map[string][]*model.MemoryRecord)
	var order []string
	for _, rec := range recs {
		if _, taken := used[rec.ID]; taken {
			continue
		}
		key := updateKey(rec.Content)
		if key == "" {
			continue
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], rec)
	}

	var groups [][]*model.MemoryRecord
	for _, key := range order {
		group := byKey[key]
		if len(group) < 2 {
			continue
		}
		for _, rec := range group {
			used[rec.ID] = struct{}{}
		}
		groups = append(groups, group)
	}
	return groups
}

// Update resolves a version chain: the newest record survives, superseded
// versions are deleted.
func (e *Engine) Update(group []*model.MemoryRecord) (Execution, error) {
	exec := Execution{Strategy: StrategyUpdate}
	if len(group) < 2 {
		return exec, nil
	}
	sort.Slice(group, func(i, j int) bool {
		return group[i].Metadata.Timestamp > group[j].Metadata.Timestamp
	})
	for _, rec := range group[1:] {
		if e.store.Remove(rec.ID) {
			exec.Deleted++
			exec.TokensSaved += budget.EstimateTokens(rec.Content)
		}
	}
	return exec, nil
}
