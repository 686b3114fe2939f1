// Package lifecycle ages memory records through their tiers: periodic
// evaluation deletes expired records, upgrades heavily used ones, downgrades
// neglected ones, and enforces the per-user hard cap.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/omoide/internal/asyncutil"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/vector"
)

// TierRule holds the age and importance thresholds for one memory type.
type TierRule struct {
	MaxAge        time.Duration
	MinImportance float64
}

// UpgradeRule holds the promotion thresholds between two tiers.
type UpgradeRule struct {
	From, To      model.MemoryType
	MinAccess     int
	MinDensity    float64 // accessCount / survivalDays
	MinSurvival   time.Duration
	ImportanceAdd float64
}

// DowngradeRule holds the demotion thresholds between two tiers.
type DowngradeRule struct {
	From, To      model.MemoryType
	MaxInactive   time.Duration
	MaxImportance float64
	ImportanceSub float64
}

// Config tunes the manager. Zero values select the defaults.
type Config struct {
	Interval           time.Duration // default 24h
	MaxMemoriesPerUser int           // default 2000
	EnforceHardCap     bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.MaxMemoriesPerUser <= 0 {
		c.MaxMemoriesPerUser = 2000
	}
	return c
}

var deleteRules = map[model.MemoryType]TierRule{
	model.MemoryShortTerm: {MaxAge: 30 * 24 * time.Hour, MinImportance: 0.1},
	model.MemoryMidTerm:   {MaxAge: 90 * 24 * time.Hour, MinImportance: 0.2},
	model.MemoryLongTerm:  {MaxAge: 365 * 24 * time.Hour, MinImportance: 0.3},
}

var upgradeRules = []UpgradeRule{
	{From: model.MemoryShortTerm, To: model.MemoryMidTerm, MinAccess: 10, MinDensity: 0.5, MinSurvival: 7 * 24 * time.Hour, ImportanceAdd: 0.1},
	{From: model.MemoryMidTerm, To: model.MemoryLongTerm, MinAccess: 50, MinDensity: 0.3, MinSurvival: 30 * 24 * time.Hour, ImportanceAdd: 0.1},
}

var downgradeRules = []DowngradeRule{
	{From: model.MemoryLongTerm, To: model.MemoryMidTerm, MaxInactive: 90 * 24 * time.Hour, MaxImportance: 0.5, ImportanceSub: 0.1},
	{From: model.MemoryMidTerm, To: model.MemoryShortTerm, MaxInactive: 30 * 24 * time.Hour, MaxImportance: 0.3, ImportanceSub: 0.1},
}

// Result summarizes one evaluation run.
type Result struct {
	Evaluated  int
	Deleted    int
	Upgraded   int
	Downgraded int
	Kept       int
	CapDeleted int
	Errors     []string
}

// Stats summarizes a user's memory population.
type Stats struct {
	TotalCount         int
	ByType             map[model.MemoryType]int
	AverageImportance  float64
	AverageAccessCount float64
	AverageAge         time.Duration
}

// Manager runs lifecycle evaluation, on demand or on a ticker.
type Manager struct {
	store  *vector.Store
	cfg    Config
	logger *slog.Logger

	running atomic.Bool // re-entrancy flag for evaluations

	schedMu   sync.Mutex
	stop      chan struct{}
	schedDone chan struct{}
}

// NewManager creates a lifecycle manager over the store.
func NewManager(store *vector.Store, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Start launches the periodic evaluation scheduler. Idempotent.
func (m *Manager) Start() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.schedDone = make(chan struct{})
	go m.run(m.stop, m.schedDone)
	m.logger.Info("lifecycle scheduler started", "interval", m.cfg.Interval)
}

// Stop halts the scheduler and waits for any in-flight tick to finish.
func (m *Manager) Stop() {
	m.schedMu.Lock()
	stop, done := m.stop, m.schedDone
	m.stop, m.schedDone = nil, nil
	m.schedMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info("lifecycle scheduler stopped")
}

func (m *Manager) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := m.EvaluateAll(context.Background()); err != nil {
				m.logger.Error("scheduled lifecycle evaluation failed", "error", err)
			}
		}
	}
}

// evalWorkers bounds concurrent per-user evaluations during a full run.
const evalWorkers = 4

// EvaluateAll runs evaluation for every user in the store, a few users at a
// time. Per-user errors are collected; the run continues with the rest.
func (m *Manager) EvaluateAll(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("lifecycle: evaluation already running")
	}
	defer m.running.Store(false)

	users := m.store.UserIDs()
	outcomes := asyncutil.Settle(ctx, users, evalWorkers, func(ctx context.Context, userID string) (Result, error) {
		return m.evaluateUser(ctx, userID)
	})

	var total Result
	for i, oc := range outcomes {
		if oc.Err != nil {
			m.logger.Error("lifecycle evaluation failed for user", "user_id", users[i], "error", oc.Err)
			total.Errors = append(total.Errors, fmt.Sprintf("%s: %v", users[i], oc.Err))
			continue
		}
		total.Evaluated += oc.Value.Evaluated
		total.Deleted += oc.Value.Deleted
		total.Upgraded += oc.Value.Upgraded
		total.Downgraded += oc.Value.Downgraded
		total.Kept += oc.Value.Kept
		total.CapDeleted += oc.Value.CapDeleted
		total.Errors = append(total.Errors, oc.Value.Errors...)
	}
	return total, nil
}

// Evaluate runs evaluation for one user.
func (m *Manager) Evaluate(ctx context.Context, userID string) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, fmt.Errorf("lifecycle: evaluation already running")
	}
	defer m.running.Store(false)
	return m.evaluateUser(ctx, userID)
}

func (m *Manager) evaluateUser(ctx context.Context, userID string) (Result, error) {
	var res Result
	now := model.NowMillis()

	for _, rec := range m.store.GetByUser(userID) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if rec.Metadata.Type.Protected() {
			continue
		}
		res.Evaluated++

		switch decision := m.decide(rec, now); decision.kind {
		case decideDelete:
			if m.store.Remove(rec.ID) {
				res.Deleted++
			}
		case decideUpgrade:
			_, _, err := m.store.Mutate(rec.ID, func(r *model.MemoryRecord) {
				r.Metadata.Type = decision.to
				r.Metadata.Importance += decision.delta
			})
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Upgraded++
		case decideDowngrade:
			_, _, err := m.store.Mutate(rec.ID, func(r *model.MemoryRecord) {
				r.Metadata.Type = decision.to
				r.Metadata.Importance -= decision.delta
			})
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.Downgraded++
		default:
			res.Kept++
		}
	}

	if m.cfg.EnforceHardCap {
		m.enforceCap(userID, now, &res)
	}

	m.logger.Info("lifecycle evaluation complete",
		"user_id", userID, "evaluated", res.Evaluated, "deleted", res.Deleted,
		"upgraded", res.Upgraded, "downgraded", res.Downgraded, "cap_deleted", res.CapDeleted)
	return res, nil
}

type decisionKind int

const (
	decideKeep decisionKind = iota
	decideDelete
	decideUpgrade
	decideDowngrade
)

type decision struct {
	kind  decisionKind
	to    model.MemoryType
	delta float64
}

// decide applies the per-record rules in priority order: delete, upgrade,
// downgrade, keep.
func (m *Manager) decide(rec *model.MemoryRecord, now int64) decision {
	age := rec.Age(now)
	inactive := time.Duration(now-rec.LastAccessed) * time.Millisecond
	survivalDays := age.Hours() / 24
	density := 0.0
	if survivalDays > 0 {
		density = float64(rec.AccessCount) / survivalDays
	}

	if rule, ok := deleteRules[rec.Metadata.Type]; ok {
		if age > rule.MaxAge && rec.Metadata.Importance < rule.MinImportance {
			return decision{kind: decideDelete}
		}
	}
	for _, rule := range upgradeRules {
		if rec.Metadata.Type != rule.From {
			continue
		}
		if rec.AccessCount >= rule.MinAccess && density >= rule.MinDensity && age >= rule.MinSurvival {
			return decision{kind: decideUpgrade, to: rule.To, delta: rule.ImportanceAdd}
		}
	}
	for _, rule := range downgradeRules {
		if rec.Metadata.Type != rule.From {
			continue
		}
		if inactive > rule.MaxInactive && rec.Metadata.Importance < rule.MaxImportance {
			return decision{kind: decideDowngrade, to: rule.To, delta: rule.ImportanceSub}
		}
	}
	return decision{kind: decideKeep}
}

// enforceCap deletes the lowest-value unprotected records until the user is
// within the cap. Value is 0.4 importance + 0.3 recency + 0.3 frequency.
func (m *Manager) enforceCap(userID string, now int64, res *Result) {
	recs := m.store.GetByUser(userID)
	if len(recs) <= m.cfg.MaxMemoriesPerUser {
		return
	}

	protected := 0
	type valued struct {
		id    string
		value float64
	}
	var deletable []valued
	for _, rec := range recs {
		if rec.Metadata.Type.Protected() {
			protected++
			continue
		}
		recency := math.Exp(-float64(now-rec.LastAccessed) / float64(30*24*60*60*1000))
		frequency := math.Min(1, float64(rec.AccessCount)/100)
		deletable = append(deletable, valued{
			id:    rec.ID,
			value: 0.4*rec.Metadata.Importance + 0.3*recency + 0.3*frequency,
		})
	}

	sort.Slice(deletable, func(i, j int) bool { return deletable[i].value < deletable[j].value })

	excess := len(recs) - m.cfg.MaxMemoriesPerUser
	for _, v := range deletable {
		if excess <= 0 {
			break
		}
		if m.store.Remove(v.id) {
			res.CapDeleted++
			excess--
		}
	}

	// Protected records alone over the cap: everything deletable is already
	// gone, all that remains is to report the violation.
	if excess > 0 {
		m.logger.Error("hard cap unsatisfiable: protected records exceed cap",
			"user_id", userID, "protected", protected, "cap", m.cfg.MaxMemoriesPerUser)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", userID, memerr.ErrHardLimitUnsatisfiable))
	}
}

// StatsFor summarizes one user's memory population.
func (m *Manager) StatsFor(userID string) Stats {
	recs := m.store.GetByUser(userID)
	st := Stats{TotalCount: len(recs), ByType: make(map[model.MemoryType]int)}
	if len(recs) == 0 {
		return st
	}

	now := model.NowMillis()
	var impSum, accSum float64
	var ageSum time.Duration
	for _, rec := range recs {
		st.ByType[rec.Metadata.Type]++
		impSum += rec.Metadata.Importance
		accSum += float64(rec.AccessCount)
		ageSum += rec.Age(now)
	}
	n := float64(len(recs))
	st.AverageImportance = impSum / n
	st.AverageAccessCount = accSum / n
	st.AverageAge = ageSum / time.Duration(len(recs))
	return st
}
