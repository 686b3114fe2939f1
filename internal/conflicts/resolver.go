package conflicts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/omoide/internal/model"
	"github.com/ashita-ai/omoide/internal/txlog"
	"github.com/ashita-ai/omoide/internal/vector"
)

// Action is a resolution strategy.
type Action string

const (
	ActionMerge             Action = "merge"
	ActionReplace           Action = "replace"
	ActionArchive           Action = "archive"
	ActionFlagForReview     Action = "flag_for_review"
	ActionCreateAlternative Action = "create_alternative"
	ActionUpdateConfidence  Action = "update_confidence"
)

// Resolution describes the outcome of resolving one conflict.
type Resolution struct {
	ConflictID string
	Action     Action
	WinnerID   string
	LoserID    string
	Applied    bool
	Note       string
}

// Resolver applies resolution policies against the vector store, recording
// every mutation on the caller's transaction log so failed batches roll back.
type Resolver struct {
	store  *vector.Store
	logger *slog.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store *vector.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve applies the policy for c's kind. Policies:
// factual and temporal conflicts replace the loser with the winner (by
// credibility and by recency respectively), preference changes keep the newer
// statement, duplicates archive the lower-credibility copy, and contextual
// mismatches are only flagged.
func (r *Resolver) Resolve(ctx context.Context, c Conflict, tl *txlog.Log) (Resolution, error) {
	res := Resolution{ConflictID: c.ID, Action: c.SuggestedAction}
	now := model.NowMillis()

	switch c.Kind {
	case KindFactualContradiction:
		winner, loser := byCredibility(c.NewRecord, c.ExistingRecord, now)
		return r.replace(res, winner, loser, tl)

	case KindTemporalConflict, KindPreferenceChange, KindOutdated:
		winner, loser := byRecency(c.NewRecord, c.ExistingRecord)
		return r.replace(res, winner, loser, tl)

	case KindDuplicate:
		_, loser := byCredibility(c.NewRecord, c.ExistingRecord, now)
		return r.archive(res, loser, tl)

	case KindContextualMismatch:
		res.Action = ActionFlagForReview
		res.Note = "manual review required"
		r.logger.Info("conflict flagged for review", "conflict_id", c.ID, "kind", c.Kind)
		return res, nil

	default:
		return res, fmt.Errorf("conflicts: unknown kind %q", c.Kind)
	}
}

// replace removes the loser, keeping the winner untouched.
func (r *Resolver) replace(res Resolution, winner, loser *model.MemoryRecord, tl *txlog.Log) (Resolution, error) {
	res.Action = ActionReplace
	res.WinnerID = winner.ID
	res.LoserID = loser.ID

	prior := r.store.Get(loser.ID)
	if prior == nil {
		res.Note = "loser already gone"
		res.Applied = true
		return res, nil
	}
	if !r.store.Remove(loser.ID) {
		return res, fmt.Errorf("conflicts: remove %s failed", loser.ID)
	}
	tl.RecordRemove(loser.ID, prior, map[string]any{"reason": "conflict_resolution", "conflict_id": res.ConflictID})
	res.Applied = true
	r.logger.Info("conflict resolved",
		"conflict_id", res.ConflictID, "action", res.Action,
		"winner", winner.ID, "loser", loser.ID)
	return res, nil
}

// archive tags the loser instead of deleting it; archived records keep their
// content but drop out of credibility races via the importance penalty.
func (r *Resolver) archive(res Resolution, loser *model.MemoryRecord, tl *txlog.Log) (Resolution, error) {
	res.Action = ActionArchive
	res.LoserID = loser.ID

	prior, next, err := r.store.Mutate(loser.ID, func(rec *model.MemoryRecord) {
		rec.Metadata.Tags = appendUnique(rec.Metadata.Tags, "archived")
		rec.Metadata.Importance -= 0.2
	})
	if err != nil {
		return res, fmt.Errorf("conflicts: archive %s: %w", loser.ID, err)
	}
	tl.RecordUpdate(loser.ID, prior, next, map[string]any{"reason": "conflict_archive", "conflict_id": res.ConflictID})
	res.Applied = true
	r.logger.Info("conflict resolved",
		"conflict_id", res.ConflictID, "action", res.Action, "archived", loser.ID)
	return res, nil
}

// Merge collapses the conflict pair into one record combining both contents,
// used when a caller explicitly requests ActionMerge.
func (r *Resolver) Merge(ctx context.Context, c Conflict, tl *txlog.Log) (Resolution, error) {
	res := Resolution{ConflictID: c.ID, Action: ActionMerge}

	newer, older := byRecency(c.NewRecord, c.ExistingRecord)
	md := newer.Metadata
	if older.Metadata.Importance > md.Importance {
		md.Importance = older.Metadata.Importance
	}

	id, err := r.store.Add(ctx, older.Content+" | "+newer.Content, md)
	if err != nil {
		return res, fmt.Errorf("conflicts: merge add: %w", err)
	}
	tl.RecordConflictResolution(id, r.store.Get(id), map[string]any{"conflict_id": c.ID})

	for _, victim := range []*model.MemoryRecord{older, newer} {
		prior := r.store.Get(victim.ID)
		if prior == nil {
			continue
		}
		r.store.Remove(victim.ID)
		tl.RecordRemove(victim.ID, prior, map[string]any{"reason": "conflict_merge", "conflict_id": c.ID})
	}

	res.WinnerID = id
	res.Applied = true
	return res, nil
}

func byCredibility(a, b *model.MemoryRecord, now int64) (winner, loser *model.MemoryRecord) {
	if Credibility(a, now) >= Credibility(b, now) {
		return a, b
	}
	return b, a
}

func byRecency(a, b *model.MemoryRecord) (newer, older *model.MemoryRecord) {
	if a.Metadata.Timestamp >= b.Metadata.Timestamp {
		return a, b
	}
	return b, a
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
