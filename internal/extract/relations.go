package extract

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/omoide/internal/model"
)

// selfMarker in a source slot means "the speaker": resolution falls back to
// the first PERSON entity extracted from the same text.
const selfMarker = "我"

// RelationPattern is one rule in the relation table. SourceFn and TargetFn
// derive endpoint names from the regexp groups; a relation is discarded when
// either name cannot be resolved against the entities extracted from the same
// text.
type RelationPattern struct {
	Pattern        *regexp.Regexp
	Type           model.RelationType
	BaseConfidence float64
	SourceFn       func(groups []string) string
	TargetFn       func(groups []string) string
	PropertiesFn   func(groups []string) map[string]string
}

var relationPatterns = []RelationPattern{
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)?在([\p{Han}A-Za-z0-9]{2,12}?)(?:公司)?(?:工作|上班|实习)`),
		Type:           model.RelWorksAt,
		BaseConfidence: 0.8,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return g[2] },
	},
	{
		Pattern:        regexp.MustCompile(`(?i)(\w+)? ?works? at ([A-Z][A-Za-z0-9 ]{1,30})`),
		Type:           model.RelWorksAt,
		BaseConfidence: 0.8,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return strings.TrimSpace(g[2]) },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)住在([\p{Han}]{2,8})`),
		Type:           model.RelLocatedIn,
		BaseConfidence: 0.8,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return g[2] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:认识)([\p{Han}]{2,4})`),
		Type:           model.RelKnows,
		BaseConfidence: 0.6,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return g[2] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:喜欢|爱好)([^，。,.!！？?]{1,20})`),
		Type:           model.RelLikes,
		BaseConfidence: 0.7,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return strings.TrimSpace(g[2]) },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:讨厌|不喜欢)([^，。,.!！？?]{1,20})`),
		Type:           model.RelDislikes,
		BaseConfidence: 0.7,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return strings.TrimSpace(g[2]) },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:会|擅长|精通)([A-Za-z+#]{1,20}|[\p{Han}]{2,8})`),
		Type:           model.RelHasSkill,
		BaseConfidence: 0.6,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return g[2] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:买了|购买了|入手了)([^，。,.!！？?]{1,20})`),
		Type:           model.RelOwns,
		BaseConfidence: 0.6,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return strings.TrimSpace(g[2]) },
	},
	{
		Pattern:        regexp.MustCompile(`(?:([\p{Han}]{2,4})|我)(?:参加了?|出席了?)([^，。,.!！？?]{1,20})`),
		Type:           model.RelParticipatedIn,
		BaseConfidence: 0.6,
		SourceFn:       func(g []string) string { return orSelf(g[1]) },
		TargetFn:       func(g []string) string { return strings.TrimSpace(g[2]) },
	},
}

func orSelf(name string) string {
	if name == "" {
		return selfMarker
	}
	return name
}

// resolveEntity maps an endpoint name to an extracted entity: exact name
// match first, then alias match, then substring containment in either
// direction. The self marker resolves to the first PERSON entity.
func resolveEntity(name string, entities []*model.GraphEntity) *model.GraphEntity {
	if name == "" {
		return nil
	}
	if name == selfMarker {
		for _, e := range entities {
			if e.Type == model.EntityPerson {
				return e
			}
		}
		return nil
	}
	for _, e := range entities {
		if e.Name == name {
			return e
		}
	}
	for _, e := range entities {
		if e.HasAlias(name) {
			return e
		}
	}
	for _, e := range entities {
		if strings.Contains(e.Name, name) || strings.Contains(name, e.Name) {
			return e
		}
	}
	return nil
}

// ExtractRelations runs the relation table over text, resolving endpoints
// against the already-extracted entities. Relations are deduplicated by
// (sourceName, type, targetName).
func ExtractRelations(text string, entities []*model.GraphEntity, userID, memoryID string, timestamp int64) []*model.GraphRelation {
	type key struct {
		src string
		typ model.RelationType
		tgt string
	}
	seen := make(map[key]struct{})
	var out []*model.GraphRelation

	for _, p := range relationPatterns {
		for _, groups := range p.Pattern.FindAllStringSubmatch(text, -1) {
			src := resolveEntity(p.SourceFn(groups), entities)
			tgt := resolveEntity(p.TargetFn(groups), entities)
			if src == nil || tgt == nil || src.ID == tgt.ID {
				continue
			}
			k := key{src: src.Name, typ: p.Type, tgt: tgt.Name}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}

			rel := &model.GraphRelation{
				ID:         uuid.NewString(),
				SourceID:   src.ID,
				TargetID:   tgt.ID,
				Type:       p.Type,
				Confidence: p.BaseConfidence,
				Temporal:   model.RelationTemporal{Timestamp: timestamp},
				Source:     model.RelationSource{MemoryID: memoryID, UserID: userID},
			}
			if p.PropertiesFn != nil {
				rel.Properties = p.PropertiesFn(groups)
			}
			out = append(out, rel)
		}
	}

	// An event and a time mentioned together imply HAPPENED_AT. Derived
	// rather than pattern-matched because word order varies freely.
	out = append(out, deriveHappenedAt(entities, userID, memoryID, timestamp)...)
	return out
}

func deriveHappenedAt(entities []*model.GraphEntity, userID, memoryID string, timestamp int64) []*model.GraphRelation {
	var events, times []*model.GraphEntity
	for _, e := range entities {
		switch e.Type {
		case model.EntityEvent:
			events = append(events, e)
		case model.EntityTime:
			times = append(times, e)
		}
	}
	var out []*model.GraphRelation
	for _, ev := range events {
		for _, t := range times {
			out = append(out, &model.GraphRelation{
				ID:         uuid.NewString(),
				SourceID:   ev.ID,
				TargetID:   t.ID,
				Type:       model.RelHappenedAt,
				Confidence: 0.5,
				Temporal:   model.RelationTemporal{Timestamp: timestamp},
				Source:     model.RelationSource{MemoryID: memoryID, UserID: userID},
			})
		}
	}
	return out
}
