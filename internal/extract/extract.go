// Package extract turns free text into knowledge-graph entities and
// relations. Extraction is rule-driven: a registered sequence of regexp
// patterns, each paired with a type, a base confidence, and optional name and
// property derivations. An LLM hook can augment the rule results; both sets
// are merged before the confidence threshold is applied.
//
// The pattern tables target the mixed Chinese/English chat input this system
// sees in practice. Keeping them as plain data makes the table testable and
// extensible without touching the traversal code.
package extract

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/omoide/internal/model"
)

// defaultConfidenceThreshold filters weak matches after merging.
const defaultConfidenceThreshold = 0.5

// EntityPattern is one rule in the entity table. NameFn derives the canonical
// entity name from the regexp groups; PropertiesFn and AliasFn are optional.
type EntityPattern struct {
	Pattern        *regexp.Regexp
	Type           model.EntityType
	BaseConfidence float64
	NameFn         func(groups []string) string
	AliasFn        func(groups []string) []string
	PropertiesFn   func(groups []string) map[string]string
}

// Candidate is an extracted entity before promotion to a GraphEntity.
type Candidate struct {
	Name       string
	Type       model.EntityType
	Confidence float64
	Aliases    []string
	Properties map[string]string
}

var entityPatterns = []EntityPattern{
	{
		Pattern:        regexp.MustCompile(`(?:我叫|我是|我的名字是)([\p{Han}]{2,4})`),
		Type:           model.EntityPerson,
		BaseConfidence: 0.9,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`([\p{Han}]{2,4})(?:住在|来自|认识|参加了?|喜欢|擅长)`),
		Type:           model.EntityPerson,
		BaseConfidence: 0.7,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:认识|朋友)([\p{Han}]{2,4})`),
		Type:           model.EntityPerson,
		BaseConfidence: 0.6,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?i)my name is (\w+)`),
		Type:           model.EntityPerson,
		BaseConfidence: 0.9,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		// 在…工作/上班 marks the employer. Tech-style names without an
		// explicit suffix are canonicalized with 公司 and keep the surface
		// form as an alias, so both spellings resolve.
		Pattern:        regexp.MustCompile(`在([\p{Han}A-Za-z0-9]{2,12}?)(?:公司)?(?:工作|上班|实习)`),
		Type:           model.EntityOrganization,
		BaseConfidence: 0.8,
		NameFn:         func(g []string) string { return canonicalOrgName(g[1]) },
		AliasFn: func(g []string) []string {
			if canonicalOrgName(g[1]) != g[1] {
				return []string{g[1]}
			}
			return nil
		},
	},
	{
		Pattern:        regexp.MustCompile(`([\p{Han}A-Za-z0-9]{2,12}(?:公司|集团|大学|学院|银行))`),
		Type:           model.EntityOrganization,
		BaseConfidence: 0.7,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?i)works? at ([A-Z][A-Za-z0-9 ]{1,30})`),
		Type:           model.EntityOrganization,
		BaseConfidence: 0.8,
		NameFn:         func(g []string) string { return strings.TrimSpace(g[1]) },
	},
	{
		Pattern:        regexp.MustCompile(`住在([\p{Han}]{2,8})`),
		Type:           model.EntityLocation,
		BaseConfidence: 0.8,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:来自|去了?|到了?)([\p{Han}]{2,8})(?:市|省)?`),
		Type:           model.EntityLocation,
		BaseConfidence: 0.6,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:喜欢|爱好)([^，。,.!！？?]{1,20})`),
		Type:           model.EntityPreference,
		BaseConfidence: 0.7,
		NameFn:         func(g []string) string { return strings.TrimSpace(g[1]) },
		PropertiesFn:   func(g []string) map[string]string { return map[string]string{"polarity": "positive"} },
	},
	{
		Pattern:        regexp.MustCompile(`(?:讨厌|不喜欢)([^，。,.!！？?]{1,20})`),
		Type:           model.EntityPreference,
		BaseConfidence: 0.7,
		NameFn:         func(g []string) string { return strings.TrimSpace(g[1]) },
		PropertiesFn:   func(g []string) map[string]string { return map[string]string{"polarity": "negative"} },
	},
	{
		Pattern:        regexp.MustCompile(`(?:会|擅长|精通)([A-Za-z+#]{1,20}|[\p{Han}]{2,8})`),
		Type:           model.EntitySkill,
		BaseConfidence: 0.6,
		NameFn:         func(g []string) string { return g[1] },
	},
	{
		Pattern:        regexp.MustCompile(`(?:买了|购买了|入手了)([^，。,.!！？?]{1,20})`),
		Type:           model.EntityProduct,
		BaseConfidence: 0.6,
		NameFn:         func(g []string) string { return strings.TrimSpace(g[1]) },
	},
	{
		Pattern:        regexp.MustCompile(`(?:参加了?|出席了?)([^，。,.!！？?]{1,20})`),
		Type:           model.EntityEvent,
		BaseConfidence: 0.6,
		NameFn:         func(g []string) string { return strings.TrimSpace(g[1]) },
	},
	{
		Pattern:        regexp.MustCompile(`(\d{4}年\d{1,2}月(?:\d{1,2}[日号])?|\d{4}-\d{1,2}-\d{1,2}|今天|明天|昨天|上周|下周|上个月|下个月|去年|明年|(?i:today|yesterday|tomorrow|last week|next week))`),
		Type:           model.EntityTime,
		BaseConfidence: 0.8,
		NameFn:         func(g []string) string { return g[1] },
	},
}

// canonicalOrgName appends 公司 to bare tech-style names so "明略科技"
// canonicalizes as "明略科技公司".
func canonicalOrgName(name string) string {
	for _, suffix := range []string{"公司", "集团", "大学", "学院", "银行"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	if strings.HasSuffix(name, "科技") || strings.HasSuffix(name, "网络") || strings.HasSuffix(name, "信息") {
		return name + "公司"
	}
	return name
}

// ExtractEntities runs the pattern table over text and returns the merged
// candidate set. Candidates with the same (type, lowercased name) are merged:
// confidence averaged, aliases unioned, properties merged.
func ExtractEntities(text string) []Candidate {
	type key struct {
		typ  model.EntityType
		name string
	}
	merged := make(map[key]*Candidate)
	var order []key

	for _, p := range entityPatterns {
		for _, groups := range p.Pattern.FindAllStringSubmatch(text, -1) {
			name := p.NameFn(groups)
			if name == "" {
				continue
			}
			cand := Candidate{Name: name, Type: p.Type, Confidence: p.BaseConfidence}
			if p.AliasFn != nil {
				cand.Aliases = p.AliasFn(groups)
			}
			if p.PropertiesFn != nil {
				cand.Properties = p.PropertiesFn(groups)
			}

			k := key{typ: p.Type, name: strings.ToLower(name)}
			if prev, ok := merged[k]; ok {
				prev.Confidence = (prev.Confidence + cand.Confidence) / 2
				prev.Aliases = unionStrings(prev.Aliases, cand.Aliases)
				for pk, pv := range cand.Properties {
					if prev.Properties == nil {
						prev.Properties = make(map[string]string)
					}
					prev.Properties[pk] = pv
				}
				continue
			}
			merged[k] = &cand
			order = append(order, k)
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// MergeCandidates combines rule and LLM candidate sets by (type, lowercased
// name), taking the max confidence on overlap and unioning aliases and
// properties.
func MergeCandidates(rule, llm []Candidate) []Candidate {
	type key struct {
		typ  model.EntityType
		name string
	}
	merged := make(map[key]*Candidate)
	var order []key

	absorb := func(c Candidate) {
		k := key{typ: c.Type, name: strings.ToLower(c.Name)}
		if prev, ok := merged[k]; ok {
			if c.Confidence > prev.Confidence {
				prev.Confidence = c.Confidence
			}
			prev.Aliases = unionStrings(prev.Aliases, c.Aliases)
			for pk, pv := range c.Properties {
				if prev.Properties == nil {
					prev.Properties = make(map[string]string)
				}
				if _, exists := prev.Properties[pk]; !exists {
					prev.Properties[pk] = pv
				}
			}
			return
		}
		cp := c
		merged[k] = &cp
		order = append(order, k)
	}

	for _, c := range rule {
		absorb(c)
	}
	for _, c := range llm {
		absorb(c)
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// Promote filters candidates by the confidence threshold and converts the
// survivors into GraphEntities, deriving importance from the static
// type-importance table scaled by confidence.
func Promote(cands []Candidate, userID, memoryID string, timestamp int64) []*model.GraphEntity {
	var out []*model.GraphEntity
	for _, c := range cands {
		if c.Confidence < defaultConfidenceThreshold {
			continue
		}
		base, ok := model.EntityTypeImportance[c.Type]
		if !ok {
			base = 0.5
		}
		out = append(out, &model.GraphEntity{
			ID:         uuid.NewString(),
			Name:       c.Name,
			Type:       c.Type,
			Aliases:    append([]string(nil), c.Aliases...),
			Properties: c.Properties,
			Confidence: c.Confidence,
			Source:     model.EntitySource{MemoryID: memoryID, Timestamp: timestamp},
			Metadata: model.EntityMetadata{
				UserID:       userID,
				Importance:   base * c.Confidence,
				LastAccessed: timestamp,
			},
		})
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			a = append(a, s)
		}
	}
	return a
}
