package memory

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/omoide/internal/model"
)

// item is one structured extraction result before storage.
type item struct {
	content    string
	memType    model.MemoryType
	importance float64
}

var (
	// Pinned quotes: text the user explicitly asked to keep verbatim.
	pinnedQuote    = regexp.MustCompile(`「([^」]+)」`)
	pinnedRemember = regexp.MustCompile(`(?:记住[:：]|(?i:remember:))\s*(.+)`)

	// Profile facts: durable statements about the user.
	profilePatterns = []*regexp.Regexp{
		regexp.MustCompile(`我(?:叫|的名字是)[\p{Han}A-Za-z]{1,10}[^，。,.!！?？]*`),
		regexp.MustCompile(`我今年\d{1,3}岁[^，。,.!！?？]*`),
		regexp.MustCompile(`我(?:住在|来自)[\p{Han}]{2,10}[^，。,.!！?？]*`),
		regexp.MustCompile(`我(?:是|的职业是)[^，。,.!！?？]{2,20}`),
	}

	sentenceSplit  = regexp.MustCompile(`[。！？!?；;\n]+`)
	temporalMarker = regexp.MustCompile(`\d{4}年|\d{1,2}月\d{1,2}[日号]|今天|明天|昨天|上周|下周|上个月|下个月|去年|明年`)
	preferenceCue  = regexp.MustCompile(`喜欢|讨厌|不喜欢|爱好|最爱`)
	longTermCue    = regexp.MustCompile(`总是|一直|从不|习惯|每天|每周`)
)

// extractStructured breaks raw input into typed items: pinned quotes first,
// then profile facts, then per-sentence classification. When nothing matches,
// the whole input becomes one shortTerm record.
func extractStructured(input string) []item {
	var items []item
	claimed := make(map[string]struct{})

	add := func(content string, t model.MemoryType, imp float64) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if _, dup := claimed[content]; dup {
			return
		}
		claimed[content] = struct{}{}
		items = append(items, item{content: content, memType: t, importance: imp})
	}

	for _, g := range pinnedQuote.FindAllStringSubmatch(input, -1) {
		add(g[1], model.MemoryPinned, 0.95)
	}
	for _, g := range pinnedRemember.FindAllStringSubmatch(input, -1) {
		add(g[1], model.MemoryPinned, 0.95)
	}
	for _, p := range profilePatterns {
		for _, match := range p.FindAllString(input, -1) {
			add(match, model.MemoryProfile, 0.9)
		}
	}

	for _, sentence := range sentenceSplit.Split(input, -1) {
		sentence = strings.TrimSpace(sentence)
		if utf8.RuneCountInString(sentence) < 2 {
			continue
		}
		if covered(sentence, claimed) {
			continue
		}
		t, imp := classifySentence(sentence)
		add(sentence, t, imp)
	}

	if len(items) == 0 {
		trimmed := strings.TrimSpace(input)
		if trimmed != "" {
			items = append(items, item{content: trimmed, memType: model.MemoryShortTerm, importance: 0.5})
		}
	}
	return items
}

// covered reports whether a sentence is already represented by a pinned or
// profile item extracted from it.
func covered(sentence string, claimed map[string]struct{}) bool {
	for c := range claimed {
		if strings.Contains(sentence, c) || strings.Contains(c, sentence) {
			return true
		}
	}
	return false
}

// classifySentence picks a type from keyword cues, defaulting to shortTerm,
// and scores importance from length sanity, keyword presence, and temporal
// markers.
func classifySentence(sentence string) (model.MemoryType, float64) {
	imp := 0.5
	n := utf8.RuneCountInString(sentence)
	if n >= 6 && n <= 200 {
		imp += 0.1
	}
	if preferenceCue.MatchString(sentence) || longTermCue.MatchString(sentence) {
		imp += 0.1
	}
	if temporalMarker.MatchString(sentence) {
		imp += 0.1
	}

	switch {
	case longTermCue.MatchString(sentence):
		return model.MemoryLongTerm, model.ClampImportance(imp)
	case preferenceCue.MatchString(sentence):
		return model.MemoryMidTerm, model.ClampImportance(imp)
	default:
		return model.MemoryShortTerm, model.ClampImportance(imp)
	}
}
