package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/omoide/internal/model"
)

// LLMClient is the text-completion hook used for augmented extraction. The
// caller owns timeouts via ctx.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// llmEntity is the JSON shape the augmentation prompt asks for.
type llmEntity struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Confidence float64           `json:"confidence"`
	Aliases    []string          `json:"aliases,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

const augmentPromptTemplate = `Extract named entities from the text below.
Respond with a JSON array only, each element:
{"name": string, "type": one of PERSON|ORGANIZATION|LOCATION|EVENT|CONCEPT|PRODUCT|TIME|SKILL|PREFERENCE, "confidence": 0..1}

Text:
%s`

// Extractor bundles the rule tables with an optional LLM augmentation client.
type Extractor struct {
	llm    LLMClient
	logger *slog.Logger
}

// NewExtractor creates an extractor. llm may be nil for rule-only extraction.
func NewExtractor(llm LLMClient, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Result is the combined output of one extraction pass.
type Result struct {
	Entities  []*model.GraphEntity
	Relations []*model.GraphRelation
}

// Extract runs rule extraction, optionally augments with the LLM, promotes
// surviving candidates, and resolves relations. LLM failures degrade to
// rule-only results.
func (x *Extractor) Extract(ctx context.Context, userID, memoryID, text string, timestamp int64) Result {
	cands := ExtractEntities(text)

	if x.llm != nil {
		llmCands, err := x.augment(ctx, text)
		if err != nil {
			x.logger.Warn("extract: llm augmentation failed", "error", err)
		} else {
			cands = MergeCandidates(cands, llmCands)
		}
	}

	entities := Promote(cands, userID, memoryID, timestamp)
	relations := ExtractRelations(text, entities, userID, memoryID, timestamp)
	return Result{Entities: entities, Relations: relations}
}

func (x *Extractor) augment(ctx context.Context, text string) ([]Candidate, error) {
	raw, err := x.llm.Generate(ctx, fmt.Sprintf(augmentPromptTemplate, text))
	if err != nil {
		return nil, fmt.Errorf("extract: generate: %w", err)
	}

	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "["); i >= 0 {
		if j := strings.LastIndex(raw, "]"); j > i {
			raw = raw[i : j+1]
		}
	}

	var parsed []llmEntity
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("extract: parse llm output: %w", err)
	}

	var out []Candidate
	for _, e := range parsed {
		t := model.EntityType(strings.ToUpper(e.Type))
		if _, known := model.EntityTypeImportance[t]; !known || e.Name == "" {
			continue
		}
		conf := e.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}
		out = append(out, Candidate{
			Name:       e.Name,
			Type:       t,
			Confidence: conf,
			Aliases:    e.Aliases,
			Properties: e.Properties,
		})
	}
	return out, nil
}
