package omoide

import "context"

// LLMClient is the text-completion interface used for optional LLM-augmented
// entity and relation extraction. Implementations must honor ctx deadlines
// and return plain text.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
