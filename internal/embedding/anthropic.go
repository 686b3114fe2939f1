package embedding

import "context"

// AnthropicProvider exists because the configuration surface accepts
// "anthropic", but Anthropic exposes no embeddings endpoint. The provider
// serves deterministic fallback vectors directly and reports that in its
// model name, so callers can see the degradation in results.
type AnthropicProvider struct {
	inner *SimpleProvider
}

// NewAnthropicProvider creates the degraded provider.
func NewAnthropicProvider(dims int) *AnthropicProvider {
	return &AnthropicProvider{inner: NewSimpleProvider(dims)}
}

// ID identifies the backend for cache keys.
func (p *AnthropicProvider) ID() string { return "anthropic" }

// Model names the degraded vectors explicitly.
func (p *AnthropicProvider) Model() string { return "anthropic-fallback" }

// Embed returns a deterministic fallback vector.
func (p *AnthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.inner.Embed(ctx, text)
}

// EmbedBatch returns deterministic fallback vectors in input order.
func (p *AnthropicProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.EmbedBatch(ctx, texts)
}
