package omoide

import "log/slog"

// Option configures a Core.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	dataDir           string
	embeddingProvider string
	tokenBudget       int
	logger            *slog.Logger
	version           string
	llm               LLMClient
}

// WithDataDir overrides the data directory from config (MEMORY_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithEmbeddingProvider overrides the provider selection from config
// (EMBEDDING_PROVIDER env var): "openai", "anthropic", "local", or "simple".
func WithEmbeddingProvider(name string) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = name }
}

// WithTokenBudget overrides the total token budget from config
// (MEMORY_TOKEN_BUDGET env var).
func WithTokenBudget(tokens int) Option {
	return func(o *resolvedOptions) { o.tokenBudget = tokens }
}

// WithLogger sets the structured logger for the Core.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithLLMClient enables LLM-augmented entity extraction. Rule-based
// extraction runs regardless; the client only adds candidates.
// Only the last call wins.
func WithLLMClient(client LLMClient) Option {
	return func(o *resolvedOptions) { o.llm = client }
}
