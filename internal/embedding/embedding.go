// Package embedding provides vector embedding generation for semantic search.
//
// A Service wraps a configured Provider with an LRU result cache, retry with
// exponential backoff, and degradation to a deterministic local fallback when
// the provider terminally fails. The Provider interface allows swapping
// backends without changing consumers.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/omoide/internal/asyncutil"
	"github.com/ashita-ai/omoide/internal/memerr"
	"github.com/ashita-ai/omoide/internal/telemetry"
)

// fallbackBatchWorkers bounds concurrent fallback embeds; the work is pure CPU.
const fallbackBatchWorkers = 4

// Provider generates vector embeddings from text.
type Provider interface {
	// ID identifies the backend ("openai", "local", "simple") for cache keys.
	ID() string

	// Model returns the model identifier used for cache keys and results.
	Model() string

	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is a produced embedding with its provenance.
type Result struct {
	Embedding []float32
	Model     string
	Cached    bool
}

// Config controls Service behavior.
type Config struct {
	Dimensions int
	Timeout    time.Duration // per-request deadline
	MaxRetries int
	CacheSize  int
	CacheTTL   time.Duration
}

// Service is the embedding front door: cache, retries, fallback.
type Service struct {
	provider Provider
	fallback *SimpleProvider
	cache    *resultCache
	cfg      Config
	logger   *slog.Logger

	cacheHits metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewService wraps provider with caching and retry. A nil provider means the
// deterministic fallback serves every request directly (the "simple" setup).
func NewService(provider Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 5000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}

	meter := telemetry.Meter("github.com/ashita-ai/omoide/internal/embedding")
	cacheHits, _ := meter.Int64Counter("memory.embedding.cache_hit")
	fallbacks, _ := meter.Int64Counter("memory.embedding.fallback")

	return &Service{
		provider:  provider,
		fallback:  NewSimpleProvider(cfg.Dimensions),
		cache:     newResultCache(cfg.CacheSize, cfg.CacheTTL),
		cfg:       cfg,
		logger:    logger,
		cacheHits: cacheHits,
		fallbacks: fallbacks,
	}
}

// Dimensions returns the configured embedding dimensionality D.
func (s *Service) Dimensions() int { return s.cfg.Dimensions }

// EmbedOptions tunes a single EmbedText call.
type EmbedOptions struct {
	SkipCache bool
}

// EmbedText produces an embedding for text. Empty text yields a zero vector
// without touching the backend. Cache hits refresh LRU position.
func (s *Service) EmbedText(ctx context.Context, text string, opts EmbedOptions) (Result, error) {
	if text == "" {
		return Result{Embedding: make([]float32, s.cfg.Dimensions), Model: s.modelName(), Cached: false}, nil
	}

	key := s.cacheKey(text)
	if !opts.SkipCache {
		if entry, ok := s.cache.get(key); ok {
			s.cacheHits.Add(ctx, 1)
			return Result{Embedding: entry.embedding, Model: entry.model, Cached: true}, nil
		}
	}

	vec, model, err := s.embedWithRetry(ctx, text)
	if err != nil {
		// Terminal provider failure degrades to the deterministic fallback.
		s.fallbacks.Add(ctx, 1)
		s.logger.Warn("embedding: provider failed, using fallback", "error", err)
		fv, ferr := s.fallback.Embed(ctx, text)
		if ferr != nil {
			return Result{}, fmt.Errorf("embedding: %w: %w", memerr.ErrEmbeddingFailed, err)
		}
		vec, model = fv, s.fallbackModelName()
	}

	vec = s.coerce(vec)
	if !opts.SkipCache {
		s.cache.put(key, cacheEntry{embedding: vec, model: model, insertedAt: time.Now()})
	}
	return Result{Embedding: vec, Model: model, Cached: false}, nil
}

// EmbedImage produces an embedding for raw image bytes using the deterministic
// byte-feature projection. Remote image embedding backends are not supported.
func (s *Service) EmbedImage(ctx context.Context, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{Embedding: make([]float32, s.cfg.Dimensions), Model: s.fallbackModelName(), Cached: false}, nil
	}

	key := s.cacheKeyBytes(data)
	if entry, ok := s.cache.get(key); ok {
		s.cacheHits.Add(ctx, 1)
		return Result{Embedding: entry.embedding, Model: entry.model, Cached: true}, nil
	}

	vec := s.fallback.EmbedImageBytes(data)
	vec = s.coerce(vec)
	s.cache.put(key, cacheEntry{embedding: vec, model: s.fallbackModelName(), insertedAt: time.Now()})
	return Result{Embedding: vec, Model: s.fallbackModelName(), Cached: false}, nil
}

// EmbedBatch embeds a sequence of texts, using the provider's batch endpoint
// for the cache misses and answering hits from the cache. Order is preserved.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if t == "" {
			results[i] = Result{Embedding: make([]float32, s.cfg.Dimensions), Model: s.modelName()}
			continue
		}
		if entry, ok := s.cache.get(s.cacheKey(t)); ok {
			s.cacheHits.Add(ctx, 1)
			results[i] = Result{Embedding: entry.embedding, Model: entry.model, Cached: true}
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, model, err := s.embedBatchWithRetry(ctx, missTexts)
	if err != nil {
		s.fallbacks.Add(ctx, 1)
		s.logger.Warn("embedding: batch provider failed, using fallback", "count", len(missTexts), "error", err)
		model = s.fallbackModelName()
		vecs, err = asyncutil.BatchMap(ctx, missTexts, fallbackBatchWorkers, func(ctx context.Context, t string) ([]float32, error) {
			return s.fallback.Embed(ctx, t)
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: %w: %w", memerr.ErrEmbeddingFailed, err)
		}
	}

	for j, i := range missIdx {
		vec := s.coerce(vecs[j])
		s.cache.put(s.cacheKey(missTexts[j]), cacheEntry{embedding: vec, model: model, insertedAt: time.Now()})
		results[i] = Result{Embedding: vec, Model: model, Cached: false}
	}
	return results, nil
}

// Close stops the cache TTL sweeper.
func (s *Service) Close() { s.cache.close() }

func (s *Service) modelName() string {
	if s.provider != nil {
		return s.provider.Model()
	}
	return s.fallback.Model()
}

func (s *Service) fallbackModelName() string {
	if s.provider != nil {
		return s.provider.Model() + "-fallback"
	}
	return s.fallback.Model()
}

func (s *Service) providerID() string {
	if s.provider != nil {
		return s.provider.ID()
	}
	return s.fallback.ID()
}

func (s *Service) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(s.providerID() + "|" + s.modelName() + "|" + text))
	return hex.EncodeToString(sum[:])
}

func (s *Service) cacheKeyBytes(data []byte) string {
	h := sha256.New()
	h.Write([]byte(s.providerID() + "|" + s.fallbackModelName() + "|"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// embedWithRetry calls the provider under the per-request timeout, retrying
// transient failures with exponential backoff (base 1s, cap 10s).
func (s *Service) embedWithRetry(ctx context.Context, text string) ([]float32, string, error) {
	if s.provider == nil {
		vec, err := s.fallback.Embed(ctx, text)
		return vec, s.fallback.Model(), err
	}

	var vec []float32
	op := func() error {
		return asyncutil.WithTimeout(ctx, s.cfg.Timeout, func(tctx context.Context) error {
			v, err := s.provider.Embed(tctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
	}
	if err := s.retry(ctx, op); err != nil {
		return nil, "", err
	}
	return vec, s.provider.Model(), nil
}

func (s *Service) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, string, error) {
	if s.provider == nil {
		vecs := make([][]float32, len(texts))
		for i, t := range texts {
			v, err := s.fallback.Embed(ctx, t)
			if err != nil {
				return nil, "", err
			}
			vecs[i] = v
		}
		return vecs, s.fallback.Model(), nil
	}

	var vecs [][]float32
	op := func() error {
		return asyncutil.WithTimeout(ctx, s.cfg.Timeout, func(tctx context.Context) error {
			v, err := s.provider.EmbedBatch(tctx, texts)
			if err != nil {
				return err
			}
			vecs = v
			return nil
		})
	}
	if err := s.retry(ctx, op); err != nil {
		return nil, "", err
	}
	return vecs, s.provider.Model(), nil
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	var attempts int
	wrapped := func() error {
		attempts++
		err := op()
		if err != nil && errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries)), ctx)) //nolint:gosec // MaxRetries validated positive
}

// coerce truncates or zero-pads vec to D dimensions and L2-normalizes it.
// A mismatch is logged once per call; it usually indicates a misconfigured
// EMBEDDING_DIMENSIONS for the chosen model.
func (s *Service) coerce(vec []float32) []float32 {
	d := s.cfg.Dimensions
	if len(vec) != d {
		s.logger.Warn("embedding: dimension mismatch, coercing", "got", len(vec), "want", d)
		out := make([]float32, d)
		copy(out, vec)
		vec = out
	}
	return Normalize(vec)
}

// Normalize scales vec to unit L2 norm. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
