package embedding_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/omoide/internal/embedding"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingProvider always errors, to exercise fallback degradation.
type failingProvider struct{}

func (failingProvider) ID() string    { return "failing" }
func (failingProvider) Model() string { return "failing-model" }
func (failingProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("backend down")
}
func (failingProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("backend down")
}

func newTestService(t *testing.T, p embedding.Provider) *embedding.Service {
	t.Helper()
	svc := embedding.NewService(p, embedding.Config{
		Dimensions: 64,
		MaxRetries: 1,
	}, testLogger())
	t.Cleanup(svc.Close)
	return svc
}

func TestEmbedText_Deterministic(t *testing.T) {
	svc := newTestService(t, nil)

	a, err := svc.EmbedText(context.Background(), "我喜欢Python编程", embedding.EmbedOptions{SkipCache: true})
	require.NoError(t, err)
	b, err := svc.EmbedText(context.Background(), "我喜欢Python编程", embedding.EmbedOptions{SkipCache: true})
	require.NoError(t, err)

	assert.Equal(t, a.Embedding, b.Embedding)
	assert.False(t, b.Cached)
}

func TestEmbedText_UnitNorm(t *testing.T) {
	svc := newTestService(t, nil)

	res, err := svc.EmbedText(context.Background(), "hello world", embedding.EmbedOptions{})
	require.NoError(t, err)
	require.Len(t, res.Embedding, 64)

	var sum float64
	for _, v := range res.Embedding {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestEmbedText_EmptyYieldsZeroVector(t *testing.T) {
	svc := newTestService(t, nil)

	res, err := svc.EmbedText(context.Background(), "", embedding.EmbedOptions{})
	require.NoError(t, err)
	require.Len(t, res.Embedding, 64)
	for _, v := range res.Embedding {
		assert.Zero(t, v)
	}
}

func TestEmbedText_CacheHit(t *testing.T) {
	svc := newTestService(t, nil)

	first, err := svc.EmbedText(context.Background(), "cached text", embedding.EmbedOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.EmbedText(context.Background(), "cached text", embedding.EmbedOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Embedding, second.Embedding)
}

func TestEmbedText_FallbackOnProviderFailure(t *testing.T) {
	svc := newTestService(t, failingProvider{})

	res, err := svc.EmbedText(context.Background(), "some text", embedding.EmbedOptions{})
	require.NoError(t, err)

	// Degradation is visible in the model name.
	assert.Equal(t, "failing-model-fallback", res.Model)
	require.Len(t, res.Embedding, 64)

	var sum float64
	for _, v := range res.Embedding {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestEmbedBatch_PreservesOrderAndUsesCache(t *testing.T) {
	svc := newTestService(t, nil)

	warm, err := svc.EmbedText(context.Background(), "b", embedding.EmbedOptions{})
	require.NoError(t, err)

	results, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results[0].Cached)
	assert.True(t, results[1].Cached)
	assert.Equal(t, warm.Embedding, results[1].Embedding)
	assert.False(t, results[2].Cached)
}

func TestEmbedImage_DeterministicAndCached(t *testing.T) {
	svc := newTestService(t, nil)
	data := []byte{0x89, 0x50, 0x4e, 0x47, 1, 2, 3, 4}

	first, err := svc.EmbedImage(context.Background(), data)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.EmbedImage(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Embedding, second.Embedding)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	vec := make([]float32, 8)
	assert.Equal(t, vec, embedding.Normalize(vec))
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"ascii words lowered", "Hello World", []string{"hello", "world"}},
		{"cjk split per char", "喜欢", []string{"喜", "欢"}},
		{"mixed", "我用Go写代码", []string{"我", "用", "go", "写", "代", "码"}},
		{"punctuation separates", "a,b!c", []string{"a", "b", "c"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, embedding.Tokenize(tt.in))
		})
	}
}

func TestSimpleProvider_SimilarTextsCloserThanUnrelated(t *testing.T) {
	p := embedding.NewSimpleProvider(128)

	a, err := p.Embed(context.Background(), "我喜欢吃辣的食物")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "我喜欢吃辣的菜")
	require.NoError(t, err)
	c, err := p.Embed(context.Background(), "quarterly revenue projections")
	require.NoError(t, err)

	assert.Greater(t, cosine(a, b), cosine(a, c))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
