package embedding

import (
	"context"
	"crypto/sha256"
	"hash/fnv"
	"strings"
	"unicode"
)

// SimpleProvider produces deterministic embeddings with no model or network.
// Text is tokenized into lowercased alphanumeric ASCII words and individual
// CJK characters, extended with overlapping token bigrams, and projected into
// D dimensions with four independent hash seeds. The result approximates a
// bag-of-words similarity space: identical texts map to identical vectors and
// near-identical texts land close in cosine space.
type SimpleProvider struct {
	dims int
}

// hashSeeds are the four independent projection seeds. Changing them changes
// every stored fallback embedding, so they are fixed for the life of a store.
var hashSeeds = [4]uint64{0x9e3779b97f4a7c15, 0xc2b2ae3d27d4eb4f, 0x165667b19e3779f9, 0x27d4eb2f165667c5}

// NewSimpleProvider creates a deterministic local provider.
func NewSimpleProvider(dims int) *SimpleProvider {
	return &SimpleProvider{dims: dims}
}

// ID identifies the backend for cache keys.
func (p *SimpleProvider) ID() string { return "simple" }

// Model returns the fallback model name.
func (p *SimpleProvider) Model() string { return "simple-hash-v1" }

// Embed projects text into the provider's dimension. Empty or token-free text
// yields the zero vector rather than an error.
func (p *SimpleProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dims)
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	features := make([]string, 0, 2*len(tokens))
	features = append(features, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		// The separator keeps bigrams distinct from plain tokens.
		features = append(features, tokens[i]+"\x01"+tokens[i+1])
	}

	for _, f := range features {
		for _, seed := range hashSeeds {
			idx := seededHash(seed, f) % uint64(p.dims)
			vec[idx]++
		}
	}
	return Normalize(vec), nil
}

// EmbedBatch embeds texts sequentially; the work is pure CPU.
func (p *SimpleProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// EmbedImageBytes projects raw image bytes into the provider's dimension
// using a mixture of SHA-256 byte bins, a length feature, and a byte-value
// histogram. Deterministic, so identical blobs always collide.
func (p *SimpleProvider) EmbedImageBytes(data []byte) []float32 {
	vec := make([]float32, p.dims)
	if len(data) == 0 {
		return vec
	}

	sum := sha256.Sum256(data)
	for i, b := range sum {
		vec[(i*31+int(b))%p.dims] += float32(b) / 255.0
	}

	// Length feature: spreads blobs of different sizes apart.
	lenIdx := int(uint64(len(data)) % uint64(p.dims)) //nolint:gosec // modulo of a length
	vec[lenIdx] += 1.0

	// Byte-value histogram folded into the vector.
	var hist [256]int
	for _, b := range data {
		hist[b]++
	}
	for v, count := range hist {
		if count == 0 {
			continue
		}
		idx := (v * 37) % p.dims
		vec[idx] += float32(count) / float32(len(data))
	}

	return Normalize(vec)
}

// Tokenize splits text into lowercased alphanumeric ASCII words and single
// CJK characters. Everything else is a separator.
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			word.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func seededHash(seed uint64, s string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(seed >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(s))
	return h.Sum64()
}
