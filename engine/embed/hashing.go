package embed

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

const maxHashDim = 1 << 16

// Hashing is an offline embedder using signed feature hashing of word unigrams
// and bigrams. It needs no model download and is fully deterministic.
type Hashing struct {
	dim int
}

// NewHashing returns a feature-hashing embedder with dim buckets.
func NewHashing(dim int) *Hashing { return &Hashing{dim: dim} }

func (h *Hashing) Model() string  { return "hash:" + strconv.Itoa(h.dim) }
func (h *Hashing) Dimension() int { return h.dim }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dim)
	words := tokenize(text)
	for i, w := range words {
		h.add(v, w, 1)
		if i > 0 {
			h.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return normalize(v), nil
}

func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"of": true, "to": true, "in": true, "and": true, "or": true, "what": true,
	"which": true, "who": true, "how": true, "does": true, "do": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
