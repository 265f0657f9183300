// Package index holds the searchable vector snapshots and the slot that
// publishes them.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/docsage/docsage/engine/domain"
)

// Item is one chunk and its embedding, as handed to a Builder.
type Item struct {
	Vector []float32
	Chunk  domain.Chunk
}

// Hit is a search result. Score is cosine similarity, higher is closer.
type Hit struct {
	Chunk domain.Chunk `json:"chunk"`
	Score float32      `json:"score"`
}

// Index is an immutable, concurrently searchable set of chunk vectors.
type Index interface {
	Search(ctx context.Context, q []float32, k int) ([]Hit, error)
	Len() int
	Dimension() int
}

// Builder constructs an Index. version is the slot version the index will be
// published under.
type Builder interface {
	Name() string
	Build(ctx context.Context, version uint64, items []Item) (Index, error)
}

// Backend names accepted by NewBuilder.
const (
	BackendExact  = "exact"
	BackendHNSW   = "hnsw"
	BackendQdrant = "qdrant"
)

func checkItems(items []Item) (int, error) {
	if len(items) == 0 {
		return 0, fmt.Errorf("index: %w", domain.ErrNoDocuments)
	}
	dim := len(items[0].Vector)
	for i, it := range items {
		if len(it.Vector) == 0 || len(it.Vector) != dim {
			return 0, fmt.Errorf("index: %w: item %d has %d, want %d", domain.ErrDimensionMismatch, i, len(it.Vector), dim)
		}
	}
	return dim, nil
}

func checkQuery(q []float32, dim int) error {
	if len(q) != dim {
		return fmt.Errorf("index: %w: query has %d, index has %d", domain.ErrDimensionMismatch, len(q), dim)
	}
	return nil
}

func norm(v []float32) float32 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return float32(math.Sqrt(s))
}

// unit returns a normalized copy of v.
func unit(v []float32) []float32 {
	out := make([]float32, len(v))
	n := norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

type scored struct {
	pos   int
	score float32
}

// rank orders by score descending with ties broken by insertion position.
func rank(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return s[i].pos < s[j].pos
	})
}
