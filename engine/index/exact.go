package index

import "context"

// Exact is a brute-force cosine index.
type Exact struct {
	vecs   [][]float32
	chunks []Item
	dim    int
}

// ExactBuilder builds Exact indexes.
type ExactBuilder struct{}

func (ExactBuilder) Name() string { return BackendExact }

func (ExactBuilder) Build(ctx context.Context, _ uint64, items []Item) (Index, error) {
	dim, err := checkItems(items)
	if err != nil {
		return nil, err
	}
	e := &Exact{vecs: make([][]float32, len(items)), chunks: items, dim: dim}
	for i, it := range items {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e.vecs[i] = unit(it.Vector)
	}
	return e, nil
}

func (e *Exact) Len() int       { return len(e.vecs) }
func (e *Exact) Dimension() int { return e.dim }

func (e *Exact) Search(ctx context.Context, q []float32, k int) ([]Hit, error) {
	if err := checkQuery(q, e.dim); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	uq := unit(q)
	all := make([]scored, len(e.vecs))
	for i, v := range e.vecs {
		all[i] = scored{pos: i, score: dot(uq, v)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rank(all)
	if k > len(all) {
		k = len(all)
	}
	hits := make([]Hit, k)
	for i := range hits {
		hits[i] = Hit{Chunk: e.chunks[all[i].pos].Chunk, Score: all[i].score}
	}
	return hits, nil
}
