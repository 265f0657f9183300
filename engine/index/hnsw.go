package index

import (
	"container/heap"
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
)

// HNSW graph parameters.
const (
	MaxLevel       = 16
	M              = 16 // max links per node on upper layers
	M0             = 32 // max links per node on layer 0
	EfConstruction = 200
	EfSearch       = 64
)

type hnswNode struct {
	level int
	links [][]int // [layer][neighbour positions]
}

// HNSW is an approximate cosine index over a hierarchical navigable small world graph.
type HNSW struct {
	vecs     [][]float32
	items    []Item
	nodes    []hnswNode
	entry    int
	top      int
	dim      int
	efSearch int
	rng      *rand.Rand
}

// HNSWBuilder builds HNSW indexes. Zero EfSearch means EfSearch.
type HNSWBuilder struct {
	EfSearch int
}

func (HNSWBuilder) Name() string { return BackendHNSW }

func (b HNSWBuilder) Build(ctx context.Context, _ uint64, items []Item) (Index, error) {
	dim, err := checkItems(items)
	if err != nil {
		return nil, err
	}
	ef := b.EfSearch
	if ef <= 0 {
		ef = EfSearch
	}
	h := &HNSW{
		vecs:     make([][]float32, 0, len(items)),
		items:    items,
		nodes:    make([]hnswNode, 0, len(items)),
		top:      -1,
		dim:      dim,
		efSearch: ef,
		rng:      rand.New(rand.NewSource(contentSeed(items))),
	}
	for i, it := range items {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		h.insert(unit(it.Vector))
	}
	h.rng = nil
	return h, nil
}

// contentSeed makes level assignment a pure function of the indexed chunks.
func contentSeed(items []Item) int64 {
	f := fnv.New64a()
	for _, it := range items {
		f.Write([]byte(it.Chunk.ID))
		f.Write([]byte{0})
	}
	return int64(f.Sum64())
}

func (h *HNSW) Len() int       { return len(h.vecs) }
func (h *HNSW) Dimension() int { return h.dim }

func (h *HNSW) randomLevel() int {
	ml := 1 / math.Log(float64(M))
	lvl := int(-math.Log(1-h.rng.Float64()) * ml)
	if lvl > MaxLevel {
		lvl = MaxLevel
	}
	return lvl
}

func (h *HNSW) dist(q []float32, pos int) float32 { return 1 - dot(q, h.vecs[pos]) }

func (h *HNSW) insert(v []float32) {
	id := len(h.vecs)
	level := h.randomLevel()
	h.vecs = append(h.vecs, v)
	h.nodes = append(h.nodes, hnswNode{level: level, links: make([][]int, level+1)})

	if h.top < 0 {
		h.entry, h.top = id, level
		return
	}

	ep := h.entry
	for l := h.top; l > level; l-- {
		ep = h.greedy(v, ep, l)
	}
	for l := min(level, h.top); l >= 0; l-- {
		found := h.searchLayer(v, ep, EfConstruction, l)
		m := M
		if l == 0 {
			m = M0
		}
		if len(found) > m {
			found = found[:m]
		}
		links := make([]int, len(found))
		for i, c := range found {
			links[i] = c.id
		}
		h.nodes[id].links[l] = links
		for _, n := range links {
			h.nodes[n].links[l] = append(h.nodes[n].links[l], id)
			if len(h.nodes[n].links[l]) > m {
				h.prune(n, l, m)
			}
		}
		ep = found[0].id
	}
	if level > h.top {
		h.entry, h.top = id, level
	}
}

// prune keeps the m links of node n on layer l closest to n.
func (h *HNSW) prune(n, l, m int) {
	links := h.nodes[n].links[l]
	sort.Slice(links, func(i, j int) bool {
		return h.dist(h.vecs[n], links[i]) < h.dist(h.vecs[n], links[j])
	})
	h.nodes[n].links[l] = links[:m]
}

func (h *HNSW) greedy(q []float32, ep, l int) int {
	cur, curDist := ep, h.dist(q, ep)
	for changed := true; changed; {
		changed = false
		for _, n := range h.nodes[cur].links[l] {
			if d := h.dist(q, n); d < curDist {
				cur, curDist, changed = n, d, true
			}
		}
	}
	return cur
}

type cand struct {
	id   int
	dist float32
}

type nearHeap []cand

func (h nearHeap) Len() int           { return len(h) }
func (h nearHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h nearHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)        { *h = append(*h, x.(cand)) }
func (h *nearHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

type farHeap struct{ nearHeap }

func (h farHeap) Less(i, j int) bool { return h.nearHeap[i].dist > h.nearHeap[j].dist }

// searchLayer returns up to ef nodes on layer l nearest to q, closest first.
func (h *HNSW) searchLayer(q []float32, ep, ef, l int) []cand {
	visited := make(map[int]struct{}, ef*4)
	visited[ep] = struct{}{}
	start := cand{id: ep, dist: h.dist(q, ep)}
	candidates := &nearHeap{start}
	results := &farHeap{nearHeap{start}}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(cand)
		if results.Len() >= ef && c.dist > results.nearHeap[0].dist {
			break
		}
		for _, n := range h.nodes[c.id].links[l] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := h.dist(q, n)
			if results.Len() < ef || d < results.nearHeap[0].dist {
				heap.Push(candidates, cand{id: n, dist: d})
				heap.Push(results, cand{id: n, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := []cand(results.nearHeap)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

func (h *HNSW) Search(ctx context.Context, q []float32, k int) ([]Hit, error) {
	if err := checkQuery(q, h.dim); err != nil {
		return nil, err
	}
	if k <= 0 || h.top < 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uq := unit(q)
	ep := h.entry
	for l := h.top; l > 0; l-- {
		ep = h.greedy(uq, ep, l)
	}
	found := h.searchLayer(uq, ep, max(h.efSearch, k), 0)

	s := make([]scored, len(found))
	for i, c := range found {
		s[i] = scored{pos: c.id, score: dot(uq, h.vecs[c.id])}
	}
	rank(s)
	if k > len(s) {
		k = len(s)
	}
	hits := make([]Hit, k)
	for i := range hits {
		hits[i] = Hit{Chunk: h.items[s[i].pos].Chunk, Score: s[i].score}
	}
	return hits, nil
}
