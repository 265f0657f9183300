// Package chunker splits loaded pages into overlapping, size-bounded chunks.
//
// Lengths are counted in runes. A chunk ends on the coarsest natural boundary
// (paragraph, line, sentence, word) that keeps it within the size limit, and
// falls back to a hard character cut only when no boundary fits. Consecutive
// chunks of the same page share exactly Overlap runes.
package chunker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docsage/docsage/engine/domain"
	"github.com/google/uuid"
)

const (
	// DefaultChunkSize matches the upload form default.
	DefaultChunkSize = 1000
	// DefaultOverlap matches the upload form default.
	DefaultOverlap = 200
)

// DefaultSeparators go from coarse to fine. The empty separator means "any rune".
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Recursive is a recursive character splitter. It is safe for concurrent use.
type Recursive struct {
	size       int
	overlap    int
	separators [][]rune
}

// Option configures a Recursive splitter.
type Option func(*Recursive)

// WithSeparators overrides DefaultSeparators.
func WithSeparators(seps ...string) Option {
	return func(r *Recursive) { r.separators = toRunes(seps) }
}

// New returns a splitter, or an InvalidChunkConfig error unless 0 <= overlap < size.
func New(size, overlap int, opts ...Option) (*Recursive, error) {
	if err := domain.ValidateChunkConfig(size, overlap); err != nil {
		return nil, err
	}
	r := &Recursive{size: size, overlap: overlap, separators: toRunes(DefaultSeparators)}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func toRunes(seps []string) [][]rune {
	out := make([][]rune, len(seps))
	for i, s := range seps {
		out[i] = []rune(s)
	}
	return out
}

// Size returns the configured maximum chunk length in runes.
func (r *Recursive) Size() int { return r.size }

// Overlap returns the configured overlap in runes.
func (r *Recursive) Overlap() int { return r.overlap }

// Split chunks every page of every document, preserving document and page order.
func (r *Recursive) Split(docs []domain.Document) []domain.Chunk {
	var out []domain.Chunk
	for _, doc := range docs {
		idx := 0
		for _, page := range doc.Pages {
			source := page.Source
			if source == "" {
				source = doc.ID
			}
			for _, w := range r.windows([]rune(page.Text)) {
				out = append(out, domain.Chunk{
					ID:       ChunkID(source, page.Number, idx),
					Text:     w.text,
					Source:   source,
					Page:     page.Number,
					Index:    idx,
					Offset:   w.start,
					Metadata: chunkMeta(page, source),
				})
				idx++
			}
		}
	}
	return out
}

// SplitText returns the chunk texts for a single text unit.
func (r *Recursive) SplitText(text string) []string {
	ws := r.windows([]rune(text))
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.text
	}
	return out
}

// ChunkID is a stable identifier for a chunk position.
func ChunkID(source string, page, index int) string {
	name := source + "|" + strconv.Itoa(page) + "|" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func chunkMeta(p domain.Page, source string) map[string]string {
	m := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		m[k] = v
	}
	m["source"] = source
	m["page"] = strconv.Itoa(p.Number)
	return m
}

type window struct {
	start int
	text  string
}

// windows trims the unit, then walks it with windows of at most size runes.
// Each window after the first starts overlap runes before the previous end.
func (r *Recursive) windows(text []rune) []window {
	lo, hi := trimBounds(text)
	if lo >= hi {
		return nil
	}
	var out []window
	start := lo
	for {
		if hi-start <= r.size {
			out = append(out, window{start: start, text: string(text[start:hi])})
			return out
		}
		end := r.breakAt(text, start, hi)
		out = append(out, window{start: start, text: string(text[start:end])})
		start = end - r.overlap
	}
}

// breakAt picks the end of the window starting at start. The end lies in
// (start+overlap, start+size] so the window fits and the next one advances.
func (r *Recursive) breakAt(text []rune, start, hi int) int {
	maxEnd := start + r.size
	if maxEnd > hi {
		maxEnd = hi
	}
	minEnd := start + r.overlap + 1
	for _, sep := range r.separators {
		if len(sep) == 0 {
			return maxEnd
		}
		for p := maxEnd; p >= minEnd; p-- {
			if endsWith(text, p, sep) {
				return p
			}
		}
	}
	return maxEnd
}

// endsWith reports whether text[:p] ends with sep and sep lies entirely inside text.
func endsWith(text []rune, p int, sep []rune) bool {
	if p < len(sep) {
		return false
	}
	for i := range sep {
		if text[p-len(sep)+i] != sep[i] {
			return false
		}
	}
	return true
}

func trimBounds(text []rune) (int, int) {
	lo, hi := 0, len(text)
	for lo < hi && isSpace(text[lo]) {
		lo++
	}
	for hi > lo && isSpace(text[hi-1]) {
		hi--
	}
	return lo, hi
}

func isSpace(r rune) bool {
	return strings.ContainsRune(" \t\r\n\f\v", r)
}

// String implements fmt.Stringer for log output.
func (r *Recursive) String() string {
	return fmt.Sprintf("recursive(size=%d, overlap=%d)", r.size, r.overlap)
}
