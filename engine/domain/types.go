package domain

import "time"

// UnknownSource is reported for retrieved chunks that carry no source metadata.
const UnknownSource = "Unknown source"

// Page is one text unit produced by a loader, e.g. a single PDF page.
type Page struct {
	Source   string            `json:"source"`
	Number   int               `json:"page"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Document is a loaded source file. It is never mutated after loading.
type Document struct {
	ID    string `json:"id"`
	Pages []Page `json:"pages"`
}

// Text returns the concatenated page text.
func (d Document) Text() string {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, p := range d.Pages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, p.Text...)
	}
	return string(buf)
}

// Chunk is a bounded slice of a document's text, the unit of embedding and retrieval.
type Chunk struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Source   string            `json:"source,omitempty"`
	Page     int               `json:"page"`
	Index    int               `json:"index"`
	Offset   int               `json:"offset"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SourceOrUnknown returns the chunk's source, or UnknownSource if it has none.
func (c Chunk) SourceOrUnknown() string {
	if c.Source != "" {
		return c.Source
	}
	if s := c.Metadata["source"]; s != "" {
		return s
	}
	return UnknownSource
}

// Query is a question routed to a named model.
type Query struct {
	Question string `json:"question"`
	Model    string `json:"model"`
}

// Answer is the generated text plus the sources of the retrieved chunks, in retrieval order.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []string `json:"sources"`
}

// IndexInfo describes a published index snapshot.
type IndexInfo struct {
	Version        uint64    `json:"version"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	Backend        string    `json:"backend"`
	Chunks         int       `json:"chunks"`
	Documents      int       `json:"documents"`
	BuiltAt        time.Time `json:"built_at"`
}
