package ingest

import (
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/engine/loader"
)

// Request asks for the index to be rebuilt from Paths. Empty Strategy,
// Backend and EmbeddingModel fall back to the pipeline defaults.
type Request struct {
	Paths          []string `json:"file_paths"`
	ChunkSize      int      `json:"chunk_size"`
	ChunkOverlap   int      `json:"chunk_overlap"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	Backend        string   `json:"backend,omitempty"`
}

// Skip is a file left out of a best-effort run.
type Skip struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result describes a published index.
type Result struct {
	RunID    string           `json:"run_id"`
	Info     domain.IndexInfo `json:"index"`
	Skipped  []Skip           `json:"skipped,omitempty"`
	Duration time.Duration    `json:"duration_ns"`
}

// IndexPublished is broadcast after every successful rebuild.
type IndexPublished struct {
	RunID   string           `json:"run_id"`
	Info    domain.IndexInfo `json:"index"`
	Skipped int              `json:"skipped"`
}

type loaded struct {
	docs    []domain.Document
	skipped []loader.FileError
}

type chunked struct {
	loaded
	chunks []domain.Chunk
}

type embedded struct {
	chunked
	items []index.Item
}
