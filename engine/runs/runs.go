// Package runs records ingestion runs: who built which index, from what, and how it ended.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docsage/docsage/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// Status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Label is the node label runs are stored under.
const Label = "IngestRun"

// Run is one ingestion attempt.
type Run struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	Files          []string  `json:"files"`
	Chunks         int       `json:"chunks"`
	EmbeddingModel string    `json:"embedding_model"`
	Backend        string    `json:"backend"`
	IndexVersion   uint64    `json:"index_version,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Store keeps the run ledger. Failures to write are logged and never fail the ingest.
type Store struct {
	repo repo.Repository[Run, string]
	log  *slog.Logger
}

// NewStore wraps any run repository.
func NewStore(r repo.Repository[Run, string], log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{repo: r, log: log}
}

// NewMemoryStore keeps runs in process memory.
func NewMemoryStore(log *slog.Logger) *Store {
	return NewStore(repo.NewMemory(func(r Run) string { return r.ID }), log)
}

// NewNeo4jStore keeps runs as (:IngestRun) nodes.
func NewNeo4jStore(driver neo4j.DriverWithContext, database string, log *slog.Logger) *Store {
	r := repo.NewNeo4jRepo[Run, string](driver, Label, toMap, fromRecord,
		repo.WithDatabase[Run, string](database))
	return NewStore(r, log)
}

// Start records a running run.
func (s *Store) Start(ctx context.Context, r Run) {
	r.Status = StatusRunning
	if _, err := s.repo.Create(ctx, r); err != nil {
		s.log.Warn("runs: record start", "run", r.ID, "err", err)
	}
}

// Finish records the outcome of a run. A nil err marks it succeeded.
func (s *Store) Finish(ctx context.Context, r Run, err error) {
	r.Status = StatusSucceeded
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	if _, uerr := s.repo.Update(ctx, r); uerr != nil {
		s.log.Warn("runs: record finish", "run", r.ID, "err", uerr)
	}
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	out, err := s.repo.List(ctx, repo.ListOpts{Limit: limit, OrderBy: "started_at", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	return out, nil
}

// Get returns a single run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	return s.repo.Get(ctx, id)
}

func toMap(r Run) map[string]any {
	m := map[string]any{
		"id":              r.ID,
		"status":          string(r.Status),
		"files":           r.Files,
		"chunks":          int64(r.Chunks),
		"embedding_model": r.EmbeddingModel,
		"backend":         r.Backend,
		"index_version":   int64(r.IndexVersion),
		"error":           r.Error,
		"started_at":      r.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if !r.FinishedAt.IsZero() {
		m["finished_at"] = r.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func fromRecord(rec *neo4j.Record) (Run, error) {
	v, ok := rec.Get("n")
	if !ok {
		return Run{}, fmt.Errorf("runs: record has no node")
	}
	var props map[string]any
	switch n := v.(type) {
	case dbtype.Node:
		props = n.Props
	case map[string]any:
		props = n
	default:
		return Run{}, fmt.Errorf("runs: unexpected node type %T", v)
	}
	return fromProps(props), nil
}

func fromProps(p map[string]any) Run {
	r := Run{
		ID:             str(p["id"]),
		Status:         Status(str(p["status"])),
		Chunks:         int(num(p["chunks"])),
		EmbeddingModel: str(p["embedding_model"]),
		Backend:        str(p["backend"]),
		IndexVersion:   uint64(num(p["index_version"])),
		Error:          str(p["error"]),
	}
	if files, ok := p["files"].([]any); ok {
		for _, f := range files {
			r.Files = append(r.Files, str(f))
		}
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, str(p["started_at"]))
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, str(p["finished_at"]))
	return r
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
