// Package rag answers questions against the published index: it embeds the
// question, retrieves the nearest chunks, stuffs them into a prompt and asks
// the routed model for an answer.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/engine/llm"
	"github.com/docsage/docsage/pkg/fn"
)

// Generators resolves a model name to a generator. *llm.Router implements it.
type Generators interface {
	Generator(model string) (llm.Generator, error)
}

// Snapshots yields the live index snapshot. *index.Slot implements it.
type Snapshots interface {
	Current() (*index.Snapshot, error)
}

// Options configures retrieval and prompt construction.
type Options struct {
	TopK int
	// MaxContextTokens bounds the stuffed context, counted in words. Lower-ranked
	// chunks are dropped first.
	MaxContextTokens int
	SystemPrompt     string
	// SimilarityThreshold drops hits scoring below it. Zero disables the filter.
	SimilarityThreshold float32
}

// DefaultOptions returns the defaults used by the HTTP service.
func DefaultOptions() Options {
	return Options{
		TopK:             4,
		MaxContextTokens: 3000,
		SystemPrompt:     llm.DefaultSystemPrompt,
	}
}

// Service is the RAG orchestrator. It holds no per-request state.
type Service struct {
	slot   Snapshots
	gens   Generators
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(slot Snapshots, gens Generators, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	return &Service{slot: slot, gens: gens, opts: opts, logger: logger}
}

// Options returns the service options.
func (s *Service) Options() Options { return s.opts }

// Answer runs the full pipeline for question against model.
func (s *Service) Answer(ctx context.Context, question, model string) (*domain.Answer, error) {
	if err := domain.ValidateQuery(domain.Query{Question: question, Model: model}); err != nil {
		return nil, err
	}
	start := time.Now()
	snap, err := s.slot.Current()
	if err != nil {
		return nil, err
	}
	gen, err := s.gens.Generator(model)
	if err != nil {
		return nil, annotate(err, model, question)
	}

	hits, err := s.search(ctx, snap, question, s.opts.TopK)
	if err != nil {
		return nil, err
	}
	s.logger.Info("rag: retrieved", "hits", len(hits), "index_version", snap.Info.Version)

	text, err := gen.Generate(ctx, llm.Prompt{
		System:   s.opts.SystemPrompt,
		Context:  StuffContext(hits, s.opts.MaxContextTokens),
		Question: question,
	})
	if err != nil {
		return nil, annotate(err, model, question)
	}

	sources := fn.Map(hits, func(h index.Hit) string { return h.Chunk.SourceOrUnknown() })
	s.logger.Info("rag: answered", "model", model, "sources", len(sources), "took", time.Since(start))
	return &domain.Answer{Text: text, Sources: sources}, nil
}

// Retrieve returns the top k hits for question without generating an answer.
func (s *Service) Retrieve(ctx context.Context, question string, k int) ([]index.Hit, error) {
	if strings.TrimSpace(question) == "" {
		return nil, domain.NewValidationError("question", "", domain.ErrEmptyQuestion)
	}
	snap, err := s.slot.Current()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = s.opts.TopK
	}
	return s.search(ctx, snap, question, k)
}

func (s *Service) search(ctx context.Context, snap *index.Snapshot, question string, k int) ([]index.Hit, error) {
	if snap.Embedder == nil {
		return nil, domain.RetrievalError(errors.New("snapshot has no embedder"))
	}
	q, err := snap.Embedder.Embed(ctx, question)
	if err != nil {
		return nil, domain.RetrievalError(err)
	}
	hits, err := snap.Index.Search(ctx, q, k)
	if err != nil {
		return nil, domain.RetrievalError(err)
	}
	if t := s.opts.SimilarityThreshold; t > 0 {
		hits = fn.Filter(hits, func(h index.Hit) bool { return h.Score >= t })
	}
	return hits, nil
}

// StuffContext joins hit texts with blank lines, keeping whole chunks in rank
// order while the word count stays within budget. The top chunk is always
// included, cut to budget if it alone exceeds it. budget <= 0 means unlimited.
func StuffContext(hits []index.Hit, budget int) string {
	parts := make([]string, 0, len(hits))
	used := 0
	for i, h := range hits {
		words := len(strings.Fields(h.Chunk.Text))
		if budget > 0 && used+words > budget {
			if i == 0 {
				parts = append(parts, strings.Join(strings.Fields(h.Chunk.Text)[:budget], " "))
			}
			break
		}
		parts = append(parts, h.Chunk.Text)
		used += words
	}
	return strings.Join(parts, "\n\n")
}

// annotate records the request on generation failures. Errors from custom
// generators that are not yet classified become GenerationError.
func annotate(err error, model, question string) error {
	if domain.KindOf(err) == domain.KindUnknown {
		err = domain.GenerationError(model, err)
	}
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindGeneration {
		de.Op = "rag.answer"
		de.Question = question
	}
	return err
}
