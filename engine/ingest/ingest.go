// Package ingest rebuilds the index from source files: validate, load, chunk,
// embed, build, publish. A failed run never replaces the live index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docsage/docsage/engine/chunker"
	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/embed"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/engine/loader"
	"github.com/docsage/docsage/engine/runs"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/google/uuid"
)

const (
	// DefaultWorkers bounds concurrent embedding batches.
	DefaultWorkers = 4
	// DefaultBatchSize is the max chunks per embedding call.
	DefaultBatchSize = 64
)

// Publisher receives IndexPublished events.
type Publisher interface {
	PublishIndex(ctx context.Context, ev IndexPublished) error
}

// Config holds the pipeline defaults and collaborators. Zero values are usable.
type Config struct {
	EmbeddingModel string
	Strategy       loader.Strategy
	Backend        string
	Workers        int
	BatchSize      int

	Embed    embed.Config
	Decorate embed.Options
	Qdrant   *index.QdrantBuilder
	Readers  []loader.Option

	Events Publisher
	Runs   *runs.Store
	// OnStage observes the duration and outcome of each stage.
	OnStage func(stage string, d time.Duration, err error)
	Logger  *slog.Logger
}

// Pipeline runs ingest requests against a slot.
type Pipeline struct {
	slot *index.Slot
	cfg  Config
	log  *slog.Logger
}

// New returns a pipeline publishing into slot.
func New(slot *index.Slot, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = embed.DefaultModel
	}
	if cfg.Strategy == "" {
		cfg.Strategy = loader.StrategyAllOrNothing
	}
	if cfg.Backend == "" {
		cfg.Backend = index.BackendExact
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Embed.Logger == nil {
		cfg.Embed.Logger = cfg.Logger
	}
	return &Pipeline{slot: slot, cfg: cfg, log: cfg.Logger}
}

// Slot returns the slot the pipeline publishes into.
func (p *Pipeline) Slot() *index.Slot { return p.slot }

// plan is a validated request with its collaborators resolved.
type plan struct {
	req      Request
	loader   *loader.Loader
	chunker  *chunker.Recursive
	embedder embed.Embedder
	builder  index.Builder
}

// Run validates req, rebuilds the index and publishes it.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := p.log.With("run", runID)

	pl, err := p.prepare(req)
	if err != nil {
		log.Warn("ingest: rejected", "err", err)
		return nil, err
	}

	run := runs.Run{
		ID:             runID,
		Files:          pl.req.Paths,
		EmbeddingModel: pl.embedder.Model(),
		Backend:        pl.builder.Name(),
		StartedAt:      start.UTC(),
	}
	if p.cfg.Runs != nil {
		p.cfg.Runs.Start(ctx, run)
	}

	var out embedded
	snap, err := p.slot.Rebuild(ctx, func(ctx context.Context, version uint64) (*index.Snapshot, error) {
		stages := fn.Then(
			stage[Request, loaded](p, "load", pl.load),
			fn.Then(
				stage(p, "chunk", fn.Then[loaded, chunked, chunked](fn.MapStage(pl.split), requireChunks)),
				stage(p, "embed", p.embedStage(pl)),
			),
		)
		res, err := stages(ctx, pl.req).Unwrap()
		if err != nil {
			return nil, err
		}
		out = res

		t := time.Now()
		ix, err := pl.builder.Build(ctx, version, res.items)
		p.observe("build", t, err)
		if err != nil {
			return nil, err
		}
		return &index.Snapshot{
			Index:    ix,
			Embedder: pl.embedder,
			Info: domain.IndexInfo{
				EmbeddingModel: pl.embedder.Model(),
				Backend:        pl.builder.Name(),
				Documents:      len(res.docs),
				BuiltAt:        time.Now().UTC(),
			},
		}, nil
	})
	if err != nil {
		if p.cfg.Runs != nil {
			p.cfg.Runs.Finish(ctx, run, err)
		}
		log.Error("ingest: failed", "err", err, "took", time.Since(start))
		return nil, err
	}

	result := &Result{RunID: runID, Info: snap.Info, Duration: time.Since(start)}
	for _, s := range out.skipped {
		result.Skipped = append(result.Skipped, Skip{Path: s.Path, Error: s.Err.Error()})
	}
	run.Chunks = snap.Info.Chunks
	run.IndexVersion = snap.Info.Version
	if p.cfg.Runs != nil {
		p.cfg.Runs.Finish(ctx, run, nil)
	}
	if p.cfg.Events != nil {
		ev := IndexPublished{RunID: runID, Info: snap.Info, Skipped: len(result.Skipped)}
		if err := p.cfg.Events.PublishIndex(ctx, ev); err != nil {
			log.Warn("ingest: publish event", "err", err)
		}
	}
	log.Info("ingest: published",
		"version", snap.Info.Version,
		"documents", snap.Info.Documents,
		"chunks", snap.Info.Chunks,
		"skipped", len(result.Skipped),
		"took", result.Duration,
	)
	return result, nil
}

// prepare validates req and resolves its collaborators. Nothing here touches the slot.
func (p *Pipeline) prepare(req Request) (*plan, error) {
	if err := domain.ValidatePaths(req.Paths); err != nil {
		return nil, err
	}
	chk, err := chunker.New(req.ChunkSize, req.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	strategy := p.cfg.Strategy
	if req.Strategy != "" {
		if strategy, err = loader.ParseStrategy(req.Strategy); err != nil {
			return nil, domain.NewValidationError("strategy", req.Strategy, err)
		}
	}
	if req.Backend == "" {
		req.Backend = p.cfg.Backend
	}
	builder, err := index.NewBuilder(req.Backend, p.cfg.Qdrant)
	if err != nil {
		return nil, domain.NewValidationError("backend", req.Backend, err)
	}
	if req.EmbeddingModel == "" {
		req.EmbeddingModel = p.cfg.EmbeddingModel
	}
	base, err := embed.Resolve(req.EmbeddingModel, p.cfg.Embed)
	if err != nil {
		return nil, err
	}

	opts := append([]loader.Option{loader.WithLogger(p.log)}, p.cfg.Readers...)
	return &plan{
		req:      req,
		loader:   loader.New(strategy, opts...),
		chunker:  chk,
		embedder: embed.Decorate(base, p.cfg.Decorate),
		builder:  builder,
	}, nil
}

// stage adds tracing, timing and logging around s.
func stage[In, Out any](p *Pipeline, name string, s fn.Stage[In, Out]) fn.Stage[In, Out] {
	return fn.TracedStage(name, func(ctx context.Context, in In) fn.Result[Out] {
		t := time.Now()
		p.log.Debug("stage.enter", "stage", name)
		r := s(ctx, in)
		_, err := r.Unwrap()
		p.observe(name, t, err)
		p.log.Debug("stage.exit", "stage", name, "duration", time.Since(t))
		return r
	})
}

func (p *Pipeline) observe(stage string, t time.Time, err error) {
	if p.cfg.OnStage != nil {
		p.cfg.OnStage(stage, time.Since(t), err)
	}
}

func (pl *plan) load(ctx context.Context, req Request) fn.Result[loaded] {
	docs, skipped, err := pl.loader.Load(ctx, req.Paths)
	if err != nil {
		return fn.Err[loaded](err)
	}
	return fn.Ok(loaded{docs: docs, skipped: skipped})
}

func (pl *plan) split(l loaded) chunked {
	return chunked{loaded: l, chunks: pl.chunker.Split(l.docs)}
}

func requireChunks(_ context.Context, c chunked) fn.Result[chunked] {
	if len(c.chunks) == 0 {
		return fn.Err[chunked](domain.LoadError("", fmt.Errorf("%w: no text could be extracted", domain.ErrNoDocuments)))
	}
	return fn.Ok(c)
}

func (p *Pipeline) embedStage(pl *plan) fn.Stage[chunked, embedded] {
	batch := fn.BatchStage(p.cfg.Workers, func(ctx context.Context, texts []string) fn.Result[[][]float32] {
		return fn.FromPair(pl.embedder.EmbedBatch(ctx, texts))
	})
	return func(ctx context.Context, c chunked) fn.Result[embedded] {
		texts := make([]string, len(c.chunks))
		for i, ch := range c.chunks {
			texts[i] = ch.Text
		}
		vecs, err := batch(ctx, fn.Chunk(texts, p.cfg.BatchSize)).Unwrap()
		if err != nil {
			if domain.KindOf(err) != domain.KindEmbedding {
				err = domain.EmbeddingError(pl.embedder.Model(), err)
			}
			return fn.Err[embedded](err)
		}
		items := make([]index.Item, 0, len(c.chunks))
		for _, b := range vecs {
			for _, v := range b {
				items = append(items, index.Item{Vector: v, Chunk: c.chunks[len(items)]})
			}
		}
		if len(items) != len(c.chunks) {
			return fn.Err[embedded](domain.EmbeddingError(pl.embedder.Model(),
				fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrBatchMismatch, len(items), len(c.chunks))))
		}
		return fn.Ok(embedded{chunked: c, items: items})
	}
}
