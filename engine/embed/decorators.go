package embed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/resilience"
)

// Options selects the decorators applied by Decorate.
type Options struct {
	Retry fn.RetryOpts
	// RateLimit is requests per second to the provider; 0 disables throttling.
	RateLimit float64
	Burst     int
	// Breaker is shared across runs so repeated provider failures keep it open.
	Breaker *resilience.Breaker
	Cache   *Cache
	Logger  *slog.Logger
}

// Decorate wraps base as Cached(Guarded(Retrying(Throttled(base)))). Cache hits
// skip the breaker, the rate limiter and the provider entirely.
func Decorate(base Embedder, opts Options) Embedder {
	e := base
	if opts.RateLimit > 0 {
		e = Throttled(e, resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RateLimit, Burst: opts.Burst}))
	}
	if opts.Retry.MaxAttempts > 1 {
		e = Retrying(e, opts.Retry, opts.Logger)
	}
	if opts.Breaker != nil {
		e = Guarded(e, opts.Breaker)
	}
	if opts.Cache != nil {
		e = opts.Cache.Wrap(e)
	}
	return e
}

type retrying struct {
	Embedder
	opts fn.RetryOpts
}

// Retrying retries transient provider failures with exponential backoff and
// reports terminal failures as EmbeddingError.
func Retrying(e Embedder, opts fn.RetryOpts, log *slog.Logger) Embedder {
	if log == nil {
		log = slog.Default()
	}
	if opts.Retryable == nil {
		opts.Retryable = resilience.Transient
	}
	model := e.Model()
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("embed: retrying", "model", model, "attempt", attempt, "wait", wait, "err", err)
	}
	return &retrying{Embedder: e, opts: opts}
}

func (r *retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := fn.Retry(ctx, r.opts, func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(r.Embedder.Embed(ctx, text))
	}).Unwrap()
	return v, r.wrap(err)
}

func (r *retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := fn.Retry(ctx, r.opts, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(r.Embedder.EmbedBatch(ctx, texts))
	}).Unwrap()
	if err != nil {
		return nil, r.wrap(err)
	}
	if err := checkBatch(r.Model(), texts, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (r *retrying) wrap(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || domain.KindOf(err) == domain.KindEmbedding {
		return err
	}
	return domain.EmbeddingError(r.Model(), err)
}

type throttled struct {
	Embedder
	lim   *resilience.Limiter
	batch fn.Stage[[]string, [][]float32]
}

// Throttled blocks each provider call on lim.
func Throttled(e Embedder, lim *resilience.Limiter) Embedder {
	return &throttled{
		Embedder: e,
		lim:      lim,
		batch: resilience.LimiterStageWait(lim, func(ctx context.Context, texts []string) fn.Result[[][]float32] {
			return fn.FromPair(e.EmbedBatch(ctx, texts))
		}),
	}
}

func (t *throttled) Embed(ctx context.Context, text string) ([]float32, error) {
	var v []float32
	err := t.lim.CallWait(ctx, func(ctx context.Context) error {
		var err error
		v, err = t.Embedder.Embed(ctx, text)
		return err
	})
	return v, err
}

func (t *throttled) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return t.batch(ctx, texts).Unwrap()
}

type guarded struct {
	Embedder
	b     *resilience.Breaker
	batch fn.Stage[[]string, [][]float32]
}

// Guarded fails fast with EmbeddingError while b is open.
func Guarded(e Embedder, b *resilience.Breaker) Embedder {
	return &guarded{
		Embedder: e,
		b:        b,
		batch: resilience.BreakerStage(b, func(ctx context.Context, texts []string) fn.Result[[][]float32] {
			return fn.FromPair(e.EmbedBatch(ctx, texts))
		}),
	}
}

func (g *guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	var v []float32
	err := g.b.Call(ctx, func(ctx context.Context) error {
		var err error
		v, err = g.Embedder.Embed(ctx, text)
		return err
	})
	return v, g.wrap(err)
}

func (g *guarded) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := g.batch(ctx, texts).Unwrap()
	return vecs, g.wrap(err)
}

func (g *guarded) wrap(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.EmbeddingError(g.Model(), err)
	}
	return err
}
