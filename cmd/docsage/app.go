package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/engine/embed"
	"github.com/docsage/docsage/engine/index"
	"github.com/docsage/docsage/engine/ingest"
	"github.com/docsage/docsage/engine/llm"
	"github.com/docsage/docsage/engine/loader"
	"github.com/docsage/docsage/engine/rag"
	"github.com/docsage/docsage/engine/runs"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/metrics"
	"github.com/docsage/docsage/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// app holds the wired core shared by every command.
type app struct {
	cfg Config
	log *slog.Logger

	slot     *index.Slot
	router   *llm.Router
	rag      *rag.Service
	pipeline *ingest.Pipeline
	runs     *runs.Store

	reg *metrics.Registry
	tel *telemetry

	nc     *nats.Conn
	neo    neo4j.DriverWithContext
	qdrant *index.QdrantBuilder
	cache  *embed.Cache

	closers []func()
}

// newApp wires the core from cfg. Optional backends (NATS, Neo4j, Qdrant, the
// embedding cache) are connected only when configured.
func newApp(ctx context.Context, cfg Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, reg: metrics.New()}
	a.tel = newTelemetry(a.reg)

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	strategy, err := loader.ParseStrategy(cfg.Ingest.Strategy)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("config: ingest.strategy: %w", err)
	}

	hc := &http.Client{Timeout: cfg.Providers.Timeout}
	a.slot = index.NewSlot(index.WithSlotLogger(log))

	opts := llm.DefaultOptions()
	opts.Retry.MaxAttempts = cfg.Providers.RetryAttempts
	opts.HTTPClient = hc
	opts.Logger = log
	opts.Breaker.OnStateChange = a.tel.breaker
	a.router = llm.NewRouter(llm.Credentials{
		GroqAPIKey:        cfg.Providers.GroqAPIKey,
		HFToken:           cfg.Providers.HFToken,
		OpenRouterAPIKey:  cfg.Providers.OpenRouterAPIKey,
		GoogleAPIKey:      cfg.Providers.GoogleAPIKey,
		GroqBaseURL:       cfg.Providers.GroqBaseURL,
		HFBaseURL:         cfg.Providers.HFBaseURL,
		OpenRouterBaseURL: cfg.Providers.OpenRouterBaseURL,
		GeminiBaseURL:     cfg.Providers.GeminiBaseURL,
	}, opts)

	ragOpts := rag.DefaultOptions()
	ragOpts.TopK = cfg.Query.TopK
	ragOpts.MaxContextTokens = cfg.Query.MaxContextTokens
	ragOpts.SimilarityThreshold = float32(cfg.Query.SimilarityThreshold)
	a.rag = rag.New(a.slot, a.router, ragOpts, log)

	pcfg := ingest.Config{
		EmbeddingModel: cfg.Ingest.EmbeddingModel,
		Strategy:       strategy,
		Backend:        cfg.Ingest.Backend,
		Workers:        cfg.Ingest.Workers,
		BatchSize:      cfg.Ingest.BatchSize,
		Embed: embed.Config{
			OllamaURL:     cfg.Embed.OllamaURL,
			OpenAIBaseURL: cfg.Embed.OpenAIBaseURL,
			OpenAIKey:     cfg.Embed.OpenAIKey,
			HTTPClient:    hc,
			Logger:        log,
		},
		Decorate: embed.Options{
			Retry: fn.RetryOpts{
				MaxAttempts: cfg.Embed.RetryAttempts,
				InitialWait: 500 * time.Millisecond,
				MaxWait:     8 * time.Second,
				Jitter:      true,
			},
			RateLimit: cfg.Embed.RateLimit,
			Burst:     cfg.Embed.Burst,
			Breaker:   a.embedBreaker(),
			Cache:     a.cache,
			Logger:    log,
		},
		Qdrant:  a.qdrant,
		Runs:    a.runs,
		OnStage: a.tel.stage,
		Logger:  log,
	}
	if a.nc != nil {
		pcfg.Events = ingest.NATSPublisher{NC: a.nc}
	}
	a.pipeline = ingest.New(a.slot, pcfg)
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Embed.CachePath != "" {
		c, err := embed.OpenCache(cfg.Embed.CachePath)
		if err != nil {
			return err
		}
		c.OnLookup(a.tel.cacheLookup)
		c.SetLogger(a.log)
		a.cache = c
		a.closers = append(a.closers, func() { c.Close() })
	}

	if cfg.Qdrant.Addr != "" {
		qb, err := index.NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Prefix, a.log)
		if err != nil {
			return err
		}
		a.qdrant = qb
		a.closers = append(a.closers, func() { qb.Close() })
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("docsage"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("nats: connect %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		a.closers = append(a.closers, func() { nc.Drain() })
	}

	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return fmt.Errorf("neo4j: driver: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			driver.Close(ctx)
			return fmt.Errorf("neo4j: connect %s: %w", cfg.Neo4j.URL, err)
		}
		a.neo = driver
		a.runs = runs.NewNeo4jStore(driver, cfg.Neo4j.Database, a.log)
		a.closers = append(a.closers, func() { driver.Close(context.Background()) })
	} else {
		a.runs = runs.NewMemoryStore(a.log)
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Ingest runs the pipeline and records metrics.
func (a *app) Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	start := time.Now()
	res, err := a.pipeline.Run(ctx, req)
	var info *domain.IndexInfo
	if res != nil {
		info = &res.Info
	}
	a.tel.ingest(time.Since(start), info, err)
	return res, err
}

// Answer answers question with model and records metrics.
func (a *app) Answer(ctx context.Context, question, model string) (*domain.Answer, error) {
	start := time.Now()
	ans, err := a.rag.Answer(ctx, question, model)
	a.tel.query(time.Since(start), err)
	if domain.KindOf(err) == domain.KindGeneration {
		if f, rerr := llm.Resolve(model); rerr == nil {
			a.tel.generationError(string(f))
		}
	}
	return ans, err
}

// defaultRequest fills an ingest request from config.
func (a *app) defaultRequest(paths []string) ingest.Request {
	return ingest.Request{
		Paths:          paths,
		ChunkSize:      a.cfg.Ingest.ChunkSize,
		ChunkOverlap:   a.cfg.Ingest.ChunkOverlap,
		EmbeddingModel: a.cfg.Ingest.EmbeddingModel,
		Strategy:       a.cfg.Ingest.Strategy,
		Backend:        a.cfg.Ingest.Backend,
	}
}

// embedBreaker guards every embedding provider of this process.
func (a *app) embedBreaker() *resilience.Breaker {
	bo := resilience.DefaultBreakerOpts
	bo.Name = "embed"
	bo.OnStateChange = a.tel.breaker
	return resilience.NewBreaker(bo)
}
