package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/resilience"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / math.Sqrt(na*nb)
}

func TestHashing_Deterministic(t *testing.T) {
	h := NewHashing(384)
	a, _ := h.Embed(context.Background(), "The capital of France is Paris.")
	b, _ := h.Embed(context.Background(), "The capital of France is Paris.")
	if len(a) != 384 {
		t.Fatalf("dim = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("not deterministic at %d", i)
		}
	}
	if math.Abs(cosine(a, a)-1) > 1e-5 {
		t.Fatalf("not unit length")
	}
}

func TestHashing_RelatedTextsAreCloser(t *testing.T) {
	h := NewHashing(384)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "What is the capital of France?")
	rel, _ := h.Embed(ctx, "The capital of France is Paris.")
	unrel, _ := h.Embed(ctx, "Photosynthesis converts light into chemical energy.")
	if cosine(q, rel) <= cosine(q, unrel) {
		t.Fatalf("related %.3f <= unrelated %.3f", cosine(q, rel), cosine(q, unrel))
	}
}

func TestHashing_EmptyText(t *testing.T) {
	v, err := NewHashing(8).Embed(context.Background(), "")
	if err != nil || len(v) != 8 {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		model   string
		wantErr bool
	}{
		{name: "BAAI/bge-small-en", model: "hash:384"},
		{name: "hash:16", model: "hash:16"},
		{name: "local", model: "hash:384"},
		{name: "ollama:nomic-embed-text", cfg: Config{OllamaURL: "http://localhost:11434"}, model: "ollama:nomic-embed-text"},
		{name: "openai:text-embedding-3-small", cfg: Config{OpenAIKey: "k"}, model: "openai:text-embedding-3-small"},
		{name: "mine", cfg: Config{Aliases: map[string]string{"mine": "hash:32"}}, model: "hash:32"},
		{name: "ollama:x", wantErr: true},
		{name: "openai:x", wantErr: true},
		{name: "hash:abc", wantErr: true},
		{name: "word2vec", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Resolve(tt.name, tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrEmbedding) {
					t.Fatalf("expected EmbeddingError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if e.Model() != tt.model {
				t.Errorf("model = %q, want %q", e.Model(), tt.model)
			}
		})
	}
}

func TestResolve_UnknownModelCause(t *testing.T) {
	_, err := Resolve("word2vec", Config{})
	if !errors.Is(err, domain.ErrUnknownEmbeddingModel) {
		t.Fatalf("expected ErrUnknownEmbeddingModel, got %v", err)
	}
}

// flaky fails the first n calls with err.
type flaky struct {
	Embedder
	n     int32
	err   error
	calls atomic.Int32
}

func (f *flaky) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return f.Embedder.EmbedBatch(ctx, texts)
}

func (f *flaky) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func TestRetrying_RecoversFromTransient(t *testing.T) {
	f := &flaky{Embedder: NewHashing(8), n: 2, err: &resilience.StatusError{Code: 503}}
	e := Retrying(f, fastRetry, nil)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(vecs) != 2 || f.calls.Load() != 3 {
		t.Fatalf("vecs=%d calls=%d", len(vecs), f.calls.Load())
	}
}

func TestRetrying_TerminalIsEmbeddingError(t *testing.T) {
	f := &flaky{Embedder: NewHashing(8), n: 100, err: &resilience.StatusError{Code: 401}}
	_, err := Retrying(f, fastRetry, nil).Embed(context.Background(), "a")
	if !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected EmbeddingError, got %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("401 retried %d times", f.calls.Load())
	}
}

func TestRetrying_Exhausted(t *testing.T) {
	f := &flaky{Embedder: NewHashing(8), n: 100, err: &resilience.StatusError{Code: 500}}
	_, err := Retrying(f, fastRetry, nil).Embed(context.Background(), "a")
	var re *fn.RetryError
	if !errors.Is(err, domain.ErrEmbedding) || !errors.As(err, &re) || re.Attempts != 3 {
		t.Fatalf("unexpected: %v", err)
	}
}

type short struct{ Embedder }

func (s short) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := s.Embedder.EmbedBatch(ctx, texts)
	return v[:len(v)-1], err
}

func TestRetrying_BatchMismatch(t *testing.T) {
	_, err := Retrying(short{NewHashing(4)}, fastRetry, nil).EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, domain.ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got %v", err)
	}
}

func TestThrottled_HonoursContext(t *testing.T) {
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	e := Throttled(NewHashing(4), lim)
	if _, err := e.Embed(context.Background(), "first"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.Embed(ctx, "second"); err == nil {
		t.Fatal("expected limiter wait to fail")
	}
}

func TestThrottled_BatchSharesLimiter(t *testing.T) {
	lim := resilience.NewLimiter(resilience.LimiterOpts{Rate: 0.001, Burst: 1})
	e := Throttled(NewHashing(4), lim)
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.Embed(ctx, "c"); err == nil {
		t.Fatal("single embed should wait on the token the batch used")
	}
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{Name: "embed", FailThreshold: 2, Timeout: time.Hour, HalfOpenMax: 1})
	f := &flaky{Embedder: NewHashing(8), n: 100, err: &resilience.StatusError{Code: 503}}
	e := Guarded(f, b)
	for i := 0; i < 2; i++ {
		if _, err := e.EmbedBatch(context.Background(), []string{"a"}); err == nil {
			t.Fatalf("call %d: expected provider error", i)
		}
	}
	_, err := e.Embed(context.Background(), "a")
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected open-circuit EmbeddingError, got %v", err)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("provider called %d times, want 2", f.calls.Load())
	}
}

func TestDecorate_BreakerWrapsRetries(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{Name: "embed", FailThreshold: 1, Timeout: time.Hour, HalfOpenMax: 1})
	f := &flaky{Embedder: NewHashing(8), n: 100, err: &resilience.StatusError{Code: 500}}
	e := Decorate(f, Options{Retry: fastRetry, Breaker: b})
	if _, err := e.Embed(context.Background(), "a"); !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("unexpected: %v", err)
	}
	if f.calls.Load() != 3 || b.State() != resilience.StateOpen {
		t.Fatalf("calls=%d state=%v", f.calls.Load(), b.State())
	}
	if _, err := e.Embed(context.Background(), "b"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestCache_HitsSkipProvider(t *testing.T) {
	c, err := OpenCache(filepath.Join(t.TempDir(), "embed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	var hits, misses int
	c.OnLookup(func(_ string, h, m int) { hits += h; misses += m })

	f := &flaky{Embedder: NewHashing(16)}
	e := c.Wrap(f)
	ctx := context.Background()

	first, err := e.EmbedBatch(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.calls.Load())
	}
	if hits != 2 || misses != 3 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}
	for i := range first[0] {
		if first[0][i] != second[2][i] || first[1][i] != second[0][i] {
			t.Fatal("cached vectors differ from fresh ones")
		}
	}
}

func TestCache_FailuresDegradeToProvider(t *testing.T) {
	c, err := OpenCache(filepath.Join(t.TempDir(), "embed.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var logs bytes.Buffer
	c.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	e := c.Wrap(NewHashing(8))
	c.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil || len(vecs) != 2 {
		t.Fatalf("vecs=%d err=%v", len(vecs), err)
	}
	for _, want := range []string{"embed: cache read", "embed: cache write", "level=WARN"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("log missing %q:\n%s", want, logs.String())
		}
	}
}

func TestDecorate_Stack(t *testing.T) {
	e := Decorate(NewHashing(8), Options{Retry: fastRetry, RateLimit: 1000, Burst: 10})
	if e.Model() != "hash:8" || e.Dimension() != 8 {
		t.Fatalf("decorators must pass through identity: %s/%d", e.Model(), e.Dimension())
	}
	if _, err := e.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestOpenAI_SortsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 2}},
				{"object": "embedding", "index": 0, "embedding": []float32{3, 0}},
			},
		})
	}))
	defer srv.Close()

	e := NewOpenAI(srv.URL, "sk-test", "text-embedding-3-small", nil)
	vecs, err := e.EmbedBatch(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("wrong order or not normalized: %v", vecs)
	}
	if e.Dimension() != 2 {
		t.Fatalf("dimension = %d", e.Dimension())
	}
}

func TestOpenAI_StatusIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI(srv.URL, "k", "m", nil).Embed(context.Background(), "x")
	if !resilience.Transient(err) {
		t.Fatalf("429 should be transient: %v", err)
	}
}
