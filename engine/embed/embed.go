// Package embed maps text to fixed-dimension vectors through pluggable providers.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/docsage/docsage/engine/domain"
)

// Embedder turns text into vectors. Implementations are deterministic for a fixed model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns exactly one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model is the canonical provider model name, e.g. "hash:384" or "ollama:nomic-embed-text".
	Model() string
	// Dimension is the vector length, or 0 if not known before the first call.
	Dimension() int
}

// DefaultModel is the model the upload form selects.
const DefaultModel = "BAAI/bge-small-en"

// DefaultAliases map hosted sentence-transformer names onto providers available
// without a Python runtime.
var DefaultAliases = map[string]string{
	"BAAI/bge-small-en":                      "hash:384",
	"BAAI/bge-base-en":                       "hash:768",
	"sentence-transformers/all-MiniLM-L6-v2": "hash:384",
	"local":                                  "hash:384",
}

// Config holds provider endpoints and credentials read at startup.
type Config struct {
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIKey     string
	Aliases       map[string]string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Resolve returns the provider for name. Recognised forms are "hash:<dim>",
// "ollama:<model>", "openai:<model>" and any alias in cfg.Aliases or DefaultAliases.
func Resolve(name string, cfg Config) (Embedder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.EmbeddingError(name, fmt.Errorf("%w: empty name", domain.ErrUnknownEmbeddingModel))
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	canonical := name
	if a, ok := cfg.Aliases[name]; ok {
		canonical = a
	} else if a, ok := DefaultAliases[name]; ok {
		canonical = a
	}
	if canonical != name {
		log.Info("embed: model alias", "requested", name, "provider", canonical)
	}

	provider, model, _ := strings.Cut(canonical, ":")
	switch provider {
	case "hash":
		dim, err := strconv.Atoi(model)
		if err != nil || dim <= 0 || dim > maxHashDim {
			return nil, domain.EmbeddingError(name, fmt.Errorf("%w: bad hash dimension %q", domain.ErrUnknownEmbeddingModel, model))
		}
		return NewHashing(dim), nil
	case "ollama":
		if cfg.OllamaURL == "" || model == "" {
			return nil, domain.EmbeddingError(name, fmt.Errorf("%w: ollama url or model not configured", domain.ErrUnknownEmbeddingModel))
		}
		return NewOllama(cfg.OllamaURL, model, cfg.HTTPClient), nil
	case "openai":
		if cfg.OpenAIKey == "" || model == "" {
			return nil, domain.EmbeddingError(name, fmt.Errorf("%w: %s", domain.ErrMissingCredential, "OPENAI_API_KEY"))
		}
		return NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIKey, model, cfg.HTTPClient), nil
	}
	return nil, domain.EmbeddingError(name, domain.ErrUnknownEmbeddingModel)
}

// checkBatch enforces the one-vector-per-text contract and a single dimension.
func checkBatch(model string, texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return domain.EmbeddingError(model, fmt.Errorf("%w: got %d vectors for %d texts", domain.ErrBatchMismatch, len(vecs), len(texts)))
	}
	for i, v := range vecs {
		if len(v) == 0 || len(v) != len(vecs[0]) {
			return domain.EmbeddingError(model, fmt.Errorf("%w: vector %d has length %d", domain.ErrDimensionMismatch, i, len(v)))
		}
	}
	return nil
}

// normalize scales v to unit length in place. Zero vectors are left unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= n
	}
	return v
}
