// Package llm routes model names to provider families and builds generators for them.
package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/resilience"
)

// Family is a provider family. Every model in a family shares its endpoint,
// credential and request shaping.
type Family string

const (
	FamilyGroq        Family = "groq"
	FamilyHuggingFace Family = "huggingface"
	FamilyOpenRouter  Family = "openrouter"
	FamilyGemini      Family = "gemini"
)

var huggingFaceModels = []string{"gpt-4o", "gpt-4o-mini"}

var openRouterModels = []string{
	"liquid/lfm-40b:free",
	"nousresearch/hermes-3-llama-3.1-405b:free",
	"meta-llama/llama-3.1-405b-instruct:free",
	"mistralai/mistral-7b-instruct:free",
}

// groqModels are the Groq names offered by Models. Any llama-/mixtral- name routes to Groq.
var groqModels = []string{"llama-3.1-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"}

const geminiModel = "gemini-pro"

// Resolve maps a model name to its family.
func Resolve(model string) (Family, error) {
	switch {
	case strings.HasPrefix(model, "llama-"), strings.HasPrefix(model, "mixtral-"):
		return FamilyGroq, nil
	case contains(huggingFaceModels, model):
		return FamilyHuggingFace, nil
	case contains(openRouterModels, model):
		return FamilyOpenRouter, nil
	case model == geminiModel:
		return FamilyGemini, nil
	}
	return "", domain.UnsupportedModelError(model)
}

// ModelInfo describes one routable model.
type ModelInfo struct {
	Name   string `json:"name"`
	Family Family `json:"family"`
}

// Models lists the explicitly routable model names, sorted by family then name.
func Models() []ModelInfo {
	var out []ModelInfo
	add := func(f Family, names ...string) {
		for _, n := range names {
			out = append(out, ModelInfo{Name: n, Family: f})
		}
	}
	add(FamilyGroq, groqModels...)
	add(FamilyHuggingFace, huggingFaceModels...)
	add(FamilyOpenRouter, openRouterModels...)
	add(FamilyGemini, geminiModel)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Family != out[j].Family {
			return out[i].Family < out[j].Family
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Credentials are the provider secrets and endpoints, read once at startup.
// Empty base URLs use the public endpoints.
type Credentials struct {
	GroqAPIKey       string
	HFToken          string
	OpenRouterAPIKey string
	GoogleAPIKey     string

	GroqBaseURL       string
	HFBaseURL         string
	OpenRouterBaseURL string
	GeminiBaseURL     string
}

func (c Credentials) secret(f Family) (value, env string) {
	switch f {
	case FamilyGroq:
		return c.GroqAPIKey, "GROQ_API_KEY"
	case FamilyHuggingFace:
		return c.HFToken, "HF_TOKEN"
	case FamilyOpenRouter:
		return c.OpenRouterAPIKey, "OPENROUTER_API_KEY"
	case FamilyGemini:
		return c.GoogleAPIKey, "GOOGLE_API_KEY"
	}
	return "", ""
}

// Options configures failure handling shared by all generators of a Router.
type Options struct {
	Retry      fn.RetryOpts
	Breaker    resilience.BreakerOpts
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultOptions retries transient failures three times and opens a family's
// circuit after five consecutive failures.
func DefaultOptions() Options {
	return Options{
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     8 * time.Second,
			Jitter:      true,
		},
		Breaker: resilience.DefaultBreakerOpts,
	}
}

// Router builds and caches one generator per model.
type Router struct {
	creds    Credentials
	opts     Options
	log      *slog.Logger
	breakers map[Family]*resilience.Breaker

	mu   sync.Mutex
	gens map[string]Generator
}

// NewRouter returns a router over creds.
func NewRouter(creds Credentials, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = resilience.Transient
	}
	r := &Router{
		creds:    creds,
		opts:     opts,
		log:      log,
		breakers: map[Family]*resilience.Breaker{},
		gens:     map[string]Generator{},
	}
	userHook := opts.Breaker.OnStateChange
	for _, f := range []Family{FamilyGroq, FamilyHuggingFace, FamilyOpenRouter, FamilyGemini} {
		bo := opts.Breaker
		bo.Name = string(f)
		bo.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("llm: circuit state change", "family", name, "from", from, "to", to)
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		r.breakers[f] = resilience.NewBreaker(bo)
	}
	return r
}

// Generator returns the generator for model. Unknown models fail with
// UnsupportedModelError; a family without a configured secret fails with
// GenerationError wrapping ErrMissingCredential.
func (r *Router) Generator(model string) (Generator, error) {
	family, err := Resolve(model)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gens[model]; ok {
		return g, nil
	}
	secret, env := r.creds.secret(family)
	if secret == "" {
		return nil, domain.GenerationError(model, fmt.Errorf("%w: %s", domain.ErrMissingCredential, env))
	}

	var base Generator
	switch family {
	case FamilyGroq:
		base = newGroq(r.creds, model, r.opts.HTTPClient)
	case FamilyOpenRouter:
		base = newOpenRouter(r.creds, model, r.opts.HTTPClient)
	case FamilyGemini:
		base = newGemini(r.creds, model, r.opts.HTTPClient)
	case FamilyHuggingFace:
		base = newHuggingFace(r.creds, model, r.opts.HTTPClient)
	}
	g := &resilient{
		Generator: base,
		model:     model,
		family:    family,
		breaker:   r.breakers[family],
		retry:     r.retryFor(model),
	}
	r.gens[model] = g
	r.log.Info("llm: generator ready", "model", model, "family", family)
	return g, nil
}

// Breaker exposes a family's circuit breaker, mainly for health reporting.
func (r *Router) Breaker(f Family) *resilience.Breaker { return r.breakers[f] }

func (r *Router) retryFor(model string) fn.RetryOpts {
	opts := r.opts.Retry
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		r.log.Warn("llm: retrying", "model", model, "attempt", attempt, "wait", wait, "err", err)
	}
	return opts
}
