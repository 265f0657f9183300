// Package oai builds go-openai clients for OpenAI-compatible endpoints
// (OpenAI, Groq, OpenRouter, Google) and maps their errors onto
// resilience.StatusError.
package oai

import (
	"errors"
	"net/http"
	"time"

	"github.com/docsage/docsage/pkg/resilience"
	openai "github.com/sashabaranov/go-openai"
)

// Options configures a client.
type Options struct {
	BaseURL string
	APIKey  string
	// Headers are added to every request, e.g. attribution headers for gateways.
	Headers    map[string]string
	HTTPClient *http.Client
}

// NewClient returns a go-openai client for opts.BaseURL.
func NewClient(opts Options) *openai.Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	if len(opts.Headers) > 0 {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		clone := *hc
		clone.Transport = &headerTransport{base: base, headers: opts.Headers}
		hc = &clone
	}
	cfg.HTTPClient = hc
	return openai.NewClientWithConfig(cfg)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}

// Err converts go-openai API and request errors into *resilience.StatusError so
// resilience.Transient can classify them. Other errors are returned unchanged.
func Err(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &statusErr{StatusError: resilience.StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}, cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &statusErr{StatusError: resilience.StatusError{Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}, cause: err}
	}
	return err
}

// statusErr keeps the original go-openai error reachable through errors.As.
type statusErr struct {
	resilience.StatusError
	cause error
}

func (e *statusErr) Unwrap() []error { return []error{&e.StatusError, e.cause} }
