package embed

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/docsage/docsage/pkg/oai"
	"github.com/docsage/docsage/pkg/ollama"
	openai "github.com/sashabaranov/go-openai"
)

// Ollama embeds through a local Ollama server.
type Ollama struct {
	client *ollama.Client
	dim    atomic.Int64
}

// NewOllama returns an Ollama-backed embedder.
func NewOllama(baseURL, model string, hc *http.Client) *Ollama {
	return &Ollama{client: ollama.NewClient(baseURL, model, hc)}
}

func (o *Ollama) Model() string  { return "ollama:" + o.client.Model() }
func (o *Ollama) Dimension() int { return int(o.dim.Load()) }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := o.client.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	o.dim.Store(int64(len(v)))
	return v, nil
}

func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := o.client.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) > 0 {
		o.dim.Store(int64(len(vecs[0])))
	}
	return vecs, nil
}

// OpenAI embeds through any OpenAI-compatible /embeddings endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    atomic.Int64
}

// NewOpenAI returns an embedder for model at baseURL (empty means api.openai.com).
func NewOpenAI(baseURL, apiKey, model string, hc *http.Client) *OpenAI {
	return &OpenAI{
		client: oai.NewClient(oai.Options{BaseURL: baseURL, APIKey: apiKey, HTTPClient: hc}),
		model:  model,
	}
}

func (o *OpenAI) Model() string  { return "openai:" + o.model }
func (o *OpenAI) Dimension() int { return int(o.dim.Load()) }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", oai.Err(err))
	}
	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = normalize(d.Embedding)
	}
	if err := checkBatch(o.Model(), texts, out); err != nil {
		return nil, err
	}
	o.dim.Store(int64(len(out[0])))
	return out, nil
}
