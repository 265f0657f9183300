package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/docsage/docsage/engine/domain"
	"github.com/docsage/docsage/pkg/fn"
	"github.com/docsage/docsage/pkg/oai"
	"github.com/docsage/docsage/pkg/resilience"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultSystemPrompt instructs the model to answer from the supplied context only.
const DefaultSystemPrompt = "Use the following pieces of context to answer the question at the end. " +
	"If you don't know the answer, just say that you don't know, don't try to make up an answer."

// Prompt is a stuffed question-answering prompt.
type Prompt struct {
	System   string
	Context  string
	Question string
}

func (p Prompt) system() string {
	if p.System == "" {
		return DefaultSystemPrompt
	}
	return p.System
}

// Text renders the prompt as a single completion string.
func (p Prompt) Text() string {
	var b strings.Builder
	b.WriteString(p.system())
	b.WriteString("\n\n")
	b.WriteString(p.Context)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(p.Question)
	b.WriteString("\nHelpful Answer:")
	return b.String()
}

// Messages renders the prompt as chat messages.
func (p Prompt) Messages() []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: p.system() + "\n\n" + p.Context},
		{Role: openai.ChatMessageRoleUser, Content: p.Question},
	}
}

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Public endpoints per family.
const (
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	GeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
	HFBaseURL         = "https://api-inference.huggingface.co/models"
)

// Attribution headers OpenRouter shows on its dashboard.
const (
	openRouterReferer = "http://localhost:5173"
	openRouterTitle   = "Multi-PDF Chat App"
)

var errEmptyCompletion = errors.New("llm: empty completion")

// chat calls an OpenAI-compatible chat completions endpoint.
type chat struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func (c *chat) Generate(ctx context.Context, p Prompt) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    p.Messages(),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", oai.Err(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func newGroq(c Credentials, model string, hc *http.Client) Generator {
	return &chat{
		client:      oai.NewClient(oai.Options{BaseURL: orDefault(c.GroqBaseURL, GroqBaseURL), APIKey: c.GroqAPIKey, HTTPClient: hc}),
		model:       model,
		temperature: 0.7,
	}
}

func newOpenRouter(c Credentials, model string, hc *http.Client) Generator {
	return &chat{
		client: oai.NewClient(oai.Options{
			BaseURL:    orDefault(c.OpenRouterBaseURL, OpenRouterBaseURL),
			APIKey:     c.OpenRouterAPIKey,
			HTTPClient: hc,
			Headers: map[string]string{
				"HTTP-Referer": openRouterReferer,
				"X-Title":      openRouterTitle,
			},
		}),
		model:       model,
		temperature: 0.7,
		maxTokens:   1000,
	}
}

func newGemini(c Credentials, model string, hc *http.Client) Generator {
	return &chat{
		client: oai.NewClient(oai.Options{BaseURL: orDefault(c.GeminiBaseURL, GeminiBaseURL), APIKey: c.GoogleAPIKey, HTTPClient: hc}),
		model:  model,
	}
}

// resilient adds the family breaker and transient retries, and reports every
// failure as GenerationError.
type resilient struct {
	Generator
	model   string
	family  Family
	breaker *resilience.Breaker
	retry   fn.RetryOpts
}

func (r *resilient) Generate(ctx context.Context, p Prompt) (string, error) {
	out, err := resilience.CallResult(r.breaker, ctx, func(ctx context.Context) fn.Result[string] {
		return fn.Retry(ctx, r.retry, func(ctx context.Context) fn.Result[string] {
			return fn.FromPair(r.Generator.Generate(ctx, p))
		})
	}).Unwrap()
	if err != nil {
		return "", domain.GenerationError(r.model, fmt.Errorf("%s: %w", r.family, err))
	}
	return out, nil
}
