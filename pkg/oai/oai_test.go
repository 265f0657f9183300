package oai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docsage/docsage/pkg/resilience"
	openai "github.com/sashabaranov/go-openai"
)

func TestNewClient_HeadersAndBaseURL(t *testing.T) {
	var gotPath, gotAuth, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth, gotTitle = r.URL.Path, r.Header.Get("Authorization"), r.Header.Get("X-Title")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL + "/v1", APIKey: "k", Headers: map[string]string{"X-Title": "docsage"}})
	resp, err := c.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "q"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Fatalf("resp = %+v", resp)
	}
	if gotPath != "/v1/chat/completions" || gotAuth != "Bearer k" || gotTitle != "docsage" {
		t.Fatalf("path=%q auth=%q title=%q", gotPath, gotAuth, gotTitle)
	}
}

func TestErr_MapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.CreateEmbeddings(context.Background(), openai.EmbeddingRequest{Input: []string{"x"}, Model: "e"})
	mapped := Err(err)

	var se *resilience.StatusError
	if !errors.As(mapped, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("mapped = %v", mapped)
	}
	if !resilience.Transient(mapped) {
		t.Fatal("503 should be transient")
	}
	var apiErr *openai.APIError
	if !errors.As(mapped, &apiErr) {
		t.Fatal("original error lost")
	}
}

func TestErr_PassThrough(t *testing.T) {
	if Err(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	plain := errors.New("plain")
	if Err(plain) != plain {
		t.Fatal("plain errors should pass through")
	}
	unauthorized := Err(&openai.APIError{HTTPStatusCode: 401, Message: "bad key"})
	if resilience.Transient(unauthorized) {
		t.Fatal("401 should not be transient")
	}
}
