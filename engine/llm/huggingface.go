package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docsage/docsage/pkg/resilience"
)

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens   int  `json:"max_new_tokens"`
	ReturnFullText bool `json:"return_full_text"`
}

type hfResult struct {
	GeneratedText string `json:"generated_text"`
}

// huggingFace calls the Hugging Face Inference text-generation task.
type huggingFace struct {
	endpoint string
	token    string
	client   *http.Client
}

func newHuggingFace(c Credentials, model string, hc *http.Client) Generator {
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	base := strings.TrimRight(orDefault(c.HFBaseURL, HFBaseURL), "/")
	return &huggingFace{
		endpoint: base + "/" + model,
		token:    c.HFToken,
		client:   hc,
	}
}

func (h *huggingFace) Generate(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(hfRequest{
		Inputs:     p.Text(),
		Parameters: hfParameters{MaxNewTokens: 1000},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()
	if err := resilience.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("huggingface: %w", err)
	}

	var out []hfResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("huggingface: decode: %w", err)
	}
	if len(out) == 0 || strings.TrimSpace(out[0].GeneratedText) == "" {
		return "", errEmptyCompletion
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}
