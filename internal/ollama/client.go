// Package ollama is the HTTP client for the local model server: batched
// embeddings and single-shot, non-streaming generation.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"smarthub/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultNumCtx  = 4096
	defaultTimeout = 60 * time.Second
	providerName   = "ollama"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	NumCtx     int
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		NumCtx:     DefaultNumCtx,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type generateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Embed returns one vector per input, in order. Empty inputs are sent as a
// single space; some models reject empty prompts.
func (c *Client) Embed(ctx context.Context, modelName string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "embedding model is required"}
	}

	payload := embedRequest{Model: modelName, Input: make([]string, len(inputs))}
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			in = " "
		}
		payload.Input[i] = in
	}

	var parsed embedResponse
	if err := c.post(ctx, "/api/embed", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Embeddings) != len(inputs) {
		return nil, &model.ProviderError{
			Provider: providerName,
			Code:     "OLLAMA_FAILED",
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(parsed.Embeddings)),
		}
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) == 0 {
			return nil, &model.ProviderError{
				Provider: providerName,
				Code:     "OLLAMA_FAILED",
				Message:  fmt.Sprintf("embedding %d is empty", i),
			}
		}
	}
	return parsed.Embeddings, nil
}

// Generate runs one non-streaming completion and returns the trimmed text.
func (c *Client) Generate(ctx context.Context, modelName, system, prompt string) (string, error) {
	if strings.TrimSpace(modelName) == "" {
		return "", &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "generation model is required"}
	}
	numCtx := c.NumCtx
	if numCtx <= 0 {
		numCtx = DefaultNumCtx
	}
	payload := generateRequest{
		Model:   modelName,
		System:  strings.TrimSpace(system),
		Prompt:  strings.TrimSpace(prompt),
		Stream:  false,
		Options: map[string]any{"num_ctx": numCtx},
	}

	var parsed generateResponse
	if err := c.post(ctx, "/api/generate", payload, &parsed); err != nil {
		return "", err
	}
	return strings.TrimSpace(parsed.Response), nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "failed to marshal request", Cause: err}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "OLLAMA_UNAVAILABLE", Message: path + " request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "failed to read response", StatusCode: resp.StatusCode, Retryable: true, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return mapProviderError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: "failed to decode " + path + " response", StatusCode: resp.StatusCode, Cause: err}
	}
	return nil
}

func mapProviderError(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && strings.TrimSpace(wire.Error) != "" {
		message = strings.TrimSpace(wire.Error)
	}
	if message == "" {
		message = fmt.Sprintf("ollama returned status %d", statusCode)
	}

	pe := &model.ProviderError{Provider: providerName, Code: "OLLAMA_FAILED", Message: message, StatusCode: statusCode}
	switch {
	case statusCode == http.StatusNotFound:
		pe.Code = "OLLAMA_MODEL_MISSING"
	case statusCode == http.StatusTooManyRequests:
		pe.Code = "OLLAMA_BUSY"
		pe.Retryable = true
	case statusCode >= http.StatusInternalServerError:
		pe.Retryable = true
	}
	return pe
}
