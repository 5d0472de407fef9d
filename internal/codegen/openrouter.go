package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/codecat/internal/policy"
)

const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel             = "anthropic/claude-3.5-sonnet"
	providerOpenRouter       = "openrouter"
)

// OpenRouterClient calls an OpenAI-compatible chat completions endpoint.
type OpenRouterClient struct {
	baseURL      string
	defaultModel string
	referer      string
	client       *http.Client
}

func NewOpenRouterClient(baseURL, defaultModel string) *OpenRouterClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	if strings.TrimSpace(defaultModel) == "" {
		defaultModel = DefaultModel
	}
	return &OpenRouterClient{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		referer:      "https://codecat.dev",
		client: &http.Client{
			Timeout: 180 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenRouterClient) Generate(ctx context.Context, req Request) ([]FileEdit, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, &Error{Provider: providerOpenRouter, Message: "missing api key"}
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.defaultModel
	}

	body := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature: 0.2,
	}
	body.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: providerOpenRouter, Message: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: providerOpenRouter, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", "CodeCat")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: providerOpenRouter, Message: "send request", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &Error{Provider: providerOpenRouter, Status: res.StatusCode, Message: policy.Redact(strings.TrimSpace(string(raw)))}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(&decoded); err != nil {
		return nil, &Error{Provider: providerOpenRouter, Message: "decode response", Err: err}
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, &Error{Provider: providerOpenRouter, Message: policy.Redact(decoded.Error.Message)}
	}
	if len(decoded.Choices) == 0 {
		return nil, &Error{Provider: providerOpenRouter, Message: "response has no choices"}
	}
	return ParseEdits(providerOpenRouter, decoded.Choices[0].Message.Content)
}

// String names the provider in logs.
func (c *OpenRouterClient) String() string { return fmt.Sprintf("openrouter(%s)", c.baseURL) }
