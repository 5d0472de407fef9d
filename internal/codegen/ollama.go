package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const providerOllama = "ollama"

// OllamaClient generates edits with a self-hosted model. The request API key
// is ignored.
type OllamaClient struct {
	client       *api.Client
	defaultModel string
}

// NewOllamaClient connects to host, or to OLLAMA_HOST when host is empty.
func NewOllamaClient(host, defaultModel string) (*OllamaClient, error) {
	var client *api.Client
	if strings.TrimSpace(host) == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, &Error{Provider: providerOllama, Message: "client from environment", Err: err}
		}
		client = c
	} else {
		base, err := url.Parse(strings.TrimSpace(host))
		if err != nil {
			return nil, &Error{Provider: providerOllama, Message: "parse host", Err: err}
		}
		client = api.NewClient(base, &http.Client{Timeout: 10 * time.Minute})
	}
	return &OllamaClient{client: client, defaultModel: strings.TrimSpace(defaultModel)}, nil
}

func (c *OllamaClient) Generate(ctx context.Context, req Request) ([]FileEdit, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" || strings.Contains(model, "/") {
		// Hosted model slugs such as vendor/model do not exist locally.
		model = c.defaultModel
	}
	if model == "" {
		return nil, &Error{Provider: providerOllama, Message: "no model configured"}
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
	}

	var reply strings.Builder
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		out := &Error{Provider: providerOllama, Message: "chat", Err: err}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			out.Status = statusErr.StatusCode
		}
		return nil, out
	}
	return ParseEdits(providerOllama, reply.String())
}
