package codegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaGenerate(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "json", body["format"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   gotModel,
			"message": map[string]any{"role": "assistant", "content": `{"changes":[{"path":"main.go","action":"create","content":"package main"}]}`},
			"done":    true,
		})
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, "qwen2.5-coder")
	require.NoError(t, err)

	edits, err := c.Generate(context.Background(), Request{Model: "anthropic/claude-3.5-sonnet", Description: "add main"})
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, ActionCreate, edits[0].Action)
	assert.Equal(t, "qwen2.5-coder", gotModel)
}

func TestOllamaGenerateRequiresModel(t *testing.T) {
	c, err := NewOllamaClient("http://127.0.0.1:1", "")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), Request{Description: "x"})
	assert.ErrorIs(t, err, ErrGenerate)
}
