package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsync/services/pipeline-api/internal/resilience"
)

type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content []struct {
			Type   string `json:"type"`
			Text   string `json:"text"`
			Source struct {
				Type      string `json:"type"`
				MediaType string `json:"media_type"`
				Data      string `json:"data"`
			} `json:"source"`
		} `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "test-model", MaxTokens: 512}, logger)
	require.NotNil(t, c)
	return c
}

func writeMessage(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":            "msg_test",
		"type":          "message",
		"role":          "assistant",
		"model":         "test-model",
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 12, "output_tokens": 7},
	})
}

func writeAPIError(w http.ResponseWriter, status int, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errType, "message": "test failure"},
	})
}

func TestNew_WithoutKeyReturnsNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, New(Config{}, slog.Default()))
}

func TestClient_Complete_SendsImageAndPrompt(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.EqualValues(t, 512, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		require.Len(t, req.Messages[0].Content, 2)
		assert.Equal(t, "image", req.Messages[0].Content[0].Type)
		assert.Equal(t, "image/png", req.Messages[0].Content[0].Source.MediaType)
		assert.Equal(t, "aGVsbG8=", req.Messages[0].Content[0].Source.Data)
		assert.Equal(t, "text", req.Messages[0].Content[1].Type)
		assert.Equal(t, "extract please", req.Messages[0].Content[1].Text)

		writeMessage(w, `{"title":"CBC"}`)
	})

	out, err := c.Complete(context.Background(), "extract please", "image/png", "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"CBC"}`, out)
}

func TestClient_Complete_PDFUsesDocumentBlock(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "document", req.Messages[0].Content[0].Type)
		assert.Equal(t, "application/pdf", req.Messages[0].Content[0].Source.MediaType)
		writeMessage(w, `{}`)
	})

	_, err := c.Complete(context.Background(), "p", "application/pdf", "JVBERi0=")
	require.NoError(t, err)
}

func TestClient_Complete_UnsupportedTypeIsPermanent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.Complete(context.Background(), "p", "text/plain", "aGk=")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestClient_Complete_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error")
	})

	_, err := c.Complete(context.Background(), "p", "image/png", "aGk=")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
}

func TestClient_Complete_ServerErrorIsRetriable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusInternalServerError, "api_error")
	})

	_, err := c.Complete(context.Background(), "p", "image/png", "aGk=")
	require.Error(t, err)
	assert.False(t, resilience.IsPermanent(err))
	assert.EqualValues(t, 1, calls.Load(), "sdk retries must be disabled")
}

func TestClient_Complete_NoTextContent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, "")
	})

	_, err := c.Complete(context.Background(), "p", "image/png", "aGk=")
	require.Error(t, err)
}
