// Package llm adapts the Anthropic Messages API to the document extraction
// port used by the ingest pipeline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"healthsync/services/pipeline-api/internal/resilience"
)

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

// New returns nil when no API key is configured so callers can surface a
// configuration error per request instead of failing at startup.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are owned by the caller's backoff policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		log:       logger.With("adapter", "anthropic"),
	}
}

// Complete sends the base64 document and the prompt as one user turn and
// returns the concatenated text blocks of the reply.
func (c *Client) Complete(ctx context.Context, prompt, mimeType, base64Data string) (string, error) {
	doc, err := documentBlock(mimeType, base64Data)
	if err != nil {
		return "", resilience.Permanent(err)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(doc, anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("model %s returned no text content", c.model)
	}

	c.log.DebugContext(ctx, "model call complete",
		slog.String("model", c.model),
		slog.Int64("input_tokens", msg.Usage.InputTokens),
		slog.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return b.String(), nil
}

func documentBlock(mimeType, base64Data string) (anthropic.ContentBlockParamUnion, error) {
	switch mimeType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return anthropic.NewImageBlockBase64(mimeType, base64Data), nil
	case "application/pdf":
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: base64Data}), nil
	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported document type %q", mimeType)
	}
}

// classify marks client-side rejections as permanent so they are not retried.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("anthropic api status %d: %w", apiErr.StatusCode, err)
		default:
			return resilience.Permanent(fmt.Errorf("anthropic api status %d: %w", apiErr.StatusCode, err))
		}
	}
	return fmt.Errorf("anthropic api call: %w", err)
}
