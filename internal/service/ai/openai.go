package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/generation"
)

// maxErrorBody caps how much of a failed response is kept for the log.
const maxErrorBody = 64 * 1024

type chatRequest struct {
	Model       string                   `json:"model"`
	Messages    []generation.ChatMessage `json:"messages"`
	Stream      bool                     `json:"stream"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
	Temperature float64                  `json:"temperature"`
}

// OpenAICompleter posts to an OpenAI-compatible /chat/completions endpoint
// and decodes its event stream.
type OpenAICompleter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAICompleter uses timeout for the whole request including the
// streamed body; zero disables it.
func NewOpenAICompleter(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *OpenAICompleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompleter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *OpenAICompleter) Stream(ctx context.Context, req generation.CompletionRequest) (generation.FragmentStream, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, generation.Upstream("open stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, generation.NewUpstreamError(resp.StatusCode, string(body))
	}
	return generation.NewBodyStream(resp.Body, c.logger), nil
}
