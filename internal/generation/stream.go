package generation

import (
	"context"
	"io"
	"log/slog"
)

// FragmentStream is a one-shot pull iterator over generated text.
type FragmentStream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// CompletionRequest is what a Completer sends upstream.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Completer opens one streaming completion per call. Implementations make a
// single attempt and report non-2xx answers with NewUpstreamError.
type Completer interface {
	Stream(ctx context.Context, req CompletionRequest) (FragmentStream, error)
}

type bodyStream struct {
	*Decoder
	body io.Closer
}

func (s *bodyStream) Close() error { return s.body.Close() }

// NewBodyStream decodes an event-framed response body and closes it on Close.
func NewBodyStream(body io.ReadCloser, logger *slog.Logger) FragmentStream {
	return &bodyStream{Decoder: NewDecoder(body, logger), body: body}
}
