package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/generation"
)

// Provider names accepted by NewCompleter.
const (
	ProviderOpenAI     = "openai"
	ProviderEinoOpenAI = "eino-openai"
	ProviderClaude     = "claude"
	ProviderGemini     = "gemini"
)

// NewCompleter builds the upstream client for the configured provider. The
// plain openai provider speaks the chat completions event stream directly;
// the others go through eino chat models.
func NewCompleter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (generation.Completer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prov := cfg.Provider
	switch strings.ToLower(prov.Name) {
	case "", ProviderOpenAI:
		return NewOpenAICompleter(prov.BaseURL, prov.APIKey, cfg.Generation.RequestTimeout(), logger), nil
	default:
		chatModel, err := newChatModel(ctx, prov, cfg.Generation.MaxTokens)
		if err != nil {
			return nil, err
		}
		return NewEinoCompleter(chatModel, cfg.Generation.RequestTimeout()), nil
	}
}

func newChatModel(ctx context.Context, prov config.ProviderConfig, maxTokens int) (model.BaseChatModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch strings.ToLower(prov.Name) {
	case ProviderEinoOpenAI:
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   prov.Model,
			APIKey:  prov.APIKey,
		})
	case ProviderGemini:
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{APIKey: prov.APIKey})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  prov.Model,
		})
	case ProviderClaude:
		var baseURLPtr *string
		if prov.BaseURL != "" {
			baseURLPtr = &prov.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     prov.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", prov.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", prov.Name, err)
	}
	return chatModel, nil
}

// EinoCompleter adapts an eino chat model to the fragment stream contract.
type EinoCompleter struct {
	model   model.BaseChatModel
	timeout time.Duration
}

// NewEinoCompleter bounds every stream, from open to Close, by timeout.
// A zero timeout leaves the caller's context in charge.
func NewEinoCompleter(m model.BaseChatModel, timeout time.Duration) *EinoCompleter {
	return &EinoCompleter{model: m, timeout: timeout}
}

func (c *EinoCompleter) Stream(ctx context.Context, req generation.CompletionRequest) (generation.FragmentStream, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	opts := []model.Option{model.WithTemperature(float32(req.Temperature))}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	reader, err := c.model.Stream(ctx, convertMessages(req.Messages), opts...)
	if err != nil {
		cancel()
		return nil, generation.Upstream("open stream", err)
	}
	return &einoStream{ctx: ctx, reader: reader, cancel: cancel}, nil
}

func convertMessages(in []generation.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(in))
	for _, msg := range in {
		var role schema.RoleType
		switch msg.Role {
		case generation.ChatRoleSystem:
			role = schema.System
		case generation.ChatRoleAssistant:
			role = schema.Assistant
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

type einoStream struct {
	ctx      context.Context
	reader   *schema.StreamReader[*schema.Message]
	cancel   context.CancelFunc
	fragment string
	err      error
	done     bool
}

type recvResult struct {
	chunk *schema.Message
	err   error
}

// recv waits for the next chunk or the stream deadline, whichever comes
// first; chat models are not required to watch ctx while blocked.
func (s *einoStream) recv() (*schema.Message, error) {
	ch := make(chan recvResult, 1)
	go func() {
		chunk, err := s.reader.Recv()
		ch <- recvResult{chunk: chunk, err: err}
	}()
	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *einoStream) Next() bool {
	for !s.done {
		chunk, err := s.recv()
		if err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) {
				s.err = generation.Upstream("read stream", err)
			}
			return false
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		s.fragment = chunk.Content
		return true
	}
	return false
}

func (s *einoStream) Fragment() string { return s.fragment }

func (s *einoStream) Err() error { return s.err }

func (s *einoStream) Close() error {
	s.cancel()
	s.reader.Close()
	return nil
}
