package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// Store is the persistence surface the pipeline consumes.
type Store interface {
	HistoryReader
	GetMessage(ctx context.Context, conversationID int64, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, conversationID int64, id string, upd models.MessageUpdate) error
	TouchConversation(ctx context.Context, id int64) error
}

// Notifier is told about every committed message write.
type Notifier interface {
	Notify(ctx context.Context, msg models.Message) error
}

// Options are fixed at construction.
type Options struct {
	Model              string
	MaxContextMessages int
	MaxTokens          int
	Temperature        float64
	DebounceInterval   time.Duration
	SystemPrompt       string
	ErrorText          string

	Notifier Notifier
	Logger   *slog.Logger
}

// OptionsFromConfig maps the generation and provider sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	g := cfg.Generation
	return Options{
		Model:              cfg.Provider.Model,
		MaxContextMessages: g.MaxContextMessages,
		MaxTokens:          g.MaxTokens,
		Temperature:        g.SamplingTemperature(),
		DebounceInterval:   g.DebounceInterval(),
		SystemPrompt:       g.SystemPrompt,
		ErrorText:          g.ErrorText,
	}
}

// Request identifies the placeholder to fill.
type Request struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      string `json:"assistantMessageId"`
}

// Result is returned on normal completion.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Controller drives one assistant message from PENDING to DONE or ERROR.
type Controller struct {
	store     Store
	completer Completer
	opts      Options
	logger    *slog.Logger
}

// NewController fills unset options with the stock defaults.
func NewController(store Store, completer Completer, opts Options) *Controller {
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = DefaultMaxContextMessages
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = DefaultDebounceInterval
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = config.DefaultSystemPrompt
	}
	if opts.ErrorText == "" {
		opts.ErrorText = config.DefaultErrorText
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: store, completer: completer, opts: opts, logger: logger}
}

// Generate runs the pipeline for req on behalf of principal. Failures before
// the target message is validated leave the store untouched; later failures
// overwrite the message with the fixed error text.
func (c *Controller) Generate(ctx context.Context, principal int64, req Request) (*Result, error) {
	if principal <= 0 {
		return nil, newError(KindAuthentication, "generate", errors.New("no caller identity"))
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.ConversationID <= 0 || req.MessageID == "" {
		return nil, newError(KindValidation, "generate", errors.New("conversationId and assistantMessageId are required"))
	}

	conv, err := authorize(ctx, c.store, req.ConversationID, principal)
	if err != nil {
		return nil, err
	}
	if err := c.checkTarget(ctx, conv.ID, req.MessageID); err != nil {
		return nil, err
	}

	logger := c.logger.With("conversation_id", conv.ID, "message_id", req.MessageID)
	done, err := c.run(ctx, logger, conv.ID, req.MessageID)
	if err != nil {
		if !done {
			// the request context may be what failed
			c.markFailed(context.WithoutCancel(ctx), logger, conv.ID, req.MessageID)
		}
		logFailure(logger, err)
		return nil, err
	}
	return &Result{Success: true, MessageID: req.MessageID}, nil
}

func (c *Controller) checkTarget(ctx context.Context, conversationID int64, messageID string) error {
	msg, err := c.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return newError(KindValidation, "load message", fmt.Errorf("message %s not in conversation %d", messageID, conversationID))
		}
		return newError(KindPersistence, "load message", err)
	}
	if msg.Role != models.RoleAssistant || msg.Status != models.StatusPending {
		return newError(KindValidation, "load message", fmt.Errorf("message %s is %s %s, want pending assistant", messageID, msg.Role, msg.Status))
	}
	return nil
}

// run reports done once DONE has been committed; no ERROR write may follow.
func (c *Controller) run(ctx context.Context, logger *slog.Logger, conversationID int64, messageID string) (done bool, err error) {
	prompt, err := history(ctx, c.store, conversationID, c.opts.MaxContextMessages, c.opts.SystemPrompt)
	if err != nil {
		return false, err
	}

	streaming := models.StatusStreaming
	if err := c.store.UpdateMessage(ctx, conversationID, messageID, models.MessageUpdate{Status: &streaming}); err != nil {
		return false, newError(KindPersistence, "mark streaming", err)
	}
	c.notify(ctx, logger, models.Message{ID: messageID, ConversationID: conversationID, Role: models.RoleAssistant, Status: streaming})

	stream, err := c.completer.Stream(ctx, CompletionRequest{
		Model:       c.opts.Model,
		Messages:    prompt,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		var genErr *Error
		if errors.As(err, &genErr) {
			return false, err
		}
		return false, Upstream("open stream", err)
	}
	defer stream.Close()

	persister := NewPersister(c.opts.DebounceInterval, c.writer(logger, conversationID, messageID))
	fragments := 0
	for stream.Next() {
		fragments++
		if err := persister.Append(ctx, stream.Fragment()); err != nil {
			persister.Abort()
			return false, newError(KindPersistence, "commit partial text", err)
		}
	}
	if err := stream.Err(); err != nil {
		persister.Abort()
		var genErr *Error
		if errors.As(err, &genErr) {
			return false, err
		}
		return false, Upstream("read stream", err)
	}

	text, err := persister.Finish(ctx)
	if err != nil {
		return false, newError(KindPersistence, "commit final text", err)
	}
	logger.Info("generation finished", "fragments", fragments, "chars", len(text), "writes", persister.Writes())

	if err := c.store.TouchConversation(ctx, conversationID); err != nil {
		return true, newError(KindPersistence, "touch conversation", err)
	}
	return true, nil
}

func (c *Controller) writer(logger *slog.Logger, conversationID int64, messageID string) WriteFunc {
	return func(ctx context.Context, text string, final bool) error {
		status := models.StatusStreaming
		if final {
			status = models.StatusDone
		}
		if err := c.store.UpdateMessage(ctx, conversationID, messageID, models.MessageUpdate{
			Text:   &text,
			Status: &status,
			Stamp:  final,
		}); err != nil {
			return err
		}
		c.notify(ctx, logger, models.Message{ID: messageID, ConversationID: conversationID, Role: models.RoleAssistant, Text: text, Status: status})
		return nil
	}
}

func (c *Controller) markFailed(ctx context.Context, logger *slog.Logger, conversationID int64, messageID string) {
	text := c.opts.ErrorText
	status := models.StatusError
	if err := c.store.UpdateMessage(ctx, conversationID, messageID, models.MessageUpdate{
		Text:   &text,
		Status: &status,
		Stamp:  true,
	}); err != nil {
		logger.Error("mark message failed", "error", err)
		return
	}
	c.notify(ctx, logger, models.Message{ID: messageID, ConversationID: conversationID, Role: models.RoleAssistant, Text: text, Status: status})
}

func (c *Controller) notify(ctx context.Context, logger *slog.Logger, msg models.Message) {
	if c.opts.Notifier == nil {
		return
	}
	if err := c.opts.Notifier.Notify(ctx, msg); err != nil {
		logger.Warn("publish progress", "error", err, "status", msg.Status)
	}
}

func logFailure(logger *slog.Logger, err error) {
	var genErr *Error
	if errors.As(err, &genErr) && genErr.StatusCode != 0 {
		logger.Error("generation failed", "error", err, "upstream_status", genErr.StatusCode, "upstream_body", genErr.Body)
		return
	}
	logger.Error("generation failed", "error", err)
}
