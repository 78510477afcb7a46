package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/auth"
	"chatrelay/internal/generation"
	"chatrelay/internal/models"
	"chatrelay/internal/progress"
	"chatrelay/internal/service/assistant"
	"chatrelay/internal/worker"
)

const (
	categoryRateLimited = "rate_limited"
	categoryBusy        = "busy"

	watchKeepAlive = 15 * time.Second
)

// Generator runs the generation pipeline for one placeholder message.
type Generator interface {
	Generate(ctx context.Context, principal int64, req generation.Request) (*generation.Result, error)
}

// WorkerManager runs per-user jobs on the shared pool.
type WorkerManager interface {
	Run(ctx context.Context, userID int64, fn worker.JobFunc) error
	Go(ctx context.Context, userID int64, fn worker.JobFunc) error
	CancelUser(userID int64) int
}

// TitleGenerator names a conversation from its first turns.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, messages []*models.Message) (string, error)
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	// Titles renames conversations still carrying the default title after
	// a successful generation. Nil disables renaming.
	Titles        TitleGenerator
	RatePerMinute float64
	Burst         int
	Logger        *slog.Logger
}

// Handler wires HTTP routes to the assistant service, the generation
// pipeline and the progress broker.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	generator Generator
	workers   WorkerManager
	broker    progress.Broker
	titles    TitleGenerator
	limiter   *principalLimiter
	logger    *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, generator Generator, workers WorkerManager, broker progress.Broker, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: service,
		auth:      authService,
		generator: generator,
		workers:   workers,
		broker:    broker,
		titles:    opts.Titles,
		limiter:   newPrincipalLimiter(opts.RatePerMinute, opts.Burst),
		logger:    logger,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "category": generation.KindAuthentication})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)
	authed.POST("/conversations", h.createConversation)
	authed.GET("/conversations", h.listConversations)
	authed.DELETE("/conversations/:id", h.deleteConversation)
	authed.GET("/conversations/:id/messages", h.listMessages)
	authed.POST("/conversations/:id/messages", h.postMessage)
	authed.GET("/conversations/:id/watch", h.watchConversation)
	authed.POST("/generate", h.generate)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, assistant.ErrInvalidCredentials) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"expires_in": int(h.auth.TokenTTL().Seconds()),
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Error("revoke token", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if n := h.workers.CancelUser(id); n > 0 {
		h.logger.Info("dropped queued jobs of deleted user", "user_id", id, "count", n)
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// an empty body creates an untitled conversation
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	conv, err := h.assistant.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.assistant.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convID, ok := conversationParam(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteConversation(c.Request.Context(), userID, convID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, ok := h.ownedConversation(c, userID)
	if !ok {
		return
	}
	messages, err := h.assistant.ListMessages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

func (h *Handler) postMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	convID, ok := conversationParam(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	userMsg, placeholder, err := h.assistant.PostUserTurn(c.Request.Context(), userID, convID, req.Text, "")
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"userMessageId":      userMsg.ID,
		"assistantMessageId": placeholder.ID,
		"user_message":       userMsg,
		"assistant_message":  placeholder,
	})
}

func (h *Handler) generate(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req generation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeGenerationError(c, generation.ErrValidation)
		return
	}
	if !h.limiter.allow(userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many generation requests", "category": categoryRateLimited})
		return
	}

	// the answer keeps being written after a client disconnect; the upstream
	// client timeout bounds the run
	ctx := context.WithoutCancel(c.Request.Context())
	var result *generation.Result
	err := h.workers.Run(ctx, userID, func(jobCtx context.Context) error {
		var err error
		result, err = h.generator.Generate(jobCtx, userID, req)
		return err
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry", "category": categoryBusy})
			return
		}
		writeGenerationError(c, err)
		return
	}
	h.scheduleTitle(userID, req.ConversationID)
	c.JSON(http.StatusOK, result)
}

// scheduleTitle renames a conversation that still has the default title.
func (h *Handler) scheduleTitle(userID, conversationID int64) {
	if h.titles == nil {
		return
	}
	err := h.workers.Go(context.Background(), userID, func(ctx context.Context) error {
		conv, err := h.assistant.GetConversation(ctx, conversationID)
		if err != nil || conv.Title != assistant.DefaultConversationTitle {
			return err
		}
		messages, err := h.assistant.ListMessages(ctx, conversationID)
		if err != nil {
			return err
		}
		title, err := h.titles.GenerateTitle(ctx, messages)
		if err != nil {
			h.logger.Warn("generate title", "conversation_id", conversationID, "error", err)
			return err
		}
		if title == assistant.DefaultConversationTitle {
			return nil
		}
		return h.assistant.RenameConversation(ctx, conversationID, title)
	})
	if err != nil {
		h.logger.Warn("schedule title", "conversation_id", conversationID, "error", err)
	}
}

// watchConversation streams committed message states as server-sent events.
// Current snapshots come first. With ?message_id= the stream ends once that
// message reaches a terminal status.
func (h *Handler) watchConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conv, ok := h.ownedConversation(c, userID)
	if !ok {
		return
	}
	target := c.Query("message_id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// subscribe before the snapshot so no commit falls in between
	events, stop, err := h.broker.Subscribe(ctx, conv.ID)
	if err != nil {
		h.logger.Error("subscribe progress", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "watch unavailable"})
		return
	}
	defer stop()
	messages, err := h.assistant.ListMessages(ctx, conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(ev progress.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	finished := func(ev progress.Event) bool {
		return target != "" && ev.MessageID == target && ev.Status.Terminal()
	}

	for _, msg := range messages {
		ev := progress.Snapshot(msg)
		if !sendEvent(ev) {
			return
		}
		if finished(ev) {
			return
		}
	}

	keepAlive := time.NewTicker(watchKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !sendEvent(ev) || finished(ev) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func conversationParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

// ownedConversation loads the :id conversation; other owners' conversations
// read as missing.
func (h *Handler) ownedConversation(c *gin.Context, userID int64) (*models.Conversation, bool) {
	convID, ok := conversationParam(c)
	if !ok {
		return nil, false
	}
	conv, err := h.assistant.GetConversation(c.Request.Context(), convID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if conv.OwnerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil, false
	}
	return conv, true
}

func writeGenerationError(c *gin.Context, err error) {
	var gerr *generation.Error
	if !errors.As(err, &gerr) {
		gerr = &generation.Error{Kind: generation.KindInternal, Err: err}
	}
	c.JSON(gerr.HTTPStatus(), gin.H{
		"error":    gerr.PublicMessage(),
		"category": gerr.Kind,
	})
}
