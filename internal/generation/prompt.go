package generation

import (
	"context"
	"errors"
	"strings"

	"chatrelay/internal/models"
)

// DefaultMaxContextMessages bounds the history sent upstream.
const DefaultMaxContextMessages = 20

// ChatMessage is one (role, content) entry of an upstream prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// HistoryReader is the slice of the store the context builder needs.
type HistoryReader interface {
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error)
}

// BuildContext returns the system prompt followed by up to limit of the most
// recent conversation messages in chronological order. Ownership is checked
// before any history is read.
func BuildContext(ctx context.Context, store HistoryReader, conversationID, principal int64, limit int, systemPrompt string) ([]ChatMessage, error) {
	conv, err := authorize(ctx, store, conversationID, principal)
	if err != nil {
		return nil, err
	}
	return history(ctx, store, conv.ID, limit, systemPrompt)
}

func authorize(ctx context.Context, store HistoryReader, conversationID, principal int64) (*models.Conversation, error) {
	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, newError(KindNotFound, "load conversation", err)
		}
		return nil, newError(KindPersistence, "load conversation", err)
	}
	if conv.OwnerID != principal {
		return nil, newError(KindAuthorization, "authorize", errors.New("caller is not the conversation owner"))
	}
	return conv, nil
}

func history(ctx context.Context, store HistoryReader, conversationID int64, limit int, systemPrompt string) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultMaxContextMessages
	}
	recent, err := store.RecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(KindPersistence, "load history", err)
	}

	out := make([]ChatMessage, 0, len(recent)+1)
	out = append(out, ChatMessage{Role: ChatRoleSystem, Content: systemPrompt})
	// recent is newest first
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		content := strings.TrimSpace(msg.Text)
		if content == "" {
			continue
		}
		role := ChatRoleAssistant
		if msg.Role == models.RoleUser {
			role = ChatRoleUser
		}
		out = append(out, ChatMessage{Role: role, Content: content})
	}
	return out, nil
}
