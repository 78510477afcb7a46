package assistant

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatrelay/internal/generation"
	"chatrelay/internal/models"
)

// DefaultConversationTitle is the title of a conversation nobody named.
const DefaultConversationTitle = "New Conversation"

const (
	titlePrompt = "You are a conversation title generator. " +
		"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
		"The title should be at most six words and summarize the main topic of the conversation. " +
		"Output only the title; do not include any additional content."
	maxTitleRunes  = 80
	titleMaxTokens = 32
)

// TitleGenerator names conversations from their first exchange.
type TitleGenerator struct {
	completer generation.Completer
	model     string
}

func NewTitleGenerator(completer generation.Completer, model string) *TitleGenerator {
	return &TitleGenerator{completer: completer, model: model}
}

// GenerateTitle asks the provider for a short title. Empty input or an
// empty answer yields DefaultConversationTitle.
func (g *TitleGenerator) GenerateTitle(ctx context.Context, messages []*models.Message) (string, error) {
	var dialogue strings.Builder
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" || msg.Status == models.StatusError {
			continue
		}
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&dialogue, "User: %s\n", text)
		case models.RoleAssistant:
			fmt.Fprintf(&dialogue, "Assistant: %s\n", text)
		}
	}
	if dialogue.Len() == 0 {
		return DefaultConversationTitle, nil
	}

	stream, err := g.completer.Stream(ctx, generation.CompletionRequest{
		Model: g.model,
		Messages: []generation.ChatMessage{
			{Role: generation.ChatRoleSystem, Content: titlePrompt},
			{Role: generation.ChatRoleUser, Content: "Please generate a clean title using following conversation messages:\n\n" + dialogue.String()},
		},
		MaxTokens:   titleMaxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	defer stream.Close()

	var title strings.Builder
	for stream.Next() {
		title.WriteString(stream.Fragment())
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return cleanTitle(title.String()), nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(strings.Trim(title, `"'`+"`"))
	if title == "" {
		return DefaultConversationTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
