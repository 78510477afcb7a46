package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks an assistant message through generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// AssistantSenderID is the sender recorded on generated messages.
const AssistantSenderID = "assistant"

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// CanTransition reports whether a message in status s may be written with status to.
// STREAMING -> STREAMING is allowed so partial text can be committed repeatedly.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusStreaming || to == StatusError
	case StatusStreaming:
		return to == StatusStreaming || to == StatusDone || to == StatusError
	default:
		return false
	}
}

// SourcesFor lists the statuses a message may be in before moving to to.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusStreaming, StatusDone, StatusError} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Message is one entry of a conversation. Assistant messages are created as
// PENDING placeholders and filled in place while the answer streams.
type Message struct {
	ID             string     `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	Role           Role       `json:"role"`
	Text           string     `json:"text"`
	Status         Status     `json:"status"`
	SenderID       string     `json:"sender_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// MessageUpdate is a partial update; nil fields are left untouched.
type MessageUpdate struct {
	Text   *string
	Status *Status
	// Stamp sets updated_at to the store's current time.
	Stamp bool
}
