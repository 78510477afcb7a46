// Package progress fans committed message snapshots out to watchers of a
// conversation.
package progress

import (
	"context"
	"fmt"
	"time"

	"chatrelay/internal/models"
)

// Event is one committed state of an assistant message.
type Event struct {
	ConversationID int64         `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Role           models.Role   `json:"role"`
	Text           string        `json:"text"`
	Status         models.Status `json:"status"`
	At             time.Time     `json:"at"`
}

// Broker publishes events and hands out per-conversation subscriptions.
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events for conversationID until ctx is done or the
	// returned cancel func is called; the channel is then closed.
	Subscribe(ctx context.Context, conversationID int64) (<-chan Event, func(), error)
}

// ChannelName is the pub/sub channel of a conversation.
func ChannelName(conversationID int64) string {
	return fmt.Sprintf("conversation:%d:progress", conversationID)
}

// Notifier publishes every committed generation write to a Broker.
type Notifier struct {
	broker Broker
	now    func() time.Time
}

func NewNotifier(broker Broker) *Notifier {
	return &Notifier{broker: broker, now: func() time.Time { return time.Now().UTC() }}
}

func (n *Notifier) Notify(ctx context.Context, msg models.Message) error {
	return n.broker.Publish(ctx, Event{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Role:           msg.Role,
		Text:           msg.Text,
		Status:         msg.Status,
		At:             n.now(),
	})
}

// Snapshot converts a stored message into the event a new watcher sees first.
func Snapshot(msg *models.Message) Event {
	at := msg.CreatedAt
	if msg.UpdatedAt != nil {
		at = *msg.UpdatedAt
	}
	return Event{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Role:           msg.Role,
		Text:           msg.Text,
		Status:         msg.Status,
		At:             at,
	}
}
