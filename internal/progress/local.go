package progress

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

type localSub struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// LocalBroker fans events out inside the process. A subscriber that falls
// more than subscriberBuffer events behind misses intermediate events.
type LocalBroker struct {
	mu     sync.Mutex
	subs   map[int64]map[*localSub]struct{}
	logger *slog.Logger
}

func NewLocalBroker(logger *slog.Logger) *LocalBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBroker{subs: make(map[int64]map[*localSub]struct{}), logger: logger}
}

func (b *LocalBroker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.ConversationID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("progress subscriber lagging, event dropped",
				"conversation_id", ev.ConversationID, "message_id", ev.MessageID, "status", ev.Status)
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, conversationID int64) (<-chan Event, func(), error) {
	sub := &localSub{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*localSub]struct{})
	}
	b.subs[conversationID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[conversationID], sub)
			if len(b.subs[conversationID]) == 0 {
				delete(b.subs, conversationID)
			}
			close(sub.ch)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers reports how many watchers a conversation has.
func (b *LocalBroker) Subscribers(conversationID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[conversationID])
}
