package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/models"
)

// memStore is an in-memory Store that enforces the status transition table.
type memStore struct {
	mu    sync.Mutex
	now   time.Time
	convs map[int64]*models.Conversation
	msgs  map[int64][]*models.Message

	historyReads int
	writes       []models.MessageUpdate
	touches      int

	failUpdate func(upd models.MessageUpdate) error
	failTouch  error
}

func newMemStore() *memStore {
	return &memStore{
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		convs: make(map[int64]*models.Conversation),
		msgs:  make(map[int64][]*models.Message),
	}
}

func (s *memStore) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

// addConversation returns a snapshot; later store writes do not show through it.
func (s *memStore) addConversation(id, owner int64) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &models.Conversation{ID: id, OwnerID: owner, Title: "t", CreatedAt: s.tick()}
	c.LastUpdatedAt = c.CreatedAt
	s.convs[id] = c
	cp := *c
	return &cp
}

func (s *memStore) addMessage(convID int64, id string, role models.Role, text string, status models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[convID] = append(s.msgs[convID], &models.Message{
		ID: id, ConversationID: convID, Role: role, Text: text, Status: status, CreatedAt: s.tick(),
	})
}

func (s *memStore) message(convID int64, id string) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[convID] {
		if m.ID == id {
			cp := *m
			return &cp
		}
	}
	return nil
}

// statuses lists the status of every successful status-carrying write.
func (s *memStore) statuses() []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Status
	for _, w := range s.writes {
		if w.Status != nil {
			out = append(out, *w.Status)
		}
	}
	return out
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *memStore) GetConversation(_ context.Context, id int64) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) RecentMessages(_ context.Context, convID int64, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyReads++
	all := s.msgs[convID]
	var out []*models.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetMessage(ctx context.Context, convID int64, id string) (*models.Message, error) {
	if m := s.message(convID, id); m != nil {
		return m, nil
	}
	return nil, models.ErrNotFound
}

func (s *memStore) UpdateMessage(_ context.Context, convID int64, id string, upd models.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		if err := s.failUpdate(upd); err != nil {
			return err
		}
	}
	for _, m := range s.msgs[convID] {
		if m.ID != id {
			continue
		}
		if upd.Status != nil && !m.Status.CanTransition(*upd.Status) {
			return fmt.Errorf("%s -> %s: %w", m.Status, *upd.Status, models.ErrInvalidTransition)
		}
		if upd.Status == nil && m.Status.Terminal() {
			return models.ErrInvalidTransition
		}
		if upd.Text != nil {
			m.Text = *upd.Text
		}
		if upd.Status != nil {
			m.Status = *upd.Status
		}
		if upd.Stamp {
			at := s.tick()
			m.UpdatedAt = &at
		}
		s.writes = append(s.writes, upd)
		return nil
	}
	return models.ErrNotFound
}

func (s *memStore) TouchConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTouch != nil {
		return s.failTouch
	}
	c, ok := s.convs[id]
	if !ok {
		return models.ErrNotFound
	}
	c.LastUpdatedAt = s.tick()
	s.touches++
	return nil
}

// fakeCompleter serves a canned SSE body or a canned error.
type fakeCompleter struct {
	mu       sync.Mutex
	body     string
	reader   io.Reader
	err      error
	requests []CompletionRequest
}

func (f *fakeCompleter) Stream(_ context.Context, req CompletionRequest) (FragmentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	r := f.reader
	if r == nil {
		r = strings.NewReader(f.body)
	}
	return NewBodyStream(io.NopCloser(r), nil), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Message
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, msg models.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, msg)
	return n.err
}

var errStoreDown = errors.New("store down")
