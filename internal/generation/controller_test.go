package generation

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

const owner int64 = 42

func seedConversation(store *memStore) *models.Conversation {
	conv := store.addConversation(1, owner)
	store.addMessage(1, "u1", models.RoleUser, "hi", models.StatusDone)
	store.addMessage(1, "a1", models.RoleAssistant, "hello", models.StatusDone)
	store.addMessage(1, "u2", models.RoleUser, "What's 2+2?", models.StatusDone)
	store.addMessage(1, "a2", models.RoleAssistant, "", models.StatusPending)
	return conv
}

func newTestController(store Store, completer Completer, notifier Notifier) *Controller {
	return NewController(store, completer, Options{
		Model:            "gpt-4o-mini",
		MaxTokens:        800,
		Temperature:      0.7,
		DebounceInterval: 50 * time.Millisecond,
		Notifier:         notifier,
	})
}

func TestGenerateCompletesMessage(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(store)
	completer := &fakeCompleter{body: sseBody("4", ".")}
	notifier := &recordingNotifier{}
	c := newTestController(store, completer, notifier)

	res, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, &Result{Success: true, MessageID: "a2"}, res)

	msg := store.message(1, "a2")
	assert.Equal(t, models.StatusDone, msg.Status)
	assert.Equal(t, "4.", msg.Text)
	assert.NotNil(t, msg.UpdatedAt)

	refreshed, err := store.GetConversation(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, refreshed.LastUpdatedAt.After(conv.LastUpdatedAt), "last_updated_at must move forward")

	statuses := store.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.StatusStreaming, statuses[0])
	assert.Equal(t, models.StatusDone, statuses[len(statuses)-1])
	for _, st := range statuses[1 : len(statuses)-1] {
		assert.Equal(t, models.StatusStreaming, st)
	}

	require.Len(t, completer.requests, 1)
	req := completer.requests[0]
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.Equal(t, 800, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Equal(t, []ChatMessage{
		{Role: ChatRoleSystem, Content: config.DefaultSystemPrompt},
		{Role: ChatRoleUser, Content: "hi"},
		{Role: ChatRoleAssistant, Content: "hello"},
		{Role: ChatRoleUser, Content: "What's 2+2?"},
	}, req.Messages)

	last := notifier.events[len(notifier.events)-1]
	assert.Equal(t, models.StatusDone, last.Status)
	assert.Equal(t, "4.", last.Text)
}

func TestGenerateConcatenatesAllFragments(t *testing.T) {
	store := newMemStore()
	seedConversation(store)

	var fragments []string
	var want strings.Builder
	for i := 0; i < 40; i++ {
		f := strings.Repeat(string(rune('a'+i%26)), i%3+1) + "é "
		fragments = append(fragments, f)
		want.WriteString(f)
	}
	body := sseBody(fragments[:20]...)
	body = strings.TrimSuffix(body, "data: [DONE]\n\n") + "data: {not json}\n\n" + sseBody(fragments[20:]...)
	completer := &fakeCompleter{reader: iotest.HalfReader(strings.NewReader(body))}
	c := newTestController(store, completer, nil)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.NoError(t, err)
	msg := store.message(1, "a2")
	assert.Equal(t, want.String(), msg.Text)
	assert.Equal(t, models.StatusDone, msg.Status)
}

func TestGenerateUpstreamFailureMarksError(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	completer := &fakeCompleter{err: NewUpstreamError(500, `{"error":"overloaded"}`)}
	c := newTestController(store, completer, nil)

	res, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrUpstream)

	var genErr *Error
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, 500, genErr.StatusCode)
	assert.NotContains(t, genErr.PublicMessage(), "overloaded")

	msg := store.message(1, "a2")
	assert.Equal(t, models.StatusError, msg.Status)
	assert.Equal(t, config.DefaultErrorText, msg.Text)
	assert.Equal(t, []models.Status{models.StatusStreaming, models.StatusError}, store.statuses())
	assert.Zero(t, store.touches)
}

func TestGenerateStreamFailureReplacesPartialText(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	completer := &fakeCompleter{reader: io.MultiReader(
		strings.NewReader(deltaLine("partial")),
		iotest.ErrReader(errors.New("connection reset")),
	)}
	c := newTestController(store, completer, nil)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.ErrorIs(t, err, ErrUpstream)

	msg := store.message(1, "a2")
	assert.Equal(t, models.StatusError, msg.Status)
	assert.Equal(t, config.DefaultErrorText, msg.Text)
	statuses := store.statuses()
	assert.Equal(t, models.StatusError, statuses[len(statuses)-1])
	assert.Zero(t, store.touches)
}

func TestGenerateRejectsForeignCallerWithoutWrites(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	completer := &fakeCompleter{body: sseBody("x")}
	c := newTestController(store, completer, nil)

	_, err := c.Generate(context.Background(), owner+1, Request{ConversationID: 1, MessageID: "a2"})
	require.ErrorIs(t, err, ErrAuthorization)
	assert.Zero(t, store.writeCount())
	assert.Zero(t, store.touches)
	assert.Zero(t, store.historyReads)
	assert.Empty(t, completer.requests)
	assert.Equal(t, models.StatusPending, store.message(1, "a2").Status)
}

func TestGenerateValidatesBeforeIO(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	store.addMessage(1, "done", models.RoleAssistant, "old", models.StatusDone)
	c := newTestController(store, &fakeCompleter{body: sseBody("x")}, nil)
	ctx := context.Background()

	cases := []struct {
		name      string
		principal int64
		req       Request
		want      error
	}{
		{"no principal", 0, Request{ConversationID: 1, MessageID: "a2"}, ErrAuthentication},
		{"no conversation id", owner, Request{MessageID: "a2"}, ErrValidation},
		{"no message id", owner, Request{ConversationID: 1, MessageID: "  "}, ErrValidation},
		{"unknown conversation", owner, Request{ConversationID: 9, MessageID: "a2"}, ErrNotFound},
		{"unknown message", owner, Request{ConversationID: 1, MessageID: "missing"}, ErrValidation},
		{"user message", owner, Request{ConversationID: 1, MessageID: "u2"}, ErrValidation},
		{"already done", owner, Request{ConversationID: 1, MessageID: "done"}, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Generate(ctx, tc.principal, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, store.writeCount())
	assert.Zero(t, store.touches)
}

func TestGenerateTouchFailureKeepsDone(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	store.failTouch = errStoreDown
	c := newTestController(store, &fakeCompleter{body: sseBody("4", ".")}, nil)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.ErrorIs(t, err, ErrPersistence)
	msg := store.message(1, "a2")
	assert.Equal(t, models.StatusDone, msg.Status, "no transition may leave DONE")
	assert.Equal(t, "4.", msg.Text)
}

func TestGenerateFinalWriteFailureMarksError(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	store.failUpdate = func(upd models.MessageUpdate) error {
		if upd.Status != nil && *upd.Status == models.StatusDone {
			return errStoreDown
		}
		return nil
	}
	c := newTestController(store, &fakeCompleter{body: sseBody("4", ".")}, nil)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.ErrorIs(t, err, ErrPersistence)
	msg := store.message(1, "a2")
	assert.Equal(t, models.StatusError, msg.Status)
	assert.Equal(t, config.DefaultErrorText, msg.Text)
}

func TestGenerateErrorWriteFailureIsOnlyLogged(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	store.failUpdate = func(upd models.MessageUpdate) error {
		if upd.Status != nil && *upd.Status == models.StatusError {
			return errStoreDown
		}
		return nil
	}
	c := newTestController(store, &fakeCompleter{err: NewUpstreamError(503, "")}, nil)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.ErrorIs(t, err, ErrUpstream, "the original failure is what the caller sees")
	assert.Equal(t, models.StatusStreaming, store.message(1, "a2").Status)
}

func TestGenerateIgnoresNotifierFailure(t *testing.T) {
	store := newMemStore()
	seedConversation(store)
	notifier := &recordingNotifier{err: errors.New("redis down")}
	c := newTestController(store, &fakeCompleter{body: sseBody("ok")}, notifier)

	_, err := c.Generate(context.Background(), owner, Request{ConversationID: 1, MessageID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, store.message(1, "a2").Status)
	assert.NotEmpty(t, notifier.events)
}
