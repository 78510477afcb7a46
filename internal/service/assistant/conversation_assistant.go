package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
)

const messageColumns = `id, conversation_id, role, text, status, sender_id, created_at, updated_at`

// CreateConversation inserts a new conversation owned by ownerID.
func (s *Service) CreateConversation(ctx context.Context, ownerID int64, title string) (*models.Conversation, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultConversationTitle
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (owner_id, title, created_at, last_updated_at) VALUES (?, ?, ?, ?)`,
		ownerID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, OwnerID: ownerID, Title: title, CreatedAt: now, LastUpdatedAt: now}, nil
}

// GetConversation fetches a conversation by id regardless of owner.
func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, last_updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.LastUpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns all conversations of an owner ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, ownerID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, created_at, last_updated_at FROM conversations WHERE owner_id = ? ORDER BY last_updated_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages for the owner.
func (s *Service) DeleteConversation(ctx context.Context, ownerID, id int64) (err error) {
	if id <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// TouchConversation bumps last_updated_at to the store's current time.
func (s *Service) TouchConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_updated_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// mysql reports 0 changed rows when the timestamp did not move
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RenameConversation replaces the title.
func (s *Service) RenameConversation(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AddMessage stores msg. An empty ID is replaced with a fresh uuid.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ConversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = models.StatusDone
	}
	msg.CreatedAt = s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, text, status, sender_id, created_at, last_write_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.Status, msg.SenderID, msg.CreatedAt, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// PostUserTurn stores a user message and an empty PENDING assistant placeholder,
// the pair a client needs before invoking generation.
func (s *Service) PostUserTurn(ctx context.Context, ownerID, conversationID int64, text, placeholderID string) (*models.Message, *models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, errors.New("text cannot be empty")
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, nil, models.ErrNotFound
	}
	userMsg, err := s.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Text:           text,
		Status:         models.StatusDone,
		SenderID:       fmt.Sprint(ownerID),
	})
	if err != nil {
		return nil, nil, err
	}
	placeholder, err := s.AddMessage(ctx, models.Message{
		ID:             placeholderID,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Status:         models.StatusPending,
		SenderID:       models.AssistantSenderID,
	})
	if err != nil {
		return nil, nil, err
	}
	return userMsg, placeholder, nil
}

// GetMessage fetches one message of a conversation.
func (s *Service) GetMessage(ctx context.Context, conversationID int64, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND conversation_id = ?`, id, conversationID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Service) ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
}

// RecentMessages returns at most limit messages, newest first.
func (s *Service) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
}

// UpdateMessage applies a partial update. Status changes are only applied from
// statuses that may legally move to the target; text-only updates are rejected
// once the message is terminal. Every applied update records last_write_at.
func (s *Service) UpdateMessage(ctx context.Context, conversationID int64, id string, upd models.MessageUpdate) error {
	var (
		sets []string
		args []any
	)
	now := s.now()
	if upd.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *upd.Text)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Stamp {
		sets = append(sets, "updated_at = ?")
		args = append(args, now)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "last_write_at = ?")
	args = append(args, now)

	sources := []models.Status{models.StatusPending, models.StatusStreaming}
	if upd.Status != nil {
		sources = models.SourcesFor(*upd.Status)
		if len(sources) == 0 {
			return fmt.Errorf("update message %s to %s: %w", id, *upd.Status, models.ErrInvalidTransition)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sources)), ", ")
	query := `UPDATE messages SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND conversation_id = ? AND status IN (` + placeholders + `)`
	args = append(args, id, conversationID)
	for _, st := range sources {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetMessage(ctx, conversationID, id)
	if err != nil {
		return err
	}
	for _, st := range sources {
		if current.Status == st {
			// matched but unchanged (mysql counts changed rows)
			return nil
		}
	}
	return fmt.Errorf("update message %s from %s: %w", id, current.Status, models.ErrInvalidTransition)
}

func (s *Service) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*models.Message, error) {
	var (
		m       models.Message
		updated sql.NullTime
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.Status, &m.SenderID, &m.CreatedAt, &updated); err != nil {
		return nil, err
	}
	if updated.Valid {
		t := updated.Time
		m.UpdatedAt = &t
	}
	return &m, nil
}

// ExpireStaleMessages moves PENDING or STREAMING messages that have not been
// written for longer than maxAge to ERROR with errorText. It returns the number
// of rows changed.
func (s *Service) ExpireStaleMessages(ctx context.Context, maxAge time.Duration, errorText string) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, text = ?, updated_at = ?, last_write_at = ? WHERE status IN (?, ?) AND last_write_at < ?`,
		models.StatusError, errorText, now, now, models.StatusPending, models.StatusStreaming, now.Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale messages: %w", err)
	}
	return res.RowsAffected()
}
