package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted conversation entry.
type Message struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	AudioSegments []string  `json:"audio_segments,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation is the ordered message history plus bookkeeping flags.
type Conversation struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id,omitempty"`
	Messages        []Message `json:"messages"`
	LanguageApplied bool      `json:"language_applied"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SegmentIDs lists every audio segment referenced by the conversation in message order.
func (c Conversation) SegmentIDs() []string {
	var ids []string
	for _, m := range c.Messages {
		ids = append(ids, m.AudioSegments...)
	}
	return ids
}

// NewConversation describes a conversation to create. An empty ID is generated.
type NewConversation struct {
	ID           string
	AgentID      string
	SystemPrompt string
}

func (s *Store) CreateConversation(ctx context.Context, nc NewConversation) (Conversation, error) {
	if nc.ID == "" {
		nc.ID = uuid.NewString()
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations(id, agent_id, language_applied, created_at, updated_at) VALUES(?, ?, 0, ?, ?)`,
		nc.ID, nc.AgentID, toMillis(now), toMillis(now)); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	conv := Conversation{ID: nc.ID, AgentID: nc.AgentID, CreatedAt: now, UpdatedAt: now}
	if nc.SystemPrompt != "" {
		msg := Message{Role: RoleSystem, Content: nc.SystemPrompt, CreatedAt: now}
		if err := insertMessage(ctx, tx, nc.ID, 0, msg); err != nil {
			return Conversation{}, err
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// GetConversation reads a conversation with all messages in order.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var (
		conv             Conversation
		applied          int
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, language_applied, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.AgentID, &applied, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	conv.LanguageApplied = applied != 0
	conv.CreatedAt = fromMillis(created)
	conv.UpdatedAt = fromMillis(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, audio_segments, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m        Message
			segments string
			ts       int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &segments, &ts); err != nil {
			return Conversation{}, err
		}
		if err := json.Unmarshal([]byte(segments), &m.AudioSegments); err != nil {
			return Conversation{}, fmt.Errorf("decode audio segments: %w", err)
		}
		m.CreatedAt = fromMillis(ts)
		conv.Messages = append(conv.Messages, m)
	}
	return conv, rows.Err()
}

// ApplyLanguageDirective appends directive to the leading system message once
// per conversation. It reports whether the message was changed; conversations
// without a system message are left untouched.
func (s *Store) ApplyLanguageDirective(ctx context.Context, conversationID, directive string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var applied int
	err = tx.QueryRowContext(ctx, `SELECT language_applied FROM conversations WHERE id = ?`, conversationID).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if applied != 0 {
		return false, nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = content || ? WHERE conversation_id = ? AND seq = 0 AND role = ?`,
		directive, conversationID, RoleSystem)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET language_applied = 1, updated_at = ? WHERE id = ?`,
		toMillis(s.now()), conversationID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// AppendMessages adds msgs after the last stored message in one transaction.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs ...Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&next)
	if err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	now := s.now()
	for i, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if err := insertMessage(ctx, tx, conversationID, next+i, m); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toMillis(now), conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, seq int, m Message) error {
	segments := m.AudioSegments
	if segments == nil {
		segments = []string{}
	}
	encoded, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages(conversation_id, seq, role, content, audio_segments, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		conversationID, seq, m.Role, m.Content, string(encoded), toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
