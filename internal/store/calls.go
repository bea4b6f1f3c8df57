package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const (
	CallActive = "active"
	CallEnded  = "ended"
)

// HistoryEntry is one non-system message mirrored into the call record.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Call aggregates turns of one conversation for billing and observability.
type Call struct {
	ConversationID   string          `json:"conversation_id"`
	Status           string          `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	DurationMS       int64           `json:"duration_ms"`
	CostUSD          float64         `json:"cost_usd"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	History          []HistoryEntry  `json:"history"`
	Latency          json.RawMessage `json:"latency,omitempty"`
	EndReason        string          `json:"end_reason,omitempty"`
}

// End transitions the call to ended at t. Ending twice keeps the first time.
func (c *Call) End(t time.Time, reason string) {
	if c.Status == CallEnded {
		return
	}
	c.Status = CallEnded
	c.EndedAt = &t
	c.EndReason = reason
	if d := t.Sub(c.StartedAt); d > 0 {
		c.DurationMS = d.Milliseconds()
	}
}

func (s *Store) GetCall(ctx context.Context, conversationID string) (Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, callSelect, conversationID))
}

const callSelect = `SELECT conversation_id, status, started_at, ended_at, duration_ms, cost_usd,
	prompt_tokens, completion_tokens, history, latency, end_reason FROM calls WHERE conversation_id = ?`

func scanCall(row *sql.Row) (Call, error) {
	var (
		c       Call
		started int64
		ended   sql.NullInt64
		history string
		latency sql.NullString
	)
	err := row.Scan(&c.ConversationID, &c.Status, &started, &ended, &c.DurationMS, &c.CostUSD,
		&c.PromptTokens, &c.CompletionTokens, &history, &latency, &c.EndReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	c.StartedAt = fromMillis(started)
	c.EndedAt = timePtr(ended)
	if err := json.Unmarshal([]byte(history), &c.History); err != nil {
		return Call{}, err
	}
	if latency.Valid && latency.String != "" {
		c.Latency = json.RawMessage(latency.String)
	}
	return c, nil
}

// UpdateCall applies fn to the call record inside a transaction, creating an
// active record first if none exists.
func (s *Store) UpdateCall(ctx context.Context, conversationID string, fn func(*Call) error) (Call, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Call{}, err
	}
	defer tx.Rollback()

	call, err := scanCall(tx.QueryRowContext(ctx, callSelect, conversationID))
	if errors.Is(err, ErrNotFound) {
		call = Call{ConversationID: conversationID, Status: CallActive, StartedAt: s.now()}
	} else if err != nil {
		return Call{}, err
	}
	if err := fn(&call); err != nil {
		return Call{}, err
	}
	if call.History == nil {
		call.History = []HistoryEntry{}
	}
	history, err := json.Marshal(call.History)
	if err != nil {
		return Call{}, err
	}
	var latency sql.NullString
	if len(call.Latency) > 0 {
		latency = sql.NullString{String: string(call.Latency), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO calls(conversation_id, status, started_at, ended_at, duration_ms, cost_usd, prompt_tokens, completion_tokens, history, latency, end_reason)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
    status = excluded.status,
    ended_at = excluded.ended_at,
    duration_ms = excluded.duration_ms,
    cost_usd = excluded.cost_usd,
    prompt_tokens = excluded.prompt_tokens,
    completion_tokens = excluded.completion_tokens,
    history = excluded.history,
    latency = excluded.latency,
    end_reason = excluded.end_reason`,
		call.ConversationID, call.Status, toMillis(call.StartedAt), nullMillis(call.EndedAt), call.DurationMS,
		call.CostUSD, call.PromptTokens, call.CompletionTokens, string(history), latency, call.EndReason)
	if err != nil {
		return Call{}, err
	}
	if err := tx.Commit(); err != nil {
		return Call{}, err
	}
	return call, nil
}
