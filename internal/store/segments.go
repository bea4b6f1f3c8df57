package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Segment is the metadata of one stored audio blob.
type Segment struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	TurnID         string                  `json:"turn_id,omitempty"`
	Classification protocol.Classification `json:"classification"`
	ContentType    string                  `json:"content_type,omitempty"`
	Size           int64                   `json:"size"`
	SHA256         string                  `json:"sha256"`
	CreatedAt      time.Time               `json:"created_at"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
}

// NewSegment describes a blob about to be written. A zero TTL means no expiry.
type NewSegment struct {
	ConversationID string
	TurnID         string
	Classification protocol.Classification
	ContentType    string
	TTL            time.Duration
}

func (s *Store) blobPath(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.blobDir, prefix, id)
}

// PutSegment streams r into a new blob and records its metadata. The blob is
// written to a temporary file and renamed into place, so a half-written
// segment is never visible.
func (s *Store) PutSegment(ctx context.Context, ns NewSegment, r io.Reader) (Segment, error) {
	id := uuid.NewString()
	path := s.blobPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Segment{}, fmt.Errorf("create blob shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), id+".*.tmp")
	if err != nil {
		return Segment{}, fmt.Errorf("create blob: %w", err)
	}
	hash := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(tmp, hash), r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		return Segment{}, fmt.Errorf("write blob: %w", errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Segment{}, fmt.Errorf("commit blob: %w", err)
	}

	now := s.now()
	seg := Segment{
		ID:             id,
		ConversationID: ns.ConversationID,
		TurnID:         ns.TurnID,
		Classification: ns.Classification,
		ContentType:    ns.ContentType,
		Size:           size,
		SHA256:         hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:      now,
	}
	if ns.TTL > 0 {
		exp := now.Add(ns.TTL)
		seg.ExpiresAt = &exp
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments(id, conversation_id, turn_id, classification, content_type, size, sha256, created_at, expires_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.ConversationID, seg.TurnID, string(seg.Classification), seg.ContentType, seg.Size, seg.SHA256,
		toMillis(seg.CreatedAt), nullMillis(seg.ExpiresAt))
	if err != nil {
		os.Remove(path)
		return Segment{}, fmt.Errorf("insert segment: %w", err)
	}
	return seg, nil
}

const segmentColumns = `id, conversation_id, turn_id, classification, content_type, size, sha256, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (Segment, error) {
	var (
		seg     Segment
		class   string
		created int64
		expires sql.NullInt64
	)
	if err := row.Scan(&seg.ID, &seg.ConversationID, &seg.TurnID, &class, &seg.ContentType, &seg.Size, &seg.SHA256, &created, &expires); err != nil {
		return Segment{}, err
	}
	seg.Classification = protocol.Classification(class)
	seg.CreatedAt = fromMillis(created)
	seg.ExpiresAt = timePtr(expires)
	return seg, nil
}

func (s *Store) GetSegment(ctx context.Context, id string) (Segment, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, ErrNotFound
	}
	return seg, err
}

// OpenSegment returns a reader over the blob bytes. Callers must close it.
func (s *Store) OpenSegment(ctx context.Context, id string) (io.ReadCloser, Segment, error) {
	seg, err := s.GetSegment(ctx, id)
	if err != nil {
		return nil, Segment{}, err
	}
	f, err := os.Open(s.blobPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Segment{}, ErrNotFound
	}
	if err != nil {
		return nil, Segment{}, err
	}
	return f, seg, nil
}

// DeleteSegment removes metadata and bytes. Deleting a missing segment is not an error.
func (s *Store) DeleteSegment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ListExpiredSegments returns up to limit segments whose expiry is at or before now.
func (s *Store) ListExpiredSegments(ctx context.Context, now time.Time, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.querySegments(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		toMillis(now), limit)
}

// ListConversationSegments returns a conversation's segments of one class in creation order.
func (s *Store) ListConversationSegments(ctx context.Context, conversationID string, class protocol.Classification) ([]Segment, error) {
	return s.querySegments(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE conversation_id = ? AND classification = ? ORDER BY created_at ASC, rowid ASC`,
		conversationID, string(class))
}

func (s *Store) querySegments(ctx context.Context, query string, args ...any) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
