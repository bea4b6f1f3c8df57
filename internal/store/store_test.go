package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, retentionDays int) *Store {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.StoreConfig{
		Path:          filepath.Join(tmp, "voice.db"),
		BlobDir:       filepath.Join(tmp, "blobs"),
		RetentionDays: retentionDays,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, NewConversation{AgentID: "agent-1", SystemPrompt: "You are helpful."})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == "" {
		t.Fatalf("expected generated id")
	}

	err = s.AppendMessages(ctx, conv.ID,
		Message{Role: RoleUser, Content: "Hi"},
		Message{Role: RoleAssistant, Content: "Hello! How can I help?", AudioSegments: []string{"seg-1", "seg-2"}},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != RoleSystem || got.Messages[1].Role != RoleUser || got.Messages[2].Role != RoleAssistant {
		t.Fatalf("unexpected order: %+v", got.Messages)
	}
	if ids := got.SegmentIDs(); len(ids) != 2 || ids[0] != "seg-1" || ids[1] != "seg-2" {
		t.Fatalf("unexpected segment ids %v", ids)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openTestStore(t, 0)
	if _, err := s.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.AppendMessages(context.Background(), "missing", Message{Role: RoleUser, Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on append, got %v", err)
	}
}

func TestLanguageDirectiveAppliedOnce(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, NewConversation{SystemPrompt: "Be kind."})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := s.ApplyLanguageDirective(ctx, conv.ID, " Always answer in English.")
	if err != nil || !changed {
		t.Fatalf("first apply: changed=%v err=%v", changed, err)
	}
	changed, err = s.ApplyLanguageDirective(ctx, conv.ID, " Always answer in English.")
	if err != nil || changed {
		t.Fatalf("second apply: changed=%v err=%v", changed, err)
	}
	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Messages[0].Content != "Be kind. Always answer in English." || !got.LanguageApplied {
		t.Fatalf("unexpected system prompt %q", got.Messages[0].Content)
	}

	bare, err := s.CreateConversation(ctx, NewConversation{})
	if err != nil {
		t.Fatal(err)
	}
	changed, err = s.ApplyLanguageDirective(ctx, bare.ID, " x")
	if err != nil || changed {
		t.Fatalf("conversation without system prompt must be untouched: changed=%v err=%v", changed, err)
	}
}

func TestUpdateCallCreatesAndEnds(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	start := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return start }

	call, err := s.UpdateCall(ctx, "conv-1", func(c *Call) error {
		c.History = append(c.History, HistoryEntry{Role: RoleUser, Content: "Hi"})
		c.CostUSD += 0.002
		c.Latency = json.RawMessage(`{"totalMs":900}`)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if call.Status != CallActive || !call.StartedAt.Equal(start) {
		t.Fatalf("unexpected new call %+v", call)
	}

	_, err = s.UpdateCall(ctx, "conv-1", func(c *Call) error {
		c.End(start.Add(90*time.Second), "end_call")
		return nil
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err := s.GetCall(ctx, "conv-1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != CallEnded || got.DurationMS != 90000 || got.EndedAt == nil {
		t.Fatalf("unexpected ended call %+v", got)
	}
	if len(got.History) != 1 || string(got.Latency) != `{"totalMs":900}` {
		t.Fatalf("history or latency lost: %+v", got)
	}

	if _, err := s.GetCall(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSegmentLifecycle(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	payload := bytes.Repeat([]byte("abc"), 10000)
	temp, err := s.PutSegment(ctx, NewSegment{ConversationID: "c1", Classification: protocol.ClassTemporary, TTL: time.Hour}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if temp.Size != int64(len(payload)) || temp.ExpiresAt == nil || len(temp.SHA256) != 64 {
		t.Fatalf("unexpected metadata %+v", temp)
	}
	full, err := s.PutSegment(ctx, NewSegment{ConversationID: "c1", Classification: protocol.ClassFullConversation}, strings.NewReader("merged"))
	if err != nil {
		t.Fatalf("put full: %v", err)
	}

	rc, seg, err := s.OpenSegment(ctx, temp.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(data, payload) || seg.Classification != protocol.ClassTemporary {
		t.Fatalf("blob mismatch")
	}

	expired, err := s.ListExpiredSegments(ctx, now.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != temp.ID {
		t.Fatalf("expected only the temporary segment to expire, got %+v", expired)
	}

	fulls, err := s.ListConversationSegments(ctx, "c1", protocol.ClassFullConversation)
	if err != nil || len(fulls) != 1 || fulls[0].ID != full.ID {
		t.Fatalf("unexpected full segments %+v err=%v", fulls, err)
	}

	if err := s.DeleteSegment(ctx, temp.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSegment(ctx, temp.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, _, err := s.OpenSegment(ctx, temp.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestPutSegmentFailureLeavesNothing(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	if _, err := s.PutSegment(ctx, NewSegment{ConversationID: "c1", Classification: protocol.ClassTemporary}, failingReader{}); err == nil {
		t.Fatalf("expected write error")
	}
	segs, err := s.ListConversationSegments(ctx, "c1", protocol.ClassTemporary)
	if err != nil || len(segs) != 0 {
		t.Fatalf("expected no segments, got %v err=%v", segs, err)
	}
}

func TestAppendAndPruneEvents(t *testing.T) {
	s := openTestStore(t, 1)
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{SessionID: "conv-1", Type: "turn.completed", Payload: []byte("old")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, Event{SessionID: "conv-1", Type: "turn.completed", Payload: []byte("new")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, err := s.ListSessionEvents(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || string(events[0].Payload) != "new" {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
}
