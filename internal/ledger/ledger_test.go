package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	tmp := t.TempDir()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Path:    filepath.Join(tmp, "voice.db"),
		BlobDir: filepath.Join(tmp, "segments"),
	}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func putTemp(t require.TestingT, st *store.Store, conversationID, payload string, ttl time.Duration) store.Segment {
	seg, err := st.PutSegment(context.Background(), store.NewSegment{
		ConversationID: conversationID,
		Classification: protocol.ClassTemporary,
		ContentType:    "audio/mpeg",
		TTL:            ttl,
	}, strings.NewReader(payload))
	require.NoError(t, err)
	return seg
}

func readAll(t *testing.T, st *store.Store, id string) string {
	t.Helper()
	rc, _, err := st.OpenSegment(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

// flakyStore fails downloads of chosen segments.
type flakyStore struct {
	*store.Store
	unreadable map[string]bool
}

func (f *flakyStore) OpenSegment(ctx context.Context, id string) (io.ReadCloser, store.Segment, error) {
	if f.unreadable[id] {
		return nil, store.Segment{}, errors.New("blob storage unavailable")
	}
	return f.Store.OpenSegment(ctx, id)
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	st := openStore(t)
	a := putTemp(t, st, "conv", "AAA", time.Hour)
	b := putTemp(t, st, "conv", "BB", time.Hour)
	c := putTemp(t, st, "conv", "C", time.Hour)

	l := New(st, Options{Logger: quietLogger(), MergeConcurrency: 2})
	merged, err := l.Merge(context.Background(), "conv", []string{a.ID, b.ID, c.ID})
	require.NoError(t, err)

	assert.Equal(t, "AAABBC", readAll(t, st, merged.ID))
	assert.Equal(t, protocol.ClassFullConversation, merged.Classification)
	assert.Nil(t, merged.ExpiresAt)
	assert.Equal(t, "audio/mpeg", merged.ContentType)

	for _, id := range []string{a.ID, b.ID, c.ID} {
		_, err := st.GetSegment(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
}

func TestMergeSkipsUnreadableWithoutReordering(t *testing.T) {
	st := openStore(t)
	a := putTemp(t, st, "conv", "first-", time.Hour)
	b := putTemp(t, st, "conv", "second-", time.Hour)
	c := putTemp(t, st, "conv", "third", time.Hour)

	flaky := &flakyStore{Store: st, unreadable: map[string]bool{b.ID: true}}
	l := New(flaky, Options{Logger: quietLogger()})
	merged, err := l.Merge(context.Background(), "conv", []string{a.ID, b.ID, c.ID})
	require.NoError(t, err)

	assert.Equal(t, "first-third", readAll(t, st, merged.ID))
	assert.Equal(t, "second-", readAll(t, st, b.ID), "unmerged segment must be kept")
}

func TestMergeNothingReadable(t *testing.T) {
	st := openStore(t)
	l := New(st, Options{Logger: quietLogger()})

	_, err := l.Merge(context.Background(), "conv", []string{"missing-1", "missing-2"})
	assert.ErrorIs(t, err, ErrNothingToMerge)

	_, err = l.Merge(context.Background(), "conv", nil)
	assert.ErrorIs(t, err, ErrNothingToMerge)
}

func TestMergeMatchesConcatenation(t *testing.T) {
	st := openStore(t)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "segments")
		var (
			ids  []string
			want bytes.Buffer
		)
		unreadable := map[string]bool{}
		for i := 0; i < n; i++ {
			payload := rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, fmt.Sprintf("payload%d", i))
			seg := putTemp(rt, st, "prop", payload, time.Hour)
			ids = append(ids, seg.ID)
			if rapid.Bool().Draw(rt, fmt.Sprintf("fail%d", i)) {
				unreadable[seg.ID] = true
				continue
			}
			want.WriteString(payload)
		}

		flaky := &flakyStore{Store: st, unreadable: unreadable}
		merged, err := New(flaky, Options{Logger: quietLogger(), MergeConcurrency: 3}).Merge(context.Background(), "prop", ids)
		if want.Len() == 0 {
			if !errors.Is(err, ErrNothingToMerge) {
				rt.Fatalf("expected ErrNothingToMerge, got %v", err)
			}
			return
		}
		if err != nil {
			rt.Fatalf("merge: %v", err)
		}
		rc, _, err := st.OpenSegment(context.Background(), merged.ID)
		if err != nil {
			rt.Fatalf("open merged: %v", err)
		}
		got, _ := io.ReadAll(rc)
		rc.Close()
		if string(got) != want.String() {
			rt.Fatalf("merged %q, want %q", got, want.String())
		}
	})
}

func seedConversation(t *testing.T, st *store.Store) (string, []store.Segment) {
	t.Helper()
	ctx := context.Background()
	conv, err := st.CreateConversation(ctx, store.NewConversation{SystemPrompt: "You are helpful."})
	require.NoError(t, err)
	s1 := putTemp(t, st, conv.ID, "hello ", time.Hour)
	s2 := putTemp(t, st, conv.ID, "there ", time.Hour)
	s3 := putTemp(t, st, conv.ID, "goodbye", time.Hour)
	require.NoError(t, st.AppendMessages(ctx, conv.ID,
		store.Message{Role: store.RoleUser, Content: "hi"},
		store.Message{Role: store.RoleAssistant, Content: "hello there", AudioSegments: []string{s1.ID, s2.ID}},
		store.Message{Role: store.RoleUser, Content: "bye"},
		store.Message{Role: store.RoleAssistant, Content: "goodbye", AudioSegments: []string{s3.ID}},
	))
	return conv.ID, []store.Segment{s1, s2, s3}
}

func TestEndConversationMergesOnce(t *testing.T) {
	st := openStore(t)
	convID, _ := seedConversation(t, st)
	l := New(st, Options{Logger: quietLogger()})

	merged, err := l.EndConversation(context.Background(), convID, "hangup")
	require.NoError(t, err)
	assert.Equal(t, "hello there goodbye", readAll(t, st, merged.ID))

	call, err := st.GetCall(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, store.CallEnded, call.Status)
	assert.Equal(t, "hangup", call.EndReason)

	again, err := l.EndConversation(context.Background(), convID, "hangup")
	require.NoError(t, err)
	assert.Equal(t, merged.ID, again.ID)
}

func TestEndConversationConcurrentMergesOnce(t *testing.T) {
	st := openStore(t)
	convID, _ := seedConversation(t, st)
	l := New(st, Options{Logger: quietLogger()})

	const callers = 8
	ids := make([]string, callers)
	start := make(chan struct{})
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			<-start
			seg, err := l.EndConversation(context.Background(), convID, "hangup")
			ids[i] = seg.ID
			return err
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	merged, err := st.ListConversationSegments(context.Background(), convID, protocol.ClassFullConversation)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	for _, id := range ids {
		assert.Equal(t, merged[0].ID, id)
	}
}

func TestEndConversationUnknown(t *testing.T) {
	l := New(openStore(t), Options{Logger: quietLogger()})
	_, err := l.EndConversation(context.Background(), "missing", "hangup")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	st := openStore(t)
	short := putTemp(t, st, "conv", "short", time.Minute)
	other := putTemp(t, st, "conv", "other", time.Minute)
	keep, err := st.PutSegment(context.Background(), store.NewSegment{
		ConversationID: "conv",
		Classification: protocol.ClassFullConversation,
	}, strings.NewReader("archive"))
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	l := New(st, Options{Logger: quietLogger(), SweepBatch: 1, Now: func() time.Time { return later }})
	removed, err := l.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, id := range []string{short.ID, other.ID} {
		_, err := st.GetSegment(context.Background(), id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, "archive", readAll(t, st, keep.ID))
}

func TestServiceMergesInProcessWithoutBus(t *testing.T) {
	st := openStore(t)
	convID, _ := seedConversation(t, st)

	svc := NewService(context.Background(), New(st, Options{Logger: quietLogger()}), nil, quietLogger())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())

	svc.NotifyCallEnded(context.Background(), convID, "end_call")
	require.Eventually(t, func() bool {
		segs, err := st.ListConversationSegments(context.Background(), convID, protocol.ClassFullConversation)
		return err == nil && len(segs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	svc.Close()
}

func TestServiceIgnoresCallEndedAfterClose(t *testing.T) {
	st := openStore(t)
	convID, _ := seedConversation(t, st)

	svc := NewService(context.Background(), New(st, Options{Logger: quietLogger()}), nil, quietLogger())
	require.NoError(t, svc.Start())
	svc.Close()

	svc.NotifyCallEnded(context.Background(), convID, "end_call")
	svc.wg.Wait()

	segs, err := st.ListConversationSegments(context.Background(), convID, protocol.ClassFullConversation)
	require.NoError(t, err)
	assert.Empty(t, segs)
	_, err = st.GetCall(context.Background(), convID)
	assert.ErrorIs(t, err, store.ErrNotFound, "call must not be ended after shutdown")
}

func TestServiceCloseWhileNotifying(t *testing.T) {
	st := openStore(t)
	svc := NewService(context.Background(), New(st, Options{Logger: quietLogger()}), nil, quietLogger())
	require.NoError(t, svc.Start())

	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			svc.NotifyCallEnded(context.Background(), "missing", "hangup")
			return nil
		})
	}
	svc.Close()
	require.NoError(t, g.Wait())
	svc.wg.Wait()
}

func TestServiceMergesFromBusNotice(t *testing.T) {
	st := openStore(t)
	convID, _ := seedConversation(t, st)

	busCfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), New(st, Options{Logger: quietLogger()}), client, quietLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	svc.NotifyCallEnded(context.Background(), convID, "end_call")
	require.Eventually(t, func() bool {
		segs, err := st.ListConversationSegments(context.Background(), convID, protocol.ClassFullConversation)
		return err == nil && len(segs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	call, err := st.GetCall(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "end_call", call.EndReason)
}
