package turn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

func TestDraftStreamsWithoutPersisting(t *testing.T) {
	var seen llm.Request
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
		seen = req
		return deltas("Sure, ", "one moment.").Generate(ctx, req, consumer)
	})
	h := newHarness(t, gen, nil)
	rec := &recorder{}

	require.NoError(t, h.orch.Draft(context.Background(), DraftRequest{ConversationID: testConversation, PartialText: "Can I book"}, rec.emit))

	assert.Equal(t, []EventType{EventTextDelta, EventTextDelta, EventLatency, EventDone}, rec.types())
	assert.Equal(t, "fast", seen.Tier)
	assert.Equal(t, 48, seen.MaxTokens)
	assert.Empty(t, seen.Tools)
	assert.Equal(t, "Can I book", seen.Messages[len(seen.Messages)-1].Content)
	assert.Contains(t, seen.Messages[0].Content, "Always respond in English")

	assert.Empty(t, h.synth.Calls())
	conv := h.conversation(t)
	assert.Len(t, conv.Messages, 1)
	assert.False(t, conv.LanguageApplied)
}

func TestDraftRateLimited(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
		return &llm.RateLimitError{RetryAfter: llm.DefaultRetryAfter}
	})
	h := newHarness(t, gen, nil)
	rec := &recorder{}

	require.Error(t, h.orch.Draft(context.Background(), DraftRequest{ConversationID: testConversation, PartialText: "Hi"}, rec.emit))
	assert.Equal(t, []EventType{EventRateLimited, EventDone}, rec.types())
	assert.Equal(t, int64(2000), *rec.ofType(EventRateLimited)[0].RetryAfterMS)
}

// blockingDrafts returns a generator whose fast-tier calls block until
// cancelled and whose other calls answer immediately.
func blockingDrafts(started chan<- struct{}) llm.GeneratorFunc {
	return func(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
		if req.Tier == "fast" {
			if err := consumer(llm.Chunk{Content: "Let me"}); err != nil {
				return err
			}
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return deltas("Your appointment is confirmed.").Generate(ctx, req, consumer)
	}
}

func TestDraftSupersededByTurn(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, blockingDrafts(started), nil)
	rec := &recorder{}

	draftErr := make(chan error, 1)
	go func() {
		draftErr <- h.orch.Draft(context.Background(), DraftRequest{ConversationID: testConversation, PartialText: "Book me"}, rec.emit)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("draft never started")
	}

	require.NoError(t, h.orch.Run(context.Background(), Request{ConversationID: testConversation, UserText: "Book me for Tuesday"}, nil))

	select {
	case err := <-draftErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("draft was not cancelled")
	}
	assert.Equal(t, []EventType{EventTextDelta, EventDone}, rec.types())
	assert.Len(t, h.conversation(t).Messages, 3)
}

func TestDraftSupersededByNewerDraft(t *testing.T) {
	started := make(chan struct{}, 2)
	h := newHarness(t, blockingDrafts(started), nil)
	first := &recorder{}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- h.orch.Draft(context.Background(), DraftRequest{ConversationID: testConversation, PartialText: "Book"}, first.emit)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		secondErr <- h.orch.Draft(ctx, DraftRequest{ConversationID: testConversation, PartialText: "Book me"}, nil)
	}()

	require.NoError(t, <-firstErr)
	assert.Equal(t, []EventType{EventTextDelta, EventDone}, first.types())

	<-started
	cancel()
	assert.ErrorIs(t, <-secondErr, context.Canceled)
}
