package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned acknowledgement of the last user message
// word by word.
func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	reply := "I heard you say: " + last + ". How can I help further?"
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{SessionID: req.SessionID, Content: w, Partial: true, TraceID: req.TraceID, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		PromptTokens:     EstimateMessages(req.Messages),
		CompletionTokens: EstimateTokens(reply),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
