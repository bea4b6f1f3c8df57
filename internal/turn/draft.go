package turn

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/latency"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/store"
)

// DraftRequest asks for a speculative reply to text the caller is still speaking.
type DraftRequest struct {
	ConversationID string `json:"conversationId"`
	PartialText    string `json:"partialText"`
}

var errSuperseded = errors.New("draft superseded")

// Draft streams a short low-tier reply to partial text. It emits only
// text_delta, latency, rate_limited, error and done, and never writes to the
// store. A newer draft or a real turn on the same conversation cancels it.
func (o *Orchestrator) Draft(ctx context.Context, req DraftRequest, emit Emitter) error {
	turnID := uuid.NewString()
	out := newStream(turnID, emit)
	defer out.close()
	logger := o.logger.With(
		slog.String("conversation_id", req.ConversationID),
		slog.String("turn_id", turnID),
		slog.String("mode", "draft"),
	)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	handle := o.registerDraft(req.ConversationID, func() { cancel(errSuperseded) })
	defer o.releaseDraft(req.ConversationID, handle)

	ctx, span := o.tracer.Start(ctx, "turn.draft", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	conv, err := o.deps.Store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(context.Cause(ctx), errSuperseded) {
			out.send(Event{Type: EventDone})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, store.ErrNotFound) {
			out.fail(CodeNotFound, err)
		} else {
			out.fail(CodeStorage, err)
		}
		return err
	}

	history, err := o.prepareHistory(ctx, &conv, false)
	if err != nil {
		out.fail(CodeStorage, err)
		return err
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: req.PartialText})

	rec := latency.NewRecord(o.now)
	o.deps.Registry.Put(turnID, rec)

	tier := o.settings.DraftTier
	if tier == "" {
		tier = o.settings.Tier
	}
	genErr := o.deps.Generator.Generate(ctx, llm.Request{
		SessionID:   req.ConversationID,
		Messages:    history,
		Tier:        tier,
		MaxTokens:   o.settings.DraftMaxTokens,
		Temperature: o.settings.Temperature,
		TraceID:     turnID,
	}, func(c llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Content == "" {
			return nil
		}
		rec.MarkFirstToken()
		out.send(Event{Type: EventTextDelta, Delta: c.Content})
		return nil
	})

	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errSuperseded) {
			logger.Debug("draft superseded")
			out.send(Event{Type: EventDone})
			o.deps.Metrics.CountTurn(ctx, "draft", "superseded")
			return nil
		}
		o.deps.Metrics.CountTurn(ctx, "draft", "cancelled")
		return ctx.Err()
	}
	if genErr != nil {
		o.reportGenerationError(ctx, "draft", genErr, out, logger)
		return genErr
	}

	rec.MarkGenerationDone()
	summary := rec.Summary()
	o.deps.Metrics.ObserveTurn(ctx, "draft", summary)
	o.deps.Metrics.CountTurn(ctx, "draft", "completed")
	out.send(Event{Type: EventLatency, Summary: &summary})
	out.send(Event{Type: EventDone})
	return nil
}

func (o *Orchestrator) registerDraft(conversationID string, cancel func()) *draftHandle {
	h := &draftHandle{cancel: cancel}
	o.draftMu.Lock()
	prev := o.drafts[conversationID]
	o.drafts[conversationID] = h
	o.draftMu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return h
}

func (o *Orchestrator) releaseDraft(conversationID string, h *draftHandle) {
	o.draftMu.Lock()
	if o.drafts[conversationID] == h {
		delete(o.drafts, conversationID)
	}
	o.draftMu.Unlock()
}

// cancelDraft supersedes the outstanding draft of a conversation, if any.
func (o *Orchestrator) cancelDraft(conversationID string) {
	o.draftMu.Lock()
	h := o.drafts[conversationID]
	delete(o.drafts, conversationID)
	o.draftMu.Unlock()
	if h != nil {
		h.cancel()
	}
}
