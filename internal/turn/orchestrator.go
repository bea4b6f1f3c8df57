// Package turn drives one user utterance through generation, chunking,
// synthesis and persistence, emitting an ordered event stream.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/chunker"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/latency"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/sentiment"
	"github.com/loqalabs/loqa-voice/internal/store"
	"github.com/loqalabs/loqa-voice/internal/synthq"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// EndCallTool is the tool name that marks a turn for call termination.
const EndCallTool = "end_call"

// Store is the persistence the orchestrator needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	ApplyLanguageDirective(ctx context.Context, conversationID, directive string) (bool, error)
	AppendMessages(ctx context.Context, conversationID string, msgs ...store.Message) error
	UpdateCall(ctx context.Context, conversationID string, fn func(*store.Call) error) (store.Call, error)
	AppendEvent(ctx context.Context, evt store.Event) error
	synthq.SegmentWriter
}

// Settings is the per-process turn policy.
type Settings struct {
	Chunk               chunker.Policy
	EscapeAfter         time.Duration
	EscapeMinChars      int
	EscapeMaxChars      int
	FallbackFarewell    string
	TurnTimeout         time.Duration
	Voice               tts.VoiceSettings
	ContentType         string
	SegmentTTL          time.Duration
	SynthesisTimeout    time.Duration
	Tier                string
	DraftTier           string
	MaxTokens           int
	DraftMaxTokens      int
	Temperature         float64
	Language            string
	EndCallTool         bool
	PromptCostPer1K     float64
	CompletionCostPer1K float64
	SentimentTimeout    time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		Chunk:               chunker.Policy{MinChars: cfg.Pipeline.ChunkMinChars, MaxChars: cfg.Pipeline.ChunkMaxChars},
		EscapeAfter:         time.Duration(cfg.Pipeline.EscapeAfterMS) * time.Millisecond,
		EscapeMinChars:      cfg.Pipeline.EscapeMinChars,
		EscapeMaxChars:      cfg.Pipeline.EscapeMaxChars,
		FallbackFarewell:    cfg.Pipeline.FallbackFarewell,
		TurnTimeout:         time.Duration(cfg.Pipeline.TurnTimeoutMS) * time.Millisecond,
		Voice:               tts.SettingsFromConfig(cfg.TTS),
		ContentType:         tts.ContentType(cfg.TTS.OutputFormat),
		SegmentTTL:          time.Duration(cfg.Ledger.TemporaryTTLMinutes) * time.Minute,
		SynthesisTimeout:    time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
		Tier:                cfg.LLM.DefaultTier,
		DraftTier:           cfg.LLM.DraftTier,
		MaxTokens:           cfg.LLM.MaxTokens,
		DraftMaxTokens:      cfg.LLM.DraftMaxTokens,
		Temperature:         cfg.LLM.Temperature,
		Language:            cfg.LLM.Language,
		EndCallTool:         cfg.LLM.EndCallTool,
		PromptCostPer1K:     cfg.LLM.PromptCostPer1K,
		CompletionCostPer1K: cfg.LLM.CompletionCostPer1K,
		SentimentTimeout:    time.Duration(cfg.Sentiment.TimeoutMS) * time.Millisecond,
	}
}

// Deps wires the orchestrator's collaborators. Sentiment, Registry, Metrics
// and OnCallEnd are optional.
type Deps struct {
	Store     Store
	Generator llm.Generator
	Synth     tts.Synthesizer
	Sentiment sentiment.Classifier
	Registry  *latency.Registry
	Metrics   *latency.Metrics
	// OnCallEnd runs after a turn that invoked the end-call tool has been
	// persisted and its stream closed. It must not block for long.
	OnCallEnd func(ctx context.Context, conversationID, reason string)
	Logger    *slog.Logger
	Now       func() time.Time
}

type Orchestrator struct {
	settings Settings
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	locks    *keyedLock
	now      func() time.Time

	draftMu sync.Mutex
	drafts  map[string]*draftHandle
}

type draftHandle struct {
	cancel func()
}

func New(settings Settings, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = latency.NewRegistry(15*time.Minute, now)
	}
	return &Orchestrator{
		settings: settings,
		deps:     deps,
		logger:   logger.With(slog.String("component", "turn")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/internal/turn"),
		locks:    newKeyedLock(),
		now:      now,
		drafts:   make(map[string]*draftHandle),
	}
}

// Registry exposes per-turn latency records.
func (o *Orchestrator) Registry() *latency.Registry { return o.deps.Registry }

// Request starts a turn.
type Request struct {
	ConversationID string `json:"conversationId"`
	UserText       string `json:"userText"`
	AgentID        string `json:"agentId,omitempty"`
}

// Run executes one turn. Outcomes are reported through emit; the returned
// error is for logging only. Turns on the same conversation run one at a time.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter) error {
	turnID := uuid.NewString()
	out := newStream(turnID, emit)
	defer out.close()
	logger := o.logger.With(slog.String("conversation_id", req.ConversationID), slog.String("turn_id", turnID))

	o.cancelDraft(req.ConversationID)

	unlock, err := o.locks.Lock(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	defer unlock()

	parent := ctx
	if o.settings.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.TurnTimeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	rec := latency.NewRecord(o.now)
	o.deps.Registry.Put(turnID, rec)

	err = o.run(ctx, parent, req, turnID, rec, out, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type turnState struct {
	text             strings.Builder
	toolCalls        []llm.ToolCall
	promptTokens     int
	completionTokens int

	mu       sync.Mutex
	segments []string
}

func (o *Orchestrator) run(ctx, parent context.Context, req Request, turnID string, rec *latency.Record, out *stream, logger *slog.Logger) error {
	conv, err := o.deps.Store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			out.fail(CodeNotFound, fmt.Errorf("conversation %s not found", req.ConversationID))
		} else {
			out.fail(CodeStorage, err)
		}
		o.deps.Metrics.CountTurn(ctx, "turn", "error")
		return err
	}

	history, err := o.prepareHistory(ctx, &conv, true)
	if err != nil {
		out.fail(CodeStorage, err)
		o.deps.Metrics.CountTurn(ctx, "turn", "error")
		return err
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: o.annotate(ctx, req.UserText, logger)})

	var tools []llm.Tool
	if o.settings.EndCallTool {
		tools = append(tools, endCallTool())
	}

	state := &turnState{}
	queue := synthq.New(ctx, o.deps.Synth, o.deps.Store, synthq.Options{
		ConversationID: req.ConversationID,
		TurnID:         turnID,
		Voice:          o.settings.Voice,
		ContentType:    o.settings.ContentType,
		SegmentTTL:     o.settings.SegmentTTL,
		Timeout:        o.settings.SynthesisTimeout,
		Record:         rec,
		Metrics:        o.deps.Metrics,
		Logger:         logger,
	}, func(res synthq.Result) {
		if res.Err != nil {
			out.send(Event{Type: EventSegmentFailed, Index: intPtr(res.Index), Text: res.Text, Error: res.Err.Error()})
			return
		}
		state.mu.Lock()
		state.segments = append(state.segments, res.Locator)
		state.mu.Unlock()
		rec.MarkFirstPlayable()
		out.send(Event{
			Type:        EventSegmentReady,
			Index:       intPtr(res.Index),
			Text:        res.Text,
			Locator:     res.Locator,
			SynthesisMS: int64Ptr(res.SynthesisMS),
		})
	})

	genReq := llm.Request{
		SessionID:   req.ConversationID,
		Messages:    history,
		Tools:       tools,
		Tier:        o.settings.Tier,
		MaxTokens:   o.settings.MaxTokens,
		Temperature: o.settings.Temperature,
		TraceID:     turnID,
	}
	genErr := o.stream(ctx, genReq, rec, out, state, queue)

	if ctx.Err() != nil {
		queue.Discard()
		if parent.Err() != nil {
			logger.Info("turn cancelled by caller")
			o.deps.Metrics.CountTurn(ctx, "turn", "cancelled")
			return parent.Err()
		}
		out.fail(CodeTimeout, errors.New("turn timed out"))
		o.deps.Metrics.CountTurn(ctx, "turn", "error")
		return ctx.Err()
	}
	if genErr != nil {
		queue.Discard()
		o.reportGenerationError(ctx, "turn", genErr, out, logger)
		return genErr
	}
	rec.MarkGenerationDone()

	shouldEnd := o.settings.EndCallTool && hasTool(state.toolCalls, EndCallTool)
	finalText := state.text.String()
	if strings.TrimSpace(finalText) == "" && shouldEnd {
		finalText = o.settings.FallbackFarewell
		queue.Enqueue(finalText)
	}

	if err := queue.Wait(ctx); err != nil {
		queue.Discard()
		if parent.Err() != nil {
			o.deps.Metrics.CountTurn(ctx, "turn", "cancelled")
			return parent.Err()
		}
		out.fail(CodeTimeout, errors.New("turn timed out waiting for synthesis"))
		return err
	}

	state.mu.Lock()
	segments := append([]string(nil), state.segments...)
	state.mu.Unlock()

	now := o.now().UTC()
	err = o.deps.Store.AppendMessages(ctx, req.ConversationID,
		store.Message{Role: store.RoleUser, Content: req.UserText, CreatedAt: now},
		store.Message{Role: store.RoleAssistant, Content: finalText, AudioSegments: segments, CreatedAt: now},
	)
	if err != nil {
		logger.Error("persist turn failed", slogError(err))
		out.fail(CodeStorage, err)
		o.deps.Metrics.CountTurn(ctx, "turn", "error")
		return err
	}

	promptTokens, completionTokens := state.promptTokens, state.completionTokens
	if promptTokens == 0 {
		promptTokens = llm.EstimateMessages(history)
	}
	if completionTokens == 0 {
		completionTokens = llm.EstimateTokens(finalText)
	}
	summary := rec.Summary()
	if err := o.updateCall(ctx, conv, req.UserText, finalText, promptTokens, completionTokens, summary, shouldEnd); err != nil {
		logger.Error("update call record failed", slogError(err))
		out.fail(CodeStorage, err)
		o.deps.Metrics.CountTurn(ctx, "turn", "error")
		return err
	}
	o.appendTimeline(ctx, req.ConversationID, turnID, summary, promptTokens, completionTokens, len(segments), logger)

	o.deps.Metrics.ObserveTurn(ctx, "turn", summary)
	o.deps.Metrics.CountTurn(ctx, "turn", "completed")

	out.send(Event{Type: EventLatency, Summary: &summary})
	out.send(Event{Type: EventFinal, Text: finalText, ShouldEndCall: boolPtr(shouldEnd)})
	out.send(Event{Type: EventDone})

	logger.Info("turn complete",
		slog.Int("segments", len(segments)),
		slog.Bool("end_call", shouldEnd),
		slog.Int64("total_ms", summary.TotalMS),
	)

	if shouldEnd && o.deps.OnCallEnd != nil {
		o.deps.OnCallEnd(context.WithoutCancel(ctx), req.ConversationID, EndCallTool)
	}
	return nil
}

// stream consumes generation deltas from a producer goroutine, feeding the
// chunker and the synthesis queue as text arrives.
func (o *Orchestrator) stream(ctx context.Context, req llm.Request, rec *latency.Record, out *stream, state *turnState, queue *synthq.Queue) error {
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	deltas := make(chan llm.Chunk, 32)
	genErr := make(chan error, 1)
	go func() {
		defer close(deltas)
		genErr <- o.deps.Generator.Generate(genCtx, req, func(c llm.Chunk) error {
			select {
			case deltas <- c:
				return nil
			case <-genCtx.Done():
				return genCtx.Err()
			}
		})
	}()

	buf := chunker.NewBuffer(o.settings.Chunk)
	enqueue := func(chunk string) {
		if strings.TrimSpace(chunk) != "" {
			queue.Enqueue(chunk)
		}
	}

	var (
		escapeTimer *time.Timer
		escapeC     <-chan time.Time
		escapeDue   bool
	)
	defer func() {
		if escapeTimer != nil {
			escapeTimer.Stop()
		}
	}()
	tryEscape := func() {
		if !escapeDue || queue.Len() > 0 {
			return
		}
		if chunk, ok := buf.ForceCut(o.settings.EscapeMinChars, o.settings.EscapeMaxChars); ok {
			enqueue(chunk)
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-escapeC:
			escapeC = nil
			escapeDue = true
			tryEscape()
		case c, ok := <-deltas:
			if !ok {
				break loop
			}
			state.toolCalls = append(state.toolCalls, c.ToolCalls...)
			if c.PromptTokens > 0 {
				state.promptTokens = c.PromptTokens
			}
			if c.CompletionTokens > 0 {
				state.completionTokens = c.CompletionTokens
			}
			if c.Content == "" {
				continue
			}
			if state.text.Len() == 0 {
				rec.MarkFirstToken()
				if o.settings.EscapeAfter > 0 {
					escapeTimer = time.NewTimer(o.settings.EscapeAfter)
					escapeC = escapeTimer.C
				}
			}
			state.text.WriteString(c.Content)
			out.send(Event{Type: EventTextDelta, Delta: c.Content})
			for _, chunk := range buf.Write(c.Content) {
				enqueue(chunk)
			}
			tryEscape()
		}
	}

	if err := <-genErr; err != nil {
		return err
	}
	if rest, ok := buf.Flush(); ok {
		enqueue(rest)
	}
	return nil
}

func (o *Orchestrator) reportGenerationError(ctx context.Context, mode string, err error, out *stream, logger *slog.Logger) {
	if rl, ok := llm.AsRateLimit(err); ok {
		logger.Warn("generation rate limited", slog.Duration("retry_after", rl.RetryAfter))
		out.send(Event{Type: EventRateLimited, RetryAfterMS: int64Ptr(rl.RetryAfter.Milliseconds())})
		out.send(Event{Type: EventDone})
		o.deps.Metrics.CountTurn(ctx, mode, "rate_limited")
		return
	}
	logger.Error("generation failed", slogError(err))
	out.fail(CodeGeneration, err)
	o.deps.Metrics.CountTurn(ctx, mode, "error")
}

// prepareHistory converts the stored conversation into provider messages and
// makes sure the language directive reaches the model. When persist is set
// the directive is written into the stored system prompt once; otherwise, or
// when there is no system prompt, it is added to the outgoing copy only.
func (o *Orchestrator) prepareHistory(ctx context.Context, conv *store.Conversation, persist bool) ([]llm.Message, error) {
	directive := languageDirective(o.settings.Language)
	hasSystem := len(conv.Messages) > 0 && conv.Messages[0].Role == store.RoleSystem

	if directive != "" && hasSystem && !conv.LanguageApplied && persist {
		changed, err := o.deps.Store.ApplyLanguageDirective(ctx, conv.ID, directive)
		if err != nil {
			return nil, fmt.Errorf("apply language directive: %w", err)
		}
		if changed {
			conv.Messages[0].Content += directive
			conv.LanguageApplied = true
		}
	}

	history := make([]llm.Message, 0, len(conv.Messages)+2)
	for _, m := range conv.Messages {
		history = append(history, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	if directive == "" || conv.LanguageApplied {
		return history, nil
	}
	if hasSystem {
		history[0].Content += directive
		return history, nil
	}
	return append([]llm.Message{{Role: llm.RoleSystem, Content: strings.TrimSpace(directive)}}, history...), nil
}

func languageDirective(language string) string {
	if strings.TrimSpace(language) == "" {
		return ""
	}
	return fmt.Sprintf(" Always respond in %s, in short spoken sentences without markdown.", language)
}

// annotate prefixes the utterance with the caller's detected tone. Classifier
// failures are logged and ignored.
func (o *Orchestrator) annotate(ctx context.Context, text string, logger *slog.Logger) string {
	if o.deps.Sentiment == nil {
		return text
	}
	timeout := o.settings.SentimentTimeout
	if timeout <= 0 {
		timeout = 400 * time.Millisecond
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tone, err := o.deps.Sentiment.Classify(sctx, text)
	if err != nil {
		logger.Warn("sentiment classification failed", slogError(err))
		return text
	}
	if note := sentiment.Annotation(tone); note != "" {
		return note + " " + text
	}
	return text
}

func (o *Orchestrator) updateCall(ctx context.Context, conv store.Conversation, userText, assistantText string, promptTokens, completionTokens int, summary latency.Summary, end bool) error {
	latencyJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	cost := float64(promptTokens)/1000*o.settings.PromptCostPer1K + float64(completionTokens)/1000*o.settings.CompletionCostPer1K
	_, err = o.deps.Store.UpdateCall(ctx, conv.ID, func(c *store.Call) error {
		history := make([]store.HistoryEntry, 0, len(conv.Messages)+2)
		for _, m := range conv.Messages {
			if m.Role == store.RoleSystem {
				continue
			}
			history = append(history, store.HistoryEntry{Role: m.Role, Content: m.Content})
		}
		history = append(history,
			store.HistoryEntry{Role: store.RoleUser, Content: userText},
			store.HistoryEntry{Role: store.RoleAssistant, Content: assistantText},
		)
		c.History = history
		c.CostUSD += cost
		c.PromptTokens += promptTokens
		c.CompletionTokens += completionTokens
		c.Latency = latencyJSON
		if end {
			c.End(o.now().UTC(), EndCallTool)
		}
		return nil
	})
	return err
}

type timelinePayload struct {
	Latency          latency.Summary `json:"latency"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	Segments         int             `json:"segments"`
}

func (o *Orchestrator) appendTimeline(ctx context.Context, conversationID, turnID string, summary latency.Summary, promptTokens, completionTokens, segments int, logger *slog.Logger) {
	payload, err := json.Marshal(timelinePayload{
		Latency:          summary,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Segments:         segments,
	})
	if err != nil {
		logger.Warn("encode timeline event failed", slogError(err))
		return
	}
	if err := o.deps.Store.AppendEvent(ctx, store.Event{
		SessionID: conversationID,
		TraceID:   turnID,
		Type:      "turn.completed",
		Payload:   payload,
	}); err != nil {
		logger.Warn("append timeline event failed", slogError(err))
	}
}

func endCallTool() llm.Tool {
	return llm.Tool{
		Name:        EndCallTool,
		Description: "End the phone call once the caller says goodbye or the conversation is complete.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string", "description": "Why the call is ending."},
			},
		},
	}
}

func hasTool(calls []llm.ToolCall, name string) bool {
	for _, c := range calls {
		if c.Name == name {
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
