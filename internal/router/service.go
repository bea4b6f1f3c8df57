// Package router turns transcripts arriving on the bus into turns and drafts
// and republishes the resulting events.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

// Turns runs turns and drafts.
type Turns interface {
	Run(ctx context.Context, req turn.Request, emit turn.Emitter) error
	Draft(ctx context.Context, req turn.DraftRequest, emit turn.Emitter) error
}

type Service struct {
	cfg        config.RouterConfig
	bus        *bus.Client
	turns      Turns
	logger     *slog.Logger
	subFinal   *nats.Subscription
	subPartial *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// queued holds finals waiting behind a running turn, per conversation.
	// A key is present while that conversation has a worker.
	queued map[string][]turn.Request
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, turns Turns, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		turns:  turns,
		logger: logger.With(slog.String("component", "router")),
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[string][]turn.Request),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleFinal)
	if err != nil {
		return err
	}
	s.subFinal = sub

	subPartial, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptPartial, s.handlePartial)
	if err != nil {
		_ = s.subFinal.Drain()
		return err
	}
	s.subPartial = subPartial
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.subFinal != nil {
		_ = s.subFinal.Drain()
	}
	if s.subPartial != nil {
		_ = s.subPartial.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subFinal != nil && s.subPartial != nil)
}

func (s *Service) decode(msg *nats.Msg) (protocol.Transcript, bool) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return transcript, false
	}
	if transcript.ConversationID == "" || strings.TrimSpace(transcript.Text) == "" {
		return transcript, false
	}
	return transcript, true
}

// handleFinal runs finals for one conversation in arrival order; different
// conversations run concurrently.
func (s *Service) handleFinal(msg *nats.Msg) {
	transcript, ok := s.decode(msg)
	if !ok {
		return
	}
	req := turn.Request{
		ConversationID: transcript.ConversationID,
		UserText:       transcript.Text,
		AgentID:        transcript.AgentID,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if pending, busy := s.queued[req.ConversationID]; busy {
		s.queued[req.ConversationID] = append(pending, req)
		return
	}
	s.queued[req.ConversationID] = nil
	s.wg.Add(1)
	go s.runFinals(req)
}

func (s *Service) runFinals(req turn.Request) {
	defer s.wg.Done()
	for {
		if err := s.turns.Run(s.ctx, req, s.publisher(req.ConversationID)); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("turn from transcript failed", slog.String("conversation_id", req.ConversationID), slogError(err))
		}
		s.mu.Lock()
		pending := s.queued[req.ConversationID]
		if len(pending) == 0 {
			delete(s.queued, req.ConversationID)
			s.mu.Unlock()
			return
		}
		req = pending[0]
		s.queued[req.ConversationID] = pending[1:]
		s.mu.Unlock()
	}
}

func (s *Service) handlePartial(msg *nats.Msg) {
	transcript, ok := s.decode(msg)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := turn.DraftRequest{ConversationID: transcript.ConversationID, PartialText: transcript.Text}
		if err := s.turns.Draft(s.ctx, req, s.publisher(transcript.ConversationID)); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("draft from partial transcript failed", slog.String("conversation_id", transcript.ConversationID), slogError(err))
		}
	}()
}

// publisher returns an emitter that republishes events on the
// conversation's turn event subject.
func (s *Service) publisher(conversationID string) turn.Emitter {
	subject := protocol.TurnEventSubject(conversationID)
	return func(ev turn.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("router failed to encode turn event", slogError(err))
			return
		}
		err = s.bus.PublishJSON(subject, protocol.TurnEvent{
			ConversationID: conversationID,
			TurnID:         ev.TurnID,
			Event:          data,
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("router failed to publish turn event", slog.String("subject", subject), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
