package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/store"
)

const (
	callsStream   = "CALLS"
	mergeConsumer = "ledger-merge"
)

// Service runs the expiry sweep and merges recordings when calls end. With a
// bus, call-ended notices go through a JetStream stream so a merge survives a
// restart; without one, merges run in-process.
type Service struct {
	ledger *Ledger
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, l *Ledger, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ledger: l,
		bus:    busClient,
		logger: logger.With(slog.String("component", "ledger")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if s.bus != nil {
		if err := s.bus.EnsureStream(callsStream, 7*24*time.Hour, protocol.SubjectCallEnded); err != nil {
			return err
		}
		sub, err := s.bus.JetStream().Subscribe(protocol.SubjectCallEnded, s.handleCallEnded,
			nats.Durable(mergeConsumer),
			nats.ManualAck(),
			nats.AckWait(2*time.Minute),
			nats.MaxDeliver(5),
		)
		if err != nil {
			return err
		}
		s.sub = sub
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ledger.Run(s.ctx)
	}()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || s.sub != nil
}

// NotifyCallEnded schedules the merge of a finished call. It does not block
// on the merge itself.
func (s *Service) NotifyCallEnded(ctx context.Context, conversationID, reason string) {
	if s.bus != nil {
		err := s.bus.PublishJSON(protocol.SubjectCallEnded, protocol.CallEnded{
			ConversationID: conversationID,
			Reason:         reason,
			Timestamp:      time.Now().UTC(),
		})
		if err == nil {
			return
		}
		s.logger.Warn("publish call ended failed, merging in process", slog.String("conversation_id", conversationID), slogError(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("call ended after ledger shutdown, merge skipped", slog.String("conversation_id", conversationID))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.end(context.WithoutCancel(ctx), conversationID, reason)
	}()
}

func (s *Service) handleCallEnded(msg *nats.Msg) {
	var notice protocol.CallEnded
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		s.logger.Warn("ledger failed to decode call ended notice", slogError(err))
		_ = msg.Term()
		return
	}
	if err := s.end(s.ctx, notice.ConversationID, notice.Reason); err != nil {
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// end merges a call and reports only errors worth retrying.
func (s *Service) end(ctx context.Context, conversationID, reason string) error {
	seg, err := s.ledger.EndConversation(ctx, conversationID, reason)
	switch {
	case err == nil:
		s.logger.Info("call recording ready", slog.String("conversation_id", conversationID), slog.String("segment_id", seg.ID))
		return nil
	case errors.Is(err, ErrNothingToMerge):
		s.logger.Info("call ended without audio", slog.String("conversation_id", conversationID))
		return nil
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("call ended for unknown conversation", slog.String("conversation_id", conversationID))
		return nil
	default:
		s.logger.Error("merge call recording failed", slog.String("conversation_id", conversationID), slogError(err))
		return err
	}
}
