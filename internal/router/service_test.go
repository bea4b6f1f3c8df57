package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

type fakeTurns struct {
	mu     sync.Mutex
	runs   []turn.Request
	drafts []turn.DraftRequest
	// slow delays the run whose text matches; trace records run start and end.
	slow  string
	trace []string
}

func (f *fakeTurns) Run(_ context.Context, req turn.Request, emit turn.Emitter) error {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.trace = append(f.trace, "start "+req.UserText)
	slow := f.slow == req.UserText
	f.mu.Unlock()
	if slow {
		time.Sleep(150 * time.Millisecond)
	}
	f.mu.Lock()
	f.trace = append(f.trace, "end "+req.UserText)
	f.mu.Unlock()
	emit(turn.Event{Type: turn.EventTextDelta, TurnID: "t1", Delta: "Hello"})
	emit(turn.Event{Type: turn.EventDone, TurnID: "t1"})
	return nil
}

func (f *fakeTurns) Draft(_ context.Context, req turn.DraftRequest, emit turn.Emitter) error {
	f.mu.Lock()
	f.drafts = append(f.drafts, req)
	f.mu.Unlock()
	emit(turn.Event{Type: turn.EventDone, TurnID: "d1"})
	return nil
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRouterRunsFinalTranscriptsAndRepublishes(t *testing.T) {
	client := startBus(t)
	turns := &fakeTurns{}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, turns, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatalf("router should be healthy after start")
	}

	events := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.TurnEventSubject("conv-9"), events)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
		ConversationID: "conv-9",
		Text:           "what time do you open",
		Timestamp:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []turn.EventType
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-events:
			var env protocol.TurnEvent
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if env.ConversationID != "conv-9" || env.TurnID != "t1" {
				t.Fatalf("unexpected envelope %+v", env)
			}
			var ev turn.Event
			if err := json.Unmarshal(env.Event, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for turn events, got %v", got)
		}
	}
	if got[0] != turn.EventTextDelta || got[1] != turn.EventDone {
		t.Fatalf("unexpected event order %v", got)
	}

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.runs) != 1 || turns.runs[0].UserText != "what time do you open" {
		t.Fatalf("unexpected runs %+v", turns.runs)
	}
}

func TestRouterKeepsFinalsInOrderPerConversation(t *testing.T) {
	client := startBus(t)
	turns := &fakeTurns{slow: "first"}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, turns, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	for _, text := range []string{"first", "second", "third"} {
		if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
			ConversationID: "conv-order",
			Text:           text,
			Timestamp:      time.Now().UTC(),
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		turns.mu.Lock()
		n := len(turns.trace)
		turns.mu.Unlock()
		if n == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for runs, trace has %d entries", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []string{"start first", "end first", "start second", "end second", "start third", "end third"}
	turns.mu.Lock()
	for i := range want {
		if turns.trace[i] != want[i] {
			t.Fatalf("finals ran out of order: %v", turns.trace)
		}
	}
	turns.mu.Unlock()

	for {
		svc.mu.Lock()
		idle := len(svc.queued) == 0
		svc.mu.Unlock()
		if idle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker should be released once idle")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouterDraftsPartialsAndIgnoresBlank(t *testing.T) {
	client := startBus(t)
	turns := &fakeTurns{}
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, turns, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{ConversationID: "conv-9", Text: "   ", Partial: true})
	_ = client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{ConversationID: "conv-9", Text: "what time", Partial: true})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		turns.mu.Lock()
		n := len(turns.drafts)
		turns.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one draft, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	svc.Close()

	turns.mu.Lock()
	defer turns.mu.Unlock()
	if len(turns.drafts) != 1 || turns.drafts[0].PartialText != "what time" {
		t.Fatalf("unexpected drafts %+v", turns.drafts)
	}
	if len(turns.runs) != 0 {
		t.Fatalf("partials must not start turns")
	}
}

func TestRouterDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{Enabled: false}, nil, &fakeTurns{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := svc.Start(); err != nil {
		t.Fatalf("disabled router should start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("disabled router should report healthy")
	}
	svc.Close()
}
