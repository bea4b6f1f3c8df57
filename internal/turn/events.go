package turn

import (
	"sync"

	"github.com/loqalabs/loqa-voice/internal/latency"
)

type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventSegmentReady  EventType = "segment_ready"
	EventSegmentFailed EventType = "segment_failed"
	EventLatency       EventType = "latency"
	EventFinal         EventType = "final"
	EventRateLimited   EventType = "rate_limited"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Error codes carried by EventError.
const (
	CodeNotFound   = "not_found"
	CodeGeneration = "generation_failed"
	CodeStorage    = "storage_failed"
	CodeTimeout    = "timeout"
)

// Event is one line of the turn stream. Latency timings are flattened into
// the event object.
type Event struct {
	Type          EventType `json:"type"`
	TurnID        string    `json:"turnId,omitempty"`
	Delta         string    `json:"delta,omitempty"`
	Index         *int      `json:"index,omitempty"`
	Text          string    `json:"text,omitempty"`
	Locator       string    `json:"locator,omitempty"`
	SynthesisMS   *int64    `json:"synthesisMs,omitempty"`
	Error         string    `json:"error,omitempty"`
	Code          string    `json:"code,omitempty"`
	RetryAfterMS  *int64    `json:"retryAfterMs,omitempty"`
	ShouldEndCall *bool     `json:"shouldEndCall,omitempty"`
	*latency.Summary
}

// Emitter receives events in order. It is never called concurrently.
type Emitter func(Event)

// stream serializes emission from the generation loop and the synthesis
// drain and drops anything sent after done.
type stream struct {
	mu     sync.Mutex
	turnID string
	emit   Emitter
	closed bool
}

func newStream(turnID string, emit Emitter) *stream {
	if emit == nil {
		emit = func(Event) {}
	}
	return &stream{turnID: turnID, emit: emit}
}

func (s *stream) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ev.Type == EventDone {
		s.closed = true
	}
	ev.TurnID = s.turnID
	s.emit(ev)
}

// close drops every later send. It waits for an emit already in progress,
// so once it returns the caller's Emitter is never invoked again.
func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stream) fail(code string, err error) {
	s.send(Event{Type: EventError, Code: code, Error: err.Error()})
	s.send(Event{Type: EventDone})
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
