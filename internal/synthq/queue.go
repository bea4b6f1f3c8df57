// Package synthq serializes the speech synthesis of one turn's chunks.
package synthq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/latency"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/store"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Result reports the outcome of one chunk. Err is set for failed chunks.
type Result struct {
	Index       int
	Text        string
	Locator     string
	SynthesisMS int64
	Err         error
}

// SegmentWriter stores synthesized audio.
type SegmentWriter interface {
	PutSegment(ctx context.Context, ns store.NewSegment, r io.Reader) (store.Segment, error)
	DeleteSegment(ctx context.Context, id string) error
}

type Options struct {
	ConversationID string
	TurnID         string
	Voice          tts.VoiceSettings
	ContentType    string
	SegmentTTL     time.Duration
	Timeout        time.Duration
	Record         *latency.Record
	Metrics        *latency.Metrics
	Logger         *slog.Logger
}

type item struct {
	index int
	text  string
}

// Queue accepts chunks from the generation loop and synthesizes them one at a
// time in enqueue order. Results reach the sink in that same order.
type Queue struct {
	base     context.Context
	synth    tts.Synthesizer
	segments SegmentWriter
	opts     Options
	sink     func(Result)
	logger   *slog.Logger

	mu        sync.Mutex
	pending   []item
	next      int
	draining  bool
	discarded bool
	idle      chan struct{}
}

// New builds a queue. Synthesis calls run under a context derived from ctx
// that ignores its cancellation, so calls already dispatched finish.
func New(ctx context.Context, synth tts.Synthesizer, segments SegmentWriter, opts Options, sink func(Result)) *Queue {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Voice.Classification == "" {
		opts.Voice.Classification = protocol.ClassTemporary
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		base:     context.WithoutCancel(ctx),
		synth:    synth,
		segments: segments,
		opts:     opts,
		sink:     sink,
		logger:   logger.With(slog.String("component", "synthq"), slog.String("turn_id", opts.TurnID)),
		idle:     idle,
	}
}

// Enqueue appends text and returns its index. Only one drain loop runs at a
// time; enqueueing while it runs just extends its work list.
func (q *Queue) Enqueue(text string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.next
	q.next++
	if q.discarded {
		return idx
	}
	q.pending = append(q.pending, item{index: idx, text: text})
	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return idx
}

// Len reports how many chunks have been enqueued so far.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Idle returns a channel that is closed once nothing is pending or in flight.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops pending chunks and suppresses results of the call in flight.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.discarded = true
	q.pending = nil
	q.mu.Unlock()
}

func (q *Queue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.discarded {
			q.pending = nil
			q.draining = false
			close(idle)
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		res := q.process(it)

		q.mu.Lock()
		dropped := q.discarded
		q.mu.Unlock()
		if dropped {
			continue
		}
		if q.sink != nil {
			q.sink(res)
		}
	}
}

func (q *Queue) process(it item) Result {
	ctx, cancel := context.WithTimeout(q.base, q.opts.Timeout)
	defer cancel()

	res := Result{Index: it.index, Text: it.text}
	start := time.Now()
	seg, err := q.synthesize(ctx, it)
	elapsed := time.Since(start)
	res.SynthesisMS = elapsed.Milliseconds()
	if err != nil {
		res.Err = err
		q.opts.Metrics.ObserveSegment(ctx, res.SynthesisMS, false)
		q.logger.Warn("segment synthesis failed", slog.Int("index", it.index), slogError(err))
		return res
	}
	if rec := q.opts.Record; rec != nil {
		rec.MarkLastAudio()
		rec.ObserveSynthesis(elapsed)
	}
	q.opts.Metrics.ObserveSegment(ctx, res.SynthesisMS, true)
	res.Locator = seg.ID
	return res
}

var errEmptyAudio = errors.New("synthesis produced no audio")

// synthesize streams provider audio straight into the segment store.
func (q *Queue) synthesize(ctx context.Context, it item) (store.Segment, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := tts.Stream(ctx, q.synth, tts.SynthRequest{
			SessionID: q.opts.TurnID,
			Text:      it.text,
			Voice:     q.opts.Voice,
		}, pw, func() {
			if q.opts.Record != nil {
				q.opts.Record.MarkFirstAudio()
			}
		})
		pw.CloseWithError(err)
	}()

	seg, err := q.segments.PutSegment(ctx, store.NewSegment{
		ConversationID: q.opts.ConversationID,
		TurnID:         q.opts.TurnID,
		Classification: q.opts.Voice.Classification,
		ContentType:    q.opts.ContentType,
		TTL:            q.opts.SegmentTTL,
	}, pr)
	// unblock the writer if the store gave up early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return store.Segment{}, fmt.Errorf("synthesize chunk %d: %w", it.index, err)
	}
	if seg.Size == 0 {
		if err := q.segments.DeleteSegment(context.WithoutCancel(ctx), seg.ID); err != nil {
			q.logger.Warn("delete empty segment failed", slog.String("segment_id", seg.ID), slogError(err))
		}
		return store.Segment{}, errEmptyAudio
	}
	return seg, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
