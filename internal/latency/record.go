// Package latency captures per-turn pipeline timestamps and derives summaries.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Record accumulates the timeline of one turn. All marks are offsets from the
// moment the record was created; a stage that never happens stays absent.
type Record struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time

	firstToken     *time.Duration
	generationDone *time.Duration
	firstAudio     *time.Duration
	lastAudio      *time.Duration
	firstPlayable  *time.Duration
	synthesis      []time.Duration
}

// NewRecord starts a record. A nil clock uses time.Now.
func NewRecord(now func() time.Time) *Record {
	if now == nil {
		now = time.Now
	}
	return &Record{now: now, start: now()}
}

func (r *Record) Start() time.Time { return r.start }

func (r *Record) offset() *time.Duration {
	d := r.now().Sub(r.start)
	if d < 0 {
		d = 0
	}
	return &d
}

// MarkFirstToken records the first generated delta. Later calls are ignored.
func (r *Record) MarkFirstToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstToken == nil {
		r.firstToken = r.offset()
	}
}

func (r *Record) MarkGenerationDone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generationDone == nil {
		r.generationDone = r.offset()
	}
}

// MarkFirstAudio records the first synthesized byte of the turn.
func (r *Record) MarkFirstAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstAudio == nil {
		r.firstAudio = r.offset()
	}
}

// MarkLastAudio moves the last-audio mark forward each time a segment completes.
func (r *Record) MarkLastAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.offset()
	if r.lastAudio == nil || *off > *r.lastAudio {
		r.lastAudio = off
	}
}

// MarkFirstPlayable records when the first segment became fetchable by the listener.
func (r *Record) MarkFirstPlayable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstPlayable == nil {
		r.firstPlayable = r.offset()
	}
}

// ObserveSynthesis adds the duration of one synthesis call.
func (r *Record) ObserveSynthesis(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.synthesis = append(r.synthesis, d)
	r.mu.Unlock()
}

// Stats summarizes a set of durations in milliseconds.
type Stats struct {
	Count  int   `json:"count"`
	MeanMS int64 `json:"meanMs"`
	P50MS  int64 `json:"p50Ms"`
	P95MS  int64 `json:"p95Ms"`
	MaxMS  int64 `json:"maxMs"`
}

// Summary is the serializable view of a Record.
type Summary struct {
	FirstTokenMS       *int64 `json:"firstTokenMs,omitempty"`
	GenerationMS       *int64 `json:"generationMs,omitempty"`
	FirstAudioMS       *int64 `json:"firstAudioMs,omitempty"`
	LastAudioMS        *int64 `json:"lastAudioMs,omitempty"`
	TimeToFirstAudioMS *int64 `json:"timeToFirstAudioMs,omitempty"`
	TotalMS            int64  `json:"totalMs"`
	Synthesis          *Stats `json:"synthesis,omitempty"`
}

func (r *Record) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		FirstTokenMS:       millis(r.firstToken),
		GenerationMS:       millis(r.generationDone),
		FirstAudioMS:       millis(r.firstAudio),
		LastAudioMS:        millis(r.lastAudio),
		TimeToFirstAudioMS: millis(r.firstPlayable),
		TotalMS:            *millis(r.offset()),
	}
	if len(r.synthesis) > 0 {
		st := computeStats(r.synthesis)
		s.Synthesis = &st
	}
	return s
}

func millis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func computeStats(values []time.Duration) Stats {
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, v := range sorted {
		total += v
	}
	return Stats{
		Count:  len(sorted),
		MeanMS: (total / time.Duration(len(sorted))).Milliseconds(),
		P50MS:  percentile(sorted, 50).Milliseconds(),
		P95MS:  percentile(sorted, 95).Milliseconds(),
		MaxMS:  sorted[len(sorted)-1].Milliseconds(),
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
