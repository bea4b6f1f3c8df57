// Package ledger merges a conversation's audio segments into one archival
// blob and sweeps expired segments.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/store"
)

// ErrNothingToMerge is returned when none of the requested segments could be read.
var ErrNothingToMerge = errors.New("no segments to merge")

// Store is the segment and call persistence the ledger needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	UpdateCall(ctx context.Context, conversationID string, fn func(*store.Call) error) (store.Call, error)
	OpenSegment(ctx context.Context, id string) (io.ReadCloser, store.Segment, error)
	PutSegment(ctx context.Context, ns store.NewSegment, r io.Reader) (store.Segment, error)
	DeleteSegment(ctx context.Context, id string) error
	ListExpiredSegments(ctx context.Context, now time.Time, limit int) ([]store.Segment, error)
	ListConversationSegments(ctx context.Context, conversationID string, class protocol.Classification) ([]store.Segment, error)
}

type Options struct {
	MergeConcurrency int
	SweepInterval    time.Duration
	SweepBatch       int
	Logger           *slog.Logger
	Now              func() time.Time
}

func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{
		MergeConcurrency: cfg.MergeConcurrency,
		SweepInterval:    time.Duration(cfg.SweepIntervalMS) * time.Millisecond,
	}
}

type Ledger struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	ending singleflight.Group
}

func New(st Store, opts Options) *Ledger {
	if opts.MergeConcurrency <= 0 {
		opts.MergeConcurrency = 4
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:  st,
		opts:   opts,
		logger: logger.With(slog.String("component", "ledger")),
		now:    now,
	}
}

type download struct {
	data        []byte
	contentType string
	err         error
}

// Merge concatenates the given segments in order into a new
// full_conversation blob with no expiry. Segments that cannot be read are
// skipped. Successfully merged temporary segments are deleted afterwards.
func (l *Ledger) Merge(ctx context.Context, conversationID string, ids []string) (store.Segment, error) {
	slots := make([]download, len(ids))

	var g errgroup.Group
	g.SetLimit(l.opts.MergeConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			slots[i] = l.fetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return store.Segment{}, err
	}

	var (
		readers     []io.Reader
		merged      []string
		contentType string
	)
	for i, slot := range slots {
		if slot.err != nil {
			l.logger.Warn("skipping unreadable segment",
				slog.String("conversation_id", conversationID),
				slog.String("segment_id", ids[i]),
				slogError(slot.err))
			continue
		}
		if contentType == "" {
			contentType = slot.contentType
		}
		readers = append(readers, bytes.NewReader(slot.data))
		merged = append(merged, ids[i])
	}
	if len(readers) == 0 {
		return store.Segment{}, ErrNothingToMerge
	}

	seg, err := l.store.PutSegment(ctx, store.NewSegment{
		ConversationID: conversationID,
		Classification: protocol.ClassFullConversation,
		ContentType:    contentType,
	}, io.MultiReader(readers...))
	if err != nil {
		return store.Segment{}, fmt.Errorf("store merged audio: %w", err)
	}

	for _, id := range merged {
		if err := l.store.DeleteSegment(ctx, id); err != nil {
			l.logger.Warn("delete merged segment failed", slog.String("segment_id", id), slogError(err))
		}
	}

	l.logger.Info("conversation audio merged",
		slog.String("conversation_id", conversationID),
		slog.String("segment_id", seg.ID),
		slog.Int("merged", len(merged)),
		slog.Int("skipped", len(ids)-len(merged)),
		slog.Int64("bytes", seg.Size))
	return seg, nil
}

func (l *Ledger) fetch(ctx context.Context, id string) download {
	rc, seg, err := l.store.OpenSegment(ctx, id)
	if err != nil {
		return download{err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return download{err: fmt.Errorf("read segment %s: %w", id, err)}
	}
	if seg.Classification == protocol.ClassFullConversation {
		return download{err: fmt.Errorf("segment %s is already a merged recording", id)}
	}
	return download{data: data, contentType: seg.ContentType}
}

// EndConversation marks the call ended and merges every segment referenced by
// the conversation's messages. Ending an already merged conversation returns
// the existing recording. Concurrent calls for one conversation share a
// single merge.
func (l *Ledger) EndConversation(ctx context.Context, conversationID, reason string) (store.Segment, error) {
	v, err, _ := l.ending.Do(conversationID, func() (any, error) {
		return l.endConversation(ctx, conversationID, reason)
	})
	seg, _ := v.(store.Segment)
	return seg, err
}

func (l *Ledger) endConversation(ctx context.Context, conversationID, reason string) (store.Segment, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Segment{}, err
	}
	if _, err := l.store.UpdateCall(ctx, conversationID, func(c *store.Call) error {
		c.End(l.now().UTC(), reason)
		return nil
	}); err != nil {
		return store.Segment{}, fmt.Errorf("end call: %w", err)
	}

	existing, err := l.store.ListConversationSegments(ctx, conversationID, protocol.ClassFullConversation)
	if err != nil {
		return store.Segment{}, err
	}
	if len(existing) > 0 {
		return existing[len(existing)-1], nil
	}
	return l.Merge(ctx, conversationID, conv.SegmentIDs())
}

// Sweep deletes every segment whose expiry has passed and reports how many
// were removed.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for {
		expired, err := l.store.ListExpiredSegments(ctx, l.now().UTC(), l.opts.SweepBatch)
		if err != nil {
			return removed, err
		}
		progress := 0
		for _, seg := range expired {
			if err := l.store.DeleteSegment(ctx, seg.ID); err != nil {
				l.logger.Warn("delete expired segment failed", slog.String("segment_id", seg.ID), slogError(err))
				continue
			}
			progress++
		}
		removed += progress
		if len(expired) < l.opts.SweepBatch || progress == 0 {
			return removed, nil
		}
	}
}

// Run sweeps on the configured interval until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("segment sweep failed", slogError(err))
				}
				continue
			}
			if n > 0 {
				l.logger.Info("expired segments swept", slog.Int("removed", n))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
