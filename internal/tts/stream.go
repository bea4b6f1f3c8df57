package tts

import (
	"bytes"
	"context"
	"io"
)

// Stream runs one synthesis and copies audio into w as chunks arrive.
// onFirstByte, when set, fires once before the first non-empty chunk is written.
// A write failure stops copying but the synthesizer is still drained so its
// goroutine can exit.
func Stream(ctx context.Context, s Synthesizer, req SynthRequest, w io.Writer, onFirstByte func()) (int64, error) {
	chunks, errs := s.Synthesize(ctx, req)
	var (
		written  int64
		synthErr error
		writeErr error
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if len(chunk.Audio) == 0 || writeErr != nil {
				continue
			}
			if written == 0 && onFirstByte != nil {
				onFirstByte()
			}
			n, err := w.Write(chunk.Audio)
			written += int64(n)
			if err != nil {
				writeErr = err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
			}
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	if synthErr != nil {
		return written, synthErr
	}
	return written, writeErr
}

// Collect synthesizes req into a single buffer.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest, onFirstByte func()) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Stream(ctx, s, req, &buf, onFirstByte); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
