package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// ndjsonWriter streams one JSON object per line and flushes after each.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	err     error
}

func newNDJSONWriter(w http.ResponseWriter) (*ndjsonWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &ndjsonWriter{w: w, flusher: f}, nil
}

// Send writes v as one line. After the first write error every later call is
// a no-op returning that error.
func (nw *ndjsonWriter) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.err != nil {
		return nw.err
	}
	b = append(b, '\n')
	if _, err := nw.w.Write(b); err != nil {
		nw.err = err
		return err
	}
	nw.flusher.Flush()
	return nil
}
