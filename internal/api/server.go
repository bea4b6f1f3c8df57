// Package api exposes the turn pipeline over HTTP: NDJSON turn and draft
// streams, delivery tokens, segment downloads and call termination.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/latency"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/store"
	"github.com/loqalabs/loqa-voice/internal/tokens"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/turn"
)

// Turns runs turns and drafts.
type Turns interface {
	Run(ctx context.Context, req turn.Request, emit turn.Emitter) error
	Draft(ctx context.Context, req turn.DraftRequest, emit turn.Emitter) error
}

// Store is the read side of persistence plus preview writes.
type Store interface {
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	OpenSegment(ctx context.Context, id string) (io.ReadCloser, store.Segment, error)
	PutSegment(ctx context.Context, ns store.NewSegment, r io.Reader) (store.Segment, error)
}

// CallEnder schedules the end-of-call merge.
type CallEnder interface {
	NotifyCallEnded(ctx context.Context, conversationID, reason string)
}

// Authorizer decides whether a request may act on a conversation. An empty
// conversation id asks about non-conversation resources such as token minting.
type Authorizer interface {
	Authorize(r *http.Request, conversationID string) error
}

// AllowAll authorizes every request.
type AllowAll struct{}

func (AllowAll) Authorize(*http.Request, string) error { return nil }

// ErrForbidden is what an Authorizer returns to deny access.
var ErrForbidden = errors.New("forbidden")

type Deps struct {
	Turns      Turns
	Store      Store
	Tokens     tokens.Store
	Synth      tts.Synthesizer
	Latency    *latency.Registry
	Calls      CallEnder
	Authorizer Authorizer
	Logger     *slog.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	voice       tts.VoiceSettings
	contentType string
	logger      *slog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:         cfg,
		deps:        deps,
		voice:       tts.SettingsFromConfig(cfg.TTS),
		contentType: tts.ContentType(cfg.TTS.OutputFormat),
		logger:      logger.With(slog.String("component", "api")),
	}
}

// Handler builds the route table. ctx bounds background work such as the
// rate limiter janitor.
func (s *Server) Handler(ctx context.Context) http.Handler {
	limit := RateLimiter(ctx, s.cfg.API.DeliveryRPS, s.cfg.API.DeliveryBurst, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/conversations/{id}/drafts", s.handleDraft)
	mux.HandleFunc("POST /v1/conversations/{id}/end", s.handleEnd)
	mux.HandleFunc("POST /v1/tokens", s.handleMint)
	mux.Handle("GET /v1/audio/{token}", limit(http.HandlerFunc(s.handleDelivery)))
	mux.HandleFunc("POST /v1/previews", s.handlePreview)
	mux.HandleFunc("GET /v1/segments/{id}", s.handleSegment)
	mux.HandleFunc("GET /v1/turns/{id}/latency", s.handleLatency)

	return Chain(mux, Recovery(s.logger), RequestLogger(s.logger))
}

type turnBody struct {
	UserText string `json:"userText"`
	AgentID  string `json:"agentId,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	var body turnBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.UserText) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "userText is required")
		return
	}
	out, err := newNDJSONWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	req := turn.Request{ConversationID: id, UserText: body.UserText, AgentID: body.AgentID}
	if err := s.deps.Turns.Run(r.Context(), req, s.emitter(out)); err != nil && r.Context().Err() == nil {
		s.logger.Debug("turn ended with error", slog.String("conversation_id", id), slogError(err))
	}
}

type draftBody struct {
	PartialText string `json:"partialText"`
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	var body draftBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.PartialText) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "partialText is required")
		return
	}
	out, err := newNDJSONWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	req := turn.DraftRequest{ConversationID: id, PartialText: body.PartialText}
	if err := s.deps.Turns.Draft(r.Context(), req, s.emitter(out)); err != nil && r.Context().Err() == nil {
		s.logger.Debug("draft ended with error", slog.String("conversation_id", id), slogError(err))
	}
}

func (s *Server) emitter(out *ndjsonWriter) turn.Emitter {
	return func(ev turn.Event) {
		// a failed write means the caller is gone; request cancellation stops the turn
		_ = out.Send(ev)
	}
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	if _, err := s.deps.Store.GetConversation(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Calls.NotifyCallEnded(r.Context(), id, "hangup")
	writeJSON(w, http.StatusAccepted, map[string]string{"conversationId": id, "status": "ending"})
}

type voiceBody struct {
	Text       string   `json:"text"`
	VoiceID    string   `json:"voiceId,omitempty"`
	ModelID    string   `json:"modelId,omitempty"`
	Stability  *float64 `json:"stability,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
}

// settings overlays the request's voice fields on the configured defaults.
func (s *Server) settings(b voiceBody) tts.VoiceSettings {
	v := s.voice
	if b.VoiceID != "" {
		v.VoiceID = b.VoiceID
	}
	if b.ModelID != "" {
		v.ModelID = b.ModelID
	}
	if b.Stability != nil {
		v.Stability = *b.Stability
	}
	if b.Similarity != nil {
		v.Similarity = *b.Similarity
	}
	return v
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}
	var body voiceBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	voice := s.settings(body)
	if err := voice.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	token, err := s.deps.Tokens.Mint(r.Context(), tokens.Params{
		Text:       body.Text,
		VoiceID:    voice.VoiceID,
		ModelID:    voice.ModelID,
		Stability:  voice.Stability,
		Similarity: voice.Similarity,
	})
	if err != nil {
		s.logger.Error("mint delivery token failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal", "could not mint token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":            token,
		"url":              strings.TrimRight(s.cfg.API.PublicBaseURL, "/") + "/v1/audio/" + token,
		"expiresInSeconds": s.cfg.Tokens.TTLSeconds,
	})
}

// headerOnFirstWrite defers the 200 status until audio actually flows so a
// provider failure before the first byte can still become an error response.
type headerOnFirstWrite struct {
	w           http.ResponseWriter
	contentType string
	started     bool
}

func (h *headerOnFirstWrite) Write(p []byte) (int, error) {
	if !h.started {
		h.started = true
		h.w.Header().Set("Content-Type", h.contentType)
		h.w.Header().Set("Cache-Control", "no-store")
		h.w.WriteHeader(http.StatusOK)
	}
	n, err := h.w.Write(p)
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	params, err := s.deps.Tokens.Consume(r.Context(), r.PathValue("token"))
	if errors.Is(err, tokens.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "token expired or already used")
		return
	}
	if err != nil {
		s.logger.Error("consume delivery token failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal", "token lookup failed")
		return
	}

	voice := s.voice
	voice.VoiceID = params.VoiceID
	voice.ModelID = params.ModelID
	voice.Stability = params.Stability
	voice.Similarity = params.Similarity

	out := &headerOnFirstWrite{w: w, contentType: s.contentType}
	n, err := tts.Stream(r.Context(), s.deps.Synth, tts.SynthRequest{Text: params.Text, Voice: voice}, out, nil)
	if err == nil {
		if !out.started {
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
	if r.Context().Err() != nil {
		return
	}
	s.logger.Warn("delivery synthesis failed", slog.Int64("bytes", n), slogError(err))
	if out.started {
		return
	}
	if tts.IsRateLimited(err) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "speech provider is rate limiting")
		return
	}
	writeError(w, http.StatusBadGateway, "synthesis_failed", "speech synthesis failed")
}

// handlePreview synthesizes a short sample into a preview segment that
// expires after the preview TTL.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}
	var body voiceBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	voice := s.settings(body)
	voice.Classification = protocol.ClassPreview
	if err := voice.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	audio, err := tts.Collect(r.Context(), s.deps.Synth, tts.SynthRequest{Text: body.Text, Voice: voice}, nil)
	if err != nil {
		s.logger.Warn("preview synthesis failed", slogError(err))
		writeError(w, http.StatusBadGateway, "synthesis_failed", "speech synthesis failed")
		return
	}
	seg, err := s.deps.Store.PutSegment(r.Context(), store.NewSegment{
		Classification: protocol.ClassPreview,
		ContentType:    s.contentType,
		TTL:            time.Duration(s.cfg.Ledger.PreviewTTLMinutes) * time.Minute,
	}, bytes.NewReader(audio))
	if err != nil {
		s.logger.Error("store preview failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "storage_failed", "could not store preview")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"locator":   seg.ID,
		"expiresAt": seg.ExpiresAt,
	})
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	rc, seg, err := s.deps.Store.OpenSegment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	defer rc.Close()
	if seg.ConversationID != "" && !s.authorize(w, r, seg.ConversationID) {
		return
	}
	contentType := seg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(seg.Size, 10))
	w.Header().Set("ETag", `"`+seg.SHA256+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && r.Context().Err() == nil {
		s.logger.Warn("segment download interrupted", slog.String("segment_id", seg.ID), slogError(err))
	}
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if s.deps.Latency == nil {
		writeError(w, http.StatusNotFound, "not_found", "latency tracking disabled")
		return
	}
	summary, ok := s.deps.Latency.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown or expired turn")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, conversationID string) bool {
	err := s.deps.Authorizer.Authorize(r, conversationID)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrForbidden) {
		writeError(w, http.StatusForbidden, "forbidden", "access denied")
		return false
	}
	writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	return false
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	s.logger.Error("store request failed", slogError(err))
	writeError(w, http.StatusInternalServerError, "internal", "storage error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
