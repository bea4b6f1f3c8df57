package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultElevenLabsBase = "https://api.elevenlabs.io"

type ElevenLabsOptions struct {
	BaseURL      string
	APIKey       string
	OutputFormat string
	SampleRate   int
	Channels     int
	Client       *http.Client
}

type elevenLabsSynth struct {
	opts   ElevenLabsOptions
	client *http.Client
}

// NewElevenLabsSynth streams audio from the ElevenLabs text-to-speech endpoint.
func NewElevenLabsSynth(opts ElevenLabsOptions) Synthesizer {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultElevenLabsBase
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = "mp3_44100_128"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &elevenLabsSynth{opts: opts, client: client}
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

const streamReadSize = 16 * 1024

func (e *elevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if err := req.Voice.Validate(); err != nil {
			errs <- &ProviderError{Status: http.StatusBadRequest, Body: err.Error()}
			return
		}
		resp, err := e.do(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, streamReadSize)
		sequence := 0
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				audio := make([]byte, n)
				copy(audio, buf[:n])
				select {
				case chunks <- SynthChunk{
					SessionID:  req.SessionID,
					Sequence:   sequence,
					SampleRate: e.opts.SampleRate,
					Channels:   e.opts.Channels,
					Audio:      audio,
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				errs <- fmt.Errorf("read elevenlabs stream: %w", readErr)
				return
			}
		}
	}()
	return chunks, errs
}

func (e *elevenLabsSynth) do(ctx context.Context, req SynthRequest) (*http.Response, error) {
	payload, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: req.Voice.ModelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       req.Voice.Stability,
			SimilarityBoost: req.Voice.Similarity,
		},
	})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		strings.TrimRight(e.opts.BaseURL, "/"),
		url.PathEscape(req.Voice.VoiceID),
		url.QueryEscape(e.opts.OutputFormat),
	)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.opts.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Status:      resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
			Body:        strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
