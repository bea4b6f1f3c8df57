package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// VoiceSettings are the provider-facing voice parameters of one synthesis call.
type VoiceSettings struct {
	VoiceID        string                  `json:"voice_id"`
	ModelID        string                  `json:"model_id"`
	Stability      float64                 `json:"stability"`
	Similarity     float64                 `json:"similarity"`
	Classification protocol.Classification `json:"classification,omitempty"`
}

// SettingsFromConfig builds defaults from config.
func SettingsFromConfig(cfg config.TTSConfig) VoiceSettings {
	return VoiceSettings{
		VoiceID:        cfg.VoiceID,
		ModelID:        cfg.ModelID,
		Stability:      cfg.Stability,
		Similarity:     cfg.Similarity,
		Classification: protocol.ClassTemporary,
	}
}

// Validate rejects settings a provider would refuse.
func (v VoiceSettings) Validate() error {
	if strings.TrimSpace(v.VoiceID) == "" {
		return errors.New("voice id is required")
	}
	if v.Stability < 0 || v.Stability > 1 {
		return fmt.Errorf("stability %.2f out of range [0,1]", v.Stability)
	}
	if v.Similarity < 0 || v.Similarity > 1 {
		return fmt.Errorf("similarity %.2f out of range [0,1]", v.Similarity)
	}
	return nil
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     VoiceSettings
}

// SynthChunk carries a slice of encoded audio.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	Audio      []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. Implementations close both
// channels when done and stop sending once ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// ProviderError is a non-2xx answer from a remote synthesis provider.
type ProviderError struct {
	Status      int
	RateLimited bool
	Body        string
}

func (e *ProviderError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("tts provider rate limited: status=%d", e.Status)
	}
	return fmt.Sprintf("tts provider error: status=%d body=%s", e.Status, e.Body)
}

// IsRateLimited reports whether err carries a provider rate-limit answer.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.RateLimited
}

// ContentType maps a provider output format such as "mp3_44100_128" to a MIME type.
func ContentType(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

// New selects a backend from config.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "elevenlabs":
		return NewElevenLabsSynth(ElevenLabsOptions{
			BaseURL:      cfg.Endpoint,
			APIKey:       cfg.APIKey,
			OutputFormat: cfg.OutputFormat,
			SampleRate:   cfg.SampleRate,
			Channels:     cfg.Channels,
		}), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
