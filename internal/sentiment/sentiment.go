// Package sentiment classifies the emotional tone of a user utterance.
package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Tone is a coarse emotional label with a confidence in [0,1].
type Tone struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type Classifier interface {
	Classify(ctx context.Context, text string) (Tone, error)
}

// New returns nil when sentiment annotation is disabled.
func New(cfg config.SentimentConfig) (Classifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "", "mock":
		return Lexicon{}, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("sentiment endpoint required for http mode")
		}
		return NewHTTPClassifier(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown sentiment mode %q", cfg.Mode)
	}
}

// Annotation renders a tone as a short bracketed note for the model, or ""
// for neutral or low-confidence results.
func Annotation(t Tone) string {
	if t.Label == "" || t.Label == "neutral" || t.Score < 0.5 {
		return ""
	}
	return fmt.Sprintf("[The caller sounds %s.]", t.Label)
}

// Lexicon is a keyword classifier used in mock mode and tests.
type Lexicon struct{}

var lexicon = map[string][]string{
	"frustrated": {"annoyed", "frustrated", "ridiculous", "again", "still not", "useless", "angry"},
	"happy":      {"great", "thanks", "thank you", "awesome", "perfect", "love"},
	"anxious":    {"worried", "urgent", "asap", "scared", "nervous", "emergency"},
	"sad":        {"sad", "sorry to say", "unfortunately", "lost", "miss"},
}

func (Lexicon) Classify(_ context.Context, text string) (Tone, error) {
	lower := strings.ToLower(text)
	best, hits := "neutral", 0
	for _, label := range []string{"frustrated", "anxious", "sad", "happy"} {
		n := 0
		for _, kw := range lexicon[label] {
			if strings.Contains(lower, kw) {
				n++
			}
		}
		if n > hits {
			best, hits = label, n
		}
	}
	if hits == 0 {
		return Tone{Label: "neutral", Score: 1}, nil
	}
	score := 0.5 + 0.2*float64(hits)
	if score > 1 {
		score = 1
	}
	return Tone{Label: best, Score: score}, nil
}

// HTTPClassifier posts {"text": ...} and expects a Tone in response.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPClassifier(endpoint string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 400 * time.Millisecond
	}
	return &HTTPClassifier{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Tone, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Tone{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Tone{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return Tone{}, fmt.Errorf("sentiment request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Tone{}, fmt.Errorf("sentiment service returned status %s", resp.Status)
	}
	var tone Tone
	if err := json.NewDecoder(resp.Body).Decode(&tone); err != nil {
		return Tone{}, fmt.Errorf("decode sentiment: %w", err)
	}
	return tone, nil
}
