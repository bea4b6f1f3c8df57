package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOllamaStreamsDeltasAndToolCalls(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		lines := []string{
			`{"message":{"role":"assistant","content":"Hello! "},"done":false}`,
			`{"message":{"role":"assistant","content":"Bye.","tool_calls":[{"function":{"name":"end_call","arguments":{"reason":"done"}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":5}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL, "fast-model", "big-model")
	var content strings.Builder
	var calls []ToolCall
	var last Chunk
	err := gen.Generate(context.Background(), Request{
		Tier:     "fast",
		Messages: []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "Hi"}},
		Tools:    []Tool{{Name: "end_call", Description: "hang up"}},
	}, func(c Chunk) error {
		content.WriteString(c.Content)
		calls = append(calls, c.ToolCalls...)
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Model != "fast-model" || len(got.Messages) != 2 || len(got.Tools) != 1 || got.Tools[0].Function.Name != "end_call" {
		t.Fatalf("unexpected request %+v", got)
	}
	if content.String() != "Hello! Bye." {
		t.Fatalf("unexpected content %q", content.String())
	}
	if len(calls) != 1 || calls[0].Name != "end_call" {
		t.Fatalf("unexpected tool calls %+v", calls)
	}
	if last.Partial || last.PromptTokens != 12 || last.CompletionTokens != 5 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
}

func TestOllamaRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "", "").Generate(context.Background(), Request{}, func(Chunk) error { return nil })
	rl, ok := AsRateLimit(err)
	if !ok {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected retry after %s", rl.RetryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if d := ParseRetryAfter("", now); d != DefaultRetryAfter {
		t.Fatalf("empty header: %s", d)
	}
	if d := ParseRetryAfter("3", now); d != 3*time.Second {
		t.Fatalf("seconds: %s", d)
	}
	date := now.Add(10 * time.Second).Format(http.TimeFormat)
	if d := ParseRetryAfter(date, now); d != 10*time.Second {
		t.Fatalf("http date: %s", d)
	}
	if d := ParseRetryAfter("soon", now); d != DefaultRetryAfter {
		t.Fatalf("garbage: %s", d)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{
		"":         0,
		"abcd":     1,
		"abcde":    2,
		"日本":       2,
		"hi 日本語!": 4,
	}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestMockGeneratorEchoesUser(t *testing.T) {
	var out strings.Builder
	var final Chunk
	err := NewMockGenerator().Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "what time is it"}},
	}, func(c Chunk) error {
		out.WriteString(c.Content)
		final = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out.String(), "what time is it") {
		t.Fatalf("unexpected reply %q", out.String())
	}
	if final.Partial || final.CompletionTokens == 0 {
		t.Fatalf("expected usage on final chunk, got %+v", final)
	}
}
