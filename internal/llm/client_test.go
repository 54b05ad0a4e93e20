package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"planverd/internal/config"
)

func localConfig(url string) config.LLMConfig {
	return config.LLMConfig{
		Provider: "local",
		Model:    "test-model",
		BaseURL:  url,
		Timeout:  "5s",
	}
}

func chatJSON(content string) string {
	resp := map[string]interface{}{
		"id":    "cmpl-1",
		"model": "test-model",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestNewClient_ProviderSelection(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "local", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*LocalClient); !ok {
		t.Errorf("expected LocalClient, got %T", c)
	}

	if _, err := NewClient(config.LLMConfig{Provider: "gemini"}); err == nil {
		t.Error("gemini without API key must fail")
	}

	if _, err := NewClient(config.LLMConfig{Provider: "bogus"}); err == nil {
		t.Error("unknown provider must fail")
	}
}

func TestLocalClient_Complete(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Write([]byte(chatJSON("  (define (problem p1))  ")))
	}))
	defer server.Close()

	client := NewLocalClient(localConfig(server.URL))
	completion, err := client.Complete(context.Background(), Request{
		System:      "you write pddl",
		Prompt:      "generate a problem",
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		t.Fatal(err)
	}

	if completion.Text != "(define (problem p1))" {
		t.Errorf("text not trimmed: %q", completion.Text)
	}
	if completion.PromptTokens != 12 || completion.CompletionTokens != 7 {
		t.Errorf("usage not captured: %+v", completion)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("system message not forwarded: %+v", gotReq.Messages)
	}
	if gotReq.Temperature != 0.2 || gotReq.MaxTokens != 1024 {
		t.Errorf("sampling parameters not forwarded: %+v", gotReq)
	}
}

func TestLocalClient_RetriesTransientErrors(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(chatJSON("ok")))
	}))
	defer server.Close()

	client := NewLocalClient(localConfig(server.URL))
	client.retryBase = time.Millisecond

	completion, err := client.Complete(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if completion.Text != "ok" {
		t.Errorf("unexpected completion: %q", completion.Text)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestLocalClient_ClientErrorIsFatal(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad prompt"}}`))
	}))
	defer server.Close()

	client := NewLocalClient(localConfig(server.URL))
	client.retryBase = time.Millisecond

	if _, err := client.Complete(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", attempts)
	}
}

func TestLocalClient_ContextCancelStopsRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewLocalClient(localConfig(server.URL))
	client.retryBase = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Complete(ctx, Request{Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not interrupt the backoff wait")
	}
}

func TestRetryDelay(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay(attempt, 2*time.Second)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %s", attempt, d)
		}
		jitteredCap := float64(maxDelay) * 1.1
		if d > time.Duration(jitteredCap) {
			t.Errorf("attempt %d: delay %s exceeds jittered cap", attempt, d)
		}
	}

	// Second retry waits roughly twice the first.
	d1 := retryDelay(1, 2*time.Second)
	d2 := retryDelay(2, 2*time.Second)
	if d2 < d1 {
		t.Errorf("backoff must grow: %s then %s", d1, d2)
	}
}

func TestScriptedClient(t *testing.T) {
	client := NewScriptedClient("first", "second")

	c1, err := client.Complete(context.Background(), Request{Prompt: "a", Temperature: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := client.Complete(context.Background(), Request{Prompt: "b", Temperature: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	if c1.Text != "first" || c2.Text != "second" {
		t.Errorf("responses out of order: %q, %q", c1.Text, c2.Text)
	}

	if _, err := client.Complete(context.Background(), Request{Prompt: "c"}); err == nil {
		t.Error("exhausted client must error")
	}

	calls := client.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(calls))
	}
	if calls[1].Temperature != 0.05 {
		t.Errorf("request not recorded faithfully: %+v", calls[1])
	}

	if !strings.Contains(client.Model(), "scripted") {
		t.Errorf("unexpected model name: %s", client.Model())
	}
}
