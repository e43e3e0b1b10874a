package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(slog.New(slog.DiscardHandler), nil)
}

func testTarget(srv *httptest.Server) Target {
	return Target{
		ProviderKey: "vllm",
		APIBase:     srv.URL + "/v1",
		APIKey:      "sk-test-key-123456",
		ModelID:     "local-model",
	}
}

func writeCompletionJSON(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`, content)
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"invalid_request_error"}}`, msg)
}

func TestCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletionJSON(w, "ok")
	}))
	defer srv.Close()

	out, err := newTestClient(t).Complete(context.Background(), Request{Target: testTarget(srv)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "ok" {
		t.Fatalf("content = %q, want ok", out.Content)
	}
	if out.PromptTokens != 3 || out.CompletionTokens != 1 {
		t.Fatalf("usage = %d/%d, want 3/1", out.PromptTokens, out.CompletionTokens)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps")
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeErrorJSON(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		writeCompletionJSON(w, "recovered")
	}))
	defer srv.Close()

	start := time.Now()
	out, err := newTestClient(t).Complete(context.Background(), Request{Target: testTarget(srv)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "recovered" {
		t.Fatalf("content = %q, want recovered", out.Content)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
	// First retry waits the 2s rung.
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Fatalf("elapsed = %s, want >= 2s backoff", elapsed)
	}
}

func TestCompleteAuthFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeErrorJSON(w, http.StatusUnauthorized, "invalid api key")
	}))
	defer srv.Close()

	_, err := newTestClient(t).Complete(context.Background(), Request{Target: testTarget(srv)})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (no retry on auth)", got)
	}
	if Classify(err) != FailAuth {
		t.Fatalf("classified as %s, want %s", Classify(err), FailAuth)
	}
}

func TestCompleteToolChoiceRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeErrorJSON(w, http.StatusBadRequest, "tool_choice value not supported")
	}))
	defer srv.Close()

	_, err := newTestClient(t).Complete(context.Background(), Request{
		Target:     testTarget(srv),
		Tools:      []Tool{{Name: "search", Parameters: map[string]any{"type": "object"}}},
		ToolChoice: "required",
	})
	if !errors.Is(err, ErrUnsupportedToolChoice) {
		t.Fatalf("error = %v, want ErrUnsupportedToolChoice", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}

func TestCompleteJSONModeFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "response_format") {
			writeErrorJSON(w, http.StatusBadRequest, "response_format is not supported by this model")
			return
		}
		writeCompletionJSON(w, `{"verdict":"pass"}`)
	}))
	defer srv.Close()

	start := time.Now()
	out, err := newTestClient(t).Complete(context.Background(), Request{Target: testTarget(srv), JSONMode: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content == "" {
		t.Fatal("empty content after fallback")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
	// The fallback happens inside the attempt, so no backoff sleep applies.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("elapsed = %s, fallback should not back off", elapsed)
	}
}

func TestStreamCompletionMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	res, err := newTestClient(t).StreamCompletion(context.Background(), Request{Target: testTarget(srv)})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Content != "Hello world" {
		t.Fatalf("content = %q, want Hello world", res.Content)
	}
	// Provider-reported usage beats the chunk-count proxy.
	if res.Metrics.OutputTokens != 7 || res.Metrics.InputTokens != 12 {
		t.Fatalf("tokens = %d/%d, want 7/12", res.Metrics.OutputTokens, res.Metrics.InputTokens)
	}
	if res.Metrics.TTFTMs <= 0 {
		t.Fatalf("ttft = %g, want > 0", res.Metrics.TTFTMs)
	}
	if res.Metrics.TokensPerSecond <= 0 {
		t.Fatalf("tokens/s = %g, want > 0", res.Metrics.TokensPerSecond)
	}
	if res.Metrics.InputTokensPerSecond <= 0 {
		t.Fatalf("input tokens/s = %g, want > 0", res.Metrics.InputTokensPerSecond)
	}
}

func TestStreamChunkCountFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	res, err := newTestClient(t).StreamCompletion(context.Background(), Request{Target: testTarget(srv)})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Metrics.OutputTokens != 3 {
		t.Fatalf("output tokens = %d, want chunk count 3", res.Metrics.OutputTokens)
	}
}

func TestStreamErrorSanitized(t *testing.T) {
	key := "sk-test-key-123456"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusInternalServerError, "upstream rejected key "+key)
	}))
	defer srv.Close()

	_, err := newTestClient(t).StreamCompletion(context.Background(), Request{Target: testTarget(srv)})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), key) {
		t.Fatalf("api key leaked in error: %v", err)
	}
}
