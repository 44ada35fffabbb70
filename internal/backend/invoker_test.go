package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synthd/pkg/types"
)

// sseWriter helps write SSE-style lines.
type sseWriter struct{ w http.ResponseWriter }

func (sw sseWriter) writeLine(line string) {
	sw.w.Write([]byte(line))
	sw.w.Write([]byte("\n"))
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func chunkLine(content string) string {
	var msg streamChunk
	msg.Choices = make([]struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	}, 1)
	msg.Choices[0].Delta.Content = content
	b, _ := json.Marshal(msg)
	return "data: " + string(b)
}

// newTestInvoker records backoff sleeps instead of waiting them out.
func newTestInvoker() (*Invoker, *[]time.Duration) {
	iv := New(zerolog.Nop())
	slept := &[]time.Duration{}
	iv.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return iv, slept
}

func baseRequest(endpoint string) Request {
	return Request{
		Endpoint:    endpoint,
		Model:       "test-model",
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.3,
		TopP:        1.0,
		MaxTokens:   256,
		Kind:        KindVLLM,
		RetryTimes:  3,
	}
}

func TestInvokeStreamAccumulates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["stream"] != true {
			t.Errorf("stream not requested: %v", payload)
		}
		if _, ok := payload["do_sample"]; !ok {
			t.Errorf("vllm payload missing do_sample")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		sw := sseWriter{w: w}
		sw.writeLine(chunkLine("Hello"))
		sw.writeLine("")
		sw.writeLine(chunkLine(" World "))
		sw.writeLine("data: [DONE]")
	}))
	defer srv.Close()

	iv, slept := newTestInvoker()
	got, err := iv.Invoke(context.Background(), baseRequest(srv.URL))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "Hello World" {
		t.Fatalf("accumulated %q", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected backoff sleeps: %v", *slept)
	}
}

func TestInvokeRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		sw := sseWriter{w: w}
		sw.writeLine(chunkLine("ok"))
		sw.writeLine("data: [DONE]")
	}))
	defer srv.Close()

	iv, slept := newTestInvoker()
	got, err := iv.Invoke(context.Background(), baseRequest(srv.URL))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("backoff schedule %v, want %v", *slept, want)
	}
}

func TestInvoke4xxFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such model", http.StatusNotFound)
	}))
	defer srv.Close()

	iv, slept := newTestInvoker()
	_, err := iv.Invoke(context.Background(), baseRequest(srv.URL))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsClientError(err) {
		t.Fatalf("expected client error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
	if len(*slept) != 0 {
		t.Fatalf("4xx must not sleep: %v", *slept)
	}
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	iv, _ := newTestInvoker()
	_, err := iv.Invoke(context.Background(), baseRequest(srv.URL))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetriesExhausted(err) {
		t.Fatalf("expected retries-exhausted, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected exactly retryTimes attempts, got %d", calls.Load())
	}
}

func TestInvokeOpenAIAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header %q", got)
		}
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["do_sample"]; ok {
			t.Errorf("openai payload must not carry do_sample")
		}
		sw := sseWriter{w: w}
		sw.writeLine(chunkLine("hi"))
		sw.writeLine("data: [DONE]")
	}))
	defer srv.Close()

	iv, _ := newTestInvoker()
	req := baseRequest(srv.URL)
	req.Kind = KindOpenAI
	req.APIKey = "sk-test"
	if _, err := iv.Invoke(context.Background(), req); err != nil {
		t.Fatalf("invoke: %v", err)
	}
}

func TestCompletionsURL(t *testing.T) {
	cases := map[string]string{
		"http://h:6466/v1":  "http://h:6466/v1/chat/completions",
		"http://h:6466/v1/": "http://h:6466/v1/chat/completions",
		"http://h:6466":     "http://h:6466/v1/chat/completions",
	}
	for in, want := range cases {
		if got := completionsURL(in); got != want {
			t.Errorf("completionsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKind(t *testing.T) {
	if ParseKind("openai") != KindOpenAI || ParseKind("OpenAI") != KindOpenAI {
		t.Fatalf("openai kind")
	}
	if ParseKind("") != KindVLLM || ParseKind("vllm") != KindVLLM {
		t.Fatalf("default kind must be vllm")
	}
}
