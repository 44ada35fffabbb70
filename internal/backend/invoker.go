// Package backend invokes model-serving endpoints over their streamed
// chat-completion APIs with a uniform retry policy.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"synthd/pkg/types"
)

// Kind selects the wire format of a model endpoint.
type Kind string

const (
	// KindVLLM targets vLLM-style servers (do_sample, thinking disabled).
	KindVLLM Kind = "vllm"
	// KindOpenAI targets OpenAI-compatible servers (Bearer auth).
	KindOpenAI Kind = "openai"
)

// ParseKind maps a config string to a Kind, defaulting to vLLM.
func ParseKind(s string) Kind {
	if strings.EqualFold(s, string(KindOpenAI)) {
		return KindOpenAI
	}
	return KindVLLM
}

// Request describes one model invocation.
type Request struct {
	Endpoint    string
	APIKey      string
	Model       string
	Messages    []types.Message
	Temperature float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
	Kind        Kind
	RetryTimes  int
}

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "backend",
		Name: "calls_total", Help: "Model invocations by kind and outcome",
	}, []string{"kind", "outcome"})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "synthd", Subsystem: "backend",
		Name: "retries_total", Help: "Transient failures that triggered a retry",
	})
)

func init() {
	prometheus.MustRegister(callsTotal, retriesTotal)
}

// Invoker calls model endpoints and accumulates their streamed output.
type Invoker struct {
	client *http.Client
	log    zerolog.Logger

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Invoker. Request deadlines are applied per call via
// context, so the shared client carries no global timeout.
func New(log zerolog.Logger) *Invoker {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Invoker{
		client: &http.Client{Transport: tr, Timeout: 0},
		log:    log,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke runs the request with the uniform retry policy: transient
// failures back off linearly ((attempt+1)*2s) up to RetryTimes attempts;
// 4xx propagates immediately. A 200 response is never retried, whatever
// its content.
func (iv *Invoker) Invoke(ctx context.Context, req Request) (string, error) {
	attempts := req.RetryTimes
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		text, err := iv.call(ctx, req)
		if err == nil {
			callsTotal.WithLabelValues(string(req.Kind), "ok").Inc()
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			callsTotal.WithLabelValues(string(req.Kind), "client_error").Inc()
			iv.log.Error().Err(err).Str("model", req.Model).
				Msg("client error, not retrying")
			return "", err
		}
		if attempt == attempts-1 {
			break
		}
		retriesTotal.Inc()
		backoff := time.Duration(attempt+1) * 2 * time.Second
		ev := iv.log.Warn().Err(err).Str("model", req.Model).
			Int("attempt", attempt+1).Int("of", attempts).
			Dur("backoff", backoff)
		if isTimeout(err) {
			ev = ev.Bool("timeout", true)
		}
		ev.Msg("backend call failed, retrying")
		if serr := iv.sleep(ctx, backoff); serr != nil {
			callsTotal.WithLabelValues(string(req.Kind), "canceled").Inc()
			return "", serr
		}
	}
	callsTotal.WithLabelValues(string(req.Kind), "exhausted").Inc()
	return "", retriesExhaustedError{attempts: attempts, last: lastErr}
}

// chatPayload is the streamed chat-completion request body. The vLLM
// extras are omitted for OpenAI-style endpoints.
type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
	DoSample    *bool           `json:"do_sample,omitempty"`
	ChatTemplateKwargs map[string]any `json:"chat_template_kwargs,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// call performs a single attempt: POST the payload, then accumulate SSE
// "data:" chunks until the [DONE] sentinel or EOF.
func (iv *Invoker) call(ctx context.Context, req Request) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	if req.Kind == KindVLLM {
		doSample := req.Temperature > 0
		payload.DoSample = &doSample
		payload.ChatTemplateKwargs = map[string]any{"enable_thinking": false}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, completionsURL(req.Endpoint), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := iv.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusError{status: resp.StatusCode, body: string(b)}
	}
	return accumulateStream(ctx, resp.Body)
}

// completionsURL normalizes an endpoint base URL onto /chat/completions,
// appending /v1 when the base does not already carry it.
func completionsURL(endpoint string) string {
	base := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + "/chat/completions"
}

// accumulateStream concatenates incremental content deltas from an SSE
// body. Unparseable lines are skipped; the stream ends at [DONE] or EOF.
func accumulateStream(ctx context.Context, body io.Reader) (string, error) {
	r := bufio.NewReader(body)
	var full strings.Builder
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSpace(line)
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				data = strings.TrimSpace(data)
				if data == "[DONE]" {
					return strings.TrimSpace(full.String()), nil
				}
				var chunk streamChunk
				if jerr := json.Unmarshal([]byte(data), &chunk); jerr == nil && len(chunk.Choices) > 0 {
					full.WriteString(chunk.Choices[0].Delta.Content)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return strings.TrimSpace(full.String()), nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
	}
}
