package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

type capturedRequest struct {
	auth string
	body chatRequest
}

// fakeProvider serves scripted responses and records requests.
type fakeProvider struct {
	mu        sync.Mutex
	requests  []capturedRequest
	responses []func(w http.ResponseWriter)
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var body chatRequest
	_ = json.Unmarshal(raw, &body)

	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, capturedRequest{auth: r.Header.Get("Authorization"), body: body})
	var respond func(w http.ResponseWriter)
	if i < len(p.responses) {
		respond = p.responses[i]
	} else {
		respond = p.responses[len(p.responses)-1]
	}
	p.mu.Unlock()

	respond(w)
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func reply(content string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}
}

func status(code int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, p *fakeProvider, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1/"
	cfg.APIKey = "sk-test"
	cfg.SystemPrompt = "be nice"
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestGenerate_PrependsSystemPrompt(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){reply("  hello!  ")}}
	c := newTestClient(t, p, nil)

	got, err := c.Generate(context.Background(), []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hey"},
		{Role: "user", Content: "how are you"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "hello!" {
		t.Errorf("expected trimmed reply, got %q", got)
	}

	req := p.requests[0]
	if req.auth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", req.auth)
	}
	if len(req.body.Messages) != 4 || req.body.Messages[0].Role != "system" || req.body.Messages[0].Content != "be nice" {
		t.Errorf("system prompt not prepended: %+v", req.body.Messages)
	}
	if req.body.Model != DefaultModel {
		t.Errorf("expected model %q, got %q", DefaultModel, req.body.Model)
	}
	if req.body.Temperature == nil || *req.body.Temperature != DefaultTemperature {
		t.Errorf("expected temperature %v", DefaultTemperature)
	}
	if req.body.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected max_tokens %d, got %d", DefaultMaxTokens, req.body.MaxTokens)
	}
}

func TestComplete_UsesSplitParameters(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){reply(`["a","b"]`)}}
	c := newTestClient(t, p, nil)

	got, err := c.Complete(context.Background(), "split this")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != `["a","b"]` {
		t.Errorf("unexpected content %q", got)
	}

	body := p.requests[0].body
	if len(body.Messages) != 1 || body.Messages[0].Role != "user" || body.Messages[0].Content != "split this" {
		t.Errorf("expected a single user message, got %+v", body.Messages)
	}
	if body.Temperature == nil || *body.Temperature != DefaultSplitTemperature {
		t.Errorf("expected split temperature")
	}
	if body.MaxTokens != DefaultSplitMaxTokens {
		t.Errorf("expected split max_tokens, got %d", body.MaxTokens)
	}
}

func TestChat_RetriesTransientErrors(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){
		status(http.StatusBadGateway, "upstream"),
		status(http.StatusServiceUnavailable, "busy"),
		reply("finally"),
	}}
	c := newTestClient(t, p, nil)

	got, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if got != "finally" || p.count() != 3 {
		t.Errorf("expected 3 calls ending in success, got %d calls and %q", p.count(), got)
	}
}

func TestChat_DoesNotRetryAuthErrors(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){status(http.StatusUnauthorized, "bad key")}}
	c := newTestClient(t, p, nil)

	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
	var apierr *APIError
	if !errors.As(err, &apierr) || apierr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if KindOf(err) != ErrorAuth {
		t.Errorf("expected auth kind, got %v", KindOf(err))
	}
	if p.count() != 1 {
		t.Errorf("expected a single attempt, got %d", p.count())
	}
}

func TestChat_FallsBackToNextModel(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){
		status(http.StatusTooManyRequests, "rate limit"),
		reply("from fallback"),
	}}
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.FallbackModels = []string{"backup-model"}
	})

	got, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "from fallback" {
		t.Errorf("unexpected reply %q", got)
	}
	if p.requests[1].body.Model != "backup-model" {
		t.Errorf("expected fallback model, got %q", p.requests[1].body.Model)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &fakeProvider{responses: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { <-block },
	}}
	c := newTestClient(t, p, func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
	})

	start := time.Now()
	_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not applied")
	}
}

func TestGenerate_EmptyChoices(t *testing.T) {
	p := &fakeProvider{responses: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { io.WriteString(w, `{"choices": []}`) },
	}}
	c := newTestClient(t, p, func(cfg *Config) { cfg.MaxRetries = 0 })

	if _, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}}); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestChat_NoAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("API_KEY", "")

	c := New(Config{BaseURL: "https://api.example.com/v1"}, nil)
	if _, err := c.Generate(context.Background(), nil); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{400, "This model's maximum context length is 8192 tokens", ErrorContext},
		{402, "", ErrorBilling},
		{429, "", ErrorRateLimit},
		{200, `{"error": "rate limit reached"}`, ErrorRateLimit},
		{529, "", ErrorOverloaded},
		{504, "gateway timeout", ErrorTimeout},
		{400, "bad field", ErrorBadRequest},
		{401, "", ErrorAuth},
		{403, "", ErrorAuth},
		{502, "", ErrorRetryable},
		{404, "", ErrorFatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.body); got != tt.want {
			t.Errorf("Classify(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	c := New(Config{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil)

	plain := errors.New("network")
	if d := c.backoff(0, plain); d != time.Second {
		t.Errorf("attempt 0: expected 1s, got %v", d)
	}
	if d := c.backoff(2, plain); d != 4*time.Second {
		t.Errorf("attempt 2: expected 4s, got %v", d)
	}
	if d := c.backoff(5, plain); d != 5*time.Second {
		t.Errorf("attempt 5: expected cap 5s, got %v", d)
	}
	if d := c.backoff(0, &APIError{StatusCode: 429, RetryAfterSec: 7}); d != 7*time.Second {
		t.Errorf("expected Retry-After to win, got %v", d)
	}
}
