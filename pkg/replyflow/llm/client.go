// Package llm talks to OpenAI-compatible chat completion endpoints.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultBaseURL          = "https://api.openai.com/v1"
	DefaultModel            = "gpt-4o-mini"
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1000
	DefaultSplitTemperature = 0.3
	DefaultSplitMaxTokens   = 2000
	DefaultSystemPrompt     = "You are a friendly assistant chatting over instant messaging. Keep answers natural, concise and conversational."
)

// Config configures a Client.
type Config struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	SplitTemperature float64 `yaml:"split_temperature"`
	SplitMaxTokens   int     `yaml:"split_max_tokens"`

	// Timeout bounds each generation call. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of extra attempts for retryable errors.
	MaxRetries int `yaml:"max_retries"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// FallbackModels are tried in order after Model exhausts its retries.
	FallbackModels []string `yaml:"fallback_models"`
}

// DefaultConfig returns the stock client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Model:            DefaultModel,
		SystemPrompt:     DefaultSystemPrompt,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		SplitTemperature: DefaultSplitTemperature,
		SplitMaxTokens:   DefaultSplitMaxTokens,
		MaxRetries:       2,
		InitialBackoff:   time.Second,
		MaxBackoff:       10 * time.Second,
	}
}

// Message is one chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a parsed completion.
type Response struct {
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is an OpenAI-compatible chat completion client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SplitMaxTokens == 0 {
		cfg.SplitMaxTokens = DefaultSplitMaxTokens
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			// Per-call deadlines come from the context.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
		sleep:  sleepCtx,
	}
}

// Model returns the primary model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// SystemPrompt returns the prompt prepended by Generate.
func (c *Client) SystemPrompt() string {
	return c.cfg.SystemPrompt
}

// Generate produces the assistant reply for a conversation. The configured
// system prompt is prepended to messages. When Timeout is set the call is
// bounded by it; otherwise it waits as long as ctx allows.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	full := make([]Message, 0, len(messages)+1)
	if c.cfg.SystemPrompt != "" {
		full = append(full, Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	full = append(full, messages...)

	resp, err := c.Chat(ctx, full, Options{
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Content, nil
}

// Complete sends prompt as a single user message with the splitting
// parameters. It satisfies the segmenter's Completer interface.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, Options{
		Temperature: c.cfg.SplitTemperature,
		MaxTokens:   c.cfg.SplitMaxTokens,
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Content, nil
}

// Chat sends messages with retry and model fallback.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	if c.resolveAPIKey() == "" && !isLocalEndpoint(c.baseURL) {
		return nil, ErrNoAPIKey
	}

	primary := c.cfg.Model
	if opts.Model != "" {
		primary = opts.Model
	}
	models := append([]string{primary}, c.cfg.FallbackModels...)

	var lastErr error
	for _, model := range models {
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			resp, err := c.completeOnce(ctx, model, messages, opts)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, err
			}

			kind := KindOf(err)
			if !kind.Retryable() {
				c.logger.Warn("non-retryable llm error",
					"model", model,
					"attempt", attempt+1,
					"kind", kind.String(),
					"error", err,
				)
				return nil, err
			}
			if kind == ErrorRateLimit || attempt >= c.cfg.MaxRetries {
				break
			}

			backoff := c.backoff(attempt, err)
			c.logger.Info("retrying llm call",
				"model", model,
				"attempt", attempt+1,
				"kind", kind.String(),
				"backoff_ms", backoff.Milliseconds(),
			)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// backoff returns min(initial*2^attempt, max), honoring Retry-After.
func (c *Client) backoff(attempt int, err error) time.Duration {
	var apierr *APIError
	if errors.As(err, &apierr) && apierr.RetryAfterSec > 0 {
		return time.Duration(apierr.RetryAfterSec) * time.Second
	}
	d := c.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

func (c *Client) completeOnce(ctx context.Context, model string, messages []Message, opts Options) (*Response, error) {
	reqBody := chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		reqBody.Temperature = &t
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.resolveAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	c.logger.Debug("sending chat completion",
		"model", model,
		"messages", len(messages),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		apierr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody), Model: model}
		if resp.StatusCode == http.StatusTooManyRequests {
			if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
				apierr.RetryAfterSec = sec
			}
		}
		c.logger.Error("API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return nil, apierr
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Body: parsed.Error.Message, Model: model}
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := parsed.Choices[0]
	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return &Response{
		Content:      strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Model:        model,
		Usage:        parsed.Usage,
	}, nil
}

// resolveAPIKey returns the configured key, then OPENAI_API_KEY, then API_KEY.
func (c *Client) resolveAPIKey() string {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// isLocalEndpoint reports whether baseURL points at a local server that
// does not need a key (ollama, LM Studio, vLLM).
func isLocalEndpoint(baseURL string) bool {
	return strings.Contains(baseURL, "localhost") ||
		strings.Contains(baseURL, "127.0.0.1") ||
		strings.Contains(baseURL, "ollama")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
