package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
)

// Forwarder posts every inbound channel event to an external webhook.
// Calls run in the background and never block the pipeline.
type Forwarder struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewForwarder creates a Forwarder for rawURL.
func NewForwarder(rawURL string, timeout time.Duration, logger *slog.Logger) (*Forwarder, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultConfig().WebhookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		url:     rawURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "webhook"),
		timeout: timeout,
	}, nil
}

// validateWebhookURL requires an absolute http(s) URL.
func validateWebhookURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	return nil
}

// Observe forwards msg asynchronously.
func (f *Forwarder) Observe(ctx context.Context, msg *channels.IncomingMessage) {
	ev := EventFromMessage(msg)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		// Forwarding outlives the triggering handler but keeps its values.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		if err := f.post(fctx, ev); err != nil {
			f.logger.Warn("webhook forward failed", "key", msg.Key(), "error", err)
			return
		}
		f.logger.Debug("webhook forwarded", "key", msg.Key(), "type", ev.Type)
	}()
}

func (f *Forwarder) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until in-flight forwards finish or ctx ends.
func (f *Forwarder) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
