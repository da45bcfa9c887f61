// Package gateway exposes the HTTP API: health, inbound webhook events,
// paced sends, media sends, number lookup and history management.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
	"github.com/jholhewres/replyflow/pkg/replyflow/orchestrator"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/scheduler"
)

// Config configures the HTTP API.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (":3000").
	Address string `yaml:"address"`

	// AuthToken enables bearer authentication when set.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins. Empty disables CORS; "*" allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	// RateLimit is the sustained requests per second per client (0 = off).
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// DefaultChannel receives webhook events and sends without a channel.
	DefaultChannel string `yaml:"default_channel"`

	// WebhookURL receives inbound channel events when set.
	WebhookURL string `yaml:"webhook_url"`

	// WebhookTimeout bounds each forward call.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// DefaultConfig returns the stock gateway configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Address:        ":3000",
		RateLimit:      20,
		RateBurst:      40,
		DefaultChannel: "whatsapp",
		WebhookTimeout: 10 * time.Second,
	}
}

// Messenger is the channel side the gateway talks to.
type Messenger interface {
	SendMedia(ctx context.Context, channelName, to string, media *channels.MediaMessage) (string, error)
	CheckNumber(ctx context.Context, channelName, phone string) (*channels.NumberInfo, error)
	HealthAll() map[string]channels.HealthStatus
}

// Pipeline handles inbound events.
type Pipeline interface {
	Handle(ctx context.Context, msg *channels.IncomingMessage) error
	Stats() orchestrator.Stats
}

// Info describes the running pipeline for the health endpoint.
type Info struct {
	Name           string
	Version        string
	MergeWindow    time.Duration
	MaxTurns       int
	LongText       int
	SplitRetries   int
	HistoryBackend string
}

// Deps are the collaborators of the gateway. Jobs, RunJob and LoginCode
// are optional.
type Deps struct {
	Messenger Messenger
	Pipeline  Pipeline
	Sequencer *pacing.Sequencer
	History   *history.Store
	Media     *media.Store
	Jobs      func() []scheduler.Status
	RunJob    func(name string) error
	LoginCode func() (string, bool)
	Info      Info
}

// Gateway is the HTTP API server.
type Gateway struct {
	cfg    Config
	deps   Deps
	server *http.Server
	logger *slog.Logger

	startedAt time.Time
	limiter   *clientLimiter

	// ctx outlives requests; webhook events are handled on it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mediaDelay is the pause before a media send.
	mediaDelay func() time.Duration
}

// New creates a Gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "whatsapp"
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		mediaDelay: func() time.Duration {
			return time.Duration(500+rand.IntN(1001)) * time.Millisecond
		},
	}
	if cfg.RateLimit > 0 {
		g.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return g
}

// Handler returns the routed handler wrapped in middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleHealth)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /webhook", g.handleWebhook)
	mux.HandleFunc("POST /send", g.handleSend)
	mux.HandleFunc("POST /send-image", g.handleSendImage)
	mux.HandleFunc("POST /send-video", g.handleSendVideo)
	mux.HandleFunc("POST /send-file", g.handleSendFile)
	mux.HandleFunc("GET /check/{phone}", g.handleCheck)
	mux.HandleFunc("GET /api/history/{key}", g.handleGetHistory)
	mux.HandleFunc("DELETE /api/history/{key}", g.handleDeleteHistory)
	mux.HandleFunc("GET /api/jobs", g.handleJobs)
	mux.HandleFunc("POST /api/jobs/{name}", g.handleRunJob)
	mux.HandleFunc("GET /api/qr", g.handleLoginCode)

	var h http.Handler = mux
	h = g.authMiddleware(h)
	h = g.rateLimitMiddleware(h)
	h = g.corsMiddleware(h)
	h = g.securityHeadersMiddleware(h)
	h = g.recoverMiddleware(h)
	h = g.requestIDMiddleware(h)
	return h
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", g.cfg.Address, err)
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("gateway has no auth token and listens on a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the server down and waits for webhook handlers.
func (g *Gateway) Stop(ctx context.Context) error {
	g.cancel()
	var err error
	if g.server != nil {
		g.logger.Info("gateway stopping...")
		err = g.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}
