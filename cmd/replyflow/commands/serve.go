package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels/discord"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels/whatsapp"
	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/jholhewres/replyflow/pkg/replyflow/gateway"
	"github.com/jholhewres/replyflow/pkg/replyflow/scheduler"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful stop.
const shutdownTimeout = 15 * time.Second

// newServeCmd creates the `replyflow serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels and the HTTP API",
		Long: `Start ReplyFlow as a daemon service, connecting to enabled
channels (WhatsApp, Discord) and answering their messages.

Examples:
  replyflow serve
  replyflow serve --channel whatsapp
  replyflow serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, discord)")
	return cmd
}

// shouldEnable applies the --channel filter over the configured switch.
func shouldEnable(name string, filter []string, enabled bool) bool {
	if len(filter) > 0 {
		return slices.Contains(filter, name)
	}
	return enabled
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	if configPath == "" {
		logger.Info("no config file found, using defaults and environment")
	}

	// ── Resolve secrets ──
	if src := config.ResolveAPIKey(cfg, logger); src != "" {
		logger.Info("API key resolved", "source", src)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Register channels ──
	manager := channels.NewManager(logger)
	filter, _ := cmd.Flags().GetStringSlice("channel")

	var login pairing
	if shouldEnable(whatsapp.Name, filter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(cfg.Channels.WhatsApp.Config, logger)
		if err := manager.Register(wa); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		} else {
			wa.AddConnectionObserver(connectionLog{logger: logger})
			qr, unsubscribe := wa.SubscribeQR()
			defer unsubscribe()
			go login.track(ctx, qr)
		}
	}
	if shouldEnable(discord.Name, filter, cfg.Channels.Discord.Enabled) {
		if cfg.Channels.Discord.Token == "" {
			logger.Warn("discord requested without a token, skipping")
		} else if err := manager.Register(discord.New(cfg.Channels.Discord.Config, logger)); err != nil {
			logger.Error("failed to register Discord", "error", err)
		}
	}

	// ── Build pipeline ──
	p, err := buildPipeline(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	var fwd *gateway.Forwarder
	if cfg.Gateway.WebhookURL != "" {
		fwd, err = gateway.NewForwarder(cfg.Gateway.WebhookURL, cfg.Gateway.WebhookTimeout, logger)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		p.orch.AddObserver(fwd)
		logger.Info("forwarding inbound events", "url", cfg.Gateway.WebhookURL)
	}

	// ── Start channels ──
	if err := manager.Start(ctx); err != nil {
		logger.Warn("channels not connected; the HTTP API stays up", "error", err)
	}

	// ── Maintenance ──
	sched := scheduler.New(logger)
	for _, job := range p.jobs(cfg.Maintenance) {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
	}
	sched.Start()

	// ── Start gateway if enabled ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, gateway.Deps{
			Messenger: manager,
			Pipeline:  p.orch,
			Sequencer: p.sequencer,
			History:   p.history,
			Media:     p.media,
			Jobs:      sched.Statuses,
			RunJob:    sched.RunNow,
			LoginCode: login.LoginCode,
			Info: gateway.Info{
				Name:           cfg.Name,
				Version:        version,
				MergeWindow:    p.aggregator.Window(),
				MaxTurns:       p.history.MaxTurns(),
				LongText:       cfg.Splitter.Threshold,
				SplitRetries:   cfg.Splitter.RetryCount,
				HistoryBackend: cfg.History.Backend,
			},
		}, logger)
		if err := gw.Start(ctx); err != nil {
			sched.Stop()
			manager.Stop()
			return err
		}
	}

	logger.Info("ReplyFlow running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"channels", manager.Names(),
		"model", p.client.Model(),
		"history", cfg.History.Backend,
	)

	// ── Run until shutdown ──
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.orch.Run(gctx, manager.Messages())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if gw != nil {
			if err := gw.Stop(shutdownCtx); err != nil {
				logger.Warn("gateway stop", "error", err)
			}
		}
		sched.Stop()
		manager.Stop()
		if fwd != nil {
			fwd.Wait(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("ReplyFlow stopped")
	return err
}
