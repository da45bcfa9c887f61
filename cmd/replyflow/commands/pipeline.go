package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jholhewres/replyflow/pkg/replyflow/aggregator"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/llm"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
	"github.com/jholhewres/replyflow/pkg/replyflow/orchestrator"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/scheduler"
	"github.com/jholhewres/replyflow/pkg/replyflow/segmenter"
	"github.com/spf13/cobra"
)

// resolveConfig carrega e valida a configuração indicada por --config.
func resolveConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.Load(path)
	if err != nil {
		return nil, found, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, found, fmt.Errorf("invalid config %s: %w", found, err)
	}
	return cfg, found, nil
}

// newLogger builds the slog handler selected by the logging section.
// --verbose forces debug.
func newLogger(cmd *cobra.Command, lc config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// pipeline holds the components shared by serve and chat.
type pipeline struct {
	history    *history.Store
	client     *llm.Client
	aggregator *aggregator.Aggregator
	segmenter  *segmenter.Segmenter
	sequencer  *pacing.Sequencer
	media      *media.Store
	orch       *orchestrator.Orchestrator
	logger     *slog.Logger
}

// buildPipeline wires history, generation, segmentation and pacing over
// the channel manager.
func buildPipeline(ctx context.Context, cfg *config.Config, manager *channels.Manager, logger *slog.Logger) (*pipeline, error) {
	backend, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return nil, fmt.Errorf("opening history backend %q: %w", cfg.History.Backend, err)
	}
	store := history.NewStore(backend, cfg.History.MaxTurns, logger)

	client := llm.New(cfg.LLM, logger)
	seg := segmenter.New(cfg.Splitter, client, logger)
	agg := aggregator.New(aggregator.Config{Window: cfg.Queue.MergeWindow}, logger)

	seq, err := pacing.New(cfg.Pacing, orchestrator.NewTransport(manager), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("pacing: %w", err)
	}

	mediaStore := media.New(cfg.Media, logger)

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Aggregator: agg,
		History:    store,
		Generator:  client,
		Segmenter:  seg,
		Sequencer:  seq,
		Media:      mediaStore,
		Downloader: manager,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &pipeline{
		history:    store,
		client:     client,
		aggregator: agg,
		segmenter:  seg,
		sequencer:  seq,
		media:      mediaStore,
		orch:       orch,
		logger:     logger,
	}, nil
}

// jobs returns the maintenance jobs. Jobs without a schedule are skipped.
func (p *pipeline) jobs(mc config.MaintenanceConfig) []scheduler.Job {
	var jobs []scheduler.Job
	if mc.EvictSchedule != "" {
		jobs = append(jobs,
			scheduler.Job{
				Name:     "aggregator-evict",
				Schedule: mc.EvictSchedule,
				Run: func(context.Context) error {
					if n := p.aggregator.EvictIdle(mc.IdleAfter); n > 0 {
						p.logger.Debug("idle queues evicted", "count", n)
					}
					return nil
				},
			},
			scheduler.Job{
				Name:     "delivery-locks-evict",
				Schedule: mc.EvictSchedule,
				Run: func(context.Context) error {
					if n := p.orch.EvictIdle(mc.IdleAfter); n > 0 {
						p.logger.Debug("idle delivery locks evicted", "count", n)
					}
					return nil
				},
			},
		)
	}
	if mc.MediaSchedule != "" {
		jobs = append(jobs, scheduler.Job{
			Name:     "media-retention",
			Schedule: mc.MediaSchedule,
			Run: func(ctx context.Context) error {
				n, err := p.media.Purge(ctx)
				if n > 0 {
					p.logger.Info("expired media removed", "count", n)
				}
				return err
			},
		})
	}
	return jobs
}

// Close releases the history backend.
func (p *pipeline) Close() {
	if err := p.history.Close(); err != nil {
		p.logger.Warn("closing history", "error", err)
	}
}
