// Package config loads and validates the ReplyFlow configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/aggregator"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels/discord"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels/whatsapp"
	"github.com/jholhewres/replyflow/pkg/replyflow/gateway"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/llm"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
	"github.com/jholhewres/replyflow/pkg/replyflow/orchestrator"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/segmenter"
)

// Config is the root configuration.
type Config struct {
	// Name is the assistant name shown in logs and the health endpoint.
	Name string `yaml:"name"`

	Gateway      gateway.Config      `yaml:"gateway"`
	Channels     ChannelsConfig      `yaml:"channels"`
	Queue        QueueConfig         `yaml:"queue"`
	History      history.Config      `yaml:"history"`
	Splitter     segmenter.Config    `yaml:"splitter"`
	Pacing       pacing.Config       `yaml:"pacing"`
	LLM          llm.Config          `yaml:"llm"`
	Media        media.Config        `yaml:"media"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Maintenance  MaintenanceConfig   `yaml:"maintenance"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// ChannelsConfig holds per-transport settings. A transport is started only
// when enabled.
type ChannelsConfig struct {
	WhatsApp WhatsAppChannel `yaml:"whatsapp"`
	Discord  DiscordChannel  `yaml:"discord"`
}

// WhatsAppChannel wraps whatsapp.Config with an enable switch.
type WhatsAppChannel struct {
	Enabled         bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// DiscordChannel wraps discord.Config with an enable switch.
type DiscordChannel struct {
	Enabled        bool `yaml:"enabled"`
	discord.Config `yaml:",inline"`
}

// QueueConfig configures the turn aggregator.
type QueueConfig struct {
	// MergeWindow is the debounce window between fragments.
	MergeWindow time.Duration `yaml:"merge_window"`
}

// MaintenanceConfig schedules background jobs.
type MaintenanceConfig struct {
	// EvictSchedule drives idle queue and lock eviction.
	EvictSchedule string `yaml:"evict_schedule"`

	// IdleAfter is how long a key must be idle before eviction.
	IdleAfter time.Duration `yaml:"idle_after"`

	// MediaSchedule drives media retention.
	MediaSchedule string `yaml:"media_schedule"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	wa := whatsapp.DefaultConfig()
	return &Config{
		Name: "ReplyFlow",
		Gateway: gateway.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppChannel{Enabled: true, Config: wa},
		},
		Queue: QueueConfig{MergeWindow: aggregator.DefaultWindow},
		History: history.Config{
			Backend:  history.BackendFile,
			MaxTurns: history.DefaultMaxTurns,
			Dir:      "./chat_history",
		},
		Splitter: segmenter.Config{
			Threshold:  segmenter.DefaultThreshold,
			RetryCount: segmenter.DefaultRetryCount,
		},
		Pacing:       pacing.DefaultConfig(),
		LLM:          llm.DefaultConfig(),
		Media:        media.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			EvictSchedule: "@every 1m",
			IdleAfter:     10 * time.Minute,
			MediaSchedule: "@every 1h",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Validate checks value ranges. It returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Queue.MergeWindow < 0 {
		errs = append(errs, fmt.Errorf("queue.merge_window must be >= 0"))
	}
	if c.History.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("history.max_turns must be >= 1"))
	}
	switch c.History.Backend {
	case "", history.BackendFile, history.BackendMemory, history.BackendSQLite, history.BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not supported", c.History.Backend))
	}
	if c.Splitter.Threshold < 1 {
		errs = append(errs, fmt.Errorf("splitter.threshold must be >= 1"))
	}
	if c.Splitter.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("splitter.retry_count must be >= 0"))
	}
	if err := c.Pacing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.LLM.BaseURL == "" {
		errs = append(errs, fmt.Errorf("llm.base_url is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required"))
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout must be >= 0"))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("channels.discord.token is required when discord is enabled"))
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		errs = append(errs, fmt.Errorf("gateway.address is required when the gateway is enabled"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
