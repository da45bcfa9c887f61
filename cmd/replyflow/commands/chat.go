package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels/console"
	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `replyflow chat` command for a local conversation.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: `Runs the full pipeline against a terminal prompt: fragments are merged,
replies are split and paced exactly as on a messaging channel.
Type /reset to forget the conversation and /quit to leave.

Examples:
  replyflow chat
  replyflow chat --fast
  replyflow chat --keep-history`,
		RunE: runChat,
	}
	cmd.Flags().Bool("fast", false, "disable pacing delays")
	cmd.Flags().Bool("keep-history", false, "use the configured history backend instead of memory")
	cmd.Flags().Bool("presence", true, "show typing and read indicators")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr so they do not interleave with the prompt.
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !verbose {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)
	config.ResolveAPIKey(cfg, logger)

	if fast, _ := cmd.Flags().GetBool("fast"); fast {
		cfg.Pacing = pacing.Config{}
	}
	if keep, _ := cmd.Flags().GetBool("keep-history"); !keep {
		cfg.History.Backend = history.BackendMemory
	}
	showPresence, _ := cmd.Flags().GetBool("presence")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var histFile string
	if home, err := os.UserHomeDir(); err == nil {
		histFile = filepath.Join(home, ".replyflow", "chat_history.txt")
		_ = os.MkdirAll(filepath.Dir(histFile), 0o700)
	}
	term := console.New(console.Config{
		User:         "local",
		HistoryFile:  histFile,
		ShowPresence: showPresence,
	}, logger)

	manager := channels.NewManager(logger)
	if err := manager.Register(term); err != nil {
		return err
	}

	p, err := buildPipeline(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s ready (model %s). /reset clears the conversation, /quit exits.\n",
		cfg.Name, p.client.Model())

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.orch.Run(ctx, manager.Messages())
	}()

	select {
	case <-term.Done():
	case <-ctx.Done():
	}
	stop()
	manager.Stop()
	<-done
	return nil
}
