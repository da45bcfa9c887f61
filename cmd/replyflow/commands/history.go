package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/spf13/cobra"
)

// newHistoryCmd creates the `replyflow history` command group.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear stored conversations",
		Long: `Reads the configured history backend directly.
Keys have the form <channel>:<chat>, for example
whatsapp:5511999998888@s.whatsapp.net.`,
	}

	show := &cobra.Command{
		Use:   "show <key>",
		Short: "Print the stored messages of a conversation",
		Args:  keyArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, func(ctx context.Context, store *history.Store, _ history.Backend) error {
				msgs := store.Load(ctx, args[0])
				if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(msgs)
				}
				if len(msgs) == 0 {
					fmt.Println("(empty)")
					return nil
				}
				for _, m := range msgs {
					fmt.Printf("[%s] %s\n", m.Role, m.Content)
				}
				return nil
			})
		},
	}
	show.Flags().Bool("json", false, "print as JSON")

	clearCmd := &cobra.Command{
		Use:   "clear <key>",
		Short: "Delete the stored messages of a conversation",
		Args:  keyArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, func(ctx context.Context, store *history.Store, _ history.Backend) error {
				if err := store.Clear(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Cleared", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored conversation keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd, func(ctx context.Context, _ *history.Store, backend history.Backend) error {
				lister, ok := backend.(history.Lister)
				if !ok {
					return fmt.Errorf("this history backend cannot list keys")
				}
				keys, err := lister.Keys(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(show, clearCmd, list)
	return cmd
}

// withHistory opens the configured backend for the duration of fn.
func withHistory(cmd *cobra.Command, fn func(context.Context, *history.Store, history.Backend) error) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	store := history.NewStore(backend, cfg.History.MaxTurns, logger)
	defer store.Close()

	return fn(ctx, store, backend)
}

// keyArg requires exactly one channel:chat argument.
func keyArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}
	if _, _, err := channels.SplitKey(strings.TrimSpace(args[0])); err != nil {
		return fmt.Errorf("%q: %w", args[0], err)
	}
	return nil
}
