package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
)

// newKeyCmd creates the `replyflow key` command group for the API key.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the provider API key in the OS keyring",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API key (read without echo)",
			RunE: func(_ *cobra.Command, _ []string) error {
				key, err := config.ReadPassword("API key: ")
				if err != nil {
					return err
				}
				if key == "" {
					return errors.New("empty key")
				}
				if err := config.StoreKeyring(config.KeyringAPIKey, key); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Println("API key stored:", config.MaskSecret(key))
				return nil
			},
		},
		&cobra.Command{
			Use:   "get",
			Short: "Show the resolved API key (masked) and where it comes from",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				source := config.ResolveAPIKey(cfg, newLogger(cmd, cfg.Logging, os.Stderr))
				if source == "" {
					fmt.Println("No API key configured.")
					return nil
				}
				fmt.Printf("%s (from %s)\n", config.MaskSecret(cfg.LLM.APIKey), source)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the API key from the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				err := config.DeleteKeyring(config.KeyringAPIKey)
				if errors.Is(err, keyring.ErrNotFound) {
					fmt.Println("No API key in the keyring.")
					return nil
				}
				if err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Println("API key removed from the keyring.")
				return nil
			},
		},
	)
	return cmd
}
