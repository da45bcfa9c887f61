package commands

import (
	"fmt"
	"os"

	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `replyflow config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the configuration after defaults and environment overrides",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, _ := cmd.Root().PersistentFlags().GetString("config")
				cfg, found, err := config.Load(path)
				if err != nil {
					return err
				}
				redact(cfg)
				if found == "" {
					found = "(defaults)"
				}
				fmt.Fprintf(os.Stderr, "# source: %s\n", found)
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and report every problem",
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, found, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				if found == "" {
					found = "defaults"
				}
				fmt.Printf("%s: OK\n", found)
				return nil
			},
		},
	)
	return cmd
}

// redact masks secrets before printing.
func redact(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" && !config.IsEnvReference(*s) {
			*s = config.MaskSecret(*s)
		}
	}
	mask(&cfg.LLM.APIKey)
	mask(&cfg.Gateway.AuthToken)
	mask(&cfg.Channels.Discord.Token)
	mask(&cfg.History.Postgres.Password)
}
