package commands

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/jholhewres/replyflow/pkg/replyflow/config"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/spf13/cobra"
)

// newSetupCmd creates the `replyflow setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your config.yaml.
Asks for the model endpoint, history storage, channels and the HTTP API.
The API key is stored in the OS keyring, never in the config file.

Examples:
  replyflow setup
  replyflow setup --config ~/.replyflow/config.yaml`,
		RunE: runSetup,
	}
	return cmd
}

// setupAnswers holds wizard inputs that need conversion before landing in
// the config.
type setupAnswers struct {
	apiKey       string
	storeKey     bool
	mergeWindow  string
	maxTurns     string
	threshold    string
	enableGW     bool
	discordToken string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "config.yaml"
	}

	cfg := config.DefaultConfig()
	ans := setupAnswers{
		storeKey:    config.KeyringAvailable(),
		mergeWindow: cfg.Queue.MergeWindow.String(),
		maxTurns:    strconv.Itoa(cfg.History.MaxTurns),
		threshold:   strconv.Itoa(cfg.Splitter.Threshold),
		enableGW:    cfg.Gateway.Enabled,
	}

	form := huh.NewForm(
		// ── Step 1: Assistant ──
		huh.NewGroup(
			huh.NewInput().Title("Assistant name").Value(&cfg.Name),
			huh.NewInput().Title("API base URL (OpenAI-compatible)").
				Value(&cfg.LLM.BaseURL).Validate(validateURL),
			huh.NewInput().Title("Model").Value(&cfg.LLM.Model).Validate(required("model")),
			huh.NewInput().Title("API key").Description("Leave empty for local endpoints.").
				EchoMode(huh.EchoModePassword).Value(&ans.apiKey),
			huh.NewConfirm().Title("Store the API key in the OS keyring?").Value(&ans.storeKey),
		).Title("Assistant"),

		// ── Step 2: Conversation ──
		huh.NewGroup(
			huh.NewInput().Title("Merge window").Description("How long to wait for more fragments (e.g. 5s).").
				Value(&ans.mergeWindow).Validate(validateDuration),
			huh.NewInput().Title("Turns kept per conversation").
				Value(&ans.maxTurns).Validate(positiveInt),
			huh.NewInput().Title("Split replies longer than (characters)").
				Value(&ans.threshold).Validate(positiveInt),
			huh.NewSelect[string]().Title("History storage").
				Options(huh.NewOptions(history.BackendFile, history.BackendSQLite,
					history.BackendPostgres, history.BackendMemory)...).
				Value(&cfg.History.Backend),
		).Title("Conversation"),

		// ── Step 3: Channels ──
		huh.NewGroup(
			huh.NewConfirm().Title("Enable WhatsApp?").Value(&cfg.Channels.WhatsApp.Enabled),
			huh.NewConfirm().Title("Reply in WhatsApp groups?").Value(&cfg.Channels.WhatsApp.RespondToGroups),
			huh.NewInput().Title("Discord bot token").Description("Leave empty to disable Discord.").
				EchoMode(huh.EchoModePassword).Value(&ans.discordToken),
		).Title("Channels"),

		// ── Step 4: HTTP API ──
		huh.NewGroup(
			huh.NewConfirm().Title("Enable the HTTP API?").Value(&ans.enableGW),
			huh.NewInput().Title("Listen address").Value(&cfg.Gateway.Address),
			huh.NewInput().Title("Bearer token").Description("Leave empty for no authentication.").
				EchoMode(huh.EchoModePassword).Value(&cfg.Gateway.AuthToken),
			huh.NewInput().Title("Forward inbound events to (webhook URL)").
				Description("Leave empty to disable.").Value(&cfg.Gateway.WebhookURL).
				Validate(optional(validateURL)),
		).Title("HTTP API"),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	if err := applyAnswers(cfg, ans); err != nil {
		return err
	}

	if ans.apiKey != "" {
		if ans.storeKey {
			if err := config.StoreKeyring(config.KeyringAPIKey, ans.apiKey); err != nil {
				fmt.Printf("Could not store the key in the keyring (%v); set OPENAI_API_KEY instead.\n", err)
			} else {
				fmt.Println("API key stored in the OS keyring.")
			}
		} else {
			fmt.Println("API key not stored. Export OPENAI_API_KEY before running serve.")
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := config.SaveConfigToFile(cfg, path); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", path)
	fmt.Println("Next steps:")
	fmt.Println("  replyflow chat     # try it in the terminal")
	fmt.Println("  replyflow serve    # connect channels (scan the WhatsApp QR code)")
	return nil
}

// applyAnswers converts the free-form wizard answers into cfg.
func applyAnswers(cfg *config.Config, ans setupAnswers) error {
	d, err := time.ParseDuration(strings.TrimSpace(ans.mergeWindow))
	if err != nil {
		return fmt.Errorf("merge window: %w", err)
	}
	cfg.Queue.MergeWindow = d

	if cfg.History.MaxTurns, err = strconv.Atoi(strings.TrimSpace(ans.maxTurns)); err != nil {
		return fmt.Errorf("turns: %w", err)
	}
	if cfg.Splitter.Threshold, err = strconv.Atoi(strings.TrimSpace(ans.threshold)); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}

	cfg.Gateway.Enabled = ans.enableGW
	if tok := strings.TrimSpace(ans.discordToken); tok != "" {
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.Token = "${DISCORD_TOKEN}"
		fmt.Println("Discord enabled. Export DISCORD_TOKEN with the token you entered.")
	}
	cfg.Orchestrator.ReplyToGroups = cfg.Channels.WhatsApp.RespondToGroups
	cfg.LLM.APIKey = ""
	return nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func optional(check func(string) error) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return check(s)
	}
}

func validateURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return errors.New("use a duration like 5s or 1500ms")
	}
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("must be a positive number")
	}
	return nil
}
