package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
//
// Groups: 1 name (braced), 2 modifier ("-" or "?"), 3 default or message,
// 4 name (bare).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load finds and loads the configuration. An empty path searches the
// standard locations; when nothing is found the defaults are used. The
// environment is applied last in both cases.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		if err := ApplyEnv(cfg); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadConfigFromFile reads a YAML file, expands environment references,
// overlays it on DefaultConfig and then applies environment overrides.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig overlays YAML bytes on DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. The API
// key is never written; an existing file is kept as <path>.bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.LLM.APIKey != "" && !IsEnvReference(sanitized.LLM.APIKey) {
		sanitized.LLM.APIKey = "${OPENAI_API_KEY}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing config file among the
// standard locations, or "".
func FindConfigFile() string {
	candidates := []string{"config.yaml", "replyflow.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".replyflow", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether s is a ${VAR} style reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// ApplyEnv overrides cfg with the environment variables the service has
// always honored. Unset or empty variables leave cfg unchanged.
func ApplyEnv(cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = fmt.Errorf("%s: %q is not an integer", name, v)
			return
		}
		*dst = n
	}
	millis := func(name string, dst *time.Duration) {
		n := -1
		num(name, &n)
		if n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Gateway.Address = ":" + strings.TrimPrefix(port, ":")
	}
	str("WEBHOOK_URL", &cfg.Gateway.WebhookURL)
	str("GATEWAY_AUTH_TOKEN", &cfg.Gateway.AuthToken)
	str("AUTH_DIR", &cfg.Channels.WhatsApp.AuthDir)
	str("MEDIA_DIR", &cfg.Media.Dir)
	str("DISCORD_TOKEN", &cfg.Channels.Discord.Token)

	millis("MESSAGE_MERGE_TIMEOUT", &cfg.Queue.MergeWindow)
	num("MAX_HISTORY_LENGTH", &cfg.History.MaxTurns)
	str("CHAT_HISTORY_DIR", &cfg.History.Dir)
	str("HISTORY_BACKEND", &cfg.History.Backend)
	num("LONG_TEXT_THRESHOLD", &cfg.Splitter.Threshold)
	num("SPLIT_RETRY_COUNT", &cfg.Splitter.RetryCount)

	str("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	str("OPENAI_MODEL", &cfg.LLM.Model)
	str("AI_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)
	millis("GENERATION_TIMEOUT", &cfg.LLM.Timeout)

	if v := os.Getenv("IGNORED_KEYS"); v != "" {
		cfg.Orchestrator.IgnoredKeys = splitList(v)
	} else if v := os.Getenv("IGNORED_JIDS"); v != "" {
		cfg.Orchestrator.IgnoredKeys = splitList(v)
	}
	if v := os.Getenv("REPLY_TO_GROUPS"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil && err == nil {
			err = fmt.Errorf("REPLY_TO_GROUPS: %q is not a boolean", v)
		}
		cfg.Orchestrator.ReplyToGroups = b
		cfg.Channels.WhatsApp.RespondToGroups = b
	}

	stages := []struct {
		name string
		r    *pacing.Range
	}{
		{"INITIAL", &cfg.Pacing.Initial},
		{"READ", &cfg.Pacing.Read},
		{"THINK", &cfg.Pacing.Think},
		{"TYPE", &cfg.Pacing.Type},
	}
	for _, s := range stages {
		num("PACING_"+s.name+"_MIN_MS", &s.r.MinMs)
		num("PACING_"+s.name+"_MAX_MS", &s.r.MaxMs)
		num("PACING_"+s.name+"_PER_CHAR_MS", &s.r.PerCharMs)
		num("PACING_"+s.name+"_CAP_MS", &s.r.CapMs)
	}
	num("PACING_GAP_BASE_MS", &cfg.Pacing.Gap.BaseMs)
	num("PACING_GAP_PER_CHAR_MS", &cfg.Pacing.Gap.PerCharMs)
	num("PACING_GAP_CAP_MS", &cfg.Pacing.Gap.CapMs)

	return err
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in the YAML text. A
// ${VAR:?msg} reference with VAR unset is an error.
func expandEnvVars(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if m[4] != "" {
			return os.Getenv(m[4])
		}
		val, set := os.LookupEnv(m[1])
		if set && val != "" {
			return val
		}
		switch m[2] {
		case "-":
			return m[3]
		case "?":
			msg := m[3]
			if msg == "" {
				msg = "required"
			}
			missing = append(missing, fmt.Sprintf("%s: %s", m[1], msg))
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveRelativePaths anchors relative data directories at the config
// file's directory when the file lives outside the working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if base == "." || base == "" {
		return
	}
	for _, p := range []*string{
		&cfg.History.Dir,
		&cfg.History.SQLite.Path,
		&cfg.Media.Dir,
		&cfg.Channels.WhatsApp.AuthDir,
	} {
		*p = resolvePath(base, *p)
	}
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
		return p
	}
	return filepath.Join(base, p)
}

// checkFilePermissions warns when the config is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 {
		slog.Warn("config file is readable by group or others",
			"path", path, "mode", fmt.Sprintf("%04o", info.Mode().Perm()),
			"hint", "chmod 600 "+path)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
