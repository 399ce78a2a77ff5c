package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// maxIncludeDepth stops include cycles that slip past the visited set
// through symlinks.
const maxIncludeDepth = 8

// Load reads configuration from a file, merges its includes, verifies
// checksums where a manifest exists, applies defaults and validates the
// result. A directory argument means <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum step, for `config lock`.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := &Config{}
	visited := make(map[string]bool)
	if err := loadInto(cfg, absPath, visited, 0); err != nil {
		return nil, err
	}

	if verify {
		if err := verifyChecksums(cfg.SourceFiles); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $SHELLBOT_CONFIG, ~/.config/shellbot/config.yaml,
// /etc/shellbot/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SHELLBOT_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "shellbot", "config.yaml"))
	}
	candidates = append(candidates, "/etc/shellbot/config.yaml", "./config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $SHELLBOT_CONFIG, ~/.config/shellbot/config.yaml, /etc/shellbot/config.yaml, ./config.yaml)")
}

// loadInto decodes path over cfg and then each of its includes in order,
// so later files override earlier ones field by field.
func loadInto(cfg *Config, path string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("include depth exceeds %d at %s", maxIncludeDepth, path)
	}
	if visited[path] {
		return fmt.Errorf("include cycle detected at %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := interpolateEnv(string(data))

	// Includes are read per file so that one file's list does not leak
	// into the next.
	var head struct {
		Include []string `yaml:"include"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &head); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Include = nil
	cfg.SourceFiles = append(cfg.SourceFiles, path)

	baseDir := filepath.Dir(path)
	for _, inc := range head.Include {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		if err := loadInto(cfg, filepath.Clean(incPath), visited, depth+1); err != nil {
			return fmt.Errorf("include %q: %w", inc, err)
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}
	if cfg.Service.HistoryRetention == 0 {
		cfg.Service.HistoryRetention = defaults.Service.HistoryRetention
	}
	if cfg.Service.PruneInterval <= 0 {
		cfg.Service.PruneInterval = defaults.Service.PruneInterval
	}

	if cfg.Bot.Prefix == "" {
		cfg.Bot.Prefix = defaults.Bot.Prefix
	}
	if cfg.Bot.CancelCommand == "" {
		cfg.Bot.CancelCommand = defaults.Bot.CancelCommand
	}

	if cfg.Exec.Shell == "" {
		cfg.Exec.Shell = defaults.Exec.Shell
	}
	if len(cfg.Exec.Escalator) == 0 {
		cfg.Exec.Escalator = defaults.Exec.Escalator
	}
	if cfg.Exec.PollInterval == 0 {
		cfg.Exec.PollInterval = defaults.Exec.PollInterval
	}
	if cfg.Exec.ReadyTimeout == 0 {
		cfg.Exec.ReadyTimeout = defaults.Exec.ReadyTimeout
	}

	if cfg.Limits.Timeout == 0 {
		cfg.Limits.Timeout = defaults.Limits.Timeout
	}
	if cfg.Limits.DrainWindow == 0 {
		cfg.Limits.DrainWindow = defaults.Limits.DrainWindow
	}
	if cfg.Limits.MaxOutputBytes == 0 {
		cfg.Limits.MaxOutputBytes = defaults.Limits.MaxOutputBytes
	}
	if cfg.Limits.MaxLineLength == 0 {
		cfg.Limits.MaxLineLength = defaults.Limits.MaxLineLength
	}
	if cfg.Limits.MaxLines == 0 {
		cfg.Limits.MaxLines = defaults.Limits.MaxLines
	}
	if cfg.Limits.MaxPending == 0 {
		cfg.Limits.MaxPending = defaults.Limits.MaxPending
	}

	if cfg.Rate.Chunks == 0 && cfg.Rate.Interval == 0 {
		cfg.Rate = defaults.Rate
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	w := &cfg.Webhook
	if w.Listen == "" {
		w.Listen = defaults.Webhook.Listen
	}
	if w.Path == "" {
		w.Path = defaults.Webhook.Path
	}
	if w.SignatureHeader == "" {
		w.SignatureHeader = defaults.Webhook.SignatureHeader
	}
	if w.MaxBodySize == "" {
		w.MaxBodySize = defaults.Webhook.MaxBodySize
	}
	if w.ReplyTimeout == 0 {
		w.ReplyTimeout = defaults.Webhook.ReplyTimeout
	}
	if w.ReplyQueue == 0 {
		w.ReplyQueue = defaults.Webhook.ReplyQueue
	}

	if cfg.Console.Channel == "" {
		cfg.Console.Channel = defaults.Console.Channel
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

// checkResolved reports a ${VAR} that the environment did not supply.
func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Service.LogLevel)) {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.HistoryRetention < 0 {
		return fmt.Errorf("service.history_retention must not be negative")
	}

	if strings.ContainsAny(cfg.Bot.Prefix, " \t\r\n") {
		return fmt.Errorf("bot.prefix must not contain whitespace (got %q)", cfg.Bot.Prefix)
	}
	if strings.ContainsAny(cfg.Bot.CancelCommand, " \t\r\n") {
		return fmt.Errorf("bot.cancel_command must not contain whitespace (got %q)", cfg.Bot.CancelCommand)
	}
	if cfg.Bot.CancelCommand == cfg.Bot.Prefix {
		return fmt.Errorf("bot.cancel_command must differ from bot.prefix")
	}
	if cfg.Bot.MaxConcurrent < 0 {
		return fmt.Errorf("bot.max_concurrent must not be negative")
	}

	if cfg.Exec.RunAs != "" {
		if err := checkResolved("exec.run_as", cfg.Exec.RunAs); err != nil {
			return err
		}
		if !slices.ContainsFunc(cfg.Exec.Escalator, func(a string) bool { return strings.Contains(a, "{user}") }) {
			return fmt.Errorf("exec.escalator must contain a {user} placeholder when exec.run_as is set")
		}
	}
	for i, kv := range cfg.Exec.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("exec.env[%d] must be KEY=value (got %q)", i, kv)
		}
	}
	if cfg.Exec.PollInterval < 0 || cfg.Exec.ReadyTimeout < 0 {
		return fmt.Errorf("exec.poll_interval and exec.ready_timeout must be positive")
	}

	l := cfg.Limits
	if l.Timeout <= 0 {
		return fmt.Errorf("limits.timeout must be positive")
	}
	if l.Grace < 0 || l.DrainWindow < 0 {
		return fmt.Errorf("limits.grace and limits.drain_window must not be negative")
	}
	if l.MaxLineLength <= 0 {
		return fmt.Errorf("limits.max_line_length must be positive")
	}
	if l.MaxPending <= 0 {
		return fmt.Errorf("limits.max_pending must be positive")
	}

	if cfg.Rate.Chunks < 0 {
		return fmt.Errorf("rate.chunks must not be negative")
	}
	if cfg.Rate.Chunks > 0 && cfg.Rate.Interval <= 0 {
		return fmt.Errorf("rate.interval must be positive when rate.chunks is set")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if err := checkResolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens is required when api is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkResolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if w := cfg.Webhook; w.Enabled {
		if !strings.HasPrefix(w.Path, "/") {
			return fmt.Errorf("webhook.path must start with / (got %q)", w.Path)
		}
		if w.Secret == "" {
			return fmt.Errorf("webhook.secret is required when webhook is enabled")
		}
		if err := checkResolved("webhook.secret", w.Secret); err != nil {
			return err
		}
		if w.ReplyURL == "" {
			return fmt.Errorf("webhook.reply_url is required when webhook is enabled")
		}
		u, err := url.Parse(w.ReplyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.reply_url must be an http(s) URL (got %q)", w.ReplyURL)
		}
		if err := checkResolved("webhook.reply_secret", w.ReplySecret); err != nil {
			return err
		}
	}

	return nil
}
