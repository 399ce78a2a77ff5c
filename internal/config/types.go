package config

import "time"

// Config represents the complete shellbot configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Bot     BotConfig     `yaml:"bot"`
	Exec    ExecConfig    `yaml:"exec"`
	Limits  LimitsConfig  `yaml:"limits"`
	Rate    RateConfig    `yaml:"rate"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Webhook WebhookConfig `yaml:"webhook,omitempty"`
	Console ConsoleConfig `yaml:"console,omitempty"`

	// Include lists further YAML files merged over this one, relative to it.
	Include []string `yaml:"include,omitempty"`

	// SourceFiles are the absolute paths that were read, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
}

// BotConfig controls how chat messages become commands.
type BotConfig struct {
	Prefix        string   `yaml:"prefix"`
	CancelCommand string   `yaml:"cancel_command"`
	AllowPrivate  bool     `yaml:"allow_private"`
	Admins        []string `yaml:"admins,omitempty"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// ExecConfig controls how commands are spawned.
type ExecConfig struct {
	Shell        string        `yaml:"shell"`
	Dir          string        `yaml:"dir,omitempty"`
	Env          []string      `yaml:"env,omitempty"`
	RunAs        string        `yaml:"run_as,omitempty"`
	Escalator    []string      `yaml:"escalator,omitempty"`
	AllowRoot    bool          `yaml:"allow_root"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// LimitsConfig bounds each invocation. A negative max_lines or
// max_output_bytes disables that bound.
type LimitsConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	Grace           time.Duration `yaml:"grace"`
	DrainWindow     time.Duration `yaml:"drain_window"`
	MaxOutputBytes  int           `yaml:"max_output_bytes"`
	MaxLineLength   int           `yaml:"max_line_length"`
	MaxLines        int           `yaml:"max_lines"`
	MaxPending      int           `yaml:"max_pending"`
	StripANSI       *bool         `yaml:"strip_ansi,omitempty"`
	KeepBlank       bool          `yaml:"keep_blank"`
	QuietSuccess    bool          `yaml:"quiet_success"`
	ReapDescendants *bool         `yaml:"reap_descendants,omitempty"`
}

// RateConfig is the global send rate shared by all invocations.
type RateConfig struct {
	Chunks   int           `yaml:"chunks"`
	Interval time.Duration `yaml:"interval"`
}

// StateConfig defines history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhookConfig defines the signed HTTP chat bridge.
type WebhookConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Listen          string        `yaml:"listen"`
	Path            string        `yaml:"path"`
	Secret          string        `yaml:"secret"`
	SignatureHeader string        `yaml:"signature_header"`
	MaxBodySize     string        `yaml:"max_body_size"`
	ReplyURL        string        `yaml:"reply_url,omitempty"`
	ReplySecret     string        `yaml:"reply_secret,omitempty"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	ReplyQueue      int           `yaml:"reply_queue"`
}

// ConsoleConfig defines the stdin/stdout transport.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
	Sender  string `yaml:"sender,omitempty"` // defaults to $USER
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "shellbot",
			LogLevel:         "info",
			LogFormat:        "json",
			ShutdownTimeout:  10 * time.Second,
			HistoryRetention: 30 * 24 * time.Hour,
			PruneInterval:    time.Hour,
		},
		Bot: BotConfig{
			Prefix:        "!$",
			CancelCommand: "!cancel",
		},
		Exec: ExecConfig{
			Shell:        "/bin/sh",
			Escalator:    []string{"sudo", "-n", "-u", "{user}", "--"},
			PollInterval: 50 * time.Millisecond,
			ReadyTimeout: 5 * time.Second,
		},
		Limits: LimitsConfig{
			Timeout:        4 * time.Second,
			DrainWindow:    250 * time.Millisecond,
			MaxOutputBytes: 16 << 10,
			MaxLineLength:  400,
			MaxLines:       10,
			MaxPending:     64,
		},
		Rate: RateConfig{
			Chunks:   5,
			Interval: 2 * time.Second,
		},
		State: StateConfig{
			Path: "./data/shellbot.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			Listen:          "127.0.0.1:8081",
			Path:            "/chat",
			SignatureHeader: "X-Shellbot-Signature",
			MaxBodySize:     "64KB",
			ReplyTimeout:    10 * time.Second,
			ReplyQueue:      256,
		},
		Console: ConsoleConfig{
			Channel: "console",
		},
	}
}

// StripANSIEnabled reports limits.strip_ansi, defaulting to true.
func (l LimitsConfig) StripANSIEnabled() bool {
	return l.StripANSI == nil || *l.StripANSI
}

// ReapEnabled reports limits.reap_descendants, defaulting to true.
func (l LimitsConfig) ReapEnabled() bool {
	return l.ReapDescendants == nil || *l.ReapDescendants
}

// EffectiveGrace returns limits.grace, or half the timeout when unset.
func (l LimitsConfig) EffectiveGrace() time.Duration {
	if l.Grace > 0 {
		return l.Grace
	}
	return l.Timeout / 2
}
