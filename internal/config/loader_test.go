package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file gets defaults",
			yaml: "{}\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Bot.Prefix != "!$" {
					t.Errorf("prefix = %q, want !$", cfg.Bot.Prefix)
				}
				if cfg.Limits.Timeout != 4*time.Second {
					t.Errorf("timeout = %v, want 4s", cfg.Limits.Timeout)
				}
				if cfg.Limits.EffectiveGrace() != 2*time.Second {
					t.Errorf("grace = %v, want 2s", cfg.Limits.EffectiveGrace())
				}
				if cfg.Limits.MaxLines != 10 || cfg.Limits.MaxLineLength != 400 {
					t.Errorf("line limits = %d/%d", cfg.Limits.MaxLines, cfg.Limits.MaxLineLength)
				}
				if cfg.Rate.Chunks != 5 || cfg.Rate.Interval != 2*time.Second {
					t.Errorf("rate = %+v", cfg.Rate)
				}
				if !cfg.Limits.StripANSIEnabled() || !cfg.Limits.ReapEnabled() {
					t.Error("strip_ansi and reap_descendants should default on")
				}
				if cfg.Exec.Shell != "/bin/sh" {
					t.Errorf("shell = %q", cfg.Exec.Shell)
				}
			},
		},
		{
			name: "explicit values",
			yaml: `
bot:
  prefix: "sh>"
  admins: [alice]
  allow_private: true
exec:
  run_as: nobody
  dir: /tmp
limits:
  timeout: 30s
  grace: 1s
  max_lines: -1
  strip_ansi: false
rate:
  chunks: 2
  interval: 1s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Bot.Prefix != "sh>" || !cfg.Bot.AllowPrivate {
					t.Errorf("bot = %+v", cfg.Bot)
				}
				if cfg.Exec.RunAs != "nobody" || cfg.Exec.Dir != "/tmp" {
					t.Errorf("exec = %+v", cfg.Exec)
				}
				if cfg.Limits.Timeout != 30*time.Second || cfg.Limits.EffectiveGrace() != time.Second {
					t.Errorf("limits = %+v", cfg.Limits)
				}
				if cfg.Limits.MaxLines != -1 {
					t.Errorf("max_lines = %d, want -1", cfg.Limits.MaxLines)
				}
				if cfg.Limits.StripANSIEnabled() {
					t.Error("strip_ansi should be off")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: ${SHELLBOT_TEST_TOKEN}
        scopes: ["*"]
`,
			env: map[string]string{"SHELLBOT_TEST_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if got := cfg.API.Auth.Tokens[0].Token; got != "s3cret" {
					t.Errorf("token = %q, want s3cret", got)
				}
			},
		},
		{
			name: "unset env var is reported",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${SHELLBOT_TEST_MISSING_KEY}
`,
			wantErr: "${SHELLBOT_TEST_MISSING_KEY} is not set",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "prefix with space",
			yaml:    "bot:\n  prefix: \"! $\"\n",
			wantErr: "bot.prefix",
		},
		{
			name:    "run_as without placeholder",
			yaml:    "exec:\n  run_as: bob\n  escalator: [sudo, -n]\n",
			wantErr: "{user}",
		},
		{
			name:    "rate without interval",
			yaml:    "rate:\n  chunks: 3\n  interval: -1s\n",
			wantErr: "rate.interval",
		},
		{
			name:    "api without tokens",
			yaml:    "api:\n  enabled: true\n",
			wantErr: "api.auth",
		},
		{
			name:    "webhook needs secret",
			yaml:    "webhook:\n  enabled: true\n  reply_url: http://127.0.0.1:9/reply\n",
			wantErr: "webhook.secret",
		},
		{
			name:    "webhook reply_url must be http",
			yaml:    "webhook:\n  enabled: true\n  secret: k\n  reply_url: ftp://x/y\n",
			wantErr: "webhook.reply_url",
		},
		{
			name:    "bad env entry",
			yaml:    "exec:\n  env: [NOVALUE]\n",
			wantErr: "exec.env[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoad_DirectoryMeansConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "bot:\n  prefix: \">>\"\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Bot.Prefix != ">>" {
		t.Errorf("prefix = %q, want >>", cfg.Bot.Prefix)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_IncludesOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "conf.d"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "config.yaml", `
include:
  - conf.d/limits.yaml
  - conf.d/secrets.yaml
limits:
  timeout: 10s
  max_lines: 3
`)
	writeFile(t, filepath.Join(dir, "conf.d"), "limits.yaml", "limits:\n  timeout: 20s\n")
	writeFile(t, filepath.Join(dir, "conf.d"), "secrets.yaml", "api:\n  enabled: true\n  auth:\n    api_key: k\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Limits.Timeout != 20*time.Second {
		t.Errorf("timeout = %v, want 20s from include", cfg.Limits.Timeout)
	}
	if cfg.Limits.MaxLines != 3 {
		t.Errorf("max_lines = %d, want 3 kept from root", cfg.Limits.MaxLines)
	}
	if !cfg.API.Enabled || cfg.API.Auth.APIKey != "k" {
		t.Errorf("api = %+v", cfg.API)
	}
	if len(cfg.SourceFiles) != 3 {
		t.Errorf("SourceFiles = %v, want 3 entries", cfg.SourceFiles)
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want cycle error", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("SHELLBOT_TEST_USER", "ops")
	got := interpolateEnv("run_as: ${SHELLBOT_TEST_USER} ${SHELLBOT_TEST_UNSET_X} $PLAIN")
	want := "run_as: ops ${SHELLBOT_TEST_UNSET_X} $PLAIN"
	if got != want {
		t.Errorf("interpolateEnv() = %q, want %q", got, want)
	}
}

func TestDiscoverConfigPath_Env(t *testing.T) {
	p := writeFile(t, t.TempDir(), "custom.yaml", "{}\n")
	t.Setenv("SHELLBOT_CONFIG", p)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath() failed: %v", err)
	}
	if got != p {
		t.Errorf("DiscoverConfigPath() = %q, want %q", got, p)
	}
}
