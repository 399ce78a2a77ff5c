package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/shellbot/internal/api"
	"github.com/mattjoyce/shellbot/internal/auth"
	"github.com/mattjoyce/shellbot/internal/bot"
	"github.com/mattjoyce/shellbot/internal/config"
	"github.com/mattjoyce/shellbot/internal/console"
	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/history"
	"github.com/mattjoyce/shellbot/internal/lock"
	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/runner"
	"github.com/mattjoyce/shellbot/internal/storage"
	"github.com/mattjoyce/shellbot/internal/supervisor"
	"github.com/mattjoyce/shellbot/internal/throttle"
	"github.com/mattjoyce/shellbot/internal/webhook"
)

var errRunningAsRoot = errors.New("refusing to run as root; set exec.run_as or exec.allow_root")

// geteuid is swapped in tests.
var geteuid = os.Geteuid

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	withConsole := fs.Bool("console", false, "Read chat lines from stdin")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *withConsole {
		cfg.Console.Enabled = true
	}

	// Console replies own stdout.
	var logOut io.Writer = os.Stdout
	if cfg.Console.Enabled {
		logOut = os.Stderr
	}
	log.SetupTo(logOut, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	if err := checkRoot(cfg); err != nil {
		logger.Error("startup refused", "error", err)
		return 1
	}

	fingerprint, err := config.FingerprintAll(cfg)
	if err != nil {
		logger.Warn("failed to fingerprint config", "error", err)
	}
	logger.Info("shellbot starting", "version", version, "config", path, "config_fingerprint", fingerprint)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := history.New(db)
	if n, err := store.RecoverOrphans(ctx); err != nil {
		logger.Error("failed to recover orphaned invocations", "error", err)
		return 1
	} else if n > 0 {
		logger.Warn("marked orphaned invocations as failed", "count", n)
	}

	hub := events.NewHub(256)
	janitor := history.NewJanitor(store, cfg.Service.HistoryRetention, cfg.Service.PruneInterval, hub, logger)
	janitor.Start(ctx)
	defer janitor.Stop()
	limiter := throttle.NewLimiter(cfg.Rate.Chunks, cfg.Rate.Interval)
	defer limiter.Close()

	sup := supervisor.New(newRunner(cfg.Exec), limiter,
		supervisor.WithLimits(limitsFromConfig(cfg.Limits)),
		supervisor.WithRecorder(store),
		supervisor.WithEvents(hub),
	)
	b := bot.New(sup, botConfigFrom(cfg), bot.WithEvents(hub))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 4)
	stopCh := make(chan string, 1)

	if cfg.API.Enabled {
		apiServer := api.New(apiConfigFrom(cfg.API), b, store, hub, log.WithComponent("api"))
		b.Register(api.Transport, apiServer.Channel())
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	var replier *webhook.Replier
	replyCtx, stopReplies := context.WithCancel(context.Background())
	defer stopReplies()
	if cfg.Webhook.Enabled {
		webhookConfig, err := webhook.FromConfig(cfg.Webhook)
		if err != nil {
			logger.Error("failed to configure webhook", "error", err)
			return 1
		}
		if webhookConfig.ReplyURL != "" {
			replier = webhook.NewReplier(webhookConfig, log.WithComponent("webhook.reply"))
			b.Register(webhook.Transport, replier)
			replier.Start(replyCtx)
		}
		webhookServer := webhook.New(webhookConfig, b, log.WithComponent("webhook"))
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "path", webhookConfig.Path, "replies", webhookConfig.ReplyURL != "")
	}

	var term *console.Console
	if cfg.Console.Enabled {
		term = console.New(consoleConfigFrom(cfg.Console), os.Stdin, os.Stdout, b, log.WithComponent("console"))
		b.Register(console.Transport, term)
		go func() {
			if err := term.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("console: %w", err)
				return
			}
			select {
			case stopCh <- "console input closed":
			default:
			}
		}()
		logger.Info("console transport enabled", "channel", cfg.Console.Channel)
	}

	if !cfg.API.Enabled && !cfg.Webhook.Enabled && !cfg.Console.Enabled {
		logger.Error("no transport enabled; enable api, webhook or console")
		return 1
	}

	logger.Info("shellbot running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case reason := <-stopCh:
		logger.Info("shutting down", "reason", reason)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	// Transports stop first so no new command starts during shutdown.
	cancel()
	shutdown(b, replier, term, cfg.Service.ShutdownTimeout, stopReplies, logger)

	logger.Info("shellbot stopped")
	return code
}

// shutdown cancels running invocations, waits for their final status lines
// and flushes the outbound transports.
func shutdown(b *bot.Bot, replier *webhook.Replier, term *console.Console, timeout time.Duration, stopReplies context.CancelFunc, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if n := len(b.Active()); n > 0 {
		logger.Info("cancelling running invocations", "count", n)
	}
	if err := b.Shutdown(ctx); err != nil {
		logger.Warn("invocations still running at shutdown timeout", "error", err)
	}
	if replier != nil {
		if err := replier.Close(ctx); err != nil {
			logger.Warn("unsent webhook replies dropped", "error", err)
			stopReplies()
		}
	}
	if term != nil {
		term.Close()
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func checkRoot(cfg *config.Config) error {
	if geteuid() == 0 && cfg.Exec.RunAs == "" && !cfg.Exec.AllowRoot {
		return errRunningAsRoot
	}
	return nil
}

func newRunner(ec config.ExecConfig) *runner.Runner {
	return &runner.Runner{
		Shell:        ec.Shell,
		Dir:          ec.Dir,
		Env:          ec.Env,
		Escalator:    ec.Escalator,
		PollInterval: ec.PollInterval,
		ReadyTimeout: ec.ReadyTimeout,
	}
}

// limitsFromConfig maps configured limits onto the supervisor's. A negative
// size bound in config means unlimited, which the supervisor spells 0.
func limitsFromConfig(lc config.LimitsConfig) supervisor.Limits {
	l := supervisor.Limits{
		Timeout:         lc.Timeout,
		Grace:           lc.EffectiveGrace(),
		DrainWindow:     lc.DrainWindow,
		MaxOutputBytes:  lc.MaxOutputBytes,
		MaxLineLen:      lc.MaxLineLength,
		MaxLines:        lc.MaxLines,
		MaxPending:      lc.MaxPending,
		StripANSI:       lc.StripANSIEnabled(),
		KeepBlank:       lc.KeepBlank,
		QuietSuccess:    lc.QuietSuccess,
		ReapDescendants: lc.ReapEnabled(),
	}
	if l.MaxOutputBytes < 0 {
		l.MaxOutputBytes = 0
	}
	if l.MaxLines < 0 {
		l.MaxLines = 0
	}
	return l
}

func botConfigFrom(cfg *config.Config) bot.Config {
	return bot.Config{
		Prefix:        cfg.Bot.Prefix,
		CancelCommand: cfg.Bot.CancelCommand,
		AllowPrivate:  cfg.Bot.AllowPrivate,
		Admins:        cfg.Bot.Admins,
		RunAs:         cfg.Exec.RunAs,
		MaxConcurrent: cfg.Bot.MaxConcurrent,
	}
}

func apiConfigFrom(ac config.APIConfig) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(ac.Auth.Tokens))
	for _, t := range ac.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:  ac.Listen,
		APIKey:  ac.Auth.APIKey,
		Tokens:  tokens,
		Version: currentVersionInfo().Version,
	}
}

func consoleConfigFrom(cc config.ConsoleConfig) console.Config {
	sender := cc.Sender
	if sender == "" {
		sender = os.Getenv("USER")
	}
	return console.Config{Channel: cc.Channel, Sender: sender}
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "API base URL")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*apiURL + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "shellbot is not reachable at %s: %v\n", *apiURL, err)
		return 1
	}
	defer resp.Body.Close()

	var health api.HealthzResponse
	if err := decodeJSON(resp.Body, &health); err != nil || resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unexpected /healthz response: %s\n", resp.Status)
		return 1
	}
	if *jsonOut {
		return printJSON(health)
	}
	fmt.Printf("status:      %s\n", health.Status)
	fmt.Printf("version:     %s\n", health.Version)
	fmt.Printf("uptime:      %s\n", time.Duration(health.UptimeSeconds)*time.Second)
	fmt.Printf("active:      %d\n", health.ActiveInvocations)
	fmt.Printf("subscribers: %d\n", health.EventSubscribers)
	return 0
}
