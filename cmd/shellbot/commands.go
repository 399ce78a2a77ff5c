package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/shellbot/internal/config"
	"github.com/mattjoyce/shellbot/internal/history"
	"github.com/mattjoyce/shellbot/internal/log"
	"github.com/mattjoyce/shellbot/internal/output"
	"github.com/mattjoyce/shellbot/internal/storage"
	"github.com/mattjoyce/shellbot/internal/supervisor"
	"github.com/mattjoyce/shellbot/internal/tui/watch"
)

const cliTransport = "cli"

// Exit codes for `run` when the command did not complete on its own.
const (
	exitFailed      = 1
	exitTimedOut    = 124
	exitSpawnFailed = 127
	exitCancelled   = 130
)

// runRun executes one command through the supervisor with the configured
// limits. Output goes to stdout and the status line to stderr.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	runAs := fs.String("as", "", "Run the command as this user via the escalator")
	timeout := fs.Duration("timeout", 0, "Override limits.timeout")
	noHistory := fs.Bool("no-history", false, "Do not record the invocation")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	command := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(command) == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellbot run [--config PATH] [--as USER] [--timeout D] [--no-history] -- <command>")
		return 1
	}

	cfg, err := configOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupTo(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("run")

	if *runAs != "" {
		cfg.Exec.RunAs = *runAs
	}
	if err := checkRoot(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	limits := limitsFromConfig(cfg.Limits)
	if *timeout > 0 {
		limits.Timeout = *timeout
		if cfg.Limits.Grace <= 0 {
			limits.Grace = *timeout / 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []supervisor.Option{supervisor.WithLimits(limits)}
	if !*noHistory {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Warn("history disabled for this run", "path", cfg.State.Path, "error", err)
		} else {
			defer db.Close()
			opts = append(opts, supervisor.WithRecorder(history.New(db)))
		}
	}

	sup := supervisor.New(newRunner(cfg.Exec), nil, opts...)
	rep := sup.Run(ctx, supervisor.Request{
		Command:   command,
		Requester: os.Getenv("USER"),
		Channel:   cliTransport,
		Transport: cliTransport,
		RunAs:     cfg.Exec.RunAs,
	}, supervisor.SinkFunc(func(_ context.Context, c output.Chunk) error {
		w := os.Stdout
		if c.Final {
			w = os.Stderr
		}
		_, err := fmt.Fprintln(w, c.Text)
		return err
	}))
	return exitCodeFor(rep)
}

func exitCodeFor(rep supervisor.Report) int {
	switch rep.State {
	case supervisor.StateCompleted:
		if rep.ExitCode != nil {
			return *rep.ExitCode
		}
		return 0
	case supervisor.StateTimedOut:
		return exitTimedOut
	case supervisor.StateCancelled:
		return exitCancelled
	case supervisor.StateSpawnFailed:
		return exitSpawnFailed
	default:
		return exitFailed
	}
}

// configOrDefaults loads the given or discovered config, falling back to
// built-in defaults when no config exists and none was named.
func configOrDefaults(path string) (*config.Config, error) {
	if path == "" {
		if _, err := config.DiscoverConfigPath(); err != nil {
			return config.Defaults(), nil
		}
	}
	cfg, _, err := loadConfig(path)
	return cfg, err
}

// --- config ---

type configFileReport struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
}

type configCheckReport struct {
	Valid       bool               `json:"valid"`
	Error       string             `json:"error,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Files       []configFileReport `json:"files,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	report := configCheckReport{}
	cfg, path, err := loadConfig(*configPath)
	if err == nil {
		report.Valid = true
		report.Fingerprint, err = config.FingerprintAll(cfg)
		for _, p := range cfg.SourceFiles {
			fp, ferr := config.Fingerprint(p)
			if ferr != nil && err == nil {
				err = ferr
			}
			report.Files = append(report.Files, configFileReport{Path: p, Fingerprint: fp})
		}
	}
	if err != nil {
		report.Valid = false
		report.Error = err.Error()
	}

	if *jsonOut {
		if rc := printJSON(report); rc != 0 {
			return rc
		}
	} else if report.Valid {
		fmt.Printf("Configuration OK: %s\n", path)
		for _, f := range report.Files {
			fmt.Printf("  %s  %s\n", f.Fingerprint, f.Path)
		}
		fmt.Printf("fingerprint: %s\n", report.Fingerprint)
	} else {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", report.Error)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	cfg, err := config.LoadUnverified(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	written, err := config.Lock(cfg)
	for _, w := range written {
		fmt.Printf("wrote %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %d config file(s)\n", len(cfg.SourceFiles))
	return 0
}

// --- history ---

func openHistory(ctx context.Context, configPath string) (*history.Store, func(), error) {
	cfg, err := configOrDefaults(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

func runHistoryList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum invocations to show")
	requester := fs.String("requester", "", "Only invocations by this sender")
	channel := fs.String("channel", "", "Only invocations in this channel")
	state := fs.String("state", "", "Only invocations in this state")
	since := fs.Duration("since", 0, "Only invocations started within this duration")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer closeDB()

	filter := history.Filter{
		Requester: *requester,
		Channel:   *channel,
		State:     supervisor.State(*state),
		Limit:     *limit,
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}
	records, err := store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list history: %v\n", err)
		return 1
	}

	if *jsonOut {
		if records == nil {
			records = []history.Record{}
		}
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No invocations recorded.")
		return 0
	}
	fmt.Println(renderHistoryTable(records))
	return 0
}

func renderHistoryTable(records []history.Record) string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "STARTED", "REQUESTER", "CHANNEL", "STATE", "EXIT", "DURATION", "COMMAND").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		duration := "-"
		if r.Finished {
			duration = (time.Duration(r.DurationMS) * time.Millisecond).String()
		}
		t.Row(
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Requester,
			r.Channel,
			string(r.State),
			exit,
			duration,
			truncate(r.Command, 48),
		)
	}
	return t.Render()
}

func runHistoryShow(args []string) int {
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: shellbot history show <id> [--json]")
		return 1
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer closeDB()

	detail, err := store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Invocation not found: %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}

	if *jsonOut {
		return printJSON(detail)
	}
	printDetail(os.Stdout, detail)
	return 0
}

func printDetail(w io.Writer, d *history.Detail) {
	fmt.Fprintf(w, "id:          %s\n", d.ID)
	fmt.Fprintf(w, "command:     %s\n", d.Command)
	fmt.Fprintf(w, "fingerprint: %s\n", d.Fingerprint)
	fmt.Fprintf(w, "requester:   %s (%s %s)\n", d.Requester, d.Transport, d.Channel)
	fmt.Fprintf(w, "state:       %s\n", d.State)
	if d.ExitCode != nil {
		fmt.Fprintf(w, "exit code:   %d\n", *d.ExitCode)
	}
	if d.Signal != "" {
		fmt.Fprintf(w, "signal:      %s\n", d.Signal)
	}
	if d.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", d.Error)
	}
	fmt.Fprintf(w, "started:     %s\n", d.StartedAt.Local().Format(time.RFC3339))
	if d.Finished {
		fmt.Fprintf(w, "duration:    %s\n", time.Duration(d.DurationMS)*time.Millisecond)
	}
	if d.Truncated {
		fmt.Fprintf(w, "truncated:   %s (%d lines trimmed)\n", d.TruncateReason, d.LinesTrimmed)
	}
	fmt.Fprintln(w, "output:")
	for _, c := range d.Output {
		fmt.Fprintf(w, "  %s\n", c.Text)
	}
}

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "API base URL")
	apiKey := fs.String("api-key", os.Getenv("SHELLBOT_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- helpers ---

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
