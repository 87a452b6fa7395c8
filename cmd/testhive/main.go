package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/testhive/internal/api"
	"github.com/mattjoyce/testhive/internal/config"
	"github.com/mattjoyce/testhive/internal/lock"
	"github.com/mattjoyce/testhive/internal/log"
	"github.com/mattjoyce/testhive/internal/metrics"
	"github.com/mattjoyce/testhive/internal/queue"
	"github.com/mattjoyce/testhive/internal/report"
	"github.com/mattjoyce/testhive/internal/runner"
	"github.com/mattjoyce/testhive/internal/storage"
	"github.com/mattjoyce/testhive/internal/transport"
	"github.com/mattjoyce/testhive/internal/watch"
	"github.com/mattjoyce/testhive/internal/worker"
)

const version = "0.1.0"

// Exit codes.
const (
	exitPassed  = 0
	exitFailed  = 1
	exitError   = 2
	exitAborted = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitError)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runTests(args, os.Stdout))
	case "worker":
		os.Exit(runWorker(args, os.Stdin, os.Stdout, os.Stderr))
	case "config":
		os.Exit(runConfigNoun(args, os.Stdout, os.Stderr))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("testhive version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(exitError)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `testhive - parallel test runner with isolated workers

Usage:
  testhive <command> [flags]

Commands:
  run            Discover and run tests
  config check   Validate configuration
  watch          Live monitor for a running controller's API
  version        Show version information
  help           Show this help message

Run flags:
  --config PATH  Configuration file or directory (default ".")
  --workers N    Override runner.worker_limit
  --retries N    Override runner.retry_count
  --local        Run tests in-process instead of in worker processes
  --no-color     Plain report output

Watch flags:
  --url URL      Controller API address (default http://127.0.0.1:8080)
  --token TOKEN  Bearer token (default $TESTHIVE_API_TOKEN)

'testhive worker' is started by the controller and refuses to run standalone.
`)
}

func runTests(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	workers := fs.Int("workers", 0, "Override runner.worker_limit")
	retries := fs.Int("retries", -1, "Override runner.retry_count")
	local := fs.Bool("local", false, "Run tests in-process")
	noColor := fs.Bool("no-color", false, "Plain report output")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if *workers > 0 {
		cfg.Runner.WorkerLimit = *workers
	}
	if *retries >= 0 {
		cfg.Runner.RetryCount = *retries
	}
	if *local {
		cfg.Runner.LocalWorker = true
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("testhive starting", "version", version, "config", *configPath, "config_hash", cfg.Hash)

	stateDir := filepath.Dir(cfg.State.Path)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		logger.Error("failed to create state directory", "path", stateDir, "error", err)
		return exitError
	}
	stateLock, err := lock.Acquire(stateDir)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			if pid, ok := lock.Holder(stateDir); ok {
				logger.Error("state directory is in use", "path", stateDir, "pid", pid)
				return exitError
			}
		}
		logger.Error("failed to lock state directory", "path", stateDir, "error", err)
		return exitError
	}
	defer func() { _ = stateLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return exitError
	}
	defer func() { _ = db.Close() }()

	collector := metrics.New()
	r, err := runner.New(ctx, runner.Options{Config: cfg, DB: db, Metrics: collector})
	if err != nil {
		logger.Error("failed to start run", "error", err)
		return exitError
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Runner.KillGrace+5*time.Second)
		defer cancel()
		if err := r.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if cfg.API.Enabled {
		hub := api.NewEventHub(256)
		hub.AttachPool(r.Pool())
		hub.AttachArbiter(r.Arbiter())
		srv := api.New(api.Config{
			Listen:  cfg.API.Listen,
			Token:   cfg.API.Token,
			Metrics: collector.Handler(),
		}, r, hub, log.WithComponent("api"))

		apiCtx, cancelAPI := context.WithCancel(ctx)
		defer cancelAPI()
		go func() {
			if err := srv.Start(apiCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("API server stopped", "error", err)
			}
		}()
	}

	summary, err := r.Run(ctx)
	if err != nil {
		logger.Error("run failed", "run_id", r.RunID(), "error", err)
		return exitError
	}

	theme := report.NewDefaultTheme()
	if *noColor {
		theme = report.PlainTheme()
	}
	report.Render(stdout, summary, theme)

	switch summary.Status {
	case queue.RunPassed:
		return exitPassed
	case queue.RunAborted:
		return exitAborted
	default:
		return exitFailed
	}
}

// runWorker serves one worker process over stdin/stdout. Logs go to stderr,
// which the controller forwards.
func runWorker(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	parentPID := fs.Int("parent-pid", 0, "Controller process id")
	workerID := fs.String("worker-id", "", "Worker id assigned by the controller")
	debugPort := fs.Int("debug-port", 0, "Debug port reserved for this worker")
	logLevel := fs.String("log-level", "info", "Log level")
	logFormat := fs.String("log-format", "json", "Log format (json, text)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if *parentPID <= 0 {
		fmt.Fprintln(stderr, "testhive worker is started by 'testhive run' and cannot run standalone (missing --parent-pid)")
		return exitError
	}
	if *workerID == "" {
		fmt.Fprintln(stderr, "missing --worker-id")
		return exitError
	}

	log.Setup(*logLevel, *logFormat)
	logger := log.WithWorker(*workerID)
	logger.Debug("worker starting", "pid", os.Getpid(), "parent_pid", *parentPID, "debug_port", *debugPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	link := transport.NewStreamLink(stdin, stdout, nil)
	err := worker.RunChild(ctx, worker.ChildConfig{
		WorkerID:  *workerID,
		Link:      link,
		ParentPID: *parentPID,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("worker exited", "error", err)
		return exitFailed
	}
	return 0
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(stderr, "Usage: testhive config check [--config PATH]")
		return exitError
	}
	return runConfigCheck(args[1:], stdout, stderr)
}

func runConfigCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config invalid: %v\n", err)
		return exitFailed
	}

	fmt.Fprintln(stdout, "Config OK")
	for _, f := range cfg.SourceFiles {
		fmt.Fprintf(stdout, "  source: %s\n", f)
	}
	fmt.Fprintf(stdout, "  hash:   %s\n", cfg.Hash)
	fmt.Fprintf(stdout, "  tests:  %s %v\n", cfg.Tests.Root, cfg.Tests.Include)
	fmt.Fprintf(stdout, "  runner: workers=%d retries=%d timeout=%s\n",
		cfg.Runner.WorkerLimit, cfg.Runner.RetryCount, cfg.Runner.TestTimeout)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "http://127.0.0.1:8080", "Controller API address")
	token := fs.String("token", os.Getenv("TESTHIVE_API_TOKEN"), "Bearer token")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	p := tea.NewProgram(watch.New(*url, *token), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return exitError
	}
	return exitPassed
}
