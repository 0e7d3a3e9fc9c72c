package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kitamura-tetsuo/auto-coder/internal/backend"
	"github.com/kitamura-tetsuo/auto-coder/internal/checkrun"
	"github.com/kitamura-tetsuo/auto-coder/internal/config"
	"github.com/kitamura-tetsuo/auto-coder/internal/engine"
	"github.com/kitamura-tetsuo/auto-coder/internal/githubapi"
	"github.com/kitamura-tetsuo/auto-coder/internal/gitops"
	"github.com/kitamura-tetsuo/auto-coder/internal/lock"
	"github.com/kitamura-tetsuo/auto-coder/internal/logging"
	"github.com/kitamura-tetsuo/auto-coder/internal/queue"
	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
	"github.com/kitamura-tetsuo/auto-coder/internal/server"
	"github.com/kitamura-tetsuo/auto-coder/internal/store"
)

var version = "dev"

func usage() {
	fmt.Fprint(os.Stderr, `auto-coder — GitHub issue and PR automation daemon

Usage:
  autocoder serve [flags]     Run the daemon: poll, webhook intake, process
  autocoder process [flags]   Process a single issue or PR, then exit
  autocoder check [flags]     Validate the configuration and exit
  autocoder version           Print the version

Flags:
  --config PATH   Config file (default: discover .auto-coder/config.yaml)
  --dry-run       Log actions instead of performing them
  --issue N       (process) Issue number to process
  --pr N          (process) Pull request number to process
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "process":
		err = runProcess(rest)
	case "check":
		err = runCheck(rest)
	case "--version", "version":
		fmt.Println("autocoder " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "autocoder %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dryRun     bool
	issue      int
	pr         int
}

func parseFlags(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--dry-run":
			f.dryRun = true
		case "--issue":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &f.issue)
				i++
			}
		case "--pr":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &f.pr)
				i++
			}
		}
	}
	return f
}

func runCheck(args []string) error {
	f := parseFlags(args)
	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		return err
	}
	issues := cfg.Validate()
	for _, issue := range issues {
		fmt.Fprintf(os.Stderr, "  %s\n", issue)
	}
	if len(issues) > 0 {
		return fmt.Errorf("%d issue(s) found", len(issues))
	}
	fmt.Println("configuration ok")
	return nil
}

// deps is everything the serve and process commands share.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	db       *store.Store
	gh       *githubapi.Client
	engine   *engine.Engine
	q        *queue.Queue
	hub      *server.Hub
}

func buildDeps(f flags) (*deps, error) {
	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.dryRun {
		cfg.DryRun = true
	}

	logger, closeLog, err := logging.Setup(cfg.LogFile, cfg.LogLevel, false)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var ghOpts []githubapi.Option
	if cfg.GitHub.BaseURL != "" {
		ghOpts = append(ghOpts, githubapi.WithBaseURL(cfg.GitHub.BaseURL))
	}
	if app := cfg.GitHub.App; app != nil {
		ghOpts = append(ghOpts, githubapi.WithAppAuth(githubapi.AppCredentials{
			ClientID:       app.ClientID,
			InstallationID: app.InstallationID,
			PrivateKeyPath: app.PrivateKeyPath,
		}))
	}
	gh, err := githubapi.New(os.Getenv(cfg.GitHub.TokenEnv), ghOpts...)
	if err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("creating github client: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		db.Close()
		closeLog()
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	provider := backend.NewProvider(func() (*backend.Manager, error) {
		return backend.NewManager(backend.Config{
			Order:   cfg.Backends.Order,
			Models:  cfg.Backends.Models,
			WorkDir: workDir,
			Logger:  logger,
		})
	})

	git := gitops.NewGit(workDir)
	hub := server.NewHub(logger)
	q := queue.New()

	recorder := &publishingRecorder{store: db, hub: hub}

	lockOpts := lock.Options{
		Enabled: cfg.LabelsEnabled(),
		DryRun:  cfg.DryRun,
		Label:   cfg.Labels.InProgress,
	}

	sel := selector.New(gh, db, selector.Options{
		Owner:              cfg.Owner(),
		Repo:               cfg.Name(),
		LockLabel:          cfg.Labels.InProgress,
		DependabotInterval: cfg.Dependabot.Interval.Std(),
		JulesMode:          cfg.JulesMode,
		DryRun:             cfg.DryRun,
	}, logger)

	eng, err := engine.New(engine.Config{
		Owner:       cfg.Owner(),
		Repo:        cfg.Name(),
		MainBranch:  cfg.MainBranch,
		MergeMethod: cfg.MergeMethod,
		DryRun:      cfg.DryRun,
		JulesMode:   cfg.JulesMode,
		GitHub:      gh,
		Selector:    sel,
		Checks:      checkrun.New(gh),
		Git:         git,
		Syncer:      gitops.NewResolver(git, logger),
		Queue:       q,
		Store:       recorder,
		Lock:        lockOpts,
		Backends: func() (engine.PromptRunner, error) {
			return provider.Get()
		},
		Logger: logger,
	})
	if err != nil {
		db.Close()
		closeLog()
		return nil, err
	}

	return &deps{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		db:       db,
		gh:       gh,
		engine:   eng,
		q:        q,
		hub:      hub,
	}, nil
}

func (d *deps) close() {
	d.q.Close()
	d.db.Close()
	d.closeLog()
}

func runProcess(args []string) error {
	f := parseFlags(args)
	if (f.issue == 0) == (f.pr == 0) {
		return fmt.Errorf("exactly one of --issue or --pr is required")
	}

	d, err := buildDeps(f)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.pr != 0 {
		return d.engine.ProcessSingle(ctx, selector.KindPR, f.pr)
	}
	return d.engine.ProcessSingle(ctx, selector.KindIssue, f.issue)
}

func runServe(args []string) error {
	f := parseFlags(args)

	d, err := buildDeps(f)
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := d.cfg

	// --- 1. HTTP server: webhook intake, activity API, websocket stream ---
	srv := server.New(server.Config{
		Addr:       cfg.Webhook.Addr,
		Secret:     []byte(os.Getenv(cfg.Webhook.SecretEnv)),
		ReadyDelay: cfg.Webhook.ReadyDelay.Std(),
		Repo:       cfg.Repo,
		Allowed:    cfg.RepoAllowed,
		Queue:      d.q,
		Activity:   d.db,
		Hub:        d.hub,
		Logger:     d.logger,
	})
	go func() {
		if err := srv.Start(); err != nil {
			d.logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	// --- 2. Poll loop: one batch immediately, then on the interval ---
	d.logger.Info("daemon starting",
		"repo", cfg.Repo,
		"poll_interval", cfg.PollInterval.Std(),
		"dry_run", cfg.DryRun,
	)

	ticker := time.NewTicker(cfg.PollInterval.Std())
	defer ticker.Stop()

	runBatch := func() {
		if err := d.engine.Run(ctx); err != nil {
			d.logger.Error("batch failed", "error", err)
		}
	}
	runBatch()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			runBatch()
		}
	}

	// --- 3. Graceful shutdown ---
	fmt.Fprintln(os.Stderr, "\nshutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// publishingRecorder writes activity to the store and mirrors it onto the
// websocket stream.
type publishingRecorder struct {
	store *store.Store
	hub   *server.Hub
}

func (r *publishingRecorder) RecordDependabotRun(repo string, at time.Time) error {
	return r.store.RecordDependabotRun(repo, at)
}

func (r *publishingRecorder) LogActivity(repo, kind string, number int, eventType, detail string) error {
	if r.hub != nil {
		r.hub.Publish(map[string]any{
			"type":   "activity",
			"repo":   repo,
			"kind":   kind,
			"number": number,
			"event":  eventType,
			"detail": detail,
		})
	}
	return r.store.LogActivity(repo, kind, number, eventType, detail)
}
