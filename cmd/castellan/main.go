package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Masterminds/semver/v3"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/castellan-dev/castellan/internal/api"
	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/config"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/container/sim"
	"github.com/castellan-dev/castellan/internal/core"
	"github.com/castellan-dev/castellan/internal/history"
	"github.com/castellan-dev/castellan/internal/jobs"
	"github.com/castellan-dev/castellan/internal/lock"
	"github.com/castellan-dev/castellan/internal/log"
	"github.com/castellan-dev/castellan/internal/notify"
	"github.com/castellan-dev/castellan/internal/plugins"
	"github.com/castellan-dev/castellan/internal/sysinfo"
	"github.com/castellan-dev/castellan/internal/tasks"
	"github.com/castellan-dev/castellan/internal/tui/watch"
	"github.com/castellan-dev/castellan/internal/updater"
)

const version = "2026.8.1"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "check":
		os.Exit(runCheck(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("castellan version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`castellan - single-host container supervision daemon

Usage:
  castellan <command> [flags]

Commands:
  start                 Run the supervisor in the foreground
  check                 Validate configuration and host environment
  config hash-update    Authorize the current config (rewrite checksums)
  watch                 Live plugin dashboard (TUI)
  version               Show version information
  help                  Show this help message

Start flags:
  --config PATH         Configuration file (default: discovery)

Check flags:
  --config PATH, --json

Watch flags:
  --api-url URL         API base URL (default http://127.0.0.1:8095)
  --api-key KEY         Bearer token (default $CASTELLAN_API_KEY)
`)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// resolveConfigPath honors an explicit --config value and otherwise
// falls back to discovery.
func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return config.DiscoverConfigPath()
}

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("castellan starting", "version", version, "config", path)

	// Integrity gate before anything acts on the config.
	if err := config.VerifyChecksums(path); err != nil {
		if errors.Is(err, config.ErrNoManifest) {
			logger.Warn("config has no checksum manifest", "hint", "run 'castellan config hash-update'")
		} else if cfg.Integrity.Enforce {
			logger.Error("config integrity check failed", "error", err)
			return 1
		} else {
			logger.Warn("config integrity check failed", "error", err)
		}
	}

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := history.Open(ctx, cfg.HistoryDBPath())
	if err != nil {
		logger.Error("failed to open history database", "path", cfg.HistoryDBPath(), "error", err)
		return 1
	}
	defer store.Close()

	b := bus.New(log.WithComponent("bus"))
	c := core.New(b, log.WithComponent("core"))

	// Late-bound so job conditions can consult components built below.
	var mgr *plugins.Manager
	var upd *updater.Updater

	conn := sysinfo.NewConnectivity(
		cfg.Connectivity.DNSProbeHost,
		cfg.Connectivity.DialProbeAddr,
		cfg.Connectivity.TTL.Std(),
		b,
		log.WithComponent("sysinfo"),
	)
	conds := sysinfo.NewConditions(sysinfo.Options{
		DataDir:        cfg.DataDir,
		FreeSpaceMinGB: cfg.Jobs.FreeSpaceMinGB,
		OSMarkerPath:   cfg.OS.MarkerFile,
		AgentUnit:      cfg.Systemd.AgentUnit,
		Running:        c.Running,
		Healthy: func() error {
			if mgr == nil {
				return nil
			}
			return mgr.Healthy()
		},
		SupervisorUpdated: func() bool {
			if upd == nil {
				return true
			}
			return upd.SupervisorUpToDate()
		},
	}, conn, log.WithComponent("sysinfo"))

	reg := jobs.NewRegistry(conds, log.WithComponent("jobs"))
	reg.SetIgnoredConditions(cfg.IgnoredConditions())

	recorder := history.NewRecorder(store, b, log.WithComponent("history"))
	reg.SetObserver(recorder)

	var sinks []notify.Sink
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	notifier := notify.New(notify.Options{RatePerMinute: cfg.Notify.RatePerMinute},
		log.WithComponent("notify"), sinks...)

	upd = updater.New(updater.Options{
		ChannelURL:        cfg.Updater.Endpoint,
		Interval:          cfg.Updater.MinInterval.Std(),
		SupervisorVersion: semver.MustParse(version),
		CurrentVersions: func() map[string]*semver.Version {
			if mgr == nil {
				return nil
			}
			out := make(map[string]*semver.Version)
			for _, s := range mgr.All() {
				out[s.Name()] = s.Version()
			}
			return out
		},
	}, reg, b, log.WithComponent("updater"))

	instanceFor := buildRuntime(cfg, b, log.WithComponent("engine"))

	mgr = plugins.NewManager(
		buildSupervisors(cfg, b, reg, notifier, instanceFor),
		b,
		notifier,
		cfg.Service.StopPluginsOnShutdown,
		log.WithComponent("plugins"),
	)

	c.Set(core.StateSetup)

	c.Set(core.StateStartup)
	if err := mgr.Load(ctx); err != nil {
		// Failed plugins are already alerted; the host is better off
		// with a partial plugin set than with no supervisor.
		logger.Warn("some plugins failed to load", "error", err)
	}

	runner := tasks.NewRunner(log.WithComponent("tasks"))
	if err := scheduleTasks(runner, cfg, mgr, conn, upd, store); err != nil {
		logger.Error("failed to schedule tasks", "error", err)
		return 1
	}
	runner.Start()

	errCh := make(chan error, 2)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:       cfg.API.Listen,
			APIKey:       cfg.API.APIKey,
			IngestSecret: cfg.API.IngestHMACSecret,
			Version:      version,
		}, mgr, store, c, conn, upd, b, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	watcher, err := config.NewWatcher(path, func(next *config.Config) {
		log.SetLevel(next.LogLevel)
		reg.SetIgnoredConditions(next.IgnoredConditions())
		for name, pc := range next.Plugins {
			_ = mgr.SetWatchdog(name, next.Watchdog.Enabled && pc.Watchdog && pc.Enabled)
		}
	}, b, log.WithComponent("config"))
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	c.Set(core.StateRunning)
	logger.Info("castellan running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
	}

	c.Set(core.StateShutdown)
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace.Std())
	mgr.Shutdown(shutdownCtx)
	shutdownCancel()

	recorder.Close()
	c.Set(core.StateClose)
	b.Close()

	logger.Info("castellan stopped")
	return 0
}

// buildRuntime selects the container engine. sim keeps the whole loop
// in-process; external mirrors engine state reported through the ingest
// endpoint into a local view.
func buildRuntime(cfg *config.Config, b *bus.Bus, logger *slog.Logger) func(string) container.Instance {
	switch cfg.Runtime.Mode {
	case "sim":
		rt := sim.New(logger, func(ev container.StateEvent) {
			b.Fire(bus.EventContainerStateChange, ev)
		}, sim.Options{
			StartFailures: cfg.Runtime.Sim.StartFailures,
			Preinstalled:  cfg.Runtime.Sim.Preinstalled,
		})
		return rt.Instance
	default:
		rt := sim.New(logger, nil, sim.Options{Preinstalled: true})
		b.Register(bus.EventContainerStateChange, "engine_mirror", func(ctx context.Context, msg bus.Message) {
			if ev, ok := msg.Payload.(container.StateEvent); ok {
				rt.MirrorState(ev.Name, ev.State)
			}
		})
		return rt.Instance
	}
}

// buildSupervisors assembles the enabled plugin set from config.
func buildSupervisors(cfg *config.Config, b *bus.Bus, reg *jobs.Registry, alerter plugins.Alerter, instanceFor func(string) container.Instance) []*plugins.Supervisor {
	pluginCfgs := make(map[string]plugins.PluginConfig, len(cfg.Plugins))
	for name, pc := range cfg.Plugins {
		conf := plugins.PluginConfig{Watchdog: cfg.Watchdog.Enabled && pc.Watchdog}
		if pc.Version != "" {
			conf.Pinned = semver.MustParse(pc.Version)
		}
		pluginCfgs[name] = conf
	}

	all := plugins.Build(plugins.Deps{
		Bus:             b,
		Jobs:            reg,
		Alerter:         alerter,
		Log:             log.WithComponent("plugins"),
		Runtime:         instanceFor,
		ContainerPrefix: cfg.Runtime.ContainerPrefix,
		WatchdogRetry:   cfg.Watchdog.RetryDelay.Std(),
	}, pluginCfgs)

	enabled := make([]*plugins.Supervisor, 0, len(all))
	for _, s := range all {
		if pc, ok := cfg.Plugins[s.Name()]; !ok || pc.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// scheduleTasks registers the recurring maintenance work.
func scheduleTasks(runner *tasks.Runner, cfg *config.Config, mgr *plugins.Manager, conn *sysinfo.Connectivity, upd *updater.Updater, store *history.Store) error {
	list := []tasks.Task{
		{
			Name:     "connectivity_refresh",
			Schedule: cfg.Connectivity.RefreshSchedule,
			Run:      func(ctx context.Context) { conn.Refresh(ctx) },
		},
		{
			Name:     "updater_refresh",
			Schedule: cfg.Updater.RefreshSchedule,
			Run:      func(ctx context.Context) { _ = upd.Refresh(ctx) },
		},
		{
			Name:     "history_prune",
			Schedule: cfg.History.PruneSchedule,
			Run:      func(ctx context.Context) { _ = store.Prune(ctx, cfg.History.Retention.Std()) },
		},
	}
	if cfg.Watchdog.Enabled {
		list = append(list, tasks.Task{
			Name:     "watchdog_sweep",
			Schedule: cfg.Watchdog.SweepSchedule,
			Run:      mgr.WatchdogSweep,
		})
	}

	for _, t := range list {
		if err := runner.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func runWatch(args []string) int {
	fs := newFlagSet("watch")
	apiURL := fs.String("api-url", "http://127.0.0.1:8095", "API base URL")
	apiKey := fs.String("api-key", os.Getenv("CASTELLAN_API_KEY"), "Bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "No API key: pass --api-key or set CASTELLAN_API_KEY")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}
