package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/basket/groupmux/internal/audit"
	"github.com/basket/groupmux/internal/bus"
	"github.com/basket/groupmux/internal/channels"
	"github.com/basket/groupmux/internal/config"
	"github.com/basket/groupmux/internal/doctor"
	"github.com/basket/groupmux/internal/executor"
	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/ipc"
	otelPkg "github.com/basket/groupmux/internal/otel"
	"github.com/basket/groupmux/internal/persistence"
	"github.com/basket/groupmux/internal/queue"
	"github.com/basket/groupmux/internal/registry"
	"github.com/basket/groupmux/internal/runner"
	"github.com/basket/groupmux/internal/scheduler"
	"github.com/basket/groupmux/internal/session"
	"github.com/basket/groupmux/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the host daemon

SUBCOMMANDS:
  %s register -jid <jid> -name <name> -folder <folder> [-trigger <word>] [-channel <name>]
                              Register a group directly in the store
  %s groups                   List registered groups
  %s tasks                    List scheduled tasks
  %s doctor [-json]           Run diagnostic checks

ENVIRONMENT VARIABLES:
  GROUPMUX_HOME           Data directory (default: ~/.groupmux)
  TELEGRAM_BOT_TOKEN      Overrides channels.telegram.token

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	homeFlag := flag.String("home", "", "data directory (overrides GROUPMUX_HOME)")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "register":
			os.Exit(runRegisterCommand(ctx, homeDir, args[1:]))
		case "groups":
			os.Exit(runGroupsCommand(ctx, homeDir))
		case "tasks":
			os.Exit(runTasksCommand(ctx, homeDir))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, homeDir, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:         cfg.Metrics.Enabled,
		Exporter:        cfg.Metrics.Exporter,
		IntervalSeconds: cfg.Metrics.IntervalSeconds,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	recorder := otelPkg.NewRecorder(eventBus, metrics)
	defer recorder.Close()

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	paths := group.Paths{DataDir: cfg.DataDir(), GroupsDir: cfg.GroupsDir()}

	reg, err := registry.New(ctx, store, paths, logger)
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_INIT", err)
	}
	sessions, err := session.NewManager(ctx, store, logger)
	if err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}

	runtime, err := runner.NewDockerRuntime()
	if err != nil {
		fatalStartup(logger, "E_DOCKER_INIT", err)
	}
	defer runtime.Close()

	router := channels.NewRouter(eventBus)

	// Scheduler and executor reference each other: the scheduler submits
	// claimed runs to the executor's queue, the executor reports completions
	// back. Break the cycle with a late-bound submit func.
	var exec *executor.Executor
	sched := scheduler.New(scheduler.Config{
		Store:        store,
		Location:     cfg.Location(),
		PollInterval: cfg.SchedulerPollInterval(),
		Submit: func(folder string, task queue.Task) {
			exec.SubmitTask(folder, task)
		},
		KnownFolder: func(folder string) bool {
			_, err := reg.ByFolder(context.Background(), folder)
			return err == nil
		},
		Logger:         logger,
		Bus:            eventBus,
		ResultMaxChars: cfg.TaskResultMaxChars,
	})

	containerEnv := buildContainerEnv(cfg)
	exec = executor.New(executor.Config{
		Paths:             paths,
		MainGroupFolder:   cfg.MainGroupFolder,
		Registry:          reg,
		Sessions:          sessions,
		Scheduler:         sched,
		Runtime:           runtime,
		Outbound:          router,
		Logger:            logger,
		Bus:               eventBus,
		ContainerImage:    cfg.ContainerImage,
		ContainerMemoryMB: cfg.ContainerMemoryMB,
		ContainerNetwork:  cfg.ContainerNetwork,
		ContainerEnv:      containerEnv,
		IdleTimeout:       cfg.IdleTimeout(),
		HardTimeout:       cfg.HardTimeout(),
		MaxOutputBytes:    cfg.ContainerMaxOutputBytes,
		IPCPollInterval:   cfg.IPCPollInterval(),
		MaxConcurrent:     cfg.MaxConcurrentContainers,
		MaxRetries:        cfg.MaxRetries,
		RetryBase:         cfg.RetryBase(),
		RetryMax:          cfg.RetryMax(),
	})

	if err := otelPkg.RegisterQueueObserver(otelProvider.Meter, exec.QueueStats); err != nil {
		logger.Warn("queue depth metric unavailable", "error", err)
	}

	if cfg.Channels.Telegram.Enabled {
		router.Register(channels.NewTelegramChannel(cfg.Channels.Telegram.Token, exec.HandleInbound, logger))
	}
	if cfg.Channels.WhatsApp.Enabled {
		router.Register(channels.NewWhatsAppChannel(cfg.Channels.WhatsApp.BridgeURL, cfg.MessagePollInterval(), exec.HandleInbound, logger))
	}
	if len(router.Channels()) == 0 {
		logger.Warn("no delivery channels enabled; workers can still run scheduled tasks")
	}

	dispatcher := ipc.NewDispatcher(ipc.DispatcherConfig{
		Paths:           paths,
		MainGroupFolder: cfg.MainGroupFolder,
		Tasks:           sched,
		Registry:        reg,
		Sessions:        sessions,
		Outbound:        router,
		Logger:          logger,
		Bus:             eventBus,
	})
	watcher := ipc.NewWatcher(paths, cfg.IPCFallbackInterval(), func(ctx context.Context, folder string) {
		if err := dispatcher.ProcessCommandsDir(ctx, folder); err != nil {
			logger.Warn("process commands dir", "folder", folder, "error", err)
		}
		if err := dispatcher.ProcessMessagesDir(ctx, folder); err != nil {
			logger.Warn("process messages dir", "folder", folder, "error", err)
		}
	}, logger)

	exec.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_IPC_WATCHER_START", err)
	}
	for _, ch := range router.Channels() {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "error", err)
			}
		}()
	}
	logger.Info("startup phase", "phase", "running",
		"main_group", cfg.MainGroupFolder,
		"max_concurrent", cfg.MaxConcurrentContainers,
		"timezone", cfg.Timezone)

	<-ctx.Done()
	logger.Info("shutdown started")

	// Stop intake first so nothing new is claimed, then detach from workers.
	watcher.Stop()
	sched.Stop()
	exec.Stop()
	logger.Info("shutdown complete")
}

// buildContainerEnv passes selected .env entries through to workers without
// loading them into the host process environment.
func buildContainerEnv(cfg config.Config) []string {
	values := config.ReadEnvFile(cfg.HomeDir, cfg.ContainerEnvKeys)
	env := make([]string, 0, len(values)+1)
	for _, key := range cfg.ContainerEnvKeys {
		if v, ok := values[key]; ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "TZ="+cfg.Timezone)
	return env
}

func runRegisterCommand(ctx context.Context, homeDir string, args []string) int {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	jid := fs.String("jid", "", "chat identifier (required)")
	name := fs.String("name", "", "display name (required)")
	folder := fs.String("folder", "", "group folder name (required)")
	trigger := fs.String("trigger", "", "trigger word")
	channel := fs.String("channel", "whatsapp", "delivery channel")
	requiresTrigger := fs.Bool("requires-trigger", true, "only react to messages containing the trigger")
	_ = fs.Parse(args)

	if *jid == "" || *name == "" || *folder == "" {
		fmt.Fprintln(os.Stderr, "register: -jid, -name and -folder are required")
		fs.Usage()
		return 2
	}

	_, store, reg, err := openStoreAndRegistry(ctx, homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := reg.Register(ctx, group.Registered{
		JID:             *jid,
		Name:            *name,
		Folder:          *folder,
		Trigger:         *trigger,
		Channel:         *channel,
		RequiresTrigger: *requiresTrigger,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		return 1
	}
	fmt.Printf("registered %s -> %s\n", *jid, *folder)
	return 0
}

func runGroupsCommand(ctx context.Context, homeDir string) int {
	_, store, reg, err := openStoreAndRegistry(ctx, homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	groups := reg.All()
	sort.Slice(groups, func(i, j int) bool { return groups[i].Folder < groups[j].Folder })
	if len(groups) == 0 {
		fmt.Println("no groups registered")
		return 0
	}
	for _, g := range groups {
		trigger := g.Trigger
		if !g.RequiresTrigger {
			trigger = "(always on)"
		}
		fmt.Printf("%-20s %-30s %-10s %s\n", g.Folder, g.JID, g.Channel, trigger)
	}
	return 0
}

func runTasksCommand(ctx context.Context, homeDir string) int {
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	tasks, err := store.ListScheduledTasks(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(tasks) == 0 {
		fmt.Println("no scheduled tasks")
		return 0
	}
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-36s %-12s %-10s next=%-22s %s\n", t.ID, t.GroupFolder, t.Status, next, t.Prompt)
	}
	return 0
}

func runDoctorCommand(ctx context.Context, homeDir string, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON instead of text")
	_ = fs.Parse(args)

	var cfgPtr *config.Config
	if cfg, err := config.Load(homeDir); err == nil {
		cfgPtr = &cfg
	} else {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}

	d := doctor.Run(ctx, cfgPtr, Version)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		fmt.Printf("groupmux %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("  [%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}
	if d.Failed() {
		return 1
	}
	return 0
}

func openStoreAndRegistry(ctx context.Context, homeDir string) (config.Config, *persistence.Store, *registry.Service, error) {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	paths := group.Paths{DataDir: cfg.DataDir(), GroupsDir: cfg.GroupsDir()}
	reg, err := registry.New(ctx, store, paths, slog.New(slog.DiscardHandler))
	if err != nil {
		_ = store.Close()
		return config.Config{}, nil, nil, err
	}
	return cfg, store, reg, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"host","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
