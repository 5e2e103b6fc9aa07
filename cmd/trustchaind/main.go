// Command trustchaind runs the durable task queue daemon: SQLite-backed
// queue, worker engine, signed audit chain, cron scheduler, and the HTTP
// gateway.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/config"
	"github.com/petro1eum/TrustChain-Agent/internal/coordinator"
	"github.com/petro1eum/TrustChain-Agent/internal/cron"
	"github.com/petro1eum/TrustChain-Agent/internal/engine"
	"github.com/petro1eum/TrustChain-Agent/internal/gateway"
	otelPkg "github.com/petro1eum/TrustChain-Agent/internal/otel"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/telemetry"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Start the daemon (default when no subcommand)
  %s status                   Show daemon health (/healthz)
  %s enqueue <slug> [json]    Enqueue a task directly into the store
  %s verify                   Verify the trust chain and print the report
  %s backup [dest]            Snapshot the database via VACUUM INTO
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TRUSTCHAIN_HOME             Data directory (default: ~/.trustchain)
  TRUSTCHAIN_AUTH_TOKEN       Bearer token for the HTTP API
  TRUSTCHAIN_RUNNER_URL       External task runner endpoint
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "serve":
			// fall through to the daemon below
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "enqueue":
			os.Exit(runEnqueueCommand(ctx, args[1:]))
		case "verify":
			os.Exit(runVerifyCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServe(ctx, stop)
}

func runServe(ctx context.Context, stop context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DatabasePath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath)

	requeued, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	chain, err := trustchain.New(ctx, trustchain.Config{
		Store:      store,
		Bus:        eventBus,
		MirrorPath: cfg.ChainMirrorPath,
	})
	if err != nil {
		fatalStartup(logger, "E_CHAIN_INIT", err)
	}
	defer chain.Close()
	logger.Info("startup phase", "phase", "chain_loaded",
		"length", chain.Length(), "key_id", chain.KeyInfo().KeyID)

	if err := seedTriggers(ctx, store, cfg); err != nil {
		fatalStartup(logger, "E_TRIGGER_SEED", err)
	}
	if err := seedSchedules(ctx, store, cfg); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SEED", err)
	}

	var proc engine.Processor
	if cfg.RunnerURL != "" {
		proc = engine.NewHTTPProcessor(cfg.RunnerURL)
		logger.Info("using http task runner", "url", cfg.RunnerURL)
	} else {
		proc = engine.EchoProcessor{}
		logger.Info("no runner_url configured; using echo processor")
	}

	eng := engine.New(store, proc, engine.Config{
		WorkerCount:   cfg.WorkerCount,
		PollInterval:  cfg.PollInterval(),
		TaskTimeout:   cfg.TaskTimeout(),
		MaxQueueDepth: cfg.MaxQueueDepth,
		Bus:           eventBus,
		Chain:         chain,
	})
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.WorkerCount)

	cronSched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   logger,
		Interval: cfg.CronInterval(),
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	retrier := coordinator.New(store, logger)

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Chain:             chain,
		Coordinator:       retrier,
		Engine:            eng,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		CORS:              cfg.CORS,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				// Live reload is restart-only for now; surface the change so
				// operators know the running config is stale.
				logger.Warn("config changed on disk; restart to apply", "path", ev.Path)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first, then drain workers. Tasks still running after the
	// drain budget are reclaimed by lease expiry on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	eng.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete")
}

func seedTriggers(ctx context.Context, store *persistence.Store, cfg config.Config) error {
	for _, t := range cfg.Triggers {
		err := store.UpsertTrigger(ctx, persistence.Trigger{
			Name:        t.Name,
			Slug:        t.Slug,
			Secret:      t.ResolvedSecret(),
			CooldownSec: t.CooldownSeconds,
		})
		if err != nil {
			return fmt.Errorf("register trigger %q: %w", t.Name, err)
		}
	}
	return nil
}

func seedSchedules(ctx context.Context, store *persistence.Store, cfg config.Config) error {
	existing, err := store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, s := range existing {
		known[s.Name] = true
	}
	for _, s := range cfg.Schedules {
		if known[s.Name] {
			continue
		}
		next, err := cron.NextRunTime(s.Cron, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		if _, err := store.CreateSchedule(ctx, s.Name, s.Slug, s.Cron, s.Payload, next); err != nil {
			return fmt.Errorf("create schedule %q: %w", s.Name, err)
		}
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"trustchaind","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file if present. Existing
// env vars win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
