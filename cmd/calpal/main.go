// CalPal keeps remote Google calendars converged onto a PostgreSQL record
// store: it mirrors events between calendars, removes orphaned mirrors, and
// reconciles remote drift back to what the store says should exist.
//
// Usage:
//
//	calpal daemon [--config <path>]         # run scheduled passes until stopped
//	calpal sync-once [--config ...]         # one full cycle then exit
//	calpal sweep-orphans [--config ...]     # orphan sweep only
//	calpal repair [--config ...]            # status-drift repair only
//	calpal status [--config ...]            # show config and store state
//	calpal suppress [--config ...] <uid> <kind>  # stop mirroring a (uid, kind) pair
//	calpal version                          # print version
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
	"time"

	"calpal/internal/config"
	"calpal/internal/gcal"
	"calpal/internal/mirror"
	"calpal/internal/model"
	"calpal/internal/store"
	syncp "calpal/internal/sync"
	"calpal/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return withApp(os.Args[2:], func(ctx context.Context, app *app) error {
			app.log.Info("daemon starting")
			if err := app.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync engine: %w", err)
			}
			app.log.Info("shutdown complete")
			return nil
		})
	case "sync-once":
		return withApp(os.Args[2:], func(ctx context.Context, app *app) error {
			app.log.Info("running single cycle")
			return app.engine.RunOnce(ctx)
		})
	case "sweep-orphans":
		return withApp(os.Args[2:], func(ctx context.Context, app *app) error {
			var firstErr error
			swept := make(map[string]bool)
			for _, m := range app.cfg.Mirrors {
				if swept[m.TargetCalendar] {
					continue
				}
				swept[m.TargetCalendar] = true
				if _, err := app.orphans.Sweep(ctx, m.TargetCalendar); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		})
	case "repair":
		return withApp(os.Args[2:], func(ctx context.Context, app *app) error {
			for _, cal := range app.cfg.Calendars {
				repaired, err := app.store.RepairStatusDrift(ctx, cal.ID)
				if err != nil {
					return err
				}
				fmt.Printf("  %s: %d row(s) repaired\n", cal.ID, repaired)
			}
			return nil
		})
	case "status":
		return runStatus(os.Args[2:])
	case "suppress":
		return runSuppress(os.Args[2:])
	case "version":
		fmt.Println("calpal", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; run 'calpal' for usage", cmd)
	}
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "CalPal — calendar mirroring and reconciliation")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  calpal daemon [--config ...]         Run scheduled passes until stopped")
	fmt.Fprintln(os.Stderr, "  calpal sync-once [--config ...]      One full cycle then exit")
	fmt.Fprintln(os.Stderr, "  calpal sweep-orphans [--config ...]  Orphan sweep only")
	fmt.Fprintln(os.Stderr, "  calpal repair [--config ...]         Status-drift repair only")
	fmt.Fprintln(os.Stderr, "  calpal status [--config ...]         Show config and store state")
	fmt.Fprintln(os.Stderr, "  calpal suppress [--config ...] <uid> <kind>")
	fmt.Fprintln(os.Stderr, "                                       Stop mirroring a (uid, kind) pair")
	fmt.Fprintln(os.Stderr, "  calpal version                       Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found at %s.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Shared wiring -----------------------------------------------------------

// app bundles the wired components a subcommand works with.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	engine  *syncp.Engine
	orphans *mirror.OrphanDetector
}

// withApp parses common flags, wires every component, runs fn, and tears the
// stack down again.
func withApp(args []string, fn func(context.Context, *app) error) error {
	fs := flag.NewFlagSet("calpal", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"calendars", len(cfg.Calendars),
		"mirrors", len(cfg.Mirrors),
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer st.Close()
	logger.Info("record store ready")

	gw, err := gcal.New(ctx, cfg.GoogleCredentialsFile, cfg.AllowedCalendars, cfg.MinCallInterval, logger)
	if err != nil {
		return fmt.Errorf("initialising calendar client: %w", err)
	}

	manager := mirror.NewManager(st, gw, logger)
	orphans := mirror.NewOrphanDetector(st, gw, logger)
	reconciler := syncp.NewReconciler(st, gw, logger)
	engine := syncp.NewEngine(reconciler, manager, orphans, cfg, logger)

	return fn(ctx, &app{
		cfg:     cfg,
		log:     logger,
		store:   st,
		engine:  engine,
		orphans: orphans,
	})
}

// runSuppress marks a (uid, kind) pair do-not-mirror. Mirrors already created
// for the pair are cleaned up by the next orphan sweep once their sources are
// deleted; new ones are refused immediately.
func runSuppress(args []string) error {
	fs := flag.NewFlagSet("suppress", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: calpal suppress [--config ...] <ical-uid> <kind>")
	}
	uid, kind := fs.Arg(0), model.Kind(fs.Arg(1))

	switch kind {
	case model.KindOrganic, model.KindClass, model.KindBooking,
		model.KindMeetingInvitation, model.KindMirror:
	default:
		return fmt.Errorf("unknown kind %q", fs.Arg(1))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer st.Close()

	if err := st.MarkDoNotMirror(ctx, uid, kind); err != nil {
		return err
	}
	fmt.Printf("suppressed mirroring for %s (%s)\n", uid, kind)
	return nil
}

// runStatus prints the configuration and record-store state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("CalPal Status")
	fmt.Println("─────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:     %s (invalid: %v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:     %s ✓\n", *cfgPath)
	fmt.Printf("  Calendars:  %d reconciled, %d mirror mapping(s)\n", len(cfg.Calendars), len(cfg.Mirrors))
	fmt.Printf("  Allow-list: %d calendar(s)\n", len(cfg.AllowedCalendars))
	fmt.Printf("  Window:     -%dd … +%dd\n", cfg.Window.LookbackDays, cfg.Window.LookaheadDays)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Printf("  Store:      unreachable (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("  Store:      reachable, stats failed (%v)\n", err)
		return nil
	}
	fmt.Printf("  Store:      %d active record(s)\n", stats.TotalActive)
	for kind, n := range stats.ByKind {
		fmt.Printf("    %-12s %d\n", kind+":", n)
	}
	return nil
}
