package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/rho-bridge/internal/config"
	"github.com/basket/rho-bridge/internal/supervisor"
	"github.com/basket/rho-bridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

WORKER MODE (default):
  %s                          Run the Telegram bridge worker
  %s run                      Same as above

SUBCOMMANDS:
  %s check                    Ask a running worker to poll now
  %s status                   Show worker state, lease owner, and queues
  %s approve <pin>            Approve a pending access request by PIN

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RHO_TELEGRAM_HOME       Bridge data directory (default: ~/.rho/telegram)
  TELEGRAM_BOT_TOKEN      Bot API token (name configurable via bot_token_env)
  TELEGRAM_BOT_USERNAME   Bot username for group mention handling
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(config.DefaultHome())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return
	case "check":
		os.Exit(runCheckCommand(settings))
	case "status":
		os.Exit(runStatusCommand(settings))
	case "approve":
		os.Exit(runApproveCommand(settings, args[1:]))
	case "run":
		os.Exit(runWorker(ctx, settings))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runWorker(ctx context.Context, settings *config.Settings) int {
	// Echo logs to stdout only for interactive runs; the rotating file gets
	// everything either way.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		Path:     settings.Path("log.jsonl"),
		Quiet:    quiet,
		MaxBytes: settings.LogMaxBytes,
		MaxFiles: settings.LogMaxFiles,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("starting telegram worker", "version", Version, "home", settings.HomeDir)

	sup, err := supervisor.New(supervisor.Config{Settings: settings, Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := sup.Run(ctx); err != nil {
		var contention *supervisor.ContentionError
		if errors.As(err, &contention) {
			fmt.Fprintln(os.Stderr, contention.Error())
			return 1
		}
		logger.Error("worker exited", "error", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
