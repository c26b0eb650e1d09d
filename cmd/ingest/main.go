// Package main provides the ingest CLI: queue accounts, run the worker,
// sweep for stale data and reap expired leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chess-ingest/internal/app"
	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/types"
	"github.com/chess-ingest/internal/worker"
)

const usage = `usage: ingest <command> [flags]

commands:
  enqueue  --platform chesscom --username a [--username b] [--interactive]
  run      --once | --loop
  plan     queue refreshes for stale accounts
  reap     requeue jobs whose lease expired
`

// usernames collects a repeatable --username flag
type usernames []string

func (u *usernames) String() string { return strings.Join(*u, ",") }

func (u *usernames) Set(v string) error {
	for _, name := range strings.Split(v, ",") {
		if name = strings.TrimSpace(name); name != "" {
			*u = append(*u, name)
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "enqueue":
		os.Exit(runEnqueue(ctx, cfg, args))
	case "run":
		os.Exit(runWorker(ctx, cfg, args))
	case "plan":
		os.Exit(runPlan(ctx, cfg))
	case "reap":
		os.Exit(runReap(ctx, cfg))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func open(ctx context.Context, cfg *config.Config) *app.App {
	a, err := app.New(ctx, cfg)
	if err != nil {
		logging.WithError(err).Fatal("Failed to start")
	}
	return a
}

func runEnqueue(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	platformFlag := fs.String("platform", "", "Platform: chesscom or lichess")
	interactive := fs.Bool("interactive", false, "Queue at interactive priority")
	var names usernames
	fs.Var(&names, "username", "Account to queue (repeatable)")
	_ = fs.Parse(args)

	platform, err := types.ParsePlatform(*platformFlag)
	if err != nil {
		log.Printf("Invalid --platform: %v", err)
		return 2
	}
	if len(names) == 0 {
		log.Print("At least one --username is required")
		return 2
	}

	a := open(ctx, cfg)
	defer a.Close()

	code := 0
	for _, name := range names {
		j, err := a.Planner.SeedAccount(ctx, platform, name, *interactive, time.Now())
		if err != nil {
			logging.WithError(err).WithField("username", name).Error("Failed to queue account")
			code = 1
			continue
		}
		fmt.Printf("%d\t%s\t%s\n", j.ID, j.Status, j.DedupeKey)
	}
	return code
}

func runWorker(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	once := fs.Bool("once", false, "Process at most one job and exit")
	loop := fs.Bool("loop", false, "Poll until interrupted")
	_ = fs.Parse(args)

	if *once == *loop {
		log.Print("Exactly one of --once or --loop is required")
		return 2
	}

	a := open(ctx, cfg)
	defer a.Close()

	if *once {
		outcome, err := a.Scheduler.RunOnce(ctx)
		logging.WithField("outcome", outcome).Info("Run finished")
		return exitCode(outcome, err)
	}

	if err := a.Scheduler.Run(ctx); err != nil {
		logging.WithError(err).Error("Worker stopped")
		return 1
	}
	return 0
}

func runPlan(ctx context.Context, cfg *config.Config) int {
	a := open(ctx, cfg)
	defer a.Close()

	queued, err := a.Planner.Sweep(ctx, time.Now())
	if err != nil {
		logging.WithError(err).Error("Staleness sweep failed")
		return 1
	}
	logging.Infof("Queued %d refresh jobs", queued)
	return 0
}

func runReap(ctx context.Context, cfg *config.Config) int {
	a := open(ctx, cfg)
	defer a.Close()

	n, err := a.Scheduler.Reap(ctx)
	if err != nil {
		logging.WithError(err).Error("Lease reap failed")
		return 1
	}
	logging.Infof("Requeued %d expired leases", n)
	return 0
}

// exitCode maps a single run to the process exit status
func exitCode(outcome worker.Outcome, err error) int {
	if err != nil || !outcome.Success() {
		return 1
	}
	return 0
}
