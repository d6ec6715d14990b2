// Command tilecast partitions a raster prediction task into spatial
// tiles, runs the external predictor over each tile in an isolated
// workspace under bounded parallelism, and merges the per-tile results
// into one output raster.
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

	"github.com/geodrift/tilecast/internal/app"
	"github.com/geodrift/tilecast/internal/config"
	"github.com/geodrift/tilecast/internal/logging"
	"github.com/geodrift/tilecast/internal/merge"
	"github.com/geodrift/tilecast/internal/metrics"
	"github.com/geodrift/tilecast/internal/predict"
	"github.com/geodrift/tilecast/internal/rastore"
	"github.com/geodrift/tilecast/internal/scheduler"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitRunFailure  = 1 // store errors, empty merge set, general failure
	exitUsage       = 2 // bad flags or configuration
	exitToolMissing = 3 // external predictor not installed
	exitIsolation   = 4 // context leak or repeated switch failures
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	slog.Info("tilecast starting", "version", rastore.Version)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitUsage
	}

	metrics.Init("tilecast")
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	store, err := rastore.Open(ctx, cfg.Store, cfg.Compression)
	if err != nil {
		slog.Error("failed to open artifact store", "store", cfg.Store, "error", err)
		return exitRunFailure
	}
	defer store.Close()

	engine := predict.NewExecEngine(cfg.Predictor, cfg.Store, cfg.Compression)

	if err := app.New(cfg, store, engine).Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		return exitCode(err)
	}
	return exitSuccess
}

// exitCode maps a run error onto the process exit code.
func exitCode(err error) int {
	var leak *scheduler.ContextLeakError
	switch {
	case errors.Is(err, predict.ErrToolMissing):
		return exitToolMissing
	case errors.As(err, &leak), errors.Is(err, scheduler.ErrRepeatedSwitchFailures):
		return exitIsolation
	case errors.Is(err, merge.ErrNoTiles):
		return exitRunFailure
	default:
		return exitRunFailure
	}
}
