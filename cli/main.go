package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/LucaLM02/Benchmarking-AI-Factories/orchestrator"
	"github.com/LucaLM02/Benchmarking-AI-Factories/recipe"
)

func main() {
	recipePath := flag.String("recipe", "", "The benchmark recipe file describing services, clients, monitors and timing. Required.")
	workspace := flag.String("workspace", ".", "The directory run artifacts (results, snapshots, logs) are written under.")
	show := flag.Bool("show", false, "Print a summary of the loaded recipe and exit.")
	logLevel := flag.String("log-level", "info", "Log level. Must be one of: debug, info, warn, error.")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *recipePath == "" {
		fmt.Fprintln(os.Stderr, "recipe is a required flag")
		os.Exit(2)
	}

	rec, err := recipe.Load(*recipePath)
	if err != nil {
		slog.Error("loading recipe failed", slog.String("error", err.Error()))
		os.Exit(2)
	}

	if *show {
		fmt.Print(rec.Summary())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := orchestrator.Run(ctx, rec, *workspace)
	os.Exit(result.Phase.ExitCode())
}
