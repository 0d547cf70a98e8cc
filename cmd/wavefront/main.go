package main

import (
	"context"
	"fmt"
	"os"

	"wavefront/internal/cli"
	"wavefront/internal/config"
	"wavefront/internal/logging"
	"wavefront/internal/pipeline"
	"wavefront/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	pipe, err := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).Execute()
}
