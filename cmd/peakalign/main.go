package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"peakalign/internal/cli"
	"peakalign/internal/config"
	"peakalign/internal/ephemeris"
	"peakalign/internal/logging"
	"peakalign/internal/metrics"
	"peakalign/internal/queue"
	"peakalign/internal/scheduler"
	"peakalign/internal/search"
	"peakalign/internal/storage"
)

func main() {
	// A .env next to the binary can set PEAKALIGN_CONFIG and friends.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q := queue.New(cfg.Processing.MaxRetries, store, logger)
	engine := search.NewEngine(ephemeris.NewCalculator(), cli.SearchConfig(cfg), logger)
	mets := metrics.New()

	retention := time.Duration(cfg.Processing.RetentionDays) * 24 * time.Hour
	pool := scheduler.New(context.Background(), cfg.Processing.Workers, q, store, engine, mets, logger, retention)
	defer pool.Stop()

	root := cli.NewRoot(cfg, logger, store, q, pool, mets)
	if err := cli.Execute(context.Background(), root); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
