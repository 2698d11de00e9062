package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/app"
	"github.com/LuKev/chess-db-sub001/internal/backfill"
	"github.com/LuKev/chess-db-sub001/internal/config"
)

// backfill rebuilds a user's position index and opening statistics in
// process, without the job queue.
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "YAML config file (optional, env overrides)")
		userFlag   = flag.String("user", "", "User id to backfill")
		kind       = flag.String("kind", "all", "What to rebuild: positions, openings or all")
		pageSize   = flag.Int("page-size", 500, "Games per page when indexing positions")
	)
	flag.Parse()

	user, err := uuid.Parse(*userFlag)
	if err != nil || (*kind != "positions" && *kind != "openings" && *kind != "all") {
		fmt.Fprintln(os.Stderr, "Usage: backfill --user <uuid> [--kind positions|openings|all]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	logger := app.Logger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backends")
	}
	defer rt.Close()

	if *kind == "positions" || *kind == "all" {
		res, err := backfill.NewPositions(rt.Store, *pageSize, logger).Run(ctx, user)
		if err != nil {
			logger.Error().Err(err).Msg("position backfill failed")
			os.Exit(1)
		}
		fmt.Printf("Positions: %d games indexed, %d rows, %d skipped\n", res.Games, res.Rows, res.Skipped)
	}
	if *kind == "openings" || *kind == "all" {
		n, err := backfill.NewOpenings(rt.Store, logger).Run(ctx, user)
		if err != nil {
			logger.Error().Err(err).Msg("opening backfill failed")
			os.Exit(1)
		}
		fmt.Printf("Openings: %d rows rebuilt\n", n)
	}
}
