package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/app"
	"github.com/LuKev/chess-db-sub001/internal/config"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/queue"
)

// ingest imports one local archive synchronously, bypassing the shared queue.
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "YAML config file (optional, env overrides)")
		inputPath  = flag.String("pgn", "", "Path to PGN archive (.pgn, .pgn.gz, .pgn.zst)")
		userFlag   = flag.String("user", "", "Owner user id of the imported games")
		strict     = flag.Bool("strict", false, "Also reject games whose canonical hash already exists")
		maxGames   = flag.Int("max-games", 0, "Maximum games to import (0 = unlimited)")
	)
	flag.Parse()

	if *inputPath == "" || *userFlag == "" {
		fmt.Fprintln(os.Stderr, "Usage: ingest --pgn <file.pgn[.zst|.gz]> --user <uuid> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	user, err := uuid.Parse(*userFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id: %v\n", err)
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

	data, err := os.ReadFile(*inputPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("read archive")
	}

	q := queue.NewMemoryQueue()
	defer q.Close()
	start := time.Now()
	job, err := ingest.NewSubmitter(rt.Store, rt.Blobs, q, logger).Submit(ctx, ingest.Upload{
		UserID:   user,
		Filename: filepath.Base(*inputPath),
		Strict:   *strict,
		MaxGames: *maxGames,
		Data:     data,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("submit import")
	}

	payload, err := q.Dequeue(ctx, jobs.KindImport)
	if err != nil {
		logger.Fatal().Err(err).Msg("dequeue import")
	}
	proc := ingest.NewProcessor(ingest.Config{
		ProgressEvery: cfg.Import.ProgressEvery,
		MaxGameBytes:  cfg.Import.MaxGameBytes,
		ECO:           rt.ECO,
		Logger:        logger,
	}, rt.Store, rt.Blobs)
	perr := proc.Process(ctx, payload)

	job, err = rt.Store.GetImportJob(context.WithoutCancel(ctx), user, job.ID)
	if err != nil {
		logger.Fatal().Err(err).Msg("load import job")
	}
	logger.Info().
		Str("job_id", job.ID.String()).
		Str("status", string(job.Status)).
		Int("parsed", job.Counters.Parsed).
		Int("inserted", job.Counters.Inserted).
		Int("duplicates", job.Counters.Duplicates()).
		Int("parse_errors", job.Counters.ParseErrors).
		Dur("elapsed", time.Since(start)).
		Msg("ingest complete")

	if perr != nil || job.Status == model.JobFailed {
		if perr == nil {
			perr = errors.New(job.Error)
		}
		logger.Error().Err(perr).Msg("import failed")
		os.Exit(1)
	}
}
