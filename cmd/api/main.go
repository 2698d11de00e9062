package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/analysis"
	"github.com/LuKev/chess-db-sub001/internal/app"
	"github.com/LuKev/chess-db-sub001/internal/backfill"
	"github.com/LuKev/chess-db-sub001/internal/config"
	"github.com/LuKev/chess-db-sub001/internal/export"
	"github.com/LuKev/chess-db-sub001/internal/httpapi"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "YAML config file (optional, env overrides)")
		addr       = flag.String("addr", "", "listen address (overrides HTTP_ADDR)")
		noWorkers  = flag.Bool("no-workers", false, "serve the API without running job workers")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	logger := app.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backends")
	}
	defer rt.Close()

	importSub := ingest.NewSubmitter(rt.Store, rt.Blobs, rt.Queue, logger)
	svc := analysis.NewService(analysis.Config{
		Engine:         cfg.Analysis.EngineName,
		DefaultDepth:   cfg.Analysis.DefaultDepth,
		StreamInterval: cfg.Analysis.StreamInterval,
		Logger:         logger,
	}, rt.Store, rt.Queue)

	var pools []*worker.Pool
	if !*noWorkers {
		analyzer, err := analysis.NewUCIAnalyzer(analysis.UCIConfig{
			EnginePath: cfg.Analysis.EnginePath,
			Logger:     logger,
			HashMB:     cfg.Analysis.HashMB,
			Threads:    cfg.Analysis.Threads,
			MaxIdle:    cfg.Workers.Analysis,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("create analyzer")
		}
		defer analyzer.Close()
		pools = newPools(cfg, rt, analyzer)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Imports:    importSub,
			ImportJobs: rt.Store,
			Exports:    export.NewSubmitter(rt.Store, rt.Queue, logger),
			ExportJobs: rt.Store,
			Blobs:      rt.Blobs,
			Analysis:   svc,
			Queue:      rt.Queue,
			Pools:      pools,
			MaxUpload:  cfg.Import.MaxUpload,
			Logger:     logger,
		}),
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.RunAll(ctx, pools...); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker pools stopped")
		}
	}()

	if cfg.Import.WatchDir != "" {
		startWatcher(ctx, cfg, importSub, logger)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("worker pools did not stop in time")
	}
	logger.Info().Msg("shutdown complete")
}

func newPools(cfg *config.Config, rt *app.Runtime, analyzer analysis.Analyzer) []*worker.Pool {
	log := rt.Log
	backfills := &backfill.Handler{
		Positions: backfill.NewPositions(rt.Store, 0, log),
		Openings:  backfill.NewOpenings(rt.Store, log),
	}
	handlers := []struct {
		kind        jobs.Kind
		handler     jobs.Handler
		concurrency int
	}{
		{jobs.KindImport, ingest.NewProcessor(ingest.Config{
			ProgressEvery: cfg.Import.ProgressEvery,
			MaxGameBytes:  cfg.Import.MaxGameBytes,
			ECO:           rt.ECO,
			Logger:        log,
		}, rt.Store, rt.Blobs), cfg.Workers.Import},
		{jobs.KindExport, export.NewProcessor(rt.Store, rt.Blobs, log), cfg.Workers.Export},
		{jobs.KindAnalysis, analysis.NewWorker(analysis.WorkerConfig{
			CancelPollInterval: cfg.Analysis.CancelPollInterval,
			Logger:             log,
		}, rt.Store, analyzer), cfg.Workers.Analysis},
		{jobs.KindBackfillPositions, backfills, cfg.Workers.Backfill},
		{jobs.KindBackfillOpenings, backfills, cfg.Workers.Backfill},
	}

	pools := make([]*worker.Pool, 0, len(handlers))
	for _, h := range handlers {
		pools = append(pools, worker.New(rt.Queue, h.handler, worker.Config{
			Kind:        h.kind,
			Concurrency: h.concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Logger:      log,
		}))
	}
	return pools
}

func startWatcher(ctx context.Context, cfg *config.Config, sub *ingest.Submitter, log zerolog.Logger) {
	user, err := uuid.Parse(cfg.Import.WatchUser)
	if err != nil {
		log.Fatal().Err(err).Str("watch_user", cfg.Import.WatchUser).Msg("invalid watch user")
	}
	w, err := ingest.NewWatcher(ingest.WatchConfig{
		WatchDir:     cfg.Import.WatchDir,
		ProcessedDir: cfg.Import.ProcessedDir,
		UserID:       user,
		Strict:       cfg.Import.WatchStrict,
		PollInterval: cfg.Import.WatchInterval,
		Logger:       log,
	}, sub)
	if err != nil {
		log.Fatal().Err(err).Msg("create folder watcher")
	}
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("folder watcher stopped")
		}
	}()
	log.Info().Str("watch_dir", cfg.Import.WatchDir).Msg("started folder watcher")
}
