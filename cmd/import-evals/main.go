package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/analysis"
	"github.com/LuKev/chess-db-sub001/internal/app"
	"github.com/LuKev/chess-db-sub001/internal/config"
	"github.com/LuKev/chess-db-sub001/internal/pgnstream"
)

// import-evals seeds a user's engine-line cache from a CSV of precomputed
// evaluations: fen,engine,depth,best_move,cp,mate,pv.
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "YAML config file (optional, env overrides)")
		inputPath  = flag.String("input", "evals.csv", "Input CSV file (.csv, .csv.gz, .csv.zst)")
		userFlag   = flag.String("user", "", "Owner user id of the cache entries")
		engine     = flag.String("engine", "", "Engine name for every row (overrides the engine column)")
	)
	flag.Parse()

	user, err := uuid.Parse(*userFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Usage: import-evals --input <evals.csv[.zst|.gz]> --user <uuid> [--engine name]")
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

	in, err := open(*inputPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open input file")
	}
	defer in.Close()

	logger.Info().Str("input", *inputPath).Str("user_id", user.String()).Msg("importing evals")
	stats, err := analysis.Seed(ctx, rt.Store, in, user, *engine, logger)
	if err != nil {
		logger.Error().Err(err).Int("imported", stats.Imported).Msg("import failed")
		os.Exit(1)
	}
	fmt.Printf("Import complete: %d imported, %d invalid\n", stats.Imported, stats.Invalid)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// open returns the decompressed contents of path, picking the codec from
// the file extension.
func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch pgnstream.CompressionFromName(path) {
	case pgnstream.Gzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return readCloser{gr, func() error { gr.Close(); return f.Close() }}, nil
	case pgnstream.Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return readCloser{zr, func() error { zr.Close(); return f.Close() }}, nil
	}
	return f, nil
}
