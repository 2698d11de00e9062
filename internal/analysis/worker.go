package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

// errCancelled marks a search stopped by the user's cancel flag.
var errCancelled = errors.New("analysis cancelled")

// WorkerConfig configures the analysis worker.
type WorkerConfig struct {
	CancelPollInterval time.Duration
	Logger             zerolog.Logger
}

// Worker executes queued analysis requests.
type Worker struct {
	cfg      WorkerConfig
	st       store.AnalysisStore
	analyzer Analyzer
	log      zerolog.Logger
}

func NewWorker(cfg WorkerConfig, st store.AnalysisStore, analyzer Analyzer) *Worker {
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 500 * time.Millisecond
	}
	return &Worker{
		cfg:      cfg,
		st:       st,
		analyzer: analyzer,
		log:      cfg.Logger.With().Str("component", "analysis-worker").Logger(),
	}
}

// Process claims the request, runs the engine and stores the terminal state.
func (w *Worker) Process(ctx context.Context, payload jobs.Payload) error {
	req, claimed, err := w.st.ClaimEngineRequest(ctx, payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Permanent(fmt.Errorf("analysis request %s: %w", payload.ID, err))
	}
	if err != nil {
		return fmt.Errorf("claim analysis request: %w", err)
	}
	if err := jobs.CheckOwner(payload, req.UserID); err != nil {
		return jobs.Permanent(err)
	}
	log := w.log.With().Str("request_id", req.ID.String()).Str("user_id", req.UserID.String()).Logger()

	if !claimed {
		if req.Status.InFlight() && req.CancelRequested {
			w.finish(ctx, req, model.RequestCancelled, nil, "", log)
			return nil
		}
		log.Debug().Str("status", string(req.Status)).Msg("request not claimable, skipping")
		return nil
	}

	start := time.Now()
	res, err := w.run(ctx, req, log)
	switch {
	case err == nil:
		w.finish(ctx, req, model.RequestCompleted, res, "", log)
		line := &model.EngineLine{UserID: req.UserID, FEN: req.FEN, Engine: req.Engine, Depth: res.Depth, Result: *res}
		if err := w.st.UpsertEngineLine(ctx, line); err != nil {
			log.Warn().Err(err).Msg("engine cache write failed")
		}
		log.Info().
			Str("best_move", res.BestMove).
			Int("depth", res.Depth).
			Dur("elapsed", time.Since(start)).
			Msg("analysis complete")
		return nil
	case errors.Is(err, errCancelled):
		w.finish(ctx, req, model.RequestCancelled, nil, "", log)
		log.Info().Dur("elapsed", time.Since(start)).Msg("analysis cancelled")
		return nil
	case ctx.Err() != nil:
		// The unacked payload is redelivered and reclaims the request.
		w.finish(ctx, req, model.RequestFailed, nil, model.InterruptedPrefix+ctx.Err().Error(), log)
		return ctx.Err()
	default:
		w.finish(ctx, req, model.RequestFailed, nil, jobs.Truncate(err.Error(), jobs.MaxJobErrorLen), log)
		log.Error().Err(err).Msg("analysis failed")
		return jobs.Permanent(err)
	}
}

// run searches while polling the cancel flag.
func (w *Worker) run(ctx context.Context, req *model.EngineRequest, log zerolog.Logger) (*model.EngineResult, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan searchResult, 1)
	go func() {
		res, err := w.analyzer.Analyze(sctx, req.FEN, req.Limits)
		done <- searchResult{res, err}
	}()

	ticker := time.NewTicker(w.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.res, r.err
		case <-ctx.Done():
			cancel()
			<-done
			return nil, ctx.Err()
		case <-ticker.C:
			flagged, err := w.st.CancelRequested(ctx, req.ID)
			if err != nil {
				log.Warn().Err(err).Msg("cancel poll failed")
				continue
			}
			if flagged {
				cancel()
				<-done
				return nil, errCancelled
			}
		}
	}
}

func (w *Worker) finish(ctx context.Context, req *model.EngineRequest, status model.RequestStatus, res *model.EngineResult, msg string, log zerolog.Logger) {
	dctx, cancel := jobs.Detached(ctx, 10*time.Second)
	defer cancel()
	if err := w.st.FinishEngineRequest(dctx, req.ID, status, res, msg); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to store analysis status")
	}
}
