package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freeeve/uci"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/position"
)

// Analyzer runs one search. Implementations must return promptly once ctx
// is done.
type Analyzer interface {
	Analyze(ctx context.Context, fen string, limits model.EngineLimits) (*model.EngineResult, error)
}

// UCIConfig configures the engine processes.
type UCIConfig struct {
	EnginePath string
	Logger     zerolog.Logger
	HashMB     int
	Threads    int
	MaxIdle    int // engines kept warm between searches
}

// UCIAnalyzer drives UCI engine processes. Engines are started on demand and
// reused; an engine whose search was abandoned is closed, never reused.
type UCIAnalyzer struct {
	cfg  UCIConfig
	idle chan *uci.Engine
	log  zerolog.Logger
}

func NewUCIAnalyzer(cfg UCIConfig) (*UCIAnalyzer, error) {
	if cfg.EnginePath == "" {
		return nil, fmt.Errorf("engine path required")
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 256
	}
	if cfg.Threads == 0 {
		cfg.Threads = 2
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 1
	}
	return &UCIAnalyzer{
		cfg:  cfg,
		idle: make(chan *uci.Engine, cfg.MaxIdle),
		log:  cfg.Logger.With().Str("component", "uci").Logger(),
	}, nil
}

func (a *UCIAnalyzer) acquire() (*uci.Engine, error) {
	select {
	case e := <-a.idle:
		return e, nil
	default:
	}

	engine, err := uci.NewEngine(a.cfg.EnginePath)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	opts := uci.Options{
		Hash:    a.cfg.HashMB,
		Threads: a.cfg.Threads,
		MultiPV: 1,
		Ponder:  false,
		OwnBook: false,
	}
	if err := engine.SetOptions(opts); err != nil {
		engine.Close()
		return nil, fmt.Errorf("set options: %w", err)
	}
	a.log.Debug().Str("path", a.cfg.EnginePath).Int("hash_mb", a.cfg.HashMB).Int("threads", a.cfg.Threads).Msg("engine started")
	return engine, nil
}

func (a *UCIAnalyzer) release(e *uci.Engine) {
	select {
	case a.idle <- e:
	default:
		e.Close()
	}
}

// Close stops the idle engines.
func (a *UCIAnalyzer) Close() {
	for {
		select {
		case e := <-a.idle:
			e.Close()
		default:
			return
		}
	}
}

type searchResult struct {
	res *model.EngineResult
	err error
}

// moveTimeGrace is how long past MoveTime the engine may take to report
// before it is killed.
const moveTimeGrace = time.Second

// Analyze searches fen to limits.Depth. When MoveTime is set the engine stops
// itself at that time and the deepest line found is returned; the engine is
// killed only when it overruns by moveTimeGrace or ctx ends. Scores are from
// the side to move's point of view.
func (a *UCIAnalyzer) Analyze(ctx context.Context, fen string, limits model.EngineLimits) (*model.EngineResult, error) {
	if limits.Depth <= 0 {
		return nil, errors.New("search depth required")
	}
	if limits.MoveTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.MoveTime+moveTimeGrace)
		defer cancel()
	}

	engine, err := a.acquire()
	if err != nil {
		return nil, err
	}

	done := make(chan searchResult, 1)
	go func() {
		res, err := search(engine, position.FullFEN(fen), limits.Depth, limits.MoveTime)
		done <- searchResult{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			engine.Close()
			return nil, r.err
		}
		a.release(engine)
		return r.res, nil
	case <-ctx.Done():
		engine.Close()
		<-done
		return nil, ctx.Err()
	}
}

func search(engine *uci.Engine, fen string, depth int, moveTime time.Duration) (*model.EngineResult, error) {
	if err := engine.SetFEN(fen); err != nil {
		return nil, fmt.Errorf("set FEN: %w", err)
	}
	// A timed search may stop short of depth, so every depth is kept and the
	// deepest wins below.
	var opts []uint
	var ms int64
	if moveTime > 0 {
		ms = max(moveTime.Milliseconds(), 1)
	} else {
		opts = append(opts, uci.HighestDepthOnly)
	}
	results, err := engine.Go(depth, "", ms, opts...)
	if err != nil {
		return nil, fmt.Errorf("engine search: %w", err)
	}
	if len(results.Results) == 0 {
		return nil, fmt.Errorf("no results from engine")
	}

	best := results.Results[0]
	for _, r := range results.Results {
		if r.Depth > best.Depth {
			best = r
		}
	}

	score := best.Score
	res := &model.EngineResult{
		BestMove: results.BestMove,
		Depth:    best.Depth,
		Nodes:    int64(best.Nodes),
		PV:       append([]string(nil), best.BestMoves...),
	}
	if best.Mate {
		res.Mate = &score
	} else {
		res.ScoreCP = &score
	}
	if res.BestMove == "" && len(res.PV) > 0 {
		res.BestMove = res.PV[0]
	}
	res.BestMove = strings.TrimSpace(res.BestMove)
	return res, nil
}
