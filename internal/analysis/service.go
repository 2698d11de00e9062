// Package analysis owns the engine request lifecycle: admission, cache
// lookup, queueing, cancellation and status streaming, plus the worker that
// drives the engine.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/position"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/validation"
)

// MaxInFlight is how many queued or running requests one user may hold.
const MaxInFlight = 3

var (
	// ErrTooManyInFlight rejects a request over the per-user limit.
	ErrTooManyInFlight = errors.New("too many analysis requests in flight")
	// ErrEnqueueFailed is returned when the request was stored but could not
	// be queued. The request is marked failed.
	ErrEnqueueFailed = errors.New("enqueue failed")
)

// CreateRequest is a user's analysis order.
type CreateRequest struct {
	UserID   uuid.UUID
	FEN      string        `validate:"required,max=100"`
	Engine   string        `validate:"omitempty,max=64"`
	Depth    int           `validate:"omitempty,min=1,max=99"`
	Nodes    int64         `validate:"omitempty,min=1"`
	MoveTime time.Duration
}

// Config configures the service.
type Config struct {
	Engine         string        // default engine name
	DefaultDepth   int           // used when a request names no depth
	StreamInterval time.Duration // Watch push period
	Logger         zerolog.Logger
}

// Service handles analysis requests on behalf of users.
type Service struct {
	cfg Config
	st  store.AnalysisStore
	q   queue.Queue
	log zerolog.Logger
}

func NewService(cfg Config, st store.AnalysisStore, q queue.Queue) *Service {
	if cfg.Engine == "" {
		cfg.Engine = "stockfish"
	}
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = 20
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	return &Service{cfg: cfg, st: st, q: q, log: cfg.Logger.With().Str("component", "analysis").Logger()}
}

// Create admits, answers from cache or queues one request. The in-flight
// check and the insert are not atomic, so a burst may briefly exceed
// MaxInFlight.
func (s *Service) Create(ctx context.Context, cr CreateRequest) (*model.EngineRequest, error) {
	if cr.UserID == uuid.Nil {
		return nil, validation.Errorf("user id required")
	}
	if err := validation.Struct(&cr); err != nil {
		return nil, err
	}
	if cr.MoveTime < 0 {
		return nil, validation.Errorf("move time must not be negative")
	}
	fen, err := position.NormalizeFEN(cr.FEN)
	if err != nil {
		return nil, validation.Errorf("fen: %v", err)
	}
	engine := strings.ToLower(strings.TrimSpace(cr.Engine))
	if engine == "" {
		engine = s.cfg.Engine
	}
	depth := cr.Depth
	if depth == 0 {
		depth = s.cfg.DefaultDepth
	}

	n, err := s.st.CountInFlight(ctx, cr.UserID)
	if err != nil {
		return nil, fmt.Errorf("count in-flight requests: %w", err)
	}
	if n >= MaxInFlight {
		return nil, fmt.Errorf("%w: %d of %d", ErrTooManyInFlight, n, MaxInFlight)
	}

	req := &model.EngineRequest{
		ID:     uuid.New(),
		UserID: cr.UserID,
		FEN:    fen,
		Engine: engine,
		Limits: model.EngineLimits{Depth: depth, Nodes: cr.Nodes, MoveTime: cr.MoveTime},
		Status: model.RequestQueued,
	}
	log := s.log.With().Str("request_id", req.ID.String()).Str("user_id", req.UserID.String()).Logger()

	line, err := s.st.LookupEngineLine(ctx, cr.UserID, fen, engine, depth)
	switch {
	case err == nil:
		now := time.Now().UTC()
		res := line.Result
		req.Status = model.RequestCompleted
		req.Result = &res
		req.FromCache = true
		req.StartedAt = &now
		req.FinishedAt = &now
		if err := s.st.InsertEngineRequest(ctx, req); err != nil {
			return nil, err
		}
		log.Debug().Int("depth", line.Depth).Msg("analysis served from cache")
		return req, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("engine cache lookup: %w", err)
	}

	if err := s.st.InsertEngineRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := s.q.Enqueue(ctx, jobs.Payload{Kind: jobs.KindAnalysis, ID: req.ID, UserID: req.UserID}); err != nil {
		msg := jobs.Truncate("enqueue failed: "+err.Error(), jobs.MaxJobErrorLen)
		dctx, cancel := jobs.Detached(ctx, 10*time.Second)
		defer cancel()
		if ferr := s.st.FinishEngineRequest(dctx, req.ID, model.RequestFailed, nil, msg); ferr != nil {
			log.Error().Err(ferr).Msg("failed to mark request failed")
		}
		req.Status = model.RequestFailed
		req.Error = msg
		return req, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	log.Info().Str("engine", engine).Int("depth", depth).Msg("analysis queued")
	return req, nil
}

// Get returns the user's request.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	return s.st.GetEngineRequest(ctx, userID, id)
}

// Cancel flags the request. A queued request is cancelled at once; a running
// one stops when its worker next polls the flag. Finished requests are
// returned unchanged.
func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	req, err := s.st.CancelEngineRequest(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("request_id", id.String()).Str("status", string(req.Status)).Msg("analysis cancel requested")
	return req, nil
}

// Watch streams snapshots of the request every StreamInterval. The channel
// closes after a terminal snapshot, when ctx ends or when a read fails.
func (s *Service) Watch(ctx context.Context, userID, id uuid.UUID) (<-chan model.EngineRequest, error) {
	first, err := s.st.GetEngineRequest(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	ch := make(chan model.EngineRequest, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.cfg.StreamInterval)
		defer ticker.Stop()

		cur := first
		for {
			select {
			case ch <- *cur:
			case <-ctx.Done():
				return
			}
			if cur.Status.Terminal() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next, err := s.st.GetEngineRequest(ctx, userID, id)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Str("request_id", id.String()).Msg("watch read failed")
				}
				return
			}
			cur = next
		}
	}()
	return ch, nil
}
