package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

const requestColumns = `id, user_id, fen, engine, depth, nodes, move_time_ms, status,
	cancel_requested, result, from_cache, error, created_at, started_at, finished_at`

func scanRequest(row pgx.Row) (*model.EngineRequest, error) {
	var (
		r          model.EngineRequest
		status     string
		moveTimeMS int64
		result     []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &r.FEN, &r.Engine, &r.Limits.Depth, &r.Limits.Nodes, &moveTimeMS,
		&status, &r.CancelRequested, &result, &r.FromCache, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Status = model.RequestStatus(status)
	r.Limits.MoveTime = time.Duration(moveTimeMS) * time.Millisecond
	if len(result) > 0 {
		r.Result = &model.EngineResult{}
		if err := json.Unmarshal(result, r.Result); err != nil {
			return nil, fmt.Errorf("decode engine result: %w", err)
		}
	}
	return &r, nil
}

func marshalResult(res *model.EngineResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func (s *Store) CountInFlight(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM engine_requests WHERE user_id = $1 AND status IN ('queued', 'running')`,
		userID).Scan(&n)
	return n, err
}

func (s *Store) InsertEngineRequest(ctx context.Context, req *model.EngineRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	result, err := marshalResult(req.Result)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO engine_requests (id, user_id, fen, engine, depth, nodes, move_time_ms, status,
		                              cancel_requested, result, from_cache, error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING created_at`,
		req.ID, req.UserID, req.FEN, req.Engine, req.Limits.Depth, req.Limits.Nodes,
		req.Limits.MoveTime.Milliseconds(), string(req.Status), req.CancelRequested, result,
		req.FromCache, req.Error, req.StartedAt, req.FinishedAt).Scan(&req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert engine request: %w", err)
	}
	return nil
}

func (s *Store) GetEngineRequest(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	return scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM engine_requests
		 WHERE id = $1 AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR user_id = $2)`,
		id, userID))
}

// CancelEngineRequest is a single UPDATE so that it cannot interleave with a
// worker claiming the same row.
func (s *Store) CancelEngineRequest(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`UPDATE engine_requests SET
		     cancel_requested = CASE WHEN status IN ('queued', 'running') THEN true ELSE cancel_requested END,
		     finished_at      = CASE WHEN status = 'queued' THEN now() ELSE finished_at END,
		     status           = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+requestColumns,
		id, userID))
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ClaimEngineRequest(ctx context.Context, id uuid.UUID) (*model.EngineRequest, bool, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`UPDATE engine_requests SET status = 'running', started_at = now(), finished_at = NULL, error = ''
		 WHERE id = $1 AND NOT cancel_requested
		   AND (status IN ('queued', 'running') OR (status = 'failed' AND starts_with(error, $2)))
		 RETURNING `+requestColumns,
		id, model.InterruptedPrefix))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	cur, err := s.GetEngineRequest(ctx, uuid.Nil, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM engine_requests WHERE id = $1`, id).Scan(&flag)
	if err != nil {
		return false, notFound(err)
	}
	return flag, nil
}

func (s *Store) FinishEngineRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus, result *model.EngineResult, errMsg string) error {
	payload, err := marshalResult(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE engine_requests SET
		     status = $2, result = coalesce($3, result), error = $4, finished_at = now()
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		id, string(status), payload, errMsg)
	if err != nil {
		return fmt.Errorf("finish engine request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM engine_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) LookupEngineLine(ctx context.Context, userID uuid.UUID, fen, engine string, minDepth int) (*model.EngineLine, error) {
	var (
		l      model.EngineLine
		result []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, fen, engine, depth, result, created_at FROM engine_lines
		 WHERE user_id = $1 AND fen = $2 AND engine = $3 AND depth >= $4`,
		userID, fen, engine, minDepth).Scan(&l.UserID, &l.FEN, &l.Engine, &l.Depth, &result, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(result, &l.Result); err != nil {
		return nil, fmt.Errorf("decode engine line: %w", err)
	}
	return &l, nil
}

func (s *Store) UpsertEngineLine(ctx context.Context, line *model.EngineLine) error {
	result, err := json.Marshal(line.Result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_lines (user_id, fen, engine, depth, result)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, fen, engine) DO UPDATE
		     SET depth = EXCLUDED.depth, result = EXCLUDED.result, created_at = now()
		     WHERE engine_lines.depth <= EXCLUDED.depth`,
		line.UserID, line.FEN, line.Engine, line.Depth, result)
	if err != nil {
		return fmt.Errorf("upsert engine line: %w", err)
	}
	return nil
}
