package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

func (s *Store) ListOpeningStats(ctx context.Context, userID uuid.UUID, fen string) ([]model.OpeningStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+openingColumns+` FROM opening_stats
		 WHERE user_id = $1 AND ($2 = '' OR fen = $2)
		 ORDER BY fen, move_uci`,
		userID, fen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OpeningStat
	for rows.Next() {
		st, err := scanOpening(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// rebuildOpeningsSQL aggregates every indexed edge of one user. Outcomes and
// ratings are taken from the side to move; the representative next position
// is the one of the earliest game, matching the incremental path.
const rebuildOpeningsSQL = `
WITH edges AS (
    SELECT p.fen,
           p.next_move_uci AS move_uci,
           p.next_fen,
           g.created_at,
           g.id AS game_id,
           CASE WHEN p.side_to_move = 'b' THEN g.black_elo ELSE g.white_elo END AS mover_elo,
           CASE
               WHEN g.result = '1/2-1/2' THEN 50.0
               WHEN (g.result = '1-0' AND p.side_to_move = 'w')
                 OR (g.result = '0-1' AND p.side_to_move = 'b') THEN 100.0
               WHEN g.result IN ('1-0', '0-1') THEN 0.0
           END AS perf
    FROM game_positions p
    JOIN games g ON g.id = p.game_id AND g.user_id = p.user_id
    WHERE p.user_id = $1 AND p.next_move_uci <> ''
)
INSERT INTO opening_stats (
    user_id, fen, move_uci, games, wins, draws, losses, avg_elo, elo_samples,
    perf_pct, perf_samples, transpositions, next_fen, updated_at
)
SELECT $1, fen, move_uci,
       count(*),
       count(*) FILTER (WHERE perf = 100),
       count(*) FILTER (WHERE perf = 50),
       count(*) FILTER (WHERE perf = 0),
       avg(mover_elo),
       count(mover_elo),
       avg(perf),
       count(perf),
       greatest(count(DISTINCT next_fen) - 1, 0),
       (array_agg(next_fen ORDER BY created_at, game_id))[1],
       now()
FROM edges
GROUP BY fen, move_uci`

// RebuildOpeningStats deletes and recomputes the user's edges in a single
// transaction; on error the previous rows stay in place.
func (s *Store) RebuildOpeningStats(ctx context.Context, userID uuid.UUID) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM opening_stats WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("delete opening stats: %w", err)
	}
	tag, err := tx.Exec(ctx, rebuildOpeningsSQL, userID)
	if err != nil {
		return 0, fmt.Errorf("aggregate opening stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
