package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

// WithTx runs fn in a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) MovesHashExists(ctx context.Context, userID uuid.UUID, hash string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE user_id = $1 AND moves_hash = $2)`,
		userID, hash).Scan(&exists)
	return exists, err
}

func (t *pgTx) CanonicalExists(ctx context.Context, userID uuid.UUID, hash string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE user_id = $1 AND canonical_hash = $2)`,
		userID, hash).Scan(&exists)
	return exists, err
}

const insertGameSQL = `
INSERT INTO games (
    id, user_id, import_job_id, white, black, white_norm, black_norm, result,
    event, event_norm, site, round, date_year, date_month, date_day, played_on,
    time_control, white_elo, black_elo, eco, opening, rated, tags, start_fen,
    moves_hash, canonical_hash, ply_count
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
    $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
)
ON CONFLICT (user_id, moves_hash) DO NOTHING
RETURNING created_at`

func (t *pgTx) InsertGame(ctx context.Context, g *model.Game) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	tags := g.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	err = t.q.QueryRow(ctx, insertGameSQL,
		g.ID, g.UserID, g.ImportJobID, g.White, g.Black, g.WhiteNorm, g.BlackNorm, string(g.Result),
		g.Event, g.EventNorm, g.Site, g.Round, g.Date.Year, g.Date.Month, g.Date.Day, g.PlayedOn,
		g.TimeControl, g.WhiteElo, g.BlackElo, g.ECO, g.Opening, g.Rated, tagsJSON, g.StartFEN,
		g.MovesHash, g.CanonicalHash, g.PlyCount,
	).Scan(&g.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		return store.ErrDuplicateGame
	case err != nil:
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (t *pgTx) SaveGameSource(ctx context.Context, userID, gameID uuid.UUID, pgn string, tree *model.MoveTree) error {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO game_pgn (game_id, user_id, pgn) VALUES ($1, $2, $3)
		 ON CONFLICT (game_id) DO UPDATE SET pgn = EXCLUDED.pgn`,
		gameID, userID, pgn); err != nil {
		return fmt.Errorf("save pgn: %w", err)
	}
	if tree == nil {
		return nil
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal move tree: %w", err)
	}
	if _, err := t.q.Exec(ctx,
		`INSERT INTO game_move_trees (game_id, user_id, tree) VALUES ($1, $2, $3)
		 ON CONFLICT (game_id) DO UPDATE SET tree = EXCLUDED.tree`,
		gameID, userID, treeJSON); err != nil {
		return fmt.Errorf("save move tree: %w", err)
	}
	return nil
}

const upsertPositionSQL = `
INSERT INTO game_positions (
    user_id, game_id, ply, fen, side_to_move, castling, en_passant,
    halfmove, fullmove, material_key, next_move_uci, next_fen
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id, game_id, ply) DO UPDATE SET
    fen = EXCLUDED.fen,
    side_to_move = EXCLUDED.side_to_move,
    castling = EXCLUDED.castling,
    en_passant = EXCLUDED.en_passant,
    halfmove = EXCLUDED.halfmove,
    fullmove = EXCLUDED.fullmove,
    material_key = EXCLUDED.material_key,
    next_move_uci = EXCLUDED.next_move_uci,
    next_fen = EXCLUDED.next_fen`

func (t *pgTx) UpsertPositions(ctx context.Context, rows []model.GamePosition) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertPositionSQL,
			r.UserID, r.GameID, r.Ply, r.FEN, r.SideToMove, r.Castling, r.EnPassant,
			r.Halfmove, r.Fullmove, r.MaterialKey, r.NextMoveUCI, r.NextFEN)
	}
	if err := t.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}
	return nil
}

func (t *pgTx) ReplacePositions(ctx context.Context, userID, gameID uuid.UUID, rows []model.GamePosition) error {
	if _, err := t.q.Exec(ctx,
		`DELETE FROM game_positions WHERE user_id = $1 AND game_id = $2`, userID, gameID); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	return t.UpsertPositions(ctx, rows)
}

const openingColumns = `user_id, fen, move_uci, games, wins, draws, losses, avg_elo, elo_samples,
    perf_pct, perf_samples, transpositions, next_fen, updated_at`

func scanOpening(row pgx.Row) (model.OpeningStat, error) {
	var s model.OpeningStat
	err := row.Scan(&s.UserID, &s.FEN, &s.MoveUCI, &s.Games, &s.Wins, &s.Draws, &s.Losses,
		&s.AvgElo, &s.EloSamples, &s.PerfPct, &s.PerfSamples, &s.Transpositions, &s.NextFEN, &s.UpdatedAt)
	return s, err
}

// UpdateOpeningStat makes sure the row exists, then locks it for the rest of
// the transaction so concurrent imports of the same user serialize per edge.
func (t *pgTx) UpdateOpeningStat(ctx context.Context, userID uuid.UUID, fen, moveUCI string, fn func(*model.OpeningStat)) error {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO opening_stats (user_id, fen, move_uci) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, fen, move_uci) DO NOTHING`,
		userID, fen, moveUCI); err != nil {
		return fmt.Errorf("ensure opening stat: %w", err)
	}

	s, err := scanOpening(t.q.QueryRow(ctx,
		`SELECT `+openingColumns+` FROM opening_stats
		 WHERE user_id = $1 AND fen = $2 AND move_uci = $3 FOR UPDATE`,
		userID, fen, moveUCI))
	if err != nil {
		return fmt.Errorf("lock opening stat: %w", err)
	}

	fn(&s)

	if _, err := t.q.Exec(ctx,
		`UPDATE opening_stats SET
		     games = $4, wins = $5, draws = $6, losses = $7,
		     avg_elo = $8, elo_samples = $9, perf_pct = $10, perf_samples = $11,
		     transpositions = $12, next_fen = $13, updated_at = now()
		 WHERE user_id = $1 AND fen = $2 AND move_uci = $3`,
		userID, fen, moveUCI, s.Games, s.Wins, s.Draws, s.Losses,
		s.AvgElo, s.EloSamples, s.PerfPct, s.PerfSamples, s.Transpositions, s.NextFEN); err != nil {
		return fmt.Errorf("update opening stat: %w", err)
	}
	return nil
}

const gameColumns = `id, user_id, import_job_id, white, black, white_norm, black_norm, result,
    event, event_norm, site, round, date_year, date_month, date_day, played_on,
    time_control, white_elo, black_elo, eco, opening, rated, tags, start_fen,
    moves_hash, canonical_hash, ply_count, created_at`

func (s *Store) GetGame(ctx context.Context, userID, gameID uuid.UUID) (*model.Game, error) {
	var (
		g        model.Game
		result   string
		tagsJSON []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1 AND user_id = $2`,
		gameID, userID).Scan(
		&g.ID, &g.UserID, &g.ImportJobID, &g.White, &g.Black, &g.WhiteNorm, &g.BlackNorm, &result,
		&g.Event, &g.EventNorm, &g.Site, &g.Round, &g.Date.Year, &g.Date.Month, &g.Date.Day, &g.PlayedOn,
		&g.TimeControl, &g.WhiteElo, &g.BlackElo, &g.ECO, &g.Opening, &g.Rated, &tagsJSON, &g.StartFEN,
		&g.MovesHash, &g.CanonicalHash, &g.PlyCount, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	g.Result = model.Result(result)
	if err := json.Unmarshal(tagsJSON, &g.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &g, nil
}

func (s *Store) GetMoveTree(ctx context.Context, userID, gameID uuid.UUID) (*model.MoveTree, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT tree FROM game_move_trees WHERE game_id = $1 AND user_id = $2`,
		gameID, userID).Scan(&raw)
	if err != nil {
		return nil, notFound(err)
	}
	var tree model.MoveTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode move tree: %w", err)
	}
	return &tree, nil
}

func (s *Store) ListPositions(ctx context.Context, userID, gameID uuid.UUID) ([]model.GamePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, game_id, ply, fen, side_to_move, castling, en_passant,
		        halfmove, fullmove, material_key, next_move_uci, next_fen
		 FROM game_positions WHERE user_id = $1 AND game_id = $2 ORDER BY ply`,
		userID, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GamePosition
	for rows.Next() {
		var p model.GamePosition
		if err := rows.Scan(&p.UserID, &p.GameID, &p.Ply, &p.FEN, &p.SideToMove, &p.Castling, &p.EnPassant,
			&p.Halfmove, &p.Fullmove, &p.MaterialKey, &p.NextMoveUCI, &p.NextFEN); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GamesMissingPositions(ctx context.Context, userID, afterID uuid.UUID, limit int) ([]store.GameSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT g.id, g.start_fen, t.tree
		 FROM games g
		 LEFT JOIN game_move_trees t ON t.game_id = g.id
		 WHERE g.user_id = $1 AND g.id > $2
		   AND NOT EXISTS (
		       SELECT 1 FROM game_positions p
		       WHERE p.user_id = g.user_id AND p.game_id = g.id AND p.ply = 0)
		 ORDER BY g.id
		 LIMIT $3`,
		userID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.GameSource
	for rows.Next() {
		var (
			src  = store.GameSource{UserID: userID}
			tree []byte
		)
		if err := rows.Scan(&src.GameID, &src.StartFEN, &tree); err != nil {
			return nil, err
		}
		if len(tree) > 0 {
			if err := json.Unmarshal(tree, &src.Tree); err != nil {
				return nil, fmt.Errorf("decode move tree of %s: %w", src.GameID, err)
			}
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) CountGames(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM games WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}
