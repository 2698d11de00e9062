// Package backfill rebuilds a user's derived tables: the per-ply position
// index and the opening aggregate. Both runs are safe to repeat.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/position"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

// PositionStore is what the position backfill reads and writes.
type PositionStore interface {
	store.Transactor
	GamesMissingPositions(ctx context.Context, userID, afterID uuid.UUID, limit int) ([]store.GameSource, error)
}

// PositionResult summarizes one position backfill run.
type PositionResult struct {
	Games   int // games re-indexed
	Rows    int // position rows written
	Skipped int // games whose start position could not be read
}

// Positions re-indexes games that have no ply-0 position row.
type Positions struct {
	st       PositionStore
	pageSize int
	log      zerolog.Logger
}

func NewPositions(st PositionStore, pageSize int, log zerolog.Logger) *Positions {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Positions{
		st:       st,
		pageSize: pageSize,
		log:      log.With().Str("component", "backfill").Str("table", "positions").Logger(),
	}
}

// Run re-indexes every game of the user missing its positions, one
// transaction per game.
func (p *Positions) Run(ctx context.Context, userID uuid.UUID) (PositionResult, error) {
	var res PositionResult
	start := time.Now()
	after := uuid.Nil

	for {
		page, err := p.st.GamesMissingPositions(ctx, userID, after, p.pageSize)
		if err != nil {
			return res, fmt.Errorf("list games missing positions: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, src := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			after = src.GameID

			rows := position.Index(src.StartFEN, src.Tree.SANs())
			if len(rows) == 0 {
				p.log.Warn().Str("game_id", src.GameID.String()).Str("start_fen", src.StartFEN).Msg("unreadable start position, skipping")
				res.Skipped++
				continue
			}
			for i := range rows {
				rows[i].UserID = src.UserID
				rows[i].GameID = src.GameID
			}
			err := p.st.WithTx(ctx, func(tx store.Tx) error {
				return tx.ReplacePositions(ctx, src.UserID, src.GameID, rows)
			})
			if errors.Is(err, store.ErrNotFound) {
				// Deleted since the page was read.
				continue
			}
			if err != nil {
				return res, fmt.Errorf("index game %s: %w", src.GameID, err)
			}
			res.Games++
			res.Rows += len(rows)
		}
		if len(page) < p.pageSize {
			break
		}
	}

	p.log.Info().
		Str("user_id", userID.String()).
		Int("games", res.Games).
		Int("rows", res.Rows).
		Int("skipped", res.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("position backfill complete")
	return res, nil
}

// Openings recomputes the opening aggregate from the position index.
type Openings struct {
	st  store.OpeningStore
	log zerolog.Logger
}

func NewOpenings(st store.OpeningStore, log zerolog.Logger) *Openings {
	return &Openings{st: st, log: log.With().Str("component", "backfill").Str("table", "openings").Logger()}
}

// Run replaces every opening edge of the user in one transaction and returns
// the number of edges written.
func (o *Openings) Run(ctx context.Context, userID uuid.UUID) (int, error) {
	start := time.Now()
	n, err := o.st.RebuildOpeningStats(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("rebuild opening stats: %w", err)
	}
	o.log.Info().
		Str("user_id", userID.String()).
		Int("edges", n).
		Dur("elapsed", time.Since(start)).
		Msg("opening backfill complete")
	return n, nil
}

// Handler serves both backfill queues.
type Handler struct {
	Positions *Positions
	Openings  *Openings
}

func (h *Handler) Process(ctx context.Context, p jobs.Payload) error {
	if p.UserID == uuid.Nil {
		return jobs.Permanent(fmt.Errorf("%s: user id required", p))
	}
	switch p.Kind {
	case jobs.KindBackfillPositions:
		_, err := h.Positions.Run(ctx, p.UserID)
		return err
	case jobs.KindBackfillOpenings:
		_, err := h.Openings.Run(ctx, p.UserID)
		return err
	}
	return jobs.Permanent(fmt.Errorf("%s: %w", p, jobs.ErrUnknownKind))
}
