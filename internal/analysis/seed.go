package analysis

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/position"
)

// LineWriter stores engine lines.
type LineWriter interface {
	UpsertEngineLine(ctx context.Context, line *model.EngineLine) error
}

// SeedStats counts the rows of one seed run.
type SeedStats struct {
	Imported int
	Invalid  int
}

// seedColumns is the required CSV header. pv is space separated UCI.
var seedColumns = []string{"fen", "engine", "depth", "best_move", "cp", "mate", "pv"}

// Seed loads precomputed evaluations into a user's engine cache. Rows that
// fail to parse are counted and skipped; a store error aborts the run.
// engine overrides the engine column when it is set.
func Seed(ctx context.Context, st LineWriter, r io.Reader, userID uuid.UUID, engine string, log zerolog.Logger) (SeedStats, error) {
	var stats SeedStats
	if userID == uuid.Nil {
		return stats, errors.New("user id required")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return stats, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range seedColumns {
		if _, ok := col[c]; !ok {
			return stats, fmt.Errorf("invalid header: missing %q, want %v", c, seedColumns)
		}
	}

	for rowNum := 2; ; rowNum++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("row", rowNum).Msg("skipping unreadable row")
			stats.Invalid++
			continue
		}
		line, err := parseSeedRow(row, col, userID, engine)
		if err != nil {
			log.Warn().Err(err).Int("row", rowNum).Msg("skipping invalid row")
			stats.Invalid++
			continue
		}
		if err := st.UpsertEngineLine(ctx, line); err != nil {
			return stats, fmt.Errorf("row %d: %w", rowNum, err)
		}
		stats.Imported++
	}
	log.Info().Int("imported", stats.Imported).Int("invalid", stats.Invalid).Msg("engine lines seeded")
	return stats, nil
}

func parseSeedRow(row []string, col map[string]int, userID uuid.UUID, engine string) (*model.EngineLine, error) {
	get := func(name string) string {
		i := col[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	fen, err := position.NormalizeFEN(get("fen"))
	if err != nil {
		return nil, err
	}
	if engine == "" {
		engine = strings.ToLower(get("engine"))
	}
	if engine == "" {
		return nil, errors.New("engine missing")
	}
	depth, err := strconv.Atoi(get("depth"))
	if err != nil || depth <= 0 {
		return nil, fmt.Errorf("depth %q", get("depth"))
	}

	res := model.EngineResult{BestMove: get("best_move"), Depth: depth}
	if res.BestMove != "" {
		if _, err := position.ParseUCI(res.BestMove); err != nil {
			return nil, fmt.Errorf("best_move: %w", err)
		}
	}
	if s := get("cp"); s != "" {
		cp, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("cp %q", s)
		}
		res.ScoreCP = &cp
	}
	if s := get("mate"); s != "" {
		mate, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("mate %q", s)
		}
		res.Mate = &mate
	}
	if res.ScoreCP == nil && res.Mate == nil {
		return nil, errors.New("row has neither cp nor mate")
	}
	if pv := get("pv"); pv != "" {
		res.PV = strings.Fields(pv)
	}
	if res.BestMove == "" && len(res.PV) > 0 {
		res.BestMove = res.PV[0]
	}

	return &model.EngineLine{UserID: userID, FEN: fen, Engine: engine, Depth: depth, Result: res}, nil
}
