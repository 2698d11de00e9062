// Package opening folds indexed positions into per-edge opening statistics.
// The same functions back the per-game incremental update and the bulk
// rebuild, so both paths produce identical rows.
package opening

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

// Outcome is a game result seen from the side to move.
type Outcome int

const (
	Unknown Outcome = iota
	Win
	Draw
	Loss
)

// MoverOutcome maps a game result to the perspective of side ("w" or "b").
func MoverOutcome(r model.Result, side string) Outcome {
	white := side != "b"
	switch r {
	case model.ResultWhiteWins:
		if white {
			return Win
		}
		return Loss
	case model.ResultBlackWins:
		if white {
			return Loss
		}
		return Win
	case model.ResultDraw:
		return Draw
	}
	return Unknown
}

// Score is the performance percentage of an outcome, nil when unknown.
func (o Outcome) Score() *float64 {
	var v float64
	switch o {
	case Win:
		v = 100
	case Draw:
		v = 50
	case Loss:
		v = 0
	default:
		return nil
	}
	return &v
}

// RunningAverage adds v to an average over samples values. A nil v leaves the
// average unchanged; a nil average takes v as its first sample.
func RunningAverage(avg *float64, samples int, v *float64) (*float64, int) {
	if v == nil {
		return avg, samples
	}
	if avg == nil || samples <= 0 {
		nv := *v
		return &nv, 1
	}
	nv := (*avg*float64(samples) + *v) / float64(samples+1)
	return &nv, samples + 1
}

// Observation is one game's contribution to one edge.
type Observation struct {
	Outcome Outcome
	Elo     *float64
	NextFEN string
}

// Observe builds the observation of game g at indexed position p. Elo is the
// rating of the player to move.
func Observe(g *model.Game, p model.GamePosition) Observation {
	elo := g.WhiteElo
	if p.SideToMove == "b" {
		elo = g.BlackElo
	}
	var e *float64
	if elo != nil {
		v := float64(*elo)
		e = &v
	}
	return Observation{
		Outcome: MoverOutcome(g.Result, p.SideToMove),
		Elo:     e,
		NextFEN: p.NextFEN,
	}
}

// Apply adds one observation to s. The first next position seen is kept as
// the edge's representative; every later differing one counts a transposition.
func Apply(s *model.OpeningStat, o Observation) {
	s.Games++
	switch o.Outcome {
	case Win:
		s.Wins++
	case Draw:
		s.Draws++
	case Loss:
		s.Losses++
	}
	s.AvgElo, s.EloSamples = RunningAverage(s.AvgElo, s.EloSamples, o.Elo)
	s.PerfPct, s.PerfSamples = RunningAverage(s.PerfPct, s.PerfSamples, o.Outcome.Score())
	switch {
	case o.NextFEN == "":
	case s.NextFEN == "":
		s.NextFEN = o.NextFEN
	case s.NextFEN != o.NextFEN:
		s.Transpositions++
	}
}

// Key identifies an edge.
type Key struct {
	FEN     string
	MoveUCI string
}

// IndexedGame is a game together with its position rows.
type IndexedGame struct {
	Game      *model.Game
	Positions []model.GamePosition
}

// Build recomputes every edge of one user from scratch. Games are folded in
// (CreatedAt, ID) order; the transposition count is the number of distinct
// next positions minus one.
func Build(userID uuid.UUID, games []IndexedGame, now time.Time) []model.OpeningStat {
	ordered := make([]IndexedGame, len(games))
	copy(ordered, games)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Game, ordered[j].Game
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	stats := make(map[Key]*model.OpeningStat)
	distinct := make(map[Key]map[string]struct{})
	var keys []Key
	for _, ig := range ordered {
		for _, p := range ig.Positions {
			if !p.HasNext() {
				continue
			}
			k := Key{FEN: p.FEN, MoveUCI: p.NextMoveUCI}
			s, ok := stats[k]
			if !ok {
				s = &model.OpeningStat{UserID: userID, FEN: k.FEN, MoveUCI: k.MoveUCI}
				stats[k] = s
				distinct[k] = make(map[string]struct{})
				keys = append(keys, k)
			}
			Apply(s, Observe(ig.Game, p))
			if p.NextFEN != "" {
				distinct[k][p.NextFEN] = struct{}{}
			}
		}
	}

	out := make([]model.OpeningStat, 0, len(keys))
	for _, k := range keys {
		s := stats[k]
		s.Transpositions = max(len(distinct[k])-1, 0)
		s.UpdatedAt = now
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FEN != out[j].FEN {
			return out[i].FEN < out[j].FEN
		}
		return out[i].MoveUCI < out[j].MoveUCI
	})
	return out
}
