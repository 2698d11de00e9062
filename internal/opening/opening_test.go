package opening

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/position"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestMoverOutcome(t *testing.T) {
	tests := []struct {
		result model.Result
		side   string
		want   Outcome
	}{
		{model.ResultWhiteWins, "w", Win},
		{model.ResultWhiteWins, "b", Loss},
		{model.ResultBlackWins, "b", Win},
		{model.ResultDraw, "b", Draw},
		{model.ResultUnknown, "w", Unknown},
	}
	for _, tt := range tests {
		if got := MoverOutcome(tt.result, tt.side); got != tt.want {
			t.Errorf("MoverOutcome(%s, %s) = %v, want %v", tt.result, tt.side, got, tt.want)
		}
	}
	if Unknown.Score() != nil {
		t.Error("unknown outcome should have no score")
	}
	if *Draw.Score() != 50 {
		t.Errorf("draw score = %v", *Draw.Score())
	}
}

func TestRunningAverage(t *testing.T) {
	tests := []struct {
		name        string
		avg         *float64
		samples     int
		v           *float64
		wantAvg     *float64
		wantSamples int
	}{
		{"first sample", nil, 0, fptr(1500), fptr(1500), 1},
		{"no value keeps average", fptr(1500), 3, nil, fptr(1500), 3},
		{"both empty", nil, 0, nil, nil, 0},
		{"mean", fptr(1500), 1, fptr(1700), fptr(1600), 2},
		{"weighted", fptr(2000), 3, fptr(1000), fptr(1750), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avg, n := RunningAverage(tt.avg, tt.samples, tt.v)
			if n != tt.wantSamples {
				t.Errorf("samples = %d, want %d", n, tt.wantSamples)
			}
			switch {
			case tt.wantAvg == nil && avg != nil:
				t.Errorf("avg = %v, want nil", *avg)
			case tt.wantAvg != nil && (avg == nil || *avg != *tt.wantAvg):
				t.Errorf("avg = %v, want %v", avg, *tt.wantAvg)
			}
		})
	}
}

func TestApplyTranspositions(t *testing.T) {
	var s model.OpeningStat
	Apply(&s, Observation{Outcome: Win, NextFEN: "a"})
	Apply(&s, Observation{Outcome: Loss, NextFEN: "a"})
	Apply(&s, Observation{Outcome: Draw, NextFEN: "b"})
	if s.Games != 3 || s.Wins != 1 || s.Losses != 1 || s.Draws != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.NextFEN != "a" || s.Transpositions != 1 {
		t.Errorf("NextFEN = %q, Transpositions = %d", s.NextFEN, s.Transpositions)
	}
	if s.PerfPct == nil || *s.PerfPct != 50 || s.PerfSamples != 3 {
		t.Errorf("PerfPct = %v over %d", s.PerfPct, s.PerfSamples)
	}
}

func game(result model.Result, white, black *int, created time.Time, moves ...string) IndexedGame {
	g := &model.Game{ID: uuid.New(), Result: result, WhiteElo: white, BlackElo: black, CreatedAt: created}
	return IndexedGame{Game: g, Positions: position.Index("", moves)}
}

func TestBuildMatchesIncremental(t *testing.T) {
	user := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	games := []IndexedGame{
		game(model.ResultWhiteWins, iptr(1800), iptr(1750), base, "e4", "e5", "Nf3"),
		game(model.ResultDraw, nil, iptr(2100), base.Add(time.Minute), "e4", "c5"),
		game(model.ResultBlackWins, iptr(1500), nil, base.Add(2*time.Minute), "e4", "e5", "Nf3", "Nc6"),
		game(model.ResultUnknown, iptr(1600), iptr(1600), base.Add(3*time.Minute), "d4"),
	}

	incremental := make(map[Key]*model.OpeningStat)
	for _, ig := range games {
		for _, p := range ig.Positions {
			if !p.HasNext() {
				continue
			}
			k := Key{p.FEN, p.NextMoveUCI}
			s, ok := incremental[k]
			if !ok {
				s = &model.OpeningStat{UserID: user, FEN: p.FEN, MoveUCI: p.NextMoveUCI}
				incremental[k] = s
			}
			Apply(s, Observe(ig.Game, p))
		}
	}

	// Reverse input order; Build must sort by creation time itself.
	reversed := []IndexedGame{games[3], games[2], games[1], games[0]}
	bulk := Build(user, reversed, base)
	if len(bulk) != len(incremental) {
		t.Fatalf("bulk has %d edges, incremental %d", len(bulk), len(incremental))
	}
	for _, b := range bulk {
		inc := incremental[Key{b.FEN, b.MoveUCI}]
		if inc == nil {
			t.Fatalf("edge %s %s missing from incremental", b.FEN, b.MoveUCI)
		}
		if b.Games != inc.Games || b.Wins != inc.Wins || b.Draws != inc.Draws || b.Losses != inc.Losses {
			t.Errorf("%s: counts differ bulk=%+v inc=%+v", b.MoveUCI, b, *inc)
		}
		if !sameAvg(b.AvgElo, inc.AvgElo) || b.EloSamples != inc.EloSamples {
			t.Errorf("%s: elo differs %v/%d vs %v/%d", b.MoveUCI, b.AvgElo, b.EloSamples, inc.AvgElo, inc.EloSamples)
		}
		if !sameAvg(b.PerfPct, inc.PerfPct) || b.PerfSamples != inc.PerfSamples {
			t.Errorf("%s: perf differs", b.MoveUCI)
		}
		if b.Transpositions != inc.Transpositions || b.NextFEN != inc.NextFEN {
			t.Errorf("%s: transpositions %d/%q vs %d/%q", b.MoveUCI, b.Transpositions, b.NextFEN, inc.Transpositions, inc.NextFEN)
		}
	}

	// 1. e4 was played in three games; white rated 1800 and 1500, one unrated.
	for _, b := range bulk {
		if b.MoveUCI != "e2e4" {
			continue
		}
		if b.Games != 3 || b.Wins != 1 || b.Draws != 1 || b.Losses != 1 {
			t.Errorf("e2e4 counts = %+v", b)
		}
		if b.EloSamples != 2 || *b.AvgElo != 1650 {
			t.Errorf("e2e4 elo = %v over %d", *b.AvgElo, b.EloSamples)
		}
	}
}

func sameAvg(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) < 1e-9
}
