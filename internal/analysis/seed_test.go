package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

func TestSeed(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	user := uuid.New()
	csv := strings.Join([]string{
		"fen,engine,depth,best_move,cp,mate,pv",
		startFEN + ",Stockfish,30,e2e4,25,,e2e4 e7e5 g1f3",
		e4FEN + ",stockfish,24,,,-3,c7c5",
		d4FEN + ",stockfish,0,d7d5,10,,",
		"not a fen,stockfish,20,e2e4,5,,",
		startNorm + ",stockfish,20,z9z9,5,,",
		d4FEN + ",stockfish,22,g8f6,,,",
	}, "\n")

	stats, err := Seed(ctx, st, strings.NewReader(csv), user, "", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Imported != 2 || stats.Invalid != 4 {
		t.Errorf("stats = %+v, want 2 imported 4 invalid", stats)
	}

	line, err := st.LookupEngineLine(ctx, user, startNorm, "stockfish", 30)
	if err != nil {
		t.Fatal(err)
	}
	if line.Result.BestMove != "e2e4" || *line.Result.ScoreCP != 25 || len(line.Result.PV) != 3 {
		t.Errorf("start line = %+v", line.Result)
	}

	e4Norm := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3"
	line, err = st.LookupEngineLine(ctx, user, e4Norm, "stockfish", 1)
	if err != nil {
		t.Fatal(err)
	}
	if line.Result.Mate == nil || *line.Result.Mate != -3 || line.Result.BestMove != "c7c5" {
		t.Errorf("e4 line = %+v", line.Result)
	}
}

func TestSeedEngineOverride(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	csv := "FEN,Engine,Depth,Best_Move,CP,Mate,PV\n" + startFEN + ",,18,d2d4,12,,\n"
	if _, err := Seed(context.Background(), st, strings.NewReader(csv), user, "lc0", zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if _, err := st.LookupEngineLine(context.Background(), user, startNorm, "lc0", 18); err != nil {
		t.Errorf("override engine line: %v", err)
	}
}

func TestSeedRejectsHeader(t *testing.T) {
	_, err := Seed(context.Background(), store.NewMemory(), strings.NewReader("position,cp\nabc,1\n"), uuid.New(), "", zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "invalid header") {
		t.Errorf("err = %v", err)
	}
	if _, err := Seed(context.Background(), store.NewMemory(), strings.NewReader(""), uuid.Nil, "", zerolog.Nop()); err == nil {
		t.Error("expected error without user")
	}
}

type failingWriter struct{}

func (failingWriter) UpsertEngineLine(context.Context, *model.EngineLine) error {
	return errors.New("db down")
}

func TestSeedStoreError(t *testing.T) {
	csv := "fen,engine,depth,best_move,cp,mate,pv\n" + startFEN + ",stockfish,20,e2e4,5,,\n"
	stats, err := Seed(context.Background(), failingWriter{}, strings.NewReader(csv), uuid.New(), "", zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "db down") || stats.Imported != 0 {
		t.Errorf("stats=%+v err=%v", stats, err)
	}
}
