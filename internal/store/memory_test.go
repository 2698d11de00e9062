package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

func insert(t *testing.T, m *Memory, g *model.Game) error {
	t.Helper()
	return m.WithTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertGame(context.Background(), g); err != nil {
			return err
		}
		return tx.SaveGameSource(context.Background(), g.UserID, g.ID, "1. e4 *", &model.MoveTree{})
	})
}

func TestMemoryDuplicateMovesHash(t *testing.T) {
	m := NewMemory()
	user := uuid.New()
	if err := insert(t, m, &model.Game{UserID: user, MovesHash: "h1"}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := insert(t, m, &model.Game{UserID: user, MovesHash: "h1"})
	if !errors.Is(err, ErrDuplicateGame) {
		t.Errorf("expected ErrDuplicateGame, got %v", err)
	}
	// Other users may hold the same game.
	if err := insert(t, m, &model.Game{UserID: uuid.New(), MovesHash: "h1"}); err != nil {
		t.Errorf("other user insert: %v", err)
	}
}

func TestMemoryRollback(t *testing.T) {
	m := NewMemory()
	user := uuid.New()
	boom := errors.New("boom")
	err := m.WithTx(context.Background(), func(tx Tx) error {
		g := &model.Game{UserID: user, MovesHash: "h"}
		if err := tx.InsertGame(context.Background(), g); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v", err)
	}
	if n, _ := m.CountGames(context.Background(), user); n != 0 {
		t.Errorf("rolled back game is visible: %d games", n)
	}

	m.FailTransactions(boom)
	if err := insert(t, m, &model.Game{UserID: user, MovesHash: "h"}); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestMemoryTxJournal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := uuid.New()
	g := &model.Game{UserID: user, MovesHash: "h", CanonicalHash: "c"}
	if err := insert(t, m, g); err != nil {
		t.Fatal(err)
	}
	row := model.GamePosition{UserID: user, GameID: g.ID, Ply: 0, FEN: "start", NextMoveUCI: "e2e4"}
	if err := m.WithTx(ctx, func(tx Tx) error {
		return tx.UpsertPositions(ctx, []model.GamePosition{row})
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx Tx) error {
		// Reads see this transaction's writes.
		other := &model.Game{UserID: user, MovesHash: "h2", CanonicalHash: "c2"}
		if err := tx.InsertGame(ctx, other); err != nil {
			return err
		}
		if ok, _ := tx.MovesHashExists(ctx, user, "h2"); !ok {
			t.Error("uncommitted moves hash not visible inside the transaction")
		}
		if ok, _ := tx.CanonicalExists(ctx, user, "c2"); !ok {
			t.Error("uncommitted canonical hash not visible inside the transaction")
		}
		if err := tx.SaveGameSource(ctx, user, other.ID, "1. d4 *", &model.MoveTree{}); err != nil {
			return err
		}

		moved := row
		moved.NextMoveUCI = "d2d4"
		if err := tx.ReplacePositions(ctx, user, g.ID, []model.GamePosition{moved}); err != nil {
			return err
		}
		if err := tx.UpdateOpeningStat(ctx, user, "start", "e2e4", func(s *model.OpeningStat) { s.Games++ }); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v", err)
	}

	if n, _ := m.CountGames(ctx, user); n != 1 {
		t.Errorf("games = %d, want 1", n)
	}
	rows, _ := m.ListPositions(ctx, user, g.ID)
	if len(rows) != 1 || rows[0].NextMoveUCI != "e2e4" {
		t.Errorf("positions after rollback = %+v", rows)
	}
	if stats, _ := m.ListOpeningStats(ctx, user, ""); len(stats) != 0 {
		t.Errorf("opening stats after rollback = %+v", stats)
	}
	if err := m.WithTx(ctx, func(tx Tx) error {
		if ok, _ := tx.MovesHashExists(ctx, user, "h2"); ok {
			t.Error("rolled back moves hash is visible")
		}
		if ok, _ := tx.CanonicalExists(ctx, user, "c"); !ok {
			t.Error("committed canonical hash lost")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryCancelEngineRequest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := uuid.New()

	queued := &model.EngineRequest{UserID: user, Status: model.RequestQueued}
	running := &model.EngineRequest{UserID: user, Status: model.RequestQueued}
	done := &model.EngineRequest{UserID: user, Status: model.RequestCompleted}
	for _, r := range []*model.EngineRequest{queued, running, done} {
		if err := m.InsertEngineRequest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, err := m.ClaimEngineRequest(ctx, running.ID); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	got, err := m.CancelEngineRequest(ctx, user, queued.ID)
	if err != nil || got.Status != model.RequestCancelled || !got.CancelRequested {
		t.Errorf("queued cancel = %+v, %v", got, err)
	}
	got, err = m.CancelEngineRequest(ctx, user, running.ID)
	if err != nil || got.Status != model.RequestRunning || !got.CancelRequested {
		t.Errorf("running cancel = %+v, %v", got, err)
	}
	got, err = m.CancelEngineRequest(ctx, user, done.ID)
	if err != nil || got.Status != model.RequestCompleted || got.CancelRequested {
		t.Errorf("terminal cancel = %+v, %v", got, err)
	}
	if _, err := m.CancelEngineRequest(ctx, uuid.New(), queued.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign cancel: %v", err)
	}
	if _, ok, _ := m.ClaimEngineRequest(ctx, queued.ID); ok {
		t.Error("cancelled request must not be claimable")
	}
}

func TestMemoryClaimEngineRequest(t *testing.T) {
	tests := []struct {
		name   string
		req    model.EngineRequest
		claims bool
	}{
		{"queued", model.EngineRequest{Status: model.RequestQueued}, true},
		{"orphaned running", model.EngineRequest{Status: model.RequestRunning}, true},
		{"interrupted", model.EngineRequest{Status: model.RequestFailed, Error: model.InterruptedPrefix + "context canceled"}, true},
		{"failed", model.EngineRequest{Status: model.RequestFailed, Error: "engine crashed"}, false},
		{"running with cancel flag", model.EngineRequest{Status: model.RequestRunning, CancelRequested: true}, false},
		{"completed", model.EngineRequest{Status: model.RequestCompleted}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMemory()
			req := tt.req
			req.UserID = uuid.New()
			if err := m.InsertEngineRequest(ctx, &req); err != nil {
				t.Fatal(err)
			}
			got, claimed, err := m.ClaimEngineRequest(ctx, req.ID)
			if err != nil {
				t.Fatal(err)
			}
			if claimed != tt.claims {
				t.Fatalf("claimed = %v, want %v", claimed, tt.claims)
			}
			if claimed && (got.Status != model.RequestRunning || got.Error != "" || got.FinishedAt != nil) {
				t.Errorf("claimed row = %+v", got)
			}
			if !claimed && got.Status != tt.req.Status {
				t.Errorf("status changed to %s", got.Status)
			}
		})
	}
}

func TestMemoryEngineLineKeepsDeepest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := uuid.New()
	deep := &model.EngineLine{UserID: user, FEN: "f", Engine: "sf", Depth: 30, Result: model.EngineResult{BestMove: "e2e4"}}
	shallow := &model.EngineLine{UserID: user, FEN: "f", Engine: "sf", Depth: 10, Result: model.EngineResult{BestMove: "d2d4"}}
	_ = m.UpsertEngineLine(ctx, deep)
	_ = m.UpsertEngineLine(ctx, shallow)

	got, err := m.LookupEngineLine(ctx, user, "f", "sf", 20)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Result.BestMove != "e2e4" {
		t.Errorf("BestMove = %q", got.Result.BestMove)
	}
	if _, err := m.LookupEngineLine(ctx, user, "f", "sf", 31); !errors.Is(err, ErrNotFound) {
		t.Errorf("too shallow lookup: %v", err)
	}
}

func TestMemorySelectExportFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	user := uuid.New()
	elo := func(v int) *int { return &v }

	a := &model.Game{UserID: user, MovesHash: "a", WhiteNorm: "alice", BlackNorm: "bob", ECO: "C50", Result: model.ResultWhiteWins, WhiteElo: elo(2000), BlackElo: elo(1800)}
	b := &model.Game{UserID: user, MovesHash: "b", WhiteNorm: "carol", BlackNorm: "alice", ECO: "B20", Result: model.ResultDraw}
	c := &model.Game{UserID: uuid.New(), MovesHash: "c", WhiteNorm: "alice", ECO: "C50"}
	for _, g := range []*model.Game{a, b, c} {
		if err := insert(t, m, g); err != nil {
			t.Fatal(err)
		}
	}
	coll := uuid.New()
	if err := m.AddToCollection(ctx, user, coll, b.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter *model.ExportFilter
		want   int
	}{
		{"nil filter", nil, 2},
		{"empty filter", &model.ExportFilter{}, 2},
		{"player", &model.ExportFilter{Player: "ALICE"}, 2},
		{"eco prefix", &model.ExportFilter{ECO: "c"}, 1},
		{"result", &model.ExportFilter{Result: model.ResultDraw}, 1},
		{"avg elo", &model.ExportFilter{AvgEloMin: elo(1900)}, 1},
		{"avg elo excludes unrated", &model.ExportFilter{AvgEloMax: elo(3000)}, 1},
		{"collection", &model.ExportFilter{CollectionID: &coll}, 1},
		{"combined", &model.ExportFilter{Player: "alice", ECO: "B"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := m.SelectExport(ctx, user, Selection{Filter: tt.filter})
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != tt.want {
				t.Errorf("got %d rows, want %d", len(rows), tt.want)
			}
		})
	}

	rows, err := m.SelectExport(ctx, user, Selection{GameIDs: []uuid.UUID{c.ID, a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].GameID != a.ID {
		t.Errorf("explicit ids must be scoped to the user: %+v", rows)
	}
}
