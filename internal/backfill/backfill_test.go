package backfill

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/position"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

// insertBare stores a game and its move tree without indexing it.
func insertBare(t *testing.T, st *store.Memory, user uuid.UUID, startFEN string, sans ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	g := &model.Game{
		UserID:    user,
		Result:    model.ResultDraw,
		StartFEN:  startFEN,
		MovesHash: uuid.NewString(),
		PlyCount:  len(sans),
	}
	tree := &model.MoveTree{StartFEN: startFEN}
	for i, san := range sans {
		tree.Moves = append(tree.Moves, model.MoveNode{Ply: i + 1, SAN: san})
	}
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertGame(ctx, g); err != nil {
			return err
		}
		return tx.SaveGameSource(ctx, user, g.ID, "", tree)
	})
	if err != nil {
		t.Fatal(err)
	}
	return g.ID
}

func TestPositionsBackfill(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	other := uuid.New()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		ids = append(ids, insertBare(t, st, user, "", "e4", "e5", "Nf3"))
	}
	broken := insertBare(t, st, user, "not a fen", "e4")
	foreign := insertBare(t, st, other, "", "d4")

	bf := NewPositions(st, 3, zerolog.Nop())
	res, err := bf.Run(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if res.Games != 7 || res.Rows != 28 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}

	want := position.Index("", []string{"e4", "e5", "Nf3"})
	for _, id := range ids {
		got, err := st.ListPositions(ctx, user, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("game %s: %d rows, want %d", id, len(got), len(want))
		}
		for i := range want {
			w := want[i]
			w.UserID, w.GameID = user, id
			if got[i] != w {
				t.Errorf("game %s ply %d = %+v, want %+v", id, i, got[i], w)
			}
		}
	}

	if rows, _ := st.ListPositions(ctx, user, broken); len(rows) != 0 {
		t.Errorf("broken game indexed: %v", rows)
	}
	if rows, _ := st.ListPositions(ctx, other, foreign); len(rows) != 0 {
		t.Errorf("other user's game indexed")
	}
}

func TestPositionsBackfillIdempotent(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	ctx := context.Background()
	id := insertBare(t, st, user, "", "d4", "Nf6", "c4", "e6")

	bf := NewPositions(st, 0, zerolog.Nop())
	if _, err := bf.Run(ctx, user); err != nil {
		t.Fatal(err)
	}
	first, _ := st.ListPositions(ctx, user, id)

	res, err := bf.Run(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if res.Games != 0 {
		t.Errorf("second run re-indexed %d games", res.Games)
	}
	second, _ := st.ListPositions(ctx, user, id)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("positions changed between runs")
	}
}

func TestPositionsBackfillStoreFailure(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	insertBare(t, st, user, "", "e4")
	st.FailTransactions(errors.New("connection reset"))

	_, err := NewPositions(st, 0, zerolog.Nop()).Run(context.Background(), user)
	if err == nil {
		t.Fatal("expected error")
	}
}

func importPGN(t *testing.T, st *store.Memory, blobs blob.Store, user uuid.UUID, pgn string) {
	t.Helper()
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	job, err := ingest.NewSubmitter(st, blobs, q, zerolog.Nop()).Submit(ctx, ingest.Upload{
		UserID: user, Filename: "games.pgn", Data: []byte(pgn),
	})
	if err != nil {
		t.Fatal(err)
	}
	proc := ingest.NewProcessor(ingest.Config{Logger: zerolog.Nop()}, st, blobs)
	if err := proc.Process(ctx, jobs.Payload{Kind: jobs.KindImport, ID: job.ID, UserID: user}); err != nil {
		t.Fatal(err)
	}
}

func pgnGame(white, black int, result, moves string) string {
	return fmt.Sprintf("[White \"w\"]\n[Black \"b\"]\n[WhiteElo \"%d\"]\n[BlackElo \"%d\"]\n[Result %q]\n\n%s %s\n\n",
		white, black, result, moves, result)
}

func snapshot(t *testing.T, st store.OpeningStore, user uuid.UUID) []model.OpeningStat {
	t.Helper()
	stats, err := st.ListOpeningStats(context.Background(), user, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := range stats {
		stats[i].UpdatedAt = time.Time{}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].FEN != stats[j].FEN {
			return stats[i].FEN < stats[j].FEN
		}
		return stats[i].MoveUCI < stats[j].MoveUCI
	})
	return stats
}

func TestOpeningsBackfillMatchesIncremental(t *testing.T) {
	st := store.NewMemory()
	blobs := blob.NewLocal(t.TempDir())
	user := uuid.New()
	ctx := context.Background()
	openings := NewOpenings(st, zerolog.Nop())

	importPGN(t, st, blobs, user,
		pgnGame(2000, 1900, "1-0", "1. e4 e5 2. Nf3 Nc6")+
			pgnGame(1800, 2100, "1/2-1/2", "1. e4 c5 2. Nf3 d6")+
			pgnGame(1500, 1500, "0-1", "1. d4 d5"))
	if _, err := openings.Run(ctx, user); err != nil {
		t.Fatal(err)
	}

	// One more game on top of the bulk result, folded incrementally.
	importPGN(t, st, blobs, user, pgnGame(2200, 2000, "1-0", "1. e4 e5 2. Nf3 Nf6"))
	incremental := snapshot(t, st, user)

	n, err := openings.Run(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	bulk := snapshot(t, st, user)

	if n != len(bulk) {
		t.Errorf("Run returned %d edges, store has %d", n, len(bulk))
	}
	if !reflect.DeepEqual(incremental, bulk) {
		t.Errorf("incremental and bulk aggregates differ:\nincremental %+v\nbulk        %+v", incremental, bulk)
	}

	// Running it again changes nothing.
	if _, err := openings.Run(ctx, user); err != nil {
		t.Fatal(err)
	}
	if again := snapshot(t, st, user); !reflect.DeepEqual(bulk, again) {
		t.Error("second rebuild changed the aggregate")
	}
}

func TestOpeningsBackfillRollsBack(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	ctx := context.Background()
	importPGN(t, st, blob.NewLocal(t.TempDir()), user, pgnGame(2000, 2000, "1-0", "1. e4 e5"))
	before := snapshot(t, st, user)

	st.FailTransactions(errors.New("disk full"))
	if _, err := NewOpenings(st, zerolog.Nop()).Run(ctx, user); err == nil {
		t.Fatal("expected error")
	}
	st.FailTransactions(nil)

	if after := snapshot(t, st, user); !reflect.DeepEqual(before, after) {
		t.Error("failed rebuild modified the aggregate")
	}
}

func TestHandler(t *testing.T) {
	st := store.NewMemory()
	user := uuid.New()
	id := insertBare(t, st, user, "", "e4", "e5")
	h := &Handler{
		Positions: NewPositions(st, 0, zerolog.Nop()),
		Openings:  NewOpenings(st, zerolog.Nop()),
	}
	ctx := context.Background()

	if err := h.Process(ctx, jobs.Payload{Kind: jobs.KindBackfillPositions, UserID: user}); err != nil {
		t.Fatal(err)
	}
	if rows, _ := st.ListPositions(ctx, user, id); len(rows) != 3 {
		t.Errorf("positions = %d, want 3", len(rows))
	}
	if err := h.Process(ctx, jobs.Payload{Kind: jobs.KindBackfillOpenings, UserID: user}); err != nil {
		t.Fatal(err)
	}
	if stats, _ := st.ListOpeningStats(ctx, user, ""); len(stats) != 2 {
		t.Errorf("opening edges = %d, want 2", len(stats))
	}

	tests := []struct {
		name string
		p    jobs.Payload
	}{
		{"no user", jobs.Payload{Kind: jobs.KindBackfillOpenings}},
		{"wrong kind", jobs.Payload{Kind: jobs.KindExport, UserID: user}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.Process(ctx, tt.p); !jobs.IsPermanent(err) {
				t.Errorf("err = %v, want permanent", err)
			}
		})
	}
}
