package analysis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/validation"
)

const (
	startFEN  = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	startNorm = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"
	e4FEN     = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	d4FEN     = "rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq d3 0 1"
)

// fakeAnalyzer returns a fixed result, or blocks until ctx ends when block
// is set.
type fakeAnalyzer struct {
	block   bool
	err     error
	started chan struct{}
	calls   atomic.Int32
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{started: make(chan struct{}, 8)}
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, fen string, limits model.EngineLimits) (*model.EngineResult, error) {
	a.calls.Add(1)
	a.started <- struct{}{}
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.err != nil {
		return nil, a.err
	}
	cp := 31
	return &model.EngineResult{BestMove: "e2e4", ScoreCP: &cp, Depth: limits.Depth, Nodes: 1000, PV: []string{"e2e4", "e7e5"}}, nil
}

type fixture struct {
	st   *store.Memory
	q    *queue.MemoryQueue
	svc  *Service
	fake *fakeAnalyzer
	w    *Worker
	user uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:   store.NewMemory(),
		q:    queue.NewMemoryQueue(),
		fake: newFakeAnalyzer(),
		user: uuid.New(),
	}
	f.svc = NewService(Config{Engine: "stockfish", DefaultDepth: 12, StreamInterval: 5 * time.Millisecond, Logger: zerolog.Nop()}, f.st, f.q)
	f.w = NewWorker(WorkerConfig{CancelPollInterval: 5 * time.Millisecond, Logger: zerolog.Nop()}, f.st, f.fake)
	return f
}

func (f *fixture) create(t *testing.T, fen string, depth int) *model.EngineRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), CreateRequest{UserID: f.user, FEN: fen, Depth: depth})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

// process dequeues the next analysis payload and runs the worker on it.
func (f *fixture) process(t *testing.T, ctx context.Context) error {
	t.Helper()
	p, err := f.q.Dequeue(ctx, jobs.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	return f.w.Process(ctx, p)
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *model.EngineRequest {
	t.Helper()
	req, err := f.svc.Get(context.Background(), f.user, id)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestCreateQueues(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, "  "+startFEN, 0)
	if req.Status != model.RequestQueued || req.FromCache {
		t.Errorf("status=%s from_cache=%v", req.Status, req.FromCache)
	}
	if req.FEN != startNorm {
		t.Errorf("fen = %q, want %q", req.FEN, startNorm)
	}
	if req.Limits.Depth != 12 || req.Engine != "stockfish" {
		t.Errorf("limits=%+v engine=%q", req.Limits, req.Engine)
	}
	if f.q.Len(jobs.KindAnalysis) != 1 {
		t.Errorf("queued payloads = %d, want 1", f.q.Len(jobs.KindAnalysis))
	}
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		name string
		cr   CreateRequest
	}{
		{"no user", CreateRequest{FEN: startFEN}},
		{"no fen", CreateRequest{UserID: f.user}},
		{"bad fen", CreateRequest{UserID: f.user, FEN: "8/8/8 w - -"}},
		{"depth", CreateRequest{UserID: f.user, FEN: startFEN, Depth: 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.cr); !errors.Is(err, validation.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
	if f.q.Len(jobs.KindAnalysis) != 0 {
		t.Error("rejected request was queued")
	}
}

func TestCompletedAnalysisServesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, startFEN, 14)
	if err := f.process(t, ctx); err != nil {
		t.Fatal(err)
	}
	got := f.get(t, first.ID)
	if got.Status != model.RequestCompleted || got.Result == nil || got.Result.BestMove != "e2e4" {
		t.Fatalf("after worker: %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not set")
	}

	// Same position, shallower or equal depth: answered without the engine.
	for _, depth := range []int{14, 10} {
		again := f.create(t, startFEN, depth)
		if again.Status != model.RequestCompleted || !again.FromCache {
			t.Errorf("depth %d: status=%s from_cache=%v", depth, again.Status, again.FromCache)
		}
		if again.Result == nil || again.Result.Depth != 14 {
			t.Errorf("depth %d: result = %+v", depth, again.Result)
		}
	}
	if f.q.Len(jobs.KindAnalysis) != 0 || f.fake.calls.Load() != 1 {
		t.Errorf("queued=%d engine calls=%d", f.q.Len(jobs.KindAnalysis), f.fake.calls.Load())
	}

	// Deeper than the cache: a real search.
	deeper := f.create(t, startFEN, 20)
	if deeper.Status != model.RequestQueued {
		t.Errorf("deeper request status = %s, want queued", deeper.Status)
	}

	// Caches are per user.
	other, err := f.svc.Create(ctx, CreateRequest{UserID: uuid.New(), FEN: startFEN, Depth: 10})
	if err != nil {
		t.Fatal(err)
	}
	if other.FromCache {
		t.Error("another user's cache was used")
	}
}

func TestAdmissionLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for _, fen := range []string{startFEN, e4FEN, d4FEN} {
		ids = append(ids, f.create(t, fen, 0).ID)
	}
	_, err := f.svc.Create(ctx, CreateRequest{UserID: f.user, FEN: startFEN, Depth: 30})
	if !errors.Is(err, ErrTooManyInFlight) {
		t.Fatalf("fourth request: err = %v, want ErrTooManyInFlight", err)
	}

	// Other users are unaffected.
	if _, err := f.svc.Create(ctx, CreateRequest{UserID: uuid.New(), FEN: startFEN}); err != nil {
		t.Errorf("other user: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, f.user, ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, CreateRequest{UserID: f.user, FEN: startFEN, Depth: 30}); err != nil {
		t.Errorf("after cancel: %v", err)
	}
}

func TestCreateEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.q.Close()
	req, err := f.svc.Create(context.Background(), CreateRequest{UserID: f.user, FEN: startFEN})
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("err = %v, want ErrEnqueueFailed", err)
	}
	got := f.get(t, req.ID)
	if got.Status != model.RequestFailed || !strings.HasPrefix(got.Error, "enqueue failed") {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestCancelQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, startFEN, 0)

	got, err := f.svc.Cancel(ctx, f.user, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RequestCancelled || !got.CancelRequested {
		t.Errorf("status=%s flag=%v", got.Status, got.CancelRequested)
	}

	// The worker sees a finished request and leaves it alone.
	if err := f.process(t, ctx); err != nil {
		t.Fatal(err)
	}
	if f.fake.calls.Load() != 0 {
		t.Error("cancelled request reached the engine")
	}
	if s := f.get(t, req.ID).Status; s != model.RequestCancelled {
		t.Errorf("status = %s", s)
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, startFEN, 0)
	if err := f.process(t, ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Cancel(ctx, f.user, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RequestCompleted || got.CancelRequested {
		t.Errorf("status=%s flag=%v", got.Status, got.CancelRequested)
	}
	if _, err := f.svc.Cancel(ctx, uuid.New(), req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign cancel: err = %v", err)
	}
}

func TestWorkerCancelRunning(t *testing.T) {
	f := newFixture(t)
	f.fake.block = true
	ctx := context.Background()
	req := f.create(t, startFEN, 0)
	p, err := f.q.Dequeue(ctx, jobs.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.w.Process(ctx, p) }()

	select {
	case <-f.fake.started:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never started")
	}
	if s := f.get(t, req.ID).Status; s != model.RequestRunning {
		t.Fatalf("status while searching = %s", s)
	}
	if _, err := f.svc.Cancel(ctx, f.user, req.ID); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	got := f.get(t, req.ID)
	if got.Status != model.RequestCancelled || got.Result != nil {
		t.Errorf("status=%s result=%+v", got.Status, got.Result)
	}
	if _, err := f.st.LookupEngineLine(ctx, f.user, startNorm, "stockfish", 1); !errors.Is(err, store.ErrNotFound) {
		t.Error("cancelled search was cached")
	}
}

func TestWorkerShutdown(t *testing.T) {
	f := newFixture(t)
	f.fake.block = true
	req := f.create(t, startFEN, 0)
	p, err := f.q.Dequeue(context.Background(), jobs.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Process(ctx, p) }()
	<-f.fake.started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	got := f.get(t, req.ID)
	if got.Status != model.RequestFailed || !strings.HasPrefix(got.Error, "interrupted") {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestWorkerRedeliveryAfterShutdown(t *testing.T) {
	f := newFixture(t)
	f.fake.block = true
	req := f.create(t, startFEN, 0)
	p, err := f.q.Dequeue(context.Background(), jobs.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Process(ctx, p) }()
	<-f.fake.started
	cancel()
	<-done

	// The same payload comes back after restart.
	f.fake.block = false
	if err := f.w.Process(context.Background(), p); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := f.get(t, req.ID)
	if got.Status != model.RequestCompleted || got.Error != "" || got.Result == nil {
		t.Errorf("status=%s error=%q result=%+v", got.Status, got.Error, got.Result)
	}
	if n := f.fake.calls.Load(); n != 2 {
		t.Errorf("analyzer calls = %d, want 2", n)
	}
}

func TestWorkerRedeliveryAfterCrash(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
		status model.RequestStatus
		calls  int32
	}{
		{"reruns orphaned request", false, model.RequestCompleted, 1},
		{"honours cancel flag", true, model.RequestCancelled, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			req := f.create(t, startFEN, 0)
			p, err := f.q.Dequeue(ctx, jobs.KindAnalysis)
			if err != nil {
				t.Fatal(err)
			}
			// A worker claimed the request and died before finishing it.
			if _, claimed, err := f.st.ClaimEngineRequest(ctx, req.ID); err != nil || !claimed {
				t.Fatalf("claim: claimed=%v err=%v", claimed, err)
			}
			if tt.cancel {
				if _, err := f.svc.Cancel(ctx, f.user, req.ID); err != nil {
					t.Fatal(err)
				}
			}

			if err := f.w.Process(ctx, p); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if s := f.get(t, req.ID).Status; s != tt.status {
				t.Errorf("status = %s, want %s", s, tt.status)
			}
			if n := f.fake.calls.Load(); n != tt.calls {
				t.Errorf("analyzer calls = %d, want %d", n, tt.calls)
			}
			if n, _ := f.st.CountInFlight(ctx, f.user); n != 0 {
				t.Errorf("in flight = %d, want 0", n)
			}
		})
	}
}

func TestWorkerSkipsFinishedRequest(t *testing.T) {
	f := newFixture(t)
	f.fake.err = errors.New("engine crashed")
	req := f.create(t, startFEN, 0)
	p, err := f.q.Dequeue(context.Background(), jobs.KindAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	_ = f.w.Process(context.Background(), p)

	// A duplicate delivery of a genuinely failed request does not rerun it.
	f.fake.err = nil
	if err := f.w.Process(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if got := f.get(t, req.ID); got.Status != model.RequestFailed || f.fake.calls.Load() != 1 {
		t.Errorf("status=%s calls=%d", got.Status, f.fake.calls.Load())
	}
}

func TestWorkerAnalyzerError(t *testing.T) {
	f := newFixture(t)
	f.fake.err = errors.New("engine crashed")
	req := f.create(t, startFEN, 0)

	err := f.process(t, context.Background())
	if !jobs.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	got := f.get(t, req.ID)
	if got.Status != model.RequestFailed || got.Error != "engine crashed" {
		t.Errorf("status=%s error=%q", got.Status, got.Error)
	}
}

func TestWorkerRejectsForeignPayload(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, startFEN, 0)
	err := f.w.Process(context.Background(), jobs.Payload{Kind: jobs.KindAnalysis, ID: req.ID, UserID: uuid.New()})
	if !errors.Is(err, jobs.ErrUserMismatch) || !jobs.IsPermanent(err) {
		t.Errorf("err = %v", err)
	}
	err = f.w.Process(context.Background(), jobs.Payload{Kind: jobs.KindAnalysis, ID: uuid.New()})
	if !errors.Is(err, store.ErrNotFound) || !jobs.IsPermanent(err) {
		t.Errorf("missing request: err = %v", err)
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.create(t, startFEN, 0)

	ch, err := f.svc.Watch(ctx, f.user, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if first.Status != model.RequestQueued {
		t.Errorf("first snapshot status = %s", first.Status)
	}
	if err := f.process(t, ctx); err != nil {
		t.Fatal(err)
	}

	var last model.EngineRequest
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case snap, ok := <-ch:
			if ok {
				last = snap
			}
			open = ok
		case <-timeout:
			t.Fatal("watch did not close")
		}
	}
	if last.Status != model.RequestCompleted || last.Result == nil {
		t.Errorf("last snapshot = %+v", last)
	}

	if _, err := f.svc.Watch(ctx, uuid.New(), req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign watch: err = %v", err)
	}
}

func TestWatchStopsWithContext(t *testing.T) {
	f := newFixture(t)
	req := f.create(t, startFEN, 0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.svc.Watch(ctx, f.user, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch did not close after cancel")
		}
	}
}

func TestNewUCIAnalyzer(t *testing.T) {
	if _, err := NewUCIAnalyzer(UCIConfig{}); err == nil {
		t.Error("expected error without engine path")
	}
	a, err := NewUCIAnalyzer(UCIConfig{EnginePath: "/nonexistent/stockfish", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.Analyze(context.Background(), startNorm, model.EngineLimits{}); err == nil {
		t.Error("expected error without depth")
	}
}
