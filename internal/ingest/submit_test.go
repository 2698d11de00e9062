package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

func TestSubmitStoresUploadAndQueuesJob(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.sub.Submit(ctx, Upload{UserID: f.user, Filename: "lichess.pgn.zst", Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobQueued || job.Compression != "zstd" {
		t.Errorf("job = %+v", job)
	}
	wantKey := "imports/" + f.user.String() + "/" + job.ID.String() + "/lichess.pgn.zst"
	if job.SourceKey != wantKey {
		t.Errorf("source key = %q, want %q", job.SourceKey, wantKey)
	}

	rc, err := f.blobs.GetObjectStream(ctx, job.SourceKey)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "x" {
		t.Errorf("stored upload = %q", data)
	}

	p, err := f.q.Dequeue(ctx, jobs.KindImport)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != job.ID || p.UserID != f.user || p.Attempt != 0 {
		t.Errorf("payload = %+v", p)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.sub.Submit(ctx, Upload{Filename: "a.pgn"}); err == nil {
		t.Error("expected error for missing user")
	}
	if _, err := f.sub.Submit(ctx, Upload{UserID: f.user, Filename: "a.pgn", Compression: "rar"}); err == nil {
		t.Error("expected error for unknown compression")
	}
	if f.q.Len(jobs.KindImport) != 0 {
		t.Error("rejected upload was queued")
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemoryQueue()
	q.Close()
	sub := NewSubmitter(st, blob.NewLocal(t.TempDir()), q, zerolog.Nop())
	user := uuid.New()

	job, err := sub.Submit(context.Background(), Upload{UserID: user, Filename: "a.pgn", Data: []byte("x")})
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("err = %v, want ErrEnqueueFailed", err)
	}
	got, gerr := st.GetImportJob(context.Background(), user, job.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Status != model.JobFailed || got.FinishedAt == nil {
		t.Errorf("status = %s, finished = %v", got.Status, got.FinishedAt)
	}
	if got.Error == "" {
		t.Error("error message not recorded")
	}
}

func TestWatcherSubmitsPGNFiles(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	for name, body := range map[string]string{
		"b.pgn":       archive(1, 0),
		"a.PGN.gz":    string(gzipped(t, archive(2, 0))),
		"notes.txt":   "ignore me",
		"archive.zip": "ignore me",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := NewWatcher(WatchConfig{WatchDir: dir, UserID: f.user, Logger: zerolog.Nop()}, f.sub)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.SubmitNewFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("submitted %d files, want 2", n)
	}

	for _, name := range []string{"a.PGN.gz", "b.pgn"} {
		if _, err := os.Stat(filepath.Join(dir, "processed", name)); err != nil {
			t.Errorf("%s not moved: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("notes.txt should stay: %v", err)
	}

	// Files are submitted in name order and the gzip archive imports.
	ctx := context.Background()
	p, _ := f.q.Dequeue(ctx, jobs.KindImport)
	if err := f.proc.Process(ctx, p); err != nil {
		t.Fatal(err)
	}
	job, _ := f.st.GetImportJob(ctx, f.user, p.ID)
	if job.Filename != "a.PGN.gz" || job.Counters.Inserted != 2 {
		t.Errorf("first job = %s %+v", job.Filename, job.Counters)
	}

	// Nothing left to submit.
	if n, _ := w.SubmitNewFiles(ctx); n != 0 {
		t.Errorf("resubmitted %d files", n)
	}
}

func TestWatcherRunPicksUpDroppedFile(t *testing.T) {
	f := newFixture(t, Config{})
	dir := t.TempDir()
	w, err := NewWatcher(WatchConfig{
		WatchDir:     dir,
		UserID:       f.user,
		PollInterval: time.Hour,
		Settle:       10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}, f.sub)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := os.WriteFile(filepath.Join(dir, "dropped.pgn"), []byte(archive(1, 0)), 0o644); err != nil {
		t.Fatal(err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	p, err := f.q.Dequeue(waitCtx, jobs.KindImport)
	if err != nil {
		t.Fatalf("dropped file not submitted: %v", err)
	}
	job, err := f.st.GetImportJob(waitCtx, f.user, p.ID)
	if err != nil || job.Filename != "dropped.pgn" {
		t.Errorf("job = %+v, %v", job, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestNewWatcherDisabled(t *testing.T) {
	w, err := NewWatcher(WatchConfig{}, nil)
	if err != nil || w != nil {
		t.Errorf("NewWatcher() = %v, %v; want nil, nil", w, err)
	}
}

func TestIsPGNFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"games.pgn", true},
		{"GAMES.PGN", true},
		{"games.pgn.zst", true},
		{"games.pgn.gz", true},
		{"games.zst", false},
		{"games.txt", false},
		{"pgn", false},
	}
	for _, tt := range tests {
		if got := isPGNFile(tt.name); got != tt.want {
			t.Errorf("isPGNFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
