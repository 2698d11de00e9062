package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WatchConfig configures the drop-folder watcher.
type WatchConfig struct {
	WatchDir     string         // Directory to watch for PGN files
	ProcessedDir string         // Directory to move submitted files to
	UserID       uuid.UUID      // Owner of every imported game
	Strict       bool           // Canonical duplicate check
	PollInterval time.Duration  // Backup scan interval when events are missed
	Settle       time.Duration  // Quiet period after a file event before scanning
	Logger       zerolog.Logger // Logger
}

// Watcher submits every PGN archive dropped into a folder as an import job.
type Watcher struct {
	cfg WatchConfig
	sub *Submitter
	log zerolog.Logger
}

// NewWatcher creates a watcher; it returns nil when WatchDir is empty.
func NewWatcher(cfg WatchConfig, sub *Submitter) (*Watcher, error) {
	if cfg.WatchDir == "" {
		return nil, nil // Disabled
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.WatchDir, "processed")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Settle == 0 {
		cfg.Settle = time.Second
	}

	// Ensure directories exist
	if err := os.MkdirAll(cfg.WatchDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ProcessedDir, 0755); err != nil {
		return nil, err
	}

	return &Watcher{
		cfg: cfg,
		sub: sub,
		log: cfg.Logger.With().Str("component", "watcher").Logger(),
	}, nil
}

// Run scans the watch directory on file system events, with a backup ticker,
// until ctx is done.
func (w *Watcher) Run(ctx context.Context) (err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if closeErr := fw.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if err := fw.Add(w.cfg.WatchDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.WatchDir, err)
	}

	w.log.Info().
		Str("watch_dir", w.cfg.WatchDir).
		Str("processed_dir", w.cfg.ProcessedDir).
		Str("user_id", w.cfg.UserID.String()).
		Msg("watcher started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// Stopped until the first event; each event restarts it so a file still
	// being copied in is scanned once writes go quiet.
	settle := time.NewTimer(w.cfg.Settle)
	settle.Stop()
	defer settle.Stop()

	scan := func() {
		if _, err := w.SubmitNewFiles(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("process files failed")
		}
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				settle.Reset(w.cfg.Settle)
			}
		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(werr).Msg("file watcher error")
		case <-settle.C:
			scan()
		case <-ticker.C:
			scan()
		}
	}
}

// SubmitNewFiles submits the PGN files currently in the watch directory in
// name order and moves each submitted file to the processed directory.
func (w *Watcher) SubmitNewFiles(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return 0, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name := e.Name(); isPGNFile(name) {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	submitted := 0
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		srcPath := filepath.Join(w.cfg.WatchDir, name)
		data, err := os.ReadFile(srcPath)
		if err != nil {
			w.log.Error().Err(err).Str("file", name).Msg("read failed")
			continue
		}
		job, err := w.sub.Submit(ctx, Upload{
			UserID:   w.cfg.UserID,
			Filename: name,
			Strict:   w.cfg.Strict,
			Data:     data,
		})
		if err != nil {
			w.log.Error().Err(err).Str("file", name).Msg("submit failed")
			continue
		}

		destPath := filepath.Join(w.cfg.ProcessedDir, name)
		if err := os.Rename(srcPath, destPath); err != nil {
			w.log.Warn().Err(err).Str("file", name).Msg("move to processed failed")
		} else {
			w.log.Info().Str("file", name).Str("job_id", job.ID.String()).Msg("moved to processed")
		}
		submitted++
	}
	return submitted, nil
}

func isPGNFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".zst", ".zstd", ".gz", ".gzip"} {
		if strings.HasSuffix(lower, ext) {
			lower = strings.TrimSuffix(lower, ext)
			break
		}
	}
	return filepath.Ext(lower) == ".pgn"
}
