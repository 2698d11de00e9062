// Package ingest runs import jobs: it streams an uploaded archive, normalizes
// each game and writes games, positions and opening edges.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/eco"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/normalize"
	"github.com/LuKev/chess-db-sub001/internal/opening"
	"github.com/LuKev/chess-db-sub001/internal/pgnparse"
	"github.com/LuKev/chess-db-sub001/internal/pgnstream"
	"github.com/LuKev/chess-db-sub001/internal/position"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

// Store is what the import processor persists through.
type Store interface {
	store.Transactor
	store.ImportJobStore
}

// Config configures the import processor.
type Config struct {
	ProgressEvery int // Persist counters every N games (default 100)
	MaxGameBytes  int // Per-game buffer limit of the decoder (0 = unlimited)
	ECO           *eco.Database
	Logger        zerolog.Logger
}

// Processor executes import jobs. It is safe for concurrent use.
type Processor struct {
	cfg   Config
	st    Store
	blobs blob.Store
	log   zerolog.Logger
}

func NewProcessor(cfg Config, st Store, blobs blob.Store) *Processor {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 100
	}
	return &Processor{
		cfg:   cfg,
		st:    st,
		blobs: blobs,
		log:   cfg.Logger.With().Str("component", "ingest").Logger(),
	}
}

// Outcome is the result of importing one well-formed game.
type Outcome int

const (
	Inserted Outcome = iota + 1
	DuplicateByMoves
	DuplicateByCanonical
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateByMoves:
		return "duplicate_by_moves"
	case DuplicateByCanonical:
		return "duplicate_by_canonical"
	}
	return "unknown"
}

// gameError marks a failure confined to one game. Anything else stops the job.
type gameError struct{ err error }

func (e gameError) Error() string { return e.err.Error() }
func (e gameError) Unwrap() error { return e.err }

// Process runs one import job to a terminal status.
func (p *Processor) Process(ctx context.Context, payload jobs.Payload) (err error) {
	job, err := p.st.GetImportJob(ctx, uuid.Nil, payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Permanent(fmt.Errorf("import job %s: %w", payload.ID, err))
	}
	if err != nil {
		return fmt.Errorf("load import job: %w", err)
	}
	if err := jobs.CheckOwner(payload, job.UserID); err != nil {
		return jobs.Permanent(err)
	}

	log := p.log.With().
		Str("job_id", job.ID.String()).
		Str("user_id", job.UserID.String()).
		Logger()

	if job.Status.Succeeded() {
		log.Info().Str("status", string(job.Status)).Msg("import already finished, skipping")
		return nil
	}

	// Anything that leaves the job non-terminal marks it failed.
	defer func() {
		r := recover()
		if !job.Status.Terminal() {
			cause := err
			if r != nil {
				cause = fmt.Errorf("panic: %v", r)
			}
			if cause == nil {
				cause = errors.New("import interrupted")
			}
			p.fail(ctx, job, cause, log)
		}
		if r != nil {
			panic(r)
		}
	}()

	now := time.Now().UTC()
	job.Status = model.JobRunning
	job.Counters = model.ImportCounters{}
	job.Error = ""
	job.StartedAt = &now
	job.FinishedAt = nil
	if err := p.st.ClearImportErrors(ctx, job.ID); err != nil {
		return fmt.Errorf("clear import errors: %w", err)
	}
	if err := p.st.UpdateImportJob(ctx, job); err != nil {
		return fmt.Errorf("mark import running: %w", err)
	}

	if err := p.run(ctx, job, log); err != nil {
		p.fail(ctx, job, err, log)
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context, job *model.ImportJob, log zerolog.Logger) error {
	comp, err := compressionFor(job)
	if err != nil {
		return jobs.Permanent(err)
	}
	src, err := p.blobs.GetObjectStream(ctx, job.SourceKey)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dec, err := pgnstream.NewDecoder(src, comp, pgnstream.WithMaxGameBytes(p.cfg.MaxGameBytes))
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}
	defer dec.Close()

	log.Info().
		Str("source", job.SourceKey).
		Str("compression", string(comp)).
		Bool("strict", job.Strict).
		Int("max_games", job.MaxGames).
		Msg("starting import")

	startTime := time.Now()
	lastLog := time.Now()
	c := &job.Counters

	for dec.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if job.MaxGames > 0 && c.Parsed >= job.MaxGames {
			break
		}
		raw := dec.Game()

		outcome, err := p.importGame(ctx, job, raw.Text)
		var gerr gameError
		if err != nil && !errors.As(err, &gerr) {
			return fmt.Errorf("game %d: %w", raw.Index, err)
		}
		c.Parsed++
		switch {
		case err != nil:
			c.ParseErrors++
			if err := p.st.AddImportError(ctx, model.ImportError{
				JobID:   job.ID,
				Offset:  raw.Index,
				Message: jobs.Truncate(gerr.Error(), jobs.MaxImportErrorLen),
			}); err != nil {
				return fmt.Errorf("record import error: %w", err)
			}
			log.Debug().Err(gerr).Int("offset", raw.Index).Msg("skipping game")
		case outcome == Inserted:
			c.Inserted++
		case outcome == DuplicateByMoves:
			c.DuplicatesByMoves++
		case outcome == DuplicateByCanonical:
			c.DuplicatesByCanonical++
		}

		if c.Parsed%p.cfg.ProgressEvery == 0 {
			if err := p.st.UpdateImportJob(ctx, job); err != nil {
				return fmt.Errorf("persist progress: %w", err)
			}
		}

		if time.Since(lastLog) > 10*time.Second {
			elapsed := time.Since(startTime)
			log.Info().
				Int("parsed", c.Parsed).
				Int("inserted", c.Inserted).
				Int("duplicates", c.Duplicates()).
				Int("parse_errors", c.ParseErrors).
				Float64("games_per_sec", float64(c.Parsed)/elapsed.Seconds()).
				Msg("import progress")
			lastLog = time.Now()
		}
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("decode archive: %w", err)
	}

	finished := time.Now().UTC()
	job.Status = finalStatus(*c)
	job.FinishedAt = &finished
	if job.Status == model.JobFailed {
		job.Error = "no games could be imported"
	}
	if err := p.st.UpdateImportJob(ctx, job); err != nil {
		job.Status = model.JobRunning
		return fmt.Errorf("persist final status: %w", err)
	}

	log.Info().
		Str("status", string(job.Status)).
		Int("parsed", c.Parsed).
		Int("inserted", c.Inserted).
		Int("duplicates_by_moves", c.DuplicatesByMoves).
		Int("duplicates_by_canonical", c.DuplicatesByCanonical).
		Int("parse_errors", c.ParseErrors).
		Dur("elapsed", time.Since(startTime)).
		Msg("import complete")
	return nil
}

// finalStatus maps the counters of a loop that ran to completion.
func finalStatus(c model.ImportCounters) model.JobStatus {
	switch {
	case c.ParseErrors == 0:
		return model.JobCompleted
	case c.Inserted > 0:
		return model.JobPartial
	default:
		return model.JobFailed
	}
}

func compressionFor(job *model.ImportJob) (pgnstream.Compression, error) {
	if job.Compression == "" || job.Compression == "auto" {
		return pgnstream.CompressionFromName(job.Filename), nil
	}
	return pgnstream.ParseCompression(job.Compression)
}

// fail records a fatal error on the job. It uses a detached context so the
// status is written even when ctx is already cancelled.
func (p *Processor) fail(ctx context.Context, job *model.ImportJob, cause error, log zerolog.Logger) {
	dctx, cancel := jobs.Detached(ctx, 10*time.Second)
	defer cancel()

	finished := time.Now().UTC()
	job.Status = model.JobFailed
	job.Error = jobs.Truncate(cause.Error(), jobs.MaxJobErrorLen)
	job.FinishedAt = &finished
	if err := p.st.UpdateImportJob(dctx, job); err != nil {
		log.Error().Err(err).Msg("failed to mark import failed")
	}
	log.Error().Err(cause).Int("parsed", job.Counters.Parsed).Msg("import failed")
}

// importGame parses and stores one game. Errors wrapped in gameError concern
// only this game.
func (p *Processor) importGame(ctx context.Context, job *model.ImportJob, text string) (Outcome, error) {
	parsed, err := pgnparse.Parse(text)
	if err != nil {
		return 0, gameError{err}
	}
	g, err := normalize.Game(parsed)
	if err != nil {
		return 0, gameError{err}
	}
	g.UserID = job.UserID
	g.ImportJobID = &job.ID

	rows := position.Index(g.StartFEN, parsed.Moves)
	if len(rows) == 0 {
		return 0, gameError{fmt.Errorf("%w: %q", position.ErrInvalidFEN, g.StartFEN)}
	}
	if g.ECO == "" {
		if o := p.cfg.ECO.Classify(rows); o != nil {
			g.ECO = o.ECO
			if g.Opening == "" {
				g.Opening = o.Name
			}
		}
	}
	tree := moveTree(g.StartFEN, parsed.Moves, rows)

	var outcome Outcome
	err = p.st.WithTx(ctx, func(tx store.Tx) error {
		o, txErr := insertGame(ctx, tx, &g, job.Strict, text, tree, rows)
		outcome = o
		return txErr
	})
	if errors.Is(err, store.ErrDuplicateGame) {
		return DuplicateByMoves, nil
	}
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// insertGame runs the ordered duplicate pipeline and the writes of one game
// inside tx. A canonical match implies a moves match, so the strict check
// goes first.
func insertGame(ctx context.Context, tx store.Tx, g *model.Game, strict bool, text string, tree *model.MoveTree, rows []model.GamePosition) (Outcome, error) {
	if strict && g.CanonicalHash != "" {
		dup, err := tx.CanonicalExists(ctx, g.UserID, g.CanonicalHash)
		if err != nil {
			return 0, fmt.Errorf("canonical lookup: %w", err)
		}
		if dup {
			return DuplicateByCanonical, nil
		}
	}
	dup, err := tx.MovesHashExists(ctx, g.UserID, g.MovesHash)
	if err != nil {
		return 0, fmt.Errorf("moves hash lookup: %w", err)
	}
	if dup {
		return DuplicateByMoves, nil
	}

	if err := tx.InsertGame(ctx, g); err != nil {
		return 0, err
	}
	if err := tx.SaveGameSource(ctx, g.UserID, g.ID, text, tree); err != nil {
		return 0, err
	}

	for i := range rows {
		rows[i].UserID = g.UserID
		rows[i].GameID = g.ID
	}
	if err := tx.UpsertPositions(ctx, rows); err != nil {
		return 0, err
	}
	for _, row := range rows {
		if !row.HasNext() {
			continue
		}
		obs := opening.Observe(g, row)
		if err := tx.UpdateOpeningStat(ctx, g.UserID, row.FEN, row.NextMoveUCI, func(s *model.OpeningStat) {
			opening.Apply(s, obs)
		}); err != nil {
			return 0, fmt.Errorf("opening edge %s %s: %w", row.FEN, row.NextMoveUCI, err)
		}
	}
	return Inserted, nil
}

// moveTree records the mainline with UCI forms for the indexed prefix.
func moveTree(startFEN string, sans []string, rows []model.GamePosition) *model.MoveTree {
	t := &model.MoveTree{StartFEN: startFEN, Moves: make([]model.MoveNode, len(sans))}
	for i, san := range sans {
		n := model.MoveNode{Ply: i + 1, SAN: san}
		if i < len(rows) {
			n.UCI = rows[i].NextMoveUCI
		}
		t.Moves[i] = n
	}
	return t
}
