// Package export materializes a user's game selection into one PGN artifact
// in blob storage.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/validation"
)

// ContentType is stored with every export artifact.
const ContentType = "application/x-chess-pgn"

// ErrEnqueueFailed is returned by Submit when the job was created but could
// not be queued. The job is marked failed.
var ErrEnqueueFailed = errors.New("enqueue failed")

// Processor executes export jobs.
type Processor struct {
	st    store.ExportStore
	blobs blob.Store
	log   zerolog.Logger
}

func NewProcessor(st store.ExportStore, blobs blob.Store, log zerolog.Logger) *Processor {
	return &Processor{st: st, blobs: blobs, log: log.With().Str("component", "export").Logger()}
}

// Process runs one export job to a terminal status.
func (p *Processor) Process(ctx context.Context, payload jobs.Payload) (err error) {
	job, err := p.st.GetExportJob(ctx, uuid.Nil, payload.ID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Permanent(fmt.Errorf("export job %s: %w", payload.ID, err))
	}
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	if err := jobs.CheckOwner(payload, job.UserID); err != nil {
		return jobs.Permanent(err)
	}
	log := p.log.With().Str("job_id", job.ID.String()).Str("user_id", job.UserID.String()).Logger()

	if job.Status.Succeeded() {
		log.Info().Str("status", string(job.Status)).Msg("export already finished, skipping")
		return nil
	}

	defer func() {
		r := recover()
		if !job.Status.Terminal() {
			cause := err
			if r != nil {
				cause = fmt.Errorf("panic: %v", r)
			}
			if cause == nil {
				cause = errors.New("export interrupted")
			}
			p.fail(ctx, job, cause, log)
		}
		if r != nil {
			panic(r)
		}
	}()

	now := time.Now().UTC()
	job.Status = model.JobRunning
	job.Error = ""
	job.ArtifactKey = ""
	job.ExportedCount = 0
	job.StartedAt = &now
	job.FinishedAt = nil
	if err := p.st.UpdateExportJob(ctx, job); err != nil {
		return fmt.Errorf("mark export running: %w", err)
	}

	if err := p.run(ctx, job, log); err != nil {
		p.fail(ctx, job, err, log)
		if errors.Is(err, validation.ErrInvalid) {
			return jobs.Permanent(err)
		}
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context, job *model.ExportJob, log zerolog.Logger) error {
	if err := ValidateFilter(job.Filter); err != nil {
		return err
	}
	start := time.Now()

	rows, err := p.st.SelectExport(ctx, job.UserID, store.Selection{
		GameIDs:            job.GameIDs,
		Filter:             job.Filter,
		IncludeAnnotations: job.IncludeAnnotations,
	})
	if err != nil {
		return fmt.Errorf("select games: %w", err)
	}

	var b strings.Builder
	for i, row := range rows {
		text := strings.TrimSpace(row.PGN)
		if job.IncludeAnnotations && row.Annotation != nil {
			text, err = Annotate(text, row.Annotation)
			if err != nil {
				return fmt.Errorf("annotate game %s: %w", row.GameID, err)
			}
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	if len(rows) > 0 {
		b.WriteString("\n")
	}

	key := blob.ExportKey(job.UserID, job.ID)
	if err := p.blobs.PutObject(ctx, key, []byte(b.String()), ContentType); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	finished := time.Now().UTC()
	job.Status = model.JobCompleted
	job.ArtifactKey = key
	job.ExportedCount = len(rows)
	job.FinishedAt = &finished
	if err := p.st.UpdateExportJob(ctx, job); err != nil {
		job.Status = model.JobRunning
		return fmt.Errorf("persist export result: %w", err)
	}

	log.Info().
		Str("artifact", key).
		Int("games", len(rows)).
		Int("bytes", b.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("export complete")
	return nil
}

func (p *Processor) fail(ctx context.Context, job *model.ExportJob, cause error, log zerolog.Logger) {
	dctx, cancel := jobs.Detached(ctx, 10*time.Second)
	defer cancel()

	finished := time.Now().UTC()
	job.Status = model.JobFailed
	job.Error = jobs.Truncate(cause.Error(), jobs.MaxJobErrorLen)
	job.FinishedAt = &finished
	if err := p.st.UpdateExportJob(dctx, job); err != nil {
		log.Error().Err(err).Msg("failed to mark export failed")
	}
	log.Error().Err(cause).Msg("export failed")
}

// ValidateFilter checks field formats and that every range is ordered.
func ValidateFilter(f *model.ExportFilter) error {
	if f == nil {
		return nil
	}
	if err := validation.Struct(f); err != nil {
		return err
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		return validation.Errorf("date_from is after date_to")
	}
	for _, r := range []struct {
		name   string
		lo, hi *int
	}{
		{"white_elo", f.WhiteEloMin, f.WhiteEloMax},
		{"black_elo", f.BlackEloMin, f.BlackEloMax},
		{"avg_elo", f.AvgEloMin, f.AvgEloMax},
	} {
		if r.lo != nil && r.hi != nil && *r.lo > *r.hi {
			return validation.Errorf("%s range is empty (%d > %d)", r.name, *r.lo, *r.hi)
		}
	}
	return nil
}

// Request describes an export to create. GameIDs takes precedence over
// Filter.
type Request struct {
	UserID             uuid.UUID
	GameIDs            []uuid.UUID
	Filter             *model.ExportFilter
	IncludeAnnotations bool
}

// Submitter creates and queues export jobs.
type Submitter struct {
	st  store.ExportStore
	q   queue.Queue
	log zerolog.Logger
}

func NewSubmitter(st store.ExportStore, q queue.Queue, log zerolog.Logger) *Submitter {
	return &Submitter{st: st, q: q, log: log.With().Str("component", "export").Logger()}
}

// Submit validates req, creates a queued job and enqueues it.
func (s *Submitter) Submit(ctx context.Context, req Request) (*model.ExportJob, error) {
	if req.UserID == uuid.Nil {
		return nil, validation.Errorf("user id required")
	}
	if err := ValidateFilter(req.Filter); err != nil {
		return nil, err
	}
	job := &model.ExportJob{
		ID:                 uuid.New(),
		UserID:             req.UserID,
		GameIDs:            req.GameIDs,
		Filter:             req.Filter,
		IncludeAnnotations: req.IncludeAnnotations,
		Status:             model.JobQueued,
	}
	if err := s.st.CreateExportJob(ctx, job); err != nil {
		return nil, err
	}

	if err := s.q.Enqueue(ctx, jobs.Payload{Kind: jobs.KindExport, ID: job.ID, UserID: job.UserID}); err != nil {
		now := time.Now().UTC()
		job.Status = model.JobFailed
		job.Error = jobs.Truncate("enqueue failed: "+err.Error(), jobs.MaxJobErrorLen)
		job.FinishedAt = &now
		dctx, cancel := jobs.Detached(ctx, 10*time.Second)
		defer cancel()
		if uerr := s.st.UpdateExportJob(dctx, job); uerr != nil {
			s.log.Error().Err(uerr).Str("job_id", job.ID.String()).Msg("failed to mark export failed")
		}
		return job, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	s.log.Info().Str("job_id", job.ID.String()).Int("game_ids", len(req.GameIDs)).Bool("annotations", req.IncludeAnnotations).Msg("export submitted")
	return job, nil
}
