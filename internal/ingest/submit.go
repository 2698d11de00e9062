package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/pgnstream"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/validation"
)

// ErrEnqueueFailed is returned by Submit when the job row was created but no
// worker will pick it up. The row is marked failed.
var ErrEnqueueFailed = errors.New("enqueue failed")

// Upload is one archive submitted for import.
type Upload struct {
	UserID      uuid.UUID
	Filename    string
	Compression string // none, gzip, zstd or empty to detect from Filename
	Strict      bool
	MaxGames    int
	Data        []byte
}

// Submitter stores uploads and queues their import jobs.
type Submitter struct {
	st    store.ImportJobStore
	blobs blob.Store
	q     queue.Queue
	log   zerolog.Logger
}

func NewSubmitter(st store.ImportJobStore, blobs blob.Store, q queue.Queue, log zerolog.Logger) *Submitter {
	return &Submitter{st: st, blobs: blobs, q: q, log: log.With().Str("component", "ingest").Logger()}
}

// Submit uploads the archive, creates a queued job and enqueues it.
func (s *Submitter) Submit(ctx context.Context, u Upload) (*model.ImportJob, error) {
	if u.UserID == uuid.Nil {
		return nil, validation.Errorf("user id required")
	}
	comp := u.Compression
	if comp == "" {
		comp = string(pgnstream.CompressionFromName(u.Filename))
	} else {
		c, err := pgnstream.ParseCompression(comp)
		if err != nil {
			return nil, validation.Errorf("%v", err)
		}
		comp = string(c)
	}

	job := &model.ImportJob{
		ID:          uuid.New(),
		UserID:      u.UserID,
		Filename:    u.Filename,
		Compression: comp,
		Strict:      u.Strict,
		MaxGames:    u.MaxGames,
		Status:      model.JobQueued,
	}
	job.SourceKey = blob.ImportKey(job.UserID, job.ID, u.Filename)

	if err := s.blobs.PutObject(ctx, job.SourceKey, u.Data, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if err := s.st.CreateImportJob(ctx, job); err != nil {
		return nil, err
	}

	err := s.q.Enqueue(ctx, jobs.Payload{Kind: jobs.KindImport, ID: job.ID, UserID: job.UserID})
	if err != nil {
		now := time.Now().UTC()
		job.Status = model.JobFailed
		job.Error = jobs.Truncate("enqueue failed: "+err.Error(), jobs.MaxJobErrorLen)
		job.FinishedAt = &now
		dctx, cancel := jobs.Detached(ctx, 10*time.Second)
		defer cancel()
		if uerr := s.st.UpdateImportJob(dctx, job); uerr != nil {
			s.log.Error().Err(uerr).Str("job_id", job.ID.String()).Msg("failed to mark import failed")
		}
		return job, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", job.UserID.String()).
		Str("filename", u.Filename).
		Int("bytes", len(u.Data)).
		Msg("import submitted")
	return job, nil
}
