package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

func (s *Store) CreateImportJob(ctx context.Context, job *model.ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO import_jobs (id, user_id, source_key, filename, compression, strict, max_games, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		job.ID, job.UserID, job.SourceKey, job.Filename, job.Compression, job.Strict, job.MaxGames,
		string(job.Status), job.Error).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}
	return nil
}

func (s *Store) GetImportJob(ctx context.Context, userID, jobID uuid.UUID) (*model.ImportJob, error) {
	var (
		j      model.ImportJob
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, source_key, filename, compression, strict, max_games, status,
		        parsed, inserted, duplicates_by_moves, duplicates_by_canonical, parse_errors,
		        error, created_at, started_at, finished_at
		 FROM import_jobs
		 WHERE id = $1 AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR user_id = $2)`,
		jobID, userID).Scan(
		&j.ID, &j.UserID, &j.SourceKey, &j.Filename, &j.Compression, &j.Strict, &j.MaxGames, &status,
		&j.Counters.Parsed, &j.Counters.Inserted, &j.Counters.DuplicatesByMoves,
		&j.Counters.DuplicatesByCanonical, &j.Counters.ParseErrors,
		&j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}

func (s *Store) UpdateImportJob(ctx context.Context, job *model.ImportJob) error {
	c := job.Counters
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET
		     status = $2, parsed = $3, inserted = $4, duplicates_by_moves = $5,
		     duplicates_by_canonical = $6, parse_errors = $7, error = $8,
		     started_at = $9, finished_at = $10
		 WHERE id = $1`,
		job.ID, string(job.Status), c.Parsed, c.Inserted, c.DuplicatesByMoves,
		c.DuplicatesByCanonical, c.ParseErrors, job.Error, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddImportError(ctx context.Context, e model.ImportError) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_errors (job_id, game_offset, message) VALUES ($1, $2, $3)`,
		e.JobID, e.Offset, e.Message)
	if err != nil {
		return fmt.Errorf("insert import error: %w", err)
	}
	return nil
}

func (s *Store) ClearImportErrors(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM import_errors WHERE job_id = $1`, jobID)
	return err
}

func (s *Store) ListImportErrors(ctx context.Context, jobID uuid.UUID) ([]model.ImportError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, game_offset, message, created_at FROM import_errors
		 WHERE job_id = $1 ORDER BY game_offset, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ImportError
	for rows.Next() {
		var e model.ImportError
		if err := rows.Scan(&e.JobID, &e.Offset, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
