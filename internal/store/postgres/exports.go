package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
)

func (s *Store) CreateExportJob(ctx context.Context, job *model.ExportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	filter, err := marshalFilter(job.Filter)
	if err != nil {
		return err
	}
	ids := job.GameIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO export_jobs (id, user_id, game_ids, filter, include_annotations, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		job.ID, job.UserID, ids, filter, job.IncludeAnnotations, string(job.Status), job.Error).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (s *Store) GetExportJob(ctx context.Context, userID, jobID uuid.UUID) (*model.ExportJob, error) {
	var (
		j      model.ExportJob
		status string
		filter []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, game_ids, filter, include_annotations, status, artifact_key,
		        exported_count, error, created_at, started_at, finished_at
		 FROM export_jobs
		 WHERE id = $1 AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR user_id = $2)`,
		jobID, userID).Scan(
		&j.ID, &j.UserID, &j.GameIDs, &filter, &j.IncludeAnnotations, &status, &j.ArtifactKey,
		&j.ExportedCount, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, notFound(err)
	}
	j.Status = model.JobStatus(status)
	if len(filter) > 0 && string(filter) != "null" {
		j.Filter = &model.ExportFilter{}
		if err := json.Unmarshal(filter, j.Filter); err != nil {
			return nil, fmt.Errorf("decode export filter: %w", err)
		}
	}
	return &j, nil
}

func (s *Store) UpdateExportJob(ctx context.Context, job *model.ExportJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_jobs SET
		     status = $2, artifact_key = $3, exported_count = $4, error = $5,
		     started_at = $6, finished_at = $7
		 WHERE id = $1`,
		job.ID, string(job.Status), job.ArtifactKey, job.ExportedCount, job.Error,
		job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SelectExport(ctx context.Context, userID uuid.UUID, sel store.Selection) ([]model.ExportRow, error) {
	where, args := buildExportFilter(userID, sel.GameIDs, sel.Filter)
	rows, err := s.pool.Query(ctx,
		`SELECT g.id, coalesce(p.pgn, ''), a.payload
		 FROM games g
		 LEFT JOIN game_pgn p ON p.game_id = g.id
		 LEFT JOIN game_annotations a ON a.game_id = g.id AND a.user_id = g.user_id
		 WHERE `+where+`
		 ORDER BY g.created_at, g.id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("select export: %w", err)
	}
	defer rows.Close()

	var out []model.ExportRow
	for rows.Next() {
		var (
			row     model.ExportRow
			payload []byte
		)
		if err := rows.Scan(&row.GameID, &row.PGN, &payload); err != nil {
			return nil, err
		}
		if sel.IncludeAnnotations && len(payload) > 0 {
			a, err := model.DecodeAnnotation(userID, row.GameID, payload)
			if err != nil {
				return nil, fmt.Errorf("decode annotation of %s: %w", row.GameID, err)
			}
			row.Annotation = a
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func marshalFilter(f *model.ExportFilter) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode export filter: %w", err)
	}
	return b, nil
}
