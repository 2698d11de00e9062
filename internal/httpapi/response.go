package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/analysis"
	"github.com/LuKev/chess-db-sub001/internal/export"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/validation"
)

// ImportJobResponse is the JSON view of an import job.
type ImportJobResponse struct {
	ID          uuid.UUID            `json:"id"`
	Filename    string               `json:"filename"`
	Compression string               `json:"compression"`
	Strict      bool                 `json:"strict"`
	MaxGames    int                  `json:"max_games,omitempty"`
	Status      model.JobStatus      `json:"status"`
	Counters    model.ImportCounters `json:"counters"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

func toImportJob(j *model.ImportJob) ImportJobResponse {
	return ImportJobResponse{
		ID:          j.ID,
		Filename:    j.Filename,
		Compression: j.Compression,
		Strict:      j.Strict,
		MaxGames:    j.MaxGames,
		Status:      j.Status,
		Counters:    j.Counters,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

type ImportErrorResponse struct {
	Offset  int    `json:"offset"`
	Message string `json:"message"`
}

// ExportJobResponse is the JSON view of an export job.
type ExportJobResponse struct {
	ID                 uuid.UUID           `json:"id"`
	GameIDs            []uuid.UUID         `json:"game_ids,omitempty"`
	Filter             *model.ExportFilter `json:"filter,omitempty"`
	IncludeAnnotations bool                `json:"include_annotations"`
	Status             model.JobStatus     `json:"status"`
	ArtifactKey        string              `json:"artifact_key,omitempty"`
	ExportedCount      int                 `json:"exported_count"`
	Error              string              `json:"error,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
}

func toExportJob(j *model.ExportJob) ExportJobResponse {
	return ExportJobResponse{
		ID:                 j.ID,
		GameIDs:            j.GameIDs,
		Filter:             j.Filter,
		IncludeAnnotations: j.IncludeAnnotations,
		Status:             j.Status,
		ArtifactKey:        j.ArtifactKey,
		ExportedCount:      j.ExportedCount,
		Error:              j.Error,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		FinishedAt:         j.FinishedAt,
	}
}

// AnalysisResponse is the JSON view of an engine request.
type AnalysisResponse struct {
	ID              uuid.UUID           `json:"id"`
	FEN             string              `json:"fen"`
	Engine          string              `json:"engine"`
	Depth           int                 `json:"depth"`
	Nodes           int64               `json:"nodes,omitempty"`
	MoveTimeMS      int64               `json:"move_time_ms,omitempty"`
	Status          model.RequestStatus `json:"status"`
	CancelRequested bool                `json:"cancel_requested"`
	FromCache       bool                `json:"from_cache"`
	Result          *model.EngineResult `json:"result,omitempty"`
	Error           string              `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
}

func toAnalysis(r *model.EngineRequest) AnalysisResponse {
	return AnalysisResponse{
		ID:              r.ID,
		FEN:             r.FEN,
		Engine:          r.Engine,
		Depth:           r.Limits.Depth,
		Nodes:           r.Limits.Nodes,
		MoveTimeMS:      r.Limits.MoveTime.Milliseconds(),
		Status:          r.Status,
		CancelRequested: r.CancelRequested,
		FromCache:       r.FromCache,
		Result:          r.Result,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, validation.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrTooManyInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, ingest.ErrEnqueueFailed),
		errors.Is(err, export.ErrEnqueueFailed),
		errors.Is(err, analysis.ErrEnqueueFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
