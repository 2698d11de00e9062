package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/export"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/model"
)

// createImport takes the raw archive as the request body. Query parameters:
// filename (required), compression, strict, max_games.
func (h *Handler) createImport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	up := ingest.Upload{
		UserID:      UserID(r.Context()),
		Filename:    q.Get("filename"),
		Compression: q.Get("compression"),
	}
	if up.Filename == "" {
		writeError(w, http.StatusBadRequest, "missing filename parameter")
		return
	}
	if s := q.Get("strict"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid strict parameter")
			return
		}
		up.Strict = v
	}
	if s := q.Get("max_games"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_games parameter")
			return
		}
		up.MaxGames = n
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.d.MaxUpload))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}
	up.Data = data

	job, err := h.d.Imports.Submit(r.Context(), up)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, toImportJob(job))
}

func (h *Handler) getImport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.d.ImportJobs.GetImportJob(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, toImportJob(job))
}

func (h *Handler) importErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	// Ownership check before listing; errors are keyed by job only.
	if _, err := h.d.ImportJobs.GetImportJob(r.Context(), UserID(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.d.ImportJobs.ListImportErrors(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ImportErrorResponse, 0, len(list))
	for _, e := range list {
		out = append(out, ImportErrorResponse{Offset: e.Offset, Message: e.Message})
	}
	writeJSON(w, out)
}

type createExportRequest struct {
	GameIDs            []uuid.UUID         `json:"game_ids"`
	Filter             *model.ExportFilter `json:"filter"`
	IncludeAnnotations bool                `json:"include_annotations"`
}

func (h *Handler) createExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.d.Exports.Submit(r.Context(), export.Request{
		UserID:             UserID(r.Context()),
		GameIDs:            req.GameIDs,
		Filter:             req.Filter,
		IncludeAnnotations: req.IncludeAnnotations,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, toExportJob(job))
}

func (h *Handler) getExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.d.ExportJobs.GetExportJob(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, toExportJob(job))
}

func (h *Handler) exportArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.d.ExportJobs.GetExportJob(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if job.Status != model.JobCompleted || job.ArtifactKey == "" {
		writeError(w, http.StatusConflict, "export is "+string(job.Status))
		return
	}
	rc, err := h.d.Blobs.GetObjectStream(r.Context(), job.ArtifactKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "export-"+job.ID.String()+".pgn"))
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("artifact download interrupted")
	}
}

var backfillKinds = map[string]jobs.Kind{
	"positions": jobs.KindBackfillPositions,
	"openings":  jobs.KindBackfillOpenings,
}

func (h *Handler) createBackfill(w http.ResponseWriter, r *http.Request) {
	kind, ok := backfillKinds[r.PathValue("kind")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backfill "+r.PathValue("kind"))
		return
	}
	p := jobs.Payload{Kind: kind, ID: uuid.New(), UserID: UserID(r.Context())}
	if err := h.d.Queue.Enqueue(r.Context(), p); err != nil {
		h.log.Error().Err(err).Str("kind", string(kind)).Msg("backfill enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"id": p.ID, "kind": kind})
}
