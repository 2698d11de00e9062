// Package httpapi is the status API in front of the job pipeline. Callers are
// identified by the X-User-ID header set by the authenticating proxy.
package httpapi

import (
	"net/http"
	"net/http/pprof"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/analysis"
	"github.com/LuKev/chess-db-sub001/internal/blob"
	"github.com/LuKev/chess-db-sub001/internal/export"
	"github.com/LuKev/chess-db-sub001/internal/ingest"
	"github.com/LuKev/chess-db-sub001/internal/queue"
	"github.com/LuKev/chess-db-sub001/internal/store"
	"github.com/LuKev/chess-db-sub001/internal/worker"
)

// Deps are the services the router exposes. Pools is optional.
type Deps struct {
	Imports    *ingest.Submitter
	ImportJobs store.ImportJobStore
	Exports    *export.Submitter
	ExportJobs store.ExportStore
	Blobs      blob.Store
	Analysis   *analysis.Service
	Queue      queue.Queue
	Pools      []*worker.Pool
	MaxUpload  int64
	Logger     zerolog.Logger
}

// Handler serves the API.
type Handler struct {
	d   Deps
	log zerolog.Logger
}

// NewRouter creates the HTTP handler with its middleware chain.
func NewRouter(d Deps) http.Handler {
	if d.MaxUpload <= 0 {
		d.MaxUpload = 512 << 20
	}
	h := &Handler{d: d, log: d.Logger.With().Str("component", "httpapi").Logger()}

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/imports", h.createImport)
	api.HandleFunc("GET /v1/imports/{id}", h.getImport)
	api.HandleFunc("GET /v1/imports/{id}/errors", h.importErrors)
	api.HandleFunc("POST /v1/exports", h.createExport)
	api.HandleFunc("GET /v1/exports/{id}", h.getExport)
	api.HandleFunc("GET /v1/exports/{id}/artifact", h.exportArtifact)
	api.HandleFunc("POST /v1/analysis", h.createAnalysis)
	api.HandleFunc("GET /v1/analysis/{id}", h.getAnalysis)
	api.HandleFunc("POST /v1/analysis/{id}/cancel", h.cancelAnalysis)
	api.HandleFunc("GET /v1/analysis/{id}/events", h.analysisEvents)
	api.HandleFunc("POST /v1/backfills/{kind}", h.createBackfill)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /readyz", h.health)
	mux.HandleFunc("GET /v1/workers", h.workers)
	mux.Handle("/v1/", RequireUser(api))

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(d.Logger, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) workers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]worker.Stats, len(h.d.Pools))
	for _, p := range h.d.Pools {
		out[string(p.Kind())] = p.Stats()
	}
	writeJSON(w, out)
}

// fail writes err with the matching status. Server errors are logged and
// their text is not exposed.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("rid", GetRequestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error")
			return
		}
	}
	writeError(w, status, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}
