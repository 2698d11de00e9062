package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LuKev/chess-db-sub001/internal/analysis"
)

type createAnalysisRequest struct {
	FEN        string `json:"fen"`
	Engine     string `json:"engine"`
	Depth      int    `json:"depth"`
	Nodes      int64  `json:"nodes"`
	MoveTimeMS int64  `json:"move_time_ms"`
}

// createAnalysis answers 200 for a cache hit and 202 for a queued search.
func (h *Handler) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MoveTimeMS < 0 {
		writeError(w, http.StatusBadRequest, "move_time_ms must not be negative")
		return
	}
	er, err := h.d.Analysis.Create(r.Context(), analysis.CreateRequest{
		UserID:   UserID(r.Context()),
		FEN:      req.FEN,
		Engine:   req.Engine,
		Depth:    req.Depth,
		Nodes:    req.Nodes,
		MoveTime: time.Duration(req.MoveTimeMS) * time.Millisecond,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if er.FromCache {
		status = http.StatusOK
	}
	writeJSONStatus(w, status, toAnalysis(er))
}

func (h *Handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	er, err := h.d.Analysis.Get(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, toAnalysis(er))
}

func (h *Handler) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	er, err := h.d.Analysis.Cancel(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, toAnalysis(er))
}

// analysisEvents streams request snapshots as server-sent events until the
// request finishes or the client goes away.
func (h *Handler) analysisEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, err := h.d.Analysis.Watch(r.Context(), UserID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range ch {
		data, err := json.Marshal(toAnalysis(&snap))
		if err != nil {
			h.log.Error().Err(err).Msg("marshal analysis event")
			return
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
