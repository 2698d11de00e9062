package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the state of an engine analysis request.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestRunning   RequestStatus = "running"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the request reached a final state.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// InFlight reports whether the request counts toward admission control.
func (s RequestStatus) InFlight() bool {
	return s == RequestQueued || s == RequestRunning
}

// EngineLimits bounds one analysis.
type EngineLimits struct {
	Depth    int           `json:"depth"`
	Nodes    int64         `json:"nodes,omitempty"`
	MoveTime time.Duration `json:"move_time,omitempty"`
}

// EngineResult is the outcome of one analysis.
type EngineResult struct {
	BestMove string   `json:"best_move"`
	ScoreCP  *int     `json:"score_cp,omitempty"`
	Mate     *int     `json:"mate,omitempty"`
	Depth    int      `json:"depth"`
	Nodes    int64    `json:"nodes,omitempty"`
	PV       []string `json:"pv,omitempty"`
}

// EngineRequest is one user-submitted analysis request.
type EngineRequest struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	FEN             string
	Engine          string
	Limits          EngineLimits
	Status          RequestStatus
	CancelRequested bool
	Result          *EngineResult
	FromCache       bool
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// InterruptedPrefix starts the error of a request stopped by worker shutdown.
const InterruptedPrefix = "interrupted: "

// Reclaimable reports whether a redelivered payload may run the request
// again: queued, orphaned while running, or interrupted, and not cancelled.
func (r *EngineRequest) Reclaimable() bool {
	if r.CancelRequested {
		return false
	}
	switch r.Status {
	case RequestQueued, RequestRunning:
		return true
	case RequestFailed:
		return strings.HasPrefix(r.Error, InterruptedPrefix)
	}
	return false
}

// EngineLine is a cached evaluation of a normalized position.
type EngineLine struct {
	UserID    uuid.UUID
	FEN       string
	Engine    string
	Depth     int
	Result    EngineResult
	CreatedAt time.Time
}
