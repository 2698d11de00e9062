package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state shared by import and export jobs.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

// Succeeded reports whether the job finished with usable output. Failed jobs
// are not included: a re-delivered failed job runs again.
func (s JobStatus) Succeeded() bool {
	return s == JobCompleted || s == JobPartial
}

// ImportCounters tracks per-game outcomes. Parsed always equals
// Inserted + DuplicatesByMoves + DuplicatesByCanonical + ParseErrors.
type ImportCounters struct {
	Parsed                int `json:"parsed"`
	Inserted              int `json:"inserted"`
	DuplicatesByMoves     int `json:"duplicates_by_moves"`
	DuplicatesByCanonical int `json:"duplicates_by_canonical"`
	ParseErrors           int `json:"parse_errors"`
}

// Duplicates returns the total duplicate count.
func (c ImportCounters) Duplicates() int {
	return c.DuplicatesByMoves + c.DuplicatesByCanonical
}

// Balanced reports whether the counter invariant holds.
func (c ImportCounters) Balanced() bool {
	return c.Parsed == c.Inserted+c.Duplicates()+c.ParseErrors
}

// ImportJob is one uploaded archive being ingested.
type ImportJob struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	SourceKey   string
	Filename    string
	Compression string
	Strict      bool
	MaxGames    int
	Status      JobStatus
	Counters    ImportCounters
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// ImportError records one game that could not be imported.
type ImportError struct {
	JobID     uuid.UUID
	Offset    int
	Message   string
	CreatedAt time.Time
}

// ExportFilter selects games by metadata. Nil/empty fields are ignored.
type ExportFilter struct {
	Player       string     `json:"player,omitempty" validate:"omitempty,max=200"`
	ECO          string     `json:"eco,omitempty" validate:"omitempty,max=3"`
	Result       Result     `json:"result,omitempty" validate:"omitempty,oneof=1-0 0-1 1/2-1/2 *"`
	TimeControl  string     `json:"time_control,omitempty" validate:"omitempty,max=64"`
	Event        string     `json:"event,omitempty" validate:"omitempty,max=200"`
	Site         string     `json:"site,omitempty" validate:"omitempty,max=200"`
	Rated        *bool      `json:"rated,omitempty"`
	DateFrom     *time.Time `json:"date_from,omitempty"`
	DateTo       *time.Time `json:"date_to,omitempty"`
	WhiteEloMin  *int       `json:"white_elo_min,omitempty" validate:"omitempty,min=0,max=4000"`
	WhiteEloMax  *int       `json:"white_elo_max,omitempty" validate:"omitempty,min=0,max=4000"`
	BlackEloMin  *int       `json:"black_elo_min,omitempty" validate:"omitempty,min=0,max=4000"`
	BlackEloMax  *int       `json:"black_elo_max,omitempty" validate:"omitempty,min=0,max=4000"`
	AvgEloMin    *int       `json:"avg_elo_min,omitempty" validate:"omitempty,min=0,max=4000"`
	AvgEloMax    *int       `json:"avg_elo_max,omitempty" validate:"omitempty,min=0,max=4000"`
	CollectionID *uuid.UUID `json:"collection_id,omitempty"`
	Tag          string     `json:"tag,omitempty" validate:"omitempty,max=64"`
}

// ExportJob materializes a game selection into one PGN artifact.
type ExportJob struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	GameIDs            []uuid.UUID
	Filter             *ExportFilter
	IncludeAnnotations bool
	Status             JobStatus
	ArtifactKey        string
	ExportedCount      int
	Error              string
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// ExportRow is one selected game ready for rendering.
type ExportRow struct {
	GameID     uuid.UUID
	PGN        string
	Annotation *GameAnnotation
}
