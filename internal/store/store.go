// Package store defines the persistence contracts of the job processors and
// an in-memory implementation. The PostgreSQL implementation lives in
// store/postgres.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist for the given user.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateGame is returned by InsertGame when the user already has a
	// game with the same moves hash.
	ErrDuplicateGame = errors.New("duplicate game")
)

// Tx is the write scope of one game. Nothing written through a Tx is visible
// to other readers until WithTx returns nil.
type Tx interface {
	// MovesHashExists reports whether the user has a game with this moves
	// hash. InsertGame still enforces uniqueness on its own.
	MovesHashExists(ctx context.Context, userID uuid.UUID, hash string) (bool, error)
	// CanonicalExists reports whether the user has a game with this
	// canonical hash.
	CanonicalExists(ctx context.Context, userID uuid.UUID, hash string) (bool, error)
	// InsertGame assigns g.ID and g.CreatedAt when unset.
	InsertGame(ctx context.Context, g *model.Game) error
	SaveGameSource(ctx context.Context, userID, gameID uuid.UUID, pgn string, tree *model.MoveTree) error
	// UpsertPositions writes rows keyed by (user, game, ply), overwriting
	// existing ones.
	UpsertPositions(ctx context.Context, rows []model.GamePosition) error
	// ReplacePositions deletes every row of the game before inserting rows.
	ReplacePositions(ctx context.Context, userID, gameID uuid.UUID, rows []model.GamePosition) error
	// UpdateOpeningStat locks the (user, fen, move) row, creating an empty
	// one if needed, and stores whatever fn leaves in it.
	UpdateOpeningStat(ctx context.Context, userID uuid.UUID, fen, moveUCI string, fn func(*model.OpeningStat)) error
}

// Transactor runs fn in a transaction, committing only when fn returns nil.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// GameSource is what the position backfill needs to re-index a game.
type GameSource struct {
	GameID   uuid.UUID
	UserID   uuid.UUID
	StartFEN string
	Tree     model.MoveTree
}

// GameStore reads games and their derived rows.
type GameStore interface {
	GetGame(ctx context.Context, userID, gameID uuid.UUID) (*model.Game, error)
	GetMoveTree(ctx context.Context, userID, gameID uuid.UUID) (*model.MoveTree, error)
	ListPositions(ctx context.Context, userID, gameID uuid.UUID) ([]model.GamePosition, error)
	// GamesMissingPositions pages through games without a ply-0 row in
	// ascending id order, starting after afterID.
	GamesMissingPositions(ctx context.Context, userID, afterID uuid.UUID, limit int) ([]GameSource, error)
	CountGames(ctx context.Context, userID uuid.UUID) (int, error)
}

// OpeningStore reads and rebuilds the opening aggregate.
type OpeningStore interface {
	// ListOpeningStats returns the edges leaving fen, or every edge when fen
	// is empty.
	ListOpeningStats(ctx context.Context, userID uuid.UUID, fen string) ([]model.OpeningStat, error)
	// RebuildOpeningStats replaces all of the user's edges with a fresh
	// aggregate in one transaction and returns the number of edges written.
	RebuildOpeningStats(ctx context.Context, userID uuid.UUID) (int, error)
}

// ImportJobStore persists import jobs and their per-game errors.
type ImportJobStore interface {
	CreateImportJob(ctx context.Context, job *model.ImportJob) error
	GetImportJob(ctx context.Context, userID, jobID uuid.UUID) (*model.ImportJob, error)
	// UpdateImportJob writes status, counters, error and timestamps.
	UpdateImportJob(ctx context.Context, job *model.ImportJob) error
	AddImportError(ctx context.Context, e model.ImportError) error
	ClearImportErrors(ctx context.Context, jobID uuid.UUID) error
	ListImportErrors(ctx context.Context, jobID uuid.UUID) ([]model.ImportError, error)
}

// Selection describes the games of an export.
type Selection struct {
	GameIDs            []uuid.UUID
	Filter             *model.ExportFilter
	IncludeAnnotations bool
}

// ExportStore persists export jobs and selects their games.
type ExportStore interface {
	CreateExportJob(ctx context.Context, job *model.ExportJob) error
	GetExportJob(ctx context.Context, userID, jobID uuid.UUID) (*model.ExportJob, error)
	UpdateExportJob(ctx context.Context, job *model.ExportJob) error
	// SelectExport returns the user's games matching sel, oldest first.
	SelectExport(ctx context.Context, userID uuid.UUID, sel Selection) ([]model.ExportRow, error)
}

// LibraryStore holds the user-owned metadata export filters can refer to.
type LibraryStore interface {
	PutAnnotation(ctx context.Context, a *model.GameAnnotation) error
	AddToCollection(ctx context.Context, userID, collectionID, gameID uuid.UUID) error
	AddGameTag(ctx context.Context, userID, gameID uuid.UUID, tag string) error
}

// AnalysisStore persists engine requests and the engine-line cache.
type AnalysisStore interface {
	CountInFlight(ctx context.Context, userID uuid.UUID) (int, error)
	InsertEngineRequest(ctx context.Context, req *model.EngineRequest) error
	GetEngineRequest(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error)
	// CancelEngineRequest sets the cancel flag of an in-flight request and
	// moves a queued one straight to cancelled, atomically. Terminal requests
	// are returned unchanged.
	CancelEngineRequest(ctx context.Context, userID, id uuid.UUID) (*model.EngineRequest, error)
	// ClaimEngineRequest moves an uncancelled request that is queued, left
	// running by a crashed worker, or interrupted by shutdown to running. It
	// reports false, with the current row, when the request was not claimable.
	ClaimEngineRequest(ctx context.Context, id uuid.UUID) (*model.EngineRequest, bool, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// FinishEngineRequest stores a terminal status on an in-flight request.
	FinishEngineRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus, result *model.EngineResult, errMsg string) error
	// LookupEngineLine returns the cached line for (user, fen, engine) if it
	// is at least minDepth deep, ErrNotFound otherwise.
	LookupEngineLine(ctx context.Context, userID uuid.UUID, fen, engine string, minDepth int) (*model.EngineLine, error)
	// UpsertEngineLine keeps the deepest line per (user, fen, engine).
	UpsertEngineLine(ctx context.Context, line *model.EngineLine) error
}

// Store is everything the binaries need.
type Store interface {
	Transactor
	GameStore
	OpeningStore
	ImportJobStore
	ExportStore
	LibraryStore
	AnalysisStore
	Close()
}
