package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/opening"
)

type userHash struct {
	user uuid.UUID
	hash string
}

type statKey struct {
	user uuid.UUID
	fen  string
	move string
}

type lineKey struct {
	user   uuid.UUID
	fen    string
	engine string
}

// gameData is the part of the state written by transactions. Values are
// replaced rather than mutated, so a transaction can read through to them.
type gameData struct {
	games     map[uuid.UUID]*model.Game
	byMoves   map[userHash]uuid.UUID
	canonical map[userHash]int
	pgn       map[uuid.UUID]string
	trees     map[uuid.UUID]*model.MoveTree
	positions map[uuid.UUID][]model.GamePosition
	openings  map[statKey]*model.OpeningStat
}

func newGameData() *gameData {
	return &gameData{
		games:     make(map[uuid.UUID]*model.Game),
		byMoves:   make(map[userHash]uuid.UUID),
		canonical: make(map[userHash]int),
		pgn:       make(map[uuid.UUID]string),
		trees:     make(map[uuid.UUID]*model.MoveTree),
		positions: make(map[uuid.UUID][]model.GamePosition),
		openings:  make(map[statKey]*model.OpeningStat),
	}
}

// journal holds a transaction's writes to one map until commit.
type journal[K comparable, V any] struct {
	base   map[K]V
	writes map[K]V
}

func (j *journal[K, V]) get(k K) (V, bool) {
	if v, ok := j.writes[k]; ok {
		return v, true
	}
	v, ok := j.base[k]
	return v, ok
}

func (j *journal[K, V]) set(k K, v V) {
	if j.writes == nil {
		j.writes = make(map[K]V)
	}
	j.writes[k] = v
}

func (j *journal[K, V]) commit() {
	for k, v := range j.writes {
		j.base[k] = v
	}
}

// Memory is an in-process Store. Transactions are serialized and applied
// atomically; it backs tests and single-process development runs.
type Memory struct {
	mu   sync.Mutex
	data *gameData
	last time.Time

	importJobs   map[uuid.UUID]*model.ImportJob
	importErrors map[uuid.UUID][]model.ImportError
	exportJobs   map[uuid.UUID]*model.ExportJob
	annotations  map[uuid.UUID]*model.GameAnnotation
	collections  map[uuid.UUID]map[uuid.UUID]uuid.UUID // collection -> game -> owner
	gameTags     map[uuid.UUID]map[string]struct{}
	requests     map[uuid.UUID]*model.EngineRequest
	lines        map[lineKey]*model.EngineLine

	txErr error
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		data:         newGameData(),
		importJobs:   make(map[uuid.UUID]*model.ImportJob),
		importErrors: make(map[uuid.UUID][]model.ImportError),
		exportJobs:   make(map[uuid.UUID]*model.ExportJob),
		annotations:  make(map[uuid.UUID]*model.GameAnnotation),
		collections:  make(map[uuid.UUID]map[uuid.UUID]uuid.UUID),
		gameTags:     make(map[uuid.UUID]map[string]struct{}),
		requests:     make(map[uuid.UUID]*model.EngineRequest),
		lines:        make(map[lineKey]*model.EngineLine),
	}
}

// FailTransactions makes every following WithTx and RebuildOpeningStats call
// fail with err, simulating an unreachable database. Pass nil to recover.
func (m *Memory) FailTransactions(err error) {
	m.mu.Lock()
	m.txErr = err
	m.mu.Unlock()
}

func (m *Memory) Close() {}

// now returns strictly increasing timestamps so creation order is total.
func (m *Memory) now() time.Time {
	t := time.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// WithTx runs fn with its writes journaled and applies them only when fn
// succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return m.txErr
	}
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	m         *Memory
	games     journal[uuid.UUID, *model.Game]
	byMoves   journal[userHash, uuid.UUID]
	canonical journal[userHash, int]
	pgn       journal[uuid.UUID, string]
	trees     journal[uuid.UUID, *model.MoveTree]
	positions journal[uuid.UUID, []model.GamePosition]
	openings  journal[statKey, *model.OpeningStat]
}

func newMemTx(m *Memory) *memTx {
	d := m.data
	return &memTx{
		m:         m,
		games:     journal[uuid.UUID, *model.Game]{base: d.games},
		byMoves:   journal[userHash, uuid.UUID]{base: d.byMoves},
		canonical: journal[userHash, int]{base: d.canonical},
		pgn:       journal[uuid.UUID, string]{base: d.pgn},
		trees:     journal[uuid.UUID, *model.MoveTree]{base: d.trees},
		positions: journal[uuid.UUID, []model.GamePosition]{base: d.positions},
		openings:  journal[statKey, *model.OpeningStat]{base: d.openings},
	}
}

func (tx *memTx) commit() {
	tx.games.commit()
	tx.byMoves.commit()
	tx.canonical.commit()
	tx.pgn.commit()
	tx.trees.commit()
	tx.positions.commit()
	tx.openings.commit()
}

func (tx *memTx) MovesHashExists(_ context.Context, userID uuid.UUID, hash string) (bool, error) {
	_, ok := tx.byMoves.get(userHash{userID, hash})
	return ok, nil
}

func (tx *memTx) CanonicalExists(_ context.Context, userID uuid.UUID, hash string) (bool, error) {
	n, _ := tx.canonical.get(userHash{userID, hash})
	return n > 0, nil
}

func (tx *memTx) InsertGame(_ context.Context, g *model.Game) error {
	k := userHash{g.UserID, g.MovesHash}
	if _, ok := tx.byMoves.get(k); ok {
		return ErrDuplicateGame
	}
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = tx.m.now()
	}
	cp := *g
	tx.games.set(g.ID, &cp)
	tx.byMoves.set(k, g.ID)
	if g.CanonicalHash != "" {
		ck := userHash{g.UserID, g.CanonicalHash}
		n, _ := tx.canonical.get(ck)
		tx.canonical.set(ck, n+1)
	}
	return nil
}

func (tx *memTx) SaveGameSource(_ context.Context, userID, gameID uuid.UUID, pgn string, tree *model.MoveTree) error {
	if g, ok := tx.games.get(gameID); !ok || g.UserID != userID {
		return ErrNotFound
	}
	tx.pgn.set(gameID, pgn)
	if tree != nil {
		cp := *tree
		cp.Moves = slices.Clone(tree.Moves)
		tx.trees.set(gameID, &cp)
	}
	return nil
}

func (tx *memTx) UpsertPositions(_ context.Context, rows []model.GamePosition) error {
	byGame := make(map[uuid.UUID][]model.GamePosition)
	for _, r := range rows {
		byGame[r.GameID] = append(byGame[r.GameID], r)
	}
	for gameID, add := range byGame {
		merged := make(map[int]model.GamePosition)
		old, _ := tx.positions.get(gameID)
		for _, r := range old {
			merged[r.Ply] = r
		}
		for _, r := range add {
			merged[r.Ply] = r
		}
		tx.positions.set(gameID, sortedRows(merged))
	}
	return nil
}

func (tx *memTx) ReplacePositions(_ context.Context, userID, gameID uuid.UUID, rows []model.GamePosition) error {
	if g, ok := tx.games.get(gameID); !ok || g.UserID != userID {
		return ErrNotFound
	}
	merged := make(map[int]model.GamePosition, len(rows))
	for _, r := range rows {
		merged[r.Ply] = r
	}
	tx.positions.set(gameID, sortedRows(merged))
	return nil
}

func sortedRows(byPly map[int]model.GamePosition) []model.GamePosition {
	out := make([]model.GamePosition, 0, len(byPly))
	for _, r := range byPly {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ply < out[j].Ply })
	return out
}

func (tx *memTx) UpdateOpeningStat(_ context.Context, userID uuid.UUID, fen, moveUCI string, fn func(*model.OpeningStat)) error {
	k := statKey{userID, fen, moveUCI}
	s := model.OpeningStat{UserID: userID, FEN: fen, MoveUCI: moveUCI}
	if old, ok := tx.openings.get(k); ok {
		s = *old
	}
	fn(&s)
	s.UpdatedAt = tx.m.now()
	tx.openings.set(k, &s)
	return nil
}

// Games

func (m *Memory) GetGame(_ context.Context, userID, gameID uuid.UUID) (*model.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[gameID]
	if !ok || g.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) GetMoveTree(_ context.Context, userID, gameID uuid.UUID) (*model.MoveTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[gameID]
	if !ok || g.UserID != userID {
		return nil, ErrNotFound
	}
	t, ok := m.data.trees[gameID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Moves = slices.Clone(t.Moves)
	return &cp, nil
}

func (m *Memory) ListPositions(_ context.Context, userID, gameID uuid.UUID) ([]model.GamePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[gameID]
	if !ok || g.UserID != userID {
		return nil, ErrNotFound
	}
	return slices.Clone(m.data.positions[gameID]), nil
}

func (m *Memory) GamesMissingPositions(_ context.Context, userID, afterID uuid.UUID, limit int) ([]GameSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, g := range m.data.games {
		if g.UserID != userID || strings.Compare(id.String(), afterID.String()) <= 0 {
			continue
		}
		rows := m.data.positions[id]
		if len(rows) > 0 && rows[0].Ply == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]GameSource, 0, len(ids))
	for _, id := range ids {
		g := m.data.games[id]
		src := GameSource{GameID: id, UserID: userID, StartFEN: g.StartFEN}
		if t, ok := m.data.trees[id]; ok {
			src.Tree = *t
			src.Tree.Moves = slices.Clone(t.Moves)
		}
		out = append(out, src)
	}
	return out, nil
}

func (m *Memory) CountGames(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.data.games {
		if g.UserID == userID {
			n++
		}
	}
	return n, nil
}

// Openings

func (m *Memory) ListOpeningStats(_ context.Context, userID uuid.UUID, fen string) ([]model.OpeningStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OpeningStat
	for k, s := range m.data.openings {
		if k.user != userID || (fen != "" && k.fen != fen) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FEN != out[j].FEN {
			return out[i].FEN < out[j].FEN
		}
		return out[i].MoveUCI < out[j].MoveUCI
	})
	return out, nil
}

// RebuildOpeningStats folds every indexed game of the user with opening.Build
// and swaps the result in atomically.
func (m *Memory) RebuildOpeningStats(ctx context.Context, userID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.txErr != nil {
		return 0, m.txErr
	}

	var games []opening.IndexedGame
	for id, g := range m.data.games {
		if g.UserID != userID {
			continue
		}
		games = append(games, opening.IndexedGame{Game: g, Positions: m.data.positions[id]})
	}
	stats := opening.Build(userID, games, m.now())

	for k := range m.data.openings {
		if k.user == userID {
			delete(m.data.openings, k)
		}
	}
	for i := range stats {
		s := stats[i]
		m.data.openings[statKey{userID, s.FEN, s.MoveUCI}] = &s
	}
	return len(stats), nil
}

// Import jobs

func (m *Memory) CreateImportJob(_ context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	cp := *job
	m.importJobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetImportJob(_ context.Context, userID, jobID uuid.UUID) (*model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.importJobs[jobID]
	if !ok || (userID != uuid.Nil && j.UserID != userID) {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateImportJob(_ context.Context, job *model.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.importJobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	j.Status = job.Status
	j.Counters = job.Counters
	j.Error = job.Error
	j.StartedAt = job.StartedAt
	j.FinishedAt = job.FinishedAt
	return nil
}

func (m *Memory) AddImportError(_ context.Context, e model.ImportError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.importErrors[e.JobID] = append(m.importErrors[e.JobID], e)
	return nil
}

func (m *Memory) ClearImportErrors(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.importErrors, jobID)
	return nil
}

func (m *Memory) ListImportErrors(_ context.Context, jobID uuid.UUID) ([]model.ImportError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.importErrors[jobID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

// Export jobs

func (m *Memory) CreateExportJob(_ context.Context, job *model.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	cp := *job
	m.exportJobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetExportJob(_ context.Context, userID, jobID uuid.UUID) (*model.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.exportJobs[jobID]
	if !ok || (userID != uuid.Nil && j.UserID != userID) {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateExportJob(_ context.Context, job *model.ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.exportJobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	j.Status = job.Status
	j.ArtifactKey = job.ArtifactKey
	j.ExportedCount = job.ExportedCount
	j.Error = job.Error
	j.StartedAt = job.StartedAt
	j.FinishedAt = job.FinishedAt
	return nil
}

func (m *Memory) SelectExport(ctx context.Context, userID uuid.UUID, sel Selection) ([]model.ExportRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var games []*model.Game
	if len(sel.GameIDs) > 0 {
		seen := make(map[uuid.UUID]bool, len(sel.GameIDs))
		for _, id := range sel.GameIDs {
			g, ok := m.data.games[id]
			if !ok || g.UserID != userID || seen[id] {
				continue
			}
			seen[id] = true
			games = append(games, g)
		}
	} else {
		for _, g := range m.data.games {
			if g.UserID == userID && m.matches(g, sel.Filter) {
				games = append(games, g)
			}
		}
	}
	sort.Slice(games, func(i, j int) bool {
		if !games[i].CreatedAt.Equal(games[j].CreatedAt) {
			return games[i].CreatedAt.Before(games[j].CreatedAt)
		}
		return games[i].ID.String() < games[j].ID.String()
	})

	out := make([]model.ExportRow, 0, len(games))
	for _, g := range games {
		row := model.ExportRow{GameID: g.ID, PGN: m.data.pgn[g.ID]}
		if sel.IncludeAnnotations {
			if a, ok := m.annotations[g.ID]; ok && a.UserID == userID {
				cp := *a
				row.Annotation = &cp
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *Memory) matches(g *model.Game, f *model.ExportFilter) bool {
	if f == nil {
		return true
	}
	contains := func(haystack, needle string) bool {
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(strings.TrimSpace(needle)))
	}
	if f.Player != "" && !contains(g.WhiteNorm, f.Player) && !contains(g.BlackNorm, f.Player) {
		return false
	}
	if f.ECO != "" && !strings.HasPrefix(g.ECO, strings.ToUpper(f.ECO)) {
		return false
	}
	if f.Result != "" && g.Result != f.Result {
		return false
	}
	if f.TimeControl != "" && g.TimeControl != f.TimeControl {
		return false
	}
	if f.Event != "" && !contains(g.Event, f.Event) {
		return false
	}
	if f.Site != "" && !contains(g.Site, f.Site) {
		return false
	}
	if f.Rated != nil && (g.Rated == nil || *g.Rated != *f.Rated) {
		return false
	}
	if f.DateFrom != nil && (g.PlayedOn == nil || g.PlayedOn.Before(*f.DateFrom)) {
		return false
	}
	if f.DateTo != nil && (g.PlayedOn == nil || g.PlayedOn.After(*f.DateTo)) {
		return false
	}
	if !inRange(g.WhiteElo, f.WhiteEloMin, f.WhiteEloMax) || !inRange(g.BlackElo, f.BlackEloMin, f.BlackEloMax) {
		return false
	}
	if f.AvgEloMin != nil || f.AvgEloMax != nil {
		avg := g.AvgElo()
		if avg == nil {
			return false
		}
		if f.AvgEloMin != nil && *avg < float64(*f.AvgEloMin) {
			return false
		}
		if f.AvgEloMax != nil && *avg > float64(*f.AvgEloMax) {
			return false
		}
	}
	if f.CollectionID != nil {
		if owner, ok := m.collections[*f.CollectionID][g.ID]; !ok || owner != g.UserID {
			return false
		}
	}
	if f.Tag != "" {
		if _, ok := m.gameTags[g.ID][strings.ToLower(f.Tag)]; !ok {
			return false
		}
	}
	return true
}

func inRange(v *int, lo, hi *int) bool {
	if lo == nil && hi == nil {
		return true
	}
	if v == nil {
		return false
	}
	return (lo == nil || *v >= *lo) && (hi == nil || *v <= *hi)
}

// Library

func (m *Memory) PutAnnotation(_ context.Context, a *model.GameAnnotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[a.GameID]
	if !ok || g.UserID != a.UserID {
		return ErrNotFound
	}
	raw, err := a.Payload()
	if err != nil {
		return err
	}
	cp, err := model.DecodeAnnotation(a.UserID, a.GameID, raw)
	if err != nil {
		return err
	}
	m.annotations[a.GameID] = cp
	return nil
}

func (m *Memory) AddToCollection(_ context.Context, userID, collectionID, gameID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[gameID]
	if !ok || g.UserID != userID {
		return ErrNotFound
	}
	if m.collections[collectionID] == nil {
		m.collections[collectionID] = make(map[uuid.UUID]uuid.UUID)
	}
	m.collections[collectionID][gameID] = userID
	return nil
}

func (m *Memory) AddGameTag(_ context.Context, userID, gameID uuid.UUID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.data.games[gameID]
	if !ok || g.UserID != userID {
		return ErrNotFound
	}
	if m.gameTags[gameID] == nil {
		m.gameTags[gameID] = make(map[string]struct{})
	}
	m.gameTags[gameID][strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
	return nil
}

// Analysis

func (m *Memory) CountInFlight(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.UserID == userID && r.Status.InFlight() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertEngineRequest(_ context.Context, req *model.EngineRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	m.requests[req.ID] = copyRequest(req)
	return nil
}

func copyRequest(r *model.EngineRequest) *model.EngineRequest {
	cp := *r
	if r.Result != nil {
		res := *r.Result
		res.PV = slices.Clone(r.Result.PV)
		cp.Result = &res
	}
	return &cp
}

func (m *Memory) GetEngineRequest(_ context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || (userID != uuid.Nil && r.UserID != userID) {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *Memory) CancelEngineRequest(_ context.Context, userID, id uuid.UUID) (*model.EngineRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.UserID != userID {
		return nil, ErrNotFound
	}
	switch r.Status {
	case model.RequestQueued:
		now := m.now()
		r.CancelRequested = true
		r.Status = model.RequestCancelled
		r.FinishedAt = &now
	case model.RequestRunning:
		r.CancelRequested = true
	}
	return copyRequest(r), nil
}

func (m *Memory) ClaimEngineRequest(_ context.Context, id uuid.UUID) (*model.EngineRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !r.Reclaimable() {
		return copyRequest(r), false, nil
	}
	now := m.now()
	r.Status = model.RequestRunning
	r.StartedAt = &now
	r.FinishedAt = nil
	r.Error = ""
	return copyRequest(r), true, nil
}

func (m *Memory) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	return r.CancelRequested, nil
}

func (m *Memory) FinishEngineRequest(_ context.Context, id uuid.UUID, status model.RequestStatus, result *model.EngineResult, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if !r.Status.InFlight() {
		return nil
	}
	now := m.now()
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = &now
	if result != nil {
		res := *result
		res.PV = slices.Clone(result.PV)
		r.Result = &res
	}
	return nil
}

func (m *Memory) LookupEngineLine(_ context.Context, userID uuid.UUID, fen, engine string, minDepth int) (*model.EngineLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineKey{userID, fen, engine}]
	if !ok || l.Depth < minDepth {
		return nil, ErrNotFound
	}
	cp := *l
	cp.Result.PV = slices.Clone(l.Result.PV)
	return &cp, nil
}

func (m *Memory) UpsertEngineLine(_ context.Context, line *model.EngineLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := lineKey{line.UserID, line.FEN, line.Engine}
	if old, ok := m.lines[k]; ok && old.Depth > line.Depth {
		return nil
	}
	cp := *line
	cp.Result.PV = slices.Clone(line.Result.PV)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.lines[k] = &cp
	return nil
}
