// Package model holds the persisted records shared by the job processors and
// the storage implementations.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Result is a PGN game result token.
type Result string

const (
	ResultWhiteWins Result = "1-0"
	ResultBlackWins Result = "0-1"
	ResultDraw      Result = "1/2-1/2"
	ResultUnknown   Result = "*"
)

// GameDate is a PGN date where any component may be unknown (zero).
type GameDate struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

// Time returns the earliest instant matching the known components, or nil
// when the year is unknown.
func (d GameDate) Time() *time.Time {
	if d.Year == 0 {
		return nil
	}
	month, day := d.Month, d.Day
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	t := time.Date(d.Year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t
}

// Game is one imported game. MovesHash is unique per user.
type Game struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	ImportJobID *uuid.UUID

	White     string
	Black     string
	WhiteNorm string
	BlackNorm string
	Result    Result

	Event       string
	EventNorm   string
	Site        string
	Round       string
	Date        GameDate
	PlayedOn    *time.Time
	TimeControl string
	WhiteElo    *int
	BlackElo    *int
	ECO         string
	Opening     string
	Rated       *bool
	Tags        map[string]string

	StartFEN      string
	MovesHash     string
	CanonicalHash string
	PlyCount      int

	CreatedAt time.Time
}

// AvgElo returns the mean of the known ratings, or nil.
func (g *Game) AvgElo() *float64 {
	switch {
	case g.WhiteElo != nil && g.BlackElo != nil:
		v := float64(*g.WhiteElo+*g.BlackElo) / 2
		return &v
	case g.WhiteElo != nil:
		v := float64(*g.WhiteElo)
		return &v
	case g.BlackElo != nil:
		v := float64(*g.BlackElo)
		return &v
	}
	return nil
}

// MoveNode is one mainline half-move of a stored move tree.
type MoveNode struct {
	Ply int    `json:"ply"`
	SAN string `json:"san"`
	UCI string `json:"uci,omitempty"`
}

// MoveTree is the structured mainline stored next to the raw PGN.
type MoveTree struct {
	StartFEN string     `json:"start_fen,omitempty"`
	Moves    []MoveNode `json:"moves"`
}

// SANs returns the mainline moves in order.
func (t *MoveTree) SANs() []string {
	out := make([]string, len(t.Moves))
	for i, m := range t.Moves {
		out[i] = m.SAN
	}
	return out
}

// GamePosition is the indexed position before ply+1 of a game.
type GamePosition struct {
	UserID      uuid.UUID
	GameID      uuid.UUID
	Ply         int
	FEN         string
	SideToMove  string
	Castling    string
	EnPassant   string
	Halfmove    int
	Fullmove    int
	MaterialKey string
	NextMoveUCI string
	NextFEN     string
}

// HasNext reports whether a move was played from this position.
func (p *GamePosition) HasNext() bool { return p.NextMoveUCI != "" }

// OpeningStat aggregates every game that played MoveUCI from FEN.
// Wins/Draws/Losses are from the perspective of the side to move.
type OpeningStat struct {
	UserID         uuid.UUID
	FEN            string
	MoveUCI        string
	Games          int
	Wins           int
	Draws          int
	Losses         int
	AvgElo         *float64
	EloSamples     int
	PerfPct        *float64
	PerfSamples    int
	Transpositions int
	NextFEN        string
	UpdatedAt      time.Time
}

// SquareHighlight is one coloured square of a [%csl] directive.
type SquareHighlight struct {
	Square string `json:"square"`
	Color  string `json:"color"`
}

// Arrow is one arrow of a [%cal] directive.
type Arrow struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Color string `json:"color"`
}

// MoveNote annotates the move that reached Ply.
type MoveNote struct {
	Ply     int    `json:"ply"`
	Glyphs  []int  `json:"glyphs,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// GameAnnotation is a user's annotation layer for one game.
type GameAnnotation struct {
	UserID     uuid.UUID         `json:"-"`
	GameID     uuid.UUID         `json:"-"`
	Comment    string            `json:"comment,omitempty"`
	Highlights []SquareHighlight `json:"highlights,omitempty"`
	Arrows     []Arrow           `json:"arrows,omitempty"`
	MoveNotes  []MoveNote        `json:"move_notes,omitempty"`
	// Raw is the payload as stored; it is echoed verbatim into exports.
	Raw json.RawMessage `json:"-"`
}

// Payload returns the stored JSON form of the annotation, marshaling the
// structured fields when no raw payload is present.
func (a *GameAnnotation) Payload() (json.RawMessage, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	return json.Marshal(a)
}

// DecodeAnnotation parses a stored payload, keeping it verbatim in Raw.
func DecodeAnnotation(userID, gameID uuid.UUID, raw []byte) (*GameAnnotation, error) {
	a := &GameAnnotation{}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, err
	}
	a.UserID = userID
	a.GameID = gameID
	a.Raw = append(json.RawMessage(nil), raw...)
	return a, nil
}
