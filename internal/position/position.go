// Package position replays a game's moves and describes every position it
// passes through.
package position

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrInvalidFEN is returned for FEN strings that do not describe a position.
var ErrInvalidFEN = errors.New("invalid fen")

// Index replays sans from startFEN (empty means the standard start) and
// returns one row per ply. Row k describes the position before move k+1 and,
// when that move was legal, carries it in UCI form with the resulting FEN.
// An illegal or unreadable move stops the replay: the rows reached so far are
// returned and the last one has no next move. An invalid start yields nil.
func Index(startFEN string, sans []string) []model.GamePosition {
	pos, err := start(startFEN)
	if err != nil {
		return nil
	}

	rows := make([]model.GamePosition, 0, len(sans)+1)
	cur := describe(pos.ToFEN(), 0)
	for i, san := range sans {
		mv, err := pgn.ParseSAN(pos, cleanSAN(san))
		if err != nil {
			break
		}
		uci := FromPGN(mv).UCI()
		if err := pgn.ApplyMove(pos, mv); err != nil {
			break
		}
		next := describe(pos.ToFEN(), i+1)
		cur.NextMoveUCI = uci
		cur.NextFEN = next.FEN
		rows = append(rows, cur)
		cur = next
	}
	return append(rows, cur)
}

func start(fen string) (*pgn.GameState, error) {
	if strings.TrimSpace(fen) == "" {
		return pgn.NewStartingPosition(), nil
	}
	if _, err := NormalizeFEN(fen); err != nil {
		return nil, err
	}
	return pgn.NewGame(FullFEN(strings.TrimSpace(fen)))
}

func cleanSAN(san string) string {
	san = strings.TrimSpace(san)
	san = strings.TrimRight(san, "+#!?")
	// 0-0 is common in older sources.
	switch san {
	case "0-0":
		return "O-O"
	case "0-0-0":
		return "O-O-O"
	}
	return san
}

func describe(fen string, ply int) model.GamePosition {
	fields := strings.Fields(fen)
	for len(fields) < 6 {
		switch len(fields) {
		case 4:
			fields = append(fields, "0")
		case 5:
			fields = append(fields, "1")
		default:
			fields = append(fields, "-")
		}
	}
	halfmove, _ := strconv.Atoi(fields[4])
	fullmove, err := strconv.Atoi(fields[5])
	if err != nil || fullmove < 1 {
		fullmove = 1
	}
	return model.GamePosition{
		Ply:         ply,
		FEN:         strings.Join(fields[:4], " "),
		SideToMove:  fields[1],
		Castling:    fields[2],
		EnPassant:   fields[3],
		Halfmove:    halfmove,
		Fullmove:    fullmove,
		MaterialKey: MaterialKey(fields[0]),
	}
}

// NormalizeFEN validates fen and reduces it to the fields that identify a
// position: placement, side to move, castling rights and en-passant square.
func NormalizeFEN(fen string) (string, error) {
	fields := strings.Fields(fen)
	if len(fields) < 4 || len(fields) > 6 {
		return "", fmt.Errorf("%w: want 4 to 6 fields, got %d", ErrInvalidFEN, len(fields))
	}
	if err := checkPlacement(fields[0]); err != nil {
		return "", err
	}
	if fields[1] != "w" && fields[1] != "b" {
		return "", fmt.Errorf("%w: side to move %q", ErrInvalidFEN, fields[1])
	}
	if !validCastling(fields[2]) {
		return "", fmt.Errorf("%w: castling %q", ErrInvalidFEN, fields[2])
	}
	if !validEnPassant(fields[3]) {
		return "", fmt.Errorf("%w: en passant %q", ErrInvalidFEN, fields[3])
	}
	for _, f := range fields[4:] {
		if n, err := strconv.Atoi(f); err != nil || n < 0 {
			return "", fmt.Errorf("%w: move counter %q", ErrInvalidFEN, f)
		}
	}
	return strings.Join(fields[:4], " "), nil
}

// FullFEN pads a normalized FEN with move counters so engines accept it.
func FullFEN(fen string) string {
	switch len(strings.Fields(fen)) {
	case 4:
		return fen + " 0 1"
	case 5:
		return fen + " 1"
	}
	return fen
}

func checkPlacement(p string) error {
	ranks := strings.Split(p, "/")
	if len(ranks) != 8 {
		return fmt.Errorf("%w: %d ranks", ErrInvalidFEN, len(ranks))
	}
	kings := map[rune]int{}
	for _, rank := range ranks {
		n := 0
		for _, c := range rank {
			switch {
			case c >= '1' && c <= '8':
				n += int(c - '0')
			case strings.ContainsRune("pnbrqkPNBRQK", c):
				n++
				if c == 'k' || c == 'K' {
					kings[c]++
				}
			default:
				return fmt.Errorf("%w: piece %q", ErrInvalidFEN, c)
			}
		}
		if n != 8 {
			return fmt.Errorf("%w: rank %q has %d squares", ErrInvalidFEN, rank, n)
		}
	}
	if kings['K'] != 1 || kings['k'] != 1 {
		return fmt.Errorf("%w: need exactly one king per side", ErrInvalidFEN)
	}
	return nil
}

func validCastling(s string) bool {
	if s == "-" {
		return true
	}
	if s == "" || len(s) > 4 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("KQkq", c) {
			return false
		}
	}
	return true
}

func validEnPassant(s string) bool {
	if s == "-" {
		return true
	}
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && (s[1] == '3' || s[1] == '6')
}

// MaterialKey summarizes the material on the board, white first, e.g.
// KQR2B2N2P8vKQR2B2N2P8 for the initial position.
func MaterialKey(placement string) string {
	var counts [2][6]int
	const order = "kqrbnp"
	for _, c := range placement {
		side := 0
		lc := c
		if c >= 'a' && c <= 'z' {
			side = 1
		} else {
			lc = c + ('a' - 'A')
		}
		if i := strings.IndexRune(order, lc); i >= 0 {
			counts[side][i]++
		}
	}
	var b strings.Builder
	for side := 0; side < 2; side++ {
		if side == 1 {
			b.WriteByte('v')
		}
		for i, n := range counts[side] {
			if n == 0 {
				continue
			}
			b.WriteByte(order[i] - ('a' - 'A'))
			if n > 1 {
				b.WriteString(strconv.Itoa(n))
			}
		}
	}
	return b.String()
}
