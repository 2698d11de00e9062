// Package pgnparse turns the text of one PGN game into its tag pairs and
// mainline SAN moves.
package pgnparse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// ErrEmpty is returned for text that contains no game.
var ErrEmpty = errors.New("empty pgn")

// Game is the parsed form handed to the normalizer.
type Game struct {
	Tags  map[string]string
	Moves []string
	// Result is the game termination marker from the Result tag or the
	// movetext, "*" when neither carries one.
	Result string
}

// Tag returns the trimmed value of a tag, or "" when absent.
func (g Game) Tag(name string) string {
	return strings.TrimSpace(g.Tags[name])
}

// Parse reads a single game. Comments, variations and NAGs are dropped; only
// the mainline survives. Illegal or unreadable moves are reported as errors.
func Parse(text string) (g Game, err error) {
	if strings.TrimSpace(text) == "" {
		return Game{}, ErrEmpty
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			g = Game{}
			err = fmt.Errorf("parse pgn: %v", r)
		}
	}()

	opt, err := chess.PGN(strings.NewReader(text))
	if err != nil {
		return Game{}, fmt.Errorf("parse pgn: %w", err)
	}
	game := chess.NewGame(opt)

	tags := make(map[string]string)
	for _, tp := range game.TagPairs() {
		tags[tp.Key] = tp.Value
	}

	positions := game.Positions()
	moves := game.Moves()
	// Unreadable movetext tokens are dropped by the decoder instead of
	// failing, so the mainline must account for every move token.
	if toks := moveTokens(text); len(toks) != len(moves) {
		if len(toks) > len(moves) {
			return Game{}, fmt.Errorf("parse pgn: unreadable move %q at ply %d", toks[len(moves)], len(moves)+1)
		}
		return Game{}, fmt.Errorf("parse pgn: decoded %d moves from %d move tokens", len(moves), len(toks))
	}
	sans := make([]string, 0, len(moves))
	notation := chess.AlgebraicNotation{}
	for i, m := range moves {
		sans = append(sans, notation.Encode(positions[i], m))
	}

	result := strings.TrimSpace(tags["Result"])
	if result == "" || result == "?" {
		result = outcome(game.Outcome())
	}
	return Game{Tags: tags, Moves: sans, Result: result}, nil
}

// moveTokens returns the mainline move tokens of the movetext: tag pairs,
// comments, variations, NAGs, move numbers and result markers are skipped.
func moveTokens(text string) []string {
	var (
		toks  []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		tok := cur.String()
		cur.Reset()
		if depth > 0 {
			return
		}
		if tok = stripMoveNumber(tok); isMoveToken(tok) {
			toks = append(toks, tok)
		}
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	inComment := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inComment && (strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "%")) {
			continue
		}
		for i := 0; i < len(line); i++ {
			c := line[i]
			if inComment {
				if c == '}' {
					inComment = false
				}
				continue
			}
			switch c {
			case '{':
				flush()
				inComment = true
			case ';':
				flush()
				i = len(line)
			case '(':
				flush()
				depth++
			case ')':
				flush()
				if depth > 0 {
					depth--
				}
			case ' ', '\t':
				flush()
			default:
				cur.WriteByte(c)
			}
		}
		flush()
	}
	return toks
}

// stripMoveNumber removes a leading "12." or "12..." from tok.
func stripMoveNumber(tok string) string {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	if i == 0 || i == len(tok) || tok[i] != '.' {
		return tok
	}
	return strings.TrimLeft(tok[i:], ".")
}

func isMoveToken(tok string) bool {
	switch tok {
	case "", "1-0", "0-1", "1/2-1/2", "*", "e.p.":
		return false
	}
	if tok[0] == '$' {
		return false
	}
	// Standalone annotation glyphs such as "!?".
	return strings.Trim(tok, "!?") != ""
}

func outcome(o chess.Outcome) string {
	switch o {
	case chess.WhiteWon:
		return "1-0"
	case chess.BlackWon:
		return "0-1"
	case chess.Draw:
		return "1/2-1/2"
	}
	return "*"
}
