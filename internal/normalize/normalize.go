// Package normalize derives the searchable and de-duplication fields of a game
// from its parsed tags and moves.
package normalize

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/LuKev/chess-db-sub001/internal/model"
	"github.com/LuKev/chess-db-sub001/internal/pgnparse"
	"github.com/LuKev/chess-db-sub001/internal/position"
)

// ErrMalformedTag marks a tag whose value cannot be interpreted.
var ErrMalformedTag = errors.New("malformed tag")

const maxElo = 4000

// Seven tag roster, in PGN export order.
var roster = []string{"Event", "Site", "Date", "Round", "White", "Black", "Result"}

// Game builds a model.Game from a parsed game. The returned value is only
// meaningful when err is nil; moves keep their original order.
func Game(p pgnparse.Game) (model.Game, error) {
	whiteElo, err := parseElo(p.Tag("WhiteElo"))
	if err != nil {
		return model.Game{}, fmt.Errorf("WhiteElo: %w", err)
	}
	blackElo, err := parseElo(p.Tag("BlackElo"))
	if err != nil {
		return model.Game{}, fmt.Errorf("BlackElo: %w", err)
	}

	startFEN := ""
	if fen := p.Tag("FEN"); fen != "" {
		if _, err := position.NormalizeFEN(fen); err != nil {
			return model.Game{}, fmt.Errorf("FEN: %w: %v", ErrMalformedTag, err)
		}
		startFEN = fen
	}

	result := ParseResult(p.Tag("Result"))
	if result == model.ResultUnknown {
		result = ParseResult(p.Result)
	}

	tags := make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		tags[k] = v
	}

	date := ParseDate(p.Tag("Date"))
	if date.Year == 0 {
		date = ParseDate(p.Tag("UTCDate"))
	}

	event := collapse(p.Tag("Event"))
	g := model.Game{
		White:         collapse(p.Tag("White")),
		Black:         collapse(p.Tag("Black")),
		WhiteNorm:     NormalizeName(p.Tag("White")),
		BlackNorm:     NormalizeName(p.Tag("Black")),
		Result:        result,
		Event:         event,
		EventNorm:     NormalizeName(event),
		Site:          collapse(p.Tag("Site")),
		Round:         collapse(p.Tag("Round")),
		Date:          date,
		PlayedOn:      date.Time(),
		TimeControl:   collapse(p.Tag("TimeControl")),
		WhiteElo:      whiteElo,
		BlackElo:      blackElo,
		ECO:           parseECO(p.Tag("ECO")),
		Opening:       collapse(p.Tag("Opening")),
		Rated:         parseRated(p.Tag("Rated"), event),
		Tags:          tags,
		StartFEN:      startFEN,
		MovesHash:     MovesHash(p.Moves),
		CanonicalHash: CanonicalHash(p.Tags, p.Moves, result),
		PlyCount:      len(p.Moves),
	}
	return g, nil
}

// NormalizeName trims, collapses inner whitespace and lower-cases s.
func NormalizeName(s string) string {
	return strings.ToLower(collapse(s))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParseDate reads PGN dates such as 2024.03.17, 2024.??.??, 2024-03 or 2024.
// Unknown or unreadable components are left zero.
func ParseDate(s string) model.GameDate {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.GameDate{}
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '-' || r == '/' })
	var d model.GameDate
	if len(parts) > 0 {
		if y, ok := component(parts[0], 1, 9999); ok {
			d.Year = y
		}
	}
	if d.Year == 0 {
		return model.GameDate{}
	}
	if len(parts) > 1 {
		if m, ok := component(parts[1], 1, 12); ok {
			d.Month = m
		}
	}
	if d.Month != 0 && len(parts) > 2 {
		if day, ok := component(parts[2], 1, 31); ok {
			d.Day = day
		}
	}
	return d
}

func component(s string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

// ParseResult maps a result token to the enum; anything else is unknown.
func ParseResult(s string) model.Result {
	switch strings.TrimSpace(s) {
	case "1-0":
		return model.ResultWhiteWins
	case "0-1":
		return model.ResultBlackWins
	case "1/2-1/2", "½-½":
		return model.ResultDraw
	}
	return model.ResultUnknown
}

func parseElo(s string) (*int, error) {
	switch s {
	case "", "?", "-":
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxElo {
		return nil, fmt.Errorf("%w: %q", ErrMalformedTag, s)
	}
	return &n, nil
}

func parseECO(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 || s[0] < 'A' || s[0] > 'E' || s[1] < '0' || s[1] > '9' || s[2] < '0' || s[2] > '9' {
		return ""
	}
	return s
}

func parseRated(tag, event string) *bool {
	yes, no := true, false
	switch strings.ToLower(tag) {
	case "true", "yes", "1":
		return &yes
	case "false", "no", "0":
		return &no
	}
	ev := strings.ToLower(event)
	switch {
	case strings.Contains(ev, "casual"):
		return &no
	case strings.Contains(ev, "rated"):
		return &yes
	}
	return nil
}

// StripSAN removes check, mate and annotation suffixes from a SAN token.
func StripSAN(san string) string {
	return strings.TrimRight(strings.TrimSpace(san), "+#!?")
}

// MovesHash identifies a game by its move sequence alone.
func MovesHash(sans []string) string {
	stripped := make([]string, len(sans))
	for i, s := range sans {
		stripped[i] = StripSAN(s)
	}
	return digest(strings.Join(stripped, " "))
}

// CanonicalHash identifies a game by a normalized rendering of its tags,
// movetext and result, so cosmetic differences in the source text are ignored.
func CanonicalHash(tags map[string]string, sans []string, result model.Result) string {
	return digest(Canonical(tags, sans, result))
}

// Canonical renders the text CanonicalHash is computed over.
func Canonical(tags map[string]string, sans []string, result model.Result) string {
	var b strings.Builder
	for _, k := range tagOrder(tags) {
		fmt.Fprintf(&b, "[%s \"%s\"]\n", k, collapse(tags[k]))
	}
	b.WriteByte('\n')
	for i, san := range sans {
		if i%2 == 0 {
			fmt.Fprintf(&b, "%d. ", i/2+1)
		}
		b.WriteString(StripSAN(san))
		b.WriteByte(' ')
	}
	b.WriteString(string(result))
	return b.String()
}

func tagOrder(tags map[string]string) []string {
	inRoster := make(map[string]bool, len(roster))
	keys := make([]string, 0, len(tags))
	for _, k := range roster {
		inRoster[k] = true
		if _, ok := tags[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(tags))
	for k := range tags {
		if !inRoster[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func digest(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
