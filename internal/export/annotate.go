package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

var resultTokens = map[string]bool{"1-0": true, "0-1": true, "1/2-1/2": true, "*": true}

// Annotate writes a into the movetext of one PGN game. In order: the game
// comment, the [%csl] and [%cal] directives, per-ply glyphs and comments after
// the matching mainline move, a line comment with the stored payload, and the
// result token.
func Annotate(pgn string, a *model.GameAnnotation) (string, error) {
	if a == nil {
		return pgn, nil
	}
	payload, err := a.Payload()
	if err != nil {
		return "", fmt.Errorf("encode annotation: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return "", fmt.Errorf("annotation payload: %w", err)
	}

	headers, movetext := splitPGN(pgn)
	toks := tokenize(movetext)

	result := "*"
	for i := len(toks) - 1; i >= 0; i-- {
		if toks[i].depth == 0 && resultTokens[toks[i].text] {
			result = toks[i].text
			toks = append(toks[:i], toks[i+1:]...)
			break
		}
	}

	notes := make(map[int][]model.MoveNote)
	for _, n := range a.MoveNotes {
		notes[n.Ply] = append(notes[n.Ply], n)
	}

	var lead []string
	if c := commentText(a.Comment); c != "" {
		lead = append(lead, "{"+c+"}")
	}
	if len(a.Highlights) > 0 {
		parts := make([]string, 0, len(a.Highlights))
		for _, h := range a.Highlights {
			parts = append(parts, colorCode(h.Color)+strings.ToLower(h.Square))
		}
		lead = append(lead, "{[%csl "+strings.Join(parts, ",")+"]}")
	}
	if len(a.Arrows) > 0 {
		parts := make([]string, 0, len(a.Arrows))
		for _, ar := range a.Arrows {
			parts = append(parts, colorCode(ar.Color)+strings.ToLower(ar.From)+strings.ToLower(ar.To))
		}
		lead = append(lead, "{[%cal "+strings.Join(parts, ",")+"]}")
	}

	out := make([]string, 0, len(toks)+len(lead)+2*len(a.MoveNotes))
	out = append(out, lead...)
	ply := 0
	for _, t := range toks {
		out = append(out, t.text)
		if t.depth != 0 || t.kind != tokMove {
			continue
		}
		ply++
		for _, n := range notes[ply] {
			out = append(out, renderNote(n)...)
		}
		delete(notes, ply)
	}

	// Notes past the last move are kept, in ply order, at the end.
	if len(notes) > 0 {
		plies := make([]int, 0, len(notes))
		for p := range notes {
			plies = append(plies, p)
		}
		sort.Ints(plies)
		for _, p := range plies {
			for _, n := range notes[p] {
				out = append(out, renderNote(n)...)
			}
		}
	}

	var b strings.Builder
	if headers != "" {
		b.WriteString(headers)
		b.WriteString("\n\n")
	}
	b.WriteString(wrap(out, 80))
	b.WriteString("\n; ")
	b.Write(compact.Bytes())
	b.WriteString("\n")
	b.WriteString(result)
	return b.String(), nil
}

func renderNote(n model.MoveNote) []string {
	var out []string
	for _, g := range n.Glyphs {
		if g > 0 && g <= 255 {
			out = append(out, "$"+strconv.Itoa(g))
		}
	}
	if c := commentText(n.Comment); c != "" {
		out = append(out, "{"+c+"}")
	}
	return out
}

// commentText makes s safe inside a brace comment.
func commentText(s string) string {
	s = strings.ReplaceAll(s, "}", ")")
	return strings.Join(strings.Fields(s), " ")
}

func colorCode(c string) string {
	c = strings.TrimSpace(c)
	switch strings.ToLower(c) {
	case "", "g", "green":
		return "G"
	case "r", "red":
		return "R"
	case "y", "yellow":
		return "Y"
	case "b", "blue":
		return "B"
	}
	return strings.ToUpper(c[:1])
}

// splitPGN separates the tag section from the movetext.
func splitPGN(pgn string) (headers, movetext string) {
	pgn = strings.ReplaceAll(strings.TrimSpace(pgn), "\r\n", "\n")
	lines := strings.Split(pgn, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
		i++
	}
	headers = strings.Join(lines[:i], "\n")
	movetext = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	return headers, movetext
}

type tokKind int

const (
	tokOther tokKind = iota
	tokMove
)

type token struct {
	text  string
	kind  tokKind
	depth int
}

// tokenize splits movetext into comments, variations markers, move numbers,
// NAGs and moves, tracking variation depth.
func tokenize(s string) []token {
	var toks []token
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '{':
			j := strings.IndexByte(s[i:], '}')
			if j < 0 {
				j = len(s) - i - 1
			}
			toks = append(toks, token{text: s[i : i+j+1], depth: depth})
			i += j + 1
		case c == ';':
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				j = len(s) - i
			}
			// Keep a line comment terminated when tokens are rejoined.
			toks = append(toks, token{text: "{" + commentText(s[i+1:i+j]) + "}", depth: depth})
			i += j
		case c == '(':
			toks = append(toks, token{text: "(", depth: depth})
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			toks = append(toks, token{text: ")", depth: depth})
			i++
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n\r{}();", rune(s[j])) {
				j++
			}
			if j == i {
				i++ // stray '}'
				continue
			}
			word := s[i:j]
			i = j
			toks = append(toks, splitWord(word, depth)...)
		}
	}
	return toks
}

// splitWord separates a move number glued to its move, as in "1.e4".
func splitWord(w string, depth int) []token {
	if resultTokens[w] {
		return []token{{text: w, depth: depth}}
	}
	if w[0] == '$' {
		return []token{{text: w, depth: depth}}
	}
	n := 0
	for n < len(w) && w[n] >= '0' && w[n] <= '9' {
		n++
	}
	if n > 0 {
		d := n
		for d < len(w) && w[d] == '.' {
			d++
		}
		if d > n {
			out := []token{{text: w[:d], depth: depth}}
			if d < len(w) {
				out = append(out, token{text: w[d:], kind: tokMove, depth: depth})
			}
			return out
		}
	}
	return []token{{text: w, kind: tokMove, depth: depth}}
}

// wrap joins tokens with spaces, breaking lines near width.
func wrap(toks []string, width int) string {
	var b strings.Builder
	line := 0
	for i, t := range toks {
		if i > 0 {
			if line+1+len(t) > width {
				b.WriteByte('\n')
				line = 0
			} else {
				b.WriteByte(' ')
				line++
			}
		}
		b.WriteString(t)
		line += len(t)
	}
	return b.String()
}
