package export

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/LuKev/chess-db-sub001/internal/model"
)

const annotated = `{"comment":"Good game","highlights":[{"square":"e4","color":"green"}],` +
	`"arrows":[{"from":"g1","to":"f3","color":"red"}],` +
	`"move_notes":[{"ply":3,"glyphs":[1],"comment":"best"},{"ply":1,"glyphs":[1,14]}]}`

// parts splits an annotated game into headers, movetext tokens, the payload
// line and the result.
func parts(t *testing.T, s string) (headers string, moves []string, payload, result string) {
	t.Helper()
	lines := strings.Split(s, "\n")
	if len(lines) < 3 {
		t.Fatalf("too few lines: %q", s)
	}
	result = lines[len(lines)-1]
	payload = lines[len(lines)-2]
	body := strings.Join(lines[:len(lines)-2], "\n")
	if i := strings.Index(body, "\n\n"); i >= 0 {
		headers, body = body[:i], body[i+2:]
	}
	return headers, strings.Fields(body), payload, result
}

func TestAnnotate(t *testing.T) {
	a, err := model.DecodeAnnotation(uuid.New(), uuid.New(), []byte(annotated))
	if err != nil {
		t.Fatal(err)
	}
	pgn := "[Event \"Club\"]\n[Result \"1-0\"]\n\n1. e4 e5 2. Nf3 {main} (2. Nc3 Nc6) Nc6 1-0"

	out, err := Annotate(pgn, a)
	if err != nil {
		t.Fatal(err)
	}
	headers, moves, payload, result := parts(t, out)

	if headers != "[Event \"Club\"]\n[Result \"1-0\"]" {
		t.Errorf("headers = %q", headers)
	}
	want := strings.Fields("{Good game} {[%csl Ge4]} {[%cal Rg1f3]} 1. e4 $1 $14 e5 2. Nf3 $1 {best} {main} ( 2. Nc3 Nc6 ) Nc6")
	if strings.Join(moves, " ") != strings.Join(want, " ") {
		t.Errorf("movetext =\n%s\nwant\n%s", strings.Join(moves, " "), strings.Join(want, " "))
	}
	if payload != "; "+annotated {
		t.Errorf("payload line = %q", payload)
	}
	if result != "1-0" {
		t.Errorf("result = %q", result)
	}
}

func TestAnnotateOrdering(t *testing.T) {
	tests := []struct {
		name string
		pgn  string
		a    *model.GameAnnotation
		want string
	}{
		{
			name: "glued move numbers",
			pgn:  "1.e4 e5 2.Nf3 *",
			a:    &model.GameAnnotation{MoveNotes: []model.MoveNote{{Ply: 2, Comment: "solid"}}},
			want: "1. e4 e5 {solid} 2. Nf3",
		},
		{
			name: "black move number",
			pgn:  "1. e4 {x} 1... c5 0-1",
			a:    &model.GameAnnotation{MoveNotes: []model.MoveNote{{Ply: 2, Glyphs: []int{6}}}},
			want: "1. e4 {x} 1... c5 $6",
		},
		{
			name: "note past the end",
			pgn:  "1. d4 1/2-1/2",
			a:    &model.GameAnnotation{MoveNotes: []model.MoveNote{{Ply: 9, Comment: "later"}, {Ply: 5, Comment: "sooner"}}},
			want: "1. d4 {sooner} {later}",
		},
		{
			name: "comment braces",
			pgn:  "1. d4 *",
			a:    &model.GameAnnotation{Comment: "a}b  c"},
			want: "{a)b c} 1. d4",
		},
		{
			name: "line comment kept closed",
			pgn:  "1. d4 ; old note\nd5 *",
			a:    &model.GameAnnotation{MoveNotes: []model.MoveNote{{Ply: 2, Glyphs: []int{2}}}},
			want: "1. d4 {old note} d5 $2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Annotate(tt.pgn, tt.a)
			if err != nil {
				t.Fatal(err)
			}
			_, moves, payload, _ := parts(t, out)
			if got := strings.Join(moves, " "); got != tt.want {
				t.Errorf("movetext = %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(payload, "; {") {
				t.Errorf("payload line = %q", payload)
			}
		})
	}
}

func TestAnnotateResult(t *testing.T) {
	a := &model.GameAnnotation{Comment: "c"}
	for pgn, want := range map[string]string{
		"1. e4 1-0":           "1-0",
		"1. e4 (1. d4 *) 0-1": "0-1",
		"1. e4":               "*",
		"1. e4 e5 1/2-1/2":    "1/2-1/2",
	} {
		out, err := Annotate(pgn, a)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(out, "\n")
		if got := lines[len(lines)-1]; got != want {
			t.Errorf("Annotate(%q) result = %q, want %q", pgn, got, want)
		}
		if strings.Count(out, want) != 1 && want != "*" {
			t.Errorf("Annotate(%q) repeats the result: %q", pgn, out)
		}
	}
}

func TestAnnotateNil(t *testing.T) {
	if out, err := Annotate("1. e4 *", nil); err != nil || out != "1. e4 *" {
		t.Errorf("Annotate(nil) = %q, %v", out, err)
	}
}

func TestTokenizeStrayBrace(t *testing.T) {
	toks := tokenize("1. e4 } e5")
	var moves []string
	for _, tk := range toks {
		if tk.kind == tokMove {
			moves = append(moves, tk.text)
		}
	}
	if strings.Join(moves, ",") != "e4,e5" {
		t.Errorf("moves = %v", moves)
	}
}
