package pgnparse

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	text := `[Event "Casual game"]
[White "Carlsen, Magnus"]
[Black "Nakamura, Hikaru"]
[Result "1-0"]

1. e4 {best by test} e5 2. Nf3 (2. f4 exf4) Nc6 3. Bb5 a6 1-0`

	g, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"e4", "e5", "Nf3", "Nc6", "Bb5", "a6"}
	if !reflect.DeepEqual(g.Moves, want) {
		t.Errorf("Moves = %v, want %v", g.Moves, want)
	}
	if g.Tag("White") != "Carlsen, Magnus" {
		t.Errorf("White = %q", g.Tag("White"))
	}
	if g.Result != "1-0" {
		t.Errorf("Result = %q", g.Result)
	}
}

func TestParseCheckSuffixKept(t *testing.T) {
	g, err := Parse("1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if last := g.Moves[len(g.Moves)-1]; last != "Qxf7#" {
		t.Errorf("last move = %q, want Qxf7#", last)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"illegal move", "[Event \"x\"]\n\n1. e4 e5 2. Ke3 *"},
		{"garbage move", "[Event \"x\"]\n\n1. e4 zz9 *"},
		{"garbage tail", "[Event \"x\"]\n\n1. e4 zz9 2. Qq9 Xx 1-0"},
		{"garbage after comment", "1. e4 {fine} e5 2. Nf3 Zq7 *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := Parse("  \n"); !errors.Is(err, ErrEmpty) {
		t.Errorf("blank text: got %v, want ErrEmpty", err)
	}
}

func TestMoveTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"plain", "1. e4 e5 2. Nf3 1-0", []string{"e4", "e5", "Nf3"}},
		{"glued numbers", "1.e4 e5 2.Nf3 2...Nc6 *", []string{"e4", "e5", "Nf3", "Nc6"}},
		{"tags skipped", "[Result \"1-0\"]\n[FEN \"8/8 w - - 0 1\"]\n\n1. d4 1-0", []string{"d4"}},
		{"comments and nags", "1. e4 $1 {a {b} e5 ; rest of line e6\n2. Nf3!? 1/2-1/2", []string{"e4", "e5", "Nf3!?"}},
		{"nested variations", "1. e4 (1. d4 d5 (1... Nf6 2. c4)) e5 *", []string{"e4", "e5"}},
		{"standalone glyphs", "1. e4 !? e5 e.p. *", []string{"e4", "e5"}},
		{"garbage counted", "1. e4 zz9 2. Qq9 Xx", []string{"e4", "zz9", "Qq9", "Xx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := moveTokens(tt.text)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("moveTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}
