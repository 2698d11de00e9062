package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	Name  string `validate:"required,max=5"`
	Depth int    `validate:"min=1,max=40"`
	Kind  string `validate:"omitempty,oneof=a b"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		in   sample
		want []string
	}{
		{"valid", sample{Name: "x", Depth: 10}, nil},
		{"required", sample{Depth: 10}, []string{"Name is required"}},
		{"string max", sample{Name: "toolong", Depth: 10}, []string{"Name must be at most 5 characters"}},
		{"number range", sample{Name: "x", Depth: 99}, []string{"Depth must be at most 40"}},
		{"oneof", sample{Name: "x", Depth: 1, Kind: "c"}, []string{"Kind must be one of [a b]"}},
		{"several", sample{Depth: 0}, []string{"Name is required", "Depth must be at least 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(&tt.in)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q missing %q", err, w)
				}
			}
		})
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf("date_from %s after date_to", "2024-02-01")
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "2024-02-01") {
		t.Errorf("err = %v", err)
	}
}
