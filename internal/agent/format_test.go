package agent

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		v    any
		err  error
		want string
	}{
		{"map with result key", map[string]any{"result": "found 3 files", "count": 3}, nil, "found 3 files"},
		{"plain string", "raw output", nil, "raw output"},
		{"error", nil, errors.New("permission denied"), "Error: permission denied"},
		{"error wins over value", "partial", errors.New("boom"), "Error: boom"},
		{"nil value", nil, nil, "(no output)"},
		{"number", 42, nil, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatResult(tt.v, tt.err)
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResultDumpsOtherMaps(t *testing.T) {
	got := FormatResult(map[string]any{"files": []string{"a.go", "b.go"}}, nil)
	if !strings.Contains(got, `"files"`) || !strings.Contains(got, "a.go") {
		t.Fatalf("expected a readable dump, got %q", got)
	}
}
