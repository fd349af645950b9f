package main

import (
	"strings"
	"testing"
)

func TestRenderTableAlignsNumericColumns(t *testing.T) {
	out := renderTable([]tableColumn{
		{title: "ID", numeric: true},
		{title: "Process"},
	}, [][]string{{"7", "vlc"}})

	// The ID header is wider than the cell, so right alignment pads the
	// digit from the left.
	requireContains(t, out, "│  7 │")
	requireContains(t, out, "│ vlc")
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]tableColumn{
		{title: "Time"},
		{title: "Event"},
	}, [][]string{{"12:00"}})

	requireContains(t, out, "12:00")
	if lines := strings.Split(out, "\n"); len(lines) != 5 {
		t.Fatalf("unexpected table layout:\n%s", out)
	}
}

func TestRenderTableNoColumns(t *testing.T) {
	if out := renderTable(nil, nil); out != "" {
		t.Fatalf("expected empty render, got %q", out)
	}
}
