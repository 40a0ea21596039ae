package main

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestShouldSkipConfigWalksParents(t *testing.T) {
	parent := &cobra.Command{
		Use:         "config",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}
	child := &cobra.Command{Use: "init"}
	parent.AddCommand(child)

	if !shouldSkipConfig(child) {
		t.Fatal("expected child of annotated command to skip config load")
	}
	if shouldSkipConfig(&cobra.Command{Use: "run"}) {
		t.Fatal("unannotated command must not skip config load")
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable(
		[]string{"ID", "Name"},
		[][]string{{"1", "Alpha"}, {"2"}},
		[]columnAlignment{alignRight, alignLeft},
	)
	if !strings.Contains(out, "Alpha") {
		t.Fatalf("missing cell content in output:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	width := len([]rune(lines[0]))
	for _, line := range lines {
		if len([]rune(line)) != width {
			t.Fatalf("uneven table rows:\n%s", out)
		}
	}
}

func TestRenderTableEmptyHeaders(t *testing.T) {
	if out := renderTable(nil, nil, nil); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}
