package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// TestInspectCommand tests the snapshot inspect output
func TestInspectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "place")
	board := make([]byte, 250000)
	board[10] = 5
	board[11] = 5
	if err := os.WriteFile(path, board, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "snapshot", "inspect", path)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	for _, want := range []string{"size: 250000 bytes", "dimensions: 500x500", "color   0: 249998", "color   5: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

// TestInspectCommandMissingFile tests the error path
func TestInspectCommandMissingFile(t *testing.T) {
	if _, err := runCommand(t, "snapshot", "inspect", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestVersionCommand tests the version line
func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "canvasd dev (unknown)") {
		t.Errorf("version output = %q", out)
	}
}
