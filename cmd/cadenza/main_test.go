package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/cadenza/internal/decisionlog"
	"github.com/MrWong99/cadenza/pkg/player"
	"github.com/MrWong99/cadenza/pkg/transform"
)

const corpusYAML = `
kind: midi
events:
  - onset: 0
    duration: 1
    tempo: 96
    pitch: 60
    notes:
      - {pitch: 60, velocity: 90, onset: 0, duration: 1}
  - onset: 1
    duration: 1
    tempo: 104
    pitch: 67
    notes:
      - {pitch: 67, velocity: 90, onset: 0, duration: 1}
      - {pitch: 71, velocity: 80, onset: 0.5, duration: 0.5}
`

// runCmd executes the root command with args and returns its combined output.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeCorpus(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "invention.yaml")
	if err := os.WriteFile(path, []byte(corpusYAML), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := runCmd(t, "version", "-v")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "cadenza "+version) || !strings.Contains(out, "go:") {
		t.Errorf("version output = %q", out)
	}
}

func TestCorpus_ConvertThenInspect(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := writeCorpus(t, dir)
	dst := filepath.Join(dir, "out.msgpack")

	out, err := runCmd(t, "corpus", "convert", "--name", "bach", src, dst)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(out, "msgpack, 2 events") {
		t.Errorf("convert output = %q", out)
	}

	out, err = runCmd(t, "corpus", "inspect", "-n", "1", dst)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"bach", "midi", "60..67", "96..104 bpm", "notes", "3", "1 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestCorpus_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := writeCorpus(t, dir)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown output format", args: []string{"corpus", "convert", src, filepath.Join(dir, "out.txt")}},
		{name: "missing input", args: []string{"corpus", "inspect", filepath.Join(dir, "nope.yaml")}},
		{name: "wrong arity", args: []string{"corpus", "convert", src}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := runCmd(t, tt.args...); err == nil {
				t.Errorf("%v: error = nil, want error", tt.args)
			}
		})
	}
}

func TestDecisions(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "decisions.db")
	rec, err := decisionlog.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := range 3 {
		rec.Record(player.Decision{Player: "lead", Beat: float64(i), Position: i + 4, Transform: transform.Transpose(2), Policy: "max"})
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := runCmd(t, "decisions", "lead", "--db", path, "-n", "2")
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if strings.Contains(out, " 4 ") {
		t.Errorf("output includes the oldest decision with -n 2:\n%s", out)
	}
	for _, want := range []string{"lead", "position", transform.Transpose(2).String(), "max", "6"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "decisions", "bass", "--db", path)
	if err != nil {
		t.Fatalf("decisions bass: %v", err)
	}
	if !strings.Contains(out, "no decisions for bass") {
		t.Errorf("output = %q, want empty notice", out)
	}
}

func TestDecisions_MissingDatabase(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.db")
	if _, err := runCmd(t, "decisions", "lead", "--db", path); err == nil {
		t.Fatal("decisions with missing db: error = nil, want error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("decisions created %s", path)
	}
}

func TestServe_MissingConfig(t *testing.T) {
	t.Parallel()
	_, err := runCmd(t, "serve", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("serve error = %v, want not found", err)
	}
}
