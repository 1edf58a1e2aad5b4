package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestNewFromConfigParsesGlobalAndPerSource(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeFile(t, dir, "global.yaml", "interval: 10\nburst: 3\nseverity: 7\n")
	perSourcePath := writeFile(t, dir, "persource.yaml", "default:\n  max: 5\n  window: 60\noverrides:\n  - key: hostA\n    max: 1\n    window: 10\n")

	reg := NewRegistry()
	p, err := reg.NewFromConfig("policy1", globalPath, perSourcePath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	interval, burst, severity := p.Snapshot()
	if interval != 10 || burst != 3 || severity != 7 {
		t.Fatalf("unexpected globals: %d %d %d", interval, burst, severity)
	}
	ps := p.PerSource()
	if ps == nil || ps.DefaultMax != 5 || ps.DefaultWindow != 60 {
		t.Fatalf("unexpected per-source config: %+v", ps)
	}
	if ov, ok := ps.Overrides["hostA"]; !ok || ov.Max != 1 {
		t.Fatalf("expected hostA override, got %+v", ps.Overrides)
	}
}

func TestPerSourceFileRequiresDefaultFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "persource.yaml", "default:\n  max: 5\n")
	if _, err := parsePerSourceFile(path); err == nil {
		t.Fatal("expected error when default.window is missing")
	}
}

func TestDoHUPReparsesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeFile(t, dir, "global.yaml", "interval: 10\nburst: 3\n")
	reg := NewRegistry()
	p, err := reg.NewFromConfig("policy1", globalPath, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, dir, "global.yaml", "interval: 20\nburst: 9\n")
	if errs := reg.DoHUP(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	interval, burst, _ := p.Snapshot()
	if interval != 20 || burst != 9 {
		t.Fatalf("expected reloaded values, got interval=%d burst=%d", interval, burst)
	}
}

func TestDoHUPKeepsOldValuesOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeFile(t, dir, "global.yaml", "interval: 10\nburst: 3\n")
	reg := NewRegistry()
	p, _ := reg.NewFromConfig("policy1", globalPath, "")

	writeFile(t, dir, "global.yaml", "severity: 99\n") // out of [0,7] range
	errs := reg.DoHUP()
	if len(errs) == 0 {
		t.Fatal("expected an error from the invalid severity")
	}
	interval, burst, _ := p.Snapshot()
	if interval != 10 || burst != 3 {
		t.Fatalf("expected old values preserved, got interval=%d burst=%d", interval, burst)
	}
}
