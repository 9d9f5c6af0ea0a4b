package runbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridianfield/sentinel/internal/model"
)

func writeRunbook(t *testing.T, dir, id, yamlBody string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLibrary_LoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "rb-1", `
id: rb-1
version: "1"
description: test runbook
controls: ["164.312(a)(1)"]
severity: high
timeout_seconds: 30
retries: 0
phases:
  detect:
    - os: linux
      script: "echo compliant"
`)

	lib, err := NewLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lib.Get("rb-1"); !ok {
		t.Fatal("expected rb-1 to load")
	}

	writeRunbook(t, dir, "rb-2", `
id: rb-2
version: "1"
description: second runbook
phases:
  detect:
    - script: "echo ok"
`)
	if err := lib.Reload(); err != nil {
		t.Fatal(err)
	}
	if len(lib.IDs()) != 2 {
		t.Fatalf("IDs() = %v, want 2 entries after reload", lib.IDs())
	}
}

func TestLibrary_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "bad", "not: [valid: yaml")
	writeRunbook(t, dir, "no-id", `description: missing id`)

	lib, err := NewLibrary(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(lib.IDs()) != 0 {
		t.Fatalf("expected zero valid runbooks, got %v", lib.IDs())
	}
}

func TestSelectScript_PrefersOSMatchOverFallback(t *testing.T) {
	scripts := []model.RunbookScript{
		{Script: "generic"},
		{OS: "windows", Script: "win-specific"},
	}
	if got := selectScript(scripts, PlatformWindows); got != "win-specific" {
		t.Fatalf("got %q, want win-specific", got)
	}
	if got := selectScript(scripts, PlatformPOSIX); got != "generic" {
		t.Fatalf("got %q, want generic fallback", got)
	}
}

func TestIsCompliant(t *testing.T) {
	cases := map[string]bool{
		"compliant":              true,
		"  Compliant\n":          true,
		"non-compliant: open port 23": false,
		"noncompliant":           false,
		"":                       false,
	}
	for in, want := range cases {
		if got := isCompliant(in); got != want {
			t.Errorf("isCompliant(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExcerpt_TruncatesAt500Bytes(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := excerpt(string(long))
	if len(got) != 500 {
		t.Fatalf("len = %d, want 500", len(got))
	}
}
