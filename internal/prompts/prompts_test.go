package prompts

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func fixedAssembler(dir string) *Assembler {
	a := NewAssembler(dir, "buddy")
	a.now = func() time.Time {
		return time.Date(2026, 8, 30, 14, 5, 12, 0, time.UTC)
	}
	return a
}

func TestGenerate_DateTimeBlock(t *testing.T) {
	a := fixedAssembler("")
	prompt := a.Generate("buddy", nil)

	for _, want := range []string{
		"Date: Sunday, August 30, 2026",
		"Time: 2:05 PM UTC",
		"Timestamp: 2026-08-30T14:05:12Z",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q\n%s", want, prompt)
		}
	}
	if !strings.HasPrefix(prompt, "## Current Moment\n") {
		t.Errorf("prompt must open with the date/time block:\n%s", prompt)
	}
}

func TestGenerate_SectionOrder(t *testing.T) {
	a := fixedAssembler("")
	prompt := a.Generate("buddy", map[string]string{"mood": "curious"})

	moment := strings.Index(prompt, "## Current Moment")
	body := strings.Index(prompt, "You are Glitch Cube")
	ctx := strings.Index(prompt, "## Context")
	if moment != 0 || body < moment || ctx < body {
		t.Errorf("section order wrong: moment=%d body=%d context=%d\n%s",
			moment, body, ctx, prompt)
	}
}

func TestGenerate_DateTimeIsFresh(t *testing.T) {
	a := NewAssembler("", "buddy")
	calls := 0
	a.now = func() time.Time {
		calls++
		return time.Date(2026, 8, 30, 14, 0, calls, 0, time.UTC)
	}

	first := a.Generate("buddy", nil)
	second := a.Generate("buddy", nil)
	if first == second {
		t.Error("two generations produced identical timestamps; clock must be read per call")
	}
}

func TestGenerate_ContextBlock(t *testing.T) {
	a := fixedAssembler("")

	prompt := a.Generate("buddy", map[string]string{
		"current_location": "center camp",
		"visitor_mood":     "curious",
	})

	if !strings.Contains(prompt, "## Context") {
		t.Fatalf("missing context block:\n%s", prompt)
	}
	locIdx := strings.Index(prompt, "Current Location: center camp")
	moodIdx := strings.Index(prompt, "Visitor Mood: curious")
	if locIdx < 0 || moodIdx < 0 {
		t.Fatalf("context entries missing or not title-cased:\n%s", prompt)
	}
	if locIdx > moodIdx {
		t.Error("context keys not rendered in sorted order")
	}
}

func TestGenerate_EmptyContextOmitsBlock(t *testing.T) {
	a := fixedAssembler("")
	prompt := a.Generate("buddy", map[string]string{})
	if strings.Contains(prompt, "## Context") {
		t.Errorf("empty context should add no block:\n%s", prompt)
	}
}

func TestGenerate_UnknownPersonaFallsBack(t *testing.T) {
	a := fixedAssembler("")

	got := a.Generate("does-not-exist", nil)
	want := a.Generate("buddy", nil)
	if got != want {
		t.Error("unknown persona should fall back to the default body")
	}
}

func TestGenerate_PersonaFromDirectory(t *testing.T) {
	dir := t.TempDir()
	body := "You are a test cube. Say only test things."
	if err := os.WriteFile(filepath.Join(dir, "tester.md"), []byte(body+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := fixedAssembler(dir)
	prompt := a.Generate("tester", nil)
	if !strings.Contains(prompt, body) {
		t.Errorf("directory persona not used:\n%s", prompt)
	}
}

func TestGenerate_DirectoryOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "buddy.md"), []byte("Custom buddy."), 0o644); err != nil {
		t.Fatal(err)
	}

	a := fixedAssembler(dir)
	prompt := a.Generate("buddy", nil)
	if !strings.Contains(prompt, "Custom buddy.") {
		t.Errorf("file should override built-in body:\n%s", prompt)
	}
	if strings.Contains(prompt, "You are Glitch Cube") {
		t.Errorf("built-in body leaked past the override:\n%s", prompt)
	}
}

func TestGenerate_RejectsPathTraversal(t *testing.T) {
	a := fixedAssembler(t.TempDir())

	got := a.Generate("../../etc/passwd", nil)
	want := a.Generate("buddy", nil)
	if got != want {
		t.Error("path-like persona names must fall back, not read outside the dir")
	}
}

func TestAvailable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "zesty.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewAssembler(dir, "buddy")
	names := a.Available()

	for _, want := range []string{"buddy", "playful", "contemplative", "mysterious", "zesty"} {
		if !slices.Contains(names, want) {
			t.Errorf("Available() missing %q: %v", want, names)
		}
	}
	if slices.Contains(names, "notes") {
		t.Errorf("non-markdown file listed as persona: %v", names)
	}
	if !slices.IsSorted(names) {
		t.Errorf("Available() not sorted: %v", names)
	}
}

func TestTitleCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"current_location", "Current Location"},
		{"mood", "Mood"},
		{"visitor-count", "Visitor Count"},
		{"already Title", "Already Title"},
	}
	for _, tt := range tests {
		if got := titleCase(tt.in); got != tt.want {
			t.Errorf("titleCase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
