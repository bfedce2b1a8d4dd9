// Package prompts assembles system prompts for the conversation pipeline.
//
// A prompt is current date/time + persona body + optional context block.
// Persona bodies come from .md files in a configurable directory, with
// built-in fallbacks so a missing or misnamed persona never fails a turn.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultPersona is used when no persona is requested and none is configured.
const DefaultPersona = "buddy"

// Assembler builds system prompts. It is stateless apart from configuration;
// Generate is a pure function of its inputs and the wall clock.
type Assembler struct {
	dir            string
	defaultPersona string

	now func() time.Time // for tests
}

// NewAssembler creates a prompt assembler. dir may be empty, in which case
// only built-in personas are available. defaultPersona falls back to
// DefaultPersona when empty.
func NewAssembler(dir, defaultPersona string) *Assembler {
	if defaultPersona == "" {
		defaultPersona = DefaultPersona
	}
	return &Assembler{
		dir:            dir,
		defaultPersona: defaultPersona,
		now:            time.Now,
	}
}

// Generate builds the system prompt for a persona. The prompt opens with a
// date/time block computed at call time so every prompt reflects "now",
// followed by the persona body. context keys are rendered in Title Case in
// sorted key order; an empty context adds no block.
func (a *Assembler) Generate(persona string, context map[string]string) string {
	var b strings.Builder

	now := a.now()
	fmt.Fprintf(&b, "## Current Moment\nDate: %s\nTime: %s\nTimestamp: %s\n",
		now.Format("Monday, January 2, 2006"),
		now.Format("3:04 PM MST"),
		now.Format(time.RFC3339))

	b.WriteString("\n")
	b.WriteString(a.personaBody(persona))
	b.WriteString("\n")

	if len(context) > 0 {
		b.WriteString("\n## Context\n")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", titleCase(k), context[k])
		}
	}

	return b.String()
}

// Available lists persona names, built-ins plus any .md files in the
// persona directory, sorted and de-duplicated.
func (a *Assembler) Available() []string {
	seen := make(map[string]bool, len(builtinPersonas))
	for name := range builtinPersonas {
		seen[name] = true
	}
	if a.dir != "" {
		entries, err := os.ReadDir(a.dir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
					continue
				}
				seen[strings.TrimSuffix(e.Name(), ".md")] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// personaBody resolves a persona name to its prompt body, falling back to
// the default persona and finally the built-in buddy body. Never fails.
func (a *Assembler) personaBody(persona string) string {
	if persona == "" {
		persona = a.defaultPersona
	}
	for _, name := range []string{persona, a.defaultPersona, DefaultPersona} {
		if body, ok := a.load(name); ok {
			return body
		}
	}
	return builtinPersonas[DefaultPersona]
}

// load reads a persona file from the directory, falling back to the
// built-in body of the same name. Names with path separators are rejected
// so a persona name can never escape the configured directory.
func (a *Assembler) load(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	if a.dir != "" {
		data, err := os.ReadFile(filepath.Join(a.dir, name+".md"))
		if err == nil {
			return strings.TrimSpace(string(data)), true
		}
	}
	body, ok := builtinPersonas[name]
	return body, ok
}

// titleCase renders a snake_case or space-separated key as human-readable
// Title Case: "current_location" -> "Current Location".
func titleCase(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == ' ' || r == '-'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
