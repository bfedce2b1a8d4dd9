package tools

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/glitchcube/glitchcube/internal/llm"
)

// Call is an executable tool invocation extracted from a model
// response: arguments are decoded into a key/value map, and every call
// has a correlation ID even when the provider omitted one.
type Call struct {
	ID        string
	Type      string
	Name      string
	Arguments map[string]any
}

// Parse extracts tool calls from a model response. It never fails: a
// response without tool calls yields an empty slice, and malformed
// argument payloads degrade to best-effort key/value extraction.
func Parse(resp *llm.Response) []Call {
	if resp == nil || len(resp.ToolCalls) == 0 {
		return nil
	}

	calls := make([]Call, 0, len(resp.ToolCalls))
	for _, raw := range resp.ToolCalls {
		call := Call{
			ID:   raw.ID,
			Type: raw.Type,
			Name: raw.Name,
		}
		if call.ID == "" {
			call.ID = syntheticID()
		}
		if call.Type == "" {
			call.Type = "function"
		}
		call.Arguments = parseArguments(raw.Arguments)
		calls = append(calls, call)
	}
	return calls
}

// parseArguments decodes a raw arguments string. Valid JSON objects
// decode directly; anything else goes through the key:value fallback
// scanner. A fully unparseable payload yields an empty map, never nil.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}

	return scanKeyValues(raw)
}

// keyValueLine matches `key: value` and `key: "value"` lines in
// malformed payloads. The key may be bare or quoted.
var keyValueLine = regexp.MustCompile(`^\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*:\s*(.+?)\s*,?\s*$`)

// scanKeyValues is the best-effort fallback for arguments the model
// emitted as broken JSON. It walks the payload line by line, keeping
// whatever key/value pairs it can recognize.
func scanKeyValues(raw string) map[string]any {
	args := map[string]any{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Trim(line, " \t{}")
		if line == "" {
			continue
		}
		m := keyValueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[1]
		value := strings.Trim(m[2], `"'`)
		args[key] = value
	}
	return args
}

// syntheticID generates a correlation token for providers that omit
// tool-call IDs, in the form tool_<hex>.
func syntheticID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "tool_00000000"
	}
	return "tool_" + hex.EncodeToString(b[:])
}
