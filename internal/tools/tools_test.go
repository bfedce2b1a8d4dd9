package tools

import (
	"context"
	"slices"
	"testing"
)

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry(nil)

	for _, name := range []string{"get_state", "list_entities", "call_service", "set_lighting", "speak"} {
		if r.Get(name) == nil {
			t.Errorf("builtin tool %q not registered", name)
		}
	}
	if r.Get("nonexistent") != nil {
		t.Error("unknown tool should return nil")
	}
}

func TestRegistry_Descriptors(t *testing.T) {
	r := NewRegistry(nil)

	descs := r.Descriptors()
	if len(descs) != 5 {
		t.Fatalf("expected 5 descriptors, got %d", len(descs))
	}
	for _, d := range descs {
		if d.Name == "" || d.Description == "" {
			t.Errorf("descriptor missing name or description: %+v", d)
		}
		if d.Parameters["type"] != "object" {
			t.Errorf("descriptor %q parameters should be a JSON-schema object", d.Name)
		}
	}
}

func TestRegistry_DescriptorsSortedByName(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{Name: "aardvark", Description: "x"})
	r.Register(&Tool{Name: "zebra", Description: "x"})

	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	if !slices.IsSorted(names) {
		t.Errorf("descriptors not sorted: %v", names)
	}
	if names[0] != "aardvark" || names[len(names)-1] != "zebra" {
		t.Errorf("expected aardvark first and zebra last: %v", names)
	}
}

func TestRegistry_HAToolsWithoutClient(t *testing.T) {
	r := NewRegistry(nil)

	// HA-backed tools must fail gracefully when HA is not configured.
	_, err := r.Get("get_state").Handler(context.Background(), map[string]any{"entity_id": "light.cube_inner"})
	if err == nil {
		t.Error("get_state without HA client should error")
	}
}

func TestRegistry_RegisterCustom(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&Tool{
		Name: "get_weather",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "72F, sunny", nil
		},
	})

	got, err := r.Get("get_weather").Handler(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "72F, sunny" {
		t.Errorf("result = %q", got)
	}
}
