// Package tools defines the tools the model can invoke during a turn:
// Home Assistant state queries and service calls, cube lighting, and
// text-to-speech. It also houses the tool-call parser and the
// timeout-bounded parallel executor.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/glitchcube/glitchcube/internal/homeassistant"
	"github.com/glitchcube/glitchcube/internal/llm"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	ha    *homeassistant.Client
}

// NewRegistry creates a tool registry with HA integration. ha may be
// nil; HA-backed tools then report themselves unconfigured at call time.
func NewRegistry(ha *homeassistant.Client) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		ha:    ha,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "get_state",
		Description: "Get the current state of a Home Assistant entity. Use this to check sensors, lights, or the cube's own hardware.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity ID (e.g., light.cube_inner, sensor.cube_temperature)",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: r.handleGetState,
	})

	r.Register(&Tool{
		Name:        "list_entities",
		Description: "List all entities in a domain (e.g., all lights, all sensors). Use this to discover what's available.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The domain to list (e.g., light, sensor, media_player)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of entities to return (default 20)",
				},
			},
			"required": []string{"domain"},
		},
		Handler: r.handleListEntities,
	})

	r.Register(&Tool{
		Name:        "call_service",
		Description: "Call a Home Assistant service to control devices around the cube.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The service domain (e.g., light, media_player, switch)",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "The service to call (e.g., turn_on, turn_off, play_media)",
				},
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The target entity ID",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Additional service data (e.g., brightness, rgb_color)",
				},
			},
			"required": []string{"domain", "service", "entity_id"},
		},
		Handler: r.handleCallService,
	})

	r.Register(&Tool{
		Name:        "set_lighting",
		Description: "Set the cube's internal lighting to express a mood. Color is an RGB triple, brightness 0-255.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rgb_color": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "RGB color as [r, g, b], each 0-255",
				},
				"brightness": map[string]any{
					"type":        "integer",
					"description": "Brightness 0-255 (default 200)",
				},
			},
			"required": []string{"rgb_color"},
		},
		Handler: r.handleSetLighting,
	})

	r.Register(&Tool{
		Name:        "speak",
		Description: "Speak text aloud through the cube's speaker via text-to-speech.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The text to speak",
				},
			},
			"required": []string{"message"},
		},
		Handler: r.handleSpeak,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if unregistered.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Descriptors returns the registered tools as LLM function descriptors,
// sorted by name so the tool list sent to the model is stable across calls.
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]llm.ToolDescriptor, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, llm.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return result
}

// Tool handlers

func (r *Registry) handleGetState(ctx context.Context, args map[string]any) (string, error) {
	if r.ha == nil {
		return "", fmt.Errorf("Home Assistant not configured")
	}

	entityID, _ := args["entity_id"].(string)
	if entityID == "" {
		return "", fmt.Errorf("entity_id is required")
	}

	state, err := r.ha.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}

	// Format nicely for the LLM
	result := fmt.Sprintf("Entity: %s\nState: %s\n", state.EntityID, state.State)

	if name, ok := state.Attributes["friendly_name"].(string); ok {
		result += fmt.Sprintf("Name: %s\n", name)
	}
	if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
		result += fmt.Sprintf("Unit: %s\n", unit)
	}
	if brightness, ok := state.Attributes["brightness"].(float64); ok {
		result += fmt.Sprintf("Brightness: %.0f%%\n", brightness/255*100)
	}

	return result, nil
}

func (r *Registry) handleListEntities(ctx context.Context, args map[string]any) (string, error) {
	if r.ha == nil {
		return "", fmt.Errorf("Home Assistant not configured")
	}

	domain, _ := args["domain"].(string)
	if domain == "" {
		return "", fmt.Errorf("domain is required")
	}

	limit := 20
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}

	states, err := r.ha.GetStates(ctx)
	if err != nil {
		return "", err
	}

	var matches []string
	prefix := domain + "."
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, prefix) {
			name := s.EntityID
			if friendly, ok := s.Attributes["friendly_name"].(string); ok {
				name = fmt.Sprintf("%s (%s)", s.EntityID, friendly)
			}
			matches = append(matches, fmt.Sprintf("- %s: %s", name, s.State))
			if len(matches) >= limit {
				break
			}
		}
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No entities found in domain '%s'", domain), nil
	}

	return fmt.Sprintf("Found %d %s entities:\n%s", len(matches), domain, strings.Join(matches, "\n")), nil
}

func (r *Registry) handleCallService(ctx context.Context, args map[string]any) (string, error) {
	if r.ha == nil {
		return "", fmt.Errorf("Home Assistant not configured")
	}

	domain, _ := args["domain"].(string)
	service, _ := args["service"].(string)
	entityID, _ := args["entity_id"].(string)

	if domain == "" || service == "" || entityID == "" {
		return "", fmt.Errorf("domain, service, and entity_id are required")
	}

	data := map[string]any{
		"entity_id": entityID,
	}
	if extra, ok := args["data"].(map[string]any); ok {
		for k, v := range extra {
			data[k] = v
		}
	}

	if err := r.ha.CallService(ctx, domain, service, data); err != nil {
		return "", err
	}

	return fmt.Sprintf("Successfully called %s.%s on %s", domain, service, entityID), nil
}

func (r *Registry) handleSetLighting(ctx context.Context, args map[string]any) (string, error) {
	if r.ha == nil {
		return "", fmt.Errorf("Home Assistant not configured")
	}

	rgb, ok := args["rgb_color"].([]any)
	if !ok || len(rgb) != 3 {
		return "", fmt.Errorf("rgb_color must be [r, g, b]")
	}

	brightness := 200.0
	if b, ok := args["brightness"].(float64); ok {
		brightness = b
	}

	data := map[string]any{
		"entity_id":  homeassistant.CubeLightEntity,
		"rgb_color":  rgb,
		"brightness": brightness,
	}
	if err := r.ha.CallService(ctx, "light", "turn_on", data); err != nil {
		return "", err
	}

	return fmt.Sprintf("Lighting set to rgb %v at brightness %.0f", rgb, brightness), nil
}

func (r *Registry) handleSpeak(ctx context.Context, args map[string]any) (string, error) {
	if r.ha == nil {
		return "", fmt.Errorf("Home Assistant not configured")
	}

	message, _ := args["message"].(string)
	if message == "" {
		return "", fmt.Errorf("message is required")
	}

	data := map[string]any{
		"entity_id":              homeassistant.CubeTTSEntity,
		"media_player_entity_id": homeassistant.CubeSpeakerEntity,
		"message":                message,
	}
	if err := r.ha.CallService(ctx, "tts", "speak", data); err != nil {
		return "", err
	}

	return "Spoke message through the cube speaker", nil
}
