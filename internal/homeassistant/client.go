// Package homeassistant provides clients for the Home Assistant API,
// which drives the cube's physical hardware: lighting, speaker, and
// the sensors around the installation.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/httpkit"
)

// Entities for the cube's fixed hardware.
const (
	CubeLightEntity   = "light.cube_inner"
	CubeSpeakerEntity = "media_player.cube_speaker"
	CubeTTSEntity     = "tts.piper"
)

// Client is a Home Assistant REST API client. When a circuit breaker is
// attached, every request is guarded by it: an open circuit rejects the
// call before it reaches the network.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *breaker.Breaker
}

// NewClient creates a Home Assistant client. br may be nil (unguarded).
func NewClient(baseURL, token string, br *breaker.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
		breaker: br,
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Config represents basic HA configuration.
type Config struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+entityID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.post(ctx, path, data, nil)
}

// guard runs fn under the circuit breaker when one is attached.
func (c *Client) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Do(fn)
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.guard(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request %s: %w", path, err)
		}
		// Drain and close to ensure connection reuse even when result is nil.
		defer httpkit.DrainAndClose(resp.Body, 4096)

		if resp.StatusCode != http.StatusOK {
			body := httpkit.ReadErrorBody(resp.Body, 512)
			return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}

		return nil
	})
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	return c.guard(func() error {
		var reqBody []byte
		if data != nil {
			var err error
			reqBody, err = json.Marshal(data)
			if err != nil {
				return fmt.Errorf("marshal data: %w", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request %s: %w", path, err)
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)

		if resp.StatusCode != http.StatusOK {
			body := httpkit.ReadErrorBody(resp.Body, 512)
			return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
		}

		if result != nil {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}

		return nil
	})
}
