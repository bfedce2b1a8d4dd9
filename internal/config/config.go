// Package config handles Glitch Cube configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/glitchcube/config.yaml, /etc/glitchcube/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "glitchcube", "config.yaml"))
	}

	paths = append(paths, "/etc/glitchcube/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Glitch Cube configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	OpenRouter    OpenRouterConfig    `yaml:"openrouter"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Session       SessionConfig       `yaml:"session"`
	Personas      PersonasConfig      `yaml:"personas"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Retry         RetryConfig         `yaml:"retry"`
	Tools         ToolsConfig         `yaml:"tools"`
	Health        HealthConfig        `yaml:"health"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenRouterConfig defines the LLM provider settings.
type OpenRouterConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the OpenRouter endpoint; useful for tests and
	// OpenAI-compatible local servers. Defaults to the public API.
	BaseURL string `yaml:"base_url"`
	// Model is the default model slug (e.g., qwen/qwen-2.5-72b-instruct).
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// TimeoutSec bounds a single completion request. Default 90.
	TimeoutSec int `yaml:"timeout_sec"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// MotionSensor is the binary_sensor entity watched for presence.
	// Empty disables presence tracking.
	MotionSensor string `yaml:"motion_sensor"`
}

// Configured reports whether a Home Assistant connection is set up.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// SessionConfig defines conversation persistence settings.
type SessionConfig struct {
	// DBPath is the SQLite database file. Empty means in-memory only.
	DBPath string `yaml:"db_path"`
	// Window is how many recent messages are replayed to the LLM (default 20).
	Window int `yaml:"window"`
	// IdleTimeoutMin ends sessions with no activity after this many minutes (default 30).
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
}

// PersonasConfig defines where persona definitions live.
type PersonasConfig struct {
	// Dir holds persona .md files. Empty falls back to built-in personas.
	Dir string `yaml:"dir"`
	// Default is the persona used when a request names none (default "buddy").
	Default string `yaml:"default"`
}

// BreakerConfig defines circuit breaker thresholds shared by all
// registered breakers.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive failures (default 5).
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenForSec is how long the circuit stays open before probing (default 30).
	OpenForSec int `yaml:"open_for_sec"`
	// HalfOpenSuccesses closes the circuit after this many probe successes (default 1).
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// RetryConfig defines the retry coordinator for transient LLM failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget including the first call (default 3).
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelayMS is the backoff unit in milliseconds (default 1000).
	BaseDelayMS int `yaml:"base_delay_ms"`
	// Disabled turns retries off entirely; every call gets one attempt.
	Disabled bool `yaml:"disabled"`
}

// ToolsConfig defines tool execution settings.
type ToolsConfig struct {
	// TimeoutSec bounds a single tool call (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
}

// HealthConfig defines the optional uptime monitor push.
type HealthConfig struct {
	// PushURL is pinged periodically when set (e.g., an Uptime Kuma push URL).
	PushURL string `yaml:"push_url"`
	// IntervalSec is the push cadence (default 60).
	IntervalSec int `yaml:"interval_sec"`
}

// MQTTConfig defines the optional status publisher.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled"`
	// BrokerURL like mqtt://host:1883 or tls://host:8883.
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPrefix defaults to "glitchcube".
	TopicPrefix string `yaml:"topic_prefix"`
	// DeviceName is the Home Assistant device name (default: "glitch-cube").
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is HA's MQTT discovery prefix (default: "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is how often sensor states are pushed (default: 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		OpenRouter: OpenRouterConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "qwen/qwen-2.5-72b-instruct",
			Temperature: 0.8,
			MaxTokens:   1024,
			TimeoutSec:  90,
		},
		Session: SessionConfig{
			Window:         20,
			IdleTimeoutMin: 30,
		},
		Personas: PersonasConfig{Default: "buddy"},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			OpenForSec:        30,
			HalfOpenSuccesses: 1,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
		},
		Tools:  ToolsConfig{TimeoutSec: 10},
		Health: HealthConfig{IntervalSec: 60},
		MQTT: MQTTConfig{
			TopicPrefix:        "glitchcube",
			DeviceName:         "glitch-cube",
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
	}
}

// OpenRouterTimeout returns the per-request timeout as a duration.
func (c *Config) OpenRouterTimeout() time.Duration {
	return time.Duration(c.OpenRouter.TimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-call timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutSec) * time.Second
}
