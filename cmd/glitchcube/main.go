// Glitchcube is the conversation daemon for the Glitch Cube art
// installation. It serves the HTTP API the Home Assistant integration
// talks to, drives conversations through OpenRouter, executes tool calls
// against Home Assistant, and optionally publishes its status over MQTT.
//
// Usage:
//
//	glitchcube serve             Start the API server
//	glitchcube ask <question>    Ask a single question (for testing)
//	glitchcube version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glitchcube/glitchcube/internal/api"
	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/buildinfo"
	"github.com/glitchcube/glitchcube/internal/config"
	"github.com/glitchcube/glitchcube/internal/conversation"
	"github.com/glitchcube/glitchcube/internal/health"
	"github.com/glitchcube/glitchcube/internal/homeassistant"
	"github.com/glitchcube/glitchcube/internal/llm"
	"github.com/glitchcube/glitchcube/internal/mqtt"
	"github.com/glitchcube/glitchcube/internal/prompts"
	"github.com/glitchcube/glitchcube/internal/retry"
	"github.com/glitchcube/glitchcube/internal/session"
	"github.com/glitchcube/glitchcube/internal/tools"
)

// main constructs the OS-level environment and delegates to run so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	// Parsed by hand: the flag package's global state gets in the way of
	// driving run() from tests.
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buildinfo.RuntimeInfo())
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Glitch Cube conversation daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: glitchcube [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server (default)")
	fmt.Fprintln(w, "  ask          Run a single conversation turn and print the reply")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	return nil
}

// loadConfig locates and parses the YAML config, returning the config and
// the path it came from.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// components holds everything runServe and runAsk share.
type components struct {
	cfg          *config.Config
	logger       *slog.Logger
	breakers     *breaker.Registry
	store        *session.Store
	orchestrator *conversation.Orchestrator
	ha           *homeassistant.Client
	presence     *homeassistant.PresenceWatcher
	reporter     *health.Reporter
}

// build wires the conversation pipeline from config. The Home Assistant
// client, presence watcher, and health push are all optional; the cube
// talks without them.
func build(cfg *config.Config, logger *slog.Logger) *components {
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		OpenFor:           time.Duration(cfg.Breaker.OpenForSec) * time.Second,
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	}, logger)

	store, err := session.Open(cfg.Session.DBPath, cfg.Session.Window, logger)
	if err != nil {
		logger.Warn("session persistence unavailable, conversations are in-memory only",
			"db_path", cfg.Session.DBPath, "error", err)
	}

	var ha *homeassistant.Client
	if cfg.HomeAssistant.Configured() {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token,
			breakers.Get("home_assistant"))
	} else {
		logger.Info("home assistant not configured, device tools will report errors")
	}

	client := llm.NewOpenRouter(llm.OpenRouterConfig{
		APIKey:      cfg.OpenRouter.APIKey,
		BaseURL:     cfg.OpenRouter.BaseURL,
		Model:       cfg.OpenRouter.Model,
		Temperature: cfg.OpenRouter.Temperature,
		MaxTokens:   cfg.OpenRouter.MaxTokens,
		Timeout:     cfg.OpenRouterTimeout(),
	}, breakers.Get("openrouter"), logger)

	registry := tools.NewRegistry(ha)
	executor := tools.NewExecutor(registry, cfg.ToolTimeout(), logger)
	assembler := prompts.NewAssembler(cfg.Personas.Dir, cfg.Personas.Default)
	coordinator := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		Disabled:    cfg.Retry.Disabled,
	}, logger)

	orchestrator := conversation.New(client, store, assembler, registry, executor, coordinator, logger)

	var presence *homeassistant.PresenceWatcher
	if ha != nil && cfg.HomeAssistant.MotionSensor != "" {
		presence = homeassistant.NewPresenceWatcher(cfg.HomeAssistant.MotionSensor, logger)
	}

	healthCfg := health.Config{
		Store:    store,
		Breakers: breakers,
		PushURL:  cfg.Health.PushURL,
		Interval: time.Duration(cfg.Health.IntervalSec) * time.Second,
		Logger:   logger,
	}
	// Assign through locals so a nil *Client never becomes a non-nil
	// interface value.
	if ha != nil {
		healthCfg.HA = ha
	}
	if presence != nil {
		healthCfg.Presence = presence
	}

	return &components{
		cfg:          cfg,
		logger:       logger,
		breakers:     breakers,
		store:        store,
		orchestrator: orchestrator,
		ha:           ha,
		presence:     presence,
		reporter:     health.New(healthCfg),
	}
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)
	logger.Info("starting glitch cube", "version", buildinfo.Version, "config", cfgPath)

	c := build(cfg, logger)
	defer c.store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Presence tracking rides the HA websocket; reconnect forever in the
	// background, the cube works without it.
	if c.presence != nil {
		go watchPresence(ctx, cfg, c.presence, logger)
	}

	// Health heartbeat push.
	go c.reporter.Start(ctx)

	// Idle-session reaper.
	if cfg.Session.IdleTimeoutMin > 0 {
		go reapIdleSessions(ctx, c.store,
			time.Duration(cfg.Session.IdleTimeoutMin)*time.Minute, logger)
	}

	// MQTT status publisher.
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.BrokerURL != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(dataDir(cfg))
		if err != nil {
			logger.Warn("mqtt disabled, no instance ID", "error", err)
		} else {
			publisher = mqtt.New(cfg.MQTT, instanceID, c.reporter, logger)
			go func() {
				if err := publisher.Start(ctx); err != nil {
					logger.Warn("mqtt publisher stopped", "error", err)
				}
			}()
		}
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, c.orchestrator,
		c.store, c.breakers, c.reporter, prompts.NewAssembler(cfg.Personas.Dir, cfg.Personas.Default),
		logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if publisher != nil {
			offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offCancel()
			if err := publisher.Stop(offCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("glitch cube stopped")
	return nil
}

// runAsk runs one turn against a fresh session and prints the reply.
// Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: glitchcube ask <question>")
	}
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, slog.LevelError)
	c := build(cfg, logger)
	defer c.store.Close()

	result, err := c.orchestrator.Converse(ctx, conversation.TurnRequest{
		Text:   question,
		Source: "cli",
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, result.ResponseText)
	return nil
}

// watchPresence keeps the HA websocket alive and feeds state_changed
// events to the presence watcher, reconnecting with a flat backoff.
func watchPresence(ctx context.Context, cfg *config.Config, watcher *homeassistant.PresenceWatcher, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		ws := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := ws.Connect(ctx); err != nil {
			logger.Warn("presence websocket connect failed", "error", err)
		} else if err := ws.Subscribe(ctx, "state_changed"); err != nil {
			logger.Warn("presence subscribe failed", "error", err)
			ws.Close()
		} else {
			// Blocks until the websocket closes.
			watcher.Run(ws.Events())
			ws.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

func reapIdleSessions(ctx context.Context, store *session.Store, idle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ended := store.EndIdleSessions(idle); len(ended) > 0 {
				logger.Info("ended idle sessions", "sessions", ended)
			}
		}
	}
}

// dataDir is where small persistent state (the MQTT instance ID) lives:
// next to the session database, or the working directory without one.
func dataDir(cfg *config.Config) string {
	if cfg.Session.DBPath != "" {
		return filepath.Dir(cfg.Session.DBPath)
	}
	return "."
}
