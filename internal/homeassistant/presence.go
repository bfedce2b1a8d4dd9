package homeassistant

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// PresenceWatcher tracks whether someone is near the cube by watching
// state_changed events for a motion/occupancy sensor. Its reading feeds
// the health report and the MQTT occupancy sensor.
type PresenceWatcher struct {
	entityID string
	logger   *slog.Logger

	mu         sync.Mutex
	occupied   bool
	lastMotion time.Time
}

// NewPresenceWatcher creates a watcher for the given motion sensor
// entity (e.g., binary_sensor.cube_motion).
func NewPresenceWatcher(entityID string, logger *slog.Logger) *PresenceWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceWatcher{
		entityID: entityID,
		logger:   logger.With("component", "presence"),
	}
}

// Run consumes events until the channel closes. Call in a goroutine
// with the channel from WSClient.Events after subscribing to
// state_changed.
func (p *PresenceWatcher) Run(events <-chan Event) {
	for ev := range events {
		if ev.Type != "state_changed" {
			continue
		}
		var data StateChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}
		if data.EntityID != p.entityID || data.NewState == nil {
			continue
		}

		occupied := data.NewState.State == "on"
		p.mu.Lock()
		changed := occupied != p.occupied
		p.occupied = occupied
		if occupied {
			p.lastMotion = time.Now()
		}
		p.mu.Unlock()

		if changed {
			p.logger.Debug("presence changed", "occupied", occupied)
		}
	}
}

// Occupied reports whether the sensor currently detects someone.
func (p *PresenceWatcher) Occupied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupied
}

// LastMotion returns when motion was last detected, zero if never.
func (p *PresenceWatcher) LastMotion() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMotion
}
