package homeassistant

import (
	"encoding/json"
	"testing"
	"time"
)

func stateChangedEvent(t *testing.T, entityID, newState string) Event {
	t.Helper()
	data, err := json.Marshal(StateChangedData{
		EntityID: entityID,
		NewState: &State{EntityID: entityID, State: newState},
	})
	if err != nil {
		t.Fatal(err)
	}
	return Event{Type: "state_changed", Data: data}
}

func TestPresenceWatcher(t *testing.T) {
	p := NewPresenceWatcher("binary_sensor.cube_motion", nil)
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		p.Run(events)
		close(done)
	}()

	if p.Occupied() {
		t.Error("should start unoccupied")
	}

	events <- stateChangedEvent(t, "binary_sensor.cube_motion", "on")
	events <- stateChangedEvent(t, "binary_sensor.cube_motion", "on") // drain ensures first was processed
	if !p.Occupied() {
		t.Error("motion on should mark occupied")
	}
	if p.LastMotion().IsZero() {
		t.Error("last motion should be recorded")
	}

	events <- stateChangedEvent(t, "binary_sensor.cube_motion", "off")
	events <- stateChangedEvent(t, "binary_sensor.cube_motion", "off")
	if p.Occupied() {
		t.Error("motion off should clear occupancy")
	}

	// Other entities and event types are ignored.
	events <- stateChangedEvent(t, "light.cube_inner", "on")
	events <- Event{Type: "call_service"}
	events <- stateChangedEvent(t, "binary_sensor.cube_motion", "off")
	if p.Occupied() {
		t.Error("unrelated events must not flip occupancy")
	}

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after channel close")
	}
}
