package mqtt

import "github.com/glitchcube/glitchcube/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload this instance publishes, so HA groups all the
// cube's sensors under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained on every broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
}

// NewDeviceInfo builds the shared device block. instanceID is the stable
// HA identifier and survives renames of the device name, preserving
// entity history across reconfigurations.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Glitch Cube Collective",
		Model:        "Glitch Cube",
		SWVersion:    buildinfo.Version,
	}
}
