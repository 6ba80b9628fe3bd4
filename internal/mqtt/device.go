package mqtt

import (
	"strings"

	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/sensor"
)

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic when an
// entity is added and again on every broker (re-)connect.
type SensorConfig struct {
	Name              string            `json:"name"`
	HasEntityName     bool              `json:"has_entity_name,omitempty"`
	UniqueID          string            `json:"unique_id"`
	StateTopic        string            `json:"state_topic"`
	Availability      []Availability    `json:"availability"`
	AvailabilityMode  string            `json:"availability_mode,omitempty"`
	Device            sensor.DeviceInfo `json:"device"`
	Icon              string            `json:"icon,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Origin            *Origin           `json:"origin,omitempty"`
}

// Origin identifies the software behind a discovery payload.
type Origin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

// NewDeviceInfo creates the HA device block for the bridge itself. The
// instance ID is the primary identifier (stable across renames); the
// device name appears in the HA UI.
func NewDeviceInfo(instanceID, deviceName string) sensor.DeviceInfo {
	return sensor.DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "omada-bridge",
		Model:        "Omada MQTT Bridge",
		SWVersion:    buildinfo.Version,
	}
}

// objectID turns a unique ID into a topic-safe path segment. HA only
// allows [a-zA-Z0-9_-] in discovery object IDs.
func objectID(uniqueID string) string {
	var b strings.Builder
	b.Grow(len(uniqueID))
	for _, r := range strings.ToLower(uniqueID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ':' || r == '.':
			// MAC separators carry no information.
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
