// Package sensor declares the Omada sensor entities: a table of
// descriptions binding a metric key to an accessor, a unit, and a set of
// predicates, plus the entity wrapper and the platform that creates and
// retires entities as controller state changes.
package sensor

import (
	"github.com/nugget/omada-bridge/internal/omada"
)

// Kind says which controller table an entity's MAC belongs to.
type Kind string

const (
	KindClient Kind = "client"
	KindDevice Kind = "device"
)

// Home Assistant vocabulary used by the descriptions.
const (
	Domain = "sensor"

	EntityCategoryDiagnostic = "diagnostic"

	DeviceClassTimestamp = "timestamp"
	DeviceClassDuration  = "duration"

	StateClassMeasurement     = "measurement"
	StateClassTotalIncreasing = "total_increasing"

	UnitMegabytes          = "MB"
	UnitMegabytesPerSecond = "MB/s"
	UnitPercent            = "%"
	UnitClients            = "clients"
	UnitSeconds            = "s"
)

// Manufacturer is reported in the HA device registry for Omada hardware.
const Manufacturer = "TP-Link"

// DeviceInfo is the HA device registry block an entity attaches to.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

// Predicate decides something about the entity for mac.
type Predicate func(c *omada.Controller, mac string) bool

// Description is the immutable definition of one sensor type.
type Description struct {
	Key            string
	Kind           Kind
	Domain         string
	EntityCategory string
	Unit           string
	DeviceClass    string
	StateClass     string
	Icon           string
	HasEntityName  bool

	// Allowed reports whether the options (and client filters) permit
	// this sensor for mac.
	Allowed Predicate
	// Supported reports whether the hardware capability behind the
	// sensor exists, e.g. an enabled radio band.
	Supported Predicate
	// Available reports whether the value can currently be trusted.
	Available Predicate

	DeviceInfo func(c *omada.Controller, mac string) DeviceInfo
	Name       func(c *omada.Controller, mac string) string
	UniqueID   func(key, mac string) string

	// Value reads the current value: float64, int, time.Time, or nil
	// when unknown. It must tolerate a mac absent from controller state.
	Value func(c *omada.Controller, mac string) any
}

// uniqueID is the shared unique ID rule: "<key>-<mac>".
func uniqueID(key, mac string) string {
	return key + "-" + mac
}

func always(*omada.Controller, string) bool { return true }

func controllerAvailable(c *omada.Controller, _ string) bool { return c.Available() }

func named(name string) func(*omada.Controller, string) string {
	return func(*omada.Controller, string) string { return name }
}

// clientDeviceInfo attaches a client's sensors to an HA device keyed by
// its network connection.
func clientDeviceInfo(c *omada.Controller, mac string) DeviceInfo {
	info := DeviceInfo{
		Connections: [][2]string{{"mac", mac}},
		Name:        mac,
	}
	if cl, ok := c.KnownClient(mac); ok {
		info.Name = cl.DisplayName()
		if cl.APMAC != "" {
			info.ViaDevice = cl.APMAC
		}
	}
	return info
}

// deviceDeviceInfo describes Omada hardware for the HA device registry.
func deviceDeviceInfo(c *omada.Controller, mac string) DeviceInfo {
	info := DeviceInfo{
		Identifiers:  []string{mac},
		Connections:  [][2]string{{"mac", mac}},
		Name:         mac,
		Manufacturer: Manufacturer,
	}
	if d, ok := c.Device(mac); ok {
		if d.Name != "" {
			info.Name = d.Name
		}
		info.Model = d.Model
		info.SWVersion = d.FirmwareVersion
	}
	return info
}

// Descriptions returns the table for kind.
func Descriptions(kind Kind) []Description {
	switch kind {
	case KindClient:
		return ClientDescriptions
	case KindDevice:
		return DeviceDescriptions
	}
	return nil
}

// Lookup finds the description for kind and key.
func Lookup(kind Kind, key string) (*Description, bool) {
	table := Descriptions(kind)
	for i := range table {
		if table[i].Key == key {
			return &table[i], true
		}
	}
	return nil, false
}
