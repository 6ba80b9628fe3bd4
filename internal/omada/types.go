// Package omada holds the already-polled state of a TP-Link Omada
// controller: its managed devices (access points, switches, gateways),
// connected clients, and every client ever seen. Sensor accessors read
// from this state by MAC address. Polling the controller is someone
// else's job; snapshots arrive through [Controller.Apply].
package omada

import (
	"strings"
	"time"
)

// Device is an Omada-managed network device. Counters are raw controller
// units: bytes for totals, bytes per second for rates, percent for
// CPU, memory, and utilization.
type Device struct {
	MAC             string `json:"mac"`
	Name            string `json:"name"`
	Type            string `json:"type"` // ap, switch, gateway
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`

	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
	RxRate   int64 `json:"rx_rate"`
	TxRate   int64 `json:"tx_rate"`

	CPU    int   `json:"cpu"`
	Memory int   `json:"memory"`
	Uptime int64 `json:"uptime"` // seconds

	Clients   int `json:"clients"`
	Clients2G int `json:"clients_2ghz"`
	Clients5G int `json:"clients_5ghz"`
	Clients6G int `json:"clients_6ghz"`

	RadioEnabled2G bool `json:"radio_enabled_2ghz"`
	RadioEnabled5G bool `json:"radio_enabled_5ghz"`
	RadioEnabled6G bool `json:"radio_enabled_6ghz"`

	TxUtilization2G int `json:"tx_utilization_2ghz"`
	TxUtilization5G int `json:"tx_utilization_5ghz"`
	TxUtilization6G int `json:"tx_utilization_6ghz"`

	RxUtilization2G int `json:"rx_utilization_2ghz"`
	RxUtilization5G int `json:"rx_utilization_5ghz"`
	RxUtilization6G int `json:"rx_utilization_6ghz"`

	InterferenceUtilization2G int `json:"interference_utilization_2ghz"`
	InterferenceUtilization5G int `json:"interference_utilization_5ghz"`
	InterferenceUtilization6G int `json:"interference_utilization_6ghz"`
}

// Client is a station known to the controller.
type Client struct {
	MAC      string `json:"mac"`
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
	Wireless bool   `json:"wireless"`
	SSID     string `json:"ssid,omitempty"`
	APMAC    string `json:"ap_mac,omitempty"`

	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
	RxRate   int64 `json:"rx_rate"`
	TxRate   int64 `json:"tx_rate"`
	Uptime   int64 `json:"uptime"` // seconds connected
}

// DisplayName returns the best human label for the client.
func (c Client) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Hostname != "":
		return c.Hostname
	default:
		return c.MAC
	}
}

// Snapshot is one poll's worth of controller state as produced by the
// external poller.
type Snapshot struct {
	Site    string    `json:"site"`
	TakenAt time.Time `json:"taken_at"`
	Devices []Device  `json:"devices"`
	Clients []Client  `json:"clients"`
}

// NormalizeMAC lowercases a MAC address and converts dash or dot
// separators to colons, so "AA-BB-CC-DD-EE-FF" and "aa:bb:cc:dd:ee:ff"
// address the same record. Omada reports dashes; HA uses colons.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	mac = strings.ReplaceAll(mac, "-", ":")

	// Cisco-style aabb.ccdd.eeff.
	if strings.Count(mac, ".") == 2 && len(mac) == 14 {
		raw := strings.ReplaceAll(mac, ".", "")
		var b strings.Builder
		for i := 0; i < len(raw); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(raw[i : i+2])
		}
		mac = b.String()
	}
	return mac
}
