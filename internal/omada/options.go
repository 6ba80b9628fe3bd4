package omada

import "slices"

// Filter modes for [Options.ClientFilterMode].
const (
	FilterInclude = "include"
	FilterExclude = "exclude"
)

// Options are the user-facing integration toggles that decide which
// sensor entities exist.
type Options struct {
	TrackClients bool `json:"track_clients"`
	TrackDevices bool `json:"track_devices"`

	ClientBandwidthSensors bool `json:"client_bandwidth_sensors"`
	ClientUptimeSensor     bool `json:"client_uptime_sensor"`

	DeviceBandwidthSensors        bool `json:"device_bandwidth_sensors"`
	DeviceStatisticsSensors       bool `json:"device_statistics_sensors"`
	DeviceClientsSensors          bool `json:"device_clients_sensors"`
	DeviceRadioUtilizationSensors bool `json:"device_radio_utilization_sensors"`

	SSIDFilter       []string `json:"ssid_filter,omitempty"`
	ClientFilter     []string `json:"client_filter,omitempty"`
	ClientFilterMode string   `json:"client_filter_mode,omitempty"`
}

// normalized returns a copy with MACs normalized and an empty filter
// mode resolved to exclude.
func (o Options) normalized() Options {
	out := o
	out.SSIDFilter = slices.Clone(o.SSIDFilter)
	out.ClientFilter = make([]string, len(o.ClientFilter))
	for i, mac := range o.ClientFilter {
		out.ClientFilter[i] = NormalizeMAC(mac)
	}
	if out.ClientFilterMode != FilterInclude {
		out.ClientFilterMode = FilterExclude
	}
	return out
}

// clientAllowed applies the SSID filter and the MAC include/exclude list.
// The SSID filter only constrains wireless clients; wired clients have
// no SSID to match.
func (o Options) clientAllowed(c Client, mac string) bool {
	if len(o.SSIDFilter) > 0 && c.Wireless && !slices.Contains(o.SSIDFilter, c.SSID) {
		return false
	}
	listed := slices.Contains(o.ClientFilter, mac)
	if o.ClientFilterMode == FilterInclude {
		return listed
	}
	return !listed
}
