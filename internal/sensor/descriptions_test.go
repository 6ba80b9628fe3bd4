package sensor

import (
	"testing"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

const (
	apMAC     = "aa:aa:aa:00:00:01"
	switchMAC = "aa:aa:aa:00:00:02"
	phoneMAC  = "bb:bb:bb:00:00:01"
	laptopMAC = "bb:bb:bb:00:00:02"
)

func allOptions() omada.Options {
	return omada.Options{
		TrackClients:                  true,
		TrackDevices:                  true,
		ClientBandwidthSensors:        true,
		ClientUptimeSensor:            true,
		DeviceBandwidthSensors:        true,
		DeviceStatisticsSensors:       true,
		DeviceClientsSensors:          true,
		DeviceRadioUtilizationSensors: true,
	}
}

func testSnapshot() omada.Snapshot {
	return omada.Snapshot{
		Site: "Default",
		Devices: []omada.Device{
			{
				MAC:             "AA-AA-AA-00-00-01",
				Name:            "Office AP",
				Type:            "ap",
				Model:           "EAP670",
				FirmwareVersion: "1.1.2",
				Download:        12_345_678,
				Upload:          1_000_000,
				RxRate:          250_000,
				TxRate:          125_500,
				CPU:             12,
				Memory:          48,
				Uptime:          3600,
				Clients:         3,
				Clients2G:       1,
				Clients5G:       2,
				RadioEnabled2G:  true,
				RadioEnabled5G:  true,
				TxUtilization2G: 7,
				TxUtilization5G: 9,
			},
			{
				MAC:   switchMAC,
				Name:  "Core Switch",
				Type:  "switch",
				Model: "TL-SG2008P",
			},
		},
		Clients: []omada.Client{
			{
				MAC:      phoneMAC,
				Name:     "Phone",
				Wireless: true,
				SSID:     "home",
				APMAC:    "AA-AA-AA-00-00-01",
				Download: 2_500_000,
				Upload:   500_000,
				RxRate:   1_000,
				TxRate:   2_000,
				Uptime:   120,
			},
		},
	}
}

func newTestController(t *testing.T, opts omada.Options) *omada.Controller {
	t.Helper()
	c := omada.NewController("Default", opts, nil, nil, nil)
	c.Apply(testSnapshot())
	c.SetAvailable(true)
	return c
}

func TestDescriptionTables(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindClient, 5},
		{KindDevice, 20},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			table := Descriptions(tt.kind)
			if len(table) != tt.want {
				t.Fatalf("len(Descriptions(%s)) = %d, want %d", tt.kind, len(table), tt.want)
			}
			seen := make(map[string]bool)
			for _, d := range table {
				if seen[d.Key] {
					t.Errorf("duplicate key %q", d.Key)
				}
				seen[d.Key] = true

				if d.Kind != tt.kind {
					t.Errorf("%s: Kind = %s", d.Key, d.Kind)
				}
				if d.Domain != Domain || d.EntityCategory != EntityCategoryDiagnostic || !d.HasEntityName {
					t.Errorf("%s: common fields not applied: %+v", d.Key, d)
				}
				if d.Allowed == nil || d.Supported == nil || d.Available == nil ||
					d.DeviceInfo == nil || d.Name == nil || d.UniqueID == nil || d.Value == nil {
					t.Errorf("%s: missing function field", d.Key)
				}
			}
		})
	}
}

// radioController returns a controller whose AP has only the given band
// enabled. An empty band disables every radio.
func radioController(t *testing.T, band string) *omada.Controller {
	t.Helper()
	c := omada.NewController("Default", allOptions(), nil, nil, nil)
	c.Apply(omada.Snapshot{Devices: []omada.Device{{
		MAC:            apMAC,
		RadioEnabled2G: band == "2g",
		RadioEnabled5G: band == "5g",
		RadioEnabled6G: band == "6g",
	}}})
	return c
}

func TestDescriptionDefinitions(t *testing.T) {
	tests := []struct {
		kind        Kind
		key         string
		name        string
		unit        string
		deviceClass string
		stateClass  string
		radio       string // band Supported reads; empty means always supported
	}{
		{KindClient, KeyDownloaded, "Downloaded", UnitMegabytes, "", StateClassTotalIncreasing, ""},
		{KindClient, KeyUploaded, "Uploaded", UnitMegabytes, "", StateClassTotalIncreasing, ""},
		{KindClient, KeyRX, "RX Activity", UnitMegabytesPerSecond, "", StateClassMeasurement, ""},
		{KindClient, KeyTX, "TX Activity", UnitMegabytesPerSecond, "", StateClassMeasurement, ""},
		{KindClient, KeyUptime, "Uptime", "", DeviceClassTimestamp, "", ""},

		{KindDevice, KeyDownloaded, "Downloaded", UnitMegabytes, "", StateClassTotalIncreasing, ""},
		{KindDevice, KeyUploaded, "Uploaded", UnitMegabytes, "", StateClassTotalIncreasing, ""},
		{KindDevice, KeyRX, "RX Activity", UnitMegabytesPerSecond, "", StateClassMeasurement, ""},
		{KindDevice, KeyTX, "TX Activity", UnitMegabytesPerSecond, "", StateClassMeasurement, ""},
		{KindDevice, KeyCPUUsage, "CPU Usage", UnitPercent, "", StateClassMeasurement, ""},
		{KindDevice, KeyMemoryUsage, "Memory Usage", UnitPercent, "", StateClassMeasurement, ""},
		{KindDevice, KeyUptime, "Uptime", "", DeviceClassTimestamp, "", ""},
		{KindDevice, KeyClients, "Clients", UnitClients, "", StateClassMeasurement, ""},
		{KindDevice, KeyClients2G, "2.4Ghz Clients", UnitClients, "", StateClassMeasurement, "2g"},
		{KindDevice, KeyClients5G, "5Ghz Clients", UnitClients, "", StateClassMeasurement, "5g"},
		{KindDevice, KeyClients6G, "6Ghz Clients", UnitClients, "", StateClassMeasurement, "6g"},
		{KindDevice, KeyTxUtilization2G, "2.4Ghz TX Utilization", UnitPercent, "", StateClassMeasurement, ""},
		{KindDevice, KeyTxUtilization5G, "5Ghz TX Utilization", UnitPercent, "", StateClassMeasurement, "5g"},
		{KindDevice, KeyTxUtilization6G, "6Ghz TX Utilization", UnitPercent, "", StateClassMeasurement, "6g"},
		{KindDevice, KeyRxUtilization2G, "2.4Ghz RX Utilization", UnitPercent, "", StateClassMeasurement, "2g"},
		{KindDevice, KeyRxUtilization5G, "5Ghz RX Utilization", UnitPercent, "", StateClassMeasurement, "5g"},
		{KindDevice, KeyRxUtilization6G, "6Ghz RX Utilization", UnitPercent, "", StateClassMeasurement, "6g"},
		{KindDevice, KeyInterference2G, "2.4Ghz Interference", UnitPercent, "", StateClassMeasurement, ""},
		{KindDevice, KeyInterference5G, "5Ghz Interference", UnitPercent, "", StateClassMeasurement, "5g"},
		{KindDevice, KeyInterference6G, "6Ghz Interference", UnitPercent, "", StateClassMeasurement, "6g"},
	}

	if want := len(ClientDescriptions) + len(DeviceDescriptions); len(tests) != want {
		t.Fatalf("table covers %d descriptions, want %d", len(tests), want)
	}

	bands := []string{"", "2g", "5g", "6g"}
	controllers := make(map[string]*omada.Controller, len(bands))
	for _, band := range bands {
		controllers[band] = radioController(t, band)
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.key, func(t *testing.T) {
			d, ok := Lookup(tt.kind, tt.key)
			if !ok {
				t.Fatalf("Lookup(%s, %s) not found", tt.kind, tt.key)
			}
			if got := d.Name(nil, ""); got != tt.name {
				t.Errorf("Name = %q, want %q", got, tt.name)
			}
			if d.Unit != tt.unit {
				t.Errorf("Unit = %q, want %q", d.Unit, tt.unit)
			}
			if d.DeviceClass != tt.deviceClass {
				t.Errorf("DeviceClass = %q, want %q", d.DeviceClass, tt.deviceClass)
			}
			if d.StateClass != tt.stateClass {
				t.Errorf("StateClass = %q, want %q", d.StateClass, tt.stateClass)
			}
			for _, band := range bands {
				want := tt.radio == "" || tt.radio == band
				if got := d.Supported(controllers[band], apMAC); got != want {
					t.Errorf("Supported with radio %q enabled = %v, want %v", band, got, want)
				}
			}
		})
	}
}

func TestDescriptionsUnknownKind(t *testing.T) {
	if got := Descriptions(Kind("router")); got != nil {
		t.Errorf("Descriptions(router) = %v, want nil", got)
	}
}

func TestLookup(t *testing.T) {
	d, ok := Lookup(KindDevice, KeyInterference6G)
	if !ok {
		t.Fatal("Lookup(device, 6ghz_interference_utilization) not found")
	}
	if d.Name(nil, "") != "6Ghz Interference" {
		t.Errorf("Name = %q", d.Name(nil, ""))
	}
	if _, ok := Lookup(KindClient, KeyCPUUsage); ok {
		t.Error("client table should not have cpu_usage")
	}
}

func TestUniqueID(t *testing.T) {
	d, _ := Lookup(KindClient, KeyDownloaded)
	if got := d.UniqueID(d.Key, phoneMAC); got != "downloaded-"+phoneMAC {
		t.Errorf("UniqueID = %q", got)
	}
}

func valueOf(t *testing.T, c *omada.Controller, kind Kind, key, mac string) any {
	t.Helper()
	d, ok := Lookup(kind, key)
	if !ok {
		t.Fatalf("Lookup(%s, %s) not found", kind, key)
	}
	return d.Value(c, mac)
}

func TestClientValues(t *testing.T) {
	c := newTestController(t, allOptions())

	tests := []struct {
		key  string
		want any
	}{
		{KeyDownloaded, 2.5},
		{KeyUploaded, 0.5},
		{KeyRX, 0.001},
		{KeyTX, 0.002},
	}
	for _, tt := range tests {
		if got := valueOf(t, c, KindClient, tt.key, phoneMAC); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
		}
	}

	up, ok := valueOf(t, c, KindClient, KeyUptime, phoneMAC).(time.Time)
	if !ok {
		t.Fatalf("uptime is %T, want time.Time", valueOf(t, c, KindClient, KeyUptime, phoneMAC))
	}
	want := time.Now().Add(-120 * time.Second)
	if d := up.Sub(want); d > 2*time.Second || d < -2*time.Second {
		t.Errorf("uptime = %v, want about %v", up, want)
	}
}

func TestClientValuesOffline(t *testing.T) {
	c := newTestController(t, allOptions())
	// Phone leaves; it stays in the known-client table.
	c.Apply(omada.Snapshot{Devices: testSnapshot().Devices})

	if got := valueOf(t, c, KindClient, KeyDownloaded, phoneMAC); got != 2.5 {
		t.Errorf("downloaded = %v, want last known 2.5", got)
	}
	if got := valueOf(t, c, KindClient, KeyRX, phoneMAC); got != 0.0 {
		t.Errorf("rx = %v, want 0", got)
	}
	if got := valueOf(t, c, KindClient, KeyUptime, phoneMAC); got != nil {
		t.Errorf("uptime = %v, want nil", got)
	}
}

func TestClientValuesUnknown(t *testing.T) {
	c := newTestController(t, allOptions())

	for _, key := range []string{KeyDownloaded, KeyUploaded, KeyUptime} {
		if got := valueOf(t, c, KindClient, key, laptopMAC); got != nil {
			t.Errorf("%s for unknown client = %v, want nil", key, got)
		}
	}
}

func TestDeviceValues(t *testing.T) {
	c := newTestController(t, allOptions())

	tests := []struct {
		key  string
		want any
	}{
		{KeyDownloaded, 12.345678},
		{KeyUploaded, 1.0},
		{KeyRX, 0.25},
		{KeyTX, 0.1255},
		{KeyCPUUsage, 12},
		{KeyMemoryUsage, 48},
		{KeyClients, 3},
		{KeyClients2G, 1},
		{KeyClients5G, 2},
		{KeyTxUtilization5G, 9},
	}
	for _, tt := range tests {
		if got := valueOf(t, c, KindDevice, tt.key, apMAC); got != tt.want {
			t.Errorf("%s = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
		}
	}

	for _, d := range DeviceDescriptions {
		if got := d.Value(c, "cc:cc:cc:cc:cc:cc"); got != nil {
			t.Errorf("%s for absent device = %v, want nil", d.Key, got)
		}
	}
}

func TestDeviceSupported(t *testing.T) {
	c := newTestController(t, allOptions())

	tests := []struct {
		key  string
		mac  string
		want bool
	}{
		{KeyClients2G, apMAC, true},
		{KeyClients5G, apMAC, true},
		{KeyClients6G, apMAC, false},
		{KeyTxUtilization2G, switchMAC, true},
		{KeyTxUtilization5G, switchMAC, false},
		{KeyRxUtilization2G, apMAC, true},
		{KeyRxUtilization2G, switchMAC, false},
		{KeyInterference2G, switchMAC, true},
		{KeyInterference6G, apMAC, false},
		{KeyCPUUsage, switchMAC, true},
		{KeyClients2G, "cc:cc:cc:cc:cc:cc", false},
	}
	for _, tt := range tests {
		t.Run(tt.key+"/"+tt.mac, func(t *testing.T) {
			d, _ := Lookup(KindDevice, tt.key)
			if got := d.Supported(c, tt.mac); got != tt.want {
				t.Errorf("Supported = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedFollowsOptions(t *testing.T) {
	opts := allOptions()
	opts.ClientUptimeSensor = false
	opts.DeviceStatisticsSensors = false
	opts.ClientFilter = []string{"BB-BB-BB-00-00-02"}
	c := newTestController(t, opts)

	tests := []struct {
		name string
		kind Kind
		key  string
		mac  string
		want bool
	}{
		{"client bandwidth", KindClient, KeyDownloaded, phoneMAC, true},
		{"client uptime off", KindClient, KeyUptime, phoneMAC, false},
		{"excluded client", KindClient, KeyDownloaded, laptopMAC, false},
		{"device bandwidth", KindDevice, KeyRX, apMAC, true},
		{"device statistics off", KindDevice, KeyCPUUsage, apMAC, false},
		{"device uptime follows statistics", KindDevice, KeyUptime, apMAC, false},
		{"device clients", KindDevice, KeyClients, apMAC, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := Lookup(tt.kind, tt.key)
			if got := d.Allowed(c, tt.mac); got != tt.want {
				t.Errorf("Allowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrackingOffDisallowsEverything(t *testing.T) {
	opts := allOptions()
	opts.TrackClients = false
	opts.TrackDevices = false
	c := newTestController(t, opts)

	for _, d := range ClientDescriptions {
		if d.Allowed(c, phoneMAC) {
			t.Errorf("client %s allowed with tracking off", d.Key)
		}
	}
	for _, d := range DeviceDescriptions {
		if d.Allowed(c, apMAC) {
			t.Errorf("device %s allowed with tracking off", d.Key)
		}
	}
}

func TestAvailableFollowsController(t *testing.T) {
	c := newTestController(t, allOptions())
	d, _ := Lookup(KindDevice, KeyClients)

	if !d.Available(c, apMAC) {
		t.Error("Available = false with controller up")
	}
	c.SetAvailable(false)
	if d.Available(c, apMAC) {
		t.Error("Available = true with controller down")
	}
}

func TestDeviceInfo(t *testing.T) {
	c := newTestController(t, allOptions())

	dev := deviceDeviceInfo(c, apMAC)
	if dev.Name != "Office AP" || dev.Model != "EAP670" || dev.SWVersion != "1.1.2" || dev.Manufacturer != Manufacturer {
		t.Errorf("device info = %+v", dev)
	}
	if len(dev.Identifiers) != 1 || dev.Identifiers[0] != apMAC {
		t.Errorf("identifiers = %v", dev.Identifiers)
	}

	cl := clientDeviceInfo(c, phoneMAC)
	if cl.Name != "Phone" || cl.ViaDevice != apMAC {
		t.Errorf("client info = %+v", cl)
	}
	if len(cl.Connections) != 1 || cl.Connections[0] != [2]string{"mac", phoneMAC} {
		t.Errorf("connections = %v", cl.Connections)
	}

	unknown := clientDeviceInfo(c, laptopMAC)
	if unknown.Name != laptopMAC || unknown.ViaDevice != "" {
		t.Errorf("unknown client info = %+v", unknown)
	}
}
