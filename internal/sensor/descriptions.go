package sensor

import (
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

// Sensor keys. Client and device tables share the bandwidth and uptime
// keys.
const (
	KeyDownloaded  = "downloaded"
	KeyUploaded    = "uploaded"
	KeyUptime      = "uptime"
	KeyRX          = "rx"
	KeyTX          = "tx"
	KeyCPUUsage    = "cpu_usage"
	KeyMemoryUsage = "memory_usage"

	KeyClients   = "clients"
	KeyClients2G = "2ghz_clients"
	KeyClients5G = "5ghz_clients"
	KeyClients6G = "6ghz_clients"

	KeyTxUtilization2G = "2ghz_tx_utilization"
	KeyTxUtilization5G = "5ghz_tx_utilization"
	KeyTxUtilization6G = "6ghz_tx_utilization"

	KeyRxUtilization2G = "2ghz_rx_utilization"
	KeyRxUtilization5G = "5ghz_rx_utilization"
	KeyRxUtilization6G = "6ghz_rx_utilization"

	KeyInterference2G = "2ghz_interference_utilization"
	KeyInterference5G = "5ghz_interference_utilization"
	KeyInterference6G = "6ghz_interference_utilization"
)

// bytesPerMegabyte is decimal, matching the controller's reporting.
const bytesPerMegabyte = 1_000_000

func megabytes(b int64) float64 { return float64(b) / bytesPerMegabyte }

// since turns an uptime in seconds into the moment the connection began.
func since(c *omada.Controller, uptime int64) time.Time {
	return c.Now().Add(-time.Duration(uptime) * time.Second).Truncate(time.Second)
}

// --- Client accessors ---

// Totals come from the known-client table so an offline client keeps
// reporting its last counters.
func clientDownloaded(c *omada.Controller, mac string) any {
	cl, ok := c.KnownClient(mac)
	if !ok {
		return nil
	}
	return megabytes(cl.Download)
}

func clientUploaded(c *omada.Controller, mac string) any {
	cl, ok := c.KnownClient(mac)
	if !ok {
		return nil
	}
	return megabytes(cl.Upload)
}

// Rates drop to zero when the client is not connected.
func clientRX(c *omada.Controller, mac string) any {
	cl, ok := c.Client(mac)
	if !ok {
		return 0.0
	}
	return megabytes(cl.RxRate)
}

func clientTX(c *omada.Controller, mac string) any {
	cl, ok := c.Client(mac)
	if !ok {
		return 0.0
	}
	return megabytes(cl.TxRate)
}

func clientUptime(c *omada.Controller, mac string) any {
	cl, ok := c.Client(mac)
	if !ok {
		return nil
	}
	return since(c, cl.Uptime)
}

func clientAllowed(toggle func(omada.Options) bool) Predicate {
	return func(c *omada.Controller, mac string) bool {
		opts := c.Options()
		return toggle(opts) && opts.TrackClients && c.IsClientAllowed(mac)
	}
}

var (
	clientBandwidthAllowed = clientAllowed(func(o omada.Options) bool { return o.ClientBandwidthSensors })
	clientUptimeAllowed    = clientAllowed(func(o omada.Options) bool { return o.ClientUptimeSensor })
)

// --- Device accessors ---

func deviceValue[T any](read func(omada.Device) T) func(*omada.Controller, string) any {
	return func(c *omada.Controller, mac string) any {
		d, ok := c.Device(mac)
		if !ok {
			return nil
		}
		return read(d)
	}
}

func deviceMegabytes(read func(omada.Device) int64) func(*omada.Controller, string) any {
	return deviceValue(func(d omada.Device) float64 { return megabytes(read(d)) })
}

func deviceUptime(c *omada.Controller, mac string) any {
	d, ok := c.Device(mac)
	if !ok {
		return nil
	}
	return since(c, d.Uptime)
}

func deviceAllowed(toggle func(omada.Options) bool) Predicate {
	return func(c *omada.Controller, _ string) bool {
		opts := c.Options()
		return toggle(opts) && opts.TrackDevices
	}
}

var (
	deviceBandwidthAllowed   = deviceAllowed(func(o omada.Options) bool { return o.DeviceBandwidthSensors })
	deviceStatisticsAllowed  = deviceAllowed(func(o omada.Options) bool { return o.DeviceStatisticsSensors })
	deviceClientsAllowed     = deviceAllowed(func(o omada.Options) bool { return o.DeviceClientsSensors })
	deviceUtilizationAllowed = deviceAllowed(func(o omada.Options) bool { return o.DeviceRadioUtilizationSensors })
)

func radioEnabled(band func(omada.Device) bool) Predicate {
	return func(c *omada.Controller, mac string) bool {
		d, ok := c.Device(mac)
		return ok && band(d)
	}
}

var (
	radio2G = radioEnabled(func(d omada.Device) bool { return d.RadioEnabled2G })
	radio5G = radioEnabled(func(d omada.Device) bool { return d.RadioEnabled5G })
	radio6G = radioEnabled(func(d omada.Device) bool { return d.RadioEnabled6G })
)

// clientDescription and deviceDescription fill the fields every entry
// shares.
func clientDescription(d Description) Description {
	d.Kind = KindClient
	d.DeviceInfo = clientDeviceInfo
	return common(d)
}

func deviceDescription(d Description) Description {
	d.Kind = KindDevice
	d.DeviceInfo = deviceDeviceInfo
	return common(d)
}

func common(d Description) Description {
	d.Domain = Domain
	d.EntityCategory = EntityCategoryDiagnostic
	d.HasEntityName = true
	d.Available = controllerAvailable
	d.UniqueID = uniqueID
	if d.Supported == nil {
		d.Supported = always
	}
	return d
}

// ClientDescriptions are the sensors created per tracked client.
var ClientDescriptions = []Description{
	clientDescription(Description{
		Key:        KeyDownloaded,
		Unit:       UnitMegabytes,
		StateClass: StateClassTotalIncreasing,
		Allowed:    clientBandwidthAllowed,
		Name:       named("Downloaded"),
		Value:      clientDownloaded,
	}),
	clientDescription(Description{
		Key:        KeyUploaded,
		Unit:       UnitMegabytes,
		StateClass: StateClassTotalIncreasing,
		Allowed:    clientBandwidthAllowed,
		Name:       named("Uploaded"),
		Value:      clientUploaded,
	}),
	clientDescription(Description{
		Key:        KeyRX,
		Unit:       UnitMegabytesPerSecond,
		StateClass: StateClassMeasurement,
		Allowed:    clientBandwidthAllowed,
		Name:       named("RX Activity"),
		Value:      clientRX,
	}),
	clientDescription(Description{
		Key:        KeyTX,
		Unit:       UnitMegabytesPerSecond,
		StateClass: StateClassMeasurement,
		Allowed:    clientBandwidthAllowed,
		Name:       named("TX Activity"),
		Value:      clientTX,
	}),
	clientDescription(Description{
		Key:         KeyUptime,
		DeviceClass: DeviceClassTimestamp,
		Allowed:     clientUptimeAllowed,
		Name:        named("Uptime"),
		Value:       clientUptime,
	}),
}

// DeviceDescriptions are the sensors created per managed device.
var DeviceDescriptions = []Description{
	deviceDescription(Description{
		Key:        KeyDownloaded,
		Unit:       UnitMegabytes,
		StateClass: StateClassTotalIncreasing,
		Allowed:    deviceBandwidthAllowed,
		Name:       named("Downloaded"),
		Value:      deviceMegabytes(func(d omada.Device) int64 { return d.Download }),
	}),
	deviceDescription(Description{
		Key:        KeyUploaded,
		Unit:       UnitMegabytes,
		StateClass: StateClassTotalIncreasing,
		Allowed:    deviceBandwidthAllowed,
		Name:       named("Uploaded"),
		Value:      deviceMegabytes(func(d omada.Device) int64 { return d.Upload }),
	}),
	deviceDescription(Description{
		Key:        KeyRX,
		Unit:       UnitMegabytesPerSecond,
		StateClass: StateClassMeasurement,
		Allowed:    deviceBandwidthAllowed,
		Name:       named("RX Activity"),
		Value:      deviceMegabytes(func(d omada.Device) int64 { return d.RxRate }),
	}),
	deviceDescription(Description{
		Key:        KeyTX,
		Unit:       UnitMegabytesPerSecond,
		StateClass: StateClassMeasurement,
		Allowed:    deviceBandwidthAllowed,
		Name:       named("TX Activity"),
		Value:      deviceMegabytes(func(d omada.Device) int64 { return d.TxRate }),
	}),
	deviceDescription(Description{
		Key:        KeyCPUUsage,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceStatisticsAllowed,
		Name:       named("CPU Usage"),
		Value:      deviceValue(func(d omada.Device) int { return d.CPU }),
	}),
	deviceDescription(Description{
		Key:        KeyMemoryUsage,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceStatisticsAllowed,
		Name:       named("Memory Usage"),
		Value:      deviceValue(func(d omada.Device) int { return d.Memory }),
	}),
	deviceDescription(Description{
		Key:         KeyUptime,
		DeviceClass: DeviceClassTimestamp,
		Allowed:     deviceStatisticsAllowed,
		Name:        named("Uptime"),
		Value:       deviceUptime,
	}),
	deviceDescription(Description{
		Key:        KeyClients,
		Unit:       UnitClients,
		StateClass: StateClassMeasurement,
		Allowed:    deviceClientsAllowed,
		Name:       named("Clients"),
		Value:      deviceValue(func(d omada.Device) int { return d.Clients }),
	}),
	deviceDescription(Description{
		Key:        KeyClients2G,
		Unit:       UnitClients,
		StateClass: StateClassMeasurement,
		Allowed:    deviceClientsAllowed,
		Supported:  radio2G,
		Name:       named("2.4Ghz Clients"),
		Value:      deviceValue(func(d omada.Device) int { return d.Clients2G }),
	}),
	deviceDescription(Description{
		Key:        KeyClients5G,
		Unit:       UnitClients,
		StateClass: StateClassMeasurement,
		Allowed:    deviceClientsAllowed,
		Supported:  radio5G,
		Name:       named("5Ghz Clients"),
		Value:      deviceValue(func(d omada.Device) int { return d.Clients5G }),
	}),
	deviceDescription(Description{
		Key:        KeyClients6G,
		Unit:       UnitClients,
		StateClass: StateClassMeasurement,
		Allowed:    deviceClientsAllowed,
		Supported:  radio6G,
		Name:       named("6Ghz Clients"),
		Value:      deviceValue(func(d omada.Device) int { return d.Clients6G }),
	}),
	deviceDescription(Description{
		Key:        KeyTxUtilization2G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Name:       named("2.4Ghz TX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.TxUtilization2G }),
	}),
	deviceDescription(Description{
		Key:        KeyTxUtilization5G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio5G,
		Name:       named("5Ghz TX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.TxUtilization5G }),
	}),
	deviceDescription(Description{
		Key:        KeyTxUtilization6G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio6G,
		Name:       named("6Ghz TX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.TxUtilization6G }),
	}),
	deviceDescription(Description{
		Key:        KeyRxUtilization2G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio2G,
		Name:       named("2.4Ghz RX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.RxUtilization2G }),
	}),
	deviceDescription(Description{
		Key:        KeyRxUtilization5G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio5G,
		Name:       named("5Ghz RX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.RxUtilization5G }),
	}),
	deviceDescription(Description{
		Key:        KeyRxUtilization6G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio6G,
		Name:       named("6Ghz RX Utilization"),
		Value:      deviceValue(func(d omada.Device) int { return d.RxUtilization6G }),
	}),
	deviceDescription(Description{
		Key:        KeyInterference2G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Name:       named("2.4Ghz Interference"),
		Value:      deviceValue(func(d omada.Device) int { return d.InterferenceUtilization2G }),
	}),
	deviceDescription(Description{
		Key:        KeyInterference5G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio5G,
		Name:       named("5Ghz Interference"),
		Value:      deviceValue(func(d omada.Device) int { return d.InterferenceUtilization5G }),
	}),
	deviceDescription(Description{
		Key:        KeyInterference6G,
		Unit:       UnitPercent,
		StateClass: StateClassMeasurement,
		Allowed:    deviceUtilizationAllowed,
		Supported:  radio6G,
		Name:       named("6Ghz Interference"),
		Value:      deviceValue(func(d omada.Device) int { return d.InterferenceUtilization6G }),
	}),
}
