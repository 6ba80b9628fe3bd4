// Package config handles omada-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/omada-bridge/internal/omada"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/omada-bridge/config.yaml,
// /etc/omada-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "omada-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/omada-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all omada-bridge configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Omada     OmadaConfig  `yaml:"omada"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection and the Home Assistant
// discovery layout.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, ssl://, tcp://
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DeviceName names the bridge in HA and forms the base topic
	// omada/<device_name>.
	DeviceName string `yaml:"device_name"`

	// DiscoveryPrefix is HA's discovery prefix (default: homeassistant).
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// SnapshotTopic is where the external poller publishes controller
	// snapshots. Empty disables the MQTT ingest path.
	SnapshotTopic string `yaml:"snapshot_topic"`

	// RateLimitPerMinute caps inbound snapshot messages (default: 120).
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// PublishIntervalSec is how often the bridge's own diagnostic
	// sensors are republished (default: 60).
	PublishIntervalSec int `yaml:"publish_interval"`
}

// Configured reports whether enough is set to attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// OmadaConfig holds the integration options that decide which sensors
// exist. Field names mirror the options a user toggles in HA.
type OmadaConfig struct {
	Site string `yaml:"site"`

	TrackClients bool `yaml:"track_clients"`
	TrackDevices bool `yaml:"track_devices"`

	ClientBandwidthSensors bool `yaml:"client_bandwidth_sensors"`
	ClientUptimeSensor     bool `yaml:"client_uptime_sensor"`

	DeviceBandwidthSensors        bool `yaml:"device_bandwidth_sensors"`
	DeviceStatisticsSensors       bool `yaml:"device_statistics_sensors"`
	DeviceClientsSensors          bool `yaml:"device_clients_sensors"`
	DeviceRadioUtilizationSensors bool `yaml:"device_radio_utilization_sensors"`

	// SSIDFilter limits wireless clients to these SSIDs. Empty allows all.
	SSIDFilter []string `yaml:"ssid_filter"`

	// ClientFilter lists client MACs; ClientFilterMode decides whether the
	// list is an allow list ("include") or a block list ("exclude").
	ClientFilter     []string `yaml:"client_filter"`
	ClientFilterMode string   `yaml:"client_filter_mode"`

	// StaleAfter marks the controller unavailable when no snapshot has
	// arrived for this long (default: 5m).
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Options returns the configured sensor toggles.
func (c OmadaConfig) Options() omada.Options {
	return omada.Options{
		TrackClients:                  c.TrackClients,
		TrackDevices:                  c.TrackDevices,
		ClientBandwidthSensors:        c.ClientBandwidthSensors,
		ClientUptimeSensor:            c.ClientUptimeSensor,
		DeviceBandwidthSensors:        c.DeviceBandwidthSensors,
		DeviceStatisticsSensors:       c.DeviceStatisticsSensors,
		DeviceClientsSensors:          c.DeviceClientsSensors,
		DeviceRadioUtilizationSensors: c.DeviceRadioUtilizationSensors,
		SSIDFilter:                    c.SSIDFilter,
		ClientFilter:                  c.ClientFilter,
		ClientFilterMode:              c.ClientFilterMode,
	}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. Every sensor group is on so a
// minimal file only needs the broker.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8089},
		MQTT: MQTTConfig{
			DiscoveryPrefix:    "homeassistant",
			RateLimitPerMinute: 120,
			PublishIntervalSec: 60,
		},
		Omada: OmadaConfig{
			Site:                          "Default",
			TrackClients:                  true,
			TrackDevices:                  true,
			ClientBandwidthSensors:        true,
			ClientUptimeSensor:            true,
			DeviceBandwidthSensors:        true,
			DeviceStatisticsSensors:       true,
			DeviceClientsSensors:          true,
			DeviceRadioUtilizationSensors: true,
			ClientFilterMode:              "exclude",
			StaleAfter:                    5 * time.Minute,
		},
		DataDir: "./data",
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8089
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.RateLimitPerMinute <= 0 {
		c.MQTT.RateLimitPerMinute = 120
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.SnapshotTopic == "" && c.MQTT.DeviceName != "" {
		c.MQTT.SnapshotTopic = "omada/" + c.MQTT.DeviceName + "/snapshot"
	}
	if c.Omada.Site == "" {
		c.Omada.Site = "Default"
	}
	c.Omada.ClientFilterMode = strings.ToLower(strings.TrimSpace(c.Omada.ClientFilterMode))
	if c.Omada.ClientFilterMode == "" {
		c.Omada.ClientFilterMode = "exclude"
	}
	if c.Omada.StaleAfter <= 0 {
		c.Omada.StaleAfter = 5 * time.Minute
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	var errs []error
	switch c.Omada.ClientFilterMode {
	case "include", "exclude":
	default:
		errs = append(errs, fmt.Errorf("omada.client_filter_mode %q (valid: include, exclude)", c.Omada.ClientFilterMode))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	return errors.Join(errs...)
}
