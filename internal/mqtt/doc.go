// Package mqtt connects the bridge to Home Assistant over MQTT. Every
// sensor entity the platform creates becomes a retained discovery
// config under the HA discovery prefix, with its state on a topic below
// omada/<device_name>. Removing an entity publishes an empty retained
// config so HA deletes it.
//
// Two availability topics gate every Omada entity (availability_mode
// "all"): the bridge's own, driven by the MQTT will and birth messages,
// and the controller's, driven by snapshot freshness.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes the birth message, replays controller
// availability, republishes discovery and state for every live entity,
// and re-subscribes to the snapshot topic where the external poller
// drops controller snapshots.
package mqtt
