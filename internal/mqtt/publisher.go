package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/sensor"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// EntitySource lists the live sensor entities. The sensor platform
// implements it; the publisher reads it to republish every entity
// after a broker reconnect.
type EntitySource interface {
	Entities() []*sensor.Entity
}

// StatsSource provides runtime data for the bridge's own diagnostic
// sensors. The concrete adapter is wired in main.go.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// LastSnapshot returns when the last controller snapshot was taken.
	LastSnapshot() time.Time
	// EntityCount returns the number of live sensor entities.
	EntityCount() int
}

// publishClient is the part of the connection the publish helpers use.
// *autopaho.ConnectionManager implements it.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and mirrors the sensor
// platform into Home Assistant: discovery configs when entities appear,
// empty retained configs when they go, state updates when values
// change, and controller availability. It also ingests controller
// snapshots from the configured snapshot topic.
//
// Publisher implements [sensor.Sink].
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     sensor.DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	limiter    *messageRateLimiter

	mu                  sync.Mutex
	cm                  *autopaho.ConnectionManager
	entities            EntitySource
	handler             MessageHandler
	controllerAvailable bool

	// pendingRemovals are unique IDs whose removal could not be
	// published yet. They are retracted on the next connect.
	pendingRemovals []string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. stats may be nil.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int64(cfg.RateLimitPerMinute)
	if limit <= 0 {
		limit = 120
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger,
		limiter:    newMessageRateLimiter(limit, time.Minute, logger),
	}
}

// SetEntitySource sets where reconnect republishing reads entities
// from. The sensor platform needs the publisher as its sink, so the
// source is attached after both exist.
func (p *Publisher) SetEntitySource(src EntitySource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities = src
}

// SetMessageHandler sets the handler for messages arriving on the
// snapshot topic, typically [SnapshotHandler].
func (p *Publisher) SetMessageHandler(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Device returns the HA device block for the bridge.
func (p *Publisher) Device() sensor.DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes a birth message, discovery and state for every entity,
// and subscribes to the snapshot topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnectionUp(ctx, cm)
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "omada-bridge-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.onPublishReceived,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	go p.limiter.start(ctx)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// onConnectionUp publishes everything HA needs after a (re-)connect.
// Queued removals go out before the live entities so an ID that was
// removed and re-added ends up present.
func (p *Publisher) onConnectionUp(ctx context.Context, conn publishClient) {
	p.publishAvailability(ctx, conn, payloadOnline)
	p.publishControllerAvailability(ctx, conn)
	p.publishBridgeDiscovery(ctx, conn)
	p.flushRemovals(ctx, conn)
	p.publishAllEntities(ctx, conn)
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, payloadOffline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "omada/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) controllerAvailabilityTopic() string {
	return p.baseTopic() + "/controller/availability"
}

func (p *Publisher) stateTopic(object string) string {
	return p.baseTopic() + "/" + object + "/state"
}

func (p *Publisher) discoveryTopic(component, object string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + object + "/config"
}

// --- sensor.Sink ---

// AddEntities publishes discovery config and current state for each
// new entity.
func (p *Publisher) AddEntities(ctx context.Context, entities []*sensor.Entity) {
	cm := p.conn()
	if cm == nil {
		return
	}
	for _, e := range entities {
		p.publishEntity(ctx, cm, e)
	}
}

// RemoveEntities clears the retained discovery config and state for
// each unique ID, which makes HA delete the entity. Removals made
// before the first connect, or that fail to publish, are queued and
// retried on the next connect.
func (p *Publisher) RemoveEntities(ctx context.Context, uniqueIDs []string) {
	cm := p.conn()
	if cm == nil {
		p.queueRemovals(uniqueIDs)
		p.logger.Debug("mqtt entity removals queued", "entities", len(uniqueIDs))
		return
	}
	p.removeEntities(ctx, cm, uniqueIDs)
}

func (p *Publisher) removeEntities(ctx context.Context, conn publishClient, uniqueIDs []string) {
	var failed []string
	for _, id := range uniqueIDs {
		obj := objectID(id)
		if err := p.publish(ctx, conn, p.discoveryTopic(sensor.Domain, obj), nil, 1, true); err != nil {
			p.logger.Debug("mqtt entity removal failed, will retry on connect",
				"unique_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		if err := p.publish(ctx, conn, p.stateTopic(obj), nil, 1, true); err != nil {
			p.logger.Debug("mqtt state clear failed", "unique_id", id, "error", err)
		}
		p.logger.Debug("mqtt entity removed", "unique_id", id)
	}
	p.queueRemovals(failed)
}

func (p *Publisher) queueRemovals(uniqueIDs []string) {
	if len(uniqueIDs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range uniqueIDs {
		if !slices.Contains(p.pendingRemovals, id) {
			p.pendingRemovals = append(p.pendingRemovals, id)
		}
	}
}

func (p *Publisher) flushRemovals(ctx context.Context, conn publishClient) {
	p.mu.Lock()
	pending := p.pendingRemovals
	p.pendingRemovals = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	p.removeEntities(ctx, conn, pending)
	p.logger.Info("mqtt queued entity removals published", "entities", len(pending))
}

// PublishState publishes the entity's current state.
func (p *Publisher) PublishState(ctx context.Context, e *sensor.Entity) {
	cm := p.conn()
	if cm == nil {
		return
	}
	p.publishEntityState(ctx, cm, e)
}

// PublishAvailability records and publishes controller availability.
// The last value is replayed on every reconnect.
func (p *Publisher) PublishAvailability(ctx context.Context, available bool) {
	p.mu.Lock()
	p.controllerAvailable = available
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return
	}
	p.publishControllerAvailability(ctx, cm)
}

// --- Discovery ---

// entityConfig builds the discovery payload for a platform entity. An
// entity is available only while both the bridge and the controller
// are.
func (p *Publisher) entityConfig(e *sensor.Entity) SensorConfig {
	d := e.Description()
	return SensorConfig{
		Name:          e.Name(),
		HasEntityName: d.HasEntityName,
		UniqueID:      e.UniqueID(),
		StateTopic:    p.stateTopic(objectID(e.UniqueID())),
		Availability: []Availability{
			{Topic: p.availabilityTopic()},
			{Topic: p.controllerAvailabilityTopic()},
		},
		AvailabilityMode:  "all",
		Device:            e.DeviceInfo(),
		Icon:              d.Icon,
		UnitOfMeasurement: d.Unit,
		DeviceClass:       d.DeviceClass,
		StateClass:        d.StateClass,
		EntityCategory:    d.EntityCategory,
		Origin:            p.origin(),
	}
}

func (p *Publisher) origin() *Origin {
	return &Origin{Name: "omada-bridge", SWVersion: buildinfo.Version}
}

type bridgeSensor struct {
	entitySuffix string
	config       SensorConfig
}

// bridgeSensors are the diagnostic sensors describing the bridge
// itself rather than any Omada hardware.
func (p *Publisher) bridgeSensors() []bridgeSensor {
	avail := []Availability{{Topic: p.availabilityTopic()}}
	def := func(suffix, name string, cfg SensorConfig) bridgeSensor {
		cfg.Name = name
		cfg.HasEntityName = true
		cfg.UniqueID = p.instanceID + "_" + suffix
		cfg.StateTopic = p.stateTopic(suffix)
		cfg.Availability = avail
		cfg.Device = p.device
		cfg.Origin = p.origin()
		return bridgeSensor{entitySuffix: suffix, config: cfg}
	}
	return []bridgeSensor{
		def("uptime", "Uptime", SensorConfig{
			Icon:              "mdi:clock-outline",
			UnitOfMeasurement: sensor.UnitSeconds,
			DeviceClass:       sensor.DeviceClassDuration,
			StateClass:        sensor.StateClassTotalIncreasing,
			EntityCategory:    sensor.EntityCategoryDiagnostic,
		}),
		def("version", "Version", SensorConfig{
			Icon:           "mdi:tag",
			EntityCategory: sensor.EntityCategoryDiagnostic,
		}),
		def("last_snapshot", "Last Snapshot", SensorConfig{
			DeviceClass:    sensor.DeviceClassTimestamp,
			EntityCategory: sensor.EntityCategoryDiagnostic,
		}),
		def("entities", "Entities", SensorConfig{
			Icon:           "mdi:counter",
			StateClass:     sensor.StateClassMeasurement,
			EntityCategory: sensor.EntityCategoryDiagnostic,
		}),
	}
}

func (p *Publisher) publishBridgeDiscovery(ctx context.Context, conn publishClient) {
	for _, s := range p.bridgeSensors() {
		p.publishConfig(ctx, conn, p.discoveryTopic(sensor.Domain, s.entitySuffix), s.entitySuffix, s.config)
	}
}

func (p *Publisher) publishAllEntities(ctx context.Context, conn publishClient) {
	p.mu.Lock()
	src := p.entities
	p.mu.Unlock()
	if src == nil {
		return
	}

	entities := src.Entities()
	for _, e := range entities {
		p.publishEntity(ctx, conn, e)
	}
	p.logger.Info("mqtt entities republished", "entities", len(entities))
}

func (p *Publisher) publishEntity(ctx context.Context, conn publishClient, e *sensor.Entity) {
	obj := objectID(e.UniqueID())
	p.publishConfig(ctx, conn, p.discoveryTopic(sensor.Domain, obj), e.UniqueID(), p.entityConfig(e))
	p.publishEntityState(ctx, conn, e)
}

func (p *Publisher) publishConfig(ctx context.Context, conn publishClient, topic, entity string, cfg SensorConfig) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return
	}
	if err := p.publish(ctx, conn, topic, payload, 1, true); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt discovery published",
		"entity", entity, "topic", topic)
}

func (p *Publisher) publishEntityState(ctx context.Context, conn publishClient, e *sensor.Entity) {
	topic := p.stateTopic(objectID(e.UniqueID()))
	if err := p.publish(ctx, conn, topic, []byte(e.State()), 0, true); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"unique_id", e.UniqueID(), "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn publishClient, status string) {
	if err := p.publish(ctx, conn, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publishControllerAvailability(ctx context.Context, conn publishClient) {
	p.mu.Lock()
	status := availabilityPayload(p.controllerAvailable)
	p.mu.Unlock()

	if err := p.publish(ctx, conn, p.controllerAvailabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt controller availability publish failed",
			"status", status, "error", err)
		return
	}
	p.logger.Info("mqtt controller availability published", "status", status)
}

func availabilityPayload(available bool) string {
	if available {
		return payloadOnline
	}
	return payloadOffline
}

func (p *Publisher) publish(ctx context.Context, conn publishClient, topic string, payload []byte, qos byte, retain bool) error {
	_, err := conn.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

// --- Snapshot ingest ---

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.SnapshotTopic == "" {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.cfg.SnapshotTopic, QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed",
			"topic", p.cfg.SnapshotTopic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", p.cfg.SnapshotTopic)
}

func (p *Publisher) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	if !p.limiter.allow() {
		return true, nil
	}

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false, nil
	}
	h(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

// --- Periodic bridge state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Publisher) bridgeStates() map[string]string {
	if p.stats == nil {
		return nil
	}
	states := map[string]string{
		"uptime":        strconv.FormatInt(int64(p.stats.Uptime()/time.Second), 10),
		"version":       p.stats.Version(),
		"entities":      strconv.Itoa(p.stats.EntityCount()),
		"last_snapshot": sensor.StateUnknown,
	}
	if last := p.stats.LastSnapshot(); !last.IsZero() {
		states["last_snapshot"] = sensor.FormatState(last)
	}
	return states
}

func (p *Publisher) publishStats(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.bridgeStates()
	for entity, value := range states {
		if err := p.publish(ctx, cm, p.stateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt bridge states published",
		"entities", len(states))
}
