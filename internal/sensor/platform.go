package sensor

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/omada"
)

// RegistryEntry is a persisted record of an entity that once existed.
// It lets client sensors come back after a restart while the client is
// offline.
type RegistryEntry struct {
	UniqueID string `json:"unique_id"`
	Kind     Kind   `json:"kind"`
	MAC      string `json:"mac"`
	Key      string `json:"key"`
}

// Registry persists [RegistryEntry] records.
type Registry interface {
	Entries() ([]RegistryEntry, error)
	Register(entry RegistryEntry) error
	Unregister(uniqueID string) error
}

// Sink receives entity lifecycle and state changes. The MQTT publisher
// is the production implementation.
type Sink interface {
	AddEntities(ctx context.Context, entities []*Entity)
	RemoveEntities(ctx context.Context, uniqueIDs []string)
	PublishState(ctx context.Context, e *Entity)
	PublishAvailability(ctx context.Context, available bool)
}

// PlatformConfig configures a [Platform]. Controller is required; the
// rest may be nil.
type PlatformConfig struct {
	Controller *omada.Controller
	Sink       Sink
	Registry   Registry
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Platform owns the live sensor entities. It creates entities for
// clients and devices as they appear and are allowed, refreshes their
// values on every controller signal, and retires them when they stop
// being allowed or their device disappears.
type Platform struct {
	ctrl     *omada.Controller
	sink     Sink
	registry Registry
	bus      *events.Bus
	logger   *slog.Logger

	// syncMu serializes Restore and Sync; mu guards entities.
	syncMu        sync.Mutex
	mu            sync.RWMutex
	entities      map[string]*Entity
	lastAvailable *bool

	// deferredDevices are device registry rows Restore kept for devices
	// that had not reported yet. The first Sync after a snapshot drops
	// the ones that did not come back.
	deferredDevices map[string]bool
}

// NewPlatform creates a sensor platform.
func NewPlatform(cfg PlatformConfig) *Platform {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	return &Platform{
		ctrl:     cfg.Controller,
		sink:     cfg.Sink,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		entities: make(map[string]*Entity),
	}
}

// Entities returns the live entities ordered by unique ID.
func (p *Platform) Entities() []*Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entity, 0, len(p.entities))
	for _, id := range slices.Sorted(maps.Keys(p.entities)) {
		out = append(out, p.entities[id])
	}
	return out
}

// Entity returns the live entity with the given unique ID.
func (p *Platform) Entity(uniqueID string) (*Entity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entities[uniqueID]
	return e, ok
}

// Restore recreates client entities recorded in the registry for clients
// that are known but not necessarily connected, and drops registry
// entries that are no longer allowed. Call it once after
// [omada.Controller.LoadKnownClients] and before [Platform.Run].
func (p *Platform) Restore(ctx context.Context) error {
	if p.registry == nil {
		return nil
	}
	entries, err := p.registry.Entries()
	if err != nil {
		return err
	}

	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	opts := p.ctrl.Options()
	var restored []*Entity
	var stale []string
	deferred := make(map[string]bool)

	for _, entry := range entries {
		desc, ok := Lookup(entry.Kind, entry.Key)
		if !ok {
			stale = append(stale, entry.UniqueID)
			continue
		}

		switch entry.Kind {
		case KindClient:
			if _, known := p.ctrl.KnownClient(entry.MAC); !opts.TrackClients || !known {
				stale = append(stale, entry.UniqueID)
				continue
			}
			e := NewEntity(entry.MAC, p.ctrl, desc)
			if !e.stillValid() {
				stale = append(stale, entry.UniqueID)
				continue
			}
			restored = append(restored, e)
		case KindDevice:
			// Device entities come back once the device reports in; only
			// entries the options forbid are cleaned up now.
			if !desc.Allowed(p.ctrl, entry.MAC) {
				stale = append(stale, entry.UniqueID)
				continue
			}
			deferred[entry.UniqueID] = true
		}
	}

	for _, id := range stale {
		if err := p.registry.Unregister(id); err != nil {
			p.logger.Warn("entity registry cleanup failed", "unique_id", id, "error", err)
		}
	}

	p.mu.Lock()
	for _, e := range restored {
		p.entities[e.UniqueID()] = e
	}
	p.mu.Unlock()
	p.deferredDevices = deferred

	if len(stale) > 0 {
		p.sink.RemoveEntities(ctx, stale)
	}
	if len(restored) > 0 {
		p.sink.AddEntities(ctx, restored)
	}
	for _, e := range restored {
		p.publishLifecycle(events.KindEntityAdded, e.UniqueID(), e.MAC(), e.Description().Key)
	}

	p.logger.Info("sensor entities restored",
		"restored", len(restored),
		"cleaned_up", len(stale),
		"awaiting_devices", len(deferred),
	)
	return nil
}

type candidate struct {
	desc *Description
	mac  string
}

// Sync reconciles the live entity set with controller state and
// publishes changed values. It is what every controller signal triggers.
func (p *Platform) Sync(ctx context.Context) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	opts := p.ctrl.Options()
	desired := make(map[string]candidate)

	want := func(kind Kind, macs []string) {
		table := Descriptions(kind)
		for _, mac := range macs {
			for i := range table {
				desc := &table[i]
				if desc.Allowed(p.ctrl, mac) && desc.Supported(p.ctrl, mac) {
					desired[desc.UniqueID(desc.Key, mac)] = candidate{desc: desc, mac: mac}
				}
			}
		}
	}

	if opts.TrackClients {
		want(KindClient, p.clientMACs())
	}
	if opts.TrackDevices {
		want(KindDevice, p.ctrl.DeviceMACs())
	}

	var added, existing []*Entity
	var removed []*Entity

	p.mu.Lock()
	for id, e := range p.entities {
		if _, ok := desired[id]; !ok {
			removed = append(removed, e)
			delete(p.entities, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(desired)) {
		if e, ok := p.entities[id]; ok {
			existing = append(existing, e)
			continue
		}
		c := desired[id]
		e := NewEntity(c.mac, p.ctrl, c.desc)
		p.entities[id] = e
		added = append(added, e)
	}
	p.mu.Unlock()

	available := p.ctrl.Available()
	if p.lastAvailable == nil || *p.lastAvailable != available {
		p.sink.PublishAvailability(ctx, available)
		p.lastAvailable = &available
	}

	if gone := p.expireDeferredDevices(desired); len(gone) > 0 {
		p.sink.RemoveEntities(ctx, gone)
	}

	if len(removed) > 0 {
		ids := make([]string, len(removed))
		for i, e := range removed {
			ids[i] = e.UniqueID()
			p.unregister(e)
			p.publishLifecycle(events.KindEntityRemoved, e.UniqueID(), e.MAC(), e.Description().Key)
		}
		p.sink.RemoveEntities(ctx, ids)
	}

	if len(added) > 0 {
		for _, e := range added {
			p.register(e)
			p.publishLifecycle(events.KindEntityAdded, e.UniqueID(), e.MAC(), e.Description().Key)
		}
		p.sink.AddEntities(ctx, added)
	}

	changed := 0
	for _, e := range existing {
		if !e.Refresh() {
			continue
		}
		changed++
		p.sink.PublishState(ctx, e)
		p.bus.Publish(events.Event{
			Source: events.SourcePlatform,
			Kind:   events.KindStateChanged,
			Data:   map[string]any{"unique_id": e.UniqueID(), "state": e.State()},
		})
	}

	p.logger.Debug("sensor platform synced",
		"entities", len(desired),
		"added", len(added),
		"removed", len(removed),
		"changed", changed,
	)
}

// Run syncs once and then again on every controller signal until ctx is
// cancelled. Signals that pile up during a sync collapse into one.
func (p *Platform) Run(ctx context.Context) {
	signals := p.bus.SubscribeFiltered(16, events.Event.IsSignal)
	defer p.bus.Unsubscribe(signals)

	p.Sync(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			drain(signals)
			p.Sync(ctx)
		}
	}
}

// expireDeferredDevices unregisters restored device rows that the first
// snapshot did not bring back and returns their IDs. Until a snapshot
// has arrived it does nothing. Callers hold syncMu.
func (p *Platform) expireDeferredDevices(desired map[string]candidate) []string {
	if len(p.deferredDevices) == 0 || p.ctrl.LastSnapshot().IsZero() {
		return nil
	}
	var gone []string
	for _, id := range slices.Sorted(maps.Keys(p.deferredDevices)) {
		if _, ok := desired[id]; ok {
			continue
		}
		if p.registry != nil {
			if err := p.registry.Unregister(id); err != nil {
				p.logger.Warn("entity registry cleanup failed", "unique_id", id, "error", err)
			}
		}
		gone = append(gone, id)
	}
	p.deferredDevices = nil
	if len(gone) > 0 {
		p.logger.Info("expired device entities that did not return", "entities", len(gone))
	}
	return gone
}

func drain(ch <-chan events.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// clientMACs is every connected client plus every client that already
// has an entity, so offline clients keep their sensors.
func (p *Platform) clientMACs() []string {
	macs := p.ctrl.ClientMACs()
	p.mu.RLock()
	for _, e := range p.entities {
		if e.Description().Kind == KindClient {
			macs = append(macs, e.MAC())
		}
	}
	p.mu.RUnlock()
	slices.Sort(macs)
	return slices.Compact(macs)
}

func (p *Platform) register(e *Entity) {
	if p.registry == nil {
		return
	}
	entry := RegistryEntry{
		UniqueID: e.UniqueID(),
		Kind:     e.Description().Kind,
		MAC:      e.MAC(),
		Key:      e.Description().Key,
	}
	if err := p.registry.Register(entry); err != nil {
		p.logger.Warn("entity registry write failed", "unique_id", entry.UniqueID, "error", err)
	}
}

func (p *Platform) unregister(e *Entity) {
	if p.registry == nil {
		return
	}
	if err := p.registry.Unregister(e.UniqueID()); err != nil {
		p.logger.Warn("entity registry delete failed", "unique_id", e.UniqueID(), "error", err)
	}
}

func (p *Platform) publishLifecycle(kind, uniqueID, mac, key string) {
	p.bus.Publish(events.Event{
		Source: events.SourcePlatform,
		Kind:   kind,
		Data:   map[string]any{"unique_id": uniqueID, "mac": mac, "key": key},
	})
}

type nopSink struct{}

func (nopSink) AddEntities(context.Context, []*Entity)    {}
func (nopSink) RemoveEntities(context.Context, []string)  {}
func (nopSink) PublishState(context.Context, *Entity)     {}
func (nopSink) PublishAvailability(context.Context, bool) {}
