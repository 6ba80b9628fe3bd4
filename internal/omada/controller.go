package omada

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/omada-bridge/internal/events"
)

// ErrNoSnapshot is returned by [Controller.CheckFresh] before the first
// snapshot has been applied.
var ErrNoSnapshot = errors.New("no controller snapshot received")

// KnownClientStore persists the known-client table so offline clients
// keep their sensors (and last totals) across restarts.
type KnownClientStore interface {
	LoadKnownClients() ([]Client, error)
	SaveKnownClients(clients []Client) error
}

// Controller is the shared, already-polled state that sensor accessors
// read. All methods are safe for concurrent use; readers never observe a
// partially applied snapshot.
type Controller struct {
	site   string
	store  KnownClientStore
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	devices      map[string]Device
	clients      map[string]Client
	known        map[string]Client
	opts         Options
	available    bool
	lastSnapshot time.Time
}

// NewController creates controller state for one Omada site. store and
// bus may be nil.
func NewController(site string, opts Options, store KnownClientStore, bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		site:    site,
		store:   store,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		devices: make(map[string]Device),
		clients: make(map[string]Client),
		known:   make(map[string]Client),
		opts:    opts.normalized(),
	}
}

// Site returns the Omada site name.
func (c *Controller) Site() string { return c.site }

// Now returns the controller's clock. Uptime sensors derive their
// timestamps from it.
func (c *Controller) Now() time.Time { return c.now() }

// LoadKnownClients seeds the known-client table from the store. Call it
// once at startup, before restoring entities.
func (c *Controller) LoadKnownClients() error {
	if c.store == nil {
		return nil
	}
	clients, err := c.store.LoadKnownClients()
	if err != nil {
		return fmt.Errorf("load known clients: %w", err)
	}

	c.mu.Lock()
	for _, cl := range clients {
		cl.MAC = NormalizeMAC(cl.MAC)
		c.known[cl.MAC] = cl
	}
	c.mu.Unlock()

	c.logger.Info("known clients loaded", "site", c.site, "count", len(clients))
	return nil
}

// Apply replaces device and client state with snap and merges every
// client into the known-client table. It fires the update signal.
func (c *Controller) Apply(snap Snapshot) {
	devices := make(map[string]Device, len(snap.Devices))
	for _, d := range snap.Devices {
		d.MAC = NormalizeMAC(d.MAC)
		devices[d.MAC] = d
	}
	clients := make(map[string]Client, len(snap.Clients))
	for _, cl := range snap.Clients {
		cl.MAC = NormalizeMAC(cl.MAC)
		cl.APMAC = NormalizeMAC(cl.APMAC)
		clients[cl.MAC] = cl
	}

	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = c.now()
	}

	c.mu.Lock()
	c.devices = devices
	c.clients = clients
	maps.Copy(c.known, clients)
	c.lastSnapshot = takenAt
	c.mu.Unlock()

	if c.store != nil && len(clients) > 0 {
		if err := c.store.SaveKnownClients(slices.Collect(maps.Values(clients))); err != nil {
			c.logger.Warn("persist known clients failed", "site", c.site, "error", err)
		}
	}

	c.logger.Debug("controller snapshot applied",
		"site", c.site,
		"devices", len(devices),
		"clients", len(clients),
	)
	c.signal(events.KindSnapshotApplied, map[string]any{
		"site":    c.site,
		"devices": len(devices),
		"clients": len(clients),
	})
}

// SetOptions replaces the integration options and fires the options
// signal.
func (c *Controller) SetOptions(opts Options) {
	c.mu.Lock()
	c.opts = opts.normalized()
	c.mu.Unlock()

	c.logger.Info("controller options updated", "site", c.site)
	c.signal(events.KindOptionsUpdated, nil)
}

// Options returns a copy of the current options.
func (c *Controller) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts.normalized()
}

// SetAvailable records whether the controller connection is healthy.
// A change fires the availability signal.
func (c *Controller) SetAvailable(available bool) {
	c.mu.Lock()
	changed := c.available != available
	c.available = available
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("controller availability changed", "site", c.site, "available", available)
	c.signal(events.KindAvailabilityChanged, map[string]any{"available": available})
}

// Available reports whether the controller connection is healthy.
func (c *Controller) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastSnapshot returns when the most recent snapshot was taken.
func (c *Controller) LastSnapshot() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSnapshot
}

// CheckFresh returns an error when no snapshot newer than maxAge has
// been applied. It is the connection-health probe: the poller is the
// only thing talking to the controller, so stale data means a broken
// connection somewhere upstream.
func (c *Controller) CheckFresh(maxAge time.Duration) error {
	last := c.LastSnapshot()
	if last.IsZero() {
		return ErrNoSnapshot
	}
	if age := c.now().Sub(last); age > maxAge {
		return fmt.Errorf("controller snapshot is %s old (limit %s)", age.Truncate(time.Second), maxAge)
	}
	return nil
}

// Device returns the managed device with the given MAC.
func (c *Controller) Device(mac string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[NormalizeMAC(mac)]
	return d, ok
}

// Client returns the currently connected client with the given MAC.
func (c *Controller) Client(mac string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[NormalizeMAC(mac)]
	return cl, ok
}

// KnownClient returns the last recorded state of a client, connected or
// not.
func (c *Controller) KnownClient(mac string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.known[NormalizeMAC(mac)]
	return cl, ok
}

// DeviceMACs returns managed device MACs, sorted.
func (c *Controller) DeviceMACs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.devices))
}

// ClientMACs returns connected client MACs, sorted.
func (c *Controller) ClientMACs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.clients))
}

// KnownClientMACs returns every known client MAC, sorted.
func (c *Controller) KnownClientMACs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.known))
}

// Devices returns all managed devices ordered by MAC.
func (c *Controller) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, 0, len(c.devices))
	for _, mac := range slices.Sorted(maps.Keys(c.devices)) {
		out = append(out, c.devices[mac])
	}
	return out
}

// Clients returns connected clients ordered by MAC.
func (c *Controller) Clients() []Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Client, 0, len(c.clients))
	for _, mac := range slices.Sorted(maps.Keys(c.clients)) {
		out = append(out, c.clients[mac])
	}
	return out
}

// IsClientAllowed applies the SSID filter and client list to mac. A
// client absent from both tables is judged by the MAC list alone.
func (c *Controller) IsClientAllowed(mac string) bool {
	mac = NormalizeMAC(mac)

	c.mu.RLock()
	defer c.mu.RUnlock()

	cl, ok := c.clients[mac]
	if !ok {
		cl, ok = c.known[mac]
	}
	if !ok {
		cl = Client{MAC: mac}
	}
	return c.opts.clientAllowed(cl, mac)
}

func (c *Controller) signal(kind string, data map[string]any) {
	c.bus.Publish(events.Event{
		Source: events.SourceController,
		Kind:   kind,
		Data:   data,
	})
}
