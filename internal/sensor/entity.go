package sensor

import (
	"strconv"
	"sync"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

// StateUnknown is the state payload HA's MQTT sensor maps to "unknown".
const StateUnknown = "None"

// timestampTolerance absorbs the jitter between the poller's clock and
// the controller's uptime counter, so a "connected since" value that has
// not really moved does not republish on every snapshot.
const timestampTolerance = 2 * time.Second

// Entity binds one [Description] to one MAC address and caches the last
// value read through it.
type Entity struct {
	desc     *Description
	ctrl     *omada.Controller
	mac      string
	uniqueID string

	mu    sync.Mutex
	value any
}

// NewEntity creates an entity and reads its initial value.
func NewEntity(mac string, ctrl *omada.Controller, desc *Description) *Entity {
	mac = omada.NormalizeMAC(mac)
	e := &Entity{
		desc:     desc,
		ctrl:     ctrl,
		mac:      mac,
		uniqueID: desc.UniqueID(desc.Key, mac),
	}
	e.value = desc.Value(ctrl, mac)
	return e
}

// UniqueID returns the stable identifier of the entity.
func (e *Entity) UniqueID() string { return e.uniqueID }

// MAC returns the client or device MAC the entity reads.
func (e *Entity) MAC() string { return e.mac }

// Description returns the entity's definition.
func (e *Entity) Description() *Description { return e.desc }

// Name returns the display name.
func (e *Entity) Name() string { return e.desc.Name(e.ctrl, e.mac) }

// DeviceInfo returns the HA device registry block.
func (e *Entity) DeviceInfo() DeviceInfo { return e.desc.DeviceInfo(e.ctrl, e.mac) }

// Available reports whether the entity's value can be trusted right now.
func (e *Entity) Available() bool { return e.desc.Available(e.ctrl, e.mac) }

// Value returns the cached value.
func (e *Entity) Value() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// State renders the cached value as an HA state payload.
func (e *Entity) State() string {
	return FormatState(e.Value())
}

// Refresh re-reads the value and reports whether it changed.
func (e *Entity) Refresh() bool {
	v := e.desc.Value(e.ctrl, e.mac)

	e.mu.Lock()
	defer e.mu.Unlock()
	if valuesEqual(e.value, v) {
		return false
	}
	e.value = v
	return true
}

// stillValid reports whether the entity would be created today.
func (e *Entity) stillValid() bool {
	return e.desc.Allowed(e.ctrl, e.mac) && e.desc.Supported(e.ctrl, e.mac)
}

func valuesEqual(a, b any) bool {
	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		if !aIsTime || !bIsTime {
			return false
		}
		d := at.Sub(bt)
		return d <= timestampTolerance && d >= -timestampTolerance
	}
	return a == b
}

// FormatState renders a sensor value for HA: numbers in plain decimal at
// full precision, timestamps in RFC 3339, nil as [StateUnknown]. Display
// rounding is left to HA.
func FormatState(v any) string {
	switch x := v.(type) {
	case nil:
		return StateUnknown
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case string:
		return x
	default:
		return StateUnknown
	}
}
