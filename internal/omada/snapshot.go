package omada

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrSiteMismatch is returned by [Controller.Ingest] for a snapshot
// taken from another site.
var ErrSiteMismatch = errors.New("snapshot is for a different site")

// DecodeSnapshot parses a JSON snapshot and rejects records without a
// MAC, since nothing could address them.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	var errs []error
	for i, d := range snap.Devices {
		if strings.TrimSpace(d.MAC) == "" {
			errs = append(errs, fmt.Errorf("device %d (%q) has no mac", i, d.Name))
		}
	}
	for i, c := range snap.Clients {
		if strings.TrimSpace(c.MAC) == "" {
			errs = append(errs, fmt.Errorf("client %d (%q) has no mac", i, c.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Ingest applies snap after checking it belongs to this controller's
// site. A snapshot without a site is assumed to be ours.
func (c *Controller) Ingest(snap Snapshot) error {
	if snap.Site != "" && !strings.EqualFold(snap.Site, c.site) {
		return fmt.Errorf("%w: got %q, want %q", ErrSiteMismatch, snap.Site, c.site)
	}
	c.Apply(snap)
	return nil
}
