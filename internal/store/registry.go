package store

import (
	"fmt"
	"time"

	"github.com/nugget/omada-bridge/internal/sensor"
)

// Entries returns every registered entity ordered by unique ID.
func (s *Store) Entries() ([]sensor.RegistryEntry, error) {
	rows, err := s.db.Query(
		`SELECT unique_id, kind, mac, key FROM entity_registry ORDER BY unique_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list entity registry: %w", err)
	}
	defer rows.Close()

	var out []sensor.RegistryEntry
	for rows.Next() {
		var e sensor.RegistryEntry
		var kind string
		if err := rows.Scan(&e.UniqueID, &kind, &e.MAC, &e.Key); err != nil {
			return nil, fmt.Errorf("scan entity registry: %w", err)
		}
		e.Kind = sensor.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Register records an entity. Registering an existing unique ID keeps
// its original created_at.
func (s *Store) Register(e sensor.RegistryEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO entity_registry (unique_id, kind, mac, key, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (unique_id) DO UPDATE
		 SET kind = excluded.kind, mac = excluded.mac, key = excluded.key`,
		e.UniqueID, string(e.Kind), e.MAC, e.Key, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.UniqueID, err)
	}
	return nil
}

// Unregister forgets an entity. Unknown IDs are a no-op.
func (s *Store) Unregister(uniqueID string) error {
	_, err := s.db.Exec(`DELETE FROM entity_registry WHERE unique_id = ?`, uniqueID)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", uniqueID, err)
	}
	return nil
}
