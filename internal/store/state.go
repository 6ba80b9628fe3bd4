package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

// optionsNamespace holds per-site option overrides written by the API.
const optionsNamespace = "options"

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the key
// does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// LoadOptions returns the option override saved for site. ok is false
// when none has been saved, in which case the configured options apply.
func (s *Store) LoadOptions(site string) (opts omada.Options, ok bool, err error) {
	raw, err := s.Get(optionsNamespace, site)
	if err != nil || raw == "" {
		return omada.Options{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return omada.Options{}, false, fmt.Errorf("decode options for %s: %w", site, err)
	}
	return opts, true, nil
}

// SaveOptions stores an option override for site.
func (s *Store) SaveOptions(site string, opts omada.Options) error {
	data, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	return s.Set(optionsNamespace, site, string(data))
}

// ClearOptions drops the override for site.
func (s *Store) ClearOptions(site string) error {
	return s.Delete(optionsNamespace, site)
}
