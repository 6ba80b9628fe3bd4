package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

// LoadKnownClients returns every client ever recorded.
func (s *Store) LoadKnownClients() ([]omada.Client, error) {
	rows, err := s.db.Query(`SELECT mac, data FROM known_clients ORDER BY mac`)
	if err != nil {
		return nil, fmt.Errorf("list known clients: %w", err)
	}
	defer rows.Close()

	var out []omada.Client
	for rows.Next() {
		var mac, data string
		if err := rows.Scan(&mac, &data); err != nil {
			return nil, fmt.Errorf("scan known client: %w", err)
		}
		var c omada.Client
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode known client %s: %w", mac, err)
		}
		c.MAC = mac
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveKnownClients upserts clients in one transaction.
func (s *Store) SaveKnownClients(clients []omada.Client) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(
		`INSERT INTO known_clients (mac, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (mac) DO UPDATE
		 SET data = excluded.data, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range clients {
		c.MAC = omada.NormalizeMAC(c.MAC)
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode known client %s: %w", c.MAC, err)
		}
		if _, err := stmt.Exec(c.MAC, string(data), now); err != nil {
			return fmt.Errorf("save known client %s: %w", c.MAC, err)
		}
	}
	return tx.Commit()
}
