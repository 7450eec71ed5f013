package store

import (
	"context"
	"fmt"
)

// IsAllowed reports whether the practitioner identity is on the allow-list.
// Queried per-candidate during encounter polling; an empty allow-list
// matches nothing.
func (s *Store) IsAllowed(ctx context.Context, id string) (bool, error) {
	var count int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM practitioner_whitelist WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: whitelist lookup %s: %w", id, err)
	}

	return count > 0, nil
}

// AllowPractitioner adds an identity to the allow-list. Idempotent.
func (s *Store) AllowPractitioner(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO practitioner_whitelist (id, added_at) VALUES (?, ?)`,
		id, s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: whitelist add %s: %w", id, err)
	}

	return nil
}

// DisallowPractitioner removes an identity from the allow-list.
func (s *Store) DisallowPractitioner(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM practitioner_whitelist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: whitelist remove %s: %w", id, err)
	}

	return nil
}

// ListAllowed returns all allow-listed identities in insertion order.
func (s *Store) ListAllowed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM practitioner_whitelist ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: whitelist list: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning whitelist row: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating whitelist rows: %w", err)
	}

	return ids, nil
}
