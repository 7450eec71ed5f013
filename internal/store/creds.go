package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is a cached access token for one tenant. Entries are written
// atomically per tenant; a partially-written entry is not observable.
type Credential struct {
	TenantID    string
	AccessToken string
	ExpiresAt   time.Time
}

// GetCredential returns the stored credential for the tenant, or nil if
// none has been saved. Expiry checking is the caller's concern — the cache
// applies its own refresh skew.
func (s *Store) GetCredential(ctx context.Context, tenantID string) (*Credential, error) {
	var (
		cred      Credential
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, access_token, expires_at FROM credentials WHERE tenant_id = ?`,
		tenantID).Scan(&cred.TenantID, &cred.AccessToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("store: get credential %s: %w", tenantID, err)
	}

	cred.ExpiresAt = time.UnixMilli(expiresAt)

	return &cred, nil
}

// PutCredential upserts the tenant's credential in a single statement, so
// readers see either the old entry or the new one, never a mix.
func (s *Store) PutCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, access_token, expires_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				access_token = excluded.access_token,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
		cred.TenantID, cred.AccessToken, cred.ExpiresAt.UnixMilli(), s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put credential %s: %w", cred.TenantID, err)
	}

	return nil
}
