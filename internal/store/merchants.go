package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMerchant writes a newly-created merchant row.
func (s *Store) InsertMerchant(ctx context.Context, m Merchant) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO merchants (id, name, email, xpub, next_address_index,
			api_key_plaintext, api_key_digest, webhook_url, webhook_secret,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, nullableString(m.Email), m.XPub, m.NextAddressIndex,
		nullableString(m.APIKeyPlaintext), m.APIKeyDigest, nullableString(m.WebhookURL), m.WebhookSecret,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

// GetMerchant looks a merchant up by primary key.
func (s *Store) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	row := s.conn(ctx).QueryRowContext(ctx, merchantSelect+" WHERE id = ?", id)
	return scanMerchant(row)
}

// GetMerchantByAPIKeyDigest looks a merchant up by the SHA-256 digest of
// their plaintext API key. Cost and outcome depend only on the digest.
func (s *Store) GetMerchantByAPIKeyDigest(ctx context.Context, digest string) (Merchant, error) {
	row := s.conn(ctx).QueryRowContext(ctx, merchantSelect+" WHERE api_key_digest = ?", digest)
	return scanMerchant(row)
}

// UpdateMerchantProfile patches the mutable display fields of a merchant.
func (s *Store) UpdateMerchantProfile(ctx context.Context, id string, name, email, webhookURL *string, now time.Time) error {
	m, err := s.GetMerchant(ctx, id)
	if err != nil {
		return err
	}
	if name != nil {
		m.Name = *name
	}
	if email != nil {
		m.Email = *email
	}
	if webhookURL != nil {
		m.WebhookURL = *webhookURL
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		UPDATE merchants SET name = ?, email = ?, webhook_url = ?, updated_at = ? WHERE id = ?`,
		m.Name, nullableString(m.Email), nullableString(m.WebhookURL), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update merchant profile: %w", err)
	}
	return nil
}

// RotateAPIKey atomically replaces a merchant's API key plaintext and digest.
func (s *Store) RotateAPIKey(ctx context.Context, id, plaintext, digest string, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE merchants SET api_key_plaintext = ?, api_key_digest = ?, updated_at = ? WHERE id = ?`,
		plaintext, digest, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}
	return requireRowsAffected(res)
}

// RotateWebhookSecret atomically replaces a merchant's webhook secret.
func (s *Store) RotateWebhookSecret(ctx context.Context, id, secret string, now time.Time) error {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE merchants SET webhook_secret = ?, updated_at = ? WHERE id = ?`,
		secret, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("rotate webhook secret: %w", err)
	}
	return requireRowsAffected(res)
}

// BackfillAPIKeyDigest writes the digest column for a legacy row that only
// ever had a plaintext key, per the forward-migration path in the merchant
// and key service.
func (s *Store) BackfillAPIKeyDigest(ctx context.Context, id, digest string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE merchants SET api_key_digest = ? WHERE id = ?`, digest, id)
	if err != nil {
		return fmt.Errorf("backfill api key digest: %w", err)
	}
	return nil
}

// NextAddressIndexAndIncrement reads next_address_index and increments it in
// the same statement set, intended to run inside the session-creation
// transaction so concurrent creations never collide on an index.
func (s *Store) NextAddressIndexAndIncrement(ctx context.Context, merchantID string) (uint64, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT next_address_index FROM merchants WHERE id = ?`, merchantID)
	var idx uint64
	if err := row.Scan(&idx); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read next address index: %w", err)
	}
	if _, err := s.conn(ctx).ExecContext(ctx, `UPDATE merchants SET next_address_index = ? WHERE id = ?`, idx+1, merchantID); err != nil {
		return 0, fmt.Errorf("increment next address index: %w", err)
	}
	return idx, nil
}

const merchantSelect = `SELECT id, name, COALESCE(email, ''), xpub, next_address_index,
	COALESCE(api_key_plaintext, ''), COALESCE(api_key_digest, ''), COALESCE(webhook_url, ''),
	webhook_secret, created_at, updated_at FROM merchants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMerchant(row rowScanner) (Merchant, error) {
	var m Merchant
	var createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &m.XPub, &m.NextAddressIndex,
		&m.APIKeyPlaintext, &m.APIKeyDigest, &m.WebhookURL, &m.WebhookSecret,
		&createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Merchant{}, ErrNotFound
		}
		return Merchant{}, fmt.Errorf("scan merchant: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
