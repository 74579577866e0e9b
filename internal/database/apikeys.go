package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ValidateAPIKey looks up an active key by its hash and stamps
// last_used_at in the same statement. Expired or revoked keys miss.
func (db *DB) ValidateAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	row := db.pool.QueryRowContext(ctx, `
		UPDATE api_key
		SET last_used_at = NOW()
		WHERE key_hash = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND revoked_at IS NULL
		RETURNING id, organization_id, name, key_prefix, scopes, rate_limit_rpm,
		          monthly_quota, plan, guard_config, expires_at, last_used_at, created_at`,
		keyHash)

	return scanAPIKey(row)
}

// GetAPIKey fetches one key within an organization.
func (db *DB) GetAPIKey(ctx context.Context, orgID, keyID string) (*APIKey, error) {
	row := db.pool.QueryRowContext(ctx, `
		SELECT id, organization_id, name, key_prefix, scopes, rate_limit_rpm,
		       monthly_quota, plan, guard_config, expires_at, last_used_at, created_at
		FROM api_key
		WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`,
		keyID, orgID)

	return scanAPIKey(row)
}

// ListAPIKeys returns the organization's live keys, newest first.
func (db *DB) ListAPIKeys(ctx context.Context, orgID string) ([]APIKey, error) {
	rows, err := db.pool.QueryContext(ctx, `
		SELECT id, organization_id, name, key_prefix, scopes, rate_limit_rpm,
		       monthly_quota, plan, guard_config, expires_at, last_used_at, created_at
		FROM api_key
		WHERE organization_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// CreateAPIKeyParams carries the insert arguments for a freshly minted key.
type CreateAPIKeyParams struct {
	OrganizationID string
	Name           string
	KeyPrefix      string
	KeyHash        string
	Scopes         []string
	RateLimitRPM   int
	MonthlyQuota   *int64
	ExpiresAt      *time.Time
	CreatedBy      string
}

func (db *DB) CreateAPIKey(ctx context.Context, p CreateAPIKeyParams) (*APIKey, error) {
	if p.RateLimitRPM <= 0 {
		p.RateLimitRPM = DefaultRateLimitRPM
	}
	if len(p.Scopes) == 0 {
		p.Scopes = []string{"guard:scan"}
	}

	row := db.pool.QueryRowContext(ctx, `
		INSERT INTO api_key (id, organization_id, name, key_prefix, key_hash, scopes,
		                     rate_limit_rpm, monthly_quota, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, organization_id, name, key_prefix, scopes, rate_limit_rpm,
		          monthly_quota, plan, guard_config, expires_at, last_used_at, created_at`,
		uuid.NewString(), p.OrganizationID, p.Name, p.KeyPrefix, p.KeyHash, pq.Array(p.Scopes),
		p.RateLimitRPM, p.MonthlyQuota, p.ExpiresAt, nullIfEmpty(p.CreatedBy))

	return scanAPIKey(row)
}

// RevokeAPIKey soft-deletes a key. Revoking twice is a no-op miss.
func (db *DB) RevokeAPIKey(ctx context.Context, orgID, keyID string) error {
	res, err := db.pool.ExecContext(ctx, `
		UPDATE api_key SET revoked_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`,
		keyID, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAPIKeyGuardConfig replaces the key's stored scan policy. A nil
// config clears it so the plain defaults apply again.
func (db *DB) UpdateAPIKeyGuardConfig(ctx context.Context, orgID, keyID string, cfg json.RawMessage) error {
	res, err := db.pool.ExecContext(ctx, `
		UPDATE api_key SET guard_config = $3
		WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL`,
		keyID, orgID, nullIfEmptyJSON(cfg))
	if err != nil {
		return fmt.Errorf("update guard config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		key         APIKey
		scopes      pq.StringArray
		quota       sql.NullInt64
		plan        sql.NullString
		guardConfig []byte
		expiresAt   sql.NullTime
		lastUsedAt  sql.NullTime
	)
	err := row.Scan(&key.ID, &key.OrganizationID, &key.Name, &key.KeyPrefix,
		&scopes, &key.RateLimitRPM, &quota, &plan, &guardConfig,
		&expiresAt, &lastUsedAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}

	key.Scopes = scopes
	if quota.Valid {
		key.MonthlyQuota = &quota.Int64
	}
	if plan.Valid {
		key.Plan = &plan.String
	}
	if len(guardConfig) > 0 {
		key.GuardConfig = json.RawMessage(guardConfig)
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	return &key, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfEmptyJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}
