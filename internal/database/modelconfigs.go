package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GetModelConfig fetches one saved scan target.
func (db *DB) GetModelConfig(ctx context.Context, orgID, configID string) (*ModelConfig, error) {
	row := db.pool.QueryRowContext(ctx, `
		SELECT id, organization_id, name, provider, model, api_key_encrypted,
		       base_url, custom_endpoint, is_default, created_at, updated_at
		FROM model_config
		WHERE id = $1 AND organization_id = $2`,
		configID, orgID)
	return scanModelConfig(row)
}

// GetDefaultModelConfig returns the organization's default target, if set.
func (db *DB) GetDefaultModelConfig(ctx context.Context, orgID string) (*ModelConfig, error) {
	row := db.pool.QueryRowContext(ctx, `
		SELECT id, organization_id, name, provider, model, api_key_encrypted,
		       base_url, custom_endpoint, is_default, created_at, updated_at
		FROM model_config
		WHERE organization_id = $1 AND is_default
		LIMIT 1`,
		orgID)
	return scanModelConfig(row)
}

// ListModelConfigs returns the organization's targets, default first.
func (db *DB) ListModelConfigs(ctx context.Context, orgID string) ([]ModelConfig, error) {
	rows, err := db.pool.QueryContext(ctx, `
		SELECT id, organization_id, name, provider, model, api_key_encrypted,
		       base_url, custom_endpoint, is_default, created_at, updated_at
		FROM model_config
		WHERE organization_id = $1
		ORDER BY is_default DESC, created_at DESC`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	var configs []ModelConfig
	for rows.Next() {
		mc, err := scanModelConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *mc)
	}
	return configs, rows.Err()
}

type UpsertModelConfigParams struct {
	OrganizationID  string
	Name            string
	Provider        string
	Model           string
	APIKeyEncrypted *string
	BaseURL         *string
	CustomEndpoint  json.RawMessage
	IsDefault       bool
}

// CreateModelConfig inserts a target. When it is flagged default, the
// previous default is cleared in the same transaction.
func (db *DB) CreateModelConfig(ctx context.Context, p UpsertModelConfigParams) (*ModelConfig, error) {
	tx, err := db.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_config SET is_default = FALSE WHERE organization_id = $1`,
			p.OrganizationID); err != nil {
			return nil, fmt.Errorf("clear default: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_config (id, organization_id, name, provider, model,
		                          api_key_encrypted, base_url, custom_endpoint, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, p.OrganizationID, p.Name, p.Provider, p.Model,
		p.APIKeyEncrypted, p.BaseURL, nullIfEmptyJSON(p.CustomEndpoint), p.IsDefault)
	if err != nil {
		return nil, fmt.Errorf("create model config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetModelConfig(ctx, p.OrganizationID, id)
}

// UpdateModelConfig rewrites a target in place. A nil APIKeyEncrypted
// keeps the stored credential.
func (db *DB) UpdateModelConfig(ctx context.Context, configID string, p UpsertModelConfigParams) (*ModelConfig, error) {
	tx, err := db.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if p.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_config SET is_default = FALSE WHERE organization_id = $1 AND id <> $2`,
			p.OrganizationID, configID); err != nil {
			return nil, fmt.Errorf("clear default: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE model_config SET
			name = $3, provider = $4, model = $5,
			api_key_encrypted = COALESCE($6, api_key_encrypted),
			base_url = $7, custom_endpoint = $8, is_default = $9,
			updated_at = NOW()
		WHERE id = $1 AND organization_id = $2`,
		configID, p.OrganizationID, p.Name, p.Provider, p.Model,
		p.APIKeyEncrypted, p.BaseURL, nullIfEmptyJSON(p.CustomEndpoint), p.IsDefault)
	if err != nil {
		return nil, fmt.Errorf("update model config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetModelConfig(ctx, p.OrganizationID, configID)
}

// SetDefaultModelConfig promotes one target to default, demoting any
// previous default in the same transaction.
func (db *DB) SetDefaultModelConfig(ctx context.Context, orgID, configID string) (*ModelConfig, error) {
	tx, err := db.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_config SET is_default = FALSE WHERE organization_id = $1 AND id <> $2`,
		orgID, configID); err != nil {
		return nil, fmt.Errorf("clear default: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE model_config SET is_default = TRUE, updated_at = NOW()
		 WHERE id = $1 AND organization_id = $2`,
		configID, orgID)
	if err != nil {
		return nil, fmt.Errorf("set default: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetModelConfig(ctx, orgID, configID)
}

func (db *DB) DeleteModelConfig(ctx context.Context, orgID, configID string) error {
	res, err := db.pool.ExecContext(ctx,
		`DELETE FROM model_config WHERE id = $1 AND organization_id = $2`,
		configID, orgID)
	if err != nil {
		return fmt.Errorf("delete model config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanModelConfig(row rowScanner) (*ModelConfig, error) {
	var (
		mc             ModelConfig
		apiKey         sql.NullString
		baseURL        sql.NullString
		customEndpoint []byte
	)
	err := row.Scan(&mc.ID, &mc.OrganizationID, &mc.Name, &mc.Provider, &mc.Model,
		&apiKey, &baseURL, &customEndpoint, &mc.IsDefault, &mc.CreatedAt, &mc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model config: %w", err)
	}
	if apiKey.Valid {
		mc.APIKeyEncrypted = &apiKey.String
	}
	if baseURL.Valid {
		mc.BaseURL = &baseURL.String
	}
	if len(customEndpoint) > 0 {
		mc.CustomEndpoint = json.RawMessage(customEndpoint)
	}
	return &mc, nil
}
