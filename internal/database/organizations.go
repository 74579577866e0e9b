package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GetOrganization fetches one organization by id.
func (db *DB) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var (
		org  Organization
		logo sql.NullString
	)
	err := db.pool.QueryRowContext(ctx, `
		SELECT id, name, slug, logo, plan, created_at
		FROM organization WHERE id = $1`,
		orgID).Scan(&org.ID, &org.Name, &org.Slug, &logo, &org.Plan, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if logo.Valid {
		org.Logo = logo.String
	}
	return &org, nil
}

// GetOrCreateOrganizationForUser returns the user's first organization,
// creating a personal one on first contact.
func (db *DB) GetOrCreateOrganizationForUser(ctx context.Context, user *User) (*Organization, error) {
	var orgID string
	err := db.pool.QueryRowContext(ctx, `
		SELECT organization_id FROM member
		WHERE user_id = $1
		ORDER BY created_at ASC
		LIMIT 1`,
		user.ID).Scan(&orgID)
	if err == nil {
		return db.GetOrganization(ctx, orgID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("member lookup: %w", err)
	}

	// First visit: provision a personal organization with the user as owner.
	name := user.Name
	if name == "" {
		name = strings.SplitN(user.Email, "@", 2)[0]
	}
	orgID = uuid.NewString()
	slug := slugify(name) + "-" + orgID[:8]

	tx, err := db.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO organization (id, name, slug, plan) VALUES ($1, $2, $3, 'free')`,
		orgID, name, slug)
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO member (id, organization_id, user_id, role) VALUES ($1, $2, $3, 'owner')`,
		uuid.NewString(), orgID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return db.GetOrganization(ctx, orgID)
}

// GetActiveSubscriptionPlan returns the plan of the organization's active
// subscription, or ErrNotFound when none exists.
func (db *DB) GetActiveSubscriptionPlan(ctx context.Context, orgID string) (string, error) {
	var plan string
	err := db.pool.QueryRowContext(ctx, `
		SELECT plan FROM subscription
		WHERE reference_id = $1 AND status IN ('active', 'trialing')
		ORDER BY period_end DESC NULLS LAST
		LIMIT 1`,
		orgID).Scan(&plan)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("subscription lookup: %w", err)
	}
	return plan, nil
}

// OrganizationUsage is the calendar-month billing view.
type OrganizationUsage struct {
	OrganizationID string    `json:"organization_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	GuardRequests  int64     `json:"guard_requests"`
	ScansRun       int64     `json:"scans_run"`
	ActiveAPIKeys  int64     `json:"active_api_keys"`
}

// GetOrganizationUsage aggregates activity for the current calendar month.
func (db *DB) GetOrganizationUsage(ctx context.Context, orgID string) (*OrganizationUsage, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	usage := &OrganizationUsage{OrganizationID: orgID, PeriodStart: start, PeriodEnd: end}

	err := db.pool.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM guard_log
			 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3),
			(SELECT COUNT(*) FROM scan
			 WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3),
			(SELECT COUNT(*) FROM api_key
			 WHERE organization_id = $1 AND revoked_at IS NULL)`,
		orgID, start, end).Scan(&usage.GuardRequests, &usage.ScansRun, &usage.ActiveAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("organization usage: %w", err)
	}
	return usage, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "org"
	}
	return out
}
