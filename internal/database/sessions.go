package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSessionByToken resolves a better-auth session cookie to its user.
// Expired sessions miss.
func (db *DB) GetSessionByToken(ctx context.Context, token string) (*SessionInfo, error) {
	var (
		s     SessionInfo
		image sql.NullString
	)
	err := db.pool.QueryRowContext(ctx, `
		SELECT s.id, s.token, s.user_id, s.expires_at, s.active_organization_id,
		       u.id, u.name, u.email, u.email_verified, u.image, u.created_at
		FROM session s
		JOIN "user" u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > NOW()`,
		token).Scan(
		&s.SessionID, &s.Token, &s.UserID, &s.ExpiresAt, &s.ActiveOrganizationID,
		&s.User.ID, &s.User.Name, &s.User.Email, &s.User.EmailVerified,
		&image, &s.User.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if image.Valid {
		s.User.Image = image.String
	}
	return &s, nil
}
