// Package auth resolves callers to an identity: API keys for the data
// plane, better-auth sessions for the dashboard.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
)

// SessionCookie is the better-auth session cookie name.
const SessionCookie = "better-auth.session_token"

var (
	ErrNoCredentials  = errors.New("auth: no credentials presented")
	ErrInvalidAPIKey  = errors.New("auth: invalid or expired API key")
	ErrInvalidSession = errors.New("auth: invalid or expired session")
)

// Store is the subset of the database the authenticator needs.
type Store interface {
	ValidateAPIKey(ctx context.Context, keyHash string) (*database.APIKey, error)
	GetSessionByToken(ctx context.Context, token string) (*database.SessionInfo, error)
	GetOrganization(ctx context.Context, orgID string) (*database.Organization, error)
	GetOrCreateOrganizationForUser(ctx context.Context, user *database.User) (*database.Organization, error)
}

type Authenticator struct {
	store Store
}

func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// ExtractAPIKey pulls the raw key from X-API-Key or a Bearer header.
// Bearer tokens without the key prefix are session tokens, not keys.
func ExtractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	bearer := bearerToken(r)
	if strings.HasPrefix(bearer, crypto.APIKeyPrefix) {
		return bearer
	}
	return ""
}

// SessionToken pulls the dashboard session token: Bearer header first,
// then the better-auth cookie. Signed cookies carry the token before the
// first dot.
func SessionToken(r *http.Request) string {
	if bearer := bearerToken(r); bearer != "" && !strings.HasPrefix(bearer, crypto.APIKeyPrefix) {
		return bearer
	}
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return ""
	}
	token, _, _ := strings.Cut(cookie.Value, ".")
	return token
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ValidateAPIKey hashes the presented key and resolves it to its record.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, rawKey string) (*database.APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoCredentials
	}
	key, err := a.store.ValidateAPIKey(ctx, crypto.HashAPIKey(rawKey))
	if err == database.ErrNotFound {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// AuthenticateDashboard resolves a session request to its user and
// organization, provisioning a personal organization on first login.
func (a *Authenticator) AuthenticateDashboard(ctx context.Context, r *http.Request) (*database.SessionInfo, *database.Organization, error) {
	token := SessionToken(r)
	if token == "" {
		return nil, nil, ErrNoCredentials
	}

	session, err := a.store.GetSessionByToken(ctx, token)
	if err == database.ErrNotFound {
		return nil, nil, ErrInvalidSession
	}
	if err != nil {
		return nil, nil, err
	}

	if session.ActiveOrganizationID.Valid {
		org, err := a.store.GetOrganization(ctx, session.ActiveOrganizationID.String)
		if err == nil {
			return session, org, nil
		}
		if err != database.ErrNotFound {
			return nil, nil, err
		}
	}

	org, err := a.store.GetOrCreateOrganizationForUser(ctx, &session.User)
	if err != nil {
		return nil, nil, err
	}
	return session, org, nil
}

// HasScope reports whether the key grants the named scope. A literal "*"
// grants everything.
func HasScope(key *database.APIKey, scope string) bool {
	for _, s := range key.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}
