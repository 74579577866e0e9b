package auth

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
)

type fakeStore struct {
	keysByHash map[string]*database.APIKey
	sessions   map[string]*database.SessionInfo
	orgs       map[string]*database.Organization
	created    *database.Organization
}

func (f *fakeStore) ValidateAPIKey(_ context.Context, hash string) (*database.APIKey, error) {
	if k, ok := f.keysByHash[hash]; ok {
		return k, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetSessionByToken(_ context.Context, token string) (*database.SessionInfo, error) {
	if s, ok := f.sessions[token]; ok {
		return s, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetOrganization(_ context.Context, id string) (*database.Organization, error) {
	if o, ok := f.orgs[id]; ok {
		return o, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetOrCreateOrganizationForUser(_ context.Context, _ *database.User) (*database.Organization, error) {
	return f.created, nil
}

func TestExtractAPIKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Key", "ora_abc")
	assert.Equal(t, "ora_abc", ExtractAPIKey(r))

	// X-API-Key wins over Bearer.
	r.Header.Set("Authorization", "Bearer ora_def")
	assert.Equal(t, "ora_abc", ExtractAPIKey(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "bearer ora_def")
	assert.Equal(t, "ora_def", ExtractAPIKey(r))

	// Session bearer tokens are not API keys.
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer some-session-token")
	assert.Empty(t, ExtractAPIKey(r))
}

func TestSessionToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, SessionToken(r))

	r.Header.Set("Authorization", "Bearer sess-token")
	assert.Equal(t, "sess-token", SessionToken(r))

	// API keys in the Bearer slot are not sessions; fall through to cookie.
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer ora_abc")
	r.Header.Set("Cookie", SessionCookie+"=cookie-token")
	assert.Equal(t, "cookie-token", SessionToken(r))
}

func TestSessionToken_SignedCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Cookie", SessionCookie+"=raw-token.signature-part")
	assert.Equal(t, "raw-token", SessionToken(r))
}

func TestValidateAPIKey(t *testing.T) {
	raw, _, hash := crypto.GenerateAPIKey()
	store := &fakeStore{keysByHash: map[string]*database.APIKey{
		hash: {ID: "key-1", OrganizationID: "org-1"},
	}}
	a := New(store)

	key, err := a.ValidateAPIKey(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.ID)

	_, err = a.ValidateAPIKey(context.Background(), "ora_wrong")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = a.ValidateAPIKey(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAuthenticateDashboard_ActiveOrg(t *testing.T) {
	store := &fakeStore{
		sessions: map[string]*database.SessionInfo{
			"tok": {
				UserID:               "user-1",
				ActiveOrganizationID: sql.NullString{String: "org-9", Valid: true},
				User:                 database.User{ID: "user-1", Email: "a@b.c"},
			},
		},
		orgs: map[string]*database.Organization{
			"org-9": {ID: "org-9", Plan: "pro"},
		},
	}
	a := New(store)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer tok")

	session, org, err := a.AuthenticateDashboard(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "org-9", org.ID)
}

func TestAuthenticateDashboard_ProvisionsPersonalOrg(t *testing.T) {
	store := &fakeStore{
		sessions: map[string]*database.SessionInfo{
			"tok": {UserID: "user-1", User: database.User{ID: "user-1", Email: "a@b.c"}},
		},
		created: &database.Organization{ID: "org-new", Plan: "free"},
	}
	a := New(store)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Cookie", SessionCookie+"=tok")

	_, org, err := a.AuthenticateDashboard(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "org-new", org.ID)
}

func TestAuthenticateDashboard_BadToken(t *testing.T) {
	a := New(&fakeStore{})

	r := httptest.NewRequest("GET", "/", nil)
	_, _, err := a.AuthenticateDashboard(context.Background(), r)
	assert.ErrorIs(t, err, ErrNoCredentials)

	r.Header.Set("Authorization", "Bearer nope")
	_, _, err = a.AuthenticateDashboard(context.Background(), r)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestHasScope(t *testing.T) {
	key := &database.APIKey{Scopes: []string{"guard:scan", "logs:read"}}
	assert.True(t, HasScope(key, "guard:scan"))
	assert.False(t, HasScope(key, "admin"))

	assert.True(t, HasScope(&database.APIKey{Scopes: []string{"*"}}, "anything"))
}
