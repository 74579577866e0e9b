package api

import (
	"net/http"

	"github.com/orafinite/backend/internal/auth"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/ratelimit"
)

// GET /v1/organization
func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	plan := org.Plan
	if sub, err := s.db.GetActiveSubscriptionPlan(r.Context(), org.ID); err == nil && sub != "" {
		plan = sub
	} else if err != nil && err != database.ErrNotFound {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"organization":  org,
		"plan":          plan,
		"monthly_quota": ratelimit.QuotaForPlan(plan),
	})
}

// GET /v1/organization/usage
func (s *Server) handleOrganizationUsage(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	usage, err := s.db.GetOrganizationUsage(r.Context(), org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// GET /v1/auth/verify echoes the authenticated identity so the frontend
// can confirm a session or key without side effects.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	// API key first so data-plane clients can also use this endpoint.
	if raw := auth.ExtractAPIKey(r); raw != "" {
		key, err := s.auth.ValidateAPIKey(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "API_KEY_INVALID", "Invalid or revoked API key")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"auth_type":       "api_key",
			"api_key_id":      key.ID,
			"organization_id": key.OrganizationID,
			"scopes":          key.Scopes,
		})
		return
	}

	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auth_type": "session",
		"user": map[string]any{
			"id":    session.User.ID,
			"name":  session.User.Name,
			"email": session.User.Email,
		},
		"organization_id": org.ID,
	})
}

// GET|POST /v1/auth/api-key/verify validates the presented API key and
// echoes its metadata. Unlike /auth/verify it never falls back to the
// dashboard session, so SDKs get a deterministic answer about the key.
func (s *Server) handleAPIKeyVerify(w http.ResponseWriter, r *http.Request) {
	raw := auth.ExtractAPIKey(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "API_KEY_REQUIRED", "API key required")
		return
	}

	key, err := s.auth.ValidateAPIKey(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"valid": false,
			"error": ErrorResponse{Error: "Invalid or revoked API key", Code: "API_KEY_INVALID"},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":           true,
		"api_key_id":      key.ID,
		"name":            key.Name,
		"organization_id": key.OrganizationID,
		"scopes":          key.Scopes,
		"rate_limit_rpm":  key.RateLimitRPM,
	})
}
