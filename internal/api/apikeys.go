package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/policy"
)

// GET /v1/api-keys
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	keys, err := s.db.ListAPIKeys(r.Context(), org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys, "total": len(keys)})
}

type createAPIKeyRequest struct {
	Name         string     `json:"name"`
	Scopes       []string   `json:"scopes,omitempty"`
	RateLimitRPM int        `json:"rate_limit_rpm,omitempty"`
	MonthlyQuota *int64     `json:"monthly_quota,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	APIKey *database.APIKey `json:"api_key"`
	// Key is the full secret, returned exactly once at creation.
	Key string `json:"key"`
}

// POST /v1/api-keys
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	var req createAPIKeyRequest
	if !decodeJSON(w, r, 16<<10, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be in the future")
		return
	}

	key, prefix, hash := crypto.GenerateAPIKey()
	created, err := s.db.CreateAPIKey(r.Context(), database.CreateAPIKeyParams{
		OrganizationID: org.ID,
		Name:           req.Name,
		KeyPrefix:      prefix,
		KeyHash:        hash,
		Scopes:         req.Scopes,
		RateLimitRPM:   req.RateLimitRPM,
		MonthlyQuota:   req.MonthlyQuota,
		ExpiresAt:      req.ExpiresAt,
		CreatedBy:      session.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key")
		return
	}

	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: created, Key: key})
}

// DELETE /v1/api-keys/{id}
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	err := s.db.RevokeAPIKey(r.Context(), org.ID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/api-keys/{id}/guard-config
func (s *Server) handleGetGuardConfig(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	key, err := s.db.GetAPIKey(r.Context(), org.ID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load API key")
		return
	}

	cfg, err := policy.Parse(key.GuardConfig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Stored guard config is invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key_id": key.ID, "guard_config": cfg})
}

// PUT /v1/api-keys/{id}/guard-config
func (s *Server) handlePutGuardConfig(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}
	keyID := mux.Vars(r)["id"]

	var cfg policy.GuardConfig
	if !decodeJSON(w, r, 16<<10, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_GUARD_CONFIG", err.Error())
		return
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode guard config")
		return
	}
	err = s.db.UpdateAPIKeyGuardConfig(r.Context(), org.ID, keyID, raw)
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update guard config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key_id": keyID, "guard_config": cfg})
}
