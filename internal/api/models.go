package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/orafinite/backend/internal/database"
)

type modelConfigRequest struct {
	Name           string          `json:"name"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	APIKey         string          `json:"api_key,omitempty"`
	BaseURL        *string         `json:"base_url,omitempty"`
	CustomEndpoint json.RawMessage `json:"custom_endpoint,omitempty"`
	IsDefault      bool            `json:"is_default"`
}

func (s *Server) modelConfigParams(w http.ResponseWriter, orgID string, req modelConfigRequest) (*database.UpsertModelConfigParams, bool) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Provider) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name and provider are required")
		return nil, false
	}
	if req.Provider != "custom" && strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "model is required")
		return nil, false
	}
	if req.Provider == "custom" && len(req.CustomEndpoint) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "custom provider requires custom_endpoint")
		return nil, false
	}

	p := &database.UpsertModelConfigParams{
		OrganizationID: orgID,
		Name:           req.Name,
		Provider:       req.Provider,
		Model:          req.Model,
		BaseURL:        req.BaseURL,
		CustomEndpoint: req.CustomEndpoint,
		IsDefault:      req.IsDefault,
	}
	// Provider credentials never touch the database in the clear.
	if req.APIKey != "" {
		sealed, err := s.sealer.Encrypt(req.APIKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to protect credential")
			return nil, false
		}
		p.APIKeyEncrypted = &sealed
	}
	return p, true
}

// GET /v1/models
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	configs, err := s.db.ListModelConfigs(r.Context(), org.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list model configs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": configs, "total": len(configs)})
}

// POST /v1/models
func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	var req modelConfigRequest
	if !decodeJSON(w, r, 32<<10, &req) {
		return
	}
	p, ok := s.modelConfigParams(w, org.ID, req)
	if !ok {
		return
	}

	created, err := s.db.CreateModelConfig(r.Context(), *p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create model config")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// PUT /v1/models/{id}
func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}
	configID := mux.Vars(r)["id"]

	if _, err := s.db.GetModelConfig(r.Context(), org.ID, configID); err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "MODEL_CONFIG_NOT_FOUND", "Model config not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load model config")
		return
	}

	var req modelConfigRequest
	if !decodeJSON(w, r, 32<<10, &req) {
		return
	}
	p, ok := s.modelConfigParams(w, org.ID, req)
	if !ok {
		return
	}

	updated, err := s.db.UpdateModelConfig(r.Context(), configID, *p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update model config")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// PUT /v1/models/{id}/default
func (s *Server) handleSetDefaultModel(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	updated, err := s.db.SetDefaultModelConfig(r.Context(), org.ID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "MODEL_CONFIG_NOT_FOUND", "Model config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to set default model config")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE /v1/models/{id}
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	_, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	err := s.db.DeleteModelConfig(r.Context(), org.ID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "MODEL_CONFIG_NOT_FOUND", "Model config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete model config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
