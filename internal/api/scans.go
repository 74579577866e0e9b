package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/pb/mlservice"
)

// estimatedScanSeconds is the rough wall-clock projection shown to the
// dashboard when a scan is enqueued.
var estimatedScanSeconds = map[string]int{
	"quick":         60,
	"standard":      300,
	"comprehensive": 900,
	"custom":        300,
}

const (
	defaultRetestAttempts = 3
	maxRetestAttempts     = 10

	// A retest confirms the finding when at least half the attempts
	// reproduce it.
	confirmationThreshold = 0.5
)

// ============================================================================
// GET /v1/scan/probes
// ============================================================================

func (s *Server) handleListProbes(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.dashboardOrg(w, r); !ok {
		return
	}

	probes, err := s.sidecar.ListGarakProbes(r.Context(), &mlservice.Empty{})
	if err != nil {
		s.writeScanError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, probes)
}

// ============================================================================
// POST /v1/scan/start
// ============================================================================

type startScanRequest struct {
	Name          string   `json:"name"`
	ScanType      string   `json:"scan_type"`
	Probes        []string `json:"probes,omitempty"`
	ModelConfigID *string  `json:"model_config_id,omitempty"`
}

type startScanResponse struct {
	Scan             *database.Scan `json:"scan"`
	EstimatedSeconds int            `json:"estimated_seconds"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	var req startScanRequest
	if !decodeJSON(w, r, 64<<10, &req) {
		return
	}

	estimate, known := estimatedScanSeconds[req.ScanType]
	if !known {
		writeError(w, http.StatusBadRequest, "INVALID_SCAN_TYPE",
			"scan_type must be one of quick, standard, comprehensive, custom")
		return
	}
	if req.ScanType == "custom" && len(req.Probes) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "custom scans require at least one probe")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = req.ScanType + " scan"
	}

	// The concurrency gate counts queued plus running rows straight from
	// the database so cancel/completion races never skew it.
	active, err := s.db.CountActiveScans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check scan capacity")
		return
	}
	if active >= s.maxScans {
		writeError(w, http.StatusTooManyRequests, "TOO_MANY_SCANS",
			fmt.Sprintf("At most %d scans may be queued or running", s.maxScans))
		return
	}

	// Snapshot the target now; retests keep aiming at what the scan
	// actually ran against even after the config changes.
	var cfg *database.ModelConfig
	if req.ModelConfigID != nil {
		cfg, err = s.db.GetModelConfig(r.Context(), org.ID, *req.ModelConfigID)
		if err == database.ErrNotFound {
			writeError(w, http.StatusNotFound, "MODEL_CONFIG_NOT_FOUND", "Model config not found")
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load model config")
			return
		}
	} else if def, derr := s.db.GetDefaultModelConfig(r.Context(), org.ID); derr == nil {
		cfg = def
	}

	params := database.CreateScanParams{
		OrganizationID: org.ID,
		UserID:         session.UserID,
		ModelConfigID:  req.ModelConfigID,
		Name:           req.Name,
		ScanType:       req.ScanType,
		Probes:         req.Probes,
	}
	if cfg != nil {
		params.Provider = cfg.Provider
		params.Model = cfg.Model
		params.BaseURL = cfg.BaseURL
	}

	scan, err := s.db.CreateScan(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create scan")
		return
	}

	if s.metrics != nil {
		s.metrics.ScansStarted.Inc()
	}
	log.Printf("🔬 [Scan] queued %s (%s) for org %s", scan.ID, scan.ScanType, org.ID)
	writeJSON(w, http.StatusCreated, startScanResponse{Scan: scan, EstimatedSeconds: estimate})
}

// ============================================================================
// GET /v1/scan/list
// ============================================================================

type listScansResponse struct {
	Scans   []database.Scan `json:"scans"`
	Total   int64           `json:"total"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	perPage := queryInt(q.Get("per_page"), 20)
	if perPage > 100 {
		perPage = 100
	}

	scans, total, err := s.db.ListScans(r.Context(), org.ID, session.UserID, q.Get("status"), page, perPage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, listScansResponse{Scans: scans, Total: total, Page: page, PerPage: perPage})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// ============================================================================
// GET /v1/scan/{id}
// ============================================================================

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	scan, err := s.db.GetScan(r.Context(), org.ID, session.UserID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// ============================================================================
// GET /v1/scan/{id}/results
// ============================================================================

type scanResultsResponse struct {
	*database.ScanResultPage
	ProbesPassed int `json:"probes_passed"`
	ProbesFailed int `json:"probes_failed"`
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	scan, err := s.db.GetScan(r.Context(), org.ID, session.UserID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	perPage := queryInt(q.Get("per_page"), 50)
	if perPage > 100 {
		perPage = 100
	}

	results, err := s.db.GetScanResults(r.Context(), scan.ID, q.Get("severity"), page, perPage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load results")
		return
	}

	// Probes with no finding counted as passed.
	failed := int(results.Total)
	passed := scan.ProbesTotal - failed
	if passed < 0 {
		passed = 0
	}
	writeJSON(w, http.StatusOK, scanResultsResponse{
		ScanResultPage: results,
		ProbesPassed:   passed,
		ProbesFailed:   failed,
	})
}

// ============================================================================
// GET /v1/scan/{id}/logs
// ============================================================================

func (s *Server) handleScanLogs(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	scan, err := s.db.GetScan(r.Context(), org.ID, session.UserID, mux.Vars(r)["id"])
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
		return
	}

	logs, err := s.db.GetScanLogs(r.Context(), scan.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan logs")
		return
	}

	// While the scan runs the sidecar has fresher logs than the last
	// ingest tick persisted.
	if scan.Status == database.ScanStatusRunning && scan.SidecarScanID != nil {
		live, err := s.sidecar.GetScanLogs(r.Context(), &mlservice.GarakStatusRequest{ScanID: *scan.SidecarScanID})
		if err == nil && len(live.Logs) > len(logs) {
			writeJSON(w, http.StatusOK, map[string]any{"scan_id": scan.ID, "logs": live.Logs, "live": true})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan_id": scan.ID, "logs": logs})
}

// ============================================================================
// POST /v1/scan/{id}/cancel
// ============================================================================

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}
	scanID := mux.Vars(r)["id"]

	sidecarID, cancelled, err := s.db.CancelScan(r.Context(), org.ID, session.UserID, scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel scan")
		return
	}
	if !cancelled {
		// Either the scan does not exist or it already reached a terminal
		// state; repeated cancels stay a 200 with the actual status.
		scan, err := s.db.GetScan(r.Context(), org.ID, session.UserID, scanID)
		if err == database.ErrNotFound {
			writeError(w, http.StatusNotFound, "SCAN_NOT_FOUND", "Scan not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scan_id": scanID,
			"status":  scan.Status,
			"message": fmt.Sprintf("Scan is %s and cannot be cancelled", scan.Status),
		})
		return
	}

	// The sidecar is told best-effort; the database row is already
	// terminal either way.
	if sidecarID != "" {
		if _, err := s.sidecar.CancelGarakScan(r.Context(), &mlservice.GarakStatusRequest{ScanID: sidecarID}); err != nil {
			log.Printf("⚠️ [Scan] cancel forward to sidecar for %s: %v", scanID, err)
		}
	}
	log.Printf("🛑 [Scan] cancelled %s (org %s)", scanID, org.ID)
	writeJSON(w, http.StatusOK, map[string]any{"scan_id": scanID, "status": database.ScanStatusCancelled})
}

// ============================================================================
// POST /v1/scan/retest
// ============================================================================

type retestRequest struct {
	ResultID string `json:"result_id"`
	Attempts int    `json:"attempts,omitempty"`
}

func (s *Server) handleRetestResult(w http.ResponseWriter, r *http.Request) {
	session, org, ok := s.dashboardOrg(w, r)
	if !ok {
		return
	}

	var req retestRequest
	if !decodeJSON(w, r, 4<<10, &req) {
		return
	}
	if req.ResultID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "result_id is required")
		return
	}
	attempts := req.Attempts
	if attempts <= 0 {
		attempts = defaultRetestAttempts
	}
	if attempts > maxRetestAttempts {
		attempts = maxRetestAttempts
	}

	result, err := s.db.GetScanResult(r.Context(), org.ID, session.UserID, req.ResultID)
	if err == database.ErrNotFound {
		writeError(w, http.StatusNotFound, "RESULT_NOT_FOUND", "Scan result not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan result")
		return
	}

	scan, err := s.db.GetScan(r.Context(), org.ID, session.UserID, result.ScanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load scan")
		return
	}

	wireReq := &mlservice.RetestRequest{
		ScanID:       result.ScanID,
		ProbeName:    result.ProbeName,
		ProbeClass:   result.ProbeClass,
		AttackPrompt: result.AttackPrompt,
		NumAttempts:  int32(attempts),
	}
	if err := s.fillRetestTarget(r, org.ID, scan, wireReq); err != nil {
		writeError(w, http.StatusBadRequest, "MODEL_CONFIG_MISSING", "No model configuration available for retest")
		return
	}

	retest, err := s.sidecar.RetestProbe(r.Context(), wireReq)
	if err != nil {
		s.writeScanError(w, err, false)
		return
	}

	rate := float64(retest.ConfirmationRate)
	// confirmed stays null when no attempt actually ran: an errored
	// retest must not read as "refuted".
	var confirmed *bool
	if retest.TotalAttempts > 0 || rate >= confirmationThreshold {
		v := rate >= confirmationThreshold
		confirmed = &v
	}
	attemptsJSON, _ := json.Marshal(retest.Results)

	stored, err := s.db.InsertScanRetest(r.Context(), database.InsertRetestParams{
		ScanID:           result.ScanID,
		ScanResultID:     result.ID,
		ProbeName:        result.ProbeName,
		AttackPrompt:     result.AttackPrompt,
		TotalAttempts:    int(retest.TotalAttempts),
		VulnerableCount:  int(retest.VulnerableCount),
		SafeCount:        int(retest.SafeCount),
		ConfirmationRate: rate,
		Confirmed:        confirmed != nil && *confirmed,
		Attempts:         attemptsJSON,
		Status:           retest.Status,
		ErrorMessage:     retest.ErrorMessage,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to record retest")
		return
	}
	err = s.db.ApplyRetestOutcome(r.Context(), result.ID, confirmed,
		int(retest.TotalAttempts), int(retest.VulnerableCount))
	if err != nil {
		log.Printf("⚠️ [Scan] apply retest outcome for result %s: %v", result.ID, err)
	}

	writeJSON(w, http.StatusOK, stored)
}

// fillRetestTarget aims the retest at the scan's snapshotted target,
// decrypting the stored provider credential when one exists. The model
// config only fills gaps for scans recorded before the snapshot existed.
func (s *Server) fillRetestTarget(r *http.Request, orgID string, scan *database.Scan, req *mlservice.RetestRequest) error {
	req.Provider = scan.Provider
	req.Model = scan.Model
	if scan.BaseURL != nil {
		req.BaseURL = *scan.BaseURL
	}

	var cfg *database.ModelConfig
	var err error
	if scan.ModelConfigID != nil {
		cfg, err = s.db.GetModelConfig(r.Context(), orgID, *scan.ModelConfigID)
	} else {
		cfg, err = s.db.GetDefaultModelConfig(r.Context(), orgID)
	}
	if err != nil {
		if req.Provider != "" {
			// The snapshot alone is enough for providers that need no
			// stored credential.
			return nil
		}
		return err
	}

	if req.Provider == "" {
		req.Provider = cfg.Provider
	}
	if req.Model == "" {
		req.Model = cfg.Model
	}
	if req.BaseURL == "" && cfg.BaseURL != nil {
		req.BaseURL = *cfg.BaseURL
	}
	if cfg.APIKeyEncrypted != nil && *cfg.APIKeyEncrypted != "" {
		plain, err := s.sealer.Decrypt(*cfg.APIKeyEncrypted)
		if err != nil {
			return err
		}
		req.APIKey = plain
	}
	return nil
}
