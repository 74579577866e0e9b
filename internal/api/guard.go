package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orafinite/backend/internal/auth"
	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/mlgateway"
	"github.com/orafinite/backend/internal/policy"
	"github.com/orafinite/backend/internal/ratelimit"
	"github.com/orafinite/backend/pb/mlservice"
)

const (
	// Field limits checked after decoding, each with its own error code.
	maxPromptBytes        = 32 << 10
	maxOutputBytes        = 64 << 10
	maxAdvancedFieldBytes = 64 << 10

	// Body caps leave headroom over the field limits for JSON quoting and
	// the rest of the envelope, so a maximum-size prompt still decodes.
	maxScanBody     = 128 << 10
	maxValidateBody = 256 << 10
	maxAdvancedBody = 512 << 10
	maxBatchBody    = 4 << 20

	maxBatchSize     = 50
	batchConcurrency = 8

	scopeGuardScan = "guard:scan"
)

// admission is the result of the shared data-plane checks: a valid key,
// its organization, and the quota that applies to it.
type admission struct {
	key   *database.APIKey
	org   *database.Organization
	quota int64
	used  int64
}

// admit runs authentication, scope, rate-limit, and quota checks for a
// guard request covering n scan units. On failure it writes the error
// response and returns false. Batches pass their size as n: the minute
// limiter counts the batch once, while the monthly quota is peeked
// first so a batch that cannot fully fit burns nothing from the month.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, n int64) (*admission, bool) {
	ctx := r.Context()

	raw := auth.ExtractAPIKey(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "API_KEY_REQUIRED", "API key required")
		return nil, false
	}
	key, err := s.auth.ValidateAPIKey(ctx, raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "API_KEY_INVALID", "Invalid or revoked API key")
		return nil, false
	}
	if !auth.HasScope(key, scopeGuardScan) {
		writeError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE", "API key lacks the guard:scan scope")
		return nil, false
	}

	allowed, _, err := s.limiter.AllowMinute(ctx, key.ID, key.RateLimitRPM)
	if err == nil && !allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		retry := s.limiter.MinuteRetryAfter(ctx, key.ID)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeErrorDetails(w, http.StatusTooManyRequests, "RATE_LIMITED",
			fmt.Sprintf("Rate limit of %d requests per minute exceeded", key.RateLimitRPM),
			fmt.Sprintf("Retry after %ds", retry))
		return nil, false
	}

	quota := ratelimit.ResolveQuota(ctx, s.db, key)
	if n > 1 {
		used, err := s.limiter.PeekMonthly(ctx, key.ID)
		if err == nil && used+n > quota {
			s.rejectQuota(w, used, quota)
			return nil, false
		}
	}
	withinQuota, used, err := s.limiter.ConsumeMonthly(ctx, key.ID, n, quota)
	if err == nil && !withinQuota {
		s.rejectQuota(w, used, quota)
		return nil, false
	}

	org, err := s.db.GetOrganization(ctx, key.OrganizationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load organization")
		return nil, false
	}

	return &admission{key: key, org: org, quota: quota, used: used}, true
}

func (s *Server) rejectQuota(w http.ResponseWriter, used, quota int64) {
	if s.metrics != nil {
		s.metrics.QuotaExceeded.Inc()
	}
	if used > quota {
		used = quota
	}
	writeErrorDetails(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED",
		"Monthly quota exceeded",
		fmt.Sprintf("%d/%d requests used", used, quota))
}

// ============================================================================
// Request / response shapes
// ============================================================================

// scanOptions are the caller's per-request switches for the legacy
// simple pipeline. Unset flags default to enabled.
type scanOptions struct {
	CheckInjection *bool `json:"check_injection,omitempty"`
	CheckToxicity  *bool `json:"check_toxicity,omitempty"`
	CheckPII       *bool `json:"check_pii,omitempty"`
	Sanitize       *bool `json:"sanitize,omitempty"`
}

type scanRequest struct {
	Prompt   string            `json:"prompt"`
	Model    string            `json:"model,omitempty"`
	Options  *scanOptions      `json:"options,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type threatResponse struct {
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
}

type scanResponse struct {
	ID               string           `json:"id"`
	Safe             bool             `json:"safe"`
	RiskScore        float64          `json:"risk_score"`
	Threats          []threatResponse `json:"threats"`
	ThreatCategories []string         `json:"threat_categories,omitempty"`
	SanitizedPrompt  string           `json:"sanitized_prompt,omitempty"`
	LatencyMs        int64            `json:"latency_ms"`
	Cached           bool             `json:"cached"`
	Timestamp        string           `json:"timestamp"`
}

func threatsFromWire(in []mlservice.Threat) ([]threatResponse, []string) {
	out := make([]threatResponse, 0, len(in))
	var categories []string
	for _, t := range in {
		out = append(out, threatResponse{
			Type:       t.ThreatType,
			Severity:   t.Severity,
			Confidence: float64(t.Confidence),
			Detail:     t.Description,
		})
		categories = append(categories, t.ThreatType)
	}
	return out, categories
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

// ============================================================================
// POST /v1/guard/scan
// ============================================================================

func (s *Server) handleGuardScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, maxScanBody, &req) {
		return
	}

	adm, ok := s.admit(w, r, 1)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PROMPT", "prompt is required")
		return
	}
	if len(req.Prompt) > maxPromptBytes {
		writeError(w, http.StatusBadRequest, "PROMPT_TOO_LONG",
			fmt.Sprintf("prompt exceeds the %d byte limit", maxPromptBytes))
		return
	}

	// Keys carrying a guard config get the full multi-scanner pipeline
	// even on the simple endpoint.
	if cfg, err := policy.Parse(adm.key.GuardConfig); err == nil && cfg != nil {
		s.runAdvancedScan(w, r, adm, advancedScanRequest{Prompt: req.Prompt, Model: req.Model}, cfg)
		return
	}

	resp, cached, err := s.scanOnce(r.Context(), adm, req)
	if err != nil {
		s.writeScanError(w, err, false)
		return
	}

	s.recordGuardLog(r, adm, guardLogParams{
		scanType:    "prompt",
		requestType: database.RequestTypeScan,
		endpoint:    "/v1/guard/scan",
		content:     req.Prompt,
		model:       req.Model,
		sanitized:   resp.SanitizedPrompt,
		resp:        resp,
		cached:      cached,
	})
	s.countScan("prompt", resp.Safe, cached)
	writeJSON(w, http.StatusOK, resp)
}

// scanOnce serves one prompt through the cache and the sidecar.
func (s *Server) scanOnce(ctx context.Context, adm *admission, req scanRequest) (*scanResponse, bool, error) {
	opts := req.Options
	if opts == nil {
		opts = &scanOptions{}
	}

	hash := cacheKey(adm.org.ID, req.Prompt, opts)
	if raw, ok := s.cache.Get(ctx, hash); ok {
		var resp scanResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			// Cache hits keep the original latency but get a fresh
			// identity and timestamp.
			resp.ID = uuid.NewString()
			resp.Cached = true
			resp.Timestamp = nowStamp()
			return &resp, true, nil
		}
	}

	start := time.Now()
	result, err := s.sidecar.ScanPrompt(ctx, &mlservice.ScanRequest{
		Prompt:         req.Prompt,
		CheckInjection: orTrue(opts.CheckInjection),
		CheckToxicity:  orTrue(opts.CheckToxicity),
		CheckPII:       orTrue(opts.CheckPII),
		Sanitize:       orTrue(opts.Sanitize),
	})
	if err != nil {
		return nil, false, err
	}

	threats, categories := threatsFromWire(result.Threats)
	resp := &scanResponse{
		ID:               uuid.NewString(),
		Safe:             result.Safe,
		RiskScore:        float64(result.RiskScore),
		Threats:          threats,
		ThreatCategories: categories,
		LatencyMs:        time.Since(start).Milliseconds(),
		Timestamp:        nowStamp(),
	}
	if result.SanitizedPrompt != "" && result.SanitizedPrompt != req.Prompt {
		resp.SanitizedPrompt = result.SanitizedPrompt
	}
	if raw, err := json.Marshal(resp); err == nil {
		s.cache.Set(ctx, hash, raw)
	}
	return resp, false, nil
}

// cacheKey scopes cached verdicts to the organization and the option
// switches, so tenants never see each other's results and a scan with
// PII checks off never serves one that had them on.
func cacheKey(orgID, prompt string, opts *scanOptions) string {
	flags := fmt.Sprintf("%t%t%t%t",
		orTrue(opts.CheckInjection), orTrue(opts.CheckToxicity),
		orTrue(opts.CheckPII), orTrue(opts.Sanitize))
	return crypto.HashPrompt(orgID + ":" + flags + ":" + prompt)
}

// ============================================================================
// POST /v1/guard/batch
// ============================================================================

type batchPromptItem struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
}

type batchScanRequest struct {
	Prompts []batchPromptItem `json:"prompts"`
	Model   string            `json:"model,omitempty"`
	Options *scanOptions      `json:"options,omitempty"`
}

// batchItemResponse carries either a verdict or an in-place failure for
// one prompt, identified by the caller's id or the item index.
type batchItemResponse struct {
	ID     string         `json:"id"`
	Result *scanResponse  `json:"result,omitempty"`
	Error  *ErrorResponse `json:"error,omitempty"`
}

type batchScanResponse struct {
	Results      []batchItemResponse `json:"results"`
	Total        int                 `json:"total"`
	SafeCount    int                 `json:"safe_count"`
	FlaggedCount int                 `json:"flagged_count"`
	FailedCount  int                 `json:"failed_count"`
	LatencyMs    int64               `json:"latency_ms"`
}

func (s *Server) handleGuardScanBatch(w http.ResponseWriter, r *http.Request) {
	var req batchScanRequest
	if !decodeJSON(w, r, maxBatchBody, &req) {
		return
	}
	if len(req.Prompts) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_BATCH", "prompts must contain at least one entry")
		return
	}
	if len(req.Prompts) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("batch size %d exceeds the maximum of %d", len(req.Prompts), maxBatchSize))
		return
	}

	adm, ok := s.admit(w, r, int64(len(req.Prompts)))
	if !ok {
		return
	}

	start := time.Now()
	results := make([]batchItemResponse, len(req.Prompts))
	cachedFlags := make([]bool, len(req.Prompts))

	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)
	for i, item := range req.Prompts {
		wg.Add(1)
		go func(i int, item batchPromptItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id := item.ID
			if id == "" {
				id = strconv.Itoa(i)
			}
			res := batchItemResponse{ID: id}
			switch {
			case strings.TrimSpace(item.Prompt) == "":
				res.Error = &ErrorResponse{Error: "prompt is required", Code: "MISSING_PROMPT"}
			case len(item.Prompt) > maxPromptBytes:
				res.Error = &ErrorResponse{
					Error: fmt.Sprintf("prompt exceeds the %d byte limit", maxPromptBytes),
					Code:  "PROMPT_TOO_LONG",
				}
			default:
				one := scanRequest{Prompt: item.Prompt, Model: req.Model, Options: req.Options}
				resp, cached, err := s.scanOnce(r.Context(), adm, one)
				if err != nil {
					apiErr := mlgateway.TranslateScanError(err, false)
					res.Error = &ErrorResponse{Error: apiErr.Message, Code: apiErr.Code}
				} else {
					res.Result = resp
					cachedFlags[i] = cached
				}
			}
			results[i] = res
		}(i, item)
	}
	wg.Wait()

	resp := batchScanResponse{
		Results:   results,
		Total:     len(results),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for i, res := range results {
		if res.Result == nil {
			resp.FailedCount++
			continue
		}
		if res.Result.Safe {
			resp.SafeCount++
		} else {
			resp.FlaggedCount++
		}
		// Audit entries carry the batch's wall-clock latency, not the
		// per-item one.
		s.recordGuardLog(r, adm, guardLogParams{
			scanType:    "prompt",
			requestType: database.RequestTypeBatch,
			endpoint:    "/v1/guard/batch",
			content:     req.Prompts[i].Prompt,
			model:       req.Model,
			sanitized:   res.Result.SanitizedPrompt,
			resp:        res.Result,
			cached:      cachedFlags[i],
			latencyMs:   resp.LatencyMs,
		})
		s.countScan("prompt", res.Result.Safe, cachedFlags[i])
	}

	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// POST /v1/guard/validate
// ============================================================================

type validateRequest struct {
	Output         string `json:"output"`
	OriginalPrompt string `json:"original_prompt,omitempty"`
	Model          string `json:"model,omitempty"`
}

type outputIssueResponse struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail,omitempty"`
}

type validateResponse struct {
	ID              string                `json:"id"`
	Safe            bool                  `json:"safe"`
	RiskScore       float64               `json:"risk_score"`
	Issues          []outputIssueResponse `json:"issues"`
	SanitizedOutput string                `json:"sanitized_output,omitempty"`
	LatencyMs       int64                 `json:"latency_ms"`
	Timestamp       string                `json:"timestamp"`
}

func (s *Server) handleGuardValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, maxValidateBody, &req) {
		return
	}

	adm, ok := s.admit(w, r, 1)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Output) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_OUTPUT", "output is required")
		return
	}
	if len(req.Output) > maxOutputBytes {
		writeError(w, http.StatusBadRequest, "OUTPUT_TOO_LONG",
			fmt.Sprintf("output exceeds the %d byte limit", maxOutputBytes))
		return
	}

	start := time.Now()
	result, err := s.sidecar.ScanOutput(r.Context(), &mlservice.OutputScanRequest{
		Output:         req.Output,
		OriginalPrompt: req.OriginalPrompt,
	})
	if err != nil {
		s.writeScanError(w, err, true)
		return
	}

	issues := make([]outputIssueResponse, 0, len(result.Issues))
	var categories []string
	risk := 0.0
	for _, i := range result.Issues {
		issues = append(issues, outputIssueResponse{
			Type:     i.IssueType,
			Severity: i.Severity,
			Detail:   i.Description,
		})
		categories = append(categories, i.IssueType)
		if sev := severityRisk(i.Severity); sev > risk {
			risk = sev
		}
	}
	resp := validateResponse{
		ID:        uuid.NewString(),
		Safe:      result.Safe,
		RiskScore: risk,
		Issues:    issues,
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: nowStamp(),
	}
	if result.SanitizedOutput != "" && result.SanitizedOutput != req.Output {
		resp.SanitizedOutput = result.SanitizedOutput
	}

	logResp := &scanResponse{
		ID:               resp.ID,
		Safe:             resp.Safe,
		RiskScore:        resp.RiskScore,
		ThreatCategories: categories,
		LatencyMs:        resp.LatencyMs,
		Timestamp:        resp.Timestamp,
	}
	for _, i := range issues {
		logResp.Threats = append(logResp.Threats, threatResponse{Type: i.Type, Severity: i.Severity, Detail: i.Detail})
	}
	s.recordGuardLog(r, adm, guardLogParams{
		scanType:    "output",
		requestType: database.RequestTypeValidate,
		endpoint:    "/v1/guard/validate",
		content:     req.Output,
		model:       req.Model,
		sanitized:   resp.SanitizedOutput,
		resp:        logResp,
	})
	s.countScan("output", resp.Safe, false)
	writeJSON(w, http.StatusOK, resp)
}

func severityRisk(severity string) float64 {
	switch strings.ToLower(severity) {
	case "critical":
		return 1.0
	case "high":
		return 0.75
	case "medium":
		return 0.5
	case "low":
		return 0.25
	default:
		return 0.1
	}
}

// ============================================================================
// POST /v1/guard/advanced-scan
// ============================================================================

type advancedScanRequest struct {
	Prompt         string                         `json:"prompt,omitempty"`
	Output         string                         `json:"output,omitempty"`
	Model          string                         `json:"model,omitempty"`
	ScanMode       string                         `json:"scan_mode,omitempty"`
	InputScanners  map[string]policy.ScannerEntry `json:"input_scanners,omitempty"`
	OutputScanners map[string]policy.ScannerEntry `json:"output_scanners,omitempty"`
	Sanitize       *bool                          `json:"sanitize,omitempty"`
	FailFast       *bool                          `json:"fail_fast,omitempty"`
	Metadata       map[string]string              `json:"metadata,omitempty"`
}

type scannerResultResponse struct {
	Name      string  `json:"name"`
	Triggered bool    `json:"triggered"`
	Score     float64 `json:"score"`
	Severity  string  `json:"severity,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMs int32   `json:"latency_ms"`
}

type advancedScanResponse struct {
	scanResponse
	ScanMode        string                  `json:"scan_mode"`
	InputResults    []scannerResultResponse `json:"input_results"`
	OutputResults   []scannerResultResponse `json:"output_results"`
	SanitizedOutput string                  `json:"sanitized_output,omitempty"`
}

func (s *Server) handleGuardScanAdvanced(w http.ResponseWriter, r *http.Request) {
	var req advancedScanRequest
	if !decodeJSON(w, r, maxAdvancedBody, &req) {
		return
	}

	adm, ok := s.admit(w, r, 1)
	if !ok {
		return
	}

	cfg, err := policy.Parse(adm.key.GuardConfig)
	if err != nil {
		log.Printf("⚠️ Stored guard config for key %s is invalid: %v", adm.key.ID, err)
		cfg = nil
	}
	s.runAdvancedScan(w, r, adm, req, cfg)
}

// runAdvancedScan resolves the effective policy and dispatches the
// multi-scanner pipeline. It serves both the advanced endpoint and
// simple scans upgraded by a stored guard config.
func (s *Server) runAdvancedScan(w http.ResponseWriter, r *http.Request, adm *admission, req advancedScanRequest, cfg *policy.GuardConfig) {
	resolved := policy.Resolve(cfg, policy.RequestOverrides{
		ScanMode:       req.ScanMode,
		InputScanners:  req.InputScanners,
		OutputScanners: req.OutputScanners,
		Sanitize:       req.Sanitize,
		FailFast:       req.FailFast,
	}, r.Header.Get("X-Scan-Type"))

	// The resolved mode decides which fields are required.
	needsPrompt := resolved.ScanMode != policy.ModeOutputOnly
	needsOutput := resolved.ScanMode != policy.ModePromptOnly
	if needsPrompt && strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PROMPT", "prompt is required for this scan mode")
		return
	}
	if needsOutput && strings.TrimSpace(req.Output) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_OUTPUT", "output is required for this scan mode")
		return
	}
	if len(req.Prompt) > maxAdvancedFieldBytes {
		writeError(w, http.StatusBadRequest, "PROMPT_TOO_LONG",
			fmt.Sprintf("prompt exceeds the %d byte limit", maxAdvancedFieldBytes))
		return
	}
	if len(req.Output) > maxAdvancedFieldBytes {
		writeError(w, http.StatusBadRequest, "OUTPUT_TOO_LONG",
			fmt.Sprintf("output exceeds the %d byte limit", maxAdvancedFieldBytes))
		return
	}

	start := time.Now()
	result, err := s.sidecar.AdvancedScan(r.Context(), &mlservice.AdvancedScanRequest{
		Prompt:         req.Prompt,
		Output:         req.Output,
		ScanMode:       mlservice.ScanModeFromString(resolved.ScanMode),
		InputScanners:  resolved.InputScanners,
		OutputScanners: resolved.OutputScanners,
		Sanitize:       resolved.Sanitize,
		FailFast:       resolved.FailFast,
	})
	if err != nil {
		s.writeScanError(w, err, false)
		return
	}

	inputResults, triggered, threats := scannerResultsFromWire(result.InputResults, nil, nil)
	outputResults, triggered, threats := scannerResultsFromWire(result.OutputResults, triggered, threats)

	resp := advancedScanResponse{
		scanResponse: scanResponse{
			ID:               uuid.NewString(),
			Safe:             result.Safe,
			RiskScore:        float64(result.RiskScore),
			Threats:          threats,
			ThreatCategories: triggered,
			LatencyMs:        time.Since(start).Milliseconds(),
			Timestamp:        nowStamp(),
		},
		ScanMode:      result.ScanMode.String(),
		InputResults:  inputResults,
		OutputResults: outputResults,
	}
	if result.SanitizedPrompt != "" && result.SanitizedPrompt != req.Prompt {
		resp.SanitizedPrompt = result.SanitizedPrompt
	}
	if result.SanitizedOutput != "" && result.SanitizedOutput != req.Output {
		resp.SanitizedOutput = result.SanitizedOutput
	}

	content := req.Prompt
	if content == "" {
		content = req.Output
	}
	sanitized := resp.SanitizedPrompt
	if sanitized == "" {
		sanitized = resp.SanitizedOutput
	}
	s.recordGuardLog(r, adm, guardLogParams{
		scanType:    resolved.ScanMode,
		requestType: advancedRequestType(resolved.ScanMode),
		endpoint:    "/v1/guard/advanced-scan",
		content:     content,
		model:       req.Model,
		sanitized:   sanitized,
		resp:        &resp.scanResponse,
		scanners:    triggered,
		mlLatencyMs: int64(result.LatencyMs),
	})
	s.countScan(resolved.ScanMode, resp.Safe, false)
	writeJSON(w, http.StatusOK, resp)
}

func advancedRequestType(mode string) string {
	switch mode {
	case policy.ModeOutputOnly:
		return database.RequestTypeAdvancedOutput
	case policy.ModeBoth:
		return database.RequestTypeAdvancedBoth
	default:
		return database.RequestTypeAdvancedPrompt
	}
}

// scannerResultsFromWire folds one direction's scanner verdicts into the
// response shape, accumulating triggered names and threat entries.
func scannerResultsFromWire(in []mlservice.ScannerResult, triggered []string, threats []threatResponse) ([]scannerResultResponse, []string, []threatResponse) {
	out := make([]scannerResultResponse, 0, len(in))
	for _, sr := range in {
		out = append(out, scannerResultResponse{
			Name:      sr.ScannerName,
			Triggered: !sr.IsValid,
			Score:     float64(sr.Score),
			Severity:  sr.Severity,
			Detail:    sr.Description,
			LatencyMs: sr.ScannerLatencyMs,
		})
		if !sr.IsValid {
			triggered = append(triggered, sr.ScannerName)
			threats = append(threats, threatResponse{
				Type:       sr.ScannerName,
				Severity:   sr.Severity,
				Confidence: float64(sr.Score),
				Detail:     sr.Description,
			})
		}
	}
	return out, triggered, threats
}

// ============================================================================
// Shared helpers
// ============================================================================

func (s *Server) writeScanError(w http.ResponseWriter, err error, validate bool) {
	apiErr := mlgateway.TranslateScanError(err, validate)
	writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
}

func (s *Server) countScan(scanType string, safe, cached bool) {
	if s.metrics == nil {
		return
	}
	verdict := "safe"
	if !safe {
		verdict = "flagged"
	}
	s.metrics.GuardScans.WithLabelValues(scanType, verdict).Inc()
	if cached {
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
}

type guardLogParams struct {
	scanType    string
	requestType string
	endpoint    string
	content     string
	model       string
	sanitized   string
	resp        *scanResponse
	cached      bool
	scanners    []string
	mlLatencyMs int64

	// latencyMs overrides the response latency; batch entries carry the
	// batch's wall-clock time.
	latencyMs int64
}

// recordGuardLog enqueues one audit entry. Full text is retained only
// for unsafe verdicts; safe traffic keeps just the hash.
func (s *Server) recordGuardLog(r *http.Request, adm *admission, p guardLogParams) {
	latency := p.latencyMs
	if latency == 0 {
		latency = p.resp.LatencyMs
	}

	entry := database.GuardLog{
		OrganizationID:    adm.org.ID,
		APIKeyID:          adm.key.ID,
		ScanType:          p.scanType,
		RequestType:       p.requestType,
		Endpoint:          p.endpoint,
		Model:             p.model,
		PromptHash:        crypto.HashPrompt(p.content),
		SanitizedPrompt:   p.sanitized,
		Safe:              p.resp.Safe,
		RiskScore:         p.resp.RiskScore,
		ThreatCategories:  p.resp.ThreatCategories,
		ScannersTriggered: p.scanners,
		LatencyMs:         int(latency),
		MLLatencyMs:       int(p.mlLatencyMs),
		Cached:            p.cached,
		ClientIP:          clientIP(r),
		UserAgent:         r.UserAgent(),
	}
	if !p.resp.Safe {
		text := p.content
		entry.PromptText = &text
	}
	s.audit.Enqueue(entry)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
