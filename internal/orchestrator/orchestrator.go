// Package orchestrator drives red-team scans end to end: it claims queued
// scans under a concurrency gate, starts them on the ML sidecar, and
// polls their status into the database until they finish.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/pb/mlservice"
)

const (
	defaultMaxConcurrent   = 4
	defaultPollInterval    = 5 * time.Second
	defaultMaxPollFailures = 10
)

// Store is the database surface the orchestrator consumes.
type Store interface {
	CountActiveScans(ctx context.Context) (int, error)
	ClaimNextQueuedScan(ctx context.Context) (*database.Scan, error)
	GetScanStatus(ctx context.Context, scanID string) (string, error)
	GetModelConfig(ctx context.Context, orgID, configID string) (*database.ModelConfig, error)
	GetDefaultModelConfig(ctx context.Context, orgID string) (*database.ModelConfig, error)
	SetSidecarScanID(ctx context.Context, scanID, sidecarID string) error
	UpdateScanProgress(ctx context.Context, scanID string, progress, completed, total, vulns int) error
	UpsertScanResults(ctx context.Context, scanID string, results []database.ScanResult) (int, error)
	UpsertScanLogs(ctx context.Context, scanID string, logs []database.ScanLog) error
	FinishScan(ctx context.Context, scanID, status string, riskScore *float64, errorMessage string) error
}

// Options tune the orchestrator loop.
type Options struct {
	MaxConcurrent   int
	PollInterval    time.Duration
	MaxPollFailures int

	// OnScanStarted fires after a scan is handed to the sidecar.
	OnScanStarted func(scanID string)
}

type Orchestrator struct {
	store   Store
	sidecar mlservice.MLServiceClient
	sealer  *crypto.Sealer
	opts    Options
}

func New(store Store, sidecar mlservice.MLServiceClient, sealer *crypto.Sealer, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = defaultMaxPollFailures
	}
	return &Orchestrator{store: store, sidecar: sidecar, sealer: sealer, opts: opts}
}

// Run polls for queued scans until ctx is cancelled. The concurrency gate
// is derived from the database, not an in-process counter, so restarts
// and horizontal peers share it.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("🔬 [Orchestrator] running (max %d concurrent scans)", o.opts.MaxConcurrent)
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orchestrator] stopped")
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	running, err := o.store.CountActiveScans(ctx)
	if err != nil {
		log.Printf("⚠️ [Orchestrator] count active scans: %v", err)
		return
	}

	for running < o.opts.MaxConcurrent {
		scan, err := o.store.ClaimNextQueuedScan(ctx)
		if err == database.ErrNotFound {
			return
		}
		if err != nil {
			log.Printf("⚠️ [Orchestrator] claim scan: %v", err)
			return
		}
		running++
		go o.runScan(ctx, scan)
	}
}

func (o *Orchestrator) runScan(ctx context.Context, scan *database.Scan) {
	log.Printf("🚀 [Orchestrator] starting scan %s (%s, %d probes)", scan.ID, scan.ScanType, len(scan.Probes))

	req, err := o.buildStartRequest(ctx, scan)
	if err != nil {
		log.Printf("❌ [Orchestrator] scan %s: %v", scan.ID, err)
		o.finish(scan.ID, database.ScanStatusFailed, nil, err.Error())
		return
	}

	resp, err := o.sidecar.StartGarakScan(ctx, req)
	if err != nil {
		log.Printf("❌ [Orchestrator] scan %s: sidecar start: %v", scan.ID, err)
		o.finish(scan.ID, database.ScanStatusFailed, nil, "Failed to start scan on the ML service")
		return
	}

	if err := o.store.SetSidecarScanID(ctx, scan.ID, resp.ScanID); err != nil {
		log.Printf("⚠️ [Orchestrator] scan %s: record sidecar id: %v", scan.ID, err)
	}
	if o.opts.OnScanStarted != nil {
		o.opts.OnScanStarted(scan.ID)
	}

	o.watch(ctx, scan.ID, resp.ScanID)
}

// buildStartRequest assembles the sidecar request from the scan row's
// target snapshot, falling back to the model config for whatever the
// snapshot lacks (always the credential, which is never snapshotted).
func (o *Orchestrator) buildStartRequest(ctx context.Context, scan *database.Scan) (*mlservice.StartGarakScanRequest, error) {
	req := &mlservice.StartGarakScanRequest{
		Provider: scan.Provider,
		Model:    scan.Model,
		Probes:   scan.Probes,
		ScanType: scan.ScanType,
	}
	if scan.BaseURL != nil {
		req.BaseURL = *scan.BaseURL
	}

	var (
		mc  *database.ModelConfig
		err error
	)
	if scan.ModelConfigID != nil {
		mc, err = o.store.GetModelConfig(ctx, scan.OrganizationID, *scan.ModelConfigID)
	} else {
		mc, err = o.store.GetDefaultModelConfig(ctx, scan.OrganizationID)
	}
	if err == database.ErrNotFound {
		// A complete snapshot can run without a surviving config, but the
		// provider credential only lives on the config.
		if req.Provider == "" || req.Model == "" {
			return nil, fmt.Errorf("no model config available for scan")
		}
		mc = nil
	} else if err != nil {
		return nil, fmt.Errorf("resolve model config: %w", err)
	}

	if mc != nil {
		if req.Provider == "" {
			req.Provider = mc.Provider
		}
		if req.Model == "" {
			req.Model = mc.Model
		}
		if req.BaseURL == "" && mc.BaseURL != nil {
			req.BaseURL = *mc.BaseURL
		}
		if mc.APIKeyEncrypted != nil {
			apiKey, err := o.sealer.Decrypt(*mc.APIKeyEncrypted)
			if err != nil {
				return nil, fmt.Errorf("decrypt provider credential: %w", err)
			}
			req.APIKey = apiKey
		}
		if len(mc.CustomEndpoint) > 0 {
			var ce mlservice.CustomEndpointConfig
			if err := json.Unmarshal(mc.CustomEndpoint, &ce); err != nil {
				return nil, fmt.Errorf("parse custom endpoint: %w", err)
			}
			req.CustomEndpoint = &ce
		}
	}

	// Custom providers talk to an arbitrary HTTP endpoint; synthesize the
	// endpoint config from the base URL when the config didn't carry one.
	if req.Provider == "custom" && req.CustomEndpoint == nil {
		if req.BaseURL == "" {
			return nil, fmt.Errorf("custom provider requires a base URL")
		}
		req.CustomEndpoint = &mlservice.CustomEndpointConfig{
			URL:    req.BaseURL,
			Method: "POST",
		}
		if req.APIKey != "" {
			req.CustomEndpoint.Headers = map[string]string{
				"Authorization": "Bearer " + req.APIKey,
			}
		}
	}

	return req, nil
}

// watch polls sidecar status into the database until the scan reaches a
// terminal state. Scans have no client-side timeout; the sidecar owns
// their duration.
func (o *Orchestrator) watch(ctx context.Context, scanID, sidecarID string) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Cancellation lands in the database first; stop polling for it.
		if status, err := o.store.GetScanStatus(ctx, scanID); err == nil &&
			status == database.ScanStatusCancelled {
			log.Printf("🛑 [Orchestrator] scan %s cancelled, watcher exiting", scanID)
			return
		}

		st, err := o.sidecar.GetGarakStatus(ctx, &mlservice.GarakStatusRequest{ScanID: sidecarID})
		if err != nil {
			failures++
			log.Printf("⚠️ [Orchestrator] scan %s: status poll %d/%d failed: %v",
				scanID, failures, o.opts.MaxPollFailures, err)
			if failures >= o.opts.MaxPollFailures {
				o.finish(scanID, database.ScanStatusFailed, nil, "Lost contact with the ML service")
				return
			}
			continue
		}
		failures = 0

		o.ingest(ctx, scanID, st)

		switch st.Status {
		case "completed":
			risk := RiskScore(st.Vulnerabilities)
			o.finish(scanID, database.ScanStatusCompleted, &risk, "")
			log.Printf("✅ [Orchestrator] scan %s completed (%d findings, risk %.2f)",
				scanID, len(st.Vulnerabilities), risk)
			return
		case "failed", "error":
			msg := st.ErrorMessage
			if msg == "" {
				msg = "Scan failed on the ML service"
			}
			o.finish(scanID, database.ScanStatusFailed, nil, msg)
			return
		case "cancelled":
			o.finish(scanID, database.ScanStatusCancelled, nil, "Cancelled by user")
			return
		}
	}
}

// ingest persists one status snapshot: progress counters, new findings,
// and finished probe logs.
func (o *Orchestrator) ingest(ctx context.Context, scanID string, st *mlservice.GarakStatusResult) {
	err := o.store.UpdateScanProgress(ctx, scanID, int(st.Progress),
		int(st.ProbesCompleted), int(st.ProbesTotal), int(st.VulnerabilitiesFound))
	if err != nil {
		log.Printf("⚠️ [Orchestrator] scan %s: progress update: %v", scanID, err)
	}

	if len(st.Vulnerabilities) > 0 {
		results := make([]database.ScanResult, 0, len(st.Vulnerabilities))
		for _, v := range st.Vulnerabilities {
			results = append(results, database.ScanResult{
				ProbeName:       v.ProbeName,
				ProbeClass:      v.ProbeClass,
				Category:        v.Category,
				Severity:        v.Severity,
				Description:     v.Description,
				AttackPrompt:    v.AttackPrompt,
				ModelResponse:   v.ModelResponse,
				Recommendation:  v.Recommendation,
				SuccessRate:     float64(v.SuccessRate),
				DetectorName:    v.DetectorName,
				ProbeDurationMs: int(v.ProbeDurationMs),
			})
		}
		if _, err := o.store.UpsertScanResults(ctx, scanID, results); err != nil {
			log.Printf("⚠️ [Orchestrator] scan %s: ingest results: %v", scanID, err)
		}
	}

	// Probes still running get persisted on a later poll once they settle.
	var settled []database.ScanLog
	for _, pl := range st.ProbeLogs {
		if pl.Status == "running" {
			continue
		}
		scores, _ := json.Marshal(pl.DetectorScores)
		settled = append(settled, database.ScanLog{
			ProbeName:      pl.ProbeName,
			ProbeClass:     pl.ProbeClass,
			Status:         pl.Status,
			StartedAtMs:    pl.StartedAtMs,
			CompletedAtMs:  pl.CompletedAtMs,
			DurationMs:     int(pl.DurationMs),
			PromptsSent:    int(pl.PromptsSent),
			PromptsPassed:  int(pl.PromptsPassed),
			PromptsFailed:  int(pl.PromptsFailed),
			DetectorName:   pl.DetectorName,
			DetectorScores: scores,
			ErrorMessage:   pl.ErrorMessage,
			LogLines:       pl.LogLines,
		})
	}
	if len(settled) > 0 {
		if err := o.store.UpsertScanLogs(ctx, scanID, settled); err != nil {
			log.Printf("⚠️ [Orchestrator] scan %s: ingest probe logs: %v", scanID, err)
		}
	}
}

func (o *Orchestrator) finish(scanID, status string, risk *float64, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.FinishScan(ctx, scanID, status, risk, errMsg); err != nil {
		log.Printf("❌ [Orchestrator] scan %s: finish: %v", scanID, err)
	}
}

// RiskScore averages finding severities, capped at 1.0.
func RiskScore(vulns []mlservice.Vulnerability) float64 {
	if len(vulns) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range vulns {
		total += severityWeight(v.Severity)
	}
	score := total / float64(len(vulns))
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func severityWeight(severity string) float64 {
	switch severity {
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
