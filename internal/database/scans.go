package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Scan lifecycle states.
const (
	ScanStatusQueued    = "queued"
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"
)

// severityOrder sorts critical findings first in result listings.
const severityOrder = `CASE severity
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 3
	ELSE 4 END`

type CreateScanParams struct {
	OrganizationID string
	UserID         string
	ModelConfigID  *string
	Name           string
	Provider       string
	Model          string
	BaseURL        *string
	ScanType       string
	Probes         []string
}

// CreateScan enqueues a scan, snapshotting the resolved target so a
// later retest hits the same provider/model. The orchestrator picks it
// up on its next poll tick.
func (db *DB) CreateScan(ctx context.Context, p CreateScanParams) (*Scan, error) {
	id := uuid.NewString()
	_, err := db.pool.ExecContext(ctx, `
		INSERT INTO scan (id, organization_id, user_id, model_config_id, name,
		                  provider, model, base_url, scan_type, probes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'queued')`,
		id, p.OrganizationID, nullIfEmpty(p.UserID), p.ModelConfigID,
		p.Name, nullIfEmpty(p.Provider), nullIfEmpty(p.Model), p.BaseURL,
		p.ScanType, pq.Array(p.Probes))
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	return db.getScan(ctx, "id = $1", id)
}

// GetScan fetches a scan scoped to its organization and creator; only
// the user who started a scan may see it.
func (db *DB) GetScan(ctx context.Context, orgID, userID, scanID string) (*Scan, error) {
	return db.getScan(ctx,
		"id = $1 AND organization_id = $2 AND user_id = $3", scanID, orgID, userID)
}

func (db *DB) getScan(ctx context.Context, where string, args ...any) (*Scan, error) {
	row := db.pool.QueryRowContext(ctx, `
		SELECT id, organization_id, user_id, model_config_id, sidecar_scan_id,
		       name, provider, model, base_url, scan_type, probes, status,
		       progress, probes_completed, probes_total, vulnerabilities_found,
		       risk_score, error_message, started_at, completed_at, created_at
		FROM scan WHERE `+where, args...)
	return scanScan(row)
}

// ListScans pages the caller's scans, newest first. Scans are visible
// only to their creator, even inside the organization.
func (db *DB) ListScans(ctx context.Context, orgID, userID, status string, page, perPage int) ([]Scan, int64, error) {
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	if page < 1 {
		page = 1
	}

	where := "organization_id = $1 AND user_id = $2"
	args := []any{orgID, userID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := db.pool.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scan WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scans: %w", err)
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := db.pool.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, organization_id, user_id, model_config_id, sidecar_scan_id,
		       name, provider, model, base_url, scan_type, probes, status,
		       progress, probes_completed, probes_total, vulnerabilities_found,
		       risk_score, error_message, started_at, completed_at, created_at
		FROM scan WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, 0, err
		}
		scans = append(scans, *s)
	}
	return scans, total, rows.Err()
}

// CountActiveScans counts queued plus running scans across the deployment.
// The orchestrator derives its concurrency gate from this instead of an
// in-process counter so restarts cannot leak slots.
func (db *DB) CountActiveScans(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan WHERE status IN ('queued', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active scans: %w", err)
	}
	return n, nil
}

// ClaimNextQueuedScan atomically moves the oldest queued scan to running.
// SKIP LOCKED keeps concurrent pollers from claiming the same row.
func (db *DB) ClaimNextQueuedScan(ctx context.Context) (*Scan, error) {
	row := db.pool.QueryRowContext(ctx, `
		UPDATE scan SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM scan
			WHERE status = 'queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, organization_id, user_id, model_config_id, sidecar_scan_id,
		          name, provider, model, base_url, scan_type, probes, status,
		          progress, probes_completed, probes_total, vulnerabilities_found,
		          risk_score, error_message, started_at, completed_at, created_at`)
	return scanScan(row)
}

// GetScanStatus reads just the lifecycle state, unscoped. The orchestrator
// watcher uses it to notice cancellations.
func (db *DB) GetScanStatus(ctx context.Context, scanID string) (string, error) {
	var status string
	err := db.pool.QueryRowContext(ctx,
		`SELECT status FROM scan WHERE id = $1`, scanID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get scan status: %w", err)
	}
	return status, nil
}

// SetSidecarScanID records the id the sidecar assigned to a started scan.
func (db *DB) SetSidecarScanID(ctx context.Context, scanID, sidecarID string) error {
	_, err := db.pool.ExecContext(ctx,
		`UPDATE scan SET sidecar_scan_id = $2 WHERE id = $1`, scanID, sidecarID)
	return err
}

// UpdateScanProgress refreshes the live counters while a scan runs.
func (db *DB) UpdateScanProgress(ctx context.Context, scanID string, progress, completed, total, vulns int) error {
	_, err := db.pool.ExecContext(ctx, `
		UPDATE scan SET progress = $2, probes_completed = $3,
		       probes_total = $4, vulnerabilities_found = $5
		WHERE id = $1`,
		scanID, progress, completed, total, vulns)
	return err
}

// FinishScan records the terminal state.
func (db *DB) FinishScan(ctx context.Context, scanID, status string, riskScore *float64, errorMessage string) error {
	_, err := db.pool.ExecContext(ctx, `
		UPDATE scan SET status = $2, risk_score = $3, error_message = $4,
		       progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
		       completed_at = NOW()
		WHERE id = $1`,
		scanID, status, riskScore, nullIfEmpty(errorMessage))
	return err
}

// CancelScan flips a queued or running scan to cancelled, scoped to its
// creator. Returns the sidecar scan id (if one was assigned) so the
// caller can forward the cancellation. A scan already in a terminal
// state is left untouched and reports cancelled=false.
func (db *DB) CancelScan(ctx context.Context, orgID, userID, scanID string) (sidecarID string, cancelled bool, err error) {
	var sid sql.NullString
	err = db.pool.QueryRowContext(ctx, `
		UPDATE scan SET status = 'cancelled',
		       error_message = 'Cancelled by user',
		       completed_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND user_id = $3
		  AND status IN ('running', 'queued')
		RETURNING sidecar_scan_id`,
		scanID, orgID, userID).Scan(&sid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cancel scan: %w", err)
	}
	return sid.String, true, nil
}

func scanScan(row rowScanner) (*Scan, error) {
	var (
		s                         Scan
		userID, sidecarID, errMsg sql.NullString
		modelConfigID             sql.NullString
		provider, model, baseURL  sql.NullString
		probes                    pq.StringArray
		riskScore                 sql.NullFloat64
		startedAt, completedAt    sql.NullTime
	)
	err := row.Scan(&s.ID, &s.OrganizationID, &userID, &modelConfigID, &sidecarID,
		&s.Name, &provider, &model, &baseURL, &s.ScanType, &probes, &s.Status,
		&s.Progress, &s.ProbesCompleted, &s.ProbesTotal, &s.VulnerabilitiesFound,
		&riskScore, &errMsg, &startedAt, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	s.UserID = userID.String
	s.Provider = provider.String
	s.Model = model.String
	s.Probes = probes
	if baseURL.Valid {
		s.BaseURL = &baseURL.String
	}
	if modelConfigID.Valid {
		s.ModelConfigID = &modelConfigID.String
	}
	if sidecarID.Valid {
		s.SidecarScanID = &sidecarID.String
	}
	if riskScore.Valid {
		s.RiskScore = &riskScore.Float64
	}
	if errMsg.Valid {
		s.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return &s, nil
}

// ============================================================================
// Results
// ============================================================================

// UpsertScanResults inserts findings, skipping duplicates already ingested
// by an earlier poll. Identity is (probe_name, probe_class, first 80 chars
// of attack_prompt) within the scan.
func (db *DB) UpsertScanResults(ctx context.Context, scanID string, results []ScanResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	inserted := 0
	for _, r := range results {
		res, err := db.pool.ExecContext(ctx, `
			INSERT INTO scan_result (id, scan_id, probe_name, probe_class, category,
			                         severity, description, attack_prompt, model_response,
			                         recommendation, success_rate, detector_name, probe_duration_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (scan_id, probe_name, probe_class, (left(attack_prompt, 80)))
			DO NOTHING`,
			uuid.NewString(), scanID, r.ProbeName, r.ProbeClass, r.Category,
			r.Severity, r.Description, r.AttackPrompt, r.ModelResponse,
			r.Recommendation, r.SuccessRate, r.DetectorName, r.ProbeDurationMs)
		if err != nil {
			return inserted, fmt.Errorf("upsert scan result: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// SeverityBreakdown counts findings per severity level.
type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Other    int `json:"other"`
}

// ScanResultPage is one page of findings plus the aggregate breakdown.
type ScanResultPage struct {
	Results   []ScanResult      `json:"results"`
	Total     int64             `json:"total"`
	Page      int               `json:"page"`
	PerPage   int               `json:"per_page"`
	Breakdown SeverityBreakdown `json:"severity_breakdown"`
}

// GetScanResults pages findings ordered by severity then recency.
func (db *DB) GetScanResults(ctx context.Context, scanID, severity string, page, perPage int) (*ScanResultPage, error) {
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	if page < 1 {
		page = 1
	}

	where := "scan_id = $1"
	args := []any{scanID}
	if severity != "" {
		args = append(args, severity)
		where += fmt.Sprintf(" AND severity = $%d", len(args))
	}

	out := &ScanResultPage{Page: page, PerPage: perPage}

	if err := db.pool.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scan_result WHERE "+where, args...).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("count scan results: %w", err)
	}

	// Breakdown ignores the severity filter so the chart stays complete.
	bd := db.pool.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE severity = 'critical'),
		       COUNT(*) FILTER (WHERE severity = 'high'),
		       COUNT(*) FILTER (WHERE severity = 'medium'),
		       COUNT(*) FILTER (WHERE severity = 'low'),
		       COUNT(*) FILTER (WHERE severity NOT IN ('critical','high','medium','low'))
		FROM scan_result WHERE scan_id = $1`, scanID)
	if err := bd.Scan(&out.Breakdown.Critical, &out.Breakdown.High,
		&out.Breakdown.Medium, &out.Breakdown.Low, &out.Breakdown.Other); err != nil {
		return nil, fmt.Errorf("severity breakdown: %w", err)
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := db.pool.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, scan_id, probe_name, probe_class, category, severity,
		       description, attack_prompt, model_response, recommendation,
		       success_rate, detector_name, probe_duration_ms,
		       retest_count, retest_confirmed, confirmed, created_at
		FROM scan_result
		WHERE %s
		ORDER BY %s, created_at DESC
		LIMIT $%d OFFSET $%d`, where, severityOrder, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         ScanResult
			confirmed sql.NullBool
		)
		err := rows.Scan(&r.ID, &r.ScanID, &r.ProbeName, &r.ProbeClass,
			&r.Category, &r.Severity, &r.Description, &r.AttackPrompt,
			&r.ModelResponse, &r.Recommendation, &r.SuccessRate,
			&r.DetectorName, &r.ProbeDurationMs, &r.RetestCount,
			&r.RetestConfirmed, &confirmed, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if confirmed.Valid {
			r.Confirmed = &confirmed.Bool
		}
		out.Results = append(out.Results, r)
	}
	return out, rows.Err()
}

// GetScanResult fetches one finding scoped through its scan's
// organization and creator.
func (db *DB) GetScanResult(ctx context.Context, orgID, userID, resultID string) (*ScanResult, error) {
	var (
		r         ScanResult
		confirmed sql.NullBool
	)
	err := db.pool.QueryRowContext(ctx, `
		SELECT r.id, r.scan_id, r.probe_name, r.probe_class, r.category, r.severity,
		       r.description, r.attack_prompt, r.model_response, r.recommendation,
		       r.success_rate, r.detector_name, r.probe_duration_ms,
		       r.retest_count, r.retest_confirmed, r.confirmed, r.created_at
		FROM scan_result r
		JOIN scan s ON s.id = r.scan_id
		WHERE r.id = $1 AND s.organization_id = $2 AND s.user_id = $3`,
		resultID, orgID, userID).Scan(&r.ID, &r.ScanID, &r.ProbeName, &r.ProbeClass,
		&r.Category, &r.Severity, &r.Description, &r.AttackPrompt,
		&r.ModelResponse, &r.Recommendation, &r.SuccessRate,
		&r.DetectorName, &r.ProbeDurationMs, &r.RetestCount,
		&r.RetestConfirmed, &confirmed, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan result: %w", err)
	}
	if confirmed.Valid {
		r.Confirmed = &confirmed.Bool
	}
	return &r, nil
}

// ApplyRetestOutcome folds one retest run into the finding: running
// totals accumulate, and confirmed stays NULL when no attempt actually
// ran so an errored retest never reads as "refuted".
func (db *DB) ApplyRetestOutcome(ctx context.Context, resultID string, confirmed *bool, attempts, vulnerable int) error {
	_, err := db.pool.ExecContext(ctx, `
		UPDATE scan_result
		SET confirmed = $2,
		    retest_count = retest_count + $3,
		    retest_confirmed = retest_confirmed + $4
		WHERE id = $1`,
		resultID, confirmed, attempts, vulnerable)
	return err
}

// ============================================================================
// Probe logs
// ============================================================================

// UpsertScanLogs persists per-probe execution records. Identity is
// (scan_id, probe_name, probe_class); later polls overwrite earlier
// snapshots of the same probe.
func (db *DB) UpsertScanLogs(ctx context.Context, scanID string, logs []ScanLog) error {
	for _, l := range logs {
		scores := l.DetectorScores
		if len(scores) == 0 {
			scores = json.RawMessage("[]")
		}
		_, err := db.pool.ExecContext(ctx, `
			INSERT INTO scan_log (id, scan_id, probe_name, probe_class, status,
			                      started_at_ms, completed_at_ms, duration_ms,
			                      prompts_sent, prompts_passed, prompts_failed,
			                      detector_name, detector_scores, error_message, log_lines)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (scan_id, probe_name, probe_class) DO UPDATE SET
				status = EXCLUDED.status,
				completed_at_ms = EXCLUDED.completed_at_ms,
				duration_ms = EXCLUDED.duration_ms,
				prompts_sent = EXCLUDED.prompts_sent,
				prompts_passed = EXCLUDED.prompts_passed,
				prompts_failed = EXCLUDED.prompts_failed,
				detector_scores = EXCLUDED.detector_scores,
				error_message = EXCLUDED.error_message,
				log_lines = EXCLUDED.log_lines`,
			uuid.NewString(), scanID, l.ProbeName, l.ProbeClass, l.Status,
			l.StartedAtMs, l.CompletedAtMs, l.DurationMs,
			l.PromptsSent, l.PromptsPassed, l.PromptsFailed,
			l.DetectorName, []byte(scores), nullIfEmpty(l.ErrorMessage), pq.Array(l.LogLines))
		if err != nil {
			return fmt.Errorf("upsert scan log: %w", err)
		}
	}
	return nil
}

// GetScanLogs returns the persisted probe logs in execution order.
func (db *DB) GetScanLogs(ctx context.Context, scanID string) ([]ScanLog, error) {
	rows, err := db.pool.QueryContext(ctx, `
		SELECT id, scan_id, probe_name, probe_class, status, started_at_ms,
		       completed_at_ms, duration_ms, prompts_sent, prompts_passed,
		       prompts_failed, detector_name, detector_scores, error_message,
		       log_lines, created_at
		FROM scan_log
		WHERE scan_id = $1
		ORDER BY started_at_ms ASC`,
		scanID)
	if err != nil {
		return nil, fmt.Errorf("get scan logs: %w", err)
	}
	defer rows.Close()

	var logs []ScanLog
	for rows.Next() {
		var (
			l        ScanLog
			scores   []byte
			errMsg   sql.NullString
			logLines pq.StringArray
		)
		err := rows.Scan(&l.ID, &l.ScanID, &l.ProbeName, &l.ProbeClass, &l.Status,
			&l.StartedAtMs, &l.CompletedAtMs, &l.DurationMs, &l.PromptsSent,
			&l.PromptsPassed, &l.PromptsFailed, &l.DetectorName, &scores,
			&errMsg, &logLines, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		l.DetectorScores = json.RawMessage(scores)
		l.ErrorMessage = errMsg.String
		l.LogLines = logLines
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ============================================================================
// Retests
// ============================================================================

type InsertRetestParams struct {
	ScanID           string
	ScanResultID     string
	ProbeName        string
	AttackPrompt     string
	TotalAttempts    int
	VulnerableCount  int
	SafeCount        int
	ConfirmationRate float64
	Confirmed        bool
	Attempts         json.RawMessage
	Status           string
	ErrorMessage     string
}

func (db *DB) InsertScanRetest(ctx context.Context, p InsertRetestParams) (*ScanRetest, error) {
	id := uuid.NewString()
	attempts := p.Attempts
	if len(attempts) == 0 {
		attempts = json.RawMessage("[]")
	}
	row := db.pool.QueryRowContext(ctx, `
		INSERT INTO scan_retest (id, scan_id, scan_result_id, probe_name, attack_prompt,
		                         total_attempts, vulnerable_count, safe_count,
		                         confirmation_rate, confirmed, attempts, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`,
		id, p.ScanID, p.ScanResultID, p.ProbeName, p.AttackPrompt,
		p.TotalAttempts, p.VulnerableCount, p.SafeCount,
		p.ConfirmationRate, p.Confirmed, []byte(attempts), p.Status,
		nullIfEmpty(p.ErrorMessage))

	r := &ScanRetest{
		ID: id, ScanID: p.ScanID, ScanResultID: p.ScanResultID,
		ProbeName: p.ProbeName, AttackPrompt: p.AttackPrompt,
		TotalAttempts: p.TotalAttempts, VulnerableCount: p.VulnerableCount,
		SafeCount: p.SafeCount, ConfirmationRate: p.ConfirmationRate,
		Confirmed: p.Confirmed, Attempts: attempts, Status: p.Status,
		ErrorMessage: p.ErrorMessage,
	}
	if err := row.Scan(&r.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert retest: %w", err)
	}
	return r, nil
}
