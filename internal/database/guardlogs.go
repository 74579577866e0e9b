package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// InsertGuardLogs writes a batch in one statement. The write buffer is the
// only caller; batches never exceed its flush size.
func (db *DB) InsertGuardLogs(ctx context.Context, logs []GuardLog) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 20
	var (
		sb   strings.Builder
		args = make([]any, 0, len(logs)*cols)
	)
	sb.WriteString(`
		INSERT INTO guard_log (id, organization_id, api_key_id, scan_type, request_type,
		                       endpoint, model, prompt_hash, prompt_text, sanitized_prompt,
		                       safe, risk_score, threat_categories, scanners_triggered,
		                       latency_ms, ml_latency_ms, cached, client_ip, user_agent,
		                       created_at)
		VALUES `)

	for i, l := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 1; j <= cols; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j)
		}
		sb.WriteByte(')')

		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		requestType := l.RequestType
		if requestType == "" {
			requestType = RequestTypeScan
		}
		args = append(args,
			l.ID, l.OrganizationID, l.APIKeyID, l.ScanType, requestType,
			l.Endpoint, nullIfEmpty(l.Model), l.PromptHash, l.PromptText,
			nullIfEmpty(l.SanitizedPrompt), l.Safe, l.RiskScore,
			pq.Array(l.ThreatCategories), pq.Array(l.ScannersTriggered),
			l.LatencyMs, l.MLLatencyMs, l.Cached, nullIfEmpty(l.ClientIP),
			nullIfEmpty(l.UserAgent), createdAt)
	}

	if _, err := db.pool.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert guard logs: %w", err)
	}
	return nil
}

// GuardLogFilter narrows the audit listing. Zero values mean "any".
type GuardLogFilter struct {
	APIKeyID     string
	ScanType     string
	RequestType  string
	Category     string
	IPPrefix     string
	Safe         *bool
	MinRiskScore *float64
	Search       string
	Start        *time.Time
	End          *time.Time

	// Page is 1-based offset pagination; ignored when a cursor is set.
	Page    int
	PerPage int

	// CursorCreatedAt/CursorID resume after the given (created_at, id)
	// tuple for stable deep pagination.
	CursorCreatedAt *time.Time
	CursorID        string
}

// GuardLogPage is one page of the audit listing.
type GuardLogPage struct {
	Logs       []GuardLog `json:"logs"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	PerPage    int        `json:"per_page"`
	TotalPages int64      `json:"total_pages"`
	HasPrev    bool       `json:"has_prev"`
	HasNext    bool       `json:"has_next"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ListGuardLogs returns one page ordered newest first. Ordering ties on
// created_at break on id so cursor pagination never skips rows.
func (db *DB) ListGuardLogs(ctx context.Context, orgID string, f GuardLogFilter) (*GuardLogPage, error) {
	perPage := f.PerPage
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	where := []string{"organization_id = $1"}
	args := []any{orgID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.APIKeyID != "" {
		where = append(where, "api_key_id = "+arg(f.APIKeyID))
	}
	if f.ScanType != "" {
		where = append(where, "scan_type = "+arg(f.ScanType))
	}
	if f.RequestType != "" {
		where = append(where, "request_type = "+arg(f.RequestType))
	}
	if f.Category != "" {
		where = append(where, arg(f.Category)+" = ANY(threat_categories)")
	}
	if f.IPPrefix != "" {
		where = append(where, "client_ip LIKE "+arg(likePrefix(f.IPPrefix)))
	}
	if f.Safe != nil {
		where = append(where, "safe = "+arg(*f.Safe))
	}
	if f.MinRiskScore != nil {
		where = append(where, "risk_score >= "+arg(*f.MinRiskScore))
	}
	if f.Search != "" {
		where = append(where, "prompt_text ILIKE "+arg("%"+f.Search+"%"))
	}
	if f.Start != nil {
		where = append(where, "created_at >= "+arg(*f.Start))
	}
	if f.End != nil {
		where = append(where, "created_at <= "+arg(*f.End))
	}

	// Total is counted before the cursor narrows the window.
	var total int64
	countSQL := "SELECT COUNT(*) FROM guard_log WHERE " + strings.Join(where, " AND ")
	if err := db.pool.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count guard logs: %w", err)
	}

	cursorMode := f.CursorCreatedAt != nil && f.CursorID != ""
	if cursorMode {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)",
			arg(*f.CursorCreatedAt), arg(f.CursorID)))
	}

	query := `
		SELECT id, organization_id, api_key_id, scan_type, request_type, endpoint,
		       model, prompt_hash, prompt_text, sanitized_prompt, safe, risk_score,
		       threat_categories, scanners_triggered, latency_ms, ml_latency_ms,
		       cached, client_ip, user_agent, created_at
		FROM guard_log
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC
		LIMIT ` + arg(perPage+1)
	if !cursorMode {
		query += " OFFSET " + arg((page-1)*perPage)
	}

	rows, err := db.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list guard logs: %w", err)
	}
	defer rows.Close()

	var logs []GuardLog
	for rows.Next() {
		var (
			l                     GuardLog
			model, ip, ua         sql.NullString
			promptText, sanitized sql.NullString
			categories, scanners  pq.StringArray
		)
		err := rows.Scan(&l.ID, &l.OrganizationID, &l.APIKeyID, &l.ScanType,
			&l.RequestType, &l.Endpoint, &model, &l.PromptHash, &promptText,
			&sanitized, &l.Safe, &l.RiskScore, &categories, &scanners,
			&l.LatencyMs, &l.MLLatencyMs, &l.Cached, &ip, &ua, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan guard log: %w", err)
		}
		l.Model = model.String
		l.ClientIP = ip.String
		l.UserAgent = ua.String
		if promptText.Valid {
			l.PromptText = &promptText.String
		}
		l.SanitizedPrompt = sanitized.String
		l.ThreatCategories = categories
		l.ScannersTriggered = scanners
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasNext := len(logs) > perPage
	if hasNext {
		logs = logs[:perPage]
	}

	out := &GuardLogPage{
		Logs:       logs,
		Total:      total,
		PerPage:    perPage,
		TotalPages: (total + int64(perPage) - 1) / int64(perPage),
		HasNext:    hasNext,
	}
	if cursorMode {
		// Page numbers are meaningless mid-cursor; prev always exists.
		out.Page = 0
		out.HasPrev = true
	} else {
		out.Page = page
		out.HasPrev = page > 1
	}
	if hasNext && len(logs) > 0 {
		last := logs[len(logs)-1]
		out.NextCursor = EncodeGuardLogCursor(last.CreatedAt, last.ID)
	}
	return out, nil
}

// likePrefix escapes LIKE metacharacters so an IP prefix filter stays a
// literal prefix match.
func likePrefix(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s + "%"
}

// GetGuardLogStats aggregates the period into the dashboard view.
func (db *DB) GetGuardLogStats(ctx context.Context, orgID string, since time.Time, period string) (*GuardLogStats, error) {
	stats := &GuardLogStats{
		Period:       period,
		ByThreatType: map[string]int{},
		ByScanType:   map[string]int{},
	}

	err := db.pool.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT safe),
		       COUNT(*) FILTER (WHERE safe),
		       COUNT(*) FILTER (WHERE cached),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(AVG(risk_score), 0)
		FROM guard_log
		WHERE organization_id = $1 AND created_at >= $2`,
		orgID, since).Scan(&stats.TotalRequests, &stats.BlockedCount,
		&stats.SafeCount, &stats.CachedCount, &stats.AvgLatencyMs, &stats.AvgRiskScore)
	if err != nil {
		return nil, fmt.Errorf("guard log stats: %w", err)
	}

	rows, err := db.pool.QueryContext(ctx, `
		SELECT t, COUNT(*)
		FROM guard_log, UNNEST(threat_categories) AS t
		WHERE organization_id = $1 AND created_at >= $2
		GROUP BY t`,
		orgID, since)
	if err != nil {
		return nil, fmt.Errorf("threat category breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		stats.ByThreatType[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := db.pool.QueryContext(ctx, `
		SELECT scan_type, COUNT(*)
		FROM guard_log
		WHERE organization_id = $1 AND created_at >= $2
		GROUP BY scan_type`,
		orgID, since)
	if err != nil {
		return nil, fmt.Errorf("scan type breakdown: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var (
			name string
			n    int
		)
		if err := typeRows.Scan(&name, &n); err != nil {
			return nil, err
		}
		stats.ByScanType[name] = n
	}
	return stats, typeRows.Err()
}
