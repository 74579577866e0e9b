package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Image         string    `json:"image,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionInfo is a session row joined with its user, resolved from the
// better-auth session token.
type SessionInfo struct {
	SessionID            string
	Token                string
	UserID               string
	ExpiresAt            time.Time
	ActiveOrganizationID sql.NullString
	User                 User
}

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Logo      string    `json:"logo,omitempty"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

type Subscription struct {
	ID          string     `json:"id"`
	ReferenceID string     `json:"reference_id"`
	Plan        string     `json:"plan"`
	Status      string     `json:"status"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Seats       int        `json:"seats"`
}

// ============================================================================
// API keys
// ============================================================================

// DefaultRateLimitRPM applies when a key is created without an explicit
// per-minute limit.
const DefaultRateLimitRPM = 1000

// APIKey is the persisted key record. The full key never touches the
// database, only its SHA-256 hash and display prefix.
type APIKey struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	KeyPrefix      string          `json:"key_prefix"`
	Scopes         []string        `json:"scopes"`
	RateLimitRPM   int             `json:"rate_limit_rpm"`
	MonthlyQuota   *int64          `json:"monthly_quota,omitempty"`
	Plan           *string         `json:"plan,omitempty"`
	GuardConfig    json.RawMessage `json:"guard_config,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	RevokedAt      *time.Time      `json:"revoked_at,omitempty"`
	LastUsedAt     *time.Time      `json:"last_used_at,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ============================================================================
// Guard logs
// ============================================================================

// Audit request types.
const (
	RequestTypeScan           = "scan"
	RequestTypeValidate       = "validate"
	RequestTypeBatch          = "batch"
	RequestTypeAdvancedPrompt = "advanced_prompt"
	RequestTypeAdvancedOutput = "advanced_output"
	RequestTypeAdvancedBoth   = "advanced_both"
)

// GuardLog is one admission decision recorded by the write buffer.
// PromptText is set only for unsafe verdicts; safe prompts keep just
// the hash.
type GuardLog struct {
	ID                string          `json:"id"`
	OrganizationID    string          `json:"organization_id"`
	APIKeyID          string          `json:"api_key_id"`
	ScanType          string          `json:"scan_type"`
	RequestType       string          `json:"request_type"`
	Endpoint          string          `json:"endpoint"`
	Model             string          `json:"model,omitempty"`
	PromptHash        string          `json:"prompt_hash"`
	PromptText        *string         `json:"prompt_text,omitempty"`
	SanitizedPrompt   string          `json:"sanitized_prompt,omitempty"`
	Safe              bool            `json:"safe"`
	RiskScore         float64         `json:"risk_score"`
	ThreatCategories  []string        `json:"threat_categories"`
	ScannersTriggered []string        `json:"scanners_triggered"`
	LatencyMs         int             `json:"latency_ms"`
	MLLatencyMs       int             `json:"ml_latency_ms"`
	Cached            bool            `json:"cached"`
	ClientIP          string          `json:"client_ip,omitempty"`
	UserAgent         string          `json:"user_agent,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// GuardLogStats is the aggregate view over a time period.
type GuardLogStats struct {
	Period        string         `json:"period"`
	TotalRequests int64          `json:"total_requests"`
	BlockedCount  int64          `json:"blocked_count"`
	SafeCount     int64          `json:"safe_count"`
	CachedCount   int64          `json:"cached_count"`
	AvgLatencyMs  float64        `json:"avg_latency_ms"`
	AvgRiskScore  float64        `json:"avg_risk_score"`
	ByThreatType  map[string]int `json:"by_threat_type"`
	ByScanType    map[string]int `json:"by_scan_type"`
}

// ============================================================================
// Red-team scans
// ============================================================================

// Scan snapshots provider, model, and base_url at start so retests
// keep targeting what the scan actually ran against, even after the
// model config changes.
type Scan struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organization_id"`
	UserID               string     `json:"user_id,omitempty"`
	ModelConfigID        *string    `json:"model_config_id,omitempty"`
	SidecarScanID        *string    `json:"sidecar_scan_id,omitempty"`
	Name                 string     `json:"name"`
	Provider             string     `json:"provider,omitempty"`
	Model                string     `json:"model,omitempty"`
	BaseURL              *string    `json:"base_url,omitempty"`
	ScanType             string     `json:"scan_type"`
	Probes               []string   `json:"probes"`
	Status               string     `json:"status"`
	Progress             int        `json:"progress"`
	ProbesCompleted      int        `json:"probes_completed"`
	ProbesTotal          int        `json:"probes_total"`
	VulnerabilitiesFound int        `json:"vulnerabilities_found"`
	RiskScore            *float64   `json:"risk_score,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type ScanResult struct {
	ID              string    `json:"id"`
	ScanID          string    `json:"scan_id"`
	ProbeName       string    `json:"probe_name"`
	ProbeClass      string    `json:"probe_class"`
	Category        string    `json:"category"`
	Severity        string    `json:"severity"`
	Description     string    `json:"description"`
	AttackPrompt    string    `json:"attack_prompt"`
	ModelResponse   string    `json:"model_response"`
	Recommendation  string    `json:"recommendation"`
	SuccessRate     float64   `json:"success_rate"`
	DetectorName    string    `json:"detector_name"`
	ProbeDurationMs int       `json:"probe_duration_ms"`
	RetestCount     int       `json:"retest_count"`
	RetestConfirmed int       `json:"retest_confirmed"`
	Confirmed       *bool     `json:"confirmed,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type ScanLog struct {
	ID             string          `json:"id"`
	ScanID         string          `json:"scan_id"`
	ProbeName      string          `json:"probe_name"`
	ProbeClass     string          `json:"probe_class"`
	Status         string          `json:"status"`
	StartedAtMs    int64           `json:"started_at_ms"`
	CompletedAtMs  int64           `json:"completed_at_ms"`
	DurationMs     int             `json:"duration_ms"`
	PromptsSent    int             `json:"prompts_sent"`
	PromptsPassed  int             `json:"prompts_passed"`
	PromptsFailed  int             `json:"prompts_failed"`
	DetectorName   string          `json:"detector_name"`
	DetectorScores json.RawMessage `json:"detector_scores,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	LogLines       []string        `json:"log_lines,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type ScanRetest struct {
	ID               string          `json:"id"`
	ScanID           string          `json:"scan_id"`
	ScanResultID     string          `json:"scan_result_id"`
	ProbeName        string          `json:"probe_name"`
	AttackPrompt     string          `json:"attack_prompt"`
	TotalAttempts    int             `json:"total_attempts"`
	VulnerableCount  int             `json:"vulnerable_count"`
	SafeCount        int             `json:"safe_count"`
	ConfirmationRate float64         `json:"confirmation_rate"`
	Confirmed        bool            `json:"confirmed"`
	Attempts         json.RawMessage `json:"attempts,omitempty"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ============================================================================
// Model configs
// ============================================================================

// ModelConfig is a saved scan target. APIKeyEncrypted holds the sealed
// provider credential, never the plaintext.
type ModelConfig struct {
	ID              string          `json:"id"`
	OrganizationID  string          `json:"organization_id"`
	Name            string          `json:"name"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	APIKeyEncrypted *string         `json:"-"`
	BaseURL         *string         `json:"base_url,omitempty"`
	CustomEndpoint  json.RawMessage `json:"custom_endpoint,omitempty"`
	IsDefault       bool            `json:"is_default"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
