// Package mlservice mirrors the ML scanning sidecar's gRPC contract
// (ml_service.proto). Messages carry hand-rolled protobuf wire
// encoding in marshal.go / unmarshal.go so the client interoperates
// with the sidecar's generated stubs without a codegen step.
package mlservice

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified method names on the sidecar service.
const (
	MethodHealthCheck     = "/ml_service.MlService/HealthCheck"
	MethodScanPrompt      = "/ml_service.MlService/ScanPrompt"
	MethodScanOutput      = "/ml_service.MlService/ScanOutput"
	MethodAdvancedScan    = "/ml_service.MlService/AdvancedScan"
	MethodStartGarakScan  = "/ml_service.MlService/StartGarakScan"
	MethodGetGarakStatus  = "/ml_service.MlService/GetGarakStatus"
	MethodCancelGarakScan = "/ml_service.MlService/CancelGarakScan"
	MethodRetestProbe     = "/ml_service.MlService/RetestProbe"
	MethodListGarakProbes = "/ml_service.MlService/ListGarakProbes"
	MethodGetScanLogs     = "/ml_service.MlService/GetScanLogs"
)

type Empty struct{}

// ============================================================================
// Health
// ============================================================================

type HealthInfo struct {
	Healthy                 bool     `json:"healthy"`
	Version                 string   `json:"version"`
	AvailableInputScanners  []string `json:"available_input_scanners"`
	AvailableOutputScanners []string `json:"available_output_scanners"`
}

// ============================================================================
// Simple prompt / output scans
// ============================================================================

type ScanRequest struct {
	Prompt         string `json:"prompt"`
	CheckInjection bool   `json:"check_injection"`
	CheckToxicity  bool   `json:"check_toxicity"`
	CheckPII       bool   `json:"check_pii"`
	Sanitize       bool   `json:"sanitize"`
}

type Threat struct {
	ThreatType  string  `json:"threat_type"`
	Confidence  float32 `json:"confidence"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"`
}

type ScanResult struct {
	Safe            bool     `json:"safe"`
	SanitizedPrompt string   `json:"sanitized_prompt,omitempty"`
	RiskScore       float32  `json:"risk_score"`
	Threats         []Threat `json:"threats"`
	LatencyMs       int32    `json:"latency_ms"`
}

type OutputScanRequest struct {
	Output         string `json:"output"`
	OriginalPrompt string `json:"original_prompt,omitempty"`
}

type OutputIssue struct {
	IssueType   string `json:"issue_type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type OutputScanResult struct {
	Safe            bool          `json:"safe"`
	SanitizedOutput string        `json:"sanitized_output,omitempty"`
	Issues          []OutputIssue `json:"issues"`
	LatencyMs       int32         `json:"latency_ms"`
}

// ============================================================================
// Advanced scan
// ============================================================================

// ScanMode is the proto ScanMode enum.
type ScanMode int32

const (
	ScanModePromptOnly ScanMode = 0
	ScanModeOutputOnly ScanMode = 1
	ScanModeBoth       ScanMode = 2
)

// String returns the API-facing name of the mode.
func (m ScanMode) String() string {
	switch m {
	case ScanModeOutputOnly:
		return "output_only"
	case ScanModeBoth:
		return "both"
	default:
		return "prompt_only"
	}
}

// ScanModeFromString maps an API-facing mode name onto the wire enum.
// Unknown names fall back to prompt-only, matching the sidecar's
// handling of unknown enum values.
func ScanModeFromString(s string) ScanMode {
	switch s {
	case "output_only":
		return ScanModeOutputOnly
	case "both":
		return ScanModeBoth
	default:
		return ScanModePromptOnly
	}
}

// ScannerConfig is the per-scanner wire config. SettingsJSON is an opaque
// string the sidecar interprets per scanner.
type ScannerConfig struct {
	Enabled      bool    `json:"enabled"`
	Threshold    float32 `json:"threshold"`
	SettingsJSON string  `json:"settings_json"`
}

type AdvancedScanRequest struct {
	Prompt         string                   `json:"prompt"`
	Output         string                   `json:"output"`
	ScanMode       ScanMode                 `json:"scan_mode"`
	InputScanners  map[string]ScannerConfig `json:"input_scanners"`
	OutputScanners map[string]ScannerConfig `json:"output_scanners"`
	Sanitize       bool                     `json:"sanitize"`
	FailFast       bool                     `json:"fail_fast"`
}

type ScannerResult struct {
	ScannerName      string  `json:"scanner_name"`
	IsValid          bool    `json:"is_valid"`
	Score            float32 `json:"score"`
	Description      string  `json:"description"`
	Severity         string  `json:"severity"`
	ScannerLatencyMs int32   `json:"scanner_latency_ms"`
}

type AdvancedScanResult struct {
	Safe              bool            `json:"safe"`
	SanitizedPrompt   string          `json:"sanitized_prompt,omitempty"`
	SanitizedOutput   string          `json:"sanitized_output,omitempty"`
	RiskScore         float32         `json:"risk_score"`
	InputResults      []ScannerResult `json:"input_results"`
	OutputResults     []ScannerResult `json:"output_results"`
	LatencyMs         int32           `json:"latency_ms"`
	ScanMode          ScanMode        `json:"scan_mode"`
	InputScannersRun  int32           `json:"input_scanners_run"`
	OutputScannersRun int32           `json:"output_scanners_run"`
}

// ============================================================================
// Garak red-team scans
// ============================================================================

// CustomEndpointConfig targets an arbitrary REST endpoint; the request
// template carries a {{prompt}} placeholder.
type CustomEndpointConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	RequestTemplate string            `json:"request_template"`
	ResponsePath    string            `json:"response_path"`
	Headers         map[string]string `json:"headers,omitempty"`
}

type StartGarakScanRequest struct {
	Provider           string                `json:"provider"`
	Model              string                `json:"model"`
	APIKey             string                `json:"api_key,omitempty"`
	BaseURL            string                `json:"base_url,omitempty"`
	Probes             []string              `json:"probes"`
	ScanType           string                `json:"scan_type"`
	CustomEndpoint     *CustomEndpointConfig `json:"custom_endpoint,omitempty"`
	MaxPromptsPerProbe int32                 `json:"max_prompts_per_probe,omitempty"`
}

type StartGarakScanResponse struct {
	ScanID                   string `json:"scan_id"`
	Status                   string `json:"status"`
	EstimatedDurationSeconds int32  `json:"estimated_duration_seconds"`
}

type GarakStatusRequest struct {
	ScanID string `json:"scan_id"`
}

type Vulnerability struct {
	ProbeName       string  `json:"probe_name"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Description     string  `json:"description"`
	AttackPrompt    string  `json:"attack_prompt"`
	ModelResponse   string  `json:"model_response"`
	Recommendation  string  `json:"recommendation"`
	SuccessRate     float32 `json:"success_rate"`
	DetectorName    string  `json:"detector_name"`
	ProbeClass      string  `json:"probe_class"`
	ProbeDurationMs int32   `json:"probe_duration_ms"`
}

// ProbeLog is the verbose per-probe execution record streamed back while a
// scan runs.
type ProbeLog struct {
	ProbeName      string    `json:"probe_name"`
	ProbeClass     string    `json:"probe_class"`
	Status         string    `json:"status"`
	StartedAtMs    int64     `json:"started_at_ms"`
	CompletedAtMs  int64     `json:"completed_at_ms"`
	DurationMs     int32     `json:"duration_ms"`
	PromptsSent    int32     `json:"prompts_sent"`
	PromptsPassed  int32     `json:"prompts_passed"`
	PromptsFailed  int32     `json:"prompts_failed"`
	DetectorName   string    `json:"detector_name"`
	DetectorScores []float32 `json:"detector_scores"`
	ErrorMessage   string    `json:"error_message"`
	LogLines       []string  `json:"log_lines"`
}

type GarakStatusResult struct {
	ScanID               string          `json:"scan_id"`
	Status               string          `json:"status"`
	Progress             int32           `json:"progress"`
	ProbesCompleted      int32           `json:"probes_completed"`
	ProbesTotal          int32           `json:"probes_total"`
	VulnerabilitiesFound int32           `json:"vulnerabilities_found"`
	Vulnerabilities      []Vulnerability `json:"vulnerabilities"`
	ProbeLogs            []ProbeLog      `json:"probe_logs"`
	ErrorMessage         string          `json:"error_message"`
}

type CancelGarakScanResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RetestRequest struct {
	ScanID       string `json:"scan_id"`
	ProbeName    string `json:"probe_name"`
	ProbeClass   string `json:"probe_class"`
	AttackPrompt string `json:"attack_prompt"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
	NumAttempts  int32  `json:"num_attempts"`
}

type RetestAttempt struct {
	AttemptNumber int32   `json:"attempt_number"`
	IsVulnerable  bool    `json:"is_vulnerable"`
	ModelResponse string  `json:"model_response"`
	DetectorScore float32 `json:"detector_score"`
	DurationMs    int32   `json:"duration_ms"`
	ErrorMessage  string  `json:"error_message"`
}

type RetestResult struct {
	ProbeName        string          `json:"probe_name"`
	AttackPrompt     string          `json:"attack_prompt"`
	TotalAttempts    int32           `json:"total_attempts"`
	VulnerableCount  int32           `json:"vulnerable_count"`
	SafeCount        int32           `json:"safe_count"`
	ConfirmationRate float32         `json:"confirmation_rate"`
	Results          []RetestAttempt `json:"results"`
	Status           string          `json:"status"`
	ErrorMessage     string          `json:"error_message"`
}

type GarakProbeCategory struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Icon        string   `json:"icon"`
	ProbeIDs    []string `json:"probe_ids"`
}

type GarakProbe struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	SeverityRange  string   `json:"severity_range"`
	DefaultEnabled bool     `json:"default_enabled"`
	Tags           []string `json:"tags"`
	ClassPaths     []string `json:"class_paths"`
	Available      bool     `json:"available"`
}

type GarakProbeList struct {
	Categories []GarakProbeCategory `json:"categories"`
	Probes     []GarakProbe         `json:"probes"`
}

type ScanLogsResult struct {
	ScanID           string     `json:"scan_id"`
	Logs             []ProbeLog `json:"logs"`
	TotalProbes      int32      `json:"total_probes"`
	TotalPromptsSent int32      `json:"total_prompts_sent"`
	TotalDurationMs  int32      `json:"total_duration_ms"`
}

// ============================================================================
// Client surface
// ============================================================================

// MLServiceClient is the call surface the control plane consumes. The
// concrete implementation lives in internal/mlgateway and drives a
// *grpc.ClientConn; tests substitute fakes.
type MLServiceClient interface {
	HealthCheck(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*HealthInfo, error)
	ScanPrompt(ctx context.Context, in *ScanRequest, opts ...grpc.CallOption) (*ScanResult, error)
	ScanOutput(ctx context.Context, in *OutputScanRequest, opts ...grpc.CallOption) (*OutputScanResult, error)
	AdvancedScan(ctx context.Context, in *AdvancedScanRequest, opts ...grpc.CallOption) (*AdvancedScanResult, error)
	StartGarakScan(ctx context.Context, in *StartGarakScanRequest, opts ...grpc.CallOption) (*StartGarakScanResponse, error)
	GetGarakStatus(ctx context.Context, in *GarakStatusRequest, opts ...grpc.CallOption) (*GarakStatusResult, error)
	CancelGarakScan(ctx context.Context, in *GarakStatusRequest, opts ...grpc.CallOption) (*CancelGarakScanResponse, error)
	RetestProbe(ctx context.Context, in *RetestRequest, opts ...grpc.CallOption) (*RetestResult, error)
	ListGarakProbes(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GarakProbeList, error)
	GetScanLogs(ctx context.Context, in *GarakStatusRequest, opts ...grpc.CallOption) (*ScanLogsResult, error)
}
