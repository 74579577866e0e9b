package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/pb/mlservice"
)

// fakeStore records orchestrator writes in memory.
type fakeStore struct {
	mu sync.Mutex

	queued      []*database.Scan
	running     int
	modelConfig *database.ModelConfig

	statuses     map[string]string
	sidecarIDs   map[string]string
	progress     map[string][4]int
	results      map[string][]database.ScanResult
	logs         map[string][]database.ScanLog
	finished     map[string]string
	finishedRisk map[string]*float64
	finishedMsg  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:     map[string]string{},
		sidecarIDs:   map[string]string{},
		progress:     map[string][4]int{},
		results:      map[string][]database.ScanResult{},
		logs:         map[string][]database.ScanLog{},
		finished:     map[string]string{},
		finishedRisk: map[string]*float64{},
		finishedMsg:  map[string]string{},
	}
}

func (f *fakeStore) CountActiveScans(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeStore) ClaimNextQueuedScan(context.Context) (*database.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return nil, database.ErrNotFound
	}
	s := f.queued[0]
	f.queued = f.queued[1:]
	f.running++
	f.statuses[s.ID] = database.ScanStatusRunning
	return s, nil
}

func (f *fakeStore) GetScanStatus(_ context.Context, scanID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[scanID]; ok {
		return s, nil
	}
	return "", database.ErrNotFound
}

func (f *fakeStore) GetModelConfig(_ context.Context, _, _ string) (*database.ModelConfig, error) {
	return f.getConfig()
}

func (f *fakeStore) GetDefaultModelConfig(_ context.Context, _ string) (*database.ModelConfig, error) {
	return f.getConfig()
}

func (f *fakeStore) getConfig() (*database.ModelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelConfig == nil {
		return nil, database.ErrNotFound
	}
	return f.modelConfig, nil
}

func (f *fakeStore) SetSidecarScanID(_ context.Context, scanID, sidecarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sidecarIDs[scanID] = sidecarID
	return nil
}

func (f *fakeStore) UpdateScanProgress(_ context.Context, scanID string, progress, completed, total, vulns int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[scanID] = [4]int{progress, completed, total, vulns}
	return nil
}

func (f *fakeStore) UpsertScanResults(_ context.Context, scanID string, results []database.ScanResult) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[scanID] = append(f.results[scanID], results...)
	return len(results), nil
}

func (f *fakeStore) UpsertScanLogs(_ context.Context, scanID string, logs []database.ScanLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[scanID] = append(f.logs[scanID], logs...)
	return nil
}

func (f *fakeStore) FinishScan(_ context.Context, scanID, status string, risk *float64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--
	f.statuses[scanID] = status
	f.finished[scanID] = status
	f.finishedRisk[scanID] = risk
	f.finishedMsg[scanID] = msg
	return nil
}

func (f *fakeStore) finishedStatus(scanID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.finished[scanID]
	return s, ok
}

// fakeSidecar scripts a sequence of status snapshots.
type fakeSidecar struct {
	mlservice.MLServiceClient

	mu        sync.Mutex
	startErr  error
	statusErr error
	snapshots []*mlservice.GarakStatusResult
	started   []*mlservice.StartGarakScanRequest
}

func (f *fakeSidecar) StartGarakScan(_ context.Context, in *mlservice.StartGarakScanRequest, _ ...grpc.CallOption) (*mlservice.StartGarakScanResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, in)
	return &mlservice.StartGarakScanResponse{ScanID: "sidecar-1", Status: "running"}, nil
}

func (f *fakeSidecar) GetGarakStatus(_ context.Context, _ *mlservice.GarakStatusRequest, _ ...grpc.CallOption) (*mlservice.GarakStatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.snapshots) == 0 {
		return &mlservice.GarakStatusResult{Status: "running"}, nil
	}
	st := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return st, nil
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer("enc", "jwt")
	require.NoError(t, err)
	return s
}

func testScan() *database.Scan {
	return &database.Scan{
		ID:             "scan-1",
		OrganizationID: "org-1",
		ScanType:       "quick",
		Probes:         []string{"promptinject"},
		Status:         database.ScanStatusQueued,
	}
}

func fastOpts() Options {
	return Options{MaxConcurrent: 4, PollInterval: 5 * time.Millisecond, MaxPollFailures: 10}
}

func TestOrchestrator_RunsScanToCompletion(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Encrypt("sk-provider-key")
	require.NoError(t, err)

	store := newFakeStore()
	store.queued = []*database.Scan{testScan()}
	store.modelConfig = &database.ModelConfig{
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		APIKeyEncrypted: &sealed,
	}

	sidecar := &fakeSidecar{snapshots: []*mlservice.GarakStatusResult{
		{Status: "running", Progress: 40, ProbesCompleted: 2, ProbesTotal: 5,
			VulnerabilitiesFound: 1,
			Vulnerabilities: []mlservice.Vulnerability{
				{ProbeName: "promptinject", Severity: "high", AttackPrompt: "x"},
			},
			ProbeLogs: []mlservice.ProbeLog{
				{ProbeName: "promptinject", Status: "completed", PromptsSent: 10},
				{ProbeName: "dan", Status: "running"},
			}},
		{Status: "completed", Progress: 100,
			Vulnerabilities: []mlservice.Vulnerability{
				{ProbeName: "promptinject", Severity: "high", AttackPrompt: "x"},
				{ProbeName: "dan", Severity: "critical", AttackPrompt: "y"},
			}},
	}}

	o := New(store, sidecar, sealer, fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		s, ok := store.finishedStatus("scan-1")
		return ok && s == database.ScanStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()

	// Decrypted credential reached the sidecar.
	require.Len(t, sidecar.started, 1)
	assert.Equal(t, "sk-provider-key", sidecar.started[0].APIKey)
	assert.Equal(t, "sidecar-1", store.sidecarIDs["scan-1"])

	// Running probe logs were held back.
	for _, l := range store.logs["scan-1"] {
		assert.NotEqual(t, "running", l.Status)
	}

	// Risk: (0.75 + 1.0) / 2
	require.NotNil(t, store.finishedRisk["scan-1"])
	assert.InDelta(t, 0.875, *store.finishedRisk["scan-1"], 0.001)
}

func TestBuildStartRequest_SnapshotWinsOverConfig(t *testing.T) {
	store := newFakeStore()
	// The config has since been edited; the scan row snapshot must win.
	store.modelConfig = &database.ModelConfig{Provider: "openai", Model: "gpt-5"}

	base := "https://proxy.internal/v1"
	scan := testScan()
	scan.Provider = "anthropic"
	scan.Model = "claude-sonnet"
	scan.BaseURL = &base

	o := New(store, &fakeSidecar{}, testSealer(t), fastOpts())
	req, err := o.buildStartRequest(context.Background(), scan)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", req.Provider)
	assert.Equal(t, "claude-sonnet", req.Model)
	assert.Equal(t, base, req.BaseURL)
}

func TestBuildStartRequest_SnapshotSurvivesDeletedConfig(t *testing.T) {
	store := newFakeStore() // no model config at all

	scan := testScan()
	scan.Provider = "openai"
	scan.Model = "gpt-4o-mini"

	o := New(store, &fakeSidecar{}, testSealer(t), fastOpts())
	req, err := o.buildStartRequest(context.Background(), scan)
	require.NoError(t, err)
	assert.Equal(t, "openai", req.Provider)
	assert.Empty(t, req.APIKey)
}

func TestBuildStartRequest_SynthesizesCustomEndpoint(t *testing.T) {
	sealer := testSealer(t)
	sealed, err := sealer.Encrypt("sk-custom")
	require.NoError(t, err)

	base := "https://llm.example.com/generate"
	store := newFakeStore()
	store.modelConfig = &database.ModelConfig{
		Provider:        "custom",
		Model:           "in-house",
		BaseURL:         &base,
		APIKeyEncrypted: &sealed,
	}

	o := New(store, &fakeSidecar{}, sealer, fastOpts())
	req, err := o.buildStartRequest(context.Background(), testScan())
	require.NoError(t, err)
	require.NotNil(t, req.CustomEndpoint)
	assert.Equal(t, base, req.CustomEndpoint.URL)
	assert.Equal(t, "POST", req.CustomEndpoint.Method)
	assert.Equal(t, "Bearer sk-custom", req.CustomEndpoint.Headers["Authorization"])

	// Without a URL the custom provider has nowhere to send prompts.
	store.modelConfig = &database.ModelConfig{Provider: "custom", Model: "in-house"}
	_, err = o.buildStartRequest(context.Background(), testScan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base URL")
}

func TestOrchestrator_NoModelConfigFailsScan(t *testing.T) {
	store := newFakeStore()
	store.queued = []*database.Scan{testScan()}

	o := New(store, &fakeSidecar{}, testSealer(t), fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		s, ok := store.finishedStatus("scan-1")
		return ok && s == database.ScanStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_PollFailuresGiveUp(t *testing.T) {
	store := newFakeStore()
	store.queued = []*database.Scan{testScan()}
	store.modelConfig = &database.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"}

	sidecar := &fakeSidecar{statusErr: status.Error(codes.Unavailable, "down")}

	opts := fastOpts()
	opts.MaxPollFailures = 3
	o := New(store, sidecar, testSealer(t), opts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		s, ok := store.finishedStatus("scan-1")
		return ok && s == database.ScanStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Contains(t, store.finishedMsg["scan-1"], "Lost contact")
	store.mu.Unlock()
}

func TestOrchestrator_StopsWatchingCancelledScan(t *testing.T) {
	store := newFakeStore()
	store.queued = []*database.Scan{testScan()}
	store.modelConfig = &database.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"}

	// Sidecar reports running forever; the database says cancelled.
	sidecar := &fakeSidecar{}

	o := New(store, sidecar, testSealer(t), fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.sidecarIDs["scan-1"] != ""
	}, 2*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	store.statuses["scan-1"] = database.ScanStatusCancelled
	store.mu.Unlock()

	// The watcher exits without calling FinishScan; the cancel endpoint
	// already wrote the terminal state.
	time.Sleep(50 * time.Millisecond)
	_, finished := store.finishedStatus("scan-1")
	assert.False(t, finished)
}

func TestOrchestrator_ConcurrencyGate(t *testing.T) {
	store := newFakeStore()
	store.modelConfig = &database.ModelConfig{Provider: "openai", Model: "gpt-4o-mini"}
	for _, id := range []string{"s1", "s2", "s3"} {
		s := testScan()
		s.ID = id
		store.queued = append(store.queued, s)
	}

	opts := fastOpts()
	opts.MaxConcurrent = 2
	o := New(store, &fakeSidecar{}, testSealer(t), opts)

	o.tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2, store.running)
	assert.Len(t, store.queued, 1)
}

func TestRiskScore(t *testing.T) {
	assert.Zero(t, RiskScore(nil))

	vulns := []mlservice.Vulnerability{
		{Severity: "critical"},
		{Severity: "high"},
		{Severity: "medium"},
		{Severity: "low"},
		{Severity: "informational"},
	}
	// (1.0 + 0.75 + 0.5 + 0.25 + 0.1) / 5
	assert.InDelta(t, 0.52, RiskScore(vulns), 0.001)

	all := []mlservice.Vulnerability{{Severity: "critical"}, {Severity: "critical"}}
	assert.InDelta(t, 1.0, RiskScore(all), 0.001)
}
