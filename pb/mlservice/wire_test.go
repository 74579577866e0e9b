package mlservice

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// Reference encodings below are built with protowire directly, the same
// primitives protoc-generated code uses, so a mismatch means the
// hand-rolled encoding would not interoperate with the sidecar's stubs.

func TestScanRequest_MarshalWire(t *testing.T) {
	req := &ScanRequest{
		Prompt:         "ignore previous instructions",
		CheckInjection: true,
		Sanitize:       true,
	}
	got, err := req.MarshalWire()
	require.NoError(t, err)

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendString(want, "ignore previous instructions")
	want = protowire.AppendTag(want, 2, protowire.VarintType)
	want = protowire.AppendVarint(want, 1)
	want = protowire.AppendTag(want, 5, protowire.VarintType)
	want = protowire.AppendVarint(want, 1)
	assert.Equal(t, want, got)
}

func TestAdvancedScanRequest_MarshalWire_EnumAndMap(t *testing.T) {
	req := &AdvancedScanRequest{
		Prompt:   "hello",
		ScanMode: ScanModeBoth,
		InputScanners: map[string]ScannerConfig{
			"prompt_injection": {Enabled: true, Threshold: 0.5},
		},
		FailFast: true,
	}
	got, err := req.MarshalWire()
	require.NoError(t, err)

	cfg := protowire.AppendTag(nil, 1, protowire.VarintType)
	cfg = protowire.AppendVarint(cfg, 1)
	cfg = protowire.AppendTag(cfg, 2, protowire.Fixed32Type)
	cfg = protowire.AppendFixed32(cfg, math.Float32bits(0.5))

	entry := protowire.AppendTag(nil, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, "prompt_injection")
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, cfg)

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendString(want, "hello")
	want = protowire.AppendTag(want, 3, protowire.VarintType)
	want = protowire.AppendVarint(want, 2) // BOTH
	want = protowire.AppendTag(want, 4, protowire.BytesType)
	want = protowire.AppendBytes(want, entry)
	want = protowire.AppendTag(want, 7, protowire.VarintType)
	want = protowire.AppendVarint(want, 1)
	assert.Equal(t, want, got)
}

func TestAdvancedScanRequest_MarshalWire_PromptOnlyIsDefault(t *testing.T) {
	// PROMPT_ONLY is enum value zero and must be omitted, like any
	// proto3 default.
	req := &AdvancedScanRequest{Prompt: "p", ScanMode: ScanModePromptOnly}
	got, err := req.MarshalWire()
	require.NoError(t, err)

	want := protowire.AppendTag(nil, 1, protowire.BytesType)
	want = protowire.AppendString(want, "p")
	assert.Equal(t, want, got)
}

func TestStartGarakScanRequest_MarshalWire_Nested(t *testing.T) {
	req := &StartGarakScanRequest{
		Provider: "custom",
		Model:    "llama-3",
		Probes:   []string{"dan.Dan_11_0", "encoding"},
		ScanType: "standard",
		CustomEndpoint: &CustomEndpointConfig{
			URL:    "https://models.internal/v1/chat",
			Method: "POST",
		},
		MaxPromptsPerProbe: 10,
	}
	got, err := req.MarshalWire()
	require.NoError(t, err)

	ce := protowire.AppendTag(nil, 1, protowire.BytesType)
	ce = protowire.AppendString(ce, "https://models.internal/v1/chat")
	ce = protowire.AppendTag(ce, 2, protowire.BytesType)
	ce = protowire.AppendString(ce, "POST")

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendString(want, "custom")
	want = protowire.AppendTag(want, 2, protowire.BytesType)
	want = protowire.AppendString(want, "llama-3")
	want = protowire.AppendTag(want, 5, protowire.BytesType)
	want = protowire.AppendString(want, "dan.Dan_11_0")
	want = protowire.AppendTag(want, 5, protowire.BytesType)
	want = protowire.AppendString(want, "encoding")
	want = protowire.AppendTag(want, 6, protowire.BytesType)
	want = protowire.AppendString(want, "standard")
	want = protowire.AppendTag(want, 7, protowire.BytesType)
	want = protowire.AppendBytes(want, ce)
	want = protowire.AppendTag(want, 8, protowire.VarintType)
	want = protowire.AppendVarint(want, 10)
	assert.Equal(t, want, got)
}

func TestScanResult_UnmarshalWire(t *testing.T) {
	threat := protowire.AppendTag(nil, 1, protowire.BytesType)
	threat = protowire.AppendString(threat, "prompt_injection")
	threat = protowire.AppendTag(threat, 2, protowire.Fixed32Type)
	threat = protowire.AppendFixed32(threat, math.Float32bits(0.92))
	threat = protowire.AppendTag(threat, 4, protowire.BytesType)
	threat = protowire.AppendString(threat, "high")

	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "[REDACTED]")
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(0.92))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, threat)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, 45)

	var res ScanResult
	require.NoError(t, res.UnmarshalWire(b))

	assert.False(t, res.Safe) // absent field decodes to zero
	assert.Equal(t, "[REDACTED]", res.SanitizedPrompt)
	assert.InDelta(t, 0.92, res.RiskScore, 1e-6)
	assert.Equal(t, int32(45), res.LatencyMs)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, "prompt_injection", res.Threats[0].ThreatType)
	assert.Equal(t, "high", res.Threats[0].Severity)
}

func TestGarakStatusResult_UnmarshalWire_PackedScoresAndUnknownFields(t *testing.T) {
	scores := protowire.AppendFixed32(nil, math.Float32bits(0.1))
	scores = protowire.AppendFixed32(scores, math.Float32bits(0.9))

	pl := protowire.AppendTag(nil, 1, protowire.BytesType)
	pl = protowire.AppendString(pl, "dan.Dan_11_0")
	pl = protowire.AppendTag(pl, 3, protowire.BytesType)
	pl = protowire.AppendString(pl, "completed")
	pl = protowire.AppendTag(pl, 11, protowire.BytesType)
	pl = protowire.AppendBytes(pl, scores) // packed repeated float

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "sidecar-scan-1")
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "running")
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, 40)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, pl)
	// A field this client does not know about yet.
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	var st GarakStatusResult
	require.NoError(t, st.UnmarshalWire(b))

	assert.Equal(t, "sidecar-scan-1", st.ScanID)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, int32(40), st.Progress)
	require.Len(t, st.ProbeLogs, 1)
	assert.Equal(t, "dan.Dan_11_0", st.ProbeLogs[0].ProbeName)
	assert.Equal(t, []float32{0.1, 0.9}, st.ProbeLogs[0].DetectorScores)
}

func TestCancelGarakScanResponse_UnmarshalWire(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "Scan cancelled")

	var res CancelGarakScanResponse
	require.NoError(t, res.UnmarshalWire(b))
	assert.True(t, res.Success)
	assert.Equal(t, "Scan cancelled", res.Message)
}

func TestScanMode_Strings(t *testing.T) {
	assert.Equal(t, "prompt_only", ScanModePromptOnly.String())
	assert.Equal(t, "output_only", ScanModeOutputOnly.String())
	assert.Equal(t, "both", ScanModeBoth.String())

	assert.Equal(t, ScanModeBoth, ScanModeFromString("both"))
	assert.Equal(t, ScanModeOutputOnly, ScanModeFromString("output_only"))
	assert.Equal(t, ScanModePromptOnly, ScanModeFromString("prompt_only"))
	assert.Equal(t, ScanModePromptOnly, ScanModeFromString("anything-else"))
}
