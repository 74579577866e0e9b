package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orafinite/backend/pb/mlservice"
)

func TestThreatsFromWire(t *testing.T) {
	got, categories := threatsFromWire([]mlservice.Threat{
		{ThreatType: "prompt_injection", Severity: "high", Confidence: 0.91, Description: "ignore-previous pattern"},
		{ThreatType: "pii", Severity: "medium", Confidence: 0.6},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "prompt_injection", got[0].Type)
	assert.Equal(t, "high", got[0].Severity)
	assert.InDelta(t, 0.91, got[0].Confidence, 1e-6)
	assert.Equal(t, "ignore-previous pattern", got[0].Detail)

	assert.Equal(t, []string{"prompt_injection", "pii"}, categories)
}

func TestScannerResultsFromWire(t *testing.T) {
	wire := []mlservice.ScannerResult{
		{ScannerName: "toxicity", IsValid: true, Score: 0.1},
		{ScannerName: "prompt_injection", IsValid: false, Score: 0.95, Severity: "critical", Description: "jailbreak"},
	}

	results, triggered, threats := scannerResultsFromWire(wire, nil, nil)

	require.Len(t, results, 2)
	assert.False(t, results[0].Triggered)
	assert.True(t, results[1].Triggered)

	require.Len(t, triggered, 1)
	assert.Equal(t, "prompt_injection", triggered[0])

	require.Len(t, threats, 1)
	assert.Equal(t, "critical", threats[0].Severity)
	assert.InDelta(t, 0.95, threats[0].Confidence, 1e-6)
}

func TestCacheKeyScoping(t *testing.T) {
	opts := &scanOptions{}

	t.Run("organizations never share entries", func(t *testing.T) {
		a := cacheKey("org-a", "hello", opts)
		b := cacheKey("org-b", "hello", opts)
		assert.NotEqual(t, a, b)
		assert.Equal(t, a, cacheKey("org-a", "hello", opts))
	})

	t.Run("option switches split the key", func(t *testing.T) {
		off := false
		noPII := &scanOptions{CheckPII: &off}
		assert.NotEqual(t, cacheKey("org-a", "hello", opts), cacheKey("org-a", "hello", noPII))
	})
}

func TestOrTrue(t *testing.T) {
	assert.True(t, orTrue(nil))
	on, off := true, false
	assert.True(t, orTrue(&on))
	assert.False(t, orTrue(&off))
}
