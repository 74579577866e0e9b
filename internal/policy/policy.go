// Package policy models per-key scan configuration and resolves the
// effective policy for each request. Keys can pin a guard config; request
// bodies and the X-Scan-Type header refine it within bounds.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/orafinite/backend/pb/mlservice"
)

// Scan modes.
const (
	ModePromptOnly = "prompt_only"
	ModeOutputOnly = "output_only"
	ModeBoth       = "both"
)

const (
	defaultThreshold = 0.5
	defaultMode      = ModePromptOnly
)

// ScannerEntry is one scanner's configuration inside a guard config.
// Omitted fields fall back to enabled with the default threshold.
type ScannerEntry struct {
	Enabled   *bool          `json:"enabled,omitempty"`
	Threshold *float64       `json:"threshold,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

func (e ScannerEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func (e ScannerEntry) threshold() float64 {
	if e.Threshold == nil {
		return defaultThreshold
	}
	return *e.Threshold
}

// GuardConfig is the scan policy stored on an API key.
type GuardConfig struct {
	Mode           string                  `json:"scan_mode,omitempty"`
	InputScanners  map[string]ScannerEntry `json:"input_scanners,omitempty"`
	OutputScanners map[string]ScannerEntry `json:"output_scanners,omitempty"`
	Sanitize       *bool                   `json:"sanitize,omitempty"`
	FailFast       *bool                   `json:"fail_fast,omitempty"`
}

// Parse decodes a stored guard config. Nil and empty input mean "no
// policy configured".
func Parse(raw json.RawMessage) (*GuardConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cfg GuardConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse guard config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configs that the sidecar would misinterpret.
func (c *GuardConfig) Validate() error {
	switch c.Mode {
	case "", ModePromptOnly, ModeOutputOnly, ModeBoth:
	default:
		return fmt.Errorf("policy: unknown scan_mode %q", c.Mode)
	}
	for name, e := range c.InputScanners {
		if e.Threshold != nil && (*e.Threshold < 0 || *e.Threshold > 1) {
			return fmt.Errorf("policy: input scanner %q threshold out of range", name)
		}
	}
	for name, e := range c.OutputScanners {
		if e.Threshold != nil && (*e.Threshold < 0 || *e.Threshold > 1) {
			return fmt.Errorf("policy: output scanner %q threshold out of range", name)
		}
	}
	return nil
}

// RequestOverrides is what the request body asked for.
type RequestOverrides struct {
	ScanMode       string
	InputScanners  map[string]ScannerEntry
	OutputScanners map[string]ScannerEntry
	Sanitize       *bool
	FailFast       *bool
}

// Resolved is the effective policy handed to the ML gateway.
type Resolved struct {
	ScanMode       string
	InputScanners  map[string]mlservice.ScannerConfig
	OutputScanners map[string]mlservice.ScannerConfig
	Sanitize       bool
	FailFast       bool
}

// Resolve merges the key's stored policy with the request.
//
//  1. A body that brings its own scanner maps wins in full, scan_mode
//     and flags included.
//  2. Otherwise a stored key config applies; X-Scan-Type can narrow a
//     stored "both" for this one request and is ignored in every other
//     case.
//  3. Otherwise the body's literal values stand, defaulting to a
//     prompt-only scan with empty scanner maps.
func Resolve(keyCfg *GuardConfig, req RequestOverrides, headerScanType string) Resolved {
	if len(req.InputScanners) > 0 || len(req.OutputScanners) > 0 {
		return Resolved{
			ScanMode:       modeOrDefault(req.ScanMode),
			InputScanners:  toWire(req.InputScanners),
			OutputScanners: toWire(req.OutputScanners),
			Sanitize:       boolValue(req.Sanitize),
			FailFast:       boolValue(req.FailFast),
		}
	}

	if keyCfg != nil {
		mode := modeOrDefault(keyCfg.Mode)
		if keyCfg.Mode == ModeBoth {
			switch headerScanType {
			case "prompt":
				mode = ModePromptOnly
			case "output":
				mode = ModeOutputOnly
			case "both":
				mode = ModeBoth
			}
		}
		return Resolved{
			ScanMode:       mode,
			InputScanners:  toWire(keyCfg.InputScanners),
			OutputScanners: toWire(keyCfg.OutputScanners),
			Sanitize:       boolValue(keyCfg.Sanitize),
			FailFast:       boolValue(keyCfg.FailFast),
		}
	}

	return Resolved{
		ScanMode: modeOrDefault(req.ScanMode),
		Sanitize: boolValue(req.Sanitize),
		FailFast: boolValue(req.FailFast),
	}
}

func modeOrDefault(mode string) string {
	switch mode {
	case ModePromptOnly, ModeOutputOnly, ModeBoth:
		return mode
	default:
		return defaultMode
	}
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func toWire(entries map[string]ScannerEntry) map[string]mlservice.ScannerConfig {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]mlservice.ScannerConfig, len(entries))
	for name, e := range entries {
		settings := ""
		if len(e.Settings) > 0 {
			if b, err := json.Marshal(e.Settings); err == nil {
				settings = string(b)
			}
		}
		out[name] = mlservice.ScannerConfig{
			Enabled:      e.enabled(),
			Threshold:    float32(e.threshold()),
			SettingsJSON: settings,
		}
	}
	return out
}
