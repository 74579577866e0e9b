package mlservice

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// MarshalWire implementations for the request messages the control
// plane sends. Field numbers match ml_service.proto.

func (m *Empty) MarshalWire() ([]byte, error) {
	return nil, nil
}

func (m *ScanRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Prompt)
	b = appendBool(b, 2, m.CheckInjection)
	b = appendBool(b, 3, m.CheckToxicity)
	b = appendBool(b, 4, m.CheckPII)
	b = appendBool(b, 5, m.Sanitize)
	return b, nil
}

func (m *OutputScanRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Output)
	b = appendString(b, 2, m.OriginalPrompt)
	return b, nil
}

func (c *ScannerConfig) marshalWire() []byte {
	var b []byte
	b = appendBool(b, 1, c.Enabled)
	b = appendFloat(b, 2, c.Threshold)
	b = appendString(b, 3, c.SettingsJSON)
	return b
}

// appendScannerMap encodes a map<string, ScannerConfig> field. Entries
// are emitted in key order so the encoding is deterministic.
func appendScannerMap(b []byte, num protowire.Number, scanners map[string]ScannerConfig) []byte {
	keys := make([]string, 0, len(scanners))
	for k := range scanners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg := scanners[k]
		entry := appendString(nil, 1, k)
		entry = appendMessage(entry, 2, cfg.marshalWire())
		b = appendMessage(b, num, entry)
	}
	return b
}

func (m *AdvancedScanRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Prompt)
	b = appendString(b, 2, m.Output)
	b = appendInt32(b, 3, int32(m.ScanMode))
	b = appendScannerMap(b, 4, m.InputScanners)
	b = appendScannerMap(b, 5, m.OutputScanners)
	b = appendBool(b, 6, m.Sanitize)
	b = appendBool(b, 7, m.FailFast)
	return b, nil
}

func (c *CustomEndpointConfig) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, c.URL)
	b = appendString(b, 2, c.Method)
	b = appendString(b, 3, c.RequestTemplate)
	b = appendString(b, 4, c.ResponsePath)
	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := appendString(nil, 1, k)
		entry = appendString(entry, 2, c.Headers[k])
		b = appendMessage(b, 5, entry)
	}
	return b
}

func (m *StartGarakScanRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Provider)
	b = appendString(b, 2, m.Model)
	b = appendString(b, 3, m.APIKey)
	b = appendString(b, 4, m.BaseURL)
	b = appendStrings(b, 5, m.Probes)
	b = appendString(b, 6, m.ScanType)
	if m.CustomEndpoint != nil {
		b = appendMessage(b, 7, m.CustomEndpoint.marshalWire())
	}
	b = appendInt32(b, 8, m.MaxPromptsPerProbe)
	return b, nil
}

func (m *GarakStatusRequest) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, m.ScanID), nil
}

func (m *RetestRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.ScanID)
	b = appendString(b, 2, m.ProbeName)
	b = appendString(b, 3, m.ProbeClass)
	b = appendString(b, 4, m.AttackPrompt)
	b = appendString(b, 5, m.Provider)
	b = appendString(b, 6, m.Model)
	b = appendString(b, 7, m.APIKey)
	b = appendString(b, 8, m.BaseURL)
	b = appendInt32(b, 9, m.NumAttempts)
	return b, nil
}
