package mlservice

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// UnmarshalWire implementations for the response messages the sidecar
// returns. Unknown fields are skipped so a newer sidecar stays
// readable.

func (m *HealthInfo) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBool(b, typ)
			m.Healthy = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Version = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.AvailableInputScanners = append(m.AvailableInputScanners, v)
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.AvailableOutputScanners = append(m.AvailableOutputScanners, v)
			return n, err
		}
		return 0, nil
	})
}

func (m *Threat) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ThreatType = v
			return n, err
		case 2:
			v, n, err := consumeFloat(b, typ)
			m.Confidence = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.Severity = v
			return n, err
		}
		return 0, nil
	})
}

func (m *ScanResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBool(b, typ)
			m.Safe = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.SanitizedPrompt = v
			return n, err
		case 3:
			v, n, err := consumeFloat(b, typ)
			m.RiskScore = v
			return n, err
		case 4:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var t Threat
			if err := t.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Threats = append(m.Threats, t)
			return n, nil
		case 5:
			v, n, err := consumeInt32(b, typ)
			m.LatencyMs = v
			return n, err
		}
		return 0, nil
	})
}

func (m *OutputIssue) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.IssueType = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Severity = v
			return n, err
		}
		return 0, nil
	})
}

func (m *OutputScanResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBool(b, typ)
			m.Safe = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.SanitizedOutput = v
			return n, err
		case 3:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var iss OutputIssue
			if err := iss.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Issues = append(m.Issues, iss)
			return n, nil
		case 4:
			v, n, err := consumeInt32(b, typ)
			m.LatencyMs = v
			return n, err
		}
		return 0, nil
	})
}

func (m *ScannerResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ScannerName = v
			return n, err
		case 2:
			v, n, err := consumeBool(b, typ)
			m.IsValid = v
			return n, err
		case 3:
			v, n, err := consumeFloat(b, typ)
			m.Score = v
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 5:
			v, n, err := consumeString(b, typ)
			m.Severity = v
			return n, err
		case 6:
			v, n, err := consumeInt32(b, typ)
			m.ScannerLatencyMs = v
			return n, err
		}
		return 0, nil
	})
}

func (m *AdvancedScanResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBool(b, typ)
			m.Safe = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.SanitizedPrompt = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.SanitizedOutput = v
			return n, err
		case 4:
			v, n, err := consumeFloat(b, typ)
			m.RiskScore = v
			return n, err
		case 5:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var sr ScannerResult
			if err := sr.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.InputResults = append(m.InputResults, sr)
			return n, nil
		case 6:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var sr ScannerResult
			if err := sr.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.OutputResults = append(m.OutputResults, sr)
			return n, nil
		case 7:
			v, n, err := consumeInt32(b, typ)
			m.LatencyMs = v
			return n, err
		case 8:
			v, n, err := consumeInt32(b, typ)
			m.ScanMode = ScanMode(v)
			return n, err
		case 9:
			v, n, err := consumeInt32(b, typ)
			m.InputScannersRun = v
			return n, err
		case 10:
			v, n, err := consumeInt32(b, typ)
			m.OutputScannersRun = v
			return n, err
		}
		return 0, nil
	})
}

func (m *StartGarakScanResponse) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ScanID = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Status = v
			return n, err
		case 3:
			v, n, err := consumeInt32(b, typ)
			m.EstimatedDurationSeconds = v
			return n, err
		}
		return 0, nil
	})
}

func (m *Vulnerability) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ProbeName = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Category = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Severity = v
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 5:
			v, n, err := consumeString(b, typ)
			m.AttackPrompt = v
			return n, err
		case 6:
			v, n, err := consumeString(b, typ)
			m.ModelResponse = v
			return n, err
		case 7:
			v, n, err := consumeString(b, typ)
			m.Recommendation = v
			return n, err
		case 8:
			v, n, err := consumeFloat(b, typ)
			m.SuccessRate = v
			return n, err
		case 9:
			v, n, err := consumeString(b, typ)
			m.DetectorName = v
			return n, err
		case 10:
			v, n, err := consumeString(b, typ)
			m.ProbeClass = v
			return n, err
		case 11:
			v, n, err := consumeInt32(b, typ)
			m.ProbeDurationMs = v
			return n, err
		}
		return 0, nil
	})
}

func (m *ProbeLog) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ProbeName = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.ProbeClass = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Status = v
			return n, err
		case 4:
			v, n, err := consumeInt64(b, typ)
			m.StartedAtMs = v
			return n, err
		case 5:
			v, n, err := consumeInt64(b, typ)
			m.CompletedAtMs = v
			return n, err
		case 6:
			v, n, err := consumeInt32(b, typ)
			m.DurationMs = v
			return n, err
		case 7:
			v, n, err := consumeInt32(b, typ)
			m.PromptsSent = v
			return n, err
		case 8:
			v, n, err := consumeInt32(b, typ)
			m.PromptsPassed = v
			return n, err
		case 9:
			v, n, err := consumeInt32(b, typ)
			m.PromptsFailed = v
			return n, err
		case 10:
			v, n, err := consumeString(b, typ)
			m.DetectorName = v
			return n, err
		case 11:
			scores, n, err := consumeFloats(b, typ, m.DetectorScores)
			m.DetectorScores = scores
			return n, err
		case 12:
			v, n, err := consumeString(b, typ)
			m.ErrorMessage = v
			return n, err
		case 13:
			v, n, err := consumeString(b, typ)
			m.LogLines = append(m.LogLines, v)
			return n, err
		}
		return 0, nil
	})
}

func (m *GarakStatusResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ScanID = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Status = v
			return n, err
		case 3:
			v, n, err := consumeInt32(b, typ)
			m.Progress = v
			return n, err
		case 4:
			v, n, err := consumeInt32(b, typ)
			m.ProbesCompleted = v
			return n, err
		case 5:
			v, n, err := consumeInt32(b, typ)
			m.ProbesTotal = v
			return n, err
		case 6:
			v, n, err := consumeInt32(b, typ)
			m.VulnerabilitiesFound = v
			return n, err
		case 7:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var vuln Vulnerability
			if err := vuln.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Vulnerabilities = append(m.Vulnerabilities, vuln)
			return n, nil
		case 8:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var pl ProbeLog
			if err := pl.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.ProbeLogs = append(m.ProbeLogs, pl)
			return n, nil
		case 9:
			v, n, err := consumeString(b, typ)
			m.ErrorMessage = v
			return n, err
		}
		return 0, nil
	})
}

func (m *CancelGarakScanResponse) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBool(b, typ)
			m.Success = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Message = v
			return n, err
		}
		return 0, nil
	})
}

func (m *RetestAttempt) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt32(b, typ)
			m.AttemptNumber = v
			return n, err
		case 2:
			v, n, err := consumeBool(b, typ)
			m.IsVulnerable = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.ModelResponse = v
			return n, err
		case 4:
			v, n, err := consumeFloat(b, typ)
			m.DetectorScore = v
			return n, err
		case 5:
			v, n, err := consumeInt32(b, typ)
			m.DurationMs = v
			return n, err
		case 6:
			v, n, err := consumeString(b, typ)
			m.ErrorMessage = v
			return n, err
		}
		return 0, nil
	})
}

func (m *RetestResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ProbeName = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.AttackPrompt = v
			return n, err
		case 3:
			v, n, err := consumeInt32(b, typ)
			m.TotalAttempts = v
			return n, err
		case 4:
			v, n, err := consumeInt32(b, typ)
			m.VulnerableCount = v
			return n, err
		case 5:
			v, n, err := consumeInt32(b, typ)
			m.SafeCount = v
			return n, err
		case 6:
			v, n, err := consumeFloat(b, typ)
			m.ConfirmationRate = v
			return n, err
		case 7:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var att RetestAttempt
			if err := att.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Results = append(m.Results, att)
			return n, nil
		case 8:
			v, n, err := consumeString(b, typ)
			m.Status = v
			return n, err
		case 9:
			v, n, err := consumeString(b, typ)
			m.ErrorMessage = v
			return n, err
		}
		return 0, nil
	})
}

func (m *GarakProbeCategory) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ID = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Name = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.Icon = v
			return n, err
		case 5:
			v, n, err := consumeString(b, typ)
			m.ProbeIDs = append(m.ProbeIDs, v)
			return n, err
		}
		return 0, nil
	})
}

func (m *GarakProbe) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ID = v
			return n, err
		case 2:
			v, n, err := consumeString(b, typ)
			m.Name = v
			return n, err
		case 3:
			v, n, err := consumeString(b, typ)
			m.Description = v
			return n, err
		case 4:
			v, n, err := consumeString(b, typ)
			m.Category = v
			return n, err
		case 5:
			v, n, err := consumeString(b, typ)
			m.SeverityRange = v
			return n, err
		case 6:
			v, n, err := consumeBool(b, typ)
			m.DefaultEnabled = v
			return n, err
		case 7:
			v, n, err := consumeString(b, typ)
			m.Tags = append(m.Tags, v)
			return n, err
		case 8:
			v, n, err := consumeString(b, typ)
			m.ClassPaths = append(m.ClassPaths, v)
			return n, err
		case 9:
			v, n, err := consumeBool(b, typ)
			m.Available = v
			return n, err
		}
		return 0, nil
	})
}

func (m *GarakProbeList) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var cat GarakProbeCategory
			if err := cat.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Categories = append(m.Categories, cat)
			return n, nil
		case 2:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var p GarakProbe
			if err := p.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Probes = append(m.Probes, p)
			return n, nil
		}
		return 0, nil
	})
}

func (m *ScanLogsResult) UnmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b, typ)
			m.ScanID = v
			return n, err
		case 2:
			raw, n, err := consumeBytes(b, typ)
			if err != nil {
				return n, err
			}
			var pl ProbeLog
			if err := pl.UnmarshalWire(raw); err != nil {
				return 0, err
			}
			m.Logs = append(m.Logs, pl)
			return n, nil
		case 3:
			v, n, err := consumeInt32(b, typ)
			m.TotalProbes = v
			return n, err
		case 4:
			v, n, err := consumeInt32(b, typ)
			m.TotalPromptsSent = v
			return n, err
		case 5:
			v, n, err := consumeInt32(b, typ)
			m.TotalDurationMs = v
			return n, err
		}
		return 0, nil
	})
}
