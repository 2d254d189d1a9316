package validate

// Stage outcomes recorded in a report.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// StageResult summarizes one validation stage.
type StageResult struct {
	Status     string `json:"status" yaml:"status"`
	IssueCount int    `json:"issue_count" yaml:"issue_count"`
}

// Report is the full outcome of one validation attempt. Identical bundle
// and identical effective contract always produce an identical report.
type Report struct {
	SchemaVersion string                 `json:"schema_version" yaml:"schema_version"`
	ValidatedAt   string                 `json:"validated_at,omitempty" yaml:"validated_at,omitempty"`
	BundleID      string                 `json:"bundle_id" yaml:"bundle_id"`
	Stages        map[string]StageResult `json:"stages" yaml:"stages"`
	Findings      []Finding              `json:"findings" yaml:"findings"`
	Result        string                 `json:"result" yaml:"result"`
}

// Passed reports whether the bundle may proceed to the write engine.
func (r *Report) Passed() bool {
	return r.Result == StatusPassed
}

func buildReport(bundleID string, structural, policy, capability []Finding, ran bool) *Report {
	findings := make([]Finding, 0, len(structural)+len(policy)+len(capability))
	findings = append(findings, structural...)
	findings = append(findings, policy...)
	findings = append(findings, capability...)

	stageStatus := func(issues []Finding) StageResult {
		if !ran {
			return StageResult{Status: StatusSkipped, IssueCount: 0}
		}
		if len(issues) > 0 {
			return StageResult{Status: StatusFailed, IssueCount: len(issues)}
		}
		return StageResult{Status: StatusPassed}
	}

	report := &Report{
		SchemaVersion: "1.0",
		BundleID:      bundleID,
		Stages: map[string]StageResult{
			StageStructural: {Status: StatusFailed, IssueCount: len(structural)},
			StagePolicy:     stageStatus(policy),
			StageCapability: stageStatus(capability),
		},
		Findings: findings,
		Result:   StatusFailed,
	}
	if len(structural) == 0 {
		report.Stages[StageStructural] = StageResult{Status: StatusPassed}
	}
	if len(findings) == 0 {
		report.Result = StatusPassed
	}
	return report
}
