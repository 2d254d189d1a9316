package outbox

import (
	"time"

	"go.uber.org/zap"

	"planbox/internal/contract"
	"planbox/internal/validate"
)

// ValidationOutcome records what happened to one bundle during a
// validation run.
type ValidationOutcome struct {
	Bundle     string            `json:"bundle"`
	Report     *validate.Report  `json:"report"`
	MovedTo    string            `json:"moved_to,omitempty"`
	ReportPath string            `json:"report_path,omitempty"`
	Err        string            `json:"error,omitempty"`
}

// RunValidation claims each named bundle out of ready, validates it, and
// releases it into validated or failed (with a persisted report). A
// claim race on one bundle aborts only that bundle.
func (o Outbox) RunValidation(e *contract.Effective, names []string, now func() time.Time, log *zap.Logger) []ValidationOutcome {
	outcomes := make([]ValidationOutcome, 0, len(names))
	for _, name := range names {
		outcome := ValidationOutcome{Bundle: name}

		claim, err := o.Claim(StateReady, name)
		if err != nil {
			outcome.Err = err.Error()
			outcomes = append(outcomes, outcome)
			log.Warn("bundle not claimable", zap.String("bundle", name), zap.Error(err))
			continue
		}
		data, err := claim.Data()
		if err != nil {
			outcome.Err = err.Error()
			_ = claim.Keep()
			outcomes = append(outcomes, outcome)
			continue
		}

		report := validate.Run(data, e)
		report.ValidatedAt = now().UTC().Format(time.RFC3339)
		outcome.Report = report

		if report.Passed() {
			moved, err := claim.Release(StateValidated)
			if err != nil {
				outcome.Err = err.Error()
			} else {
				outcome.MovedTo = moved
			}
			log.Info("bundle validated",
				zap.String("bundle", name), zap.String("bundle_id", report.BundleID))
		} else {
			moved, err := claim.Release(StateFailed)
			if err != nil {
				outcome.Err = err.Error()
			} else {
				outcome.MovedTo = moved
			}
			reportPath, err := o.WriteReport(name, report)
			if err != nil {
				outcome.Err = err.Error()
			} else {
				outcome.ReportPath = reportPath
			}
			log.Info("bundle failed validation",
				zap.String("bundle", name),
				zap.String("bundle_id", report.BundleID),
				zap.Int("findings", len(report.Findings)))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}
