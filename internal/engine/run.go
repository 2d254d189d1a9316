package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"planbox/internal/bundle"
	"planbox/internal/outbox"
)

// WriteOutcome records what happened to one bundle during a write run.
type WriteOutcome struct {
	Bundle    string         `json:"bundle"`
	RunID     string         `json:"run_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Created   int            `json:"created"`
	Linked    int            `json:"linked"`
	Skipped   int            `json:"skipped"`
	AuditPath string         `json:"audit_path,omitempty"`
	MovedTo   string         `json:"moved_to,omitempty"`
	IDMap     map[string]int `json:"identifier_map,omitempty"`
	Err       string         `json:"error,omitempty"`
}

// RunWrite claims each named bundle out of validated and executes it.
// Successful real runs archive the bundle with an audit reference
// sidecar. Dry runs and failed runs return the bundle to validated, so
// a failed bundle stays addressable and is never retried automatically.
func (g *Engine) RunWrite(ctx context.Context, o outbox.Outbox, names []string) []WriteOutcome {
	outcomes := make([]WriteOutcome, 0, len(names))
	for _, name := range names {
		outcomes = append(outcomes, g.runOne(ctx, o, name))
	}
	return outcomes
}

func (g *Engine) runOne(ctx context.Context, o outbox.Outbox, name string) WriteOutcome {
	outcome := WriteOutcome{Bundle: name}

	claim, err := o.Claim(outbox.StateValidated, name)
	if err != nil {
		outcome.Err = err.Error()
		g.log().Warn("bundle not claimable", zap.String("bundle", name), zap.Error(err))
		return outcome
	}
	data, err := claim.Data()
	if err != nil {
		outcome.Err = err.Error()
		_ = claim.Keep()
		return outcome
	}
	b, err := bundle.FromJSON(data)
	if err != nil {
		outcome.Err = err.Error()
		_ = claim.Keep()
		return outcome
	}

	res, execErr := g.Execute(ctx, b)
	if res != nil {
		outcome.RunID = res.RunID
		outcome.Mode = res.Mode
		outcome.Created = res.Created
		outcome.Linked = res.Linked
		outcome.Skipped = res.Skipped
		outcome.AuditPath = res.AuditPath
		outcome.IDMap = res.IdentifierMap
	}

	switch {
	case execErr != nil:
		outcome.Err = execErr.Error()
		if err := claim.Keep(); err != nil {
			g.log().Error("return bundle to validated", zap.String("bundle", name), zap.Error(err))
		}
		if errors.Is(execErr, ErrWriteHalted) {
			g.log().Warn("write run halted",
				zap.String("bundle", name),
				zap.String("run_id", outcome.RunID),
				zap.Int("created_before_halt", outcome.Created))
		}
	case g.DryRun:
		if err := claim.Keep(); err != nil {
			outcome.Err = err.Error()
		}
	default:
		moved, err := claim.Release(outbox.StateArchived)
		if err != nil {
			outcome.Err = err.Error()
			return outcome
		}
		outcome.MovedTo = moved
		if _, err := o.WriteAuditRef(name, outbox.AuditRef{
			RunID:     res.RunID,
			AuditPath: res.AuditPath,
			BundleID:  b.BundleID,
		}); err != nil {
			outcome.Err = err.Error()
		}
	}
	return outcome
}
