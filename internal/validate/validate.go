package validate

import (
	"planbox/internal/contract"
)

// Run validates raw bundle bytes against the effective contract and
// returns the full report. Pure: no clock, no filesystem, no side
// effects, so re-running against an unchanged contract is idempotent.
func Run(raw []byte, e *contract.Effective) *Report {
	pb, structural := structuralStage(raw)
	if pb == nil || len(pb.Items) == 0 {
		// Nothing well-formed to inspect further.
		return buildReport(pb.ID, structural, nil, nil, false)
	}
	policy := policyStage(pb, e)
	capability := capabilityStage(pb, e)
	return buildReport(pb.ID, structural, policy, capability, true)
}
