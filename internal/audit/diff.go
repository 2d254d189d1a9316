package audit

import (
	"github.com/google/go-cmp/cmp"
)

// plannedAction is the stable projection used to prove a dry-run plan
// against a real run: everything that describes what would be sent,
// nothing about when or how it went. Link request bodies are excluded
// because dry runs reference parents by placeholder while real runs
// embed the assigned external identifier.
type plannedAction struct {
	Kind    string
	LocalID string
	Method  string
	Request any
}

func project(rec *Record) []plannedAction {
	out := make([]plannedAction, 0, len(rec.Actions))
	for _, a := range rec.Actions {
		p := plannedAction{
			Kind:    a.Kind,
			LocalID: a.LocalID,
			Method:  a.Method,
		}
		if a.Kind == "create" {
			p.Request = a.Request
		}
		out = append(out, p)
	}
	return out
}

// Diff compares a dry-run record's planned actions against a real run's
// attempted actions. An empty string means the real run executed exactly
// the plan the dry run produced.
func Diff(dry, real *Record) string {
	return cmp.Diff(project(dry), project(real))
}
