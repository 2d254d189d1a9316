package engine_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"planbox/internal/audit"
	"planbox/internal/outbox"
)

func newTestOutbox(t *testing.T) outbox.Outbox {
	t.Helper()
	o := outbox.Outbox{Root: t.TempDir()}
	if err := o.Ensure(); err != nil {
		t.Fatalf("ensure outbox: %v", err)
	}
	return o
}

func dropValidated(t *testing.T, o outbox.Outbox, name string) {
	t.Helper()
	data, err := json.Marshal(testBundle())
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	if err := os.WriteFile(filepath.Join(o.Dir(outbox.StateValidated), name), data, 0o644); err != nil {
		t.Fatalf("drop bundle: %v", err)
	}
}

func listState(t *testing.T, o outbox.Outbox, s outbox.State) []string {
	t.Helper()
	names, err := o.List(s)
	if err != nil {
		t.Fatalf("list %s: %v", s, err)
	}
	return names
}

func TestRunWriteArchivesWithAuditRef(t *testing.T) {
	env := newTestEnv(t)
	o := newTestOutbox(t)
	dropValidated(t, o, "b-1.json")

	outcomes := env.Engine.RunWrite(env.Ctx, o, []string{"b-1.json"})
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	oc := outcomes[0]
	if oc.Err != "" {
		t.Fatalf("unexpected error: %s", oc.Err)
	}
	if oc.Created != 3 || oc.Linked != 2 {
		t.Fatalf("outcome = %+v", oc)
	}
	if oc.MovedTo == "" || filepath.Dir(oc.MovedTo) != o.Dir(outbox.StateArchived) {
		t.Fatalf("moved to %q", oc.MovedTo)
	}
	if got := listState(t, o, outbox.StateValidated); len(got) != 0 {
		t.Fatalf("validated still holds %v", got)
	}

	ref, err := os.ReadFile(filepath.Join(o.Dir(outbox.StateArchived), "b-1.audit-ref.yml"))
	if err != nil {
		t.Fatalf("audit ref sidecar: %v", err)
	}
	if !strings.Contains(string(ref), oc.RunID) || !strings.Contains(string(ref), oc.AuditPath) {
		t.Fatalf("sidecar does not reference the run:\n%s", ref)
	}
}

func TestRunWriteHaltedBundleStaysValidated(t *testing.T) {
	env := newTestEnv(t)
	env.Tracker.failCreateAt = 2
	o := newTestOutbox(t)
	dropValidated(t, o, "b-1.json")

	outcomes := env.Engine.RunWrite(env.Ctx, o, []string{"b-1.json"})
	oc := outcomes[0]
	if oc.Err == "" {
		t.Fatalf("expected a halted run")
	}
	// returned to validated, never auto-retried, never archived
	if got := listState(t, o, outbox.StateValidated); len(got) != 1 || got[0] != "b-1.json" {
		t.Fatalf("bundle not returned to validated: %v", got)
	}
	if got := listState(t, o, outbox.StateArchived); len(got) != 0 {
		t.Fatalf("halted run reached archived: %v", got)
	}
	if _, err := os.Stat(filepath.Join(o.Dir(outbox.StateArchived), "b-1.audit-ref.yml")); !os.IsNotExist(err) {
		t.Fatalf("halted run left an audit ref sidecar")
	}
	if oc.AuditPath == "" {
		t.Fatalf("no audit record for halted run")
	}
}

func TestRunWriteDryRunKeepsBundle(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.DryRun = true
	o := newTestOutbox(t)
	dropValidated(t, o, "b-1.json")

	outcomes := env.Engine.RunWrite(env.Ctx, o, []string{"b-1.json"})
	if outcomes[0].Err != "" {
		t.Fatalf("dry run error: %s", outcomes[0].Err)
	}
	if got := listState(t, o, outbox.StateValidated); len(got) != 1 {
		t.Fatalf("dry run moved the bundle: %v", got)
	}
	if got := listState(t, o, outbox.StateArchived); len(got) != 0 {
		t.Fatalf("dry run archived the bundle: %v", got)
	}
}

func TestRegistryFailureStillLeavesAuditRecord(t *testing.T) {
	env := newTestEnv(t)
	// break the registry after the recorder is wired up
	if err := env.Repo.DB.Close(); err != nil {
		t.Fatalf("close registry: %v", err)
	}

	res, err := env.Engine.Execute(env.Ctx, testBundle())
	if err == nil {
		t.Fatalf("expected a registry failure")
	}
	if res == nil || res.AuditPath == "" {
		t.Fatalf("no audit record for aborted run: %+v", res)
	}
	rec, loadErr := audit.Load(res.AuditPath)
	if loadErr != nil {
		t.Fatalf("load audit: %v", loadErr)
	}
	if rec.Result != "failed" || rec.Failure == "" {
		t.Fatalf("aborted run record: result=%s failure=%q", rec.Result, rec.Failure)
	}
	if len(rec.Actions) != 0 {
		t.Fatalf("aborted run recorded actions: %d", len(rec.Actions))
	}
}
