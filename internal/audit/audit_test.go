package audit_test

import (
	"strings"
	"testing"
	"time"

	"planbox/internal/audit"
	"planbox/internal/tracker"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) *audit.Recorder {
	t.Helper()
	r := audit.NewRecorder(t.TempDir())
	r.Now = func() time.Time { return testNow }
	return r
}

func TestRecorderRedactsCredentials(t *testing.T) {
	r := newRecorder(t)
	r.Begin("b-1", audit.ModeReal)
	r.Append(audit.Action{
		Kind:   "create",
		Method: "POST",
		URL:    "https://tracker.example/org/_apis/wit/workitems/$Feature",
		Headers: map[string]string{
			"Authorization": "Basic c2VjcmV0",
			"Content-Type":  "application/json-patch+json",
		},
		Request: map[string]any{
			"fields": map[string]any{"System.Title": "ok"},
			"nested": map[string]any{"api_key": "k-123", "Token": "t-456"},
		},
		Status: audit.StatusSucceeded,
	})

	rec := r.Record()
	a := rec.Actions[0]
	if a.Headers["Authorization"] != audit.RedactionMarker {
		t.Fatalf("authorization not redacted: %q", a.Headers["Authorization"])
	}
	if a.Headers["Content-Type"] != "application/json-patch+json" {
		t.Fatalf("harmless header mangled: %q", a.Headers["Content-Type"])
	}
	body := a.Request.(map[string]any)
	nested := body["nested"].(map[string]any)
	if nested["api_key"] != audit.RedactionMarker || nested["Token"] != audit.RedactionMarker {
		t.Fatalf("nested credentials not redacted: %v", nested)
	}
	fields := body["fields"].(map[string]any)
	if fields["System.Title"] != "ok" {
		t.Fatalf("non-credential value altered: %v", fields)
	}
}

func TestRecorderRedactsTypedPayloads(t *testing.T) {
	r := newRecorder(t)
	r.Begin("b-1", audit.ModeReal)
	r.Append(audit.Action{
		Kind: "create",
		Request: []tracker.PatchOp{
			{Op: "add", Path: "/fields/System.Title", Value: "fine"},
			{Op: "add", Path: "/fields/Custom.Password", Value: map[string]any{"password": "hunter2"}},
		},
	})
	list := r.Record().Actions[0].Request.([]any)
	second := list[1].(map[string]any)
	value := second["value"].(map[string]any)
	if value["password"] != audit.RedactionMarker {
		t.Fatalf("typed payload credential survived: %v", value)
	}
}

func TestFinalizeWritesExactlyOnce(t *testing.T) {
	r := newRecorder(t)
	rec := r.Begin("b-1", audit.ModeReal)
	r.Append(audit.Action{Kind: "create", LocalID: "f1", Status: audit.StatusSucceeded, ExternalID: 7})

	path, err := r.Finalize("succeeded", "", map[string]int{"f1": 7})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if path == "" {
		t.Fatalf("no audit path returned")
	}
	if _, err := r.Finalize("succeeded", "", nil); err == nil {
		t.Fatalf("second finalize must fail")
	}

	loaded, err := audit.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RunID != rec.RunID {
		t.Fatalf("run id mismatch: %q vs %q", loaded.RunID, rec.RunID)
	}
	if loaded.IdentifierMap["f1"] != 7 {
		t.Fatalf("identifier map not persisted: %v", loaded.IdentifierMap)
	}
	if loaded.Actions[0].Seq != 1 {
		t.Fatalf("seq not assigned: %+v", loaded.Actions[0])
	}
}

func TestFailedRunStillGetsOneRecord(t *testing.T) {
	r := newRecorder(t)
	r.Begin("b-1", audit.ModeReal)
	r.Append(audit.Action{Kind: "create", LocalID: "f1", Status: audit.StatusFailed, Error: "boom"})

	path, err := r.Finalize("failed", "create Feature: boom", nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	loaded, err := audit.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Result != "failed" || loaded.Failure == "" {
		t.Fatalf("failure not recorded: %+v", loaded)
	}
}

func TestRecordFilesNeverCollide(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 2; i++ {
		r := audit.NewRecorder(dir)
		r.Now = func() time.Time { return testNow }
		r.Begin("same bundle/id", audit.ModeDryRun)
		path, err := r.Finalize("planned", "", nil)
		if err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
		paths = append(paths, path)
	}
	if paths[0] == paths[1] {
		t.Fatalf("two runs wrote the same file: %s", paths[0])
	}
	if strings.Contains(paths[0], "/same bundle") {
		t.Fatalf("bundle id not sanitized in %s", paths[0])
	}
}

func dryAndReal(t *testing.T, realTitle string) (*audit.Record, *audit.Record) {
	t.Helper()
	dry := audit.NewRecorder(t.TempDir())
	dry.Now = func() time.Time { return testNow }
	dry.Begin("b-1", audit.ModeDryRun)
	dry.Append(audit.Action{Kind: "create", LocalID: "f1", Method: "POST",
		Request: []tracker.PatchOp{{Op: "add", Path: "/fields/System.Title", Value: "planned title"}},
		Status:  audit.StatusPlanned})
	dry.Append(audit.Action{Kind: "link", LocalID: "s1", Method: "PATCH",
		Request: map[string]string{"parent": "local:f1"}, Status: audit.StatusPlanned})

	real := audit.NewRecorder(t.TempDir())
	real.Now = func() time.Time { return testNow }
	real.Begin("b-1", audit.ModeReal)
	real.Append(audit.Action{Kind: "create", LocalID: "f1", Method: "POST",
		Request:    []tracker.PatchOp{{Op: "add", Path: "/fields/System.Title", Value: realTitle}},
		Status:     audit.StatusSucceeded,
		ExternalID: 4711})
	real.Append(audit.Action{Kind: "link", LocalID: "s1", Method: "PATCH",
		Request: []tracker.PatchOp{{Op: "add", Path: "/relations/-",
			Value: tracker.RelationValue{Rel: tracker.HierarchyRelation, URL: "https://x/4711"}}},
		Status: audit.StatusSucceeded})

	return dry.Record(), real.Record()
}

func TestDiffIgnoresOutcomesAndLinkBodies(t *testing.T) {
	dry, real := dryAndReal(t, "planned title")
	if d := audit.Diff(dry, real); d != "" {
		t.Fatalf("expected parity, got diff:\n%s", d)
	}
}

func TestDiffCatchesDivergingCreates(t *testing.T) {
	dry, real := dryAndReal(t, "a different title")
	if d := audit.Diff(dry, real); d == "" {
		t.Fatalf("expected diff for diverging create bodies")
	}
}
