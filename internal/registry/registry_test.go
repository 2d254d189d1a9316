package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planbox/internal/registry"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) registry.Repo {
	t.Helper()
	conn, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := registry.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return registry.Repo{DB: conn}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := registry.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := registry.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestWrittenItemRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	item := registry.WrittenItem{
		BundleID:    "b-1",
		LocalID:     "f1",
		ExternalID:  4711,
		TrackerType: "Feature",
		Title:       "A feature",
		CreatedAt:   testNow,
	}
	if err := r.RecordCreated(ctx, item); err != nil {
		t.Fatalf("record: %v", err)
	}
	// re-recording keeps the original external id
	item.ExternalID = 9999
	if err := r.RecordCreated(ctx, item); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	idMap, err := r.IdentifierMap(ctx, "b-1")
	if err != nil {
		t.Fatalf("identifier map: %v", err)
	}
	if idMap["f1"] != 4711 {
		t.Fatalf("idMap = %v", idMap)
	}

	items, err := r.ListForBundle(ctx, "b-1")
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %v", items, err)
	}
	if items[0].Linked {
		t.Fatalf("fresh item should not be linked")
	}
	if !items[0].CreatedAt.Equal(testNow) {
		t.Fatalf("created_at = %v", items[0].CreatedAt)
	}

	if err := r.MarkLinked(ctx, "b-1", "f1"); err != nil {
		t.Fatalf("mark linked: %v", err)
	}
	items, _ = r.ListForBundle(ctx, "b-1")
	if !items[0].Linked {
		t.Fatalf("link not persisted")
	}

	if err := r.MarkLinked(ctx, "b-1", "nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentifierMapScopedToBundle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_ = r.RecordCreated(ctx, registry.WrittenItem{BundleID: "b-1", LocalID: "f1", ExternalID: 1, TrackerType: "Feature", CreatedAt: testNow})
	_ = r.RecordCreated(ctx, registry.WrittenItem{BundleID: "b-2", LocalID: "f1", ExternalID: 2, TrackerType: "Feature", CreatedAt: testNow})

	idMap, err := r.IdentifierMap(ctx, "b-2")
	if err != nil {
		t.Fatalf("identifier map: %v", err)
	}
	if len(idMap) != 1 || idMap["f1"] != 2 {
		t.Fatalf("idMap = %v", idMap)
	}
}

func TestRunsListAndGet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b"} {
		err := r.RecordRun(ctx, registry.Run{
			RunID:      id,
			BundleID:   "b-1",
			Mode:       "real",
			Result:     "succeeded",
			AuditPath:  "/audit/" + id + ".yml",
			StartedAt:  testNow.Add(time.Duration(i) * time.Minute),
			FinishedAt: testNow.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		if err != nil {
			t.Fatalf("record run %s: %v", id, err)
		}
	}

	runs, err := r.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" {
		t.Fatalf("runs = %+v", runs)
	}

	run, err := r.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.AuditPath != "/audit/run-a.yml" {
		t.Fatalf("audit path = %q", run.AuditPath)
	}
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
