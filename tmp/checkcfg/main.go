package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"planbox/internal/audit"
	"planbox/internal/bundle"
	"planbox/internal/config"
	"planbox/internal/contract"
	"planbox/internal/engine"
	"planbox/internal/registry"
	"planbox/internal/tracker"
)

// scratch end-to-end check against a stub tracker

func main() {
	workspace := "/tmp/planbox-check2"
	_ = os.MkdirAll(workspace, 0o755)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 4711}`)
	}))
	defer ts.Close()

	cfg, err := config.FromYAML([]byte(config.GenerateDefault(ts.URL, "Demo")))
	if err != nil {
		panic(err)
	}
	now := time.Now()
	e, err := contract.Compose(demoPolicy(), demoCapability(now), contract.ComposeOptions{
		ReferenceTime: now,
		MaxAge:        time.Hour,
	})
	if err != nil {
		panic(err)
	}

	conn, err := registry.Open(workspace)
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := registry.Migrate(conn); err != nil {
		panic(err)
	}

	g := &engine.Engine{
		Client:   tracker.New(tracker.Config{OrgURL: ts.URL, Project: "Demo", Token: "scratch"}),
		Contract: e,
		Config:   cfg,
		Token:    "scratch",
		Recorder: audit.NewRecorder(filepath.Join(workspace, "audit")),
		Repo:     registry.Repo{DB: conn},
	}
	_ = os.MkdirAll(filepath.Join(workspace, "audit"), 0o755)

	b := &bundle.Bundle{
		SchemaVersion: "1.0",
		BundleID:      "scratch-001",
		WorkItems: []bundle.WorkItem{
			{LocalID: "f1", Type: bundle.TypeFeature, Title: "Feature"},
			{LocalID: "s1", Type: bundle.TypeUserStory, Title: "Story",
				Relations: bundle.Relations{ParentLocalID: "f1"}},
		},
	}
	res, err := g.Execute(context.Background(), b)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run=%s created=%d linked=%d audit=%s\n", res.RunID, res.Created, res.Linked, res.AuditPath)
}

func demoPolicy() *contract.Policy {
	return &contract.Policy{
		TypeMap: contract.TypeMap{CanonicalTypes: map[string]string{
			bundle.TypeFeature:   "Feature",
			bundle.TypeUserStory: "User Story",
		}},
		FieldMap: contract.FieldMap{Fields: map[string]contract.FieldMapping{
			"title":       {ReferenceName: "System.Title"},
			"description": {ReferenceName: "System.Description"},
		}},
		LinkPolicy: contract.LinkPolicy{
			MaxDepth:  3,
			Hierarchy: []string{bundle.TypeFeature, bundle.TypeUserStory},
		},
	}
}

func demoCapability(now time.Time) *contract.Capability {
	return &contract.Capability{
		Types: contract.TypeFacts{
			SyncedAt: now,
			Types: map[string]contract.TrackerType{
				"Feature":    {Fields: []string{"System.Title", "System.Description"}},
				"User Story": {Fields: []string{"System.Title", "System.Description"}},
			},
		},
		Locations: contract.LocationFacts{SyncedAt: now},
	}
}
