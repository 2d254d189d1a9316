package validate_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"planbox/internal/contract"
	"planbox/internal/validate"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testContract(t *testing.T) *contract.Effective {
	t.Helper()
	p := &contract.Policy{
		TypeMap: contract.TypeMap{CanonicalTypes: map[string]string{
			"Feature":   "Feature",
			"UserStory": "User Story",
		}},
		FieldMap: contract.FieldMap{Fields: map[string]contract.FieldMapping{
			"title":               {ReferenceName: "System.Title"},
			"description":         {ReferenceName: "System.Description"},
			"acceptance_criteria": {ReferenceName: "Microsoft.VSTS.Common.AcceptanceCriteria", AppliesTo: []string{"UserStory"}},
			"area_path":           {ReferenceName: "System.AreaPath"},
			"iteration_path":      {ReferenceName: "System.IterationPath"},
			"story_points":        {ReferenceName: "Microsoft.VSTS.Scheduling.StoryPoints", AppliesTo: []string{"UserStory"}},
		}},
		FieldPolicy: contract.FieldPolicy{
			AllowedFields: map[string][]string{
				"Feature":   {"area_path", "iteration_path"},
				"UserStory": {"area_path", "iteration_path", "story_points"},
			},
			RequiredFields: map[string][]string{
				"UserStory": {"acceptance_criteria"},
			},
		},
		LinkPolicy: contract.LinkPolicy{
			AllowedLinkKinds:      []string{"parent_local_id"},
			MaxDepth:              2,
			ForbidSameTypeNesting: []string{"Feature", "UserStory"},
			Hierarchy:             []string{"Feature", "UserStory"},
		},
		Standards: contract.Standards{RequiredTags: []string{"ai-generated"}},
	}
	c := &contract.Capability{
		Types: contract.TypeFacts{
			SyncedAt: testNow.Add(-time.Hour),
			Types: map[string]contract.TrackerType{
				"Feature": {
					Fields:         []string{"System.Title", "System.Description", "System.AreaPath", "System.IterationPath"},
					RequiredFields: []string{"System.Title"},
				},
				"User Story": {
					Fields:         []string{"System.Title", "System.Description", "System.AreaPath", "System.IterationPath", "Microsoft.VSTS.Common.AcceptanceCriteria", "Microsoft.VSTS.Scheduling.StoryPoints"},
					RequiredFields: []string{"System.Title"},
				},
			},
		},
		Locations: contract.LocationFacts{
			SyncedAt:       testNow.Add(-time.Hour),
			AreaPaths:      []string{`Demo\Platform`},
			IterationPaths: []string{`Demo\Sprint 1`},
		},
	}
	e, err := contract.Compose(p, c, contract.ComposeOptions{ReferenceTime: testNow, MaxAge: 24 * time.Hour})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return e
}

type itemSpec struct {
	LocalID string
	Type    string
	Parent  string
	Tags    []string
	Fields  map[string]any
	AC      []string
}

func bundleJSON(t *testing.T, items ...itemSpec) []byte {
	t.Helper()
	rawItems := make([]map[string]any, 0, len(items))
	for _, it := range items {
		tags := it.Tags
		if tags == nil {
			tags = []string{"ai-generated"}
		}
		ac := it.AC
		if ac == nil {
			ac = []string{"it works"}
		}
		raw := map[string]any{
			"local_id":            it.LocalID,
			"type":                it.Type,
			"title":               "Title of " + it.LocalID,
			"description":         "Description of " + it.LocalID,
			"acceptance_criteria": ac,
			"tags":                tags,
			"relations":           map[string]any{"parent_local_id": it.Parent},
		}
		if it.Fields != nil {
			raw["fields"] = it.Fields
		}
		rawItems = append(rawItems, raw)
	}
	doc := map[string]any{
		"schema_version": "1.0",
		"bundle_id":      "bundle-001",
		"source": map[string]any{
			"agent_name":   "planner",
			"prompt_id":    "p-1",
			"generated_at": "2025-06-01T10:00:00Z",
		},
		"context": map[string]any{
			"default_area_path":      `Demo\Platform`,
			"default_iteration_path": `Demo\Sprint 1`,
		},
		"work_items": rawItems,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return data
}

func findCodes(report *validate.Report) map[string]int {
	codes := map[string]int{}
	for _, f := range report.Findings {
		codes[f.Code]++
	}
	return codes
}

func TestValidBundlePasses(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature"},
		itemSpec{LocalID: "s1", Type: "UserStory", Parent: "f1"},
	)
	report := validate.Run(raw, e)
	if !report.Passed() {
		t.Fatalf("expected pass, findings: %+v", report.Findings)
	}
	for stage, res := range report.Stages {
		if res.Status != validate.StatusPassed {
			t.Fatalf("stage %s = %s", stage, res.Status)
		}
	}
	if report.BundleID != "bundle-001" {
		t.Fatalf("bundle id %q", report.BundleID)
	}
}

func TestValidationIsIdempotent(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature"},
		itemSpec{LocalID: "s1", Type: "UserStory", Parent: "f1"},
		itemSpec{LocalID: "s2", Type: "UserStory", Parent: "missing"},
	)
	first := validate.Run(raw, e)
	second := validate.Run(raw, e)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reports differ across identical runs")
	}
}

func TestMalformedJSONSkipsLaterStages(t *testing.T) {
	e := testContract(t)
	report := validate.Run([]byte("{not json"), e)
	if report.Passed() {
		t.Fatalf("expected failure")
	}
	if codes := findCodes(report); codes[validate.CodeBundleDecode] != 1 {
		t.Fatalf("expected decode finding, got %v", codes)
	}
	if report.Stages[validate.StagePolicy].Status != validate.StatusSkipped {
		t.Fatalf("policy stage should be skipped")
	}
	if report.Stages[validate.StageCapability].Status != validate.StatusSkipped {
		t.Fatalf("capability stage should be skipped")
	}
}

func TestEmptyWorkItems(t *testing.T) {
	e := testContract(t)
	raw := []byte(`{"schema_version":"1.0","bundle_id":"b","source":{"agent_name":"a","prompt_id":"p","generated_at":"g"},"work_items":[]}`)
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeEmptyWorkItems] != 1 {
		t.Fatalf("expected empty work_items finding, got %v", codes)
	}
	if report.Stages[validate.StagePolicy].Status != validate.StatusSkipped {
		t.Fatalf("policy stage should be skipped for empty bundles")
	}
}

func TestOneBrokenItemDoesNotHideSiblings(t *testing.T) {
	e := testContract(t)
	raw := []byte(`{
		"schema_version":"1.0","bundle_id":"b",
		"source":{"agent_name":"a","prompt_id":"p","generated_at":"g"},
		"context":{"default_area_path":"Demo\\Platform","default_iteration_path":"Demo\\Sprint 1"},
		"work_items":[
			{"local_id":"9bad","type":"Widget","title":"","description":"d","acceptance_criteria":[],"relations":{"parent_local_id":""}},
			{"local_id":"s1","type":"UserStory","title":"T","description":"D","acceptance_criteria":[],"tags":["ai-generated"],"relations":{"parent_local_id":"nowhere"}}
		]}`)
	report := validate.Run(raw, e)
	codes := findCodes(report)
	// first item: bad local id, unknown type, empty title
	if codes[validate.CodeInvalidLocalID] != 1 || codes[validate.CodeUnknownItemType] != 1 || codes[validate.CodeMissingKey] != 1 {
		t.Fatalf("structural findings incomplete: %v", codes)
	}
	// second item still reaches policy stage
	if codes[validate.CodeUnresolvedParent] != 1 {
		t.Fatalf("sibling policy finding missing: %v", codes)
	}
	// required acceptance_criteria for the story is empty
	if codes[validate.CodeMissingRequiredField] != 1 {
		t.Fatalf("required field finding missing: %v", codes)
	}
}

func TestDuplicateLocalIDs(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature"},
		itemSpec{LocalID: "f1", Type: "Feature"},
	)
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeDuplicateLocalID] != 1 {
		t.Fatalf("expected one duplicate finding, got %v", codes)
	}
}

func TestParentResolution(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "s1", Type: "UserStory", Parent: "123456"}, // external parent
		itemSpec{LocalID: "s2", Type: "UserStory", Parent: ""},       // only root type may be unparented
		itemSpec{LocalID: "s3", Type: "UserStory", Parent: "ghost"},
	)
	report := validate.Run(raw, e)
	codes := findCodes(report)
	if codes[validate.CodeMissingParent] != 1 {
		t.Fatalf("expected missing parent for s2, got %v", codes)
	}
	if codes[validate.CodeUnresolvedParent] != 1 {
		t.Fatalf("expected unresolved parent for s3, got %v", codes)
	}
}

func TestSameTypeNestingForbidden(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature"},
		itemSpec{LocalID: "f2", Type: "Feature", Parent: "f1"},
	)
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeSameTypeNesting] != 1 {
		t.Fatalf("expected same-type nesting finding, got %v", codes)
	}
}

func TestSelfParentAndCycleAreDistinct(t *testing.T) {
	e := testContract(t)

	self := bundleJSON(t, itemSpec{LocalID: "s1", Type: "UserStory", Parent: "s1"})
	report := validate.Run(self, e)
	if codes := findCodes(report); codes[validate.CodeSelfParent] != 1 {
		t.Fatalf("expected self-parent finding, got %v", codes)
	}

	cycle := bundleJSON(t,
		itemSpec{LocalID: "a", Type: "UserStory", Parent: "b"},
		itemSpec{LocalID: "b", Type: "Feature", Parent: "a"},
	)
	report = validate.Run(cycle, e)
	codes := findCodes(report)
	if codes[validate.CodeHierarchyCycle] == 0 {
		t.Fatalf("expected cycle finding, got %v", codes)
	}
	if codes[validate.CodeSelfParent] != 0 {
		t.Fatalf("cycle must not be reported as self-parent: %v", codes)
	}
}

func TestMaxDepthExceeded(t *testing.T) {
	e := testContract(t)
	// chain of three with max_depth 2
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature"},
		itemSpec{LocalID: "s1", Type: "UserStory", Parent: "f1"},
		itemSpec{LocalID: "f2", Type: "Feature", Parent: "s1"},
	)
	report := validate.Run(raw, e)
	codes := findCodes(report)
	if codes[validate.CodeMaxDepthExceeded] == 0 {
		t.Fatalf("expected depth finding, got %v", codes)
	}
	if codes[validate.CodeHierarchyCycle] != 0 {
		t.Fatalf("depth overrun must not be reported as cycle: %v", codes)
	}
}

func TestRequiredTags(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t, itemSpec{LocalID: "f1", Type: "Feature", Tags: []string{"other"}})
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeMissingRequiredTags] != 1 {
		t.Fatalf("expected missing tag finding, got %v", codes)
	}
}

func TestUnknownFieldKey(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t, itemSpec{
		LocalID: "f1", Type: "Feature",
		Fields: map[string]any{"story_points": 5},
	})
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeUnknownFieldKey] != 1 {
		t.Fatalf("expected unknown field key finding, got %v", codes)
	}
}

func TestLocationFindings(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t, itemSpec{
		LocalID: "f1", Type: "Feature",
		Fields: map[string]any{"area_path": `Demo\Missing`},
	})
	report := validate.Run(raw, e)
	if codes := findCodes(report); codes[validate.CodeUnknownAreaPath] != 1 {
		t.Fatalf("expected unknown area finding, got %v", codes)
	}

	// no iteration anywhere: unresolved, not unknown
	noDefaults := []byte(`{
		"schema_version":"1.0","bundle_id":"b",
		"source":{"agent_name":"a","prompt_id":"p","generated_at":"g"},
		"work_items":[
			{"local_id":"f1","type":"Feature","title":"T","description":"D","acceptance_criteria":[],"tags":["ai-generated"],"relations":{"parent_local_id":""}}
		]}`)
	report = validate.Run(noDefaults, e)
	codes := findCodes(report)
	if codes[validate.CodeUnresolvedAreaPath] != 1 || codes[validate.CodeUnresolvedIterationPath] != 1 {
		t.Fatalf("expected unresolved locations, got %v", codes)
	}
	if codes[validate.CodeUnknownAreaPath] != 0 {
		t.Fatalf("unresolved must not double-report as unknown: %v", codes)
	}
}

func TestReportAggregatesAcrossStages(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t,
		itemSpec{LocalID: "f1", Type: "Feature", Tags: []string{"none"}, Fields: map[string]any{"area_path": "Demo/Missing"}},
	)
	report := validate.Run(raw, e)
	codes := findCodes(report)
	if codes[validate.CodeMissingRequiredTags] == 0 || codes[validate.CodeUnknownAreaPath] == 0 {
		t.Fatalf("expected findings from both policy and capability stages: %v", codes)
	}
	if report.Stages[validate.StagePolicy].IssueCount == 0 {
		t.Fatalf("policy issue count not recorded")
	}
	if report.Stages[validate.StageCapability].IssueCount == 0 {
		t.Fatalf("capability issue count not recorded")
	}
}

func TestFindingsCarrySuggestions(t *testing.T) {
	e := testContract(t)
	raw := bundleJSON(t, itemSpec{LocalID: "s1", Type: "UserStory", Parent: "ghost"})
	report := validate.Run(raw, e)
	for _, f := range report.Findings {
		if f.Suggestion == "" {
			t.Fatalf("finding %s at %s has no suggestion", f.Code, f.Path)
		}
		if f.Path == "" {
			t.Fatalf("finding %s has no path", f.Code)
		}
	}
}
