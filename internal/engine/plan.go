// Package engine turns a validated bundle into tracker work items. It
// plans the full run up front (creation order, resolved fields, parent
// links), then executes the plan strictly sequentially, recording every
// action in the audit trail and the written-item registry.
package engine

import (
	"fmt"
	"sort"
	"strings"

	"planbox/internal/bundle"
	"planbox/internal/config"
	"planbox/internal/contract"
	"planbox/internal/tracker"
)

// PlannedItem is one item of the plan with its tracker type resolved
// and its create request body fully built.
type PlannedItem struct {
	LocalID     string
	Type        string
	TrackerType string
	Title       string
	Patch       []tracker.PatchOp

	// Exactly one of these is set when the item has a parent.
	ParentLocalID  string
	ParentExternal int
}

// Plan is the ordered set of creates and links for one bundle. Order is
// creation order: parent types before child types, bundle order within
// a type.
type Plan struct {
	BundleID string
	Items    []PlannedItem
}

// HasParent reports whether the item needs a link action.
func (p PlannedItem) HasParent() bool {
	return p.ParentLocalID != "" || p.ParentExternal != 0
}

// BuildPlan resolves every item of a validated bundle against the
// effective contract and configured location defaults. It assumes the
// bundle already passed validation; a resolution gap here is a bug and
// surfaces as an error.
func BuildPlan(b *bundle.Bundle, e *contract.Effective, defaults config.LocationDefaults) (*Plan, error) {
	rank := map[string]int{}
	for i, t := range e.CreationOrder() {
		rank[t] = i
	}

	ordered := make([]int, len(b.WorkItems))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iKnown := rank[b.WorkItems[ordered[i]].Type]
		rj, jKnown := rank[b.WorkItems[ordered[j]].Type]
		if iKnown != jKnown {
			return iKnown
		}
		return ri < rj
	})

	plan := &Plan{BundleID: b.BundleID}
	for _, idx := range ordered {
		item := b.WorkItems[idx]
		planned, err := planItem(b, &item, e, defaults)
		if err != nil {
			return nil, fmt.Errorf("plan item %s: %w", item.LocalID, err)
		}
		plan.Items = append(plan.Items, planned)
	}
	return plan, nil
}

func planItem(b *bundle.Bundle, item *bundle.WorkItem, e *contract.Effective, defaults config.LocationDefaults) (PlannedItem, error) {
	trackerType, ok := e.ResolveType(item.Type)
	if !ok {
		return PlannedItem{}, fmt.Errorf("canonical type %s has no tracker mapping", item.Type)
	}
	planned := PlannedItem{
		LocalID:     item.LocalID,
		Type:        item.Type,
		TrackerType: trackerType,
		Title:       item.Title,
	}

	add := func(ref string, value any) {
		planned.Patch = append(planned.Patch, tracker.PatchOp{
			Op:    "add",
			Path:  "/fields/" + ref,
			Value: value,
		})
	}
	resolve := func(key string) (string, error) {
		ref, ok := e.ResolveField(key, item.Type)
		if !ok {
			return "", fmt.Errorf("field %s has no mapping for %s", key, item.Type)
		}
		return ref, nil
	}

	titleRef, err := resolve("title")
	if err != nil {
		return PlannedItem{}, err
	}
	add(titleRef, item.Title)

	description := item.Description
	if len(item.AcceptanceCriteria) > 0 && !e.HasACDedicatedField(item.Type) {
		// No dedicated tracker field: fold the criteria into the
		// description so nothing is silently dropped.
		description = foldCriteria(description, item.AcceptanceCriteria)
	}
	if description != "" {
		ref, err := resolve("description")
		if err != nil {
			return PlannedItem{}, err
		}
		add(ref, description)
	}
	if len(item.AcceptanceCriteria) > 0 && e.HasACDedicatedField(item.Type) {
		ref, err := resolve("acceptance_criteria")
		if err != nil {
			return PlannedItem{}, err
		}
		add(ref, criteriaList(item.AcceptanceCriteria))
	}

	tags := mergedTags(item.Tags, b.ContextStrings("tags"))
	if len(tags) > 0 {
		if ref, ok := e.ResolveField("tags", item.Type); ok {
			add(ref, strings.Join(tags, "; "))
		}
	}

	area := resolveLocation(item.FieldString("area_path"), b.ContextString("default_area_path"), defaults.AreaPath)
	if area != "" {
		ref, err := resolve("area_path")
		if err != nil {
			return PlannedItem{}, err
		}
		add(ref, contract.NormalizePath(area))
	}
	iteration := resolveLocation(item.FieldString("iteration_path"), b.ContextString("default_iteration_path"), defaults.IterationPath)
	if iteration != "" {
		ref, err := resolve("iteration_path")
		if err != nil {
			return PlannedItem{}, err
		}
		add(ref, contract.NormalizePath(iteration))
	}

	extraKeys := make([]string, 0, len(item.Fields))
	for key := range item.Fields {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		if key == "area_path" || key == "iteration_path" {
			continue
		}
		ref, err := resolve(key)
		if err != nil {
			return PlannedItem{}, err
		}
		add(ref, item.Fields[key])
	}

	if parent := strings.TrimSpace(item.Relations.ParentLocalID); parent != "" {
		if id, external := externalRef(parent); external {
			planned.ParentExternal = id
		} else {
			planned.ParentLocalID = parent
		}
	}
	return planned, nil
}

// externalRef interprets an all-digit parent reference as an identifier
// of an item that already exists in the tracker.
func externalRef(ref string) (int, bool) {
	if ref == "" {
		return 0, false
	}
	id := 0
	for _, r := range ref {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int(r-'0')
	}
	return id, true
}

func resolveLocation(fromItem, fromContext, fromConfig string) string {
	for _, v := range []string{fromItem, fromContext, fromConfig} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func foldCriteria(description string, criteria []string) string {
	var sb strings.Builder
	sb.WriteString(description)
	if description != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Acceptance Criteria\n")
	sb.WriteString(criteriaList(criteria))
	return sb.String()
}

func criteriaList(criteria []string) string {
	var sb strings.Builder
	for i, c := range criteria {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(c)
	}
	return sb.String()
}

func mergedTags(itemTags, contextTags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), itemTags...), contextTags...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
