package validate

import (
	"fmt"
	"sort"
	"strings"

	"planbox/internal/bundle"
	"planbox/internal/contract"
)

// isExternalParentRef reports whether the parent reference names an item
// that already exists in the target system (numeric external identifier)
// rather than a sibling in the bundle.
func isExternalParentRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// policyStage enforces governance rules from the effective contract.
// Checks run in a fixed order because later checks assume earlier ones
// hold: local id uniqueness, parent resolution, relation kinds, same-type
// nesting, cycles and depth, tags, field governance.
func policyStage(pb *parsedBundle, e *contract.Effective) []Finding {
	var findings []Finding
	add := func(code, localID, path, message, suggestion string) {
		findings = append(findings, Finding{
			Stage: StagePolicy, Code: code, LocalID: localID,
			Path: path, Message: message, Suggestion: suggestion,
		})
	}

	byLocalID := map[string]*parsedItem{}
	duplicates := map[string]bool{}
	for i := range pb.Items {
		item := &pb.Items[i]
		if !item.OK || item.Item.LocalID == "" {
			continue
		}
		if _, exists := byLocalID[item.Item.LocalID]; exists {
			duplicates[item.Item.LocalID] = true
			continue
		}
		byLocalID[item.Item.LocalID] = item
	}
	for _, id := range sortedKeys(duplicates) {
		add(CodeDuplicateLocalID, id, "$.work_items.local_id",
			fmt.Sprintf("duplicate local_id %q in bundle", id),
			"Every work item local_id must be unique within the bundle.")
	}

	rootType := ""
	if order := e.CreationOrder(); len(order) > 0 {
		rootType = order[0]
	}
	contextTags := contextStrings(pb.Context, "tags")

	for i := range pb.Items {
		item := &pb.Items[i]
		if !item.OK {
			continue
		}
		w := item.Item
		itemPath := fmt.Sprintf("$.work_items.%d", item.Index)
		parentRef := w.Relations.ParentLocalID

		// (b) every parent reference resolves to a sibling or an external item.
		parent, isSibling := byLocalID[parentRef]
		switch {
		case parentRef == "":
			if w.Type != rootType {
				add(CodeMissingParent, w.LocalID, itemPath+".relations.parent_local_id",
					fmt.Sprintf("work item %q (%s) has no parent; only %s items may be externally rooted",
						w.LocalID, w.Type, rootType),
					"Reference a sibling local_id or an external parent identifier.")
			}
		case isSibling, isExternalParentRef(parentRef):
			// resolved
		default:
			add(CodeUnresolvedParent, w.LocalID, itemPath+".relations.parent_local_id",
				fmt.Sprintf("parent_local_id %q does not reference any work item in this bundle", parentRef),
				"Reference an existing sibling local_id or a numeric external identifier.")
		}

		// (c) parent-child is the only relation kind.
		for _, kind := range item.ExtraRelationKinds {
			if !e.LinkKindAllowed(kind) {
				add(CodeLinkKindNotAllowed, w.LocalID, itemPath+".relations."+kind,
					fmt.Sprintf("relation kind %q is not allowed; only parent-child links are supported", kind),
					"Remove the relation from the bundle.")
			}
		}

		// (d) no same-canonical-type parent-child pair.
		if isSibling && parent.Item.Type == w.Type && e.SameTypeNestingForbidden(w.Type) {
			add(CodeSameTypeNesting, w.LocalID, itemPath+".relations.parent_local_id",
				fmt.Sprintf("work item %q has parent %q of the same type %s, which link policy forbids",
					w.LocalID, parentRef, w.Type),
				"Re-parent the item under an allowed parent type.")
		}

		// (e) self-parenting, cycles, and depth over bundle-local links.
		if parentRef == w.LocalID && parentRef != "" {
			add(CodeSelfParent, w.LocalID, itemPath+".relations.parent_local_id",
				fmt.Sprintf("work item %q references itself as parent", w.LocalID),
				"Reference a different work item.")
		} else {
			findings = append(findings, walkParentChain(item, byLocalID, e.MaxDepth(), itemPath)...)
		}

		// (f) required tag conventions.
		if required := e.RequiredTags(); len(required) > 0 {
			present := map[string]bool{}
			for _, tag := range w.Tags {
				present[strings.TrimSpace(tag)] = true
			}
			for _, tag := range contextTags {
				present[tag] = true
			}
			var missing []string
			for _, tag := range required {
				if !present[tag] {
					missing = append(missing, tag)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				add(CodeMissingRequiredTags, w.LocalID, itemPath+".tags",
					fmt.Sprintf("work item %q is missing required tags: %v", w.LocalID, missing),
					"Add the tags on the item or in bundle context.tags.")
			}
		}

		// (g) every field key must be in the effective allowed set.
		for _, key := range sortedFieldKeys(w.Fields) {
			if contract.TopLevelCanonicalKeys[key] {
				continue
			}
			if !e.FieldAllowed(w.Type, key) {
				add(CodeUnknownFieldKey, w.LocalID, fmt.Sprintf("%s.fields.%s", itemPath, key),
					fmt.Sprintf("field key %q is not in the effective contract's allowed set for %s", key, w.Type),
					"Remove the field or extend field policy and capability facts.")
			}
		}

		// (h) every effective required field is present and non-empty.
		for _, key := range e.RequiredFields(w.Type) {
			if !requiredFieldSatisfied(key, w, pb.Context) {
				add(CodeMissingRequiredField, w.LocalID, fmt.Sprintf("%s.fields.%s", itemPath, key),
					fmt.Sprintf("work item %q (%s) is missing required field %q", w.LocalID, w.Type, key),
					"Populate the field, the matching top-level key, or a context default.")
			}
		}
	}
	return findings
}

// walkParentChain climbs bundle-local parent links, reporting a cycle or
// a depth overrun. The two are distinct findings: a cycle is broken
// topology, depth is policy.
func walkParentChain(item *parsedItem, byLocalID map[string]*parsedItem, maxDepth int, itemPath string) []Finding {
	var findings []Finding
	depth := 1
	cursor := item.Item.Relations.ParentLocalID
	seen := map[string]bool{item.Item.LocalID: true}
	for cursor != "" {
		next, ok := byLocalID[cursor]
		if !ok {
			break
		}
		if seen[cursor] {
			findings = append(findings, Finding{
				Stage: StagePolicy, Code: CodeHierarchyCycle, LocalID: item.Item.LocalID,
				Path:       itemPath + ".relations.parent_local_id",
				Message:    fmt.Sprintf("cycle detected in local parent chain at %q", cursor),
				Suggestion: "Break the parent cycle; the hierarchy must be acyclic.",
			})
			break
		}
		seen[cursor] = true
		depth++
		if depth > maxDepth {
			findings = append(findings, Finding{
				Stage: StagePolicy, Code: CodeMaxDepthExceeded, LocalID: item.Item.LocalID,
				Path:       itemPath + ".relations.parent_local_id",
				Message:    fmt.Sprintf("hierarchy depth for %q exceeds the configured maximum of %d", item.Item.LocalID, maxDepth),
				Suggestion: "Flatten the decomposition to satisfy max_depth.",
			})
			break
		}
		cursor = next.Item.Relations.ParentLocalID
	}
	return findings
}

func requiredFieldSatisfied(key string, w bundle.WorkItem, context map[string]any) bool {
	switch key {
	case "title":
		return strings.TrimSpace(w.Title) != ""
	case "description":
		return strings.TrimSpace(w.Description) != ""
	case "acceptance_criteria":
		return len(w.AcceptanceCriteria) > 0
	}
	if v, ok := w.Fields[key]; ok && nonEmpty(v) {
		return true
	}
	switch key {
	case "area_path":
		return contextString(context, "default_area_path") != ""
	case "iteration_path":
		return contextString(context, "default_iteration_path") != ""
	}
	return false
}

func nonEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func contextString(context map[string]any, key string) string {
	if context == nil {
		return ""
	}
	s, _ := context[key].(string)
	return strings.TrimSpace(s)
}

func contextStrings(context map[string]any, key string) []string {
	if context == nil {
		return nil
	}
	raw, _ := context[key].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFieldKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
