package validate

import (
	"fmt"

	"planbox/internal/contract"
)

// capabilityStage checks that everything a bundle references actually
// exists in the target system per the effective contract. Absence from
// the capability facts is always a failing finding, never "probably fine".
func capabilityStage(pb *parsedBundle, e *contract.Effective) []Finding {
	var findings []Finding
	add := func(code, localID, path, message, suggestion string) {
		findings = append(findings, Finding{
			Stage: StageCapability, Code: code, LocalID: localID,
			Path: path, Message: message, Suggestion: suggestion,
		})
	}

	for i := range pb.Items {
		item := &pb.Items[i]
		if !item.OK {
			continue
		}
		w := item.Item
		itemPath := fmt.Sprintf("$.work_items.%d", item.Index)

		trackerType, mapped := e.ResolveType(w.Type)
		if !mapped {
			add(CodeUnknownCanonicalType, w.LocalID, itemPath+".type",
				fmt.Sprintf("canonical type %q has no tracker type mapping", w.Type),
				"Add the type to the type map policy document.")
			continue
		}
		if !e.TypeAvailable(w.Type) {
			add(CodeTrackerTypeUnavailable, w.LocalID, itemPath+".type",
				fmt.Sprintf("tracker type %q is absent from the capability facts", trackerType),
				"Refresh capability facts or fix the type mapping.")
			continue
		}

		for _, key := range sortedFieldKeys(w.Fields) {
			if contract.TopLevelCanonicalKeys[key] {
				continue
			}
			ref, ok := e.ResolveField(key, w.Type)
			if !ok {
				// No mapping at all: already a policy-stage finding.
				continue
			}
			if !e.FieldAvailable(w.Type, key) {
				add(CodeTrackerFieldUnavailable, w.LocalID, fmt.Sprintf("%s.fields.%s", itemPath, key),
					fmt.Sprintf("tracker field %q (for %q) is not available on tracker type %q", ref, key, trackerType),
					"Refresh capability facts or remove the field for this type.")
			}
		}

		area := w.FieldString("area_path")
		if area == "" {
			area = contextString(pb.Context, "default_area_path")
		}
		if area == "" {
			add(CodeUnresolvedAreaPath, w.LocalID, itemPath+".fields.area_path",
				fmt.Sprintf("work item %q has no area_path and no context default", w.LocalID),
				"Set fields.area_path or context.default_area_path.")
		} else if !e.KnownArea(area) {
			add(CodeUnknownAreaPath, w.LocalID, itemPath+".fields.area_path",
				fmt.Sprintf("area path %q is not present in the capability facts", area),
				"Use a known area path.")
		}

		iteration := w.FieldString("iteration_path")
		if iteration == "" {
			iteration = contextString(pb.Context, "default_iteration_path")
		}
		if iteration == "" {
			add(CodeUnresolvedIterationPath, w.LocalID, itemPath+".fields.iteration_path",
				fmt.Sprintf("work item %q has no iteration_path and no context default", w.LocalID),
				"Set fields.iteration_path or context.default_iteration_path.")
		} else if !e.KnownIteration(iteration) {
			add(CodeUnknownIterationPath, w.LocalID, itemPath+".fields.iteration_path",
				fmt.Sprintf("iteration path %q is not present in the capability facts", iteration),
				"Use a known iteration path.")
		}
	}
	return findings
}
