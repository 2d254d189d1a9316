package contract

import (
	"fmt"
	"sort"
)

// Lint cross-checks policy documents against capability facts and
// returns every coverage problem found. An empty result means every
// policy entry is backed by a mapping and a real tracker field.
func Lint(p *Policy, c *Capability) []string {
	var issues []string

	for canonical, trackerName := range p.TypeMap.CanonicalTypes {
		if _, ok := c.Types.Types[trackerName]; !ok {
			issues = append(issues,
				fmt.Sprintf("type_map: canonical %s maps to tracker type %s which is absent from capability facts", canonical, trackerName))
		}
	}

	for key, m := range p.FieldMap.Fields {
		for _, canonical := range m.AppliesTo {
			trackerName, ok := p.TypeMap.CanonicalTypes[canonical]
			if !ok {
				issues = append(issues,
					fmt.Sprintf("field_map: %s applies to canonical type %s which is absent from type_map", key, canonical))
				continue
			}
			trackerType, ok := c.Types.Types[trackerName]
			if !ok {
				// Already reported against the type map.
				continue
			}
			if !trackerType.HasField(m.ReferenceName) {
				issues = append(issues,
					fmt.Sprintf("field_map: %s maps to %s which tracker type %s does not carry", key, m.ReferenceName, trackerName))
			}
		}
	}

	for ruleName, typeToFields := range map[string]map[string][]string{
		"allowed_fields":  p.FieldPolicy.AllowedFields,
		"required_fields": p.FieldPolicy.RequiredFields,
	} {
		for canonical, keys := range typeToFields {
			if _, ok := p.TypeMap.CanonicalTypes[canonical]; !ok {
				issues = append(issues,
					fmt.Sprintf("field_policy.%s: unknown canonical type %s", ruleName, canonical))
			}
			for _, key := range keys {
				if TopLevelCanonicalKeys[key] {
					continue
				}
				m, ok := p.FieldMap.Fields[key]
				if !ok {
					issues = append(issues,
						fmt.Sprintf("field_policy.%s: %s names field %s with no field_map entry", ruleName, canonical, key))
					continue
				}
				if !appliesTo(m, canonical) {
					issues = append(issues,
						fmt.Sprintf("field_policy.%s: %s names field %s which field_map does not allow for that type", ruleName, canonical, key))
				}
			}
		}
	}

	for _, t := range p.LinkPolicy.ForbidSameTypeNesting {
		if _, ok := p.TypeMap.CanonicalTypes[t]; !ok {
			issues = append(issues,
				fmt.Sprintf("link_policy.forbid_same_type_nesting: unknown canonical type %s", t))
		}
	}

	sort.Strings(issues)
	return issues
}
