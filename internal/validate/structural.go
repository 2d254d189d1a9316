package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"planbox/internal/bundle"
)

var localIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// parsedBundle is the structurally-checked view of a raw bundle. Items
// that failed structural checks stay in the slice with OK=false so later
// stages can skip exactly those while still validating their siblings.
type parsedBundle struct {
	ID      string
	Context map[string]any
	Items   []parsedItem
}

type parsedItem struct {
	Index              int
	OK                 bool
	Item               bundle.WorkItem
	ExtraRelationKinds []string
}

// structuralStage checks the raw bundle bytes against the fixed schema.
// All findings for the whole bundle are collected in one pass; one
// malformed item never hides problems in its siblings.
func structuralStage(raw []byte) (*parsedBundle, []Finding) {
	var findings []Finding
	add := func(code, localID, path, message, suggestion string) {
		findings = append(findings, Finding{
			Stage:      StageStructural,
			Code:       code,
			LocalID:    localID,
			Path:       path,
			Message:    message,
			Suggestion: suggestion,
		})
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		add(CodeBundleDecode, "", "$", fmt.Sprintf("failed to parse bundle JSON: %v", err),
			"Provide a valid JSON object file.")
		return &parsedBundle{}, findings
	}

	pb := &parsedBundle{}
	pb.ID, _ = payload["bundle_id"].(string)
	pb.Context, _ = payload["context"].(map[string]any)

	for _, key := range []string{"schema_version", "bundle_id"} {
		if s, ok := payload[key].(string); !ok || strings.TrimSpace(s) == "" {
			add(CodeMissingKey, "", "$."+key,
				fmt.Sprintf("top-level key %q must be a non-empty string", key),
				"Set the key in the bundle file.")
		}
	}
	source, ok := payload["source"].(map[string]any)
	if !ok {
		add(CodeMissingKey, "", "$.source", "top-level key \"source\" must be an object",
			"Add source{agent_name,prompt_id,generated_at}.")
	} else {
		for _, key := range []string{"agent_name", "prompt_id", "generated_at"} {
			if s, ok := source[key].(string); !ok || strings.TrimSpace(s) == "" {
				add(CodeMissingKey, "", "$.source."+key,
					fmt.Sprintf("source key %q must be a non-empty string", key),
					"Set the key in the bundle source block.")
			}
		}
	}
	if rawCtx, present := payload["context"]; present {
		if _, ok := rawCtx.(map[string]any); !ok {
			add(CodeWrongType, "", "$.context", "context must be an object", "Use an object for context.")
		}
	}

	rawItems, ok := payload["work_items"].([]any)
	if !ok {
		add(CodeMissingKey, "", "$.work_items", "top-level key \"work_items\" must be an array",
			"Provide a work_items array.")
		return pb, findings
	}
	if len(rawItems) == 0 {
		add(CodeEmptyWorkItems, "", "$.work_items", "work_items must not be empty",
			"A bundle proposes at least one work item.")
		return pb, findings
	}

	for index, entry := range rawItems {
		itemPath := fmt.Sprintf("$.work_items.%d", index)
		parsed := parsedItem{Index: index, OK: true}

		obj, ok := entry.(map[string]any)
		if !ok {
			add(CodeWrongType, "", itemPath, "work item must be an object", "Use an object per work item.")
			parsed.OK = false
			pb.Items = append(pb.Items, parsed)
			continue
		}

		localID, _ := obj["local_id"].(string)
		if !localIDPattern.MatchString(localID) {
			add(CodeInvalidLocalID, localID, itemPath+".local_id",
				fmt.Sprintf("local_id %q is not a valid identifier", localID),
				"Use letters, digits, underscores and dashes, starting with a letter.")
			parsed.OK = false
		}
		parsed.Item.LocalID = localID

		itemType, _ := obj["type"].(string)
		if !bundle.KnownTypes[itemType] {
			add(CodeUnknownItemType, localID, itemPath+".type",
				fmt.Sprintf("type %q is not a canonical work item type", itemType),
				"Use one of the canonical types (Feature, UserStory).")
			parsed.OK = false
		}
		parsed.Item.Type = itemType

		for _, key := range []string{"title", "description"} {
			s, ok := obj[key].(string)
			if !ok || strings.TrimSpace(s) == "" {
				add(CodeMissingKey, localID, itemPath+"."+key,
					fmt.Sprintf("work item key %q must be a non-empty string", key),
					"Set the key on the work item.")
				parsed.OK = false
			}
		}
		parsed.Item.Title, _ = obj["title"].(string)
		parsed.Item.Description, _ = obj["description"].(string)

		rawAC, present := obj["acceptance_criteria"]
		if !present {
			add(CodeMissingKey, localID, itemPath+".acceptance_criteria",
				"work item key \"acceptance_criteria\" is required", "Provide a string array (may be empty).")
			parsed.OK = false
		} else if list, ok := rawAC.([]any); !ok {
			add(CodeWrongType, localID, itemPath+".acceptance_criteria",
				"acceptance_criteria must be an array of strings", "Provide a string array.")
			parsed.OK = false
		} else {
			for i, v := range list {
				s, ok := v.(string)
				if !ok {
					add(CodeWrongType, localID, fmt.Sprintf("%s.acceptance_criteria.%d", itemPath, i),
						"acceptance criteria entries must be strings", "Use strings only.")
					parsed.OK = false
					continue
				}
				parsed.Item.AcceptanceCriteria = append(parsed.Item.AcceptanceCriteria, s)
			}
		}

		if rawTags, present := obj["tags"]; present {
			list, ok := rawTags.([]any)
			if !ok {
				add(CodeWrongType, localID, itemPath+".tags", "tags must be an array of strings", "Use a string array.")
				parsed.OK = false
			} else {
				for _, v := range list {
					if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
						parsed.Item.Tags = append(parsed.Item.Tags, s)
					}
				}
			}
		}

		if rawFields, present := obj["fields"]; present {
			fields, ok := rawFields.(map[string]any)
			if !ok {
				add(CodeWrongType, localID, itemPath+".fields", "fields must be an object", "Use an object for fields.")
				parsed.OK = false
			} else {
				parsed.Item.Fields = fields
			}
		}

		relations, ok := obj["relations"].(map[string]any)
		if !ok {
			add(CodeMissingKey, localID, itemPath+".relations",
				"work item key \"relations\" must be an object with parent_local_id",
				"Add relations.parent_local_id (empty string for externally-parented roots).")
			parsed.OK = false
		} else {
			parent, present := relations["parent_local_id"]
			if !present {
				add(CodeMissingKey, localID, itemPath+".relations.parent_local_id",
					"relations.parent_local_id is a required key", "Add the key; empty string means external root parent.")
				parsed.OK = false
			} else if s, ok := parent.(string); !ok {
				add(CodeWrongType, localID, itemPath+".relations.parent_local_id",
					"relations.parent_local_id must be a string", "Use a string value.")
				parsed.OK = false
			} else {
				parsed.Item.Relations.ParentLocalID = strings.TrimSpace(s)
			}
			for key := range relations {
				if key != "parent_local_id" {
					parsed.ExtraRelationKinds = append(parsed.ExtraRelationKinds, key)
				}
			}
			sort.Strings(parsed.ExtraRelationKinds)
		}

		pb.Items = append(pb.Items, parsed)
	}
	return pb, findings
}
