package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Canonical work item types. Bundles may only use these; the effective
// contract maps them to real tracker types.
const (
	TypeFeature   = "Feature"
	TypeUserStory = "UserStory"
)

// KnownTypes is the closed set of canonical types accepted in bundles.
var KnownTypes = map[string]bool{
	TypeFeature:   true,
	TypeUserStory: true,
}

// Bundle is one machine-produced unit of proposed work.
type Bundle struct {
	SchemaVersion string         `json:"schema_version"`
	BundleID      string         `json:"bundle_id"`
	Source        Source         `json:"source"`
	Context       map[string]any `json:"context"`
	WorkItems     []WorkItem     `json:"work_items"`
}

// Source identifies the producer of a bundle.
type Source struct {
	AgentName   string `json:"agent_name"`
	PromptID    string `json:"prompt_id"`
	GeneratedAt string `json:"generated_at"`
}

// WorkItem is one proposed item inside a bundle.
type WorkItem struct {
	LocalID            string         `json:"local_id"`
	Type               string         `json:"type"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	AcceptanceCriteria []string       `json:"acceptance_criteria"`
	Tags               []string       `json:"tags,omitempty"`
	Fields             map[string]any `json:"fields,omitempty"`
	Relations          Relations      `json:"relations"`
}

// Relations holds the (only) supported relation: a parent reference.
// The value is either a sibling local_id or a numeric external identifier.
type Relations struct {
	ParentLocalID string `json:"parent_local_id"`
}

// ContextString returns a trimmed string value from the bundle context.
func (b *Bundle) ContextString(key string) string {
	if b.Context == nil {
		return ""
	}
	if s, ok := b.Context[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// ContextStrings returns a string list value from the bundle context.
func (b *Bundle) ContextStrings(key string) []string {
	if b.Context == nil {
		return nil
	}
	raw, ok := b.Context[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FieldString returns a trimmed string field value, empty if absent or not a string.
func (w *WorkItem) FieldString(key string) string {
	if w.Fields == nil {
		return ""
	}
	if s, ok := w.Fields[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// FromJSON decodes a bundle. Decode errors are returned as-is; the
// structural validator is responsible for producing findings from them.
func FromJSON(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle json: %w", err)
	}
	return &b, nil
}

// Load reads and decodes a bundle file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromJSON(data)
}
