package contract

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy is the governance side of the effective contract: what bundles
// are permitted to say. Authored by humans, read-only here.
type Policy struct {
	TypeMap     TypeMap
	FieldMap    FieldMap
	FieldPolicy FieldPolicy
	LinkPolicy  LinkPolicy
	Standards   Standards
}

// TypeMap maps canonical work item types to tracker type names.
type TypeMap struct {
	CanonicalTypes map[string]string `yaml:"canonical_types"`
}

// FieldMapping maps one canonical field key to a tracker field.
type FieldMapping struct {
	ReferenceName string   `yaml:"reference_name"`
	AppliesTo     []string `yaml:"applies_to"`
	Description   string   `yaml:"description,omitempty"`
}

// FieldMap maps canonical field keys to tracker fields.
type FieldMap struct {
	Fields map[string]FieldMapping `yaml:"fields"`
}

// FieldPolicy declares which canonical fields each type may and must carry.
type FieldPolicy struct {
	AllowedFields  map[string][]string `yaml:"allowed_fields"`
	RequiredFields map[string][]string `yaml:"required_fields"`
}

// LinkPolicy governs relations between work items. Link semantics come
// only from policy; capability facts never define them.
type LinkPolicy struct {
	AllowedLinkKinds      []string `yaml:"allowed_link_kinds"`
	MaxDepth              int      `yaml:"max_depth"`
	ForbidSameTypeNesting []string `yaml:"forbid_same_type_nesting"`
	// Hierarchy lists canonical types from root to leaf; creation order
	// follows it so parents exist before their children.
	Hierarchy []string `yaml:"hierarchy"`
}

// Standards holds naming/tag conventions.
type Standards struct {
	RequiredTags []string `yaml:"required_tags"`
}

// LoadPolicy reads all policy documents from dir.
func LoadPolicy(dir string) (*Policy, error) {
	var p Policy
	if err := loadDocument(filepath.Join(dir, "type_map.yml"), &p.TypeMap); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, "field_map.yml"), &p.FieldMap); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, "field_policy.yml"), &p.FieldPolicy); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, "link_policy.yml"), &p.LinkPolicy); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, "standards.yml"), &p.Standards); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks each policy document for internal consistency.
func (p *Policy) Validate() error {
	if len(p.TypeMap.CanonicalTypes) == 0 {
		return fmt.Errorf("type_map.canonical_types must not be empty")
	}
	for canonical, tracker := range p.TypeMap.CanonicalTypes {
		if canonical == "" || tracker == "" {
			return fmt.Errorf("type_map contains an empty canonical or tracker type name")
		}
	}
	for key, m := range p.FieldMap.Fields {
		if key == "" {
			return fmt.Errorf("field_map contains an empty canonical field key")
		}
		if m.ReferenceName == "" {
			return fmt.Errorf("field_map entry %s has no reference_name", key)
		}
		for _, t := range m.AppliesTo {
			if t == "" {
				return fmt.Errorf("field_map entry %s has an empty applies_to type", key)
			}
		}
	}
	if p.LinkPolicy.MaxDepth < 1 {
		return fmt.Errorf("link_policy.max_depth must be at least 1")
	}
	if len(p.LinkPolicy.AllowedLinkKinds) == 0 {
		return fmt.Errorf("link_policy.allowed_link_kinds must not be empty")
	}
	if len(p.LinkPolicy.Hierarchy) == 0 {
		return fmt.Errorf("link_policy.hierarchy must not be empty")
	}
	for _, t := range p.LinkPolicy.Hierarchy {
		if _, ok := p.TypeMap.CanonicalTypes[t]; !ok {
			return fmt.Errorf("link_policy.hierarchy references unknown canonical type %s", t)
		}
	}
	return nil
}

type versionedDocument struct {
	SchemaVersion string `yaml:"schema_version"`
}

func loadDocument(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("required contract document not found: %s", path)
		}
		return err
	}
	var header versionedDocument
	if err := yaml.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("invalid yaml in %s: %w", path, err)
	}
	if header.SchemaVersion == "" {
		return fmt.Errorf("missing schema_version in %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid yaml in %s: %w", path, err)
	}
	return nil
}
