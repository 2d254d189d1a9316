package contract

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Capability holds synchronized facts about what the target system
// actually supports. Produced by an external sync step; read-only here.
type Capability struct {
	Types     TypeFacts
	Locations LocationFacts
}

// TypeFacts lists tracker work item types with their fields.
type TypeFacts struct {
	SyncedAt time.Time              `yaml:"synced_at"`
	Types    map[string]TrackerType `yaml:"types"`
}

// TrackerType is one real work item type in the target system.
type TrackerType struct {
	Fields         []string `yaml:"fields"`
	RequiredFields []string `yaml:"required_fields"`
}

// LocationFacts lists the area/iteration paths known to the target system.
type LocationFacts struct {
	SyncedAt       time.Time `yaml:"synced_at"`
	AreaPaths      []string  `yaml:"area_paths"`
	IterationPaths []string  `yaml:"iteration_paths"`
}

// LoadCapability reads capability facts from dir.
func LoadCapability(dir string) (*Capability, error) {
	var c Capability
	if err := loadDocument(filepath.Join(dir, "types.yml"), &c.Types); err != nil {
		return nil, err
	}
	if err := loadDocument(filepath.Join(dir, "locations.yml"), &c.Locations); err != nil {
		return nil, err
	}
	if len(c.Types.Types) == 0 {
		return nil, fmt.Errorf("capability types.yml lists no work item types")
	}
	return &c, nil
}

// HasField reports whether the tracker type carries the given field.
func (t TrackerType) HasField(referenceName string) bool {
	for _, f := range t.Fields {
		if f == referenceName {
			return true
		}
	}
	return false
}

// RequiresField reports whether the tracker marks the field required.
func (t TrackerType) RequiresField(referenceName string) bool {
	for _, f := range t.RequiredFields {
		if f == referenceName {
			return true
		}
	}
	return false
}

var collapseSeparators = regexp.MustCompile(`\\+`)

// NormalizePath canonicalizes an area/iteration path for comparison:
// trims whitespace, converts forward slashes to backslashes, strips a
// leading separator, and collapses repeats.
func NormalizePath(value string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(value), "/", `\`)
	normalized = strings.TrimLeft(normalized, `\`)
	return collapseSeparators.ReplaceAllString(normalized, `\`)
}
