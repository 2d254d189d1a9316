// Package contract composes governance policy and target-system
// capability facts into one immutable effective contract. Anything a
// bundle names that is absent from the composed contract is invalid;
// validators never guess around it.
package contract

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrComposition marks a contract that cannot be built at all (missing
// or stale inputs). It is fatal to the run: no bundle can be validated
// without a contract.
var ErrComposition = errors.New("effective contract composition failed")

// TopLevelCanonicalKeys are canonical field keys carried as top-level
// work item attributes instead of entries in the fields map.
var TopLevelCanonicalKeys = map[string]bool{
	"title":               true,
	"description":         true,
	"acceptance_criteria": true,
}

// ComposeOptions control freshness checking. ReferenceTime is injected
// so composition itself stays deterministic.
type ComposeOptions struct {
	ReferenceTime time.Time
	MaxAge        time.Duration
}

// Effective is the merged, immutable contract for one pipeline run.
type Effective struct {
	typeMap        map[string]string
	fieldMap       map[string]FieldMapping
	allowed        map[string]map[string]bool
	required       map[string]map[string]bool
	trackerTypes   map[string]TrackerType
	maxDepth       int
	linkKinds      map[string]bool
	forbidSameType map[string]bool
	hierarchy      []string
	requiredTags   []string
	areaPaths      map[string]bool
	iterationPaths map[string]bool
	diagnostics    []string
	composedAt     time.Time
}

// Compose merges policy and capability into an effective contract.
// Identical inputs always produce an identical contract.
func Compose(p *Policy, c *Capability, opts ComposeOptions) (*Effective, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no policy supplied", ErrComposition)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no capability facts supplied", ErrComposition)
	}
	if c.Types.SyncedAt.IsZero() || c.Locations.SyncedAt.IsZero() {
		return nil, fmt.Errorf("%w: capability facts carry no synced_at timestamp", ErrComposition)
	}
	if opts.MaxAge > 0 && !opts.ReferenceTime.IsZero() {
		for _, syncedAt := range []time.Time{c.Types.SyncedAt, c.Locations.SyncedAt} {
			if opts.ReferenceTime.Sub(syncedAt) > opts.MaxAge {
				return nil, fmt.Errorf("%w: capability facts synced at %s are older than %s",
					ErrComposition, syncedAt.Format(time.RFC3339), opts.MaxAge)
			}
		}
	}

	e := &Effective{
		typeMap:        map[string]string{},
		fieldMap:       map[string]FieldMapping{},
		allowed:        map[string]map[string]bool{},
		required:       map[string]map[string]bool{},
		trackerTypes:   map[string]TrackerType{},
		maxDepth:       p.LinkPolicy.MaxDepth,
		linkKinds:      map[string]bool{},
		forbidSameType: map[string]bool{},
		hierarchy:      append([]string(nil), p.LinkPolicy.Hierarchy...),
		requiredTags:   append([]string(nil), p.Standards.RequiredTags...),
		areaPaths:      map[string]bool{},
		iterationPaths: map[string]bool{},
		composedAt:     opts.ReferenceTime,
	}
	for canonical, tracker := range p.TypeMap.CanonicalTypes {
		e.typeMap[canonical] = tracker
	}
	for key, m := range p.FieldMap.Fields {
		e.fieldMap[key] = m
	}
	for name, t := range c.Types.Types {
		e.trackerTypes[name] = t
	}
	for _, kind := range p.LinkPolicy.AllowedLinkKinds {
		e.linkKinds[kind] = true
	}
	for _, t := range p.LinkPolicy.ForbidSameTypeNesting {
		e.forbidSameType[t] = true
	}
	for _, path := range c.Locations.AreaPaths {
		e.areaPaths[NormalizePath(path)] = true
	}
	for _, path := range c.Locations.IterationPaths {
		e.iterationPaths[NormalizePath(path)] = true
	}

	// Deterministic merge order: canonical types sorted by name.
	canonicals := make([]string, 0, len(e.typeMap))
	for t := range e.typeMap {
		canonicals = append(canonicals, t)
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		trackerName := e.typeMap[canonical]
		trackerType, known := e.trackerTypes[trackerName]
		if !known {
			e.diag("tracker type %s (for canonical %s) is absent from capability facts", trackerName, canonical)
		}
		e.allowed[canonical] = map[string]bool{}
		e.required[canonical] = map[string]bool{}

		// Allowed: policy-allowed intersected with capability-available.
		// Keys the capability facts cannot carry are dropped loudly.
		for _, key := range p.FieldPolicy.AllowedFields[canonical] {
			m, mapped := e.fieldMap[key]
			if !mapped {
				e.diag("allowed field %s for %s has no field_map entry", key, canonical)
				continue
			}
			if !appliesTo(m, canonical) {
				e.diag("allowed field %s does not apply to %s per field_map", key, canonical)
				continue
			}
			if !known || !trackerType.HasField(m.ReferenceName) {
				e.diag("allowed field %s (%s) dropped: tracker type %s does not carry it",
					key, m.ReferenceName, trackerName)
				continue
			}
			e.allowed[canonical][key] = true
		}
		for key := range TopLevelCanonicalKeys {
			e.allowed[canonical][key] = true
		}

		// Required: policy-required union capability-required. Policy may
		// only tighten what the capability facts demand, never loosen it.
		for _, key := range p.FieldPolicy.RequiredFields[canonical] {
			e.required[canonical][key] = true
		}
		if known {
			for key, m := range e.fieldMap {
				if !appliesTo(m, canonical) {
					continue
				}
				if trackerType.RequiresField(m.ReferenceName) {
					e.required[canonical][key] = true
				}
			}
		}
	}
	sort.Strings(e.diagnostics)
	return e, nil
}

func appliesTo(m FieldMapping, canonical string) bool {
	if len(m.AppliesTo) == 0 {
		return true
	}
	for _, t := range m.AppliesTo {
		if t == canonical {
			return true
		}
	}
	return false
}

func (e *Effective) diag(format string, args ...any) {
	e.diagnostics = append(e.diagnostics, fmt.Sprintf(format, args...))
}

// ResolveType returns the tracker type for a canonical type.
func (e *Effective) ResolveType(canonical string) (string, bool) {
	t, ok := e.typeMap[canonical]
	return t, ok
}

// ResolveField returns the tracker reference name for a canonical field
// key on the given canonical type.
func (e *Effective) ResolveField(key, canonical string) (string, bool) {
	m, ok := e.fieldMap[key]
	if !ok {
		return "", false
	}
	if !appliesTo(m, canonical) {
		return "", false
	}
	return m.ReferenceName, true
}

// FieldAllowed reports whether the canonical key is in the effective
// allowed set for the type.
func (e *Effective) FieldAllowed(canonical, key string) bool {
	return e.allowed[canonical][key]
}

// FieldAvailable reports whether the mapped tracker field exists on the
// tracker type behind the canonical type.
func (e *Effective) FieldAvailable(canonical, key string) bool {
	ref, ok := e.ResolveField(key, canonical)
	if !ok {
		return false
	}
	trackerType, ok := e.trackerTypes[e.typeMap[canonical]]
	if !ok {
		return false
	}
	return trackerType.HasField(ref)
}

// TypeAvailable reports whether the canonical type resolves to a tracker
// type present in the capability facts.
func (e *Effective) TypeAvailable(canonical string) bool {
	tracker, ok := e.typeMap[canonical]
	if !ok {
		return false
	}
	_, ok = e.trackerTypes[tracker]
	return ok
}

// RequiredFields returns the effective required canonical keys for a
// type, sorted.
func (e *Effective) RequiredFields(canonical string) []string {
	keys := make([]string, 0, len(e.required[canonical]))
	for k := range e.required[canonical] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KnownArea reports whether the normalized area path exists.
func (e *Effective) KnownArea(path string) bool {
	return e.areaPaths[NormalizePath(path)]
}

// KnownIteration reports whether the normalized iteration path exists.
func (e *Effective) KnownIteration(path string) bool {
	return e.iterationPaths[NormalizePath(path)]
}

// LinkKindAllowed reports whether a relation kind is permitted.
func (e *Effective) LinkKindAllowed(kind string) bool {
	return e.linkKinds[kind]
}

// SameTypeNestingForbidden reports whether type-under-same-type is banned.
func (e *Effective) SameTypeNestingForbidden(canonical string) bool {
	return e.forbidSameType[canonical]
}

// MaxDepth returns the policy-configured maximum hierarchy depth.
func (e *Effective) MaxDepth() int {
	return e.maxDepth
}

// RequiredTags returns tag conventions every item must satisfy.
func (e *Effective) RequiredTags() []string {
	return e.requiredTags
}

// CreationOrder returns canonical types root-first; creating in this
// order guarantees parents exist before children reference them.
func (e *Effective) CreationOrder() []string {
	return e.hierarchy
}

// Diagnostics returns merge diagnostics (dropped fields, unmapped types).
func (e *Effective) Diagnostics() []string {
	return e.diagnostics
}

// ComposedAt returns the reference time the contract was composed with.
func (e *Effective) ComposedAt() time.Time {
	return e.composedAt
}

// HasACDedicatedField reports whether the type's tracker counterpart has
// a dedicated acceptance criteria field; when it does not, the write
// engine folds criteria into the description.
func (e *Effective) HasACDedicatedField(canonical string) bool {
	return e.FieldAvailable(canonical, "acceptance_criteria")
}
