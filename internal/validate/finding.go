// Package validate checks bundles in three stages (structural, policy,
// capability) against the effective contract and produces one exhaustive
// report per bundle. Validation never has side effects; the outbox
// processor owns state transitions.
package validate

// Validation stages, in pipeline order.
const (
	StageStructural = "structural"
	StagePolicy     = "policy"
	StageCapability = "capability"
)

// Machine-readable finding codes.
const (
	CodeBundleDecode    = "BUNDLE_JSON_DECODE_ERROR"
	CodeMissingKey      = "MISSING_KEY"
	CodeWrongType       = "WRONG_VALUE_TYPE"
	CodeEmptyWorkItems  = "EMPTY_WORK_ITEMS"
	CodeUnknownItemType = "UNKNOWN_WORK_ITEM_TYPE"
	CodeInvalidLocalID  = "INVALID_LOCAL_ID"

	CodeDuplicateLocalID     = "DUPLICATE_LOCAL_ID"
	CodeMissingParent        = "MISSING_PARENT"
	CodeUnresolvedParent     = "UNRESOLVED_PARENT"
	CodeLinkKindNotAllowed   = "LINK_KIND_NOT_ALLOWED"
	CodeSameTypeNesting      = "SAME_TYPE_NESTING_FORBIDDEN"
	CodeSelfParent           = "SELF_PARENT"
	CodeHierarchyCycle       = "HIERARCHY_CYCLE"
	CodeMaxDepthExceeded     = "MAX_DEPTH_EXCEEDED"
	CodeMissingRequiredTags  = "MISSING_REQUIRED_TAGS"
	CodeUnknownFieldKey      = "UNKNOWN_FIELD_KEY"
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"

	CodeUnknownCanonicalType    = "UNKNOWN_CANONICAL_TYPE"
	CodeTrackerTypeUnavailable  = "TRACKER_TYPE_UNAVAILABLE"
	CodeTrackerFieldUnavailable = "TRACKER_FIELD_UNAVAILABLE"
	CodeUnresolvedAreaPath      = "UNRESOLVED_AREA_PATH"
	CodeUnknownAreaPath         = "UNKNOWN_AREA_PATH"
	CodeUnresolvedIterationPath = "UNRESOLVED_ITERATION_PATH"
	CodeUnknownIterationPath    = "UNKNOWN_ITERATION_PATH"
)

// Finding is one validation problem. Every finding is failing severity;
// a bundle with any finding must not reach the write engine.
type Finding struct {
	Stage      string `json:"stage" yaml:"stage"`
	Code       string `json:"code" yaml:"code"`
	LocalID    string `json:"work_item_local_id,omitempty" yaml:"work_item_local_id,omitempty"`
	Path       string `json:"path" yaml:"path"`
	Message    string `json:"message" yaml:"message"`
	Suggestion string `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}
