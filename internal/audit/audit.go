// Package audit durably records every write attempt: the resolved plan,
// each remote action with its outcome, the identifier map, and the
// terminal failure reason if any. Exactly one record exists per run,
// whether the run succeeded, failed mid-way, or was a dry run.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"planbox/internal/fsutil"
)

// Run modes.
const (
	ModeDryRun = "dry-run"
	ModeReal   = "real"
)

// Action outcomes.
const (
	StatusPlanned   = "planned"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RedactionMarker replaces every credential-bearing value before
// anything is persisted.
const RedactionMarker = "[REDACTED]"

// Action is one attempted (or, in dry-run, planned) remote action.
type Action struct {
	Seq        int               `yaml:"seq"`
	Kind       string            `yaml:"kind"`
	LocalID    string            `yaml:"local_id,omitempty"`
	Method     string            `yaml:"method"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Request    any               `yaml:"request,omitempty"`
	Status     string            `yaml:"status"`
	ExternalID int               `yaml:"external_id,omitempty"`
	Error      string            `yaml:"error,omitempty"`
}

// Record is the full audit artifact for one run.
type Record struct {
	SchemaVersion string         `yaml:"schema_version"`
	RunID         string         `yaml:"run_id"`
	BundleID      string         `yaml:"bundle_id"`
	Mode          string         `yaml:"mode"`
	StartedAt     string         `yaml:"started_at"`
	FinishedAt    string         `yaml:"finished_at,omitempty"`
	Actions       []Action       `yaml:"actions"`
	IdentifierMap map[string]int `yaml:"identifier_map"`
	Result        string         `yaml:"result,omitempty"`
	Failure       string         `yaml:"failure,omitempty"`
}

// Recorder accumulates one Record and persists it exactly once.
type Recorder struct {
	Dir       string
	Now       func() time.Time
	record    *Record
	finalized bool
}

// NewRecorder returns a recorder writing run artifacts under dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{Dir: dir, Now: time.Now}
}

// Begin opens the record for a run. Called once before any action.
func (r *Recorder) Begin(bundleID, mode string) *Record {
	r.record = &Record{
		SchemaVersion: "1.0",
		RunID:         uuid.New().String(),
		BundleID:      bundleID,
		Mode:          mode,
		StartedAt:     r.Now().UTC().Format(time.RFC3339),
		IdentifierMap: map[string]int{},
	}
	r.finalized = false
	return r.record
}

// Append records one action, redacting credentials unconditionally.
func (r *Recorder) Append(a Action) {
	a.Seq = len(r.record.Actions) + 1
	a.Headers = redactHeaders(a.Headers)
	a.Request = redactValue(normalize(a.Request))
	r.record.Actions = append(r.record.Actions, a)
}

// normalize round-trips a request payload through JSON so redaction can
// walk it regardless of its concrete type.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// Record returns the in-flight record.
func (r *Recorder) Record() *Record {
	return r.record
}

// Finalize stamps the outcome, snapshots the identifier map, and writes
// the artifact. A second call is an error: finalization happens exactly
// once per run.
func (r *Recorder) Finalize(result, failure string, identifierMap map[string]int) (string, error) {
	if r.record == nil {
		return "", fmt.Errorf("audit: finalize without begin")
	}
	if r.finalized {
		return "", fmt.Errorf("audit: run %s already finalized", r.record.RunID)
	}
	r.finalized = true
	r.record.FinishedAt = r.Now().UTC().Format(time.RFC3339)
	r.record.Result = result
	r.record.Failure = failure
	for localID, externalID := range identifierMap {
		r.record.IdentifierMap[localID] = externalID
	}

	data, err := yaml.Marshal(r.record)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	name := fmt.Sprintf("%s-%s.yml",
		strings.ReplaceAll(r.record.StartedAt, ":", ""), sanitizeName(r.record.BundleID))
	path, err := fsutil.UniquePath(r.Dir, name)
	if err != nil {
		return "", err
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeName(s string) string {
	if s == "" {
		return "unknown-bundle"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}

var credentialKeys = []string{
	"authorization", "token", "pat", "secret", "password", "api_key", "apikey",
}

func isCredentialKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, k := range credentialKeys {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

func redactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isCredentialKey(k) {
			out[k] = RedactionMarker
		} else {
			out[k] = v
		}
	}
	return out
}

// redactValue walks any payload shape and replaces values under
// credential-bearing keys with the redaction marker.
func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isCredentialKey(k) {
				out[k] = RedactionMarker
			} else {
				out[k] = redactValue(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

// Load reads a persisted audit record.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode audit record %s: %w", path, err)
	}
	return &rec, nil
}
