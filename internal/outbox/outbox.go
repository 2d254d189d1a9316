// Package outbox owns bundle lifecycle state. A bundle's presence in
// exactly one state directory at a time is the concurrency invariant;
// every mutation starts by atomically claiming the file out of its
// current location.
package outbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"planbox/internal/fsutil"
	"planbox/internal/validate"
)

// State is a bundle lifecycle state. The physical directory layout is a
// derived representation of it.
type State string

const (
	StateReady     State = "ready"
	StateValidated State = "validated"
	StateFailed    State = "failed"
	StateArchived  State = "archived"
)

// ErrState marks an attempted transition the state machine forbids, or
// a claim race (two runs touching the same bundle).
var ErrState = errors.New("outbox state violation")

const claimSuffix = ".claim"

// Outbox is the on-disk outbox rooted at Root.
type Outbox struct {
	Root string
}

// Dir returns the directory backing a state.
func (o Outbox) Dir(s State) string {
	return filepath.Join(o.Root, string(s))
}

// Ensure creates all four state directories.
func (o Outbox) Ensure() error {
	for _, s := range []State{StateReady, StateValidated, StateFailed, StateArchived} {
		if err := fsutil.EnsureDir(o.Dir(s)); err != nil {
			return err
		}
	}
	return nil
}

// List returns the bundle file names in a state, sorted.
func (o Outbox) List(s State) ([]string, error) {
	entries, err := os.ReadDir(o.Dir(s))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func ensureTransition(from, to State) error {
	switch from {
	case StateReady:
		if to == StateValidated || to == StateFailed {
			return nil
		}
	case StateValidated:
		if to == StateArchived {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition %s -> %s", ErrState, from, to)
}

// Claim is exclusive ownership of one bundle file for the duration of a
// run. Only the holder may release it into another state.
type Claim struct {
	outbox   Outbox
	from     State
	Name     string
	path     string
	released bool
}

// Claim atomically takes the named bundle out of a state. A rename on a
// file another run already claimed fails, making this the sole mutual
// exclusion point.
func (o Outbox) Claim(from State, name string) (*Claim, error) {
	src := filepath.Join(o.Dir(from), name)
	dst := src + claimSuffix
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: bundle %s is not claimable in %s", ErrState, name, from)
		}
		return nil, err
	}
	return &Claim{outbox: o, from: from, Name: name, path: dst}, nil
}

// Data reads the claimed bundle bytes.
func (c *Claim) Data() ([]byte, error) {
	return os.ReadFile(c.path)
}

// Release moves the claimed bundle into the destination state under a
// collision-free name and ends the claim.
func (c *Claim) Release(to State) (string, error) {
	if c.released {
		return "", fmt.Errorf("%w: claim on %s already released", ErrState, c.Name)
	}
	if err := ensureTransition(c.from, to); err != nil {
		return "", err
	}
	dst, err := fsutil.UniquePath(c.outbox.Dir(to), c.Name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(c.path, dst); err != nil {
		return "", err
	}
	c.released = true
	return dst, nil
}

// Keep returns the claimed bundle to its original state directory. Used
// when a run is aborted, and for validated bundles whose write failed:
// they stay addressable in validated and are never re-attempted
// automatically.
func (c *Claim) Keep() error {
	if c.released {
		return fmt.Errorf("%w: claim on %s already released", ErrState, c.Name)
	}
	dst, err := fsutil.UniquePath(c.outbox.Dir(c.from), c.Name)
	if err != nil {
		return err
	}
	if err := os.Rename(c.path, dst); err != nil {
		return err
	}
	c.released = true
	return nil
}

// WriteReport persists a validation report next to a failed bundle as
// <stem>.report.yml and returns the report path.
func (o Outbox) WriteReport(bundleName string, report *validate.Report) (string, error) {
	data, err := yaml.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	header := "# MACHINE-GENERATED FILE. DO NOT EDIT BY HAND.\n# Fix reported findings and resubmit the bundle to ready/.\n"
	stem := strings.TrimSuffix(bundleName, filepath.Ext(bundleName))
	path, err := fsutil.UniquePath(o.Dir(StateFailed), stem+".report.yml")
	if err != nil {
		return "", err
	}
	if err := fsutil.AtomicWrite(path, append([]byte(header), data...)); err != nil {
		return "", err
	}
	return path, nil
}

// AuditRef points an archived bundle at the audit record of the run
// that wrote it.
type AuditRef struct {
	RunID     string `yaml:"run_id"`
	AuditPath string `yaml:"audit_path"`
	BundleID  string `yaml:"bundle_id"`
}

// WriteAuditRef persists the audit reference sidecar for an archived bundle.
func (o Outbox) WriteAuditRef(bundleName string, ref AuditRef) (string, error) {
	data, err := yaml.Marshal(ref)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(bundleName, filepath.Ext(bundleName))
	path, err := fsutil.UniquePath(o.Dir(StateArchived), stem+".audit-ref.yml")
	if err != nil {
		return "", err
	}
	if err := fsutil.AtomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}
