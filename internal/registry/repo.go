package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// WrittenItem is one item that was created in the tracker.
type WrittenItem struct {
	BundleID    string
	LocalID     string
	ExternalID  int
	TrackerType string
	Title       string
	Linked      bool
	CreatedAt   time.Time
}

// Run is one write run over a bundle.
type Run struct {
	RunID      string
	BundleID   string
	Mode       string
	Result     string
	AuditPath  string
	StartedAt  time.Time
	FinishedAt time.Time
}

const timeLayout = time.RFC3339

// RecordCreated records a freshly created item. Re-recording the same
// (bundle, local id) pair keeps the original external id.
func (r Repo) RecordCreated(ctx context.Context, w WrittenItem) error {
	linked := 0
	if w.Linked {
		linked = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO written_items(bundle_id,local_id,external_id,tracker_type,title,linked,created_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(bundle_id,local_id) DO NOTHING`,
		w.BundleID, w.LocalID, w.ExternalID, w.TrackerType, w.Title, linked, w.CreatedAt.UTC().Format(timeLayout))
	return err
}

// MarkLinked records that the item's parent link was confirmed.
func (r Repo) MarkLinked(ctx context.Context, bundleID, localID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE written_items SET linked=1 WHERE bundle_id=? AND local_id=?`, bundleID, localID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForBundle returns all recorded items of a bundle ordered by local id.
func (r Repo) ListForBundle(ctx context.Context, bundleID string) ([]WrittenItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT bundle_id,local_id,external_id,tracker_type,title,linked,created_at FROM written_items WHERE bundle_id=? ORDER BY local_id`, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []WrittenItem
	for rows.Next() {
		var (
			w       WrittenItem
			linked  int
			created string
		)
		if err := rows.Scan(&w.BundleID, &w.LocalID, &w.ExternalID, &w.TrackerType, &w.Title, &linked, &created); err != nil {
			return nil, err
		}
		w.Linked = linked != 0
		w.CreatedAt, _ = time.Parse(timeLayout, created)
		res = append(res, w)
	}
	return res, rows.Err()
}

// IdentifierMap returns local id to external id for everything already
// created from the bundle.
func (r Repo) IdentifierMap(ctx context.Context, bundleID string) (map[string]int, error) {
	items, err := r.ListForBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int, len(items))
	for _, w := range items {
		m[w.LocalID] = w.ExternalID
	}
	return m, nil
}

// RecordRun stores the outcome of a write run.
func (r Repo) RecordRun(ctx context.Context, run Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(run_id,bundle_id,mode,result,audit_path,started_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		run.RunID, run.BundleID, run.Mode, run.Result, run.AuditPath,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout))
	return err
}

// ListRuns returns the most recent runs, newest first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,bundle_id,mode,result,audit_path,started_at,finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Run
	for rows.Next() {
		var (
			run      Run
			started  string
			finished string
		)
		if err := rows.Scan(&run.RunID, &run.BundleID, &run.Mode, &run.Result, &run.AuditPath, &started, &finished); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(timeLayout, started)
		run.FinishedAt, _ = time.Parse(timeLayout, finished)
		res = append(res, run)
	}
	return res, rows.Err()
}

// GetRun returns a single run by id.
func (r Repo) GetRun(ctx context.Context, runID string) (Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,bundle_id,mode,result,audit_path,started_at,finished_at FROM runs WHERE run_id=?`, runID)
	var (
		run      Run
		started  string
		finished string
	)
	err := row.Scan(&run.RunID, &run.BundleID, &run.Mode, &run.Result, &run.AuditPath, &started, &finished)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	run.StartedAt, _ = time.Parse(timeLayout, started)
	run.FinishedAt, _ = time.Parse(timeLayout, finished)
	return run, nil
}
