package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"planbox/internal/audit"
	"planbox/internal/bundle"
	"planbox/internal/config"
	"planbox/internal/contract"
	"planbox/internal/registry"
	"planbox/internal/tracker"
)

// ErrWriteHalted marks a run stopped at the first failed remote action.
// Items created before the halt stay created; the audit record and the
// registry hold their identifiers.
var ErrWriteHalted = errors.New("write run halted")

// Engine executes write plans against the tracker.
type Engine struct {
	Client   tracker.Client
	Contract *contract.Effective
	Config   *config.Config
	Token    string
	Recorder *audit.Recorder
	Repo     registry.Repo
	Log      *zap.Logger
	Now      func() time.Time
	DryRun   bool
}

// Result summarizes one run.
type Result struct {
	RunID         string
	Mode          string
	AuditPath     string
	IdentifierMap map[string]int
	Created       int
	Linked        int
	Skipped       int
}

func (g *Engine) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Engine) log() *zap.Logger {
	if g.Log != nil {
		return g.Log
	}
	return zap.NewNop()
}

func (g *Engine) mode() string {
	if g.DryRun {
		return audit.ModeDryRun
	}
	return audit.ModeReal
}

// Execute plans and runs a validated bundle. The identifier map grows
// append-only as items are created; on any remote failure the run halts,
// the audit record is finalized, and the error wraps ErrWriteHalted.
func (g *Engine) Execute(ctx context.Context, b *bundle.Bundle) (*Result, error) {
	defaults := g.Config.TeamDefaults(b.ContextString("team"))
	plan, err := BuildPlan(b, g.Contract, defaults)
	if err != nil {
		return nil, err
	}

	rec := g.Recorder.Begin(b.BundleID, g.mode())
	started := g.now()

	// Resume safety: anything the registry already holds for this
	// bundle is never created again.
	idMap, err := g.Repo.IdentifierMap(ctx, b.BundleID)
	if err != nil {
		return g.abortRun(ctx, rec, b.BundleID, started, nil, fmt.Errorf("load prior identifiers: %w", err))
	}
	linked := map[string]bool{}
	prior, err := g.Repo.ListForBundle(ctx, b.BundleID)
	if err != nil {
		return g.abortRun(ctx, rec, b.BundleID, started, idMap, fmt.Errorf("load prior items: %w", err))
	}
	for _, w := range prior {
		linked[w.LocalID] = w.Linked
	}

	res := &Result{RunID: rec.RunID, Mode: rec.Mode, IdentifierMap: idMap}
	for _, item := range plan.Items {
		if err := g.executeItem(ctx, b.BundleID, item, idMap, linked, res); err != nil {
			auditPath, ferr := g.Recorder.Finalize("failed", err.Error(), idMap)
			if ferr != nil {
				g.log().Error("finalize audit record", zap.Error(ferr))
			}
			res.AuditPath = auditPath
			g.recordRun(ctx, rec.RunID, b.BundleID, "failed", auditPath, started)
			return res, fmt.Errorf("%w: item %s: %v", ErrWriteHalted, item.LocalID, err)
		}
	}

	result := "succeeded"
	if g.DryRun {
		result = "planned"
	}
	auditPath, err := g.Recorder.Finalize(result, "", idMap)
	if err != nil {
		return nil, err
	}
	res.AuditPath = auditPath
	g.recordRun(ctx, rec.RunID, b.BundleID, result, auditPath, started)
	g.log().Info("write run finished",
		zap.String("bundle_id", b.BundleID),
		zap.String("run_id", rec.RunID),
		zap.String("mode", rec.Mode),
		zap.Int("created", res.Created),
		zap.Int("linked", res.Linked),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// abortRun finalizes the audit record for a run that died before any
// remote action. Internal failures still leave a discoverable record.
func (g *Engine) abortRun(ctx context.Context, rec *audit.Record, bundleID string, started time.Time, idMap map[string]int, cause error) (*Result, error) {
	auditPath, ferr := g.Recorder.Finalize("failed", cause.Error(), idMap)
	if ferr != nil {
		g.log().Error("finalize audit record", zap.Error(ferr))
	}
	g.recordRun(ctx, rec.RunID, bundleID, "failed", auditPath, started)
	return &Result{RunID: rec.RunID, Mode: rec.Mode, AuditPath: auditPath}, cause
}

func (g *Engine) executeItem(ctx context.Context, bundleID string, item PlannedItem, idMap map[string]int, linkedSet map[string]bool, res *Result) error {
	externalID, exists := idMap[item.LocalID]
	if exists {
		res.Skipped++
		g.log().Info("item already written, skipping create",
			zap.String("local_id", item.LocalID), zap.Int("external_id", externalID))
	} else {
		id, err := g.createItem(ctx, bundleID, item)
		if err != nil {
			return err
		}
		externalID = id
		idMap[item.LocalID] = id
		res.Created++
	}

	if !item.HasParent() {
		return nil
	}
	// Re-link on resume when the previous run created the item but
	// never confirmed the link.
	if exists && linkedSet[item.LocalID] {
		return nil
	}
	parentID, parentRef, err := g.resolveParent(item, idMap)
	if err != nil {
		return err
	}
	if err := g.linkItem(ctx, bundleID, item, externalID, parentID, parentRef); err != nil {
		return err
	}
	res.Linked++
	return nil
}

func (g *Engine) createItem(ctx context.Context, bundleID string, item PlannedItem) (int, error) {
	action := audit.Action{
		Kind:    "create",
		LocalID: item.LocalID,
		Method:  http.MethodPost,
		URL:     g.createURL(item.TrackerType),
		Headers: g.headers(),
		Request: item.Patch,
	}
	if g.DryRun {
		action.Status = audit.StatusPlanned
		g.Recorder.Append(action)
		// Placeholder identifiers keep parent resolution working for
		// the rest of the planned run without touching the tracker.
		return -len(g.Recorder.Record().Actions), nil
	}

	created, err := g.Client.CreateItem(ctx, item.TrackerType, item.Patch)
	if err != nil {
		action.Status = audit.StatusFailed
		action.Error = err.Error()
		g.Recorder.Append(action)
		return 0, fmt.Errorf("create %s: %w", item.TrackerType, err)
	}
	action.Status = audit.StatusSucceeded
	action.ExternalID = created.ID
	g.Recorder.Append(action)

	if err := g.Repo.RecordCreated(ctx, registry.WrittenItem{
		BundleID:    bundleID,
		LocalID:     item.LocalID,
		ExternalID:  created.ID,
		TrackerType: item.TrackerType,
		Title:       item.Title,
		CreatedAt:   g.now(),
	}); err != nil {
		return 0, fmt.Errorf("record created item: %w", err)
	}
	g.log().Info("created work item",
		zap.String("local_id", item.LocalID),
		zap.String("type", item.TrackerType),
		zap.Int("external_id", created.ID))
	return created.ID, nil
}

// resolveParent returns the parent's external id plus a stable textual
// reference used in dry-run action bodies, where assigned ids do not
// exist yet.
func (g *Engine) resolveParent(item PlannedItem, idMap map[string]int) (int, string, error) {
	if item.ParentExternal != 0 {
		return item.ParentExternal, fmt.Sprintf("%d", item.ParentExternal), nil
	}
	id, ok := idMap[item.ParentLocalID]
	if !ok {
		return 0, "", fmt.Errorf("parent %s has no identifier yet", item.ParentLocalID)
	}
	return id, "local:" + item.ParentLocalID, nil
}

func (g *Engine) linkItem(ctx context.Context, bundleID string, item PlannedItem, childID, parentID int, parentRef string) error {
	action := audit.Action{
		Kind:    "link",
		LocalID: item.LocalID,
		Method:  http.MethodPatch,
		Headers: g.headers(),
	}
	if g.DryRun {
		action.URL = g.itemURLRef("pending:" + item.LocalID)
		action.Request = map[string]string{"parent": parentRef}
		action.Status = audit.StatusPlanned
		g.Recorder.Append(action)
		return nil
	}

	action.URL = g.itemURLRef(fmt.Sprintf("%d", childID))
	action.Request = []tracker.PatchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: tracker.RelationValue{
			Rel: tracker.HierarchyRelation,
			URL: g.itemURLRef(fmt.Sprintf("%d", parentID)),
		},
	}}
	if err := g.Client.AddParentLink(ctx, childID, parentID); err != nil {
		action.Status = audit.StatusFailed
		action.Error = err.Error()
		g.Recorder.Append(action)
		return fmt.Errorf("link %d under %d: %w", childID, parentID, err)
	}
	action.Status = audit.StatusSucceeded
	g.Recorder.Append(action)
	if err := g.Repo.MarkLinked(ctx, bundleID, item.LocalID); err != nil {
		return fmt.Errorf("record link: %w", err)
	}
	g.log().Info("linked work item",
		zap.String("local_id", item.LocalID),
		zap.Int("external_id", childID),
		zap.Int("parent_id", parentID))
	return nil
}

func (g *Engine) recordRun(ctx context.Context, runID, bundleID, result, auditPath string, started time.Time) {
	err := g.Repo.RecordRun(ctx, registry.Run{
		RunID:      runID,
		BundleID:   bundleID,
		Mode:       g.mode(),
		Result:     result,
		AuditPath:  auditPath,
		StartedAt:  started,
		FinishedAt: g.now(),
	})
	if err != nil {
		g.log().Error("record run", zap.String("run_id", runID), zap.Error(err))
	}
}

func (g *Engine) base() string {
	return strings.TrimRight(g.Config.Tracker.OrgURL, "/")
}

func (g *Engine) createURL(trackerType string) string {
	return fmt.Sprintf("%s/%s/_apis/wit/workitems/$%s",
		g.base(), url.PathEscape(g.Config.Tracker.Project), url.PathEscape(trackerType))
}

func (g *Engine) itemURLRef(ref string) string {
	return fmt.Sprintf("%s/%s/_apis/wit/workitems/%s",
		g.base(), url.PathEscape(g.Config.Tracker.Project), ref)
}

// headers mirrors what the client sends so the audit trail shows the
// request shape. The recorder redacts the authorization value before
// anything reaches disk.
func (g *Engine) headers() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json-patch+json",
		"Authorization": tracker.BasicAuthHeader(g.Token),
	}
}
