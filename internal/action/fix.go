package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/generate"
	"github.com/lucasnoah/argus/internal/idempotency"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/notify"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Error codes written on failed requests.
const (
	ErrCodeNoFixes = "NO_FIXES"
	ErrCodeFatal   = "FATAL"
	ErrCodePayload = "BAD_PAYLOAD"
)

// TickResult summarizes one worker tick.
type TickResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"` // lost claim races
	Failed    int `json:"failed"`
	Reclaimed int `json:"reclaimed"`
}

// FixWorker claims request-for-fix records and generates one fix per
// selected finding.
type FixWorker struct {
	store     *pipeline.Store
	claimer   *claim.Claimer
	gen       generate.Generator
	notifier  *notify.Dispatcher
	batchSize int
	lease     time.Duration
	logger    *slog.Logger
}

// NewFixWorker creates a FixWorker. notifier may be nil.
func NewFixWorker(store *pipeline.Store, claimer *claim.Claimer, gen generate.Generator, notifier *notify.Dispatcher, batchSize int, lease time.Duration) *FixWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &FixWorker{
		store:     store,
		claimer:   claimer,
		gen:       gen,
		notifier:  notifier,
		batchSize: batchSize,
		lease:     lease,
		logger:    slog.Default(),
	}
}

// SetLogger sets the structured logger.
func (w *FixWorker) SetLogger(l *slog.Logger) {
	w.logger = l
}

// Tick claims up to one batch of pending fix requests and processes them.
// Records claimed before a store error are still processed; the claim error
// is returned alongside the result.
func (w *FixWorker) Tick(ctx context.Context) (*TickResult, error) {
	batch, claimErr := w.claimer.ClaimBatch(ctx, pipeline.IndexActions, claim.PollOpts{
		Statuses:   []string{pipeline.ActionNew},
		InProgress: pipeline.ActionProcessing,
		Fields:     map[string]string{"actionType": pipeline.ActionRequestForFix},
		Limit:      w.batchSize,
		Lease:      w.lease,
	})
	if batch == nil {
		return nil, fmt.Errorf("claim fix requests: %w", claimErr)
	}

	res := &TickResult{Skipped: batch.Conflicts, Reclaimed: batch.Reclaimed}
	for i := range batch.Claimed {
		doc := batch.Claimed[i]
		rec, err := pipeline.ActionFromDoc(&doc)
		if err != nil {
			w.logger.Error("decode fix request", "id", doc.ID, "err", err)
			if werr := w.store.FailActionDoc(context.WithoutCancel(ctx), doc, ErrCodePayload, err.Error()); werr != nil {
				w.logger.Error("write failed status", "action_id", doc.ID, "err", werr)
			}
			res.Failed++
			continue
		}
		if err := w.process(ctx, rec); err != nil {
			w.logger.Error("fix request failed", "action_id", rec.ActionID, "err", err)
			res.Failed++
			continue
		}
		res.Processed++
	}
	if claimErr != nil {
		return res, fmt.Errorf("claim fix requests: %w", claimErr)
	}
	return res, nil
}

// fixCounts is the per-request tally written into the outcome.
type fixCounts struct {
	created, exists, failed int
	ids                     []string
}

func (c fixCounts) outcome() string {
	return fmt.Sprintf("created=%d exists=%d failed=%d", c.created, c.exists, c.failed)
}

// process runs one claimed request to a terminal status. Any error or
// panic before the outcome is written leaves the record FAILED with
// ErrCodeFatal.
func (w *FixWorker) process(ctx context.Context, rec *pipeline.ActionRecord) (err error) {
	terminal := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && !terminal {
			w.fail(context.WithoutCancel(ctx), rec, ErrCodeFatal, err)
		}
	}()

	req, err := decodePayload(rec.Payload)
	if err != nil {
		w.fail(ctx, rec, ErrCodePayload, err)
		terminal = true
		return err
	}
	findings, missing, err := w.resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("resolve findings: %w", err)
	}

	counts := fixCounts{failed: missing}
	for i := range findings {
		f := &findings[i]
		id, created, err := w.fix(ctx, rec, f)
		switch {
		case err != nil:
			w.logger.Warn("fix generation failed", "action_id", rec.ActionID, "finding_id", f.FindingID, "err", err)
			counts.failed++
		case created:
			counts.created++
			counts.ids = append(counts.ids, id)
		default:
			counts.exists++
			counts.ids = append(counts.ids, id)
		}
	}

	rec.Outcome = counts.outcome()
	if counts.created+counts.exists > 0 {
		rec.Status = pipeline.ActionSucceeded
		rec.ErrorCode, rec.Error = "", ""
	} else {
		rec.Status = pipeline.ActionFailed
		rec.ErrorCode = ErrCodeNoFixes
	}
	if err := w.store.UpdateAction(ctx, rec); err != nil {
		return fmt.Errorf("write outcome %s: %w", rec.ActionID, err)
	}
	terminal = true
	w.logger.Info("fix request done", "action_id", rec.ActionID, "status", rec.Status, "outcome", rec.Outcome)

	if rec.Status == pipeline.ActionSucceeded {
		w.notifyFixes(ctx, rec, req.RunID, counts)
	}
	return nil
}

// resolve loads the findings a request selects. Explicit ids that do not
// exist are counted as missing; filters apply to the whole run.
func (w *FixWorker) resolve(ctx context.Context, req *requestPayload) ([]pipeline.Finding, int, error) {
	if len(req.FindingIDs) == 0 {
		all, err := w.store.ListFindings(ctx, req.RunID)
		if err != nil {
			return nil, 0, err
		}
		var out []pipeline.Finding
		for i := range all {
			if req.Filters.match(&all[i]) {
				out = append(out, all[i])
			}
		}
		return out, 0, nil
	}

	var out []pipeline.Finding
	missing := 0
	for _, id := range req.FindingIDs {
		f, err := w.store.GetFinding(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) || (err == nil && f.RunID != req.RunID) {
			missing++
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *f)
	}
	return out, missing, nil
}

// FixKey derives the bundle-of-fix key for a finding and engine.
func FixKey(f *pipeline.Finding, engine string) (string, error) {
	return idempotency.DeriveKey(pipeline.ActionBundleOfFix, f.RunID, map[string]string{
		"findingId": f.FindingID,
		"ruleId":    f.RuleID,
		"cve":       f.CVE,
		"package":   f.Package,
		"version":   f.PackageVersion,
		"engine":    engine,
	})
}

// fix creates the bundle-of-fix record for f unless one already exists.
func (w *FixWorker) fix(ctx context.Context, req *pipeline.ActionRecord, f *pipeline.Finding) (string, bool, error) {
	engine := w.gen.EngineVersion()
	key, err := FixKey(f, engine)
	if err != nil {
		return "", false, err
	}
	if _, err := w.store.GetAction(ctx, key); err == nil {
		return key, false, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return "", false, err
	}

	text, err := w.gen.Generate(ctx, f)
	if err != nil {
		return "", false, err
	}
	hash, err := idempotency.ContentHash(text)
	if err != nil {
		return "", false, err
	}
	now := w.store.Now()
	_, created, err := w.store.CreateAction(ctx, &pipeline.ActionRecord{
		ActionID:    key,
		ActionType:  pipeline.ActionBundleOfFix,
		Scope:       f.RunID,
		Status:      pipeline.ActionCreated,
		PayloadHash: hash,
		Payload: map[string]any{
			"findingId": f.FindingID,
			"ruleId":    f.RuleID,
			"cve":       f.CVE,
			"package":   f.Package,
			"version":   f.PackageVersion,
			"engine":    engine,
		},
		Source:      req.ActionID,
		Attribution: req.Attribution,
		TargetKey:   f.FindingID,
		Result:      text,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return "", false, err
	}
	if !created {
		// Another worker generated it between the lookup and the insert.
		return key, false, nil
	}

	// The fix exists from here on; the triage status is best effort.
	f.TriageStatus = pipeline.TriageFixProposed
	if err := w.store.UpdateFinding(ctx, f); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			w.logger.Debug("triage update lost race", "finding_id", f.FindingID)
		} else {
			w.logger.Warn("triage update failed", "finding_id", f.FindingID, "err", err)
		}
	}
	return key, true, nil
}

func (w *FixWorker) notifyFixes(ctx context.Context, rec *pipeline.ActionRecord, runID string, c fixCounts) {
	if w.notifier == nil {
		return
	}
	run, err := w.store.GetRun(ctx, runID)
	repo := ""
	if err == nil {
		repo = run.Repo
	}
	msg := notify.Message{
		Kind:   notify.KindFix,
		Scope:  runID,
		Repo:   repo,
		Title:  "Suggested fixes ready",
		Text:   fmt.Sprintf("%d fix(es) available for run %s (%s).", c.created+c.exists, runID, c.outcome()),
		Fields: map[string]string{"request": rec.ActionID},
		Dedupe: rec.PayloadHash,
	}
	if _, _, err := w.notifier.Notify(ctx, msg, rec.ActionID, rec.ActionID); err != nil {
		w.logger.Warn("fix notification failed", "action_id", rec.ActionID, "err", err)
	}
}

// fail writes a terminal FAILED status, best effort.
func (w *FixWorker) fail(ctx context.Context, rec *pipeline.ActionRecord, code string, cause error) {
	rec.Status = pipeline.ActionFailed
	rec.ErrorCode = code
	rec.Error = cause.Error()
	if err := w.store.UpdateAction(ctx, rec); err != nil {
		w.logger.Error("write failed status", "action_id", rec.ActionID, "err", err)
	}
}
