// Package orchestrator drives one polling tick across all workers: bundle
// claims through the stage engine, re-enrichment, fix requests and
// notification retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scoring"
	"github.com/lucasnoah/argus/internal/stage"
)

// Options tune a check-in.
type Options struct {
	BundleBatch int           // bundles claimed per tick
	Lease       time.Duration // staleness lease for in-progress bundles
}

// Orchestrator composes the workers of one process.
type Orchestrator struct {
	store    *pipeline.Store
	claimer  *claim.Claimer
	engine   *stage.Engine
	enricher *scoring.Enricher
	fixes    *action.FixWorker
	notifies *action.NotifyWorker
	opts     Options
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. enricher, fixes and notifies may
// be nil to disable that worker.
func NewOrchestrator(
	store *pipeline.Store,
	claimer *claim.Claimer,
	engine *stage.Engine,
	enricher *scoring.Enricher,
	fixes *action.FixWorker,
	notifies *action.NotifyWorker,
	opts Options,
) *Orchestrator {
	if opts.BundleBatch <= 0 {
		opts.BundleBatch = 5
	}
	return &Orchestrator{
		store:    store,
		claimer:  claimer,
		engine:   engine,
		enricher: enricher,
		fixes:    fixes,
		notifies: notifies,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// SetLogger sets the structured logger.
func (o *Orchestrator) SetLogger(l *slog.Logger) {
	o.logger = l
}

// ErrInvalidIngest marks submissions rejected before anything is recorded.
var ErrInvalidIngest = errors.New("invalid ingest")

// IngestRequest is one scan submission.
type IngestRequest struct {
	Repo      string              `json:"repo"`
	Build     string              `json:"build"`
	Bundle    string              `json:"bundle"`
	Artifacts []pipeline.Artifact `json:"artifacts"`
	Source    string              `json:"source,omitempty"`
}

// IngestResult reports the bundle an ingest maps to.
type IngestResult struct {
	BundleID  string `json:"bundleId"`
	RunID     string `json:"runId"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Ingest records a bundle for the next check-in. Submitting the same
// repo/build/bundle again returns the existing bundle.
func (o *Orchestrator) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if len(req.Artifacts) == 0 {
		return nil, fmt.Errorf("%w: at least one artifact is required", ErrInvalidIngest)
	}
	for i, a := range req.Artifacts {
		if a.Format == "" || (a.Data == "" && a.Path == "") {
			return nil, fmt.Errorf("%w: artifact %d needs a format and data or path", ErrInvalidIngest, i)
		}
	}
	b, err := o.store.NewBundle(req.Repo, req.Build, req.Bundle, req.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIngest, err)
	}
	b.Source = req.Source
	stored, created, err := o.store.CreateBundle(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", b.BundleID, err)
	}
	if created {
		o.logger.Info("bundle ingested", "run_id", stored.RunID, "repo", stored.Repo, "artifacts", len(stored.Artifacts))
	}
	return &IngestResult{
		BundleID:  stored.BundleID,
		RunID:     stored.RunID,
		Status:    stored.Status,
		Duplicate: !created,
	}, nil
}

// CheckInAction describes one thing a check-in did.
type CheckInAction struct {
	Worker  string `json:"worker"` // "bundle", "enrich", "fix", "notify"
	ID      string `json:"id,omitempty"`
	Action  string `json:"action"` // "ran", "failed", "error", "processed"
	Message string `json:"message,omitempty"`
}

// CheckInResult summarizes a check-in.
type CheckInResult struct {
	Actions       []CheckInAction     `json:"actions"`
	Bundles       int                 `json:"bundles"`
	Conflicts     int                 `json:"conflicts"`
	Enrich        *scoring.TickResult `json:"enrich,omitempty"`
	Fixes         *action.TickResult  `json:"fixes,omitempty"`
	Notifications *action.TickResult  `json:"notifications,omitempty"`
}

// CheckIn runs every worker once. A failing worker does not stop the
// others; their errors are joined into the returned error.
func (o *Orchestrator) CheckIn(ctx context.Context) (*CheckInResult, error) {
	result := &CheckInResult{}
	var errs []error

	if err := o.processBundles(ctx, result); err != nil {
		errs = append(errs, err)
	}

	if o.enricher != nil {
		tick, err := o.enricher.Tick(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("enrich tick: %w", err))
			result.Actions = append(result.Actions, CheckInAction{Worker: "enrich", Action: "error", Message: err.Error()})
		} else {
			result.Enrich = tick
			if tick.Runs > 0 {
				result.Actions = append(result.Actions, CheckInAction{
					Worker:  "enrich",
					Action:  "processed",
					Message: fmt.Sprintf("runs=%d changed=%d intel=%s", tick.Runs, tick.Stats.Changed, tick.Stats.IntelVersion),
				})
			}
		}
	}

	if o.fixes != nil {
		tick, err := o.fixes.Tick(ctx)
		result.Fixes = tick
		errs = appendTick(result, "fix", tick, err, errs)
	}
	if o.notifies != nil {
		tick, err := o.notifies.Tick(ctx)
		result.Notifications = tick
		errs = appendTick(result, "notify", tick, err, errs)
	}
	return result, errors.Join(errs...)
}

func appendTick(result *CheckInResult, worker string, tick *action.TickResult, err error, errs []error) []error {
	if err != nil {
		result.Actions = append(result.Actions, CheckInAction{Worker: worker, Action: "error", Message: err.Error()})
		return append(errs, fmt.Errorf("%s tick: %w", worker, err))
	}
	if tick.Processed+tick.Failed > 0 {
		result.Actions = append(result.Actions, CheckInAction{
			Worker:  worker,
			Action:  "processed",
			Message: fmt.Sprintf("processed=%d failed=%d skipped=%d reclaimed=%d", tick.Processed, tick.Failed, tick.Skipped, tick.Reclaimed),
		})
	}
	return errs
}

// processBundles claims pending bundles and runs each through the engine.
func (o *Orchestrator) processBundles(ctx context.Context, result *CheckInResult) error {
	batch, claimErr := o.claimer.ClaimBatch(ctx, pipeline.IndexBundles, claim.PollOpts{
		Statuses:   []string{pipeline.BundleNew},
		InProgress: pipeline.BundleProcessing,
		Limit:      o.opts.BundleBatch,
		Lease:      o.opts.Lease,
	})
	if batch == nil {
		return fmt.Errorf("claim bundles: %w", claimErr)
	}
	result.Conflicts += batch.Conflicts

	// Bundles claimed before a store error are still run.
	var errs []error
	if claimErr != nil {
		errs = append(errs, fmt.Errorf("claim bundles: %w", claimErr))
	}
	for i := range batch.Claimed {
		b, err := pipeline.BundleFromDoc(&batch.Claimed[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Bundles++
		act, err := o.runBundle(ctx, b)
		if err != nil {
			errs = append(errs, err)
		}
		result.Actions = append(result.Actions, act)
	}
	return errors.Join(errs...)
}

// runBundle runs one claimed bundle and writes its terminal status. A
// ledger error leaves the bundle claimed so a later tick can reclaim it.
func (o *Orchestrator) runBundle(ctx context.Context, b *pipeline.Bundle) (CheckInAction, error) {
	act := CheckInAction{Worker: "bundle", ID: b.RunID}
	run, err := o.engine.Run(ctx, b)
	if err != nil {
		o.logger.Error("run bundle", "run_id", b.RunID, "err", err)
		act.Action = "error"
		act.Message = err.Error()
		return act, fmt.Errorf("run %s: %w", b.RunID, err)
	}

	if run.Status == pipeline.RunSucceeded {
		b.Status = pipeline.BundleDone
		b.ErrorCode = ""
		act.Action = "ran"
	} else {
		b.Status = pipeline.BundleFailed
		b.ErrorCode = run.ErrorCode
		act.Action = "failed"
		act.Message = run.ErrorCode
	}
	if err := o.store.UpdateBundle(ctx, b); err != nil {
		act.Action = "error"
		act.Message = err.Error()
		return act, fmt.Errorf("finish bundle %s: %w", b.BundleID, err)
	}
	return act, nil
}
