package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/lucasnoah/argus/internal/notify"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Stage names, in execution order.
const (
	Acquire = "acquire"
	Enrich  = "enrich"
	Score   = "score"
	Act     = "act"
)

// Order is the fixed stage order of every run.
var Order = []string{Acquire, Enrich, Score, Act}

// ErrCodeStage is the code recorded for stage errors that carry none.
const ErrCodeStage = "STAGE_ERROR"

// Error is a stage failure with a stable error code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a coded stage error.
func Errorf(code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Code returns the error code of err, or ErrCodeStage when it has none.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return ErrCodeStage
}

// Input is what a stage function receives.
type Input struct {
	Run    *pipeline.Run
	Bundle *pipeline.Bundle
	// Prior holds the outputs of the stages that already succeeded in this run.
	Prior map[string]*Output
}

// Output is what a stage reports into its trace.
type Output struct {
	Counts map[string]int
	KeyIDs []string
}

// Func executes one stage.
type Func func(ctx context.Context, in *Input) (*Output, error)

// Engine runs bundles through the four stages, recording a run status map
// and one trace per stage attempt.
type Engine struct {
	store    *pipeline.Store
	funcs    map[string]Func
	notifier *notify.Dispatcher
	logger   *slog.Logger
	progress io.Writer // live progress output; nil = silent
}

// NewEngine creates a stage engine. funcs must have an entry for every stage
// in Order. notifier may be nil.
func NewEngine(store *pipeline.Store, funcs map[string]Func, notifier *notify.Dispatcher) (*Engine, error) {
	for _, name := range Order {
		if funcs[name] == nil {
			return nil, fmt.Errorf("no function for stage %q", name)
		}
	}
	return &Engine{store: store, funcs: funcs, notifier: notifier, logger: slog.Default()}, nil
}

// SetLogger sets the structured logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.logger = l
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Engine) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Run executes the pipeline for a bundle. A run that already finished is
// returned untouched; an unfinished one resumes after its last successful
// stage. Stage failures end in a FAILED run, not an error; the returned
// error is reserved for ledger failures.
func (e *Engine) Run(ctx context.Context, b *pipeline.Bundle) (*pipeline.Run, error) {
	run, prior, err := e.startRun(ctx, b)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		e.logf("run %s already %s", run.RunID, run.Status)
		return run, nil
	}

	var wg sync.WaitGroup
	if e.notifier != nil && run.Attempt == 1 {
		msg := newScanMessage(run)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.notify(ctx, msg)
		}()
	}

	var failed error
	for _, name := range Order {
		if failed != nil {
			if err := e.skip(ctx, run, name); err != nil {
				wg.Wait()
				return run, err
			}
			continue
		}
		if _, done := prior[name]; done {
			e.logf("%s: already succeeded", name)
			continue
		}
		out, stageErr, err := e.runStage(ctx, run, b, name, prior)
		if err != nil {
			wg.Wait()
			return run, err
		}
		if stageErr != nil {
			failed = stageErr
			continue
		}
		prior[name] = out
	}

	if failed != nil {
		run.Status = pipeline.RunFailed
		run.ErrorCode = Code(failed)
		run.Error = failed.Error()
	} else {
		run.Status = pipeline.RunSucceeded
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		wg.Wait()
		return run, fmt.Errorf("finish run %s: %w", run.RunID, err)
	}
	e.logger.Info("run finished", "run_id", run.RunID, "status", run.Status, "error_code", run.ErrorCode)
	e.logf("run %s %s", run.RunID, run.Status)

	// The report follows the new-scan message.
	wg.Wait()
	if e.notifier != nil {
		e.notify(ctx, e.reportMessage(ctx, run, prior))
	}
	return run, nil
}

// startRun creates the run for b or loads the existing one. For a resumed
// run it bumps the attempt and rebuilds the outputs of succeeded stages from
// their traces.
func (e *Engine) startRun(ctx context.Context, b *pipeline.Bundle) (*pipeline.Run, map[string]*Output, error) {
	summary := make(map[string]pipeline.StageState, len(Order))
	for _, name := range Order {
		summary[name] = pipeline.StageState{Status: pipeline.StageNotStarted}
	}
	now := e.store.Now()
	run, created, err := e.store.CreateRun(ctx, &pipeline.Run{
		RunID:        b.RunID,
		Repo:         b.Repo,
		Build:        b.Build,
		Bundle:       b.Bundle,
		Status:       pipeline.RunRunning,
		StageSummary: summary,
		Attempt:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create run %s: %w", b.RunID, err)
	}
	prior := map[string]*Output{}
	if created || run.Terminal() {
		return run, prior, nil
	}

	traces, err := e.store.ListTraces(ctx, run.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("load traces %s: %w", run.RunID, err)
	}
	for _, t := range traces {
		if t.Status == pipeline.TraceSuccess && run.StageSummary[t.Stage].Status == pipeline.StageSucceeded {
			prior[t.Stage] = &Output{Counts: t.Counts, KeyIDs: t.KeyIDs}
		}
	}
	run.Attempt++
	if run.StageSummary == nil {
		run.StageSummary = summary
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("resume run %s: %w", run.RunID, err)
	}
	e.logger.Info("resuming run", "run_id", run.RunID, "attempt", run.Attempt, "done_stages", len(prior))
	return run, prior, nil
}

// runStage executes one stage. stageErr is the stage's own failure, already
// traced; err is a ledger failure.
func (e *Engine) runStage(ctx context.Context, run *pipeline.Run, b *pipeline.Bundle, name string, prior map[string]*Output) (out *Output, stageErr, err error) {
	started := e.store.Now()
	run.StageSummary[name] = pipeline.StageState{Status: pipeline.StageRunning, StartedAt: started}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("mark %s running: %w", name, err)
	}
	e.logf("%s: running", name)

	out, stageErr = e.call(ctx, name, &Input{Run: run, Bundle: b, Prior: prior})
	ended := e.store.Now()

	trace := pipeline.StageTrace{
		RunID:     run.RunID,
		Stage:     name,
		Attempt:   run.Attempt,
		StartedAt: started,
		EndedAt:   ended,
	}
	state := pipeline.StageState{StartedAt: started, EndedAt: ended}
	if stageErr != nil {
		trace.Status = pipeline.TraceFailed
		trace.ErrorCode = Code(stageErr)
		trace.Error = stageErr.Error()
		state.Status = pipeline.StageFailed
		e.logger.Error("stage failed", "run_id", run.RunID, "stage", name, "error_code", trace.ErrorCode, "err", stageErr)
		e.logf("%s: FAILED (%s)", name, trace.ErrorCode)
	} else {
		if out == nil {
			out = &Output{}
		}
		trace.Status = pipeline.TraceSuccess
		trace.Counts = out.Counts
		trace.KeyIDs = out.KeyIDs
		state.Status = pipeline.StageSucceeded
		state.Stats = out.Counts
		e.logger.Info("stage succeeded", "run_id", run.RunID, "stage", name, "counts", out.Counts)
		e.logf("%s: ok %s", name, formatCounts(out.Counts))
	}

	if _, _, err := e.store.WriteTrace(ctx, trace); err != nil {
		return nil, nil, fmt.Errorf("write %s trace: %w", name, err)
	}
	run.StageSummary[name] = state
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("record %s: %w", name, err)
	}
	return out, stageErr, nil
}

// call runs a stage function, turning a panic into a stage error.
func (e *Engine) call(ctx context.Context, name string, in *Input) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf("PANIC", "%s panicked: %v", name, r)
		}
	}()
	return e.funcs[name](ctx, in)
}

func (e *Engine) skip(ctx context.Context, run *pipeline.Run, name string) error {
	now := e.store.Now()
	if _, _, err := e.store.WriteTrace(ctx, pipeline.StageTrace{
		RunID:     run.RunID,
		Stage:     name,
		Attempt:   run.Attempt,
		Status:    pipeline.TraceSkipped,
		StartedAt: now,
		EndedAt:   now,
	}); err != nil {
		return fmt.Errorf("write %s skip trace: %w", name, err)
	}
	run.StageSummary[name] = pipeline.StageState{Status: pipeline.StageSkipped, EndedAt: now}
	e.logf("%s: skipped", name)
	return nil
}

func (e *Engine) notify(ctx context.Context, msg notify.Message) {
	if _, _, err := e.notifier.Notify(ctx, msg, "pipeline", msg.Scope); err != nil {
		e.logger.Warn("notification failed", "run_id", msg.Scope, "kind", msg.Kind, "err", err)
	}
}

func newScanMessage(run *pipeline.Run) notify.Message {
	return notify.Message{
		Kind:  notify.KindNewScan,
		Scope: run.RunID,
		Repo:  run.Repo,
		Title: "New scan received",
		Text:  fmt.Sprintf("Processing %s build %s (%s).", run.Repo, run.Build, run.Bundle),
	}
}

// reportMessage summarizes a finished run from stored findings so that the
// text is the same for every attempt that reaches the same state.
func (e *Engine) reportMessage(ctx context.Context, run *pipeline.Run, prior map[string]*Output) notify.Message {
	msg := notify.Message{
		Kind:   notify.KindReport,
		Scope:  run.RunID,
		Repo:   run.Repo,
		Title:  fmt.Sprintf("Scan report: %s", run.Status),
		Fields: map[string]string{"build": run.Build, "status": run.Status},
	}
	if run.Status == pipeline.RunFailed {
		msg.Text = fmt.Sprintf("Run failed with %s.", run.ErrorCode)
		return msg
	}

	findings, err := e.store.ListFindings(ctx, run.RunID)
	if err != nil {
		e.logger.Warn("report: list findings", "run_id", run.RunID, "err", err)
	}
	bySeverity := map[string]int{}
	for _, f := range findings {
		bySeverity[f.Severity]++
	}
	for sev, n := range bySeverity {
		msg.Fields[strings.ToLower(sev)] = fmt.Sprint(n)
	}
	var top []string
	if out := prior[Score]; out != nil {
		top = out.KeyIDs
	}
	msg.Text = fmt.Sprintf("%d findings, %d above threshold.", len(findings), len(top))
	return msg
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
