package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/argus/internal/intel"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Stats counts what one enrichment pass did.
type Stats struct {
	Scanned      int    `json:"scanned"`
	Changed      int    `json:"changed"`
	Unchanged    int    `json:"unchanged"`
	MissingCVE   int    `json:"missingCve"`
	KEVMatches   int    `json:"kevMatches"`
	EPSSMatches  int    `json:"epssMatches"`
	BulkOps      int    `json:"bulkOps"`
	Conflicts    int    `json:"conflicts"`
	IntelVersion string `json:"intelVersion"`
}

// Counts renders the numeric stats for a stage trace.
func (s Stats) Counts() map[string]int {
	return map[string]int{
		"scanned":     s.Scanned,
		"changed":     s.Changed,
		"unchanged":   s.Unchanged,
		"missingCve":  s.MissingCVE,
		"kevMatches":  s.KEVMatches,
		"epssMatches": s.EPSSMatches,
		"bulkOps":     s.BulkOps,
		"conflicts":   s.Conflicts,
	}
}

func (s *Stats) add(o Stats) {
	s.Scanned += o.Scanned
	s.Changed += o.Changed
	s.Unchanged += o.Unchanged
	s.MissingCVE += o.MissingCVE
	s.KEVMatches += o.KEVMatches
	s.EPSSMatches += o.EPSSMatches
	s.BulkOps += o.BulkOps
	s.Conflicts += o.Conflicts
	s.IntelVersion = o.IntelVersion
}

// Enricher attaches threat intelligence and priority scores to findings.
type Enricher struct {
	store   *pipeline.Store
	source  intel.Source
	weights Weights
	batch   int
	logger  *slog.Logger
}

// NewEnricher creates an Enricher. batch bounds how many runs one Tick
// re-enriches.
func NewEnricher(store *pipeline.Store, source intel.Source, weights Weights, batch int) *Enricher {
	if batch <= 0 {
		batch = 5
	}
	return &Enricher{store: store, source: source, weights: weights, batch: batch, logger: slog.Default()}
}

// SetLogger sets the structured logger.
func (e *Enricher) SetLogger(l *slog.Logger) {
	e.logger = l
}

// Weights returns the scoring weights in use.
func (e *Enricher) Weights() Weights {
	return e.weights
}

// EnrichRun scores every finding of runID against the current intel and
// bulk-writes only the findings whose scored fields changed.
func (e *Enricher) EnrichRun(ctx context.Context, runID string) (Stats, error) {
	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load intel: %w", err)
	}
	return e.enrichRun(ctx, runID, snap)
}

func (e *Enricher) enrichRun(ctx context.Context, runID string, snap *intel.Snapshot) (Stats, error) {
	stats := Stats{IntelVersion: snap.Version}
	findings, err := e.store.ListFindings(ctx, runID)
	if err != nil {
		return stats, fmt.Errorf("load findings: %w", err)
	}

	var ops []ledger.BulkOp
	for _, f := range findings {
		stats.Scanned++
		updated, changed := Apply(f, snap, e.weights)
		if f.CVE == "" {
			stats.MissingCVE++
		} else if t := updated.Context.Threat; t != nil {
			if t.KEV {
				stats.KEVMatches++
			}
			if t.EPSS != nil {
				stats.EPSSMatches++
			}
		}
		if !changed {
			stats.Unchanged++
			continue
		}
		stats.Changed++
		op, err := pipeline.FindingOp(&updated)
		if err != nil {
			return stats, err
		}
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return stats, nil
	}
	res, err := e.store.Ledger().BulkWrite(ctx, ops)
	if err != nil {
		return stats, fmt.Errorf("write findings: %w", err)
	}
	stats.BulkOps = len(ops)
	stats.Conflicts = len(res.Conflicts)
	if stats.Conflicts > 0 {
		// A concurrent writer (usually a triage update) won; the next tick
		// re-enriches those findings.
		e.logger.Info("enrichment conflicts", "run_id", runID, "conflicts", stats.Conflicts)
	}
	return stats, nil
}

// TickResult summarizes one re-enrichment tick.
type TickResult struct {
	Runs  int   `json:"runs"`
	Stats Stats `json:"stats"`
}

// Tick re-enriches completed runs whose findings were scored with older
// intel, then stamps the new intel version on each run.
func (e *Enricher) Tick(ctx context.Context) (*TickResult, error) {
	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load intel: %w", err)
	}
	runs, err := e.store.RunsBehindIntel(ctx, snap.Version, e.batch)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}

	result := &TickResult{Stats: Stats{IntelVersion: snap.Version}}
	for i := range runs {
		run := &runs[i]
		stats, err := e.enrichRun(ctx, run.RunID, snap)
		if err != nil {
			e.logger.Error("re-enrich failed", "run_id", run.RunID, "err", err)
			continue
		}
		result.Stats.add(stats)
		if stats.Conflicts > 0 {
			continue
		}
		run.IntelVersion = snap.Version
		if err := e.store.UpdateRun(ctx, run); err != nil {
			if !errors.Is(err, ledger.ErrConflict) {
				e.logger.Error("stamp intel version failed", "run_id", run.RunID, "err", err)
			}
			continue
		}
		result.Runs++
		e.logger.Info("re-enriched run", "run_id", run.RunID, "changed", stats.Changed, "intel_version", snap.Version)
	}
	return result, nil
}
