package stage

import (
	"context"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scanner"
	"github.com/lucasnoah/argus/internal/scoring"
)

// Stage error codes.
const (
	ErrCodeNoArtifacts = "NO_ARTIFACTS"
	ErrCodeParse       = "PARSE_FAILED"
	ErrCodeIntel       = "ENRICH_FAILED"
	ErrCodeLedger      = "LEDGER_ERROR"
	ErrCodeSubmit      = "SUBMIT_FAILED"
)

// Options tune the score and act stages.
type Options struct {
	Threshold float64 // minimum priority score that counts as actionable
	TopN      int     // at most this many actionable findings; 0 = all
	AutoFix   bool    // request fixes for actionable findings
}

// Stages builds the four stage functions on top of the scanner registry,
// the enricher and the action submitter.
func Stages(reg *scanner.Registry, enricher *scoring.Enricher, submitter *action.Submitter, store *pipeline.Store, opts Options) map[string]Func {
	s := &stages{reg: reg, enricher: enricher, submitter: submitter, store: store, opts: opts}
	return map[string]Func{
		Acquire: s.acquire,
		Enrich:  s.enrich,
		Score:   s.score,
		Act:     s.act,
	}
}

type stages struct {
	reg       *scanner.Registry
	enricher  *scoring.Enricher
	submitter *action.Submitter
	store     *pipeline.Store
	opts      Options
}

// acquire parses the bundle artifacts and stores findings the run does not
// have yet. Existing findings keep their enrichment and triage state.
func (s *stages) acquire(ctx context.Context, in *Input) (*Output, error) {
	if len(in.Bundle.Artifacts) == 0 {
		return nil, Errorf(ErrCodeNoArtifacts, "bundle %s has no artifacts", in.Bundle.BundleID)
	}
	existing, err := s.store.ListFindings(ctx, in.Run.RunID)
	if err != nil {
		return nil, &Error{Code: ErrCodeLedger, Err: err}
	}
	have := make(map[string]bool, len(existing))
	for _, f := range existing {
		have[f.FindingID] = true
	}

	var fresh []pipeline.Finding
	parsed := 0
	now := s.store.Now()
	for _, a := range in.Bundle.Artifacts {
		findings, err := s.reg.Parse(in.Run.RunID, a)
		if err != nil {
			return nil, &Error{Code: ErrCodeParse, Err: err}
		}
		parsed += len(findings)
		for _, f := range findings {
			if have[f.FindingID] {
				continue
			}
			have[f.FindingID] = true
			f.CreatedAt = now
			fresh = append(fresh, f)
		}
	}

	out := &Output{Counts: map[string]int{
		"artifacts": len(in.Bundle.Artifacts),
		"parsed":    parsed,
		"new":       len(fresh),
		"existing":  len(existing),
	}}
	if len(fresh) == 0 {
		return out, nil
	}
	if _, err := s.store.PutFindings(ctx, fresh); err != nil {
		return nil, &Error{Code: ErrCodeLedger, Err: err}
	}
	for _, f := range fresh {
		out.KeyIDs = append(out.KeyIDs, f.FindingID)
	}
	return out, nil
}

func (s *stages) enrich(ctx context.Context, in *Input) (*Output, error) {
	stats, err := s.enricher.EnrichRun(ctx, in.Run.RunID)
	if err != nil {
		return nil, &Error{Code: ErrCodeIntel, Err: err}
	}
	in.Run.IntelVersion = stats.IntelVersion
	return &Output{Counts: stats.Counts()}, nil
}

// score ranks the enriched findings; the key ids are the actionable ones,
// highest priority first.
func (s *stages) score(ctx context.Context, in *Input) (*Output, error) {
	findings, err := s.store.ListFindings(ctx, in.Run.RunID)
	if err != nil {
		return nil, &Error{Code: ErrCodeLedger, Err: err}
	}
	top := scoring.Rank(findings, s.opts.Threshold, s.opts.TopN)
	out := &Output{Counts: map[string]int{"findings": len(findings), "actionable": len(top)}}
	for _, f := range top {
		out.KeyIDs = append(out.KeyIDs, f.FindingID)
	}
	return out, nil
}

func (s *stages) act(ctx context.Context, in *Input) (*Output, error) {
	var ids []string
	if prev := in.Prior[Score]; prev != nil {
		ids = prev.KeyIDs
	}
	out := &Output{Counts: map[string]int{"requested": 0, "duplicate": 0}}
	if !s.opts.AutoFix || len(ids) == 0 {
		return out, nil
	}
	res, err := s.submitter.Submit(ctx, action.Request{
		ActionType:  pipeline.ActionRequestForFix,
		RunID:       in.Run.RunID,
		FindingIDs:  ids,
		Source:      "pipeline",
		Attribution: "argus",
	})
	if err != nil {
		return nil, &Error{Code: ErrCodeSubmit, Err: err}
	}
	out.Counts["requested"] = len(ids)
	if res.Duplicate {
		out.Counts["duplicate"] = 1
	}
	out.KeyIDs = []string{res.ActionID}
	return out, nil
}
