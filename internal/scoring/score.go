// Package scoring computes deterministic, explainable priority scores and
// re-enriches findings when threat intelligence moves.
package scoring

import (
	"bytes"
	"sort"
	"strings"

	"github.com/lucasnoah/argus/internal/idempotency"
	"github.com/lucasnoah/argus/internal/intel"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Boost names recorded in boostsApplied.
const (
	BoostKEV         = "KEV"
	BoostEPSSHigh    = "EPSS_High"
	BoostReachable   = "REACHABLE"
	BoostUnreachable = "UNREACHABLE"
)

// Weights are the published scoring constants.
type Weights struct {
	KEV           float64 `json:"kev" yaml:"kev" toml:"kev"`
	EPSSHigh      float64 `json:"epss_high" yaml:"epss_high" toml:"epss_high"`
	EPSSThreshold float64 `json:"epss_threshold" yaml:"epss_threshold" toml:"epss_threshold"`
	Reachable     float64 `json:"reachable" yaml:"reachable" toml:"reachable"`
	Unreachable   float64 `json:"unreachable" yaml:"unreachable" toml:"unreachable"`
	Max           float64 `json:"max" yaml:"max" toml:"max"`
}

// DefaultWeights returns the standard weights.
func DefaultWeights() Weights {
	return Weights{
		KEV:           25,
		EPSSHigh:      10,
		EPSSThreshold: 0.5,
		Reachable:     5,
		Unreachable:   -10,
		Max:           100,
	}
}

// BaseScore maps a normalized severity to the pre-enrichment score.
func BaseScore(severity string) float64 {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return 80
	case "HIGH":
		return 60
	case "MEDIUM":
		return 40
	case "LOW":
		return 20
	default:
		return 5
	}
}

// Score applies the additive boosts to base and clamps the total to
// [0, w.Max]. threat is nil for findings without a CVE.
func Score(f *pipeline.Finding, base float64, threat *pipeline.Threat, w Weights) pipeline.Explanation {
	exp := pipeline.Explanation{
		ScoreBreakdown: pipeline.ScoreBreakdown{Base: base, Boosts: map[string]float64{}, Max: w.Max},
		BoostsApplied:  []string{},
		ReasonCodes:    []string{"SEVERITY_" + strings.ToUpper(f.Severity)},
	}
	boost := func(name string, v float64) {
		exp.ScoreBreakdown.Boosts[name] = v
		exp.BoostsApplied = append(exp.BoostsApplied, name)
	}

	if threat == nil {
		exp.ReasonCodes = append(exp.ReasonCodes, "MISSING_CVE")
	} else {
		exp.IntelVersion = threat.IntelVersion
		if threat.KEV {
			boost(BoostKEV, w.KEV)
			exp.ReasonCodes = append(exp.ReasonCodes, "KEV_LISTED")
		}
		if threat.EPSS != nil && *threat.EPSS > w.EPSSThreshold {
			boost(BoostEPSSHigh, w.EPSSHigh)
			exp.ReasonCodes = append(exp.ReasonCodes, "EPSS_ABOVE_THRESHOLD")
		}
	}
	if r := f.Context.Reachability; r != nil && r.Reachable != nil {
		if *r.Reachable {
			boost(BoostReachable, w.Reachable)
			exp.ReasonCodes = append(exp.ReasonCodes, "CODE_REACHABLE")
		} else {
			boost(BoostUnreachable, w.Unreachable)
			exp.ReasonCodes = append(exp.ReasonCodes, "CODE_UNREACHABLE")
		}
	}

	total := base
	for _, name := range exp.BoostsApplied {
		total += exp.ScoreBreakdown.Boosts[name]
	}
	exp.ScoreBreakdown.Total = clamp(total, 0, w.Max)
	return exp
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Apply recomputes the threat context and score of f against snap. changed
// is false when every scored field already matches what is stored, in which
// case the finding must not be rewritten.
func Apply(f pipeline.Finding, snap *intel.Snapshot, w Weights) (pipeline.Finding, bool) {
	var threat *pipeline.Threat
	if f.CVE != "" {
		kev, epss := snap.Lookup(f.CVE)
		threat = &pipeline.Threat{KEV: kev, EPSS: epss, IntelVersion: snap.Version, Source: snap.Source}
	}
	base := BaseScore(f.Severity)
	exp := Score(&f, base, threat, w)
	exp.IntelVersion = snap.Version

	updated := f
	updated.PriorityScoreBase = base
	updated.PriorityScore = exp.ScoreBreakdown.Total
	updated.Context.Threat = threat
	updated.PriorityExplanation = &exp

	changed := f.PriorityScore != updated.PriorityScore ||
		f.PriorityScoreBase != updated.PriorityScoreBase ||
		!sameCanonical(f.Context.Threat, updated.Context.Threat) ||
		!sameCanonical(f.PriorityExplanation, updated.PriorityExplanation)
	return updated, changed
}

func sameCanonical(a, b any) bool {
	ca, errA := idempotency.Canonicalize(a)
	cb, errB := idempotency.Canonicalize(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}

// Rank returns the findings scoring at least threshold, highest first, at
// most limit of them (all when limit <= 0). Ties break on finding id.
func Rank(findings []pipeline.Finding, threshold float64, limit int) []pipeline.Finding {
	var out []pipeline.Finding
	for _, f := range findings {
		if f.PriorityScore >= threshold {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriorityScore != out[j].PriorityScore {
			return out[i].PriorityScore > out[j].PriorityScore
		}
		return out[i].FindingID < out[j].FindingID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
