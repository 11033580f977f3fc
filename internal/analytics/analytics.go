// Package analytics aggregates runs, stage traces and fix actions into
// pipeline health figures.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/stage"
)

// StageStats holds outcome and duration stats for one stage.
type StageStats struct {
	Stage     string       `json:"stage"`
	Count     int          `json:"count"`
	Succeeded float64      `json:"succeeded_pct"`
	Failed    float64      `json:"failed_pct"`
	Skipped   float64      `json:"skipped_pct"`
	Avg       float64      `json:"avg_seconds"`
	P50       float64      `json:"p50_seconds"`
	P95       float64      `json:"p95_seconds"`
	Errors    []ErrorCount `json:"errors,omitempty"`
}

// ErrorCount is how often a stage failed with one error code.
type ErrorCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Throughput holds run counts for one ISO week.
type Throughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// FixStats counts fix requests and the fixes they produced.
type FixStats struct {
	Requests  int `json:"requests"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Generated int `json:"generated"`
}

// Report is the full analytics view.
type Report struct {
	Since        string         `json:"since,omitempty"`
	Runs         int            `json:"runs"`
	RunsByStatus map[string]int `json:"runs_by_status"`
	Stages       []StageStats   `json:"stages"`
	Throughput   []Throughput   `json:"throughput"`
	Fixes        FixStats       `json:"fixes"`
}

// Collect builds a Report over the runs created at or after since (an
// RFC 3339 timestamp; empty means all runs).
func Collect(ctx context.Context, store *pipeline.Store, since string) (*Report, error) {
	all, err := store.ListRuns(ctx, ledger.Filter{}, 0)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	var runs []pipeline.Run
	for _, r := range all {
		if since == "" || r.CreatedAt >= since {
			runs = append(runs, r)
		}
	}

	var traces []pipeline.StageTrace
	for _, r := range runs {
		t, err := store.ListTraces(ctx, r.RunID)
		if err != nil {
			return nil, fmt.Errorf("load traces of %s: %w", r.RunID, err)
		}
		traces = append(traces, t...)
	}

	actions, err := store.ListActions(ctx, ledger.Filter{}, 0)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	inScope := make(map[string]bool, len(runs))
	for _, r := range runs {
		inScope[r.RunID] = true
	}
	var scoped []pipeline.ActionRecord
	for _, a := range actions {
		if inScope[a.Scope] {
			scoped = append(scoped, a)
		}
	}

	report := &Report{
		Since:        since,
		Runs:         len(runs),
		RunsByStatus: map[string]int{},
		Stages:       StageStatsFrom(traces),
		Throughput:   ThroughputFrom(runs),
		Fixes:        FixStatsFrom(scoped),
	}
	for _, r := range runs {
		report.RunsByStatus[r.Status]++
	}
	return report, nil
}

// StageStatsFrom aggregates traces per stage, in pipeline order.
func StageStatsFrom(traces []pipeline.StageTrace) []StageStats {
	type acc struct {
		count, succeeded, failed, skipped int
		durations                         []float64
		errors                            map[string]int
	}
	byStage := make(map[string]*acc)
	for _, t := range traces {
		a := byStage[t.Stage]
		if a == nil {
			a = &acc{errors: map[string]int{}}
			byStage[t.Stage] = a
		}
		a.count++
		switch t.Status {
		case pipeline.TraceSuccess:
			a.succeeded++
		case pipeline.TraceFailed:
			a.failed++
			if t.ErrorCode != "" {
				a.errors[t.ErrorCode]++
			}
		case pipeline.TraceSkipped:
			a.skipped++
			continue
		}
		start, err1 := time.Parse(time.RFC3339, t.StartedAt)
		end, err2 := time.Parse(time.RFC3339, t.EndedAt)
		if err1 == nil && err2 == nil && !end.Before(start) {
			a.durations = append(a.durations, end.Sub(start).Seconds())
		}
	}

	var results []StageStats
	for _, name := range stageNames(byStage) {
		a := byStage[name]
		sort.Float64s(a.durations)
		st := StageStats{
			Stage:     name,
			Count:     a.count,
			Succeeded: pct(a.succeeded, a.count),
			Failed:    pct(a.failed, a.count),
			Skipped:   pct(a.skipped, a.count),
			Avg:       avg(a.durations),
			P50:       percentile(a.durations, 50),
			P95:       percentile(a.durations, 95),
		}
		for code, n := range a.errors {
			st.Errors = append(st.Errors, ErrorCount{Code: code, Count: n})
		}
		sort.Slice(st.Errors, func(i, j int) bool {
			if st.Errors[i].Count != st.Errors[j].Count {
				return st.Errors[i].Count > st.Errors[j].Count
			}
			return st.Errors[i].Code < st.Errors[j].Code
		})
		results = append(results, st)
	}
	return results
}

// stageNames lists the known stages first, in order, then any others by name.
func stageNames[T any](m map[string]T) []string {
	var names []string
	known := make(map[string]bool, len(stage.Order))
	for _, s := range stage.Order {
		known[s] = true
		if _, ok := m[s]; ok {
			names = append(names, s)
		}
	}
	var extra []string
	for s := range m {
		if !known[s] {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// ThroughputFrom groups runs by the ISO week they were created in, newest
// week first, at most 10 weeks. Durations cover terminal runs only.
func ThroughputFrom(runs []pipeline.Run) []Throughput {
	byWeek := make(map[string]*Throughput)
	durations := make(map[string][]float64)
	for _, r := range runs {
		created, err := time.Parse(time.RFC3339, r.CreatedAt)
		if err != nil {
			continue
		}
		year, week := created.ISOWeek()
		period := fmt.Sprintf("%d-W%02d", year, week)
		tp := byWeek[period]
		if tp == nil {
			tp = &Throughput{Period: period}
			byWeek[period] = tp
		}
		tp.Created++
		switch r.Status {
		case pipeline.RunSucceeded:
			tp.Succeeded++
		case pipeline.RunFailed:
			tp.Failed++
		}
		if r.Terminal() {
			if updated, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil && !updated.Before(created) {
				durations[period] = append(durations[period], updated.Sub(created).Seconds())
			}
		}
	}

	results := make([]Throughput, 0, len(byWeek))
	for period, tp := range byWeek {
		tp.AvgDuration = avg(durations[period])
		results = append(results, *tp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results
}

// FixStatsFrom counts request-for-fix records by status and the
// bundle-of-fix records generated for them.
func FixStatsFrom(actions []pipeline.ActionRecord) FixStats {
	var fs FixStats
	for _, a := range actions {
		switch a.ActionType {
		case pipeline.ActionRequestForFix:
			fs.Requests++
			switch a.Status {
			case pipeline.ActionSucceeded:
				fs.Succeeded++
			case pipeline.ActionFailed:
				fs.Failed++
			default:
				fs.Pending++
			}
		case pipeline.ActionBundleOfFix:
			fs.Generated++
		}
	}
	return fs
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
