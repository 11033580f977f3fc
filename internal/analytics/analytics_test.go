package analytics

import (
	"context"
	"testing"

	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/pipeline"
)

func testStore(t *testing.T) *pipeline.Store {
	t.Helper()
	l, err := ledger.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test ledger: %v", err)
	}
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return pipeline.NewStore(l)
}

func trace(stage, status, code, start, end string) pipeline.StageTrace {
	return pipeline.StageTrace{Stage: stage, Status: status, ErrorCode: code, StartedAt: start, EndedAt: end}
}

// --- StageStatsFrom ---

func TestStageStatsFrom(t *testing.T) {
	traces := []pipeline.StageTrace{
		trace("acquire", pipeline.TraceSuccess, "", "2026-06-01T10:00:00Z", "2026-06-01T10:00:10Z"),
		trace("acquire", pipeline.TraceSuccess, "", "2026-06-01T11:00:00Z", "2026-06-01T11:00:30Z"),
		trace("enrich", pipeline.TraceSuccess, "", "2026-06-01T10:00:10Z", "2026-06-01T10:00:12Z"),
		trace("enrich", pipeline.TraceFailed, "ENRICH_FAILED", "2026-06-01T11:00:30Z", "2026-06-01T11:00:31Z"),
		trace("score", pipeline.TraceSuccess, "", "2026-06-01T10:00:12Z", "2026-06-01T10:00:12Z"),
		trace("score", pipeline.TraceSkipped, "", "2026-06-01T11:00:31Z", "2026-06-01T11:00:31Z"),
	}

	stats := StageStatsFrom(traces)
	if len(stats) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stats))
	}
	if stats[0].Stage != "acquire" || stats[1].Stage != "enrich" || stats[2].Stage != "score" {
		t.Errorf("stage order = %s, %s, %s", stats[0].Stage, stats[1].Stage, stats[2].Stage)
	}

	acquire := stats[0]
	if acquire.Count != 2 || acquire.Succeeded != 100 {
		t.Errorf("acquire = %+v", acquire)
	}
	if acquire.Avg != 20 {
		t.Errorf("acquire avg = %.1f, want 20", acquire.Avg)
	}
	if acquire.P50 != 20 {
		t.Errorf("acquire p50 = %.1f, want 20", acquire.P50)
	}

	enrich := stats[1]
	if enrich.Failed != 50 || enrich.Succeeded != 50 {
		t.Errorf("enrich = %+v", enrich)
	}
	if len(enrich.Errors) != 1 || enrich.Errors[0].Code != "ENRICH_FAILED" || enrich.Errors[0].Count != 1 {
		t.Errorf("enrich errors = %+v", enrich.Errors)
	}

	score := stats[2]
	if score.Skipped != 50 {
		t.Errorf("score skipped = %.1f, want 50", score.Skipped)
	}
	// Skipped traces do not contribute durations.
	if score.Avg != 0 {
		t.Errorf("score avg = %.1f, want 0", score.Avg)
	}
}

func TestStageStatsFrom_UnknownStagesSortLast(t *testing.T) {
	stats := StageStatsFrom([]pipeline.StageTrace{
		trace("zeta", pipeline.TraceSuccess, "", "", ""),
		trace("act", pipeline.TraceSuccess, "", "", ""),
		trace("alpha", pipeline.TraceSuccess, "", "", ""),
	})
	got := []string{stats[0].Stage, stats[1].Stage, stats[2].Stage}
	want := []string{"act", "alpha", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestStageStatsFrom_Empty(t *testing.T) {
	if stats := StageStatsFrom(nil); len(stats) != 0 {
		t.Errorf("expected no stats, got %+v", stats)
	}
}

// --- ThroughputFrom ---

func TestThroughputFrom(t *testing.T) {
	runs := []pipeline.Run{
		{RunID: "r1", Status: pipeline.RunSucceeded, CreatedAt: "2026-06-01T10:00:00Z", UpdatedAt: "2026-06-01T10:01:00Z"},
		{RunID: "r2", Status: pipeline.RunFailed, CreatedAt: "2026-06-02T10:00:00Z", UpdatedAt: "2026-06-02T10:03:00Z"},
		{RunID: "r3", Status: pipeline.RunRunning, CreatedAt: "2026-06-09T10:00:00Z", UpdatedAt: "2026-06-09T12:00:00Z"},
		{RunID: "bad", Status: pipeline.RunSucceeded, CreatedAt: "not a time"},
	}

	tp := ThroughputFrom(runs)
	if len(tp) != 2 {
		t.Fatalf("expected 2 periods, got %d: %+v", len(tp), tp)
	}
	if tp[0].Period != "2026-W24" || tp[1].Period != "2026-W23" {
		t.Errorf("periods = %s, %s", tp[0].Period, tp[1].Period)
	}

	latest := tp[0]
	if latest.Created != 1 || latest.Succeeded != 0 || latest.AvgDuration != 0 {
		t.Errorf("W24 = %+v (running runs have no duration)", latest)
	}
	earlier := tp[1]
	if earlier.Created != 2 || earlier.Succeeded != 1 || earlier.Failed != 1 {
		t.Errorf("W23 = %+v", earlier)
	}
	if earlier.AvgDuration != 120 {
		t.Errorf("W23 avg = %.1f, want 120", earlier.AvgDuration)
	}
}

// --- FixStatsFrom ---

func TestFixStatsFrom(t *testing.T) {
	fs := FixStatsFrom([]pipeline.ActionRecord{
		{ActionType: pipeline.ActionRequestForFix, Status: pipeline.ActionSucceeded},
		{ActionType: pipeline.ActionRequestForFix, Status: pipeline.ActionFailed},
		{ActionType: pipeline.ActionRequestForFix, Status: pipeline.ActionNew},
		{ActionType: pipeline.ActionBundleOfFix, Status: pipeline.ActionCreated},
		{ActionType: pipeline.ActionBundleOfFix, Status: pipeline.ActionCreated},
		{ActionType: pipeline.ActionChatPublish, Status: pipeline.ActionSucceeded},
	})
	want := FixStats{Requests: 3, Succeeded: 1, Failed: 1, Pending: 1, Generated: 2}
	if fs != want {
		t.Errorf("FixStatsFrom = %+v, want %+v", fs, want)
	}
}

// --- Collect ---

func TestCollect(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	runs := []pipeline.Run{
		{RunID: "run-old", Status: pipeline.RunSucceeded, CreatedAt: "2026-05-01T10:00:00Z", UpdatedAt: "2026-05-01T10:00:05Z"},
		{RunID: "run-new", Status: pipeline.RunFailed, CreatedAt: "2026-06-01T10:00:00Z", UpdatedAt: "2026-06-01T10:00:05Z"},
	}
	for i := range runs {
		if _, _, err := s.CreateRun(ctx, &runs[i]); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	for _, tr := range []pipeline.StageTrace{
		{RunID: "run-old", Stage: "acquire", Attempt: 1, Status: pipeline.TraceSuccess},
		{RunID: "run-new", Stage: "acquire", Attempt: 1, Status: pipeline.TraceFailed, ErrorCode: "PARSE_FAILED"},
	} {
		if _, _, err := s.WriteTrace(ctx, tr); err != nil {
			t.Fatalf("WriteTrace: %v", err)
		}
	}
	for _, a := range []pipeline.ActionRecord{
		{ActionID: "a1", ActionType: pipeline.ActionRequestForFix, Scope: "run-old", Status: pipeline.ActionSucceeded},
		{ActionID: "a2", ActionType: pipeline.ActionRequestForFix, Scope: "run-new", Status: pipeline.ActionNew},
	} {
		if _, _, err := s.CreateAction(ctx, &a); err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
	}

	all, err := Collect(ctx, s, "")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if all.Runs != 2 || all.RunsByStatus[pipeline.RunSucceeded] != 1 || all.RunsByStatus[pipeline.RunFailed] != 1 {
		t.Errorf("runs = %d %v", all.Runs, all.RunsByStatus)
	}
	if len(all.Stages) != 1 || all.Stages[0].Count != 2 {
		t.Errorf("stages = %+v", all.Stages)
	}
	if all.Fixes.Requests != 2 {
		t.Errorf("fixes = %+v", all.Fixes)
	}

	recent, err := Collect(ctx, s, "2026-05-15T00:00:00Z")
	if err != nil {
		t.Fatalf("Collect since: %v", err)
	}
	if recent.Runs != 1 || recent.RunsByStatus[pipeline.RunFailed] != 1 {
		t.Errorf("recent runs = %d %v", recent.Runs, recent.RunsByStatus)
	}
	if recent.Stages[0].Failed != 100 || recent.Stages[0].Errors[0].Code != "PARSE_FAILED" {
		t.Errorf("recent stages = %+v", recent.Stages)
	}
	if recent.Fixes.Requests != 1 || recent.Fixes.Pending != 1 {
		t.Errorf("recent fixes = %+v", recent.Fixes)
	}
}
