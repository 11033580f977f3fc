package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/argus/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	l, err := ledger.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	s := NewStore(l)
	s.SetClock(func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) })
	return s
}

func TestRunID_Deterministic(t *testing.T) {
	a, err := RunID("acme/web", "build-7", "scan-1")
	if err != nil {
		t.Fatalf("RunID: %v", err)
	}
	b, _ := RunID("acme/web", "build-7", "scan-1")
	c, _ := RunID("acme/web", "build-8", "scan-1")
	if a != b {
		t.Errorf("same inputs gave %q and %q", a, b)
	}
	if a == c {
		t.Error("different builds gave the same run id")
	}
	if !strings.HasPrefix(a, "run:acme/web:") {
		t.Errorf("RunID = %q, want run:acme/web: prefix", a)
	}
}

func TestFindingID_IgnoresNonIdentityFields(t *testing.T) {
	f := &Finding{RunID: "r1", RuleID: "GHSA-1", CVE: "CVE-2024-1", Package: "lodash", PackageVersion: "4.17.0"}
	a, err := FindingID(f)
	if err != nil {
		t.Fatalf("FindingID: %v", err)
	}
	f.Severity = "HIGH"
	f.PriorityScore = 95
	b, _ := FindingID(f)
	if a != b {
		t.Errorf("score/severity changed the finding id")
	}
	f.PackageVersion = "4.17.21"
	c, _ := FindingID(f)
	if a == c {
		t.Error("package version did not change the finding id")
	}
}

func TestCreateBundle_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.NewBundle("acme/web", "b1", "scan", []Artifact{{Name: "audit", Format: "npm-audit", Data: "{}"}})
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	if b.BundleID != b.RunID {
		t.Errorf("BundleID %q != RunID %q", b.BundleID, b.RunID)
	}

	stored, created, err := s.CreateBundle(ctx, b)
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if !created || stored.Status != BundleNew || stored.Version == "" {
		t.Errorf("first create: created=%v status=%q version=%q", created, stored.Status, stored.Version)
	}

	again, created, err := s.CreateBundle(ctx, b)
	if err != nil {
		t.Fatalf("CreateBundle again: %v", err)
	}
	if created {
		t.Error("second create should not insert")
	}
	if again.Version != stored.Version {
		t.Errorf("version changed on duplicate create")
	}
}

func TestNewBundle_RequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.NewBundle("acme/web", "", "scan", nil); err == nil {
		t.Fatal("expected error for empty build")
	}
}

func TestUpdateRun_Conditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run, created, err := s.CreateRun(ctx, &Run{RunID: "r1", Status: RunRunning, Attempt: 1, StageSummary: map[string]StageState{}})
	if err != nil || !created {
		t.Fatalf("CreateRun: created=%v err=%v", created, err)
	}

	stale := *run
	run.StageSummary["acquire"] = StageState{Status: StageSucceeded}
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if run.UpdatedAt == "" {
		t.Error("UpdatedAt not stamped")
	}

	stale.Status = RunFailed
	if err := s.UpdateRun(ctx, &stale); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.StageSummary["acquire"].Status != StageSucceeded {
		t.Errorf("acquire = %q, want SUCCEEDED", got.StageSummary["acquire"].Status)
	}
	if got.Terminal() {
		t.Error("running run reported terminal")
	}
}

func TestRunsBehindIntel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, r := range []Run{
		{RunID: "current", Status: RunSucceeded, IntelVersion: "v2"},
		{RunID: "old", Status: RunSucceeded, IntelVersion: "v1"},
		{RunID: "never", Status: RunSucceeded},
		{RunID: "failed", Status: RunFailed, IntelVersion: "v1"},
	} {
		r := r
		if _, _, err := s.CreateRun(ctx, &r); err != nil {
			t.Fatalf("CreateRun %s: %v", r.RunID, err)
		}
	}

	runs, err := s.RunsBehindIntel(ctx, "v2", 10)
	if err != nil {
		t.Fatalf("RunsBehindIntel: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	if strings.Join(ids, ",") != "old,never" {
		t.Errorf("runs = %v, want [old never]", ids)
	}
}

func TestWriteTrace_OncePerAttemptAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, stage := range []string{"acquire", "enrich", "score"} {
		if _, created, err := s.WriteTrace(ctx, StageTrace{RunID: "r1", Stage: stage, Attempt: 1, Status: TraceSuccess}); err != nil || !created {
			t.Fatalf("WriteTrace %s: created=%v err=%v", stage, created, err)
		}
	}
	dup, created, err := s.WriteTrace(ctx, StageTrace{RunID: "r1", Stage: "enrich", Attempt: 1, Status: TraceFailed})
	if err != nil {
		t.Fatalf("WriteTrace dup: %v", err)
	}
	if created || dup.Status != TraceSuccess {
		t.Errorf("duplicate trace overwrote: created=%v status=%q", created, dup.Status)
	}
	if _, _, err := s.WriteTrace(ctx, StageTrace{RunID: "other", Stage: "acquire", Attempt: 1, Status: TraceSuccess}); err != nil {
		t.Fatalf("WriteTrace other: %v", err)
	}

	traces, err := s.ListTraces(ctx, "r1")
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(traces) != 3 {
		t.Fatalf("got %d traces, want 3", len(traces))
	}
	for i, want := range []string{"acquire", "enrich", "score"} {
		if traces[i].Stage != want {
			t.Errorf("traces[%d].Stage = %q, want %q", i, traces[i].Stage, want)
		}
		if i > 0 && traces[i].Seq <= traces[i-1].Seq {
			t.Errorf("seq not increasing: %d after %d", traces[i].Seq, traces[i-1].Seq)
		}
	}
	if traces[0].TraceID != "r1:acquire:1" {
		t.Errorf("TraceID = %q", traces[0].TraceID)
	}
}

func TestPutFindings_ConditionalWhenVersioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.PutFindings(ctx, []Finding{
		{FindingID: "F1", RunID: "r1", Severity: "HIGH", TriageStatus: TriageOpen},
		{FindingID: "F2", RunID: "r1", Severity: "LOW", TriageStatus: TriageOpen},
	})
	if err != nil {
		t.Fatalf("PutFindings: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("Written = %d, want 2", res.Written)
	}

	findings, err := s.ListFindings(ctx, "r1")
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(findings) != 2 || findings[0].FindingID != "F1" {
		t.Fatalf("ListFindings = %+v", findings)
	}

	f1 := findings[0]
	f1.TriageStatus = TriageFixProposed
	if err := s.UpdateFinding(ctx, &f1); err != nil {
		t.Fatalf("UpdateFinding: %v", err)
	}

	// findings[0] still holds the old version and must lose.
	findings[0].PriorityScore = 1
	res, err = s.PutFindings(ctx, findings[:1])
	if err != nil {
		t.Fatalf("PutFindings stale: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0] != "F1" {
		t.Errorf("Conflicts = %v, want [F1]", res.Conflicts)
	}

	got, err := s.GetFinding(ctx, "F1")
	if err != nil {
		t.Fatalf("GetFinding: %v", err)
	}
	if got.TriageStatus != TriageFixProposed || got.PriorityScore != 0 {
		t.Errorf("F1 = %+v", got)
	}
}

func TestActions_CreateUpdateList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &ActionRecord{ActionID: "request-for-fix:r1:abc", ActionType: ActionRequestForFix, Scope: "r1", Status: ActionNew}
	stored, created, err := s.CreateAction(ctx, a)
	if err != nil || !created {
		t.Fatalf("CreateAction: created=%v err=%v", created, err)
	}
	if _, created, _ := s.CreateAction(ctx, a); created {
		t.Error("duplicate action created")
	}

	stored.Status = ActionSucceeded
	stored.Outcome = "created=1 exists=0 failed=0"
	if err := s.UpdateAction(ctx, stored); err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}

	list, err := s.ListActions(ctx, ledger.Filter{Statuses: []string{ActionSucceeded}}, 10)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(list) != 1 || list[0].Outcome != stored.Outcome {
		t.Errorf("ListActions = %+v", list)
	}

	if _, err := s.GetAction(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("GetAction missing err = %v", err)
	}
}

func TestExportReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.CreateRun(ctx, &Run{RunID: "r1", Status: RunSucceeded}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, _, err := s.WriteTrace(ctx, StageTrace{RunID: "r1", Stage: "acquire", Attempt: 1, Status: TraceSuccess}); err != nil {
		t.Fatalf("WriteTrace: %v", err)
	}
	if _, err := s.PutFindings(ctx, []Finding{{FindingID: "F1", RunID: "r1"}}); err != nil {
		t.Fatalf("PutFindings: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out", "report.json")
	if err := s.ExportReport(ctx, "r1", path); err != nil {
		t.Fatalf("ExportReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Run.RunID != "r1" || len(report.Traces) != 1 || len(report.Findings) != 1 {
		t.Errorf("report = %+v", report)
	}

	if err := s.ExportReport(ctx, "missing", path); err == nil {
		t.Error("expected error for missing run")
	}
}
