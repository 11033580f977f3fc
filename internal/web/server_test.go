package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/analytics"
	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/intel"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/orchestrator"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scanner"
	"github.com/lucasnoah/argus/internal/scoring"
	"github.com/lucasnoah/argus/internal/stage"
)

const ingestBody = `{
  "repo": "acme/web",
  "build": "build-7",
  "bundle": "nightly",
  "artifacts": [{"name": "scan", "format": "generic", "data": "[{\"ruleId\":\"GHSA-1\",\"cve\":\"CVE-2024-0001\",\"package\":\"lodash\",\"version\":\"4.17.0\",\"severity\":\"high\"}]"}]
}`

type testEnv struct {
	store *pipeline.Store
	orch  *orchestrator.Orchestrator
	srv   *httptest.Server
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	l, err := ledger.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	store := pipeline.NewStore(l)

	snap, err := intel.NewSnapshot("test", map[string]bool{"CVE-2024-0001": true}, nil)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	enricher := scoring.NewEnricher(store, intel.Static{Snap: snap}, scoring.DefaultWeights(), 10)
	submitter := action.NewSubmitter(store)
	engine, err := stage.NewEngine(store, stage.Stages(scanner.NewRegistry(), enricher, submitter, store, stage.Options{Threshold: 70}), nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	orch := orchestrator.NewOrchestrator(store, claim.New(l, "test"), engine, enricher, nil, nil, orchestrator.Options{})

	s := NewServer(store, orch, submitter, "")
	s.SetPollInterval(10 * time.Millisecond)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{store: store, orch: orch, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// ingestAndRun ingests the sample bundle and processes it.
func (e *testEnv) ingestAndRun(t *testing.T) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/bundles", ingestBody)
	if code != http.StatusCreated {
		t.Fatalf("ingest status = %d: %s", code, body)
	}
	var res orchestrator.IngestResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if _, err := e.orch.CheckIn(context.Background()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	return res.RunID
}

func TestHealthz(t *testing.T) {
	env := setupTest(t)
	code, body := env.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte(`"ok"`)) {
		t.Errorf("healthz = %d %s", code, body)
	}
}

func TestIngest(t *testing.T) {
	env := setupTest(t)

	code, body := env.do(t, http.MethodPost, "/api/bundles", ingestBody)
	if code != http.StatusCreated {
		t.Fatalf("first ingest = %d: %s", code, body)
	}
	code, body = env.do(t, http.MethodPost, "/api/bundles", ingestBody)
	if code != http.StatusOK {
		t.Fatalf("duplicate ingest = %d: %s", code, body)
	}
	var res orchestrator.IngestResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate || !strings.HasPrefix(res.RunID, "run:acme/web:") {
		t.Errorf("duplicate ingest = %+v", res)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/bundles", `{"repo":"acme/web"}`); code != http.StatusBadRequest {
		t.Errorf("ingest without artifacts = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/bundles", `{not json`); code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/bundles", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/bundles = %d, want 405", code)
	}
}

func TestRunReadPaths(t *testing.T) {
	env := setupTest(t)
	runID := env.ingestAndRun(t)
	base := "/api/runs/" + url.PathEscape(runID)

	code, body := env.do(t, http.MethodGet, base, "")
	if code != http.StatusOK {
		t.Fatalf("get run = %d: %s", code, body)
	}
	var run pipeline.Run
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.RunID != runID || run.Status != pipeline.RunSucceeded {
		t.Errorf("run = %+v", run)
	}

	code, body = env.do(t, http.MethodGet, base+"/traces", "")
	var traces []pipeline.StageTrace
	if err := json.Unmarshal(body, &traces); err != nil || code != http.StatusOK {
		t.Fatalf("traces = %d %s", code, body)
	}
	if len(traces) != 4 || traces[0].Stage != stage.Acquire || traces[3].Stage != stage.Act {
		t.Errorf("traces = %+v", traces)
	}

	code, body = env.do(t, http.MethodGet, base+"/findings?severity=HIGH", "")
	var findings []pipeline.Finding
	if err := json.Unmarshal(body, &findings); err != nil || code != http.StatusOK {
		t.Fatalf("findings = %d %s", code, body)
	}
	if len(findings) != 1 || findings[0].PriorityScore != 85 {
		t.Errorf("findings = %+v", findings)
	}

	code, body = env.do(t, http.MethodGet, "/api/runs?status=SUCCEEDED", "")
	var runs []pipeline.Run
	if err := json.Unmarshal(body, &runs); err != nil || code != http.StatusOK || len(runs) != 1 {
		t.Errorf("list runs = %d %s", code, body)
	}

	if code, _ := env.do(t, http.MethodGet, "/api/runs/"+url.PathEscape("run:none:x"), ""); code != http.StatusNotFound {
		t.Errorf("missing run = %d, want 404", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/runs/"+url.PathEscape("run:none:x")+"/traces", ""); code != http.StatusNotFound {
		t.Errorf("missing run traces = %d, want 404", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/runs?limit=abc", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestFixRequest_Duplicate(t *testing.T) {
	env := setupTest(t)
	runID := env.ingestAndRun(t)
	findings, err := env.store.ListFindings(context.Background(), runID)
	if err != nil || len(findings) != 1 {
		t.Fatalf("findings: %v %d", err, len(findings))
	}

	reqBody := func(requestID string) string {
		b, _ := json.Marshal(map[string]any{
			"runId":      runID,
			"findingIds": []string{findings[0].FindingID},
			"requestId":  requestID,
		})
		return string(b)
	}

	code, body := env.do(t, http.MethodPost, "/api/actions/fix", reqBody("req-1"))
	if code != http.StatusAccepted {
		t.Fatalf("first fix request = %d: %s", code, body)
	}
	var first action.SubmitResult
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatal(err)
	}

	code, body = env.do(t, http.MethodPost, "/api/actions/fix", reqBody("req-2"))
	if code != http.StatusOK {
		t.Fatalf("second fix request = %d: %s", code, body)
	}
	var second action.SubmitResult
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.ActionID != first.ActionID {
		t.Errorf("second = %+v, first = %+v", second, first)
	}

	code, body = env.do(t, http.MethodGet, "/api/actions/"+url.PathEscape(first.ActionID), "")
	if code != http.StatusOK {
		t.Fatalf("get action = %d: %s", code, body)
	}
	var rec pipeline.ActionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Source != "http" || rec.Status != pipeline.ActionNew {
		t.Errorf("action = %+v", rec)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/actions/fix", `{"findingIds":["x"]}`); code != http.StatusBadRequest {
		t.Errorf("fix without runId = %d, want 400", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/actions/nope", ""); code != http.StatusNotFound {
		t.Errorf("missing action = %d, want 404", code)
	}
}

func TestRunEvents_TerminalRun(t *testing.T) {
	env := setupTest(t)
	runID := env.ingestAndRun(t)

	code, body := env.do(t, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/events", "")
	if code != http.StatusOK {
		t.Fatalf("events = %d: %s", code, body)
	}
	text := string(body)
	if !strings.Contains(text, "event: run\n") || !strings.Contains(text, `"status":"SUCCEEDED"`) {
		t.Errorf("missing run event:\n%s", text)
	}
	if !strings.HasSuffix(text, "event: done\ndata: SUCCEEDED\n\n") {
		t.Errorf("missing done event:\n%s", text)
	}
}

func TestStats(t *testing.T) {
	env := setupTest(t)
	env.ingestAndRun(t)

	code, body := env.do(t, http.MethodGet, "/api/stats", "")
	if code != http.StatusOK {
		t.Fatalf("stats = %d: %s", code, body)
	}
	var report analytics.Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatal(err)
	}
	if report.Runs != 1 || report.RunsByStatus[pipeline.RunSucceeded] != 1 {
		t.Errorf("runs = %d %v", report.Runs, report.RunsByStatus)
	}
	if len(report.Stages) != 4 || report.Stages[0].Stage != stage.Acquire || report.Stages[0].Succeeded != 100 {
		t.Errorf("stages = %+v", report.Stages)
	}

	if code, _ := env.do(t, http.MethodGet, "/api/stats?since=yesterday", ""); code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", code)
	}
}
