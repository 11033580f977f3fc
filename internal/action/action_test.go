package action

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/argus/internal/claim"
	"github.com/lucasnoah/argus/internal/ledger"
	"github.com/lucasnoah/argus/internal/notify"
	"github.com/lucasnoah/argus/internal/pipeline"
)

func testStore(t *testing.T) *pipeline.Store {
	t.Helper()
	l, err := ledger.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { l.Close() })
	s := pipeline.NewStore(l)
	s.SetClock(func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) })
	return s
}

// countingGen is a deterministic generator that counts calls.
type countingGen struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (g *countingGen) EngineVersion() string { return "test-v1" }

func (g *countingGen) Generate(_ context.Context, f *pipeline.Finding) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail {
		return "", errors.New("backend down")
	}
	return "bump " + f.Package, nil
}

type panicGen struct{}

func (panicGen) EngineVersion() string { return "panic-v1" }

func (panicGen) Generate(context.Context, *pipeline.Finding) (string, error) {
	panic("generator exploded")
}

type memSink struct {
	mu   sync.Mutex
	msgs []notify.Message
	fail bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Publish(_ context.Context, msg notify.Message) (notify.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	if m.fail {
		return notify.Result{Status: notify.StatusFailed}, errors.New("sink down")
	}
	return notify.Result{Status: notify.StatusPosted}, nil
}

func seedFindings(t *testing.T, s *pipeline.Store, runID string, findings ...pipeline.Finding) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.CreateRun(ctx, &pipeline.Run{RunID: runID, Repo: "acme/web", Status: pipeline.RunSucceeded})
	require.NoError(t, err)
	for i := range findings {
		findings[i].RunID = runID
		findings[i].TriageStatus = pipeline.TriageOpen
	}
	_, err = s.PutFindings(ctx, findings)
	require.NoError(t, err)
}

func TestKey_IgnoresRequestMetadata(t *testing.T) {
	a := Request{RunID: "r1", FindingIDs: []string{"F2", "F1"}, RequestID: "req-1", RequestedAt: "2026-04-02T10:00:00Z", Attribution: "alice"}
	b := Request{RunID: "r1", FindingIDs: []string{"F1", "F2", "F1"}, RequestID: "req-2", RequestedAt: "2026-04-02T11:00:00Z", Source: "cli"}

	ka, pa, err := Key(a)
	require.NoError(t, err)
	kb, _, err := Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.True(t, strings.HasPrefix(ka, "request-for-fix:r1:"))
	assert.NotContains(t, pa, "requestId")
	assert.NotContains(t, pa, "attribution")

	c := Request{RunID: "r1", FindingIDs: []string{"F1"}}
	kc, _, _ := Key(c)
	assert.NotEqual(t, ka, kc)
}

func TestSubmit_Duplicate(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", Package: "lodash"})
	sub := NewSubmitter(s)
	ctx := context.Background()

	first, err := sub.Submit(ctx, Request{RunID: "r1", FindingID: "F1", RequestID: "a"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, pipeline.ActionNew, first.Status)

	second, err := sub.Submit(ctx, Request{RunID: "r1", FindingIDs: []string{"F1"}, RequestID: "b"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ActionID, second.ActionID)

	gen := &countingGen{}
	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), gen, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, gen.calls)

	// A third submit after completion reports the finished record.
	third, err := sub.Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.Equal(t, pipeline.ActionSucceeded, third.Status)
	assert.Equal(t, "created=1 exists=0 failed=0", third.Outcome)

	fixes, err := s.ListActions(ctx, ledger.Filter{Fields: map[string]string{"actionType": pipeline.ActionBundleOfFix}}, 0)
	require.NoError(t, err)
	assert.Len(t, fixes, 1)
}

func TestSubmit_Validation(t *testing.T) {
	sub := NewSubmitter(testStore(t))
	ctx := context.Background()

	_, err := sub.Submit(ctx, Request{FindingID: "F1"})
	assert.Error(t, err)
	_, err = sub.Submit(ctx, Request{RunID: "r1"})
	assert.Error(t, err)
	_, err = sub.Submit(ctx, Request{RunID: "r1", Filters: map[string]any{"colour": "red"}})
	assert.Error(t, err)
	_, err = sub.Submit(ctx, Request{RunID: "r1", ActionType: "delete-everything", FindingID: "F1"})
	assert.Error(t, err)
}

func TestFixWorker_MissingFindingCountsAsFailed(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", CVE: "CVE-2024-1", Package: "lodash", PackageVersion: "4.17.0"})
	ctx := context.Background()

	sub, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingIDs: []string{"F1", "F2"}})
	require.NoError(t, err)

	sink := &memSink{}
	d := notify.NewDispatcher(s, sink, "w1", 3)
	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), &countingGen{}, d, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickResult{Processed: 1}, res)

	rec, err := s.GetAction(ctx, sub.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	assert.Equal(t, "created=1 exists=0 failed=1", rec.Outcome)
	assert.Equal(t, "w1", rec.ClaimedBy)

	f1, err := s.GetFinding(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.TriageFixProposed, f1.TriageStatus)

	fixKey, err := FixKey(f1, "test-v1")
	require.NoError(t, err)
	fix, err := s.GetAction(ctx, fixKey)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionCreated, fix.Status)
	assert.Equal(t, "bump lodash", fix.Result)

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, notify.KindFix, sink.msgs[0].Kind)

	// Nothing left to claim.
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickResult{}, res)
}

func TestFixWorker_ExistingFixIsReused(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", Package: "lodash"})
	ctx := context.Background()
	gen := &countingGen{}
	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), gen, nil, 10, 0)

	_, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)
	_, err = w.Tick(ctx)
	require.NoError(t, err)

	// A different request covering the same finding reuses the fix.
	second, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", Filters: map[string]any{"severity": "HIGH"}})
	require.NoError(t, err)
	f1, err := s.GetFinding(ctx, "F1")
	require.NoError(t, err)
	f1.Severity = "HIGH"
	require.NoError(t, s.UpdateFinding(ctx, f1))

	_, err = w.Tick(ctx)
	require.NoError(t, err)
	rec, err := s.GetAction(ctx, second.ActionID)
	require.NoError(t, err)
	assert.Equal(t, "created=0 exists=1 failed=0", rec.Outcome)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	assert.Equal(t, 1, gen.calls)
}

func TestFixWorker_AllFailed(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1"})
	ctx := context.Background()

	sub, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)
	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), &countingGen{fail: true}, nil, 10, 0)
	_, err = w.Tick(ctx)
	require.NoError(t, err)

	rec, err := s.GetAction(ctx, sub.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionFailed, rec.Status)
	assert.Equal(t, ErrCodeNoFixes, rec.ErrorCode)
	assert.Equal(t, "created=0 exists=0 failed=1", rec.Outcome)
}

func TestFixWorker_PanicWritesFailed(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1"})
	ctx := context.Background()

	sub, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)
	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), panicGen{}, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := s.GetAction(ctx, sub.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionFailed, rec.Status)
	assert.Equal(t, ErrCodeFatal, rec.ErrorCode)
	assert.Contains(t, rec.Error, "generator exploded")
}

func TestNotifyWorker_RetriesFailedPublish(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sink := &memSink{fail: true}
	d := notify.NewDispatcher(s, sink, "w1", 2)

	rec, posted, err := d.Notify(ctx, notify.Message{Kind: notify.KindReport, Scope: "r1", Title: "Report", Text: "1 finding"}, "test", "r1")
	require.Error(t, err)
	assert.True(t, posted)
	assert.Equal(t, pipeline.ActionNew, rec.Status)

	sink.fail = false
	w := NewNotifyWorker(claim.New(s.Ledger(), "w2"), d, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	got, err := s.GetAction(ctx, rec.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Len(t, sink.msgs, 2)

	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

// faultyLedger fails Get on the indexes in getErr, and conditional updates
// on the indexes in updateErr or for the ids in brokenIDs.
type faultyLedger struct {
	ledger.Store
	mu        sync.Mutex
	getErr    map[string]bool
	updateErr map[string]bool
	brokenIDs map[string]bool
}

func (f *faultyLedger) Get(ctx context.Context, index, id string) (*ledger.Document, error) {
	if f.getErr[index] {
		return nil, errors.New("connection reset")
	}
	return f.Store.Get(ctx, index, id)
}

func (f *faultyLedger) ConditionalUpdate(ctx context.Context, doc ledger.Document) (*ledger.Document, error) {
	f.mu.Lock()
	broken := f.updateErr[doc.Index] || f.brokenIDs[doc.ID]
	f.mu.Unlock()
	if broken {
		return nil, errors.New("connection reset")
	}
	return f.Store.ConditionalUpdate(ctx, doc)
}

func (f *faultyLedger) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokenIDs = nil
}

func TestFixWorker_StoreErrorWritesFailed(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", Package: "lodash"})
	ctx := context.Background()

	sub, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)

	faulty := &faultyLedger{Store: s.Ledger(), getErr: map[string]bool{pipeline.IndexFindings: true}}
	gen := &countingGen{}
	w := NewFixWorker(pipeline.NewStore(faulty), claim.New(faulty, "w1"), gen, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err := s.GetAction(ctx, sub.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionFailed, rec.Status)
	assert.Equal(t, ErrCodeFatal, rec.ErrorCode)
	assert.Contains(t, rec.Error, "connection reset")
	assert.Zero(t, gen.calls)

	// Terminal, so nothing is left for a later tick.
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickResult{}, res)
}

func TestFixWorker_UndecodableRequestWritesFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	body, err := ledger.Encode(map[string]any{
		"actionId":   "bad-1",
		"actionType": pipeline.ActionRequestForFix,
		"status":     pipeline.ActionNew,
		"payload":    "not an object",
	})
	require.NoError(t, err)
	_, _, err = s.Ledger().CreateIfAbsent(ctx, ledger.Document{
		Index: pipeline.IndexActions, ID: "bad-1", Status: pipeline.ActionNew, Body: body,
	})
	require.NoError(t, err)

	w := NewFixWorker(s, claim.New(s.Ledger(), "w1"), &countingGen{}, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	doc, err := s.Ledger().Get(ctx, pipeline.IndexActions, "bad-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionFailed, doc.Status)
	var got map[string]any
	require.NoError(t, doc.Decode(&got))
	assert.Equal(t, ErrCodePayload, got["errorCode"])
	assert.Equal(t, pipeline.ActionRequestForFix, got["actionType"])

	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickResult{}, res)
}

func TestFixWorker_ClaimErrorStillProcessesClaimed(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1",
		pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", Package: "lodash"},
		pipeline.Finding{FindingID: "F2", RuleID: "GHSA-2", Package: "minimist"},
	)
	ctx := context.Background()
	sub := NewSubmitter(s)
	first, err := sub.Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)
	second, err := sub.Submit(ctx, Request{RunID: "r1", FindingID: "F2"})
	require.NoError(t, err)

	faulty := &faultyLedger{Store: s.Ledger(), brokenIDs: map[string]bool{second.ActionID: true}}
	w := NewFixWorker(pipeline.NewStore(faulty), claim.New(faulty, "w1"), &countingGen{}, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Processed)

	rec, err := s.GetAction(ctx, first.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	rec, err = s.GetAction(ctx, second.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionNew, rec.Status)

	faulty.heal()
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestFixWorker_TriageWriteErrorKeepsCreatedFix(t *testing.T) {
	s := testStore(t)
	seedFindings(t, s, "r1", pipeline.Finding{FindingID: "F1", RuleID: "GHSA-1", Package: "lodash"})
	ctx := context.Background()

	sub, err := NewSubmitter(s).Submit(ctx, Request{RunID: "r1", FindingID: "F1"})
	require.NoError(t, err)

	faulty := &faultyLedger{Store: s.Ledger(), updateErr: map[string]bool{pipeline.IndexFindings: true}}
	w := NewFixWorker(pipeline.NewStore(faulty), claim.New(faulty, "w1"), &countingGen{}, nil, 10, 0)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	rec, err := s.GetAction(ctx, sub.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	assert.Equal(t, "created=1 exists=0 failed=0", rec.Outcome)

	f1, err := s.GetFinding(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.TriageOpen, f1.TriageStatus)
}
