package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/argus/internal/github"
	"github.com/lucasnoah/argus/internal/ledger"
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

// recordingSink counts publishes and fails the first failN of them.
type recordingSink struct {
	mu    sync.Mutex
	msgs  []Message
	failN int
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, msg Message) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if len(r.msgs) <= r.failN {
		return Result{Status: StatusFailed}, errors.New("webhook unavailable")
	}
	return Result{Status: StatusPosted, Ref: "ts-1"}, nil
}

func report(scope string) Message {
	return Message{Kind: KindReport, Scope: scope, Title: "Scan report", Text: "2 findings", Fields: map[string]string{"b": "2", "a": "1"}}
}

func TestKey_StableAcrossFieldOrder(t *testing.T) {
	m1 := report("r1")
	m2 := report("r1")
	m2.Fields = map[string]string{"a": "1", "b": "2"}
	k1, h1, err := Key(m1)
	require.NoError(t, err)
	k2, h2, err := Key(m2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(k1, "chat-publish:r1:"))

	m2.Text = "3 findings"
	k3, _, _ := Key(m2)
	assert.NotEqual(t, k1, k3)
}

func TestDispatcher_PublishesOnce(t *testing.T) {
	s := testStore(t)
	sink := &recordingSink{}
	d := NewDispatcher(s, sink, "worker-1", 3)
	ctx := context.Background()

	rec, posted, err := d.Notify(ctx, report("r1"), "stage", "r1")
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	assert.Equal(t, "POSTED", rec.Result)
	assert.Contains(t, rec.Outcome, "ref=ts-1")

	again, posted, err := d.Notify(ctx, report("r1"), "stage", "r1")
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Equal(t, rec.ActionID, again.ActionID)
	assert.Len(t, sink.msgs, 1)
	assert.Equal(t, rec.ActionID, sink.msgs[0].Key)
}

func TestDispatcher_FailureLeavesRecordForRetry(t *testing.T) {
	s := testStore(t)
	sink := &recordingSink{failN: 5}
	d := NewDispatcher(s, sink, "worker-1", 2)
	ctx := context.Background()

	rec, _, err := d.Notify(ctx, report("r1"), "stage", "r1")
	assert.ErrorContains(t, err, "webhook unavailable")
	require.NotNil(t, rec)
	assert.Equal(t, pipeline.ActionNew, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	stored, err := s.GetAction(ctx, rec.ActionID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ActionNew, stored.Status)

	// The second and last attempt makes the failure terminal.
	stored, err = d.Deliver(ctx, stored)
	assert.Error(t, err)
	assert.Equal(t, pipeline.ActionFailed, stored.Status)
	assert.Equal(t, "SINK_FAILED", stored.ErrorCode)
	assert.Equal(t, 2, stored.Attempts)
}

func TestDispatcher_DryRunKeepsBookkeeping(t *testing.T) {
	s := testStore(t)
	d := NewDispatcher(s, DryRun{}, "w", 3)
	rec, posted, err := d.Notify(context.Background(), report("r1"), "stage", "r1")
	require.NoError(t, err)
	assert.True(t, posted)
	assert.Equal(t, pipeline.ActionSucceeded, rec.Status)
	assert.Equal(t, "DRY_RUN", rec.Result)

	_, posted, err = d.Notify(context.Background(), report("r1"), "stage", "r1")
	require.NoError(t, err)
	assert.False(t, posted)
}

func TestSlack(t *testing.T) {
	var (
		got    map[string]string
		status atomic.Int32
	)
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(int(status.Load()))
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s := &Slack{WebhookURL: srv.URL}
	res, err := s.Publish(context.Background(), report("r1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, res.Status)
	assert.Equal(t, "Scan report\n2 findings\na: 1\nb: 2", got["text"])

	status.Store(http.StatusInternalServerError)
	res, err = s.Publish(context.Background(), report("r1"))
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

type ghMock struct {
	calls   [][]string
	outputs []string
}

func (m *ghMock) Run(_ context.Context, args ...string) (string, error) {
	m.calls = append(m.calls, args)
	out := m.outputs[0]
	m.outputs = m.outputs[1:]
	return out, nil
}

func TestGitHubIssues(t *testing.T) {
	mock := &ghMock{outputs: []string{`[]`, "https://github.com/acme/web/issues/3"}}
	sink := &GitHubIssues{Client: github.NewClient(mock), DefaultRepo: "acme/web", Labels: []string{"security"}}
	msg := report("r1")
	msg.Key = "chat-publish:r1:abc"

	res, err := sink.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, res.Status)
	assert.Equal(t, "https://github.com/acme/web/issues/3", res.Ref)
	require.Len(t, mock.calls, 2)
	assert.Contains(t, strings.Join(mock.calls[1], " "), "<!-- argus-key:chat-publish:r1:abc -->")

	// An issue carrying the marker already exists: nothing new is filed.
	mock.outputs = []string{`[{"number":3,"url":"https://github.com/acme/web/issues/3"}]`}
	res, err = sink.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/web/issues/3", res.Ref)
	assert.Len(t, mock.calls, 3)
}

func TestKey_Dedupe(t *testing.T) {
	a := Message{Kind: KindFix, Scope: "r1", Title: "t", Text: "created=1", Dedupe: "hash-1"}
	b := a
	b.Text = "exists=1"
	ka, _, err := Key(a)
	require.NoError(t, err)
	kb, _, err := Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}
