package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/argus/internal/ledger"
)

// Store gives typed access to the pipeline's ledger indexes.
type Store struct {
	ledger ledger.Store
	now    func() time.Time
}

// NewStore wraps a ledger.
func NewStore(l ledger.Store) *Store {
	return &Store{ledger: l, now: time.Now}
}

// Ledger returns the underlying document store.
func (s *Store) Ledger() ledger.Store {
	return s.ledger
}

// SetClock overrides the clock used for record timestamps (for testing).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the current time formatted as a record timestamp.
func (s *Store) Now() string {
	return Timestamp(s.now())
}

// Timestamp formats t the way every record stores it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decode[T any](doc *ledger.Document) (*T, error) {
	var v T
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- bundles ---

// NewBundle builds a NEW bundle with its deterministic run id.
func (s *Store) NewBundle(repo, build, bundle string, artifacts []Artifact) (*Bundle, error) {
	if repo == "" || build == "" || bundle == "" {
		return nil, fmt.Errorf("repo, build and bundle are required")
	}
	runID, err := RunID(repo, build, bundle)
	if err != nil {
		return nil, fmt.Errorf("derive run id: %w", err)
	}
	return &Bundle{
		BundleID:  runID,
		RunID:     runID,
		Repo:      repo,
		Build:     build,
		Bundle:    bundle,
		Artifacts: artifacts,
		Status:    BundleNew,
		CreatedAt: s.Now(),
	}, nil
}

// CreateBundle stores b unless a bundle with the same id exists. The stored
// bundle is returned either way.
func (s *Store) CreateBundle(ctx context.Context, b *Bundle) (*Bundle, bool, error) {
	body, err := ledger.Encode(b)
	if err != nil {
		return nil, false, err
	}
	doc, created, err := s.ledger.CreateIfAbsent(ctx, ledger.Document{
		Index: IndexBundles, ID: b.BundleID, Status: b.Status, Body: body,
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := BundleFromDoc(doc)
	return stored, created, err
}

// GetBundle loads a bundle by id.
func (s *Store) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	doc, err := s.ledger.Get(ctx, IndexBundles, id)
	if err != nil {
		return nil, err
	}
	return BundleFromDoc(doc)
}

// UpdateBundle conditionally writes b and refreshes its version.
func (s *Store) UpdateBundle(ctx context.Context, b *Bundle) error {
	body, err := ledger.Encode(b)
	if err != nil {
		return err
	}
	doc, err := s.ledger.ConditionalUpdate(ctx, ledger.Document{
		Index: IndexBundles, ID: b.BundleID, Status: b.Status, Body: body, Version: b.Version,
	})
	if err != nil {
		return err
	}
	b.Version = doc.Version
	return nil
}

// BundleFromDoc decodes a bundle document, such as one returned by a claim.
func BundleFromDoc(doc *ledger.Document) (*Bundle, error) {
	b, err := decode[Bundle](doc)
	if err != nil {
		return nil, err
	}
	b.Version = doc.Version
	return b, nil
}

// --- runs ---

// CreateRun stores r unless the run exists, returning the stored run.
func (s *Store) CreateRun(ctx context.Context, r *Run) (*Run, bool, error) {
	body, err := ledger.Encode(r)
	if err != nil {
		return nil, false, err
	}
	doc, created, err := s.ledger.CreateIfAbsent(ctx, ledger.Document{
		Index: IndexRuns, ID: r.RunID, Status: r.Status, Body: body,
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := runFromDoc(doc)
	return stored, created, err
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	doc, err := s.ledger.Get(ctx, IndexRuns, id)
	if err != nil {
		return nil, err
	}
	return runFromDoc(doc)
}

// UpdateRun conditionally writes r, stamping UpdatedAt and refreshing its version.
func (s *Store) UpdateRun(ctx context.Context, r *Run) error {
	r.UpdatedAt = s.Now()
	body, err := ledger.Encode(r)
	if err != nil {
		return err
	}
	doc, err := s.ledger.ConditionalUpdate(ctx, ledger.Document{
		Index: IndexRuns, ID: r.RunID, Status: r.Status, Body: body, Version: r.Version,
	})
	if err != nil {
		return err
	}
	r.Version = doc.Version
	return nil
}

// ListRuns returns runs matching f, newest first.
func (s *Store) ListRuns(ctx context.Context, f ledger.Filter, limit int) ([]Run, error) {
	docs, err := s.ledger.Search(ctx, IndexRuns, f, ledger.SortCreatedDesc, limit)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(docs))
	for i := range docs {
		r, err := runFromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

// RunsBehindIntel returns succeeded runs, oldest first, whose findings were
// enriched with a different intel version than current.
func (s *Store) RunsBehindIntel(ctx context.Context, current string, limit int) ([]Run, error) {
	docs, err := s.ledger.Search(ctx, IndexRuns, ledger.Filter{
		Statuses:  []string{RunSucceeded},
		FieldsNot: map[string]string{"intelVersion": current},
	}, ledger.SortCreatedAsc, limit)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(docs))
	for i := range docs {
		r, err := runFromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

func runFromDoc(doc *ledger.Document) (*Run, error) {
	r, err := decode[Run](doc)
	if err != nil {
		return nil, err
	}
	r.Version = doc.Version
	return r, nil
}

// --- stage traces ---

// WriteTrace appends a stage trace. A trace for the same run, stage and
// attempt is written at most once; the existing one is returned otherwise.
func (s *Store) WriteTrace(ctx context.Context, t StageTrace) (*StageTrace, bool, error) {
	t.TraceID = TraceID(t.RunID, t.Stage, t.Attempt)
	body, err := ledger.Encode(t)
	if err != nil {
		return nil, false, err
	}
	doc, created, err := s.ledger.CreateIfAbsent(ctx, ledger.Document{
		Index: IndexTraces, ID: t.TraceID, Status: t.Status, Body: body,
	})
	if err != nil {
		return nil, false, fmt.Errorf("write trace %s: %w", t.TraceID, err)
	}
	stored, err := traceFromDoc(doc)
	return stored, created, err
}

// ListTraces returns every trace of a run in write order.
func (s *Store) ListTraces(ctx context.Context, runID string) ([]StageTrace, error) {
	docs, err := s.ledger.Search(ctx, IndexTraces, ledger.Filter{
		Fields: map[string]string{"runId": runID},
	}, ledger.SortCreatedAsc, 0)
	if err != nil {
		return nil, err
	}
	traces := make([]StageTrace, 0, len(docs))
	for i := range docs {
		t, err := traceFromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		traces = append(traces, *t)
	}
	sort.SliceStable(traces, func(i, j int) bool { return traces[i].Seq < traces[j].Seq })
	return traces, nil
}

func traceFromDoc(doc *ledger.Document) (*StageTrace, error) {
	t, err := decode[StageTrace](doc)
	if err != nil {
		return nil, err
	}
	t.Seq = doc.Seq
	return t, nil
}

// --- findings ---

// GetFinding loads a finding by id.
func (s *Store) GetFinding(ctx context.Context, id string) (*Finding, error) {
	doc, err := s.ledger.Get(ctx, IndexFindings, id)
	if err != nil {
		return nil, err
	}
	return FindingFromDoc(doc)
}

// ListFindings returns the findings of a run in creation order.
func (s *Store) ListFindings(ctx context.Context, runID string) ([]Finding, error) {
	docs, err := s.ledger.Search(ctx, IndexFindings, ledger.Filter{
		Fields: map[string]string{"runId": runID},
	}, ledger.SortCreatedAsc, 0)
	if err != nil {
		return nil, err
	}
	findings := make([]Finding, 0, len(docs))
	for i := range docs {
		f, err := FindingFromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		findings = append(findings, *f)
	}
	return findings, nil
}

// FindingOp builds the bulk operation that writes f. Findings loaded from
// the ledger carry a version and are written conditionally.
func FindingOp(f *Finding) (ledger.BulkOp, error) {
	body, err := ledger.Encode(f)
	if err != nil {
		return ledger.BulkOp{}, err
	}
	return ledger.BulkOp{
		Index: IndexFindings, ID: f.FindingID, Status: f.TriageStatus, Body: body, Version: f.Version,
	}, nil
}

// PutFindings writes findings in one bulk call.
func (s *Store) PutFindings(ctx context.Context, findings []Finding) (ledger.BulkResult, error) {
	ops := make([]ledger.BulkOp, 0, len(findings))
	for i := range findings {
		op, err := FindingOp(&findings[i])
		if err != nil {
			return ledger.BulkResult{}, err
		}
		ops = append(ops, op)
	}
	return s.ledger.BulkWrite(ctx, ops)
}

// UpdateFinding conditionally writes f and refreshes its version.
func (s *Store) UpdateFinding(ctx context.Context, f *Finding) error {
	body, err := ledger.Encode(f)
	if err != nil {
		return err
	}
	doc, err := s.ledger.ConditionalUpdate(ctx, ledger.Document{
		Index: IndexFindings, ID: f.FindingID, Status: f.TriageStatus, Body: body, Version: f.Version,
	})
	if err != nil {
		return err
	}
	f.Version = doc.Version
	return nil
}

// FindingFromDoc decodes a finding document.
func FindingFromDoc(doc *ledger.Document) (*Finding, error) {
	f, err := decode[Finding](doc)
	if err != nil {
		return nil, err
	}
	f.Version = doc.Version
	return f, nil
}

// --- actions ---

// CreateAction stores a unless an action with the same id exists. The
// stored record is returned either way.
func (s *Store) CreateAction(ctx context.Context, a *ActionRecord) (*ActionRecord, bool, error) {
	body, err := ledger.Encode(a)
	if err != nil {
		return nil, false, err
	}
	doc, created, err := s.ledger.CreateIfAbsent(ctx, ledger.Document{
		Index: IndexActions, ID: a.ActionID, Status: a.Status, Body: body,
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := ActionFromDoc(doc)
	return stored, created, err
}

// GetAction loads an action record by id.
func (s *Store) GetAction(ctx context.Context, id string) (*ActionRecord, error) {
	doc, err := s.ledger.Get(ctx, IndexActions, id)
	if err != nil {
		return nil, err
	}
	return ActionFromDoc(doc)
}

// UpdateAction conditionally writes a, stamping UpdatedAt and refreshing its version.
func (s *Store) UpdateAction(ctx context.Context, a *ActionRecord) error {
	a.UpdatedAt = s.Now()
	body, err := ledger.Encode(a)
	if err != nil {
		return err
	}
	doc, err := s.ledger.ConditionalUpdate(ctx, ledger.Document{
		Index: IndexActions, ID: a.ActionID, Status: a.Status, Body: body, Version: a.Version,
	})
	if err != nil {
		return err
	}
	a.Version = doc.Version
	return nil
}

// FailActionDoc marks a claimed action document FAILED without decoding it
// into an ActionRecord, for bodies that no longer decode. Other body fields
// are kept when the body is a JSON object.
func (s *Store) FailActionDoc(ctx context.Context, doc ledger.Document, code, msg string) error {
	obj := map[string]any{}
	if err := json.Unmarshal(doc.Body, &obj); err != nil || obj == nil {
		obj = map[string]any{"actionId": doc.ID}
	}
	obj["status"] = ActionFailed
	obj["errorCode"] = code
	obj["error"] = msg
	obj["updatedAt"] = s.Now()
	body, err := ledger.Encode(obj)
	if err != nil {
		return err
	}
	_, err = s.ledger.ConditionalUpdate(ctx, ledger.Document{
		Index: doc.Index, ID: doc.ID, Status: ActionFailed, Body: body, Version: doc.Version,
	})
	return err
}

// ListActions returns action records matching f, oldest first.
func (s *Store) ListActions(ctx context.Context, f ledger.Filter, limit int) ([]ActionRecord, error) {
	docs, err := s.ledger.Search(ctx, IndexActions, f, ledger.SortCreatedAsc, limit)
	if err != nil {
		return nil, err
	}
	actions := make([]ActionRecord, 0, len(docs))
	for i := range docs {
		a, err := ActionFromDoc(&docs[i])
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, nil
}

// ActionFromDoc decodes an action document, such as one returned by a claim.
func ActionFromDoc(doc *ledger.Document) (*ActionRecord, error) {
	a, err := decode[ActionRecord](doc)
	if err != nil {
		return nil, err
	}
	a.Version = doc.Version
	return a, nil
}
