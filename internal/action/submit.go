// Package action implements the action request API and the workers that
// execute action records: fix generation and notification delivery.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/lucasnoah/argus/internal/idempotency"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// ErrInvalidRequest marks requests rejected before anything is recorded.
var ErrInvalidRequest = errors.New("invalid action request")

// Exclusions lists, per action type, the request fields that never affect
// the idempotency key.
var Exclusions = map[string][]string{
	pipeline.ActionRequestForFix: {"requestId", "requestedAt", "timestamp", "attribution", "source"},
}

// Request asks for an action on findings of one run.
type Request struct {
	ActionType  string         `json:"actionType"`
	RunID       string         `json:"runId"`
	FindingID   string         `json:"findingId,omitempty"`
	FindingIDs  []string       `json:"findingIds"`
	Filters     map[string]any `json:"filters"`
	Source      string         `json:"source,omitempty"`
	Attribution string         `json:"attribution,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	RequestedAt string         `json:"requestedAt,omitempty"`
}

// SubmitResult is returned for every submit, duplicate or not.
type SubmitResult struct {
	ActionID  string `json:"actionId"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
}

// normalize folds FindingID into a sorted, deduplicated FindingIDs.
func (r Request) normalize() Request {
	ids := append([]string(nil), r.FindingIDs...)
	if r.FindingID != "" {
		ids = append(ids, r.FindingID)
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if id == "" || (i > 0 && id == ids[i-1]) {
			continue
		}
		out = append(out, id)
	}
	r.FindingIDs = out
	r.FindingID = ""
	if r.ActionType == "" {
		r.ActionType = pipeline.ActionRequestForFix
	}
	if r.Filters == nil {
		r.Filters = map[string]any{}
	}
	return r
}

// Key derives the idempotency key of req and returns the canonical payload
// it was derived from.
func Key(req Request) (key string, payload map[string]any, err error) {
	req = req.normalize()
	payload, err = idempotency.Strip(req, Exclusions[req.ActionType]...)
	if err != nil {
		return "", nil, fmt.Errorf("canonical request: %w", err)
	}
	key, err = idempotency.DeriveKey(req.ActionType, req.RunID, payload)
	if err != nil {
		return "", nil, err
	}
	return key, payload, nil
}

// Submitter creates action records for requests.
type Submitter struct {
	store *pipeline.Store
}

// NewSubmitter creates a Submitter.
func NewSubmitter(store *pipeline.Store) *Submitter {
	return &Submitter{store: store}
}

// Submit records req with a create-if-absent write. Calling it again with a
// logically identical request returns the original record with Duplicate set.
func (s *Submitter) Submit(ctx context.Context, req Request) (*SubmitResult, error) {
	req = req.normalize()
	if req.RunID == "" {
		return nil, fmt.Errorf("%w: runId is required", ErrInvalidRequest)
	}
	if req.ActionType != pipeline.ActionRequestForFix {
		return nil, fmt.Errorf("%w: unsupported action type %q", ErrInvalidRequest, req.ActionType)
	}
	if len(req.FindingIDs) == 0 && len(req.Filters) == 0 {
		return nil, fmt.Errorf("%w: findingIds or filters are required", ErrInvalidRequest)
	}
	if err := validateFilters(req.Filters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key, payload, err := Key(req)
	if err != nil {
		return nil, err
	}
	hash, err := idempotency.ContentHash(payload)
	if err != nil {
		return nil, err
	}

	now := s.store.Now()
	rec, created, err := s.store.CreateAction(ctx, &pipeline.ActionRecord{
		ActionID:    key,
		ActionType:  req.ActionType,
		Scope:       req.RunID,
		Status:      pipeline.ActionNew,
		PayloadHash: hash,
		Payload:     payload,
		Source:      req.Source,
		Attribution: req.Attribution,
		TargetKey:   req.RunID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", key, err)
	}
	return &SubmitResult{
		ActionID:  rec.ActionID,
		Duplicate: !created,
		Status:    rec.Status,
		Outcome:   rec.Outcome,
	}, nil
}

// requestPayload is the stored canonical form of a fix request.
type requestPayload struct {
	ActionType string   `json:"actionType"`
	RunID      string   `json:"runId"`
	FindingIDs []string `json:"findingIds"`
	Filters    Filters  `json:"filters"`
}

// Filters select findings of a run when no explicit ids are given.
type Filters struct {
	MinScore *float64 `json:"minScore,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

func (f Filters) match(fd *pipeline.Finding) bool {
	if f.MinScore != nil && fd.PriorityScore < *f.MinScore {
		return false
	}
	if f.Severity != "" && fd.Severity != f.Severity {
		return false
	}
	return true
}

func validateFilters(raw map[string]any) error {
	for k := range raw {
		if k != "minScore" && k != "severity" {
			return fmt.Errorf("unknown filter %q", k)
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var f Filters
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}
	return nil
}

func decodePayload(p map[string]any) (*requestPayload, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var rp requestPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, fmt.Errorf("decode request payload: %w", err)
	}
	return &rp, nil
}
