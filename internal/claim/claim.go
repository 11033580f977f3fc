// Package claim implements the one routine every worker uses to take
// ownership of pending records: poll oldest-first, then move each record to an
// in-progress status with a conditional write. Losing the race is normal and
// is skipped silently.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/argus/internal/ledger"
)

// PollOpts describes which records a tick may claim.
type PollOpts struct {
	Statuses   []string          // claimable statuses, e.g. NEW
	InProgress string            // status a successful claim writes
	Fields     map[string]string // extra equality filters on the body
	Limit      int
	// Lease, when positive, also makes records stuck in InProgress claimable
	// once they have not been written for longer than Lease. A crashed worker
	// therefore delays its records by at most one lease.
	Lease time.Duration
}

// Batch is the result of one ClaimBatch call.
type Batch struct {
	Claimed   []ledger.Document
	Conflicts int // records another worker won
	Reclaimed int // stale in-progress records taken over
}

// Claimer claims records on behalf of one worker identity.
type Claimer struct {
	store  ledger.Store
	owner  string
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Claimer. owner is recorded on every claimed record.
func New(store ledger.Store, owner string) *Claimer {
	return &Claimer{store: store, owner: owner, now: time.Now, logger: slog.Default()}
}

// SetClock overrides the clock used for claimedAt and lease expiry (for testing).
func (c *Claimer) SetClock(now func() time.Time) {
	c.now = now
}

// SetLogger sets the structured logger.
func (c *Claimer) SetLogger(l *slog.Logger) {
	c.logger = l
}

// Owner returns the worker identity written into claimed records.
func (c *Claimer) Owner() string {
	return c.owner
}

// Poll returns up to opts.Limit claimable records, oldest first. Pending
// records come before stale in-progress ones.
func (c *Claimer) Poll(ctx context.Context, index string, opts PollOpts) ([]ledger.Document, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	docs, err := c.store.Search(ctx, index, ledger.Filter{
		Statuses: opts.Statuses,
		Fields:   opts.Fields,
	}, ledger.SortCreatedAsc, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", index, err)
	}

	remaining := opts.Limit - len(docs)
	if opts.Lease > 0 && opts.InProgress != "" && remaining > 0 {
		stale, err := c.store.Search(ctx, index, ledger.Filter{
			Statuses:      []string{opts.InProgress},
			Fields:        opts.Fields,
			UpdatedBefore: c.now().Add(-opts.Lease),
		}, ledger.SortCreatedAsc, remaining)
		if err != nil {
			return nil, fmt.Errorf("poll stale %s: %w", index, err)
		}
		docs = append(docs, stale...)
	}
	return docs, nil
}

// TryClaim moves doc to next with a conditional write against the version
// observed when it was polled. It returns ledger.ErrConflict when another
// writer got there first.
func (c *Claimer) TryClaim(ctx context.Context, doc ledger.Document, next string) (*ledger.Document, error) {
	body, err := stampClaim(doc.Body, next, c.owner, c.now())
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", doc.Index, doc.ID, err)
	}
	doc.Status = next
	doc.Body = body
	return c.store.ConditionalUpdate(ctx, doc)
}

// ClaimBatch polls and claims in one step. Conflicts are counted, never
// returned as errors; any other store error stops claiming. The batch is nil
// only when polling failed; otherwise it holds the records claimed before
// the error, which the caller now owns and must process.
func (c *Claimer) ClaimBatch(ctx context.Context, index string, opts PollOpts) (*Batch, error) {
	docs, err := c.Poll(ctx, index, opts)
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	for _, doc := range docs {
		stale := doc.Status == opts.InProgress
		claimed, err := c.TryClaim(ctx, doc, opts.InProgress)
		if errors.Is(err, ledger.ErrConflict) {
			batch.Conflicts++
			c.logger.Debug("claim conflict, skipping", "index", index, "id", doc.ID)
			continue
		}
		if err != nil {
			return batch, err
		}
		if stale {
			batch.Reclaimed++
			c.logger.Warn("reclaimed stale record", "index", index, "id", doc.ID, "last_update", doc.UpdatedAt)
		}
		batch.Claimed = append(batch.Claimed, *claimed)
	}
	return batch, nil
}

// stampClaim sets status, claimedBy and claimedAt on a JSON object body,
// leaving every other field untouched.
func stampClaim(raw json.RawMessage, status, owner string, at time.Time) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("body is not an object: %w", err)
		}
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		obj[key] = b
		return nil
	}
	if err := set("status", status); err != nil {
		return nil, err
	}
	if err := set("claimedBy", owner); err != nil {
		return nil, err
	}
	if err := set("claimedAt", at.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}
