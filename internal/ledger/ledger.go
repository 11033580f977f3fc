// Package ledger is the document store contract the orchestration core needs:
// get, filtered search, conditional update, create-if-absent and bulk write.
//
// Every document carries an opaque VersionToken. A conditional update
// succeeds only when the caller presents the token it observed; any other
// writer in between makes it fail with ErrConflict. That is the only mutual
// exclusion mechanism the workers use.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned by Get when no document has the given id.
	ErrNotFound = errors.New("ledger: document not found")
	// ErrConflict is returned when a conditional write observes a different version.
	ErrConflict = errors.New("ledger: version conflict")
)

// VersionToken identifies one revision of a document. Callers must treat it
// as opaque: obtain it from Get or Search and hand it back unchanged.
type VersionToken string

// Document is one stored record.
type Document struct {
	Index     string
	ID        string
	Status    string
	Body      json.RawMessage
	Version   VersionToken
	Seq       int64 // store-assigned, strictly increasing in insertion order
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter narrows a Search. Zero-valued fields do not filter.
type Filter struct {
	Statuses      []string
	Fields        map[string]string // top-level body field equality
	FieldsNot     map[string]string // top-level body field inequality (missing counts as "")
	UpdatedBefore time.Time
}

// Sort orders Search results.
type Sort int

const (
	// SortCreatedAsc returns the oldest documents first.
	SortCreatedAsc Sort = iota
	// SortCreatedDesc returns the newest documents first.
	SortCreatedDesc
	// SortUpdatedAsc returns the least recently written documents first.
	SortUpdatedAsc
)

// BulkOp is one write inside a BulkWrite. With an empty Version the op is an
// upsert; otherwise it is a conditional update that is skipped on conflict.
type BulkOp struct {
	Index   string
	ID      string
	Status  string
	Body    json.RawMessage
	Version VersionToken
}

// BulkResult reports the outcome of a BulkWrite.
type BulkResult struct {
	Written   int
	Conflicts []string // ids whose conditional op lost
}

// Store is the full set of primitives the orchestration core depends on.
type Store interface {
	Get(ctx context.Context, index, id string) (*Document, error)
	Search(ctx context.Context, index string, f Filter, sort Sort, size int) ([]Document, error)
	// ConditionalUpdate replaces status and body when doc.Version matches the
	// stored version, returning the new revision.
	ConditionalUpdate(ctx context.Context, doc Document) (*Document, error)
	// CreateIfAbsent inserts doc unless its id exists. It returns the stored
	// document (the pre-existing one when created is false).
	CreateIfAbsent(ctx context.Context, doc Document) (stored *Document, created bool, err error)
	BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error)
	Migrate(ctx context.Context) error
	Close() error
}

// Encode marshals v as a document body.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// Decode unmarshals a document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Index, d.ID, err)
	}
	return nil
}

var fieldNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func validateFilter(f Filter) error {
	for name := range f.Fields {
		if !fieldNameRe.MatchString(name) {
			return fmt.Errorf("invalid filter field %q", name)
		}
	}
	for name := range f.FieldsNot {
		if !fieldNameRe.MatchString(name) {
			return fmt.Errorf("invalid filter field %q", name)
		}
	}
	return nil
}
