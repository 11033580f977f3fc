package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a PostgreSQL table. It is the backend for
// deployments where worker processes run on different hosts.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to the database described by dsn.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

// SetClock overrides the clock used for created_at/updated_at (for testing).
func (p *Postgres) SetClock(now func() time.Time) {
	p.now = now
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS docs (
    seq        BIGSERIAL PRIMARY KEY,
    idx        TEXT NOT NULL,
    id         TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT '',
    version    BIGINT NOT NULL DEFAULT 1,
    body       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE(idx, id)
);
CREATE INDEX IF NOT EXISTS idx_docs_status ON docs(idx, status, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_docs_updated ON docs(idx, status, updated_at);
`

// Migrate applies the database schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	fieldExpr:   func(ph string) string { return "COALESCE(body->>" + ph + "::text, '')" },
	fieldArg:    func(name string) any { return name },
	timeArg:     func(t time.Time) any { return t.UTC() },
}

// Get returns the document with the given id, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, index, id string) (*Document, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+docColumns+" FROM docs WHERE idx = $1 AND id = $2", index, id)
	doc, err := scanPostgresDoc(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	return doc, nil
}

// Search returns up to size documents matching f.
func (p *Postgres) Search(ctx context.Context, index string, f Filter, order Sort, size int) ([]Document, error) {
	if err := validateFilter(f); err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	query, args := buildSearch(postgresDialect, index, f, order, size)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanPostgresDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", index, err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// ConditionalUpdate writes doc when doc.Version is still current.
func (p *Postgres) ConditionalUpdate(ctx context.Context, doc Document) (*Document, error) {
	version, err := parseVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", doc.Index, doc.ID, err)
	}
	row := p.pool.QueryRow(ctx,
		`UPDATE docs SET status = $1, body = $2, version = version + 1, updated_at = $3
		 WHERE idx = $4 AND id = $5 AND version = $6
		 RETURNING `+docColumns,
		doc.Status, []byte(doc.Body), p.now().UTC(), doc.Index, doc.ID, version,
	)
	updated, err := scanPostgresDoc(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := p.Get(ctx, doc.Index, doc.ID); getErr != nil {
			return nil, fmt.Errorf("update %s/%s: %w", doc.Index, doc.ID, getErr)
		}
		return nil, fmt.Errorf("update %s/%s: %w", doc.Index, doc.ID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", doc.Index, doc.ID, err)
	}
	return updated, nil
}

// CreateIfAbsent inserts doc unless a document with the same id exists.
func (p *Postgres) CreateIfAbsent(ctx context.Context, doc Document) (*Document, bool, error) {
	now := p.now().UTC()
	row := p.pool.QueryRow(ctx,
		`INSERT INTO docs (idx, id, status, version, body, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $5, $5)
		 ON CONFLICT (idx, id) DO NOTHING
		 RETURNING `+docColumns,
		doc.Index, doc.ID, doc.Status, []byte(doc.Body), now,
	)
	created, err := scanPostgresDoc(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := p.Get(ctx, doc.Index, doc.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("create %s/%s: %w", doc.Index, doc.ID, getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create %s/%s: %w", doc.Index, doc.ID, err)
	}
	return created, true, nil
}

// BulkWrite applies ops in one transaction using a pipelined batch.
func (p *Postgres) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("bulk write: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	batch := &pgx.Batch{}
	for _, op := range ops {
		if op.Version == "" {
			batch.Queue(
				`INSERT INTO docs (idx, id, status, version, body, created_at, updated_at)
				 VALUES ($1, $2, $3, 1, $4, $5, $5)
				 ON CONFLICT (idx, id) DO UPDATE SET
				     status = EXCLUDED.status,
				     body = EXCLUDED.body,
				     version = docs.version + 1,
				     updated_at = EXCLUDED.updated_at`,
				op.Index, op.ID, op.Status, []byte(op.Body), now,
			)
			continue
		}
		version, err := parseVersion(op.Version)
		if err != nil {
			version = 0 // matches nothing; reported as a conflict
		}
		batch.Queue(
			`UPDATE docs SET status = $1, body = $2, version = version + 1, updated_at = $3
			 WHERE idx = $4 AND id = $5 AND version = $6`,
			op.Status, []byte(op.Body), now, op.Index, op.ID, version,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, op := range ops {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return BulkResult{}, fmt.Errorf("bulk write %s/%s: %w", op.Index, op.ID, err)
		}
		if op.Version != "" && tag.RowsAffected() == 0 {
			result.Conflicts = append(result.Conflicts, op.ID)
			continue
		}
		result.Written++
	}
	if err := br.Close(); err != nil {
		return BulkResult{}, fmt.Errorf("bulk write: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return BulkResult{}, fmt.Errorf("bulk write: commit: %w", err)
	}
	return result, nil
}

func scanPostgresDoc(row pgx.Row) (*Document, error) {
	var (
		d       Document
		version int64
		body    []byte
	)
	if err := row.Scan(&d.Index, &d.ID, &d.Status, &version, &d.Seq, &body, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Version = tokenFor(version)
	d.Body = body
	return &d, nil
}
