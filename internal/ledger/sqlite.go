package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is a Store backed by a single SQLite file. Several worker processes
// may share the file; WAL mode and the busy timeout serialize writers.
type SQLite struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

var _ Store = (*SQLite)(nil)

// DefaultSQLitePath returns ~/.argus/argus.db, creating the directory if needed.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".argus")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "argus.db"), nil
}

// OpenSQLite opens or creates the database at the given path.
// Use ":memory:" for a private throwaway store.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &SQLite{conn: conn, path: path, now: time.Now}, nil
}

// SetClock overrides the clock used for created_at/updated_at (for testing).
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS docs (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    idx        TEXT NOT NULL,
    id         TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT '',
    version    INTEGER NOT NULL DEFAULT 1,
    body       TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(idx, id)
);
CREATE INDEX IF NOT EXISTS idx_docs_status ON docs(idx, status, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_docs_updated ON docs(idx, status, updated_at);
`

// Migrate applies the database schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (s *SQLite) Reset(ctx context.Context) error {
	for _, t := range []string{"docs", "schema_version"} {
		if _, err := s.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return s.Migrate(ctx)
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	fieldExpr:   func(ph string) string { return "COALESCE(json_extract(body, " + ph + "), '')" },
	fieldArg:    func(name string) any { return "$." + name },
	timeArg:     func(t time.Time) any { return formatTime(t) },
}

// Get returns the document with the given id, or ErrNotFound.
func (s *SQLite) Get(ctx context.Context, index, id string) (*Document, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+docColumns+" FROM docs WHERE idx = ? AND id = ?", index, id)
	doc, err := scanSQLiteDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	return doc, nil
}

// Search returns up to size documents matching f.
func (s *SQLite) Search(ctx context.Context, index string, f Filter, order Sort, size int) ([]Document, error) {
	if err := validateFilter(f); err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	query, args := buildSearch(sqliteDialect, index, f, order, size)
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanSQLiteDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", index, err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// ConditionalUpdate writes doc when doc.Version is still current.
func (s *SQLite) ConditionalUpdate(ctx context.Context, doc Document) (*Document, error) {
	version, err := parseVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", doc.Index, doc.ID, err)
	}
	now := formatTime(s.now())
	row := s.conn.QueryRowContext(ctx,
		`UPDATE docs SET status = ?, body = ?, version = version + 1, updated_at = ?
		 WHERE idx = ? AND id = ? AND version = ?
		 RETURNING `+docColumns,
		doc.Status, string(doc.Body), now, doc.Index, doc.ID, version,
	)
	updated, err := scanSQLiteDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, doc.Index, doc.ID); getErr != nil {
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
func (s *SQLite) CreateIfAbsent(ctx context.Context, doc Document) (*Document, bool, error) {
	now := formatTime(s.now())
	row := s.conn.QueryRowContext(ctx,
		`INSERT INTO docs (idx, id, status, version, body, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT(idx, id) DO NOTHING
		 RETURNING `+docColumns,
		doc.Index, doc.ID, doc.Status, string(doc.Body), now, now,
	)
	created, err := scanSQLiteDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, doc.Index, doc.ID)
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

// BulkWrite applies ops in one transaction. Conditional ops that lose their
// version race are reported in Conflicts rather than failing the batch.
func (s *SQLite) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("bulk write: begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	for _, op := range ops {
		if op.Version == "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO docs (idx, id, status, version, body, created_at, updated_at)
				 VALUES (?, ?, ?, 1, ?, ?, ?)
				 ON CONFLICT(idx, id) DO UPDATE SET
				     status = excluded.status,
				     body = excluded.body,
				     version = docs.version + 1,
				     updated_at = excluded.updated_at`,
				op.Index, op.ID, op.Status, string(op.Body), now, now,
			); err != nil {
				return BulkResult{}, fmt.Errorf("bulk write %s/%s: %w", op.Index, op.ID, err)
			}
			result.Written++
			continue
		}

		version, err := parseVersion(op.Version)
		if err != nil {
			result.Conflicts = append(result.Conflicts, op.ID)
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE docs SET status = ?, body = ?, version = version + 1, updated_at = ?
			 WHERE idx = ? AND id = ? AND version = ?`,
			op.Status, string(op.Body), now, op.Index, op.ID, version,
		)
		if err != nil {
			return BulkResult{}, fmt.Errorf("bulk write %s/%s: %w", op.Index, op.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return BulkResult{}, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			result.Conflicts = append(result.Conflicts, op.ID)
			continue
		}
		result.Written++
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("bulk write: commit: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDoc(row rowScanner) (*Document, error) {
	var (
		d                    Document
		version              int64
		body                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.Index, &d.ID, &d.Status, &version, &d.Seq, &body, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Version = tokenFor(version)
	d.Body = []byte(body)
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	d.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func tokenFor(version int64) VersionToken {
	return VersionToken(strconv.FormatInt(version, 10))
}

func parseVersion(token VersionToken) (int64, error) {
	v, err := strconv.ParseInt(string(token), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: malformed version token %q", ErrConflict, token)
	}
	return v, nil
}
