// Package audit persists execution receipts in a local SQLite ledger so
// every run — root or nested — leaves an attributable record.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keelworks/keel/pkg/harness"
)

// SQLiteLedger implements harness.Recorder backed by SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

func Open(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening ledger at %s: %w", path, err)
	}
	return NewSQLiteLedger(db)
}

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS execution_receipts (
		execution_id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		root TEXT NOT NULL,
		status TEXT NOT NULL,
		path JSON,
		error TEXT NOT NULL DEFAULT '',
		usage JSON,
		started_at DATETIME NOT NULL,
		duration_ns INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_parent ON execution_receipts(parent_id);
	CREATE INDEX IF NOT EXISTS idx_receipts_root ON execution_receipts(root);`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("audit: migrating ledger schema: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Record(ctx context.Context, r harness.Receipt) error {
	pathJSON, _ := json.Marshal(r.Path)
	usageJSON, _ := json.Marshal(r.Usage)

	query := `INSERT INTO execution_receipts (
		execution_id, parent_id, root, status, path, error, usage, started_at, duration_ns
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, query,
		r.ExecutionID, r.ParentID, r.Root, string(r.Status), string(pathJSON),
		r.Error, string(usageJSON), r.StartedAt.UTC().Format(time.RFC3339Nano), int64(r.Duration),
	)
	if err != nil {
		return fmt.Errorf("audit: inserting receipt %s: %w", r.ExecutionID, err)
	}
	return nil
}

// Get returns one receipt by execution ID, or sql.ErrNoRows.
func (l *SQLiteLedger) Get(ctx context.Context, executionID string) (*harness.Receipt, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT execution_id, parent_id, root, status, path, error, usage, started_at, duration_ns
		FROM execution_receipts WHERE execution_id = ?`, executionID)
	return scanReceipt(row)
}

// Children lists the nested receipts of one execution, oldest first.
func (l *SQLiteLedger) Children(ctx context.Context, parentID string) ([]*harness.Receipt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT execution_id, parent_id, root, status, path, error, usage, started_at, duration_ns
		FROM execution_receipts WHERE parent_id = ? ORDER BY started_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("audit: listing children of %s: %w", parentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*harness.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating children: %w", err)
	}
	return out, nil
}

// Recent lists the latest receipts across all executions.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]*harness.Receipt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT execution_id, parent_id, root, status, path, error, usage, started_at, duration_ns
		FROM execution_receipts ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: listing recent receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*harness.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating receipts: %w", err)
	}
	return out, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*harness.Receipt, error) {
	var r harness.Receipt
	var status, pathJSON, usageJSON, startedAt string
	var durationNS int64

	err := row.Scan(&r.ExecutionID, &r.ParentID, &r.Root, &status, &pathJSON,
		&r.Error, &usageJSON, &startedAt, &durationNS)
	if err != nil {
		return nil, err
	}

	r.Status = harness.Status(status)
	r.Duration = time.Duration(durationNS)
	if pathJSON != "" {
		if err := json.Unmarshal([]byte(pathJSON), &r.Path); err != nil {
			return nil, fmt.Errorf("audit: decoding receipt path: %w", err)
		}
	}
	if usageJSON != "" {
		if err := json.Unmarshal([]byte(usageJSON), &r.Usage); err != nil {
			return nil, fmt.Errorf("audit: decoding receipt usage: %w", err)
		}
	}
	r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: decoding receipt timestamp: %w", err)
	}
	return &r, nil
}
