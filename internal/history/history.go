// Package history archives execution reports in an embedded libSQL database
// so past runs can be listed and re-examined after the process exits.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bindrun/bindrun/pkg/schema"
)

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	SpecName    string    `json:"spec_name,omitempty"`
	Status      string    `json:"status"`
	Steps       int       `json:"steps"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Archive stores reports in libSQL. Safe for concurrent use within one
// process; the database is opened with a single connection.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive at the given path. The path should be
// a file URI, e.g. "file:/home/user/.bindrun/history.db". Migrations are
// applied before the archive is returned.
func Open(ctx context.Context, dbPath string) (*Archive, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Record archives one report. Recording the same run twice is a CONFLICT:
// reports are immutable once written.
func (a *Archive) Record(ctx context.Context, report *schema.Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal report").WithCause(err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, spec_name, status, report, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, report.SpecName, string(report.Status), string(raw),
		report.StartedAt, report.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already archived", report.RunID)
		}
		return schema.NewError(schema.ErrCodeStore, "insert run").WithCause(err)
	}

	for id, sr := range report.Steps {
		errorCode := ""
		if sr.Error != nil {
			errorCode = sr.Error.Code
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_id, status, skip_reason, error_code, attempts, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, id, string(sr.Status), string(sr.SkipReason),
			errorCode, sr.Attempts, sr.DurationMs,
		); err != nil {
			return schema.NewError(schema.ErrCodeStore, "insert run step").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit").WithCause(err)
	}
	return nil
}

// Get loads an archived report by run ID.
func (a *Archive) Get(ctx context.Context, runID string) (*schema.Report, error) {
	var raw string
	err := a.db.QueryRowContext(ctx,
		`SELECT report FROM runs WHERE run_id = ?`, runID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not archived", runID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load run").WithCause(err)
	}

	var report schema.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode archived report").WithCause(err)
	}
	return &report, nil
}

// List returns the most recent runs, newest first, optionally filtered by
// spec name. limit <= 0 means a default of 50.
func (a *Archive) List(ctx context.Context, specName string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT r.run_id, r.spec_name, r.status, r.started_at, r.completed_at,
	                 (SELECT COUNT(*) FROM run_steps s WHERE s.run_id = r.run_id)
	          FROM runs r`
	args := []any{}
	if specName != "" {
		query += ` WHERE r.spec_name = ?`
		args = append(args, specName)
	}
	query += ` ORDER BY r.started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list runs").WithCause(err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.SpecName, &s.Status, &s.StartedAt, &s.CompletedAt, &s.Steps); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan run row").WithCause(err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes archived runs older than the cutoff and returns how many
// were removed.
func (a *Archive) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "prune runs").WithCause(err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint")
}
