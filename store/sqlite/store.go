// Package sqlite implements workflow.Store on SQLite via database/sql.
// The at-most-one live run rule is enforced with a partial unique index
// so it holds even across processes sharing a database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/id"
	"github.com/anaya-ai/watchtower/workflow"
)

// Store is a SQLite-backed workflow.Store.
type Store struct {
	db *sql.DB
}

var _ workflow.Store = (*Store)(nil)

// Open opens the database at dsn, applies migrations, and returns the
// store. The modernc driver is pure Go, so no cgo toolchain is needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = withDefaultPragmas(dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent runs.
	db.SetMaxOpenConns(1)
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// withDefaultPragmas appends each pragma the store depends on unless the
// dsn already sets it. foreign_keys must be on for checkpoint inserts to
// report unknown runs; a dsn that only tunes journal_mode still gets it.
func withDefaultPragmas(dsn string) string {
	defaults := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
	}
	for _, p := range defaults {
		name := p[:strings.Index(p, "(")]
		if strings.Contains(dsn, name) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p
	}
	return dsn
}

// New wraps an already-open, migrated database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	diffs, err := marshalDiffs(run.Diffs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watchtower_runs
			(id, subject_id, status, step, input, text_ref, diffs, score, alert_sent, reason, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.SubjectID, string(run.Status), run.Step,
		[]byte(run.Input), run.TextRef, diffs, run.Score, run.AlertSent, run.Reason,
		run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_watchtower_runs_live_subject") ||
			isUniqueViolation(err, "subject_id") {
			return fmt.Errorf("subject %s has a live run: %w", run.SubjectID, watchtower.ErrAlreadyRunning)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID id.ID) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, status, step, input, text_ref, diffs, score, alert_sent, reason, created_at, updated_at, completed_at
		FROM watchtower_runs WHERE id = ?`, runID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, watchtower.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	diffs, err := marshalDiffs(run.Diffs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE watchtower_runs
		SET status = ?, step = ?, text_ref = ?, diffs = ?, score = ?, alert_sent = ?, reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status), run.Step, run.TextRef, diffs, run.Score, run.AlertSent,
		run.Reason, run.UpdatedAt, run.CompletedAt, run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, watchtower.ErrRunNotFound)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `
		SELECT id, subject_id, status, step, input, text_ref, diffs, score, alert_sent, reason, created_at, updated_at, completed_at
		FROM watchtower_runs`
	var conds []string
	var args []any
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, opts.SubjectID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) AppendCheckpoint(ctx context.Context, runID id.ID, step string, payload json.RawMessage) (*workflow.Checkpoint, error) {
	cp := &workflow.Checkpoint{
		ID:        id.NewCheckpoint(),
		RunID:     runID,
		Step:      step,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	// The seq subquery and insert execute as one statement, so the
	// UNIQUE (run_id, seq) constraint makes assignment atomic.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO watchtower_checkpoints (id, run_id, step, seq, payload, created_at)
		VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM watchtower_checkpoints WHERE run_id = ?),
			?, ?)
		RETURNING seq`,
		cp.ID.String(), runID.String(), step, runID.String(), []byte(payload), cp.CreatedAt,
	)
	if err := row.Scan(&cp.Seq); err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("run %s: %w", runID, watchtower.ErrRunNotFound)
		}
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) Checkpoints(ctx context.Context, runID id.ID) ([]*workflow.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step, seq, payload, created_at
		FROM watchtower_checkpoints WHERE run_id = ? ORDER BY seq`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Checkpoint
	for rows.Next() {
		var (
			cp            workflow.Checkpoint
			rawID, rawRun string
			payload       []byte
		)
		if err := rows.Scan(&rawID, &rawRun, &cp.Step, &cp.Seq, &payload, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if cp.ID, err = id.Parse(rawID); err != nil {
			return nil, fmt.Errorf("checkpoint id: %w", err)
		}
		if cp.RunID, err = id.Parse(rawRun); err != nil {
			return nil, fmt.Errorf("checkpoint run id: %w", err)
		}
		cp.Payload = payload
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// ── row plumbing ───────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.Run, error) {
	var (
		run          workflow.Run
		rawID        string
		status       string
		input, diffs []byte
		completedAt  sql.NullTime
	)
	err := row.Scan(&rawID, &run.SubjectID, &status, &run.Step, &input, &run.TextRef,
		&diffs, &run.Score, &run.AlertSent, &run.Reason, &run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if run.ID, err = id.Parse(rawID); err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	run.Status = workflow.Status(status)
	if len(input) > 0 {
		run.Input = input
	}
	if len(diffs) > 0 {
		if err := json.Unmarshal(diffs, &run.Diffs); err != nil {
			return nil, fmt.Errorf("decode diffs: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func marshalDiffs(diffs []workflow.Difference) ([]byte, error) {
	if len(diffs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(diffs)
	if err != nil {
		return nil, fmt.Errorf("encode diffs: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error, hint string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, hint)
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
