// Package store keeps a history of overlay runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bsaid97/go-spatial-overlay/pipeline"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// ErrRunNotFound indicates a lookup of an unknown run id.
var ErrRunNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Output     string    `json:"output"`
	Attributes []string  `json:"attributes"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	RecordsIn  int       `json:"records_in"`
	RecordsOut int       `json:"records_out"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ChunkOutcome is the recorded result of one chunk.
type ChunkOutcome struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Open opens (and creates when missing) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT,
		target TEXT,
		output TEXT,
		attributes TEXT,
		status TEXT,
		error TEXT,
		succeeded INTEGER,
		failed INTEGER,
		records_in INTEGER,
		records_out INTEGER,
		started_at DATETIME,
		finished_at DATETIME
	);
	`
	chunkTable := `
	CREATE TABLE IF NOT EXISTS chunk_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		chunk_index INTEGER,
		status TEXT,
		reason TEXT
	);
	`

	if _, err := db.Exec(runTable); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(chunkTable); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores a finished run and its chunk outcomes.
func (s *Store) RecordRun(ctx context.Context, run pipeline.Run) error {
	status := StatusSucceeded
	var errMsg string
	switch {
	case run.Err == nil:
	case errors.Is(run.Err, pipeline.ErrChunkFailures):
		status = StatusPartial
		errMsg = run.Err.Error()
	default:
		status = StatusFailed
		errMsg = run.Err.Error()
	}

	var summary pipeline.Summary
	if run.Result != nil {
		summary = run.Result.Summary
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs (id, source, target, output, attributes, status, error, succeeded, failed, records_in, records_out, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Request.Source), string(run.Request.Target), string(run.Request.Output),
		strings.Join(run.Request.Attributes, ","), status, errMsg,
		len(summary.SucceededChunks), len(summary.FailedChunks), summary.TotalRecordsIn, summary.TotalRecordsOut,
		run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	for _, i := range summary.SucceededChunks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_results (run_id, chunk_index, status, reason) VALUES (?, ?, ?, ?)`,
			run.ID, i, StatusSucceeded, ""); err != nil {
			return fmt.Errorf("failed to save chunk %d: %w", i, err)
		}
	}
	for _, f := range summary.FailedChunks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_results (run_id, chunk_index, status, reason) VALUES (?, ?, ?, ?)`,
			run.ID, f.Index, StatusFailed, f.Reason); err != nil {
			return fmt.Errorf("failed to save chunk %d: %w", f.Index, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT id, source, target, output, attributes, status, error, succeeded, failed, records_in, records_out, started_at, finished_at
		FROM runs ORDER BY started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run and its chunk outcomes ordered by chunk index.
func (s *Store) GetRun(ctx context.Context, id string) (*RunSummary, []ChunkOutcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, source, target, output, attributes, status, error, succeeded, failed, records_in, records_out, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_index, status, reason FROM chunk_results WHERE run_id = ? ORDER BY chunk_index`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	chunks := []ChunkOutcome{}
	for rows.Next() {
		var c ChunkOutcome
		if err := rows.Scan(&c.Index, &c.Status, &c.Reason); err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, c)
	}
	return &r, chunks, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (RunSummary, error) {
	var r RunSummary
	var attributes string
	err := row.Scan(&r.ID, &r.Source, &r.Target, &r.Output, &attributes, &r.Status, &r.Error,
		&r.Succeeded, &r.Failed, &r.RecordsIn, &r.RecordsOut, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return RunSummary{}, err
	}
	if attributes != "" {
		r.Attributes = strings.Split(attributes, ",")
	}
	return r, nil
}
