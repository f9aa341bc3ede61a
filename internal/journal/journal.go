// Package journal keeps a local record of every job run: container
// identity, terminal outcome, and whether the terminal report reached
// the backend. Runs whose report delivery was exhausted stay visible
// here as unresolved discrepancies.
//
// Standalone deployments use a sqlite file; setting a Postgres DSN
// switches to a shared database instead.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/opeva/worker-agent/internal/config"
)

// Entry is one recorded job run.
type Entry struct {
	ID            uuid.UUID
	JobID         string
	ContainerName string
	ContainerID   string
	Status        string
	ExitCode      *int
	Error         string
	Reported      bool
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Journal is a job-run log backed by sqlite or Postgres. A nil Journal
// is valid and records nothing.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	container_name TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER,
	error TEXT NOT NULL DEFAULT '',
	reported BOOLEAN NOT NULL DEFAULT FALSE,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
)`

// Open builds the journal selected by cfg: Postgres when a DSN is set,
// the sqlite file when a path is set, nil when neither is. An
// unopenable journal at startup means the environment is broken and is
// returned as an error.
func Open(cfg *config.Config) (*Journal, error) {
	switch {
	case cfg.PostgresDSN != "":
		return openPostgres(cfg.PostgresDSN)
	case cfg.JournalPath != "":
		return openSQLite(cfg.JournalPath)
	default:
		return nil, nil
	}
}

func openPostgres(dsn string) (*Journal, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	return migrate(db)
}

func openSQLite(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	// One writer; the sqlite driver serializes poorly across conns.
	db.SetMaxOpenConns(1)
	return migrate(db)
}

func migrate(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordStart inserts a run in the running state and returns its id.
// Journal write failures never fail the job; they are logged by the
// caller's discretion through the returned error.
func (j *Journal) RecordStart(ctx context.Context, jobID, containerName, containerID string) (uuid.UUID, error) {
	if j == nil || j.db == nil {
		return uuid.Nil, nil
	}
	id := uuid.Must(uuid.NewV7())
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_id, container_name, container_id, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', $5)`,
		id.String(), jobID, containerName, containerID, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("journal start for %s: %w", jobID, err)
	}
	return id, nil
}

// RecordEnd stores the run's terminal outcome and whether its terminal
// report was delivered.
func (j *Journal) RecordEnd(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, reported bool) error {
	if j == nil || j.db == nil || id == uuid.Nil {
		return nil
	}
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE job_runs
		 SET status = $1, exit_code = $2, error = $3, reported = $4, finished_at = $5
		 WHERE id = $6`,
		status, code, errMsg, reported, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("journal end for %s: %w", id, err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return j.query(ctx,
		`SELECT id, job_id, container_name, container_id, status, exit_code, error, reported, started_at, finished_at
		 FROM job_runs ORDER BY started_at DESC LIMIT $1`, limit)
}

// Unreported returns terminal runs whose report never reached the
// backend, newest first.
func (j *Journal) Unreported(ctx context.Context) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	return j.query(ctx,
		`SELECT id, job_id, container_name, container_id, status, exit_code, error, reported, started_at, finished_at
		 FROM job_runs
		 WHERE reported = FALSE AND finished_at IS NOT NULL
		 ORDER BY started_at DESC`)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			id       string
			exitCode sql.NullInt64
			finished sql.NullTime
		)
		if err := rows.Scan(&id, &e.JobID, &e.ContainerName, &e.ContainerID,
			&e.Status, &exitCode, &e.Error, &e.Reported, &e.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			slog.Warn("journal row has malformed id", "id", id)
		}
		e.ID = parsed
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
