// Package jobstore persists synthesis jobs in SQLite so the queue survives
// restarts. The store keeps one row per job and nothing derived; frames and
// audio are recomputed when a hydrated job re-runs.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/language"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/book-expert/lipsync-service/internal/core"
)

// Static errors.
var (
	ErrEmptyPath = errors.New("db path cannot be empty")
	ErrNilJob    = errors.New("job cannot be nil")
	ErrNotFound  = errors.New("job not found")
)

const (
	dbDirMode   = 0o755
	busyTimeout = "PRAGMA busy_timeout = 5000;"
	walMode     = "PRAGMA journal_mode = WAL;"

	schema = `CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		script_text TEXT NOT NULL,
		voice_ref   TEXT NOT NULL DEFAULT '',
		language    TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL,
		output_path TEXT NOT NULL,
		target_fps  REAL NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		error_kind  TEXT NOT NULL DEFAULT '',
		warnings    TEXT NOT NULL DEFAULT '[]',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);`
)

// Store is a SQLite-backed job store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the job database at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	err := os.MkdirAll(filepath.Dir(path), dbDirMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// Single writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}

	err = store.init(context.Background())
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close job db: %w", err)
	}

	return nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range []string{walMode, busyTimeout, schema} {
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("failed to initialize job db: %w", err)
		}
	}

	return nil
}

// UpsertJob inserts the job or replaces its mutable fields.
func (s *Store) UpsertJob(ctx context.Context, job *core.SynthesisJob) error {
	if job == nil {
		return ErrNilJob
	}

	warnings, err := json.Marshal(job.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			id, script_text, voice_ref, language, source_path, output_path,
			target_fps, status, error, error_kind, warnings, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			error=excluded.error,
			error_kind=excluded.error_kind,
			warnings=excluded.warnings,
			updated_at=excluded.updated_at`,
		job.ID,
		job.Script.Text,
		job.Script.VoiceRefPath,
		job.Script.Language.String(),
		job.SourcePath,
		job.OutputPath,
		job.TargetFPS,
		string(job.Status),
		job.Error,
		string(job.ErrorKind),
		string(warnings),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}

	return nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*core.SynthesisJob, error) {
	row := s.db.QueryRowContext(
		ctx, selectColumns+` FROM jobs WHERE id = ?`, jobID,
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	return job, nil
}

// LoadJobs returns every persisted job in submission order.
func (s *Store) LoadJobs(ctx context.Context) ([]*core.SynthesisJob, error) {
	rows, err := s.db.QueryContext(
		ctx, selectColumns+` FROM jobs ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*core.SynthesisJob, 0)

	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", scanErr)
		}

		jobs = append(jobs, job)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes one job.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}

	return nil
}

// DeleteTerminalBefore removes Done and Failed jobs last updated before the
// cutoff and returns how many rows went away.
func (s *Store) DeleteTerminalBefore(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(core.StatusDone),
		string(core.StatusFailed),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted jobs: %w", err)
	}

	return deleted, nil
}

const selectColumns = `SELECT id, script_text, voice_ref, language, source_path,
	output_path, target_fps, status, error, error_kind, warnings,
	created_at, updated_at`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.SynthesisJob, error) {
	var (
		job          core.SynthesisJob
		langCode     string
		status       string
		errorKind    string
		warningsJSON string
	)

	err := row.Scan(
		&job.ID,
		&job.Script.Text,
		&job.Script.VoiceRefPath,
		&langCode,
		&job.SourcePath,
		&job.OutputPath,
		&job.TargetFPS,
		&status,
		&job.Error,
		&errorKind,
		&warningsJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = core.JobStatus(status)
	job.ErrorKind = core.ErrorKind(errorKind)

	tag, err := language.Parse(langCode)
	if err != nil {
		tag = language.Und
	}

	job.Script.Language = tag

	err = json.Unmarshal([]byte(warningsJSON), &job.Warnings)
	if err != nil {
		return nil, fmt.Errorf("failed to parse warnings: %w", err)
	}

	return &job, nil
}
