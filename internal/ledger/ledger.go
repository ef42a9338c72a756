// Package ledger persists run history in a SQLite database at the
// artifacts root, one row per run plus its per-stage outcomes.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sumcut/internal/qc"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the runs database.
type Store struct {
	db   *sql.DB
	path string
}

// RunRecord is one completed (or failed) pipeline run.
type RunRecord struct {
	RunID            string
	InputProfile     string
	OverallStatus    string
	ConfigHash       string
	SourceVideoPath  string
	SourceDurationMS int
	StartedAt        time.Time
	FinishedAt       time.Time
	Stages           []qc.StageResult
}

// Open connects to (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	return tx.Commit()
}

// RecordRun upserts a run and replaces its stage results.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, input_profile, overall_status, config_hash, source_video_path, source_duration_ms, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			input_profile = excluded.input_profile,
			overall_status = excluded.overall_status,
			config_hash = excluded.config_hash,
			source_video_path = excluded.source_video_path,
			source_duration_ms = excluded.source_duration_ms,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		rec.RunID, rec.InputProfile, rec.OverallStatus, rec.ConfigHash,
		rec.SourceVideoPath, rec.SourceDurationMS,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", rec.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM stage_results WHERE run_id = ?", rec.RunID); err != nil {
		return fmt.Errorf("clear stage results: %w", err)
	}
	for i, sr := range rec.Stages {
		var errorCode any
		if sr.ErrorCode != "" {
			errorCode = sr.ErrorCode
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stage_results (run_id, position, stage, status, duration_ms, error_code)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, i, sr.Stage, sr.Status, sr.DurationMS, errorCode)
		if err != nil {
			return fmt.Errorf("insert stage result %s/%s: %w", rec.RunID, sr.Stage, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first. Stage results are
// not loaded; use StageResults for one run's detail.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, input_profile, overall_status, config_hash, source_video_path, source_duration_ms, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun loads one run with its stage results. The second return value is
// false when the run is unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, input_profile, overall_status, config_hash, source_video_path, source_duration_ms, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	rec.Stages, err = s.StageResults(ctx, runID)
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// StageResults returns one run's stage outcomes in pipeline order.
func (s *Store) StageResults(ctx context.Context, runID string) ([]qc.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, duration_ms, error_code
		FROM stage_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("stage results for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []qc.StageResult
	for rows.Next() {
		var sr qc.StageResult
		var errorCode sql.NullString
		if err := rows.Scan(&sr.Stage, &sr.Status, &sr.DurationMS, &errorCode); err != nil {
			return nil, err
		}
		sr.ErrorCode = errorCode.String
		out = append(out, sr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var started, finished string
	if err := row.Scan(&rec.RunID, &rec.InputProfile, &rec.OverallStatus, &rec.ConfigHash,
		&rec.SourceVideoPath, &rec.SourceDurationMS, &started, &finished); err != nil {
		return RunRecord{}, err
	}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return RunRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return RunRecord{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return rec, nil
}
