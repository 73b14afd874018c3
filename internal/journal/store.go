// Package journal keeps a SQLite record of synthesis jobs and the sentences
// they skipped. Only metadata is stored, never text or audio.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

// Job summarizes one synthesis request.
type Job struct {
	ID        string
	Mode      string // buffered, stream, bus
	Voice     string
	Units     int
	Merged    int
	Skipped   int
	Bytes     int64
	Status    string // ok, failed, cancelled
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// Event is a per-sentence entry attached to a job.
type Event struct {
	ID        int64
	JobID     string
	Type      string
	UnitIndex int
	Detail    string
	CreatedAt time.Time
}

// Store wraps the SQLite-backed job journal.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral retention
// returns a store that records nothing.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    mode TEXT,
    voice TEXT,
    units INTEGER NOT NULL,
    merged INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_type TEXT,
    unit_index INTEGER,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, unit_index);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordJob inserts or replaces a job row.
func (s *Store) RecordJob(ctx context.Context, job Job) error {
	if !s.enabled() {
		return nil
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, mode, voice, units, merged, skipped, bytes, status, error, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET merged=excluded.merged, skipped=excluded.skipped,
		   bytes=excluded.bytes, status=excluded.status, error=excluded.error, duration_ms=excluded.duration_ms`,
		job.ID, job.Mode, job.Voice, job.Units, job.Merged, job.Skipped, job.Bytes, job.Status, job.Error,
		job.Duration.Milliseconds(), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

// AppendEvent attaches an event to an existing job.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, event_type, unit_index, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.JobID, evt.Type, evt.UnitIndex, evt.Detail, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event for job %s: %w", evt.JobID, err)
	}
	return nil
}

// GetJob returns the job with id, or sql.ErrNoRows.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	if !s.enabled() {
		return Job{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, mode, voice, units, merged, skipped, bytes, status, error, duration_ms, created_at
		 FROM jobs WHERE job_id = ?`, id)
	return scanJob(row)
}

// RecentJobs returns up to limit jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]Job, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, mode, voice, units, merged, skipped, bytes, status, error, duration_ms, created_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobEvents returns a job's events ordered by unit index.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, unit_index, detail, created_at
		 FROM job_events WHERE job_id = ? ORDER BY unit_index ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.UnitIndex, &e.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var errText sql.NullString
	var durationMS int64
	var created string
	if err := row.Scan(&j.ID, &j.Mode, &j.Voice, &j.Units, &j.Merged, &j.Skipped, &j.Bytes, &j.Status,
		&errText, &durationMS, &created); err != nil {
		return Job{}, err
	}
	j.Error = errText.String
	j.Duration = time.Duration(durationMS) * time.Millisecond
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		j.CreatedAt = ts
	}
	return j, nil
}

// Prune applies configured retention (called on startup and by the runtime's
// periodic sweep).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
