// Package jobstore persists job records collected from the scheduler.
//
// The store keeps two sets of records: the closed set (table job) holds
// terminal jobs, appended/merged by accession and immutable once written;
// the open set (table incomplete) holds pending and running jobs and is a
// snapshot, replaced wholesale on every poll cycle. A job is in exactly one
// of the two sets.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/storedb"
)

// Store is a handle to a job database. It is safe for use from a single
// goroutine; open one Store per worker for parallel reads.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the job database at path and ensures its
// schema is current.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storedb.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job (
			id TEXT NOT NULL PRIMARY KEY,
			scheduler TEXT NOT NULL,
			jobid INTEGER NOT NULL,
			jobindex INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			user TEXT NOT NULL,
			queue TEXT NOT NULL,
			slots INTEGER NOT NULL,
			cpu_efficiency REAL,
			cpu_time REAL,
			mem_lim INTEGER,
			mem_max INTEGER,
			mem_efficiency REAL,
			from_host TEXT NOT NULL,
			exec_host TEXT,
			submit_time TEXT NOT NULL,
			start_time TEXT,
			finish_time TEXT NOT NULL,
			update_time TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS job_user ON job (user);`,
		`CREATE INDEX IF NOT EXISTS job_starttime ON job (start_time);`,
		`CREATE INDEX IF NOT EXISTS job_endtime ON job (finish_time);`,
		`CREATE INDEX IF NOT EXISTS job_startendtime ON job (start_time, finish_time);`,
		`CREATE INDEX IF NOT EXISTS job_updatetime ON job (update_time);`,

		`CREATE TABLE IF NOT EXISTS incomplete (
			id TEXT NOT NULL PRIMARY KEY,
			scheduler TEXT NOT NULL,
			jobid INTEGER NOT NULL,
			jobindex INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			user TEXT NOT NULL,
			queue TEXT NOT NULL,
			slots INTEGER NOT NULL,
			cpu_efficiency REAL,
			cpu_time REAL,
			mem_lim INTEGER,
			mem_max INTEGER,
			mem_efficiency REAL,
			from_host TEXT NOT NULL,
			exec_host TEXT,
			submit_time TEXT NOT NULL,
			start_time TEXT,
			finish_time TEXT,
			update_time TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS user (
			login TEXT NOT NULL PRIMARY KEY,
			unix_group TEXT,
			unix_groups TEXT
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return tx.Commit()
}

const jobColumns = `id, scheduler, jobid, jobindex, name, status, user, queue, slots,
	cpu_efficiency, cpu_time, mem_lim, mem_max, mem_efficiency,
	from_host, exec_host, submit_time, start_time, finish_time, update_time`

// UpsertJobs merges terminal jobs into the closed set, keyed by accession.
// Reprocessing the same poll output is idempotent.
func (s *Store) UpsertJobs(ctx context.Context, jobs []jobmodel.Job) error {
	return s.insertJobs(ctx, "INSERT OR REPLACE INTO job", jobs)
}

// ReplaceIncomplete replaces the open set with the given snapshot of
// pending/running jobs.
func (s *Store) ReplaceIncomplete(ctx context.Context, jobs []jobmodel.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM incomplete"); err != nil {
		return fmt.Errorf("clear incomplete jobs: %w", err)
	}
	if err := insertJobsTx(ctx, tx, "INSERT INTO incomplete", jobs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertJobs(ctx context.Context, prefix string, jobs []jobmodel.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertJobsTx(ctx, tx, prefix, jobs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertJobsTx(ctx context.Context, tx *sql.Tx, prefix string, jobs []jobmodel.Job) error {
	stmt, err := tx.PrepareContext(ctx, prefix+` (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare job insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range jobs {
		j := &jobs[i]
		if j.SubmitTime.IsZero() {
			// Submit time forms part of the accession; a record without one
			// cannot be identified and is rejected at ingestion.
			return fmt.Errorf("job %s/%d[%d]: missing submit time", j.Scheduler, j.ID, j.Index)
		}
		_, err := stmt.ExecContext(ctx,
			j.Accession(), j.Scheduler, j.ID, j.Index, j.Name, j.Status, j.User, j.Queue, j.Slots,
			j.CPUEfficiency, nullFloat(j.CPUTime), nullInt(j.MemLimitMB), nullInt(j.MemMaxMB),
			nullFloat(j.MemEfficiency), j.FromHost, nullString(j.ExecHost),
			formatTime(j.SubmitTime), nullTime(j.StartTime), nullTime(j.FinishTime),
			formatTime(j.UpdateTime))
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.Accession(), err)
		}
	}
	return nil
}

// LatestUpdateTime returns the most recent poller refresh time across the
// closed set. The aggregation engine substitutes it for "now" when
// computing the effective finish of still-open jobs.
func (s *Store) LatestUpdateTime(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT MAX(update_time) FROM job").Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest update time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("job store has no update times")
	}
	return parseTime(ts.String)
}

func formatTime(t time.Time) string {
	return t.Format(jobmodel.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(jobmodel.TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
