// Package usagestore persists aggregated usage rows, monthly reports and
// user metadata.
//
// Usage rows are keyed by a fixed-width interval timestamp (YYYYMMDDHHMM)
// with overwrite semantics: reprocessing an interval replaces it, so
// re-running the aggregation over the same window is idempotent. The store
// is single-writer; all writes go through one process at a time.
package usagestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/storedb"
)

// KeyLayout is the usage row key format: minute resolution, fixed width,
// lexicographically ordered.
const KeyLayout = "200601021504"

// Update-time metadata kinds.
const (
	// UpdateKindJobs records how far the job store had been polled when
	// usage was last computed.
	UpdateKindJobs = "jobs"
	// UpdateKindUsage records when usage was last computed.
	UpdateKindUsage = "usage"
)

// Row is one persisted 15-minute interval: the per-user aggregate map and
// the cluster-wide histogram snapshot, both serialized as JSON.
type Row struct {
	// Time is the interval start, formatted with KeyLayout.
	Time string
	// UsersData is the JSON-encoded per-user aggregate map.
	UsersData []byte
	// JobsData is the JSON-encoded cluster-wide histogram snapshot.
	JobsData []byte
}

// Store is a handle to a usage database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the usage database at path and ensures
// its schema is current.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storedb.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate usage store: %w", err)
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
		`CREATE TABLE IF NOT EXISTS usage (
			time TEXT PRIMARY KEY NOT NULL,
			users_data BLOB NOT NULL,
			jobs_data BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user (
			login TEXT PRIMARY KEY NOT NULL,
			name TEXT,
			uuid TEXT NOT NULL,
			teams TEXT NOT NULL,
			position TEXT,
			photo_url TEXT,
			sponsor TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS user_uuid ON user (uuid);`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY NOT NULL,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS report (
			login TEXT NOT NULL,
			month TEXT NOT NULL,
			data TEXT NOT NULL,
			CONSTRAINT pk_report PRIMARY KEY (login, month)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return tx.Commit()
}

// UpsertRows writes interval rows, replacing any existing row with the
// same timestamp key. The batch is committed atomically: a failure leaves
// no partial rows behind.
func (s *Store) UpsertRows(ctx context.Context, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO usage (time, users_data, jobs_data) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Time, r.UsersData, r.JobsData); err != nil {
			return fmt.Errorf("insert usage row %s: %w", r.Time, err)
		}
	}
	return tx.Commit()
}

// RowsBetween streams rows with from <= time < to, ascending, to fn.
func (s *Store) RowsBetween(ctx context.Context, from, to time.Time, fn func(Row) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, users_data, jobs_data
		FROM usage
		WHERE time >= ? AND time < ?
		ORDER BY time`,
		from.Format(KeyLayout), to.Format(KeyLayout))
	if err != nil {
		return fmt.Errorf("query usage rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Time, &r.UsersData, &r.JobsData); err != nil {
			return fmt.Errorf("scan usage row: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan usage rows: %w", err)
	}
	return nil
}

// TimeBounds returns the earliest and latest row timestamps, or ok=false
// when the store holds no rows.
func (s *Store) TimeBounds(ctx context.Context) (earliest, latest time.Time, ok bool, err error) {
	var minStr, maxStr sql.NullString
	if err = s.db.QueryRowContext(ctx, "SELECT MIN(time), MAX(time) FROM usage").Scan(&minStr, &maxStr); err != nil {
		return earliest, latest, false, fmt.Errorf("query usage bounds: %w", err)
	}
	if !minStr.Valid || !maxStr.Valid {
		return earliest, latest, false, nil
	}
	if earliest, err = time.Parse(KeyLayout, minStr.String); err != nil {
		return earliest, latest, false, fmt.Errorf("parse usage bound %q: %w", minStr.String, err)
	}
	if latest, err = time.Parse(KeyLayout, maxStr.String); err != nil {
		return earliest, latest, false, fmt.Errorf("parse usage bound %q: %w", maxStr.String, err)
	}
	return earliest, latest, true, nil
}

// LatestUpdateTime returns the recorded update time for kind
// (UpdateKindJobs or UpdateKindUsage).
func (s *Store) LatestUpdateTime(ctx context.Context, kind string) (time.Time, error) {
	if kind != UpdateKindJobs && kind != UpdateKindUsage {
		return time.Time{}, fmt.Errorf("unknown update-time kind %q", kind)
	}
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", kind).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("no %s update time recorded", kind)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query %s update time: %w", kind, err)
	}
	t, err := time.Parse(jobmodel.TimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s update time %q: %w", kind, value, err)
	}
	return t, nil
}

// BumpUpdateTimes records how far the job store had been polled when this
// aggregation ran, and stamps the run itself with the current time.
func (s *Store) BumpUpdateTimes(ctx context.Context, jobsUpdateTime time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := "INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)"
	if _, err := tx.ExecContext(ctx, stmt, UpdateKindJobs, jobsUpdateTime.Format(jobmodel.TimeLayout)); err != nil {
		return fmt.Errorf("bump jobs update time: %w", err)
	}
	if _, err := tx.ExecContext(ctx, stmt, UpdateKindUsage, time.Now().Format(jobmodel.TimeLayout)); err != nil {
		return fmt.Errorf("bump usage update time: %w", err)
	}
	return tx.Commit()
}
