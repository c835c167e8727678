package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
)

// Filter narrows a FindJobs scan. The zero value matches every job.
type Filter struct {
	// User restricts the scan to logins matching this doublestar glob
	// (a plain login matches exactly).
	User string
}

func (f Filter) matches(j *jobmodel.Job) (bool, error) {
	if f.User == "" {
		return true, nil
	}
	ok, err := doublestar.Match(f.User, j.User)
	if err != nil {
		return false, fmt.Errorf("invalid user filter %q: %w", f.User, err)
	}
	return ok, nil
}

// FindJobs streams every job whose occurrence intersects the half-open
// window [from, to) to fn, combining two sources:
//
//   - closed jobs that start inside the window, finish inside the window,
//     or span it entirely;
//   - open jobs whose start time is before the window's end (their
//     effective finish is resolved by the caller against "now").
//
// Jobs that never started are excluded. Ordering is unspecified and a job
// appears exactly once, since the closed and open sets are disjoint. The
// scan is streamed: fn is invoked row by row and a non-nil return aborts
// the scan with that error.
func (s *Store) FindJobs(ctx context.Context, from, to time.Time, filter Filter, fn func(*jobmodel.Job) error) error {
	fromStr := formatTime(from)
	toStr := formatTime(to)

	err := s.scanJobs(ctx, `
		SELECT `+jobColumns+`
		FROM job
		WHERE start_time IS NOT NULL
		  AND (
			(start_time >= ? AND start_time < ?)
			OR
			(finish_time >= ? AND finish_time < ?)
			OR
			(start_time < ? AND finish_time >= ?)
		  )`,
		[]any{fromStr, toStr, fromStr, toStr, fromStr, toStr}, filter, fn)
	if err != nil {
		return err
	}

	return s.scanJobs(ctx, `
		SELECT `+jobColumns+`
		FROM incomplete
		WHERE start_time IS NOT NULL
		  AND start_time < ?`,
		[]any{toStr}, filter, fn)
}

func (s *Store) scanJobs(ctx context.Context, query string, args []any, filter Filter, fn func(*jobmodel.Job) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		ok, err := filter.matches(job)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan jobs: %w", err)
	}
	return nil
}

func scanJob(rows *sql.Rows) (*jobmodel.Job, error) {
	var (
		j          jobmodel.Job
		accession  string
		cpuEff     sql.NullFloat64
		cpuTime    sql.NullFloat64
		memLim     sql.NullInt64
		memMax     sql.NullInt64
		memEff     sql.NullFloat64
		execHost   sql.NullString
		submitTime string
		startTime  sql.NullString
		finishTime sql.NullString
		updateTime string
	)

	err := rows.Scan(&accession, &j.Scheduler, &j.ID, &j.Index, &j.Name, &j.Status,
		&j.User, &j.Queue, &j.Slots, &cpuEff, &cpuTime, &memLim, &memMax, &memEff,
		&j.FromHost, &execHost, &submitTime, &startTime, &finishTime, &updateTime)
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	if cpuEff.Valid {
		j.CPUEfficiency = cpuEff.Float64
	}
	if cpuTime.Valid {
		v := cpuTime.Float64
		j.CPUTime = &v
	}
	if memLim.Valid {
		v := memLim.Int64
		j.MemLimitMB = &v
	}
	if memMax.Valid {
		v := memMax.Int64
		j.MemMaxMB = &v
	}
	if memEff.Valid {
		v := memEff.Float64
		j.MemEfficiency = &v
	}
	if execHost.Valid {
		v := execHost.String
		j.ExecHost = &v
	}

	if j.SubmitTime, err = parseTime(submitTime); err != nil {
		return nil, err
	}
	if startTime.Valid {
		t, err := parseTime(startTime.String)
		if err != nil {
			return nil, err
		}
		j.StartTime = &t
	}
	if finishTime.Valid && finishTime.String != "" {
		t, err := parseTime(finishTime.String)
		if err != nil {
			return nil, err
		}
		j.FinishTime = &t
	}
	if j.UpdateTime, err = parseTime(updateTime); err != nil {
		return nil, err
	}

	return &j, nil
}
