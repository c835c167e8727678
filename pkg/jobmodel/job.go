// Package jobmodel defines the immutable record describing one cluster job
// occurrence, as reported by a scheduler poller.
//
// A Job is in exactly one of three lifecycle states: pending (no start time),
// running (started, not finished), or terminal (finished). The job store
// partitions records accordingly into a closed set (terminal, append-only)
// and an open set (pending/running, replaced wholesale on every poll).
package jobmodel

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimeLayout is the canonical timestamp representation used across the job
// and usage stores.
const TimeLayout = "2006-01-02 15:04:05"

// ErrUnknownScheduler is returned when a job's scheduler has no known
// success/failure status vocabulary. The classification table is closed:
// unknown schedulers must abort processing, never be treated as success or
// failure silently.
var ErrUnknownScheduler = errors.New("unknown scheduler")

// State is a job's lifecycle state, derived from its timestamps.
type State int

const (
	// StatePending means the job has been submitted but not started.
	StatePending State = iota
	// StateRunning means the job has started and not yet finished.
	StateRunning
	// StateTerminal means the job has finished (successfully or not).
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Job is one job occurrence. Fields with pointer types are optional: the
// scheduler may not report them, and absence is an expected data shape, not
// an error.
type Job struct {
	// Scheduler tags the status vocabulary (e.g. "lsf").
	Scheduler string
	// ID is the scheduler-assigned job id.
	ID int64
	// Index is the array-job sub-index (0 for plain jobs).
	Index int64
	Name  string
	// Status is a scheduler-specific string (e.g. "DONE", "EXIT", "RUN").
	Status string
	User   string
	Queue  string
	// Slots is the number of cores held by the job, >= 1.
	Slots int
	// CPUEfficiency is a percentage; it may exceed 100 and must be clamped
	// before use.
	CPUEfficiency float64
	// CPUTime is consumed CPU seconds, when reported.
	CPUTime *float64
	// MemLimitMB is the requested memory in MB, when reported.
	MemLimitMB *int64
	// MemMaxMB is the observed peak memory in MB, when reported.
	MemMaxMB *int64
	// MemEfficiency is the reported peak/limit ratio in percent. It can be
	// stale relative to MemLimitMB and MemMaxMB; use ReconcileMemory.
	MemEfficiency *float64
	FromHost      string
	ExecHost      *string
	// SubmitTime is required; records without it are rejected at ingestion.
	SubmitTime time.Time
	// StartTime is set once the job is running.
	StartTime *time.Time
	// FinishTime is set only once the job is terminal.
	FinishTime *time.Time
	// UpdateTime is the last time the poller refreshed this record.
	UpdateTime time.Time
}

// Accession is the globally unique identifier for a job occurrence.
// Scheduler job ids are recycled; combining them with the submit timestamp
// disambiguates occurrences.
func (j *Job) Accession() string {
	return fmt.Sprintf("%d-%s-%d-%d", j.SubmitTime.Unix(), j.Scheduler, j.ID, j.Index)
}

// State derives the lifecycle state from the job's timestamps.
func (j *Job) State() State {
	switch {
	case j.FinishTime != nil:
		return StateTerminal
	case j.StartTime != nil:
		return StateRunning
	default:
		return StatePending
	}
}

// Completed reports whether the job is terminal and its status maps to the
// successful-completion code of its scheduler. A non-terminal job is never
// completed. An unrecognized scheduler returns ErrUnknownScheduler; callers
// must treat that as fatal.
func (j *Job) Completed() (bool, error) {
	if j.FinishTime == nil {
		return false, nil
	}
	switch j.Scheduler {
	case "lsf":
		return strings.EqualFold(j.Status, "done"), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownScheduler, j.Scheduler)
	}
}

// ReconcileMemory resolves the job's possibly-inconsistent memory figures
// into a single best estimate.
//
// If both the reported efficiency and the observed peak are known and the
// efficiency is nonzero, the limit is recomputed as peak / (efficiency/100)
// and the reported efficiency (capped at 100) is kept. Otherwise the
// reported limit, if any, is kept as-is and the efficiency is capped at 100
// when present. All returns may be nil; a job with no memory information
// contributes zero memory power.
func (j *Job) ReconcileMemory() (limitMB, maxMB, efficiency *float64) {
	if j.MemMaxMB != nil {
		m := float64(*j.MemMaxMB)
		maxMB = &m
	}

	if j.MemEfficiency != nil && *j.MemEfficiency != 0 && j.MemMaxMB != nil {
		lim := 100.0 / *j.MemEfficiency * float64(*j.MemMaxMB)
		limitMB = &lim
		eff := math.Min(*j.MemEfficiency, 100)
		efficiency = &eff
		return limitMB, maxMB, efficiency
	}

	if j.MemLimitMB != nil {
		lim := float64(*j.MemLimitMB)
		limitMB = &lim
		if j.MemEfficiency != nil {
			eff := math.Min(*j.MemEfficiency, 100)
			efficiency = &eff
		}
	}

	return limitMB, maxMB, efficiency
}

// MemoryGB returns the reconciled memory figure (limit preferred over peak)
// in GB, or zero when neither is known.
func MemoryGB(limitMB, maxMB *float64) float64 {
	switch {
	case limitMB != nil && *limitMB != 0:
		return *limitMB / 1024
	case maxMB != nil:
		return *maxMB / 1024
	default:
		return 0
	}
}
