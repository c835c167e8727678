// Package scheduler defines the interface between cluster schedulers and
// the job tracker.
package scheduler

import (
	"context"
	"errors"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
)

// ErrUnsupported is returned when a scheduler name has no implementation.
var ErrUnsupported = errors.New("unsupported scheduler")

// Source polls a cluster scheduler for the current state of its jobs.
// A poll returns every job the scheduler still reports: pending, running
// and recently finished.
type Source interface {
	// Name identifies the scheduler (e.g. "lsf"); it tags the status
	// vocabulary on every job the source emits.
	Name() string

	// Jobs fetches the current job snapshot. Implementations retry
	// transient scheduler failures internally and return only on success,
	// a malformed response, or context cancellation.
	Jobs(ctx context.Context) ([]*jobmodel.Job, error)
}
