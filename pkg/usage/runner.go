package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// Runner fans a time span out over parallel per-day window workers and
// funnels their rows into the usage store.
//
// Each worker opens its own read connection to the job database so
// workers stream jobs independently; the usage store stays single-writer
// because all rows funnel back to the caller's goroutine.
type Runner struct {
	jobsPath string
	store    *usagestore.Store
	engine   *Engine
	workers  int
	log      *zap.Logger
}

// NewRunner creates a runner over the job database at jobsPath, writing
// to store. workers bounds the number of concurrent day windows;
// values below 1 mean serial processing.
func NewRunner(jobsPath string, store *usagestore.Store, engine *Engine, workers int, log *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		jobsPath: jobsPath,
		store:    store,
		engine:   engine,
		workers:  workers,
		log:      log,
	}
}

type windowResult struct {
	label string
	rows  []usagestore.Row
	jobs  int
	err   error
}

// Run aggregates [from, to) in day-sized windows and persists the
// resulting rows. The first failing window cancels the rest; rows from
// windows already written stay written, which is safe because a rerun
// overwrites them.
//
// On success the store's update times are bumped: lastJobsUpdate records
// how fresh the job data was, so that the next auto run knows where to
// resume.
func (r *Runner) Run(ctx context.Context, from, to time.Time, users *UserIndex, lastJobsUpdate time.Time) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var windows []time.Time
	for dt := from; dt.Before(to); dt = dt.Add(24 * time.Hour) {
		windows = append(windows, dt)
	}

	results := make(chan windowResult, len(windows))
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for _, dt := range windows {
		select {
		case <-runCtx.Done():
		case sem <- struct{}{}:
		}
		if runCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(from time.Time) {
			defer wg.Done()
			defer func() { <-sem }()

			to := from.Add(24 * time.Hour)
			res := windowResult{label: from.Format("2006-01-02")}
			res.rows, res.jobs, res.err = r.processWindow(runCtx, from, to, users, lastJobsUpdate)
			results <- res
		}(dt)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("window %s: %w", res.label, res.err)
				cancel()
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := r.store.UpsertRows(ctx, res.rows); err != nil {
			firstErr = fmt.Errorf("window %s: %w", res.label, err)
			cancel()
			continue
		}
		r.log.Info("window processed",
			zap.String("window", res.label),
			zap.Int("jobs", res.jobs))
	}
	if firstErr != nil {
		return firstErr
	}
	if err := runCtx.Err(); err != nil {
		return err
	}

	return r.store.BumpUpdateTimes(ctx, lastJobsUpdate)
}

func (r *Runner) processWindow(ctx context.Context, from, to time.Time,
	users *UserIndex, lastJobsUpdate time.Time) ([]usagestore.Row, int, error) {

	jobs, err := jobstore.Open(ctx, r.jobsPath)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = jobs.Close() }()

	return r.engine.ProcessWindow(ctx, jobs, from, to, users, lastJobsUpdate)
}
