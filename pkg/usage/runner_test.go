package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcmeter/pkg/footprint"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

func TestRunnerProcessesDayWindows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.db")

	jobs, err := jobstore.Open(ctx, jobsPath)
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)
	lastUpdate := to.Add(time.Hour)

	day1Start := from.Add(6 * time.Hour)
	day1Finish := day1Start.Add(30 * time.Minute)
	day2Start := from.AddDate(0, 0, 1).Add(12 * time.Hour)
	day2Finish := day2Start.Add(45 * time.Minute)

	require.NoError(t, jobs.UpsertJobs(ctx, []jobmodel.Job{
		{
			Scheduler: "lsf", ID: 1, Status: "DONE", User: "alice",
			Queue: "standard", Slots: 1, CPUEfficiency: 90, FromHost: "login1",
			SubmitTime: day1Start.Add(-time.Minute), StartTime: &day1Start,
			FinishTime: &day1Finish, UpdateTime: lastUpdate,
		},
		{
			Scheduler: "lsf", ID: 2, Status: "DONE", User: "bob",
			Queue: "standard", Slots: 1, CPUEfficiency: 90, FromHost: "login1",
			SubmitTime: day2Start.Add(-time.Minute), StartTime: &day2Start,
			FinishTime: &day2Finish, UpdateTime: lastUpdate,
		},
	}))
	require.NoError(t, jobs.Close())

	store, err := usagestore.Open(ctx, filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	engine := NewEngine(footprint.DefaultPolicy(), nil)
	runner := NewRunner(jobsPath, store, engine, 2, nil)
	require.NoError(t, runner.Run(ctx, from, to, NewUserIndex(nil), lastUpdate))

	// Two days at 96 intervals each.
	var count int
	require.NoError(t, store.RowsBetween(ctx, from, to, func(r usagestore.Row) error {
		count++
		return nil
	}))
	assert.Equal(t, 192, count)

	got, err := store.LatestUpdateTime(ctx, usagestore.UpdateKindJobs)
	require.NoError(t, err)
	assert.True(t, got.Equal(lastUpdate))

	_, err = store.LatestUpdateTime(ctx, usagestore.UpdateKindUsage)
	assert.NoError(t, err)
}

func TestRunnerPropagatesWindowError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.db")

	jobs, err := jobstore.Open(ctx, jobsPath)
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	start := from.Add(time.Hour)
	finish := start.Add(time.Hour)
	require.NoError(t, jobs.UpsertJobs(ctx, []jobmodel.Job{{
		Scheduler: "pbs", ID: 1, Status: "F", User: "alice",
		Queue: "standard", Slots: 1, FromHost: "login1",
		SubmitTime: start, StartTime: &start, FinishTime: &finish,
		UpdateTime: finish,
	}}))
	require.NoError(t, jobs.Close())

	store, err := usagestore.Open(ctx, filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	engine := NewEngine(footprint.DefaultPolicy(), nil)
	runner := NewRunner(jobsPath, store, engine, 2, nil)

	err = runner.Run(ctx, from, from.AddDate(0, 0, 1), NewUserIndex(nil), finish)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobmodel.ErrUnknownScheduler)

	// A failed run must not claim freshness.
	_, err = store.LatestUpdateTime(ctx, usagestore.UpdateKindUsage)
	assert.Error(t, err)
}
