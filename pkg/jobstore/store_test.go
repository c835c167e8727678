package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcmeter/pkg/identity"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func testJob(id int64, user string, start, finish time.Time) jobmodel.Job {
	j := jobmodel.Job{
		Scheduler:     "lsf",
		ID:            id,
		Name:          "job",
		Status:        "DONE",
		User:          user,
		Queue:         "standard",
		Slots:         2,
		CPUEfficiency: 80,
		CPUTime:       ptr(3600.0),
		MemLimitMB:    ptr(int64(4096)),
		MemMaxMB:      ptr(int64(2048)),
		MemEfficiency: ptr(50.0),
		FromHost:      "login1",
		SubmitTime:    start.Add(-time.Minute),
		UpdateTime:    finish.Add(time.Minute),
	}
	if !start.IsZero() {
		j.StartTime = &start
	}
	if !finish.IsZero() {
		j.FinishTime = &finish
	}
	return j
}

func collectJobs(t *testing.T, s *Store, from, to time.Time, filter Filter) []*jobmodel.Job {
	t.Helper()
	var jobs []*jobmodel.Job
	err := s.FindJobs(context.Background(), from, to, filter, func(j *jobmodel.Job) error {
		jobs = append(jobs, j)
		return nil
	})
	require.NoError(t, err)
	return jobs
}

func TestUpsertJobsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finish := start.Add(2 * time.Hour)
	job := testJob(1, "alice", start, finish)

	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{job}))

	got := collectJobs(t, s, start.Add(-time.Hour), finish.Add(time.Hour), Filter{})
	require.Len(t, got, 1)

	j := got[0]
	assert.Equal(t, job.Accession(), j.Accession())
	assert.Equal(t, "alice", j.User)
	assert.Equal(t, 2, j.Slots)
	assert.Equal(t, 80.0, j.CPUEfficiency)
	require.NotNil(t, j.CPUTime)
	assert.Equal(t, 3600.0, *j.CPUTime)
	require.NotNil(t, j.MemLimitMB)
	assert.Equal(t, int64(4096), *j.MemLimitMB)
	require.NotNil(t, j.StartTime)
	assert.True(t, j.StartTime.Equal(start))
	require.NotNil(t, j.FinishTime)
	assert.True(t, j.FinishTime.Equal(finish))
}

func TestUpsertJobsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := testJob(1, "alice", start, start.Add(time.Hour))

	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{job}))
	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{job}))

	got := collectJobs(t, s, start.Add(-time.Hour), start.Add(2*time.Hour), Filter{})
	assert.Len(t, got, 1)
}

func TestUpsertJobsRejectsMissingSubmitTime(t *testing.T) {
	s := openTestStore(t)
	job := testJob(1, "alice", time.Now(), time.Now().Add(time.Hour))
	job.SubmitTime = time.Time{}

	err := s.UpsertJobs(context.Background(), []jobmodel.Job{job})
	assert.ErrorContains(t, err, "missing submit time")
}

func TestReplaceIncomplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	running1 := testJob(1, "alice", start, time.Time{})
	running1.Status = "RUN"
	running2 := testJob(2, "bob", start, time.Time{})
	running2.Status = "RUN"

	require.NoError(t, s.ReplaceIncomplete(ctx, []jobmodel.Job{running1, running2}))
	assert.Len(t, collectJobs(t, s, start, start.Add(time.Hour), Filter{}), 2)

	// The next snapshot replaces the previous one wholesale.
	require.NoError(t, s.ReplaceIncomplete(ctx, []jobmodel.Job{running2}))
	got := collectJobs(t, s, start, start.Add(time.Hour), Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].User)
}

func TestFindJobsWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inside := testJob(1, "alice", day.Add(2*time.Hour), day.Add(3*time.Hour))
	spanning := testJob(2, "bob", day.Add(-time.Hour), day.Add(30*time.Hour))
	before := testJob(3, "carol", day.Add(-5*time.Hour), day.Add(-4*time.Hour))
	pending := testJob(4, "dave", time.Time{}, time.Time{})
	pending.Status = "PEND"

	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{inside, spanning, before}))
	require.NoError(t, s.ReplaceIncomplete(ctx, []jobmodel.Job{pending}))

	got := collectJobs(t, s, day, day.AddDate(0, 0, 1), Filter{})
	require.Len(t, got, 2)
	users := []string{got[0].User, got[1].User}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
}

func TestFindJobsUserFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{
		testJob(1, "alice", day.Add(time.Hour), day.Add(2*time.Hour)),
		testJob(2, "albert", day.Add(time.Hour), day.Add(2*time.Hour)),
		testJob(3, "bob", day.Add(time.Hour), day.Add(2*time.Hour)),
	}))

	got := collectJobs(t, s, day, day.AddDate(0, 0, 1), Filter{User: "al*"})
	assert.Len(t, got, 2)

	got = collectJobs(t, s, day, day.AddDate(0, 0, 1), Filter{User: "bob"})
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].User)
}

func TestLatestUpdateTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestUpdateTime(ctx)
	assert.Error(t, err, "empty store has no update times")

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	j1 := testJob(1, "alice", start, start.Add(time.Hour))
	j1.UpdateTime = start.Add(time.Hour)
	j2 := testJob(2, "bob", start, start.Add(time.Hour))
	j2.UpdateTime = start.Add(2 * time.Hour)
	require.NoError(t, s.UpsertJobs(ctx, []jobmodel.Job{j1, j2}))

	got, err := s.LatestUpdateTime(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(start.Add(2*time.Hour)))
}

func TestUnixUsersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	users := []identity.UnixUser{
		{Login: "alice", Group: "research", Groups: "hpc,research"},
		{Login: "bob", Group: "ops", Groups: "ops"},
	}
	require.NoError(t, s.UpsertUnixUsers(ctx, users))

	got, err := s.UnixUsers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "research", got["alice"].Group)
	assert.Equal(t, "hpc,research", got["alice"].Groups)

	// Upserting again with changed groups replaces the record.
	users[0].Groups = "hpc,research,admin"
	require.NoError(t, s.UpsertUnixUsers(ctx, users))
	got, err = s.UnixUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hpc,research,admin", got["alice"].Groups)
}
