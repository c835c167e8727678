package lsf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryMB(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512 Mbytes", 512},
		{"512 M", 512},
		{"2.5 Gbytes", 2560},
		{"2 G", 2048},
		{"1 Tbytes", 1048576},
		{"1.5 T", 1572864},
	}
	for _, tt := range tests {
		got, err := parseMemoryMB(tt.in)
		require.NoError(t, err, tt.in)
		require.NotNil(t, got, tt.in)
		assert.Equal(t, tt.want, *got, tt.in)
	}

	got, err := parseMemoryMB("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseMemoryMB("12 parsecs")
	assert.ErrorContains(t, err, "unrecognized memory value")
}

func TestParsePercent(t *testing.T) {
	got, err := parsePercent("87.50%")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 87.5, *got)

	got, err = parsePercent("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parsePercent("lots")
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseTime("Mar  3 14:05", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 3, 14, 5, 0, 0, time.UTC), *got)

	// Dates ahead of now belong to last year.
	got, err = parseTime("Nov 20 08:30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 20, 8, 30, 0, 0, time.UTC), *got)

	// Deadline/estimation markers are tolerated.
	got, err = parseTime("Mar  3 14:05 L", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 14, 5, 0, 0, time.UTC), *got)

	got, err = parseTime("", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseTime("2026-03-03 14:05", now)
	assert.ErrorContains(t, err, "unrecognized timestamp")
}

const bjobsSample = `{
  "COMMAND": "bjobs",
  "JOBS": 2,
  "RECORDS": [
    {
      "JOBID": "101", "JOBINDEX": "0", "JOB_NAME": "blast",
      "STAT": "DONE", "USER": "alice", "QUEUE": "standard",
      "SLOTS": "4", "MEMLIMIT": "8 Gbytes", "MAX_MEM": "6 Gbytes",
      "FROM_HOST": "login1", "EXEC_HOST": "node07",
      "SUBMIT_TIME": "Mar  1 09:00", "START_TIME": "Mar  1 09:05",
      "FINISH_TIME": "Mar  1 10:05 L",
      "CPU_EFFICIENCY": "95.00%", "MEM_EFFICIENCY": "75.00%",
      "CPU_USED": "13680.0 second(s)"
    },
    {
      "JOBID": "102", "JOBINDEX": "3", "JOB_NAME": "sim[3]",
      "STAT": "RUN", "USER": "bob", "QUEUE": "gpu",
      "SLOTS": "", "MEMLIMIT": "", "MAX_MEM": "",
      "FROM_HOST": "login2", "EXEC_HOST": "",
      "SUBMIT_TIME": "Mar  2 11:00", "START_TIME": "Mar  2 11:30",
      "FINISH_TIME": "Mar  9 11:30 E",
      "CPU_EFFICIENCY": "", "MEM_EFFICIENCY": "",
      "CPU_USED": ""
    }
  ]
}`

func TestParseJobs(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	jobs, err := parseJobs([]byte(bjobsSample), now)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	done := jobs[0]
	assert.Equal(t, "lsf", done.Scheduler)
	assert.Equal(t, int64(101), done.ID)
	assert.Equal(t, int64(0), done.Index)
	assert.Equal(t, "DONE", done.Status)
	assert.Equal(t, 4, done.Slots)
	assert.Equal(t, 95.0, done.CPUEfficiency)
	require.NotNil(t, done.MemLimitMB)
	assert.Equal(t, int64(8192), *done.MemLimitMB)
	require.NotNil(t, done.MemMaxMB)
	assert.Equal(t, int64(6144), *done.MemMaxMB)
	require.NotNil(t, done.CPUTime)
	assert.Equal(t, 13680.0, *done.CPUTime)
	require.NotNil(t, done.FinishTime)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), *done.FinishTime)
	require.NotNil(t, done.ExecHost)
	assert.Equal(t, "node07", *done.ExecHost)

	run := jobs[1]
	assert.Equal(t, int64(3), run.Index)
	assert.Equal(t, 1, run.Slots, "missing slots default to 1")
	assert.Nil(t, run.MemLimitMB)
	assert.Nil(t, run.CPUTime)
	assert.Nil(t, run.ExecHost)
	// Running jobs report a projected finish; it must be ignored.
	assert.Nil(t, run.FinishTime)
	assert.Equal(t, now, run.UpdateTime)
}

func TestParseJobsRejectsMissingSubmit(t *testing.T) {
	out := `{"RECORDS": [{"JOBID": "1", "JOBINDEX": "0", "STAT": "RUN", "SUBMIT_TIME": ""}]}`
	_, err := parseJobs([]byte(out), time.Now())
	assert.ErrorContains(t, err, "no submit time")
}

func TestJobsRetriesUntilSuccess(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	attempts := 0

	s := New(nil)
	s.retryDelay = time.Millisecond
	s.now = func() time.Time { return now }
	s.run = func(ctx context.Context) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("lsbatch daemon busy")
		}
		return []byte(`{"RECORDS": []}`), nil
	}

	jobs, err := s.Jobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 3, attempts)
}

func TestJobsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := New(nil)
	s.retryDelay = time.Hour
	s.run = func(ctx context.Context) ([]byte, error) {
		cancel()
		return nil, errors.New("down")
	}

	_, err := s.Jobs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
