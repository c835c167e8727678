package cmd

import (
	"bufio"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcmeter/internal/config"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/scheduler"
)

func TestExitCodeError(t *testing.T) {
	cause := errors.New("disk full")
	err := exitError(foundry.ExitFileWriteError, "Failed to store jobs", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Failed to store jobs")
	assert.Contains(t, err.Error(), "disk full")

	var coded *exitCodeError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, foundry.ExitFileWriteError, coded.code)
}

func TestNewSource(t *testing.T) {
	cfg = &config.Config{Scheduler: "lsf"}
	src, err := newSource()
	require.NoError(t, err)
	assert.Equal(t, "lsf", src.Name())

	cfg = &config.Config{Scheduler: "slurm"}
	_, err = newSource()
	assert.ErrorIs(t, err, scheduler.ErrUnsupported)
}

func TestBucketKey(t *testing.T) {
	ts := time.Date(2026, 1, 7, 13, 45, 0, 0, time.UTC)

	assert.Equal(t, "2026-01-07", bucketKey(ts, "day"))
	assert.Equal(t, "2026-01", bucketKey(ts, "month"))
	// ISO week 2 of 2026 starts Monday Jan 5.
	assert.Equal(t, "2026-02", bucketKey(ts, "week"))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-", formatMemMB(nil))
	v := int64(2048)
	assert.Equal(t, "2048", formatMemMB(&v))

	assert.Equal(t, "-", formatTimePtr(nil))
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01 10:00:00", formatTimePtr(&ts))

	assert.Equal(t, "12", formatCo2e(12.4, 0))
	assert.Equal(t, "0.012", formatCo2e(0.0124, 3))
}

func TestResolveUsageWindowExplicitDates(t *testing.T) {
	usageFrom = "2026-03-01"
	usageTo = "2026-03-03"
	defer func() { usageFrom, usageTo = "auto", "" }()

	from, to, err := resolveUsageWindow(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, to.Sub(from))

	usageFrom = "2026-03-03"
	usageTo = "2026-03-01"
	_, _, err = resolveUsageWindow(nil, nil)
	assert.ErrorContains(t, err, "not before")
}

func TestPromptField(t *testing.T) {
	read := func(input, current string) string {
		return promptField(bufio.NewReader(strings.NewReader(input)), "Name", current)
	}

	assert.Equal(t, "Alice", read("Alice\n", "old"))
	assert.Equal(t, "old", read("\n", "old"), "empty keeps the current value")
	assert.Equal(t, "", read("N/A\n", "old"), "N/A clears")
	assert.Equal(t, "", read("n/a\n", "old"))
}

func TestPromptTeams(t *testing.T) {
	read := func(input string, current []string) []string {
		return promptTeams(bufio.NewReader(strings.NewReader(input)), current)
	}

	assert.Equal(t, []string{"Genomics", "Proteomics"}, read("Proteomics | Genomics\n", nil))
	assert.Equal(t, []string{"Old"}, read("\n", []string{"Old"}))
	assert.Nil(t, read("N/A\n", []string{"Old"}))
	// Duplicates collapse.
	assert.Equal(t, []string{"Genomics"}, read("Genomics|Genomics\n", nil))
}

func TestJobTimeLayoutMatchesStores(t *testing.T) {
	// The view commands parse --from/--to with the stored layout.
	_, err := time.Parse(jobmodel.TimeLayout, "2026-03-01 10:00:00")
	assert.NoError(t, err)
}
