package usagestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/hpcmeter/pkg/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertRowsOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Format(KeyLayout)
	require.NoError(t, s.UpsertRows(ctx, []Row{
		{Time: key, UsersData: []byte(`{"alice":{}}`), JobsData: []byte(`{}`)},
	}))
	require.NoError(t, s.UpsertRows(ctx, []Row{
		{Time: key, UsersData: []byte(`{"bob":{}}`), JobsData: []byte(`{}`)},
	}))

	var got []Row
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := s.RowsBetween(ctx, from, from.AddDate(0, 0, 1), func(r Row) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"bob":{}}`, string(got[0].UsersData))
}

func TestRowsBetweenOrderAndBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var rows []Row
	for i := 0; i < 4; i++ {
		rows = append(rows, Row{
			Time:      base.Add(time.Duration(i) * 15 * time.Minute).Format(KeyLayout),
			UsersData: []byte(`{}`),
			JobsData:  []byte(`{}`),
		})
	}
	require.NoError(t, s.UpsertRows(ctx, rows))

	// Half-open window: the row at the upper bound is excluded.
	var keys []string
	err := s.RowsBetween(ctx, base.Add(15*time.Minute), base.Add(45*time.Minute), func(r Row) error {
		keys = append(keys, r.Time)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rows[1].Time, rows[2].Time}, keys)
}

func TestTimeBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.TimeBounds(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertRows(ctx, []Row{
		{Time: base.Format(KeyLayout), UsersData: []byte(`{}`), JobsData: []byte(`{}`)},
		{Time: base.Add(time.Hour).Format(KeyLayout), UsersData: []byte(`{}`), JobsData: []byte(`{}`)},
	}))

	earliest, latest, ok, err := s.TimeBounds(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, earliest.Equal(base))
	assert.True(t, latest.Equal(base.Add(time.Hour)))
}

func TestUpdateTimes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestUpdateTime(ctx, UpdateKindUsage)
	assert.Error(t, err, "no run recorded yet")

	_, err = s.LatestUpdateTime(ctx, "bogus")
	assert.ErrorContains(t, err, "unknown update-time kind")

	jobsTime := time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC)
	require.NoError(t, s.BumpUpdateTimes(ctx, jobsTime))

	got, err := s.LatestUpdateTime(ctx, UpdateKindJobs)
	require.NoError(t, err)
	assert.True(t, got.Equal(jobsTime))

	_, err = s.LatestUpdateTime(ctx, UpdateKindUsage)
	assert.NoError(t, err)
}

func TestUsersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice := identity.NewUser("alice")
	alice.Name = "Alice Smith"
	alice.Position = "Research Fellow"
	alice.Teams = []string{"Genomics", "Sequence, Assembly"}
	bob := identity.NewUser("bob")

	require.NoError(t, s.UpsertUsers(ctx, []*identity.User{alice, bob}))

	got, err := s.Users(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Alice Smith", got["alice"].Name)
	assert.Equal(t, alice.UUID, got["alice"].UUID)
	// Team names may contain commas; the round trip must preserve them.
	assert.Equal(t, []string{"Genomics", "Sequence, Assembly"}, got["alice"].Teams)
	assert.Empty(t, got["bob"].Teams)
}

func TestReportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertReport(ctx, "alice", "2026-02", []byte(`{"rank":1}`)))
	require.NoError(t, s.UpsertReport(ctx, "_", "2026-02", []byte(`[{"team":"Genomics"}]`)))
	require.NoError(t, s.UpsertReport(ctx, "alice", "2026-01", []byte(`{"rank":3}`)))

	entries, err := s.Report(ctx, "2026-02")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"rank":1}`, string(entries["alice"]))
	assert.JSONEq(t, `[{"team":"Genomics"}]`, string(entries["_"]))

	// Rebuilding a month replaces the previous entry.
	require.NoError(t, s.UpsertReport(ctx, "alice", "2026-02", []byte(`{"rank":2}`)))
	entries, err = s.Report(ctx, "2026-02")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rank":2}`, string(entries["alice"]))

	months, err := s.ReportMonths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01", "2026-02"}, months)

	empty, err := s.Report(ctx, "2020-01")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
