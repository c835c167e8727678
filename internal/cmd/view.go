package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// orgSeries labels the single series produced when usage is not grouped
// by team.
const orgSeries = "EMBL-EBI"

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Inspect tracked jobs and aggregated usage",
}

var viewUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print CO2e usage as tab-separated series",
	RunE:  runViewUsage,
}

var viewJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List tracked jobs",
	RunE:  runViewJobs,
}

var (
	viewUsageFrom      string
	viewUsageTo        string
	viewUsageInterval  string
	viewUsageByTeam    bool
	viewUsageNumSeries int
	viewUsageUsers     []string
	viewUsageUnit      string

	viewJobsFrom string
	viewJobsTo   string
	viewJobsUser string
)

func init() {
	rootCmd.AddCommand(viewCmd)
	viewCmd.AddCommand(viewUsageCmd)
	viewCmd.AddCommand(viewJobsCmd)

	viewUsageCmd.Flags().StringVar(&viewUsageFrom, "from", "", "Start date (YYYY-MM-DD, default: first row)")
	viewUsageCmd.Flags().StringVar(&viewUsageTo, "to", "", "End date (YYYY-MM-DD, default: last row)")
	viewUsageCmd.Flags().StringVar(&viewUsageInterval, "interval", "day", "Group usage by day, week or month")
	viewUsageCmd.Flags().BoolVar(&viewUsageByTeam, "by-team", false, "One series per team instead of one total")
	viewUsageCmd.Flags().IntVar(&viewUsageNumSeries, "num-series", 0, "Max series with --by-team, rest folded into Others (default: all)")
	viewUsageCmd.Flags().StringSliceVar(&viewUsageUsers, "users", nil, "Only count these users")
	viewUsageCmd.Flags().StringVar(&viewUsageUnit, "unit", "kg", "CO2e unit (g, kg or t)")

	viewJobsCmd.Flags().StringVar(&viewJobsFrom, "from", "", "Jobs running after this time (YYYY-MM-DD HH:MM:SS, default: midnight)")
	viewJobsCmd.Flags().StringVar(&viewJobsTo, "to", "", "Jobs running before this time (default: tomorrow midnight)")
	viewJobsCmd.Flags().StringVarP(&viewJobsUser, "user", "u", "", "Only this user's jobs (glob)")
}

// bucketKey formats a row time into its output series bucket.
func bucketKey(t time.Time, interval string) string {
	switch interval {
	case "week":
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-%02d", year, week)
	case "month":
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

func runViewUsage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	switch viewUsageInterval {
	case "day", "week", "month":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value",
			fmt.Errorf("interval must be day, week or month, got %q", viewUsageInterval))
	}
	var factor float64
	var digits int
	switch viewUsageUnit {
	case "g":
		factor, digits = 1, 0
	case "kg":
		factor, digits = 1e-3, 0
	case "t":
		factor, digits = 1e-6, 3
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --unit value",
			fmt.Errorf("unit must be g, kg or t, got %q", viewUsageUnit))
	}

	store, err := usagestore.Open(ctx, cfg.UsageDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open usage database", err)
	}
	defer func() { _ = store.Close() }()

	// Map each user to the series its CO2e counts toward.
	users, err := store.Users(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load users", err)
	}
	series := make(map[string][]string, len(users))
	for login, u := range users {
		if viewUsageByTeam {
			series[login] = u.Teams
		} else {
			series[login] = []string{orgSeries}
		}
	}
	if len(viewUsageUsers) > 0 {
		wanted := make(map[string]bool, len(viewUsageUsers))
		for _, login := range viewUsageUsers {
			wanted[login] = true
		}
		for login := range series {
			if !wanted[login] {
				delete(series, login)
			}
		}
	}

	from, to, err := resolveViewSpan(ctx, store)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid time window", err)
	}

	// Seed the bucket grid so quiet days still print as zero rows.
	buckets := make(map[string]map[string]float64)
	for dt := from; dt.Before(to); dt = dt.AddDate(0, 0, 1) {
		buckets[bucketKey(dt, viewUsageInterval)] = make(map[string]float64)
	}

	totals := make(map[string]float64)
	err = store.RowsBetween(ctx, from, to, func(row usagestore.Row) error {
		t, err := time.Parse(usagestore.KeyLayout, row.Time)
		if err != nil {
			return fmt.Errorf("bad row key %q: %w", row.Time, err)
		}

		var entries map[string]struct {
			Co2e float64 `json:"co2e"`
		}
		if err := json.Unmarshal(row.UsersData, &entries); err != nil {
			return fmt.Errorf("decode row %s: %w", row.Time, err)
		}

		key := bucketKey(t, viewUsageInterval)
		bucket, ok := buckets[key]
		if !ok {
			bucket = make(map[string]float64)
			buckets[key] = bucket
		}
		for login, entry := range entries {
			for _, name := range series[login] {
				bucket[name] += entry.Co2e
				totals[name] += entry.Co2e
			}
		}
		return nil
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read usage rows", err)
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if totals[names[i]] != totals[names[j]] {
			return totals[names[i]] > totals[names[j]]
		}
		return names[i] < names[j]
	})

	hasOthers := false
	if viewUsageNumSeries > 0 && len(names) > viewUsageNumSeries {
		hasOthers = true
		keep := viewUsageNumSeries - 1
		if keep < 1 {
			keep = 1
		}
		names = names[:keep]
	}

	header := append([]string{"Time"}, names...)
	if hasOthers {
		header = append(header, "Others")
	}
	fmt.Println(strings.Join(header, "\t"))

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		bucket := buckets[key]
		row := []string{key}
		for _, name := range names {
			row = append(row, formatCo2e(bucket[name]*factor, digits))
			delete(bucket, name)
		}
		if hasOthers {
			var rest float64
			for _, v := range bucket {
				rest += v
			}
			row = append(row, formatCo2e(rest*factor, digits))
		}
		fmt.Println(strings.Join(row, "\t"))
	}
	return nil
}

func formatCo2e(v float64, digits int) string {
	return fmt.Sprintf("%.*f", digits, v)
}

// resolveViewSpan resolves --from/--to for view usage, defaulting to the
// full extent of the stored rows.
func resolveViewSpan(ctx context.Context, store *usagestore.Store) (from, to time.Time, err error) {
	var earliest, latest time.Time
	var bounded bool
	if viewUsageFrom == "" || viewUsageTo == "" {
		earliest, latest, bounded, err = store.TimeBounds(ctx)
		if err != nil {
			return from, to, err
		}
		if !bounded {
			return from, to, fmt.Errorf("usage database is empty")
		}
	}

	if viewUsageFrom != "" {
		from, err = time.ParseInLocation("2006-01-02", viewUsageFrom, time.Local)
		if err != nil {
			return from, to, fmt.Errorf("invalid --from %q: %w", viewUsageFrom, err)
		}
	} else {
		from = earliest
	}

	if viewUsageTo != "" {
		to, err = time.ParseInLocation("2006-01-02", viewUsageTo, time.Local)
		if err != nil {
			return from, to, fmt.Errorf("invalid --to %q: %w", viewUsageTo, err)
		}
	} else {
		to = latest
	}

	if !from.Before(to) {
		return from, to, fmt.Errorf("--from %s is not before --to %s",
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return from, to, nil
}

func runViewJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	from := midnight
	to := midnight.AddDate(0, 0, 1)
	var err error
	if viewJobsFrom != "" {
		from, err = time.ParseInLocation(jobmodel.TimeLayout, viewJobsFrom, time.Local)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --from value", err)
		}
	}
	if viewJobsTo != "" {
		to, err = time.ParseInLocation(jobmodel.TimeLayout, viewJobsTo, time.Local)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --to value", err)
		}
	}

	store, err := jobstore.Open(ctx, cfg.JobsDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job database", err)
	}
	defer func() { _ = store.Close() }()

	fmt.Println(strings.Join([]string{
		"#ID",
		"Status",
		"User",
		"Queue",
		"CPUs",
		"CPU efficiency",
		"Mem. limit",
		"Max mem. used",
		"Submit time",
		"Start time",
		"Finish time",
	}, "\t"))

	err = store.FindJobs(ctx, from, to, jobstore.Filter{User: viewJobsUser}, func(job *jobmodel.Job) error {
		fmt.Println(strings.Join([]string{
			fmt.Sprintf("%d[%d]", job.ID, job.Index),
			job.Status,
			job.User,
			job.Queue,
			fmt.Sprintf("%d", job.Slots),
			fmt.Sprintf("%g", job.CPUEfficiency),
			formatMemMB(job.MemLimitMB),
			formatMemMB(job.MemMaxMB),
			job.SubmitTime.Format(jobmodel.TimeLayout),
			formatTimePtr(job.StartTime),
			formatTimePtr(job.FinishTime),
		}, "\t"))
		return nil
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	return nil
}

func formatMemMB(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(jobmodel.TimeLayout)
}
