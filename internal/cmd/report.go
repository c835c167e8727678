package cmd

import (
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/internal/observability"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/report"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

var reportCmd = &cobra.Command{
	Use:   "report current|previous|YYYY-MM",
	Short: "Build a monthly accounting report",
	Long: `Build the monthly report: per-user job counts, footprint and CPU time
for the month, ranked by CO2e, plus a team-level rollup where each user's
numbers are split evenly across their teams.

Rebuilding a month replaces its previous report.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	from, to, err := report.ResolveMonth(args[0], time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid month", err)
	}
	log.Info("creating report", zap.String("month", from.Format("January 2006")))

	policy, err := loadPolicy()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Invalid footprint policy", err)
	}

	jobs, err := jobstore.Open(ctx, cfg.JobsDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job database", err)
	}
	defer func() { _ = jobs.Close() }()

	lastJobsUpdate, err := jobs.LatestUpdateTime(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job update time", err)
	}

	gen := report.NewGenerator(policy, log)
	data, err := gen.Build(ctx, jobs, from, to, lastJobsUpdate)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to build report", err)
	}

	store, err := usagestore.Open(ctx, cfg.UsageDB)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open usage database", err)
	}
	defer func() { _ = store.Close() }()

	if err := report.Store(ctx, store, from, data); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store report", err)
	}

	log.Info("done", zap.Int("users", len(data)))
	return nil
}
