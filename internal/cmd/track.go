package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/internal/observability"
	"github.com/3leaps/hpcmeter/pkg/identity"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/scheduler"
	"github.com/3leaps/hpcmeter/pkg/scheduler/lsf"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Poll the scheduler and update the job database",
	Long: `Poll the cluster scheduler for the current state of every job it
reports and merge the snapshot into the job database: finished jobs are
appended permanently, pending and running jobs replace the previous
snapshot wholesale.

Run this from cron at a short interval; finished jobs age out of the
scheduler's memory quickly.`,
	RunE: runTrack,
}

func init() {
	rootCmd.AddCommand(trackCmd)
}

func newSource() (scheduler.Source, error) {
	switch cfg.Scheduler {
	case "lsf":
		return lsf.New(observability.CLILogger), nil
	default:
		return nil, fmt.Errorf("%w: %q", scheduler.ErrUnsupported, cfg.Scheduler)
	}
}

func runTrack(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := newSource()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler", err)
	}

	jobs, err := src.Jobs(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to poll scheduler", err)
	}

	store, err := jobstore.Open(ctx, cfg.JobsDB)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open job database", err)
	}
	defer func() { _ = store.Close() }()

	users, err := store.UnixUsers(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load users", err)
	}

	var complete, incomplete []jobmodel.Job
	for _, job := range jobs {
		if _, ok := users[job.User]; !ok {
			users[job.User] = identity.LookupUnixUser(job.User)
		}
		if job.FinishTime != nil {
			complete = append(complete, *job)
		} else {
			incomplete = append(incomplete, *job)
		}
	}

	if err := store.UpsertJobs(ctx, complete); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store finished jobs", err)
	}
	if err := store.ReplaceIncomplete(ctx, incomplete); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store pending jobs", err)
	}

	allUsers := make([]identity.UnixUser, 0, len(users))
	for _, u := range users {
		allUsers = append(allUsers, u)
	}
	if err := store.UpsertUnixUsers(ctx, allUsers); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store users", err)
	}

	observability.CLILogger.Info("job snapshot stored",
		zap.String("scheduler", src.Name()),
		zap.Int("pending_or_running", len(incomplete)),
		zap.Int("updated", len(jobs)))
	return nil
}
