package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/internal/observability"
	"github.com/3leaps/hpcmeter/pkg/footprint"
	"github.com/3leaps/hpcmeter/pkg/identity"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usage"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Aggregate jobs into the usage database",
	Long: `Aggregate tracked jobs into 15-minute usage rows: per-user footprint
shares, submission and completion counters, and cluster-wide efficiency
histograms.

The window defaults to resuming one day before the previous run
(--from auto), so overlapping reruns are the norm; rows are overwritten
per interval and reprocessing is idempotent.`,
	RunE: runUsage,
}

var (
	usageFrom        string
	usageTo          string
	usageWorkers     int
	usageUpdateUsers bool
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVar(&usageFrom, "from", "auto", "Start of window (auto|today|yesterday|YYYY-MM-DD)")
	usageCmd.Flags().StringVar(&usageTo, "to", "", "End of window (YYYY-MM-DD, default: tomorrow)")
	usageCmd.Flags().IntVar(&usageWorkers, "workers", 0, "Parallel day windows (default: config)")
	usageCmd.Flags().BoolVar(&usageUpdateUsers, "update-users", true, "Refresh user metadata from the directory")
}

// loadPolicy returns the configured footprint policy, or the built-in
// defaults when no policy file is set.
func loadPolicy() (footprint.Policy, error) {
	if cfg.PolicyFile == "" {
		return footprint.DefaultPolicy(), nil
	}
	return footprint.LoadPolicy(cfg.PolicyFile)
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	jobs, err := jobstore.Open(ctx, cfg.JobsDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job database", err)
	}
	unixUsers, err := jobs.UnixUsers(ctx)
	if err != nil {
		_ = jobs.Close()
		return exitError(foundry.ExitFileReadError, "Failed to load users", err)
	}
	lastJobsUpdate, err := jobs.LatestUpdateTime(ctx)
	if err != nil {
		_ = jobs.Close()
		return exitError(foundry.ExitFileReadError, "Failed to read job update time", err)
	}
	_ = jobs.Close()

	store, err := usagestore.Open(ctx, cfg.UsageDB)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open usage database", err)
	}
	defer func() { _ = store.Close() }()

	log.Info("loading users")
	users, err := loadUsers(ctx, store, unixUsers)
	if err != nil {
		return err
	}

	from, to, err := resolveUsageWindow(ctx, store)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid time window", err)
	}

	policy, err := loadPolicy()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Invalid footprint policy", err)
	}

	workers := usageWorkers
	if workers <= 0 {
		workers = cfg.Workers
	}

	logins := make([]string, 0, len(users))
	for login := range users {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	index := usage.NewUserIndex(logins)

	log.Info("processing jobs",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("workers", workers))

	engine := usage.NewEngine(policy, log)
	runner := usage.NewRunner(cfg.JobsDB, store, engine, workers, log)
	if err := runner.Run(ctx, from, to, index, lastJobsUpdate); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Aggregation cancelled", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Aggregation failed", err)
	}

	all := make([]*identity.User, 0, len(users))
	for _, u := range users {
		all = append(all, u)
	}
	if err := store.UpsertUsers(ctx, all); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store users", err)
	}

	log.Info("done")
	return nil
}

// loadUsers merges the three user sources: metadata already in the usage
// store, unix users seen by the job tracker, and the optional custom
// overrides file. Directory enrichment failures for individual users are
// logged and skipped; aggregation never blocks on the directory.
func loadUsers(ctx context.Context, store *usagestore.Store,
	unixUsers map[string]identity.UnixUser) (map[string]*identity.User, error) {

	log := observability.CLILogger

	users, err := store.Users(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to load user metadata", err)
	}

	directory := identity.NewDirectory(identity.DirectoryConfig{
		BaseURL:   cfg.Directory.BaseURL,
		Domain:    cfg.Directory.Domain,
		RateLimit: cfg.Directory.RateLimit,
	})

	enrich := func(u *identity.User) {
		if !usageUpdateUsers {
			return
		}
		profile, err := directory.Lookup(ctx, u.Login)
		if err != nil {
			log.Warn("directory lookup failed",
				zap.String("login", u.Login),
				zap.Error(err))
			return
		}
		u.Enrich(profile)
	}

	for _, u := range users {
		if unix, ok := unixUsers[u.Login]; ok {
			u.Group = unix.Group
			u.Groups = unix.Groups
		}
		enrich(u)
	}

	for login, unix := range unixUsers {
		if _, ok := users[login]; ok {
			continue
		}
		u := identity.NewUser(login)
		u.Group = unix.Group
		u.Groups = unix.Groups
		enrich(u)
		users[login] = u
	}

	custom := map[string]identity.CustomUser{}
	if cfg.CustomUsers != "" {
		custom, err = identity.LoadCustomUsers(cfg.CustomUsers)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to load custom users", err)
		}
	}
	for login, meta := range custom {
		u, ok := users[login]
		if !ok {
			u = identity.NewUser(login)
			enrich(u)
			users[login] = u
		}
		u.ApplyOverride(meta, log)
	}

	for login, u := range users {
		if len(u.Teams) == 0 {
			groups := u.Groups
			if groups == "" {
				groups = "N/A"
			}
			_, isCustom := custom[login]
			log.Warn("user is not in any team",
				zap.String("login", login),
				zap.Bool("custom", isCustom),
				zap.String("groups", groups))
		}
	}

	return users, nil
}

// resolveUsageWindow resolves --from/--to into midnight-aligned bounds.
func resolveUsageWindow(ctx context.Context, store *usagestore.Store) (from, to time.Time, err error) {
	now := time.Now()
	midnight := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	switch usageFrom {
	case "auto":
		last, lerr := store.LatestUpdateTime(ctx, usagestore.UpdateKindUsage)
		if lerr != nil {
			return from, to, fmt.Errorf("no previous run to resume from, pass --from explicitly: %w", lerr)
		}
		from = midnight(last.AddDate(0, 0, -1))
	case "today":
		from = midnight(now)
	case "yesterday":
		from = midnight(now.AddDate(0, 0, -1))
	default:
		from, err = time.ParseInLocation("2006-01-02", usageFrom, now.Location())
		if err != nil {
			return from, to, fmt.Errorf("invalid --from %q: %w", usageFrom, err)
		}
	}

	if usageTo != "" {
		to, err = time.ParseInLocation("2006-01-02", usageTo, now.Location())
		if err != nil {
			return from, to, fmt.Errorf("invalid --to %q: %w", usageTo, err)
		}
	} else {
		to = midnight(now.AddDate(0, 0, 1))
	}

	if !from.Before(to) {
		return from, to, fmt.Errorf("--from %s is not before --to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return from, to, nil
}
