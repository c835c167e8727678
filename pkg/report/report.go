// Package report builds monthly per-user accounting reports from the job
// store and persists them alongside usage data.
//
// Unlike interval usage rows, a report credits each job to its user for
// the whole month: footprint is prorated to the minutes the job ran
// inside the month, while job counts and CPU time are credited in full.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/pkg/footprint"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usage"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// progressEvery controls how often progress is logged while scanning jobs.
const progressEvery = 1_000_000

// JobCounts breaks a user's jobs down by outcome. Jobs still running at
// the end of the month count toward Total only.
type JobCounts struct {
	Total int `json:"total"`
	Done  int `json:"done"`
	Exit  int `json:"exit"`
}

// UserReport is one user's monthly accounting entry.
type UserReport struct {
	Jobs JobCounts `json:"jobs"`
	Co2e float64   `json:"co2e"`
	Cost float64   `json:"cost"`
	// Memory counts completed jobs per integer memory-efficiency
	// percentile.
	Memory  []int   `json:"memory"`
	CPUTime float64 `json:"cputime"`
	// Rank is the user's 1-based position by CO2e, descending.
	Rank int `json:"rank"`
	// TotalCo2e is the cluster-wide CO2e for the month, repeated on every
	// entry so each can be rendered standalone.
	TotalCo2e float64 `json:"totalCo2e"`
}

// TeamReport is the footprint share attributed to one team. A user in N
// teams contributes 1/N of their numbers to each.
type TeamReport struct {
	Team    string  `json:"team"`
	Jobs    float64 `json:"jobs"`
	CPUTime float64 `json:"cputime"`
	Co2e    float64 `json:"co2e"`
	Cost    float64 `json:"cost"`
}

// TeamsLogin is the reserved report key holding the team-level rollup.
const TeamsLogin = "_"

// Generator builds monthly reports.
type Generator struct {
	policy footprint.Policy
	log    *zap.Logger
}

// NewGenerator creates a generator with the given footprint policy. A nil
// logger disables progress logging.
func NewGenerator(policy footprint.Policy, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{policy: policy, log: log}
}

// Build scans every job active in [from, to) and aggregates per-user
// entries, ranked by CO2e descending. lastJobsUpdate caps the assumed
// runtime of jobs still running.
func (g *Generator) Build(ctx context.Context, jobs *jobstore.Store, from, to time.Time,
	lastJobsUpdate time.Time) (map[string]*UserReport, error) {

	data := make(map[string]*UserReport)
	numJobs := 0

	err := jobs.FindJobs(ctx, from, to, jobstore.Filter{}, func(job *jobmodel.Job) error {
		numJobs++
		if numJobs%progressEvery == 0 {
			g.log.Debug("building report", zap.Int("jobs", numJobs))
		}
		return g.addJob(data, job, from, to, lastJobsUpdate)
	})
	if err != nil {
		return nil, err
	}
	g.log.Debug("report built", zap.Int("jobs", numJobs))

	rank(data)
	return data, nil
}

func (g *Generator) addJob(data map[string]*UserReport, job *jobmodel.Job,
	from, to, lastJobsUpdate time.Time) error {

	if job.StartTime == nil {
		return nil
	}

	cpuEff := job.CPUEfficiency
	if cpuEff > 100 {
		cpuEff = 100
	}
	memLim, memMax, memEff := job.ReconcileMemory()
	memGB := jobmodel.MemoryGB(memLim, memMax)
	powerKW := g.policy.PowerKW(job.Slots, cpuEff, job.Queue, memGB)

	start := *job.StartTime
	var finish time.Time
	switch {
	case job.FinishTime == nil:
		finish = lastJobsUpdate
		if to.Before(finish) {
			finish = to
		}
	case job.FinishTime.Equal(start):
		finish = start.Add(time.Minute)
	default:
		finish = *job.FinishTime
	}

	runtimeMin := finish.Sub(start).Minutes()
	co2e, cost := g.policy.Footprint(powerKW, runtimeMin/60, start)

	// Minutes the job ran inside the month, stepping from the job's own
	// start so sub-minute phase is preserved.
	minutes := minuteSteps(start, finish, to) - minuteSteps(start, from, to)
	if minutes < 0 {
		minutes = 0
	}

	entry, ok := data[job.User]
	if !ok {
		entry = &UserReport{Memory: make([]int, 100)}
		data[job.User] = entry
	}

	entry.Jobs.Total++
	if job.FinishTime != nil {
		ok, err := job.Completed()
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Accession(), err)
		}
		if ok {
			entry.Jobs.Done++
			if memEff != nil && memLim != nil && *memLim >= usage.MinMemReqMB {
				entry.Memory[memPercentile(*memEff)]++
			}
		} else {
			entry.Jobs.Exit++
		}
	}

	if runtimeMin > 0 {
		entry.Co2e += co2e / runtimeMin * float64(minutes)
		entry.Cost += cost / runtimeMin * float64(minutes)
	}
	if job.CPUTime != nil {
		entry.CPUTime += *job.CPUTime
	}
	return nil
}

// minuteSteps counts the whole-minute steps from start that land before
// both bound and limit.
func minuteSteps(start, bound, limit time.Time) int {
	if limit.Before(bound) {
		bound = limit
	}
	d := bound.Sub(start)
	if d <= 0 {
		return 0
	}
	steps := int(d / time.Minute)
	if d%time.Minute != 0 {
		steps++
	}
	return steps
}

func memPercentile(percent float64) int {
	i := int(percent)
	if i < 0 {
		return 0
	}
	if i > 99 {
		return 99
	}
	return i
}

// rank assigns 1-based ranks by CO2e descending and stamps the cluster
// total on every entry. Ties break by login so ranking is deterministic.
func rank(data map[string]*UserReport) {
	var total float64
	logins := make([]string, 0, len(data))
	for login, entry := range data {
		total += entry.Co2e
		logins = append(logins, login)
	}

	sort.Slice(logins, func(i, j int) bool {
		a, b := data[logins[i]], data[logins[j]]
		if a.Co2e != b.Co2e {
			return a.Co2e > b.Co2e
		}
		return logins[i] < logins[j]
	})

	for i, login := range logins {
		data[login].Rank = i + 1
		data[login].TotalCo2e = total
	}
}

// Store persists a month's report: one row per user, plus the team-level
// rollup under the reserved TeamsLogin key. Team membership comes from
// the user metadata already in the usage store.
func Store(ctx context.Context, store *usagestore.Store, month time.Time,
	data map[string]*UserReport) error {

	users, err := store.Users(ctx)
	if err != nil {
		return fmt.Errorf("load users for report: %w", err)
	}

	key := month.Format(usagestore.ReportMonthLayout)
	teams := make(map[string]*TeamReport)

	for login, entry := range data {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode report entry %s: %w", login, err)
		}
		if err := store.UpsertReport(ctx, login, key, encoded); err != nil {
			return err
		}

		user, ok := users[login]
		if !ok || len(user.Teams) == 0 {
			continue
		}
		share := 1 / float64(len(user.Teams))
		for _, name := range user.Teams {
			t, ok := teams[name]
			if !ok {
				t = &TeamReport{Team: name}
				teams[name] = t
			}
			t.Jobs += float64(entry.Jobs.Total) * share
			t.CPUTime += entry.CPUTime * share
			t.Co2e += entry.Co2e * share
			t.Cost += entry.Cost * share
		}
	}

	rollup := make([]*TeamReport, 0, len(teams))
	for _, t := range teams {
		rollup = append(rollup, t)
	}
	sort.Slice(rollup, func(i, j int) bool { return rollup[i].Team < rollup[j].Team })

	encoded, err := json.Marshal(rollup)
	if err != nil {
		return fmt.Errorf("encode team rollup: %w", err)
	}
	return store.UpsertReport(ctx, TeamsLogin, key, encoded)
}

// ResolveMonth turns a month argument (current, previous or YYYY-MM) into
// the month's [from, to) span.
func ResolveMonth(arg string, now time.Time) (from, to time.Time, err error) {
	switch arg {
	case "current":
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case "previous":
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
	default:
		from, err = time.ParseInLocation("2006-01", arg, now.Location())
		if err != nil {
			return from, to, fmt.Errorf("invalid month %q (want current, previous or YYYY-MM)", arg)
		}
	}
	return from, from.AddDate(0, 1, 0), nil
}
