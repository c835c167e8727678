package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/pkg/footprint"
	"github.com/3leaps/hpcmeter/pkg/jobmodel"
	"github.com/3leaps/hpcmeter/pkg/jobstore"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// progressEvery controls how often window workers log progress.
const progressEvery = 100_000

// Engine turns job records into usage rows.
type Engine struct {
	policy footprint.Policy
	log    *zap.Logger
}

// NewEngine creates an engine with the given footprint policy. A nil
// logger disables progress logging.
func NewEngine(policy footprint.Policy, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{policy: policy, log: log}
}

// window holds the in-progress aggregation state for one [from, to) span.
// Per-user slices are allocated on first touch: most known users are idle
// in any given window.
type window struct {
	from, to time.Time
	minutes  int
	quarters int
	users    *UserIndex

	cells   map[int][]MinuteCell
	stats   map[int][]UserWindowStats
	cluster []*ClusterStats
}

func newWindow(from, to time.Time, users *UserIndex) (*window, error) {
	span := to.Sub(from)
	if span <= 0 {
		return nil, fmt.Errorf("invalid window: %s is not before %s", from, to)
	}
	if span%Quarter != 0 {
		return nil, fmt.Errorf("window %s is not a whole number of %s intervals", span, Quarter)
	}

	w := &window{
		from:     from,
		to:       to,
		minutes:  int(span / time.Minute),
		quarters: int(span / Quarter),
		users:    users,
		cells:    make(map[int][]MinuteCell),
		stats:    make(map[int][]UserWindowStats),
		cluster:  make([]*ClusterStats, int(span/Quarter)),
	}
	for i := range w.cluster {
		w.cluster[i] = NewClusterStats()
	}
	return w, nil
}

func (w *window) userCells(j int) []MinuteCell {
	cells, ok := w.cells[j]
	if !ok {
		cells = make([]MinuteCell, w.minutes)
		w.cells[j] = cells
	}
	return cells
}

func (w *window) userStats(j int) []UserWindowStats {
	stats, ok := w.stats[j]
	if !ok {
		stats = make([]UserWindowStats, w.quarters)
		w.stats[j] = stats
	}
	return stats
}

// ProcessWindow aggregates every job active in [from, to) into usage rows,
// one per 15-minute interval. It returns the rows and the number of jobs
// visited.
//
// lastJobsUpdate caps the assumed runtime of jobs that have not finished:
// a running job is only known to have run until the job store was last
// refreshed.
func (e *Engine) ProcessWindow(ctx context.Context, jobs *jobstore.Store, from, to time.Time,
	users *UserIndex, lastJobsUpdate time.Time) ([]usagestore.Row, int, error) {

	w, err := newWindow(from, to, users)
	if err != nil {
		return nil, 0, err
	}

	label := fmt.Sprintf("%s - %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	numJobs := 0
	err = jobs.FindJobs(ctx, from, to, jobstore.Filter{}, func(job *jobmodel.Job) error {
		numJobs++
		if numJobs%progressEvery == 0 {
			e.log.Debug("processing jobs",
				zap.String("window", label),
				zap.Int("jobs", numJobs))
		}
		return e.processJob(w, job, lastJobsUpdate)
	})
	if err != nil {
		return nil, numJobs, err
	}

	rows, err := w.rows()
	if err != nil {
		return nil, numJobs, err
	}
	return rows, numJobs, nil
}

func (e *Engine) processJob(w *window, job *jobmodel.Job, lastJobsUpdate time.Time) error {
	if job.StartTime == nil {
		// Pending jobs hold no resources yet.
		return nil
	}
	j := w.users.Add(job.User)

	cpuEff := job.CPUEfficiency
	if cpuEff > 100 {
		cpuEff = 100
	}
	memLim, memMax, memEff := job.ReconcileMemory()
	memGB := jobmodel.MemoryGB(memLim, memMax)
	powerKW := e.policy.PowerKW(job.Slots, cpuEff, job.Queue, memGB)

	start := *job.StartTime
	var finish time.Time
	switch {
	case job.FinishTime == nil:
		finish = lastJobsUpdate
		if w.to.Before(finish) {
			finish = w.to
		}
	case job.FinishTime.Equal(start):
		// Sub-minute job: pad to one minute so it lands in a bucket.
		finish = start.Add(time.Minute)
	default:
		finish = *job.FinishTime
	}

	runtimeMin := finish.Sub(start).Minutes()
	co2e, cost := e.policy.Footprint(powerKW, runtimeMin/60, start)
	var cpuTime float64
	if job.CPUTime != nil {
		cpuTime = *job.CPUTime
	}

	// Advance the allocation start into the window by whole minutes,
	// preserving the sub-minute phase of the original start time.
	allocStart := start
	if allocStart.Before(w.from) {
		d := w.from.Sub(allocStart)
		steps := d / time.Minute
		if d%time.Minute != 0 {
			steps++
		}
		allocStart = allocStart.Add(steps * time.Minute)
	}

	if runtimeMin > 0 {
		d := allocStart.Sub(w.from)
		i := int(d / time.Minute)
		if d%time.Minute != 0 {
			i++
		}

		var cells []MinuteCell
		for ; i < w.minutes && w.from.Add(time.Duration(i)*time.Minute).Before(finish); i++ {
			if cells == nil {
				cells = w.userCells(j)
			}
			cell := &cells[i]
			cell.Jobs += 1 / runtimeMin
			cell.Cores += float64(job.Slots)
			cell.Memory += memGB
			cell.Co2e += co2e / runtimeMin
			cell.Cost += cost / runtimeMin
			cell.CPUTime += cpuTime / runtimeMin
		}
	}

	if !job.SubmitTime.Before(w.from) {
		if q := int(job.SubmitTime.Sub(w.from) / Quarter); q >= 0 && q < w.quarters {
			w.userStats(j)[q].Submitted++
		}
	}

	if job.FinishTime == nil || !finish.Before(w.to) {
		return nil
	}

	// The job completed inside this window: credit its whole lifetime to
	// the interval it finished in.
	q := int(finish.Sub(w.from) / Quarter)
	if q < 0 || q >= w.quarters {
		return nil
	}

	runtimeSec := finish.Sub(start).Seconds()
	totalCo2e, totalCost := e.policy.Footprint(powerKW, runtimeSec/3600, start)

	ok, err := job.Completed()
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Accession(), err)
	}

	stats := w.userStats(j)
	cluster := w.cluster[q]
	if ok {
		stats[q].Done++

		useMemEff := memEff != nil && memLim != nil && *memLim >= MinMemReqMB
		if useMemEff {
			stats[q].MemEff[bandBucket(*memEff)]++
		}
		stats[q].CPUEff[bandBucket(cpuEff)]++

		cluster.Done.Total++
		cluster.Done.Co2e += totalCo2e
		if useMemEff {
			cluster.Done.MemEff.Dist[percentileBucket(*memEff)]++
		}
		cluster.Done.CPUEff[percentileBucket(cpuEff)]++
		cluster.Done.Runtimes[runtimeBucket(runtimeSec)]++

		if useMemEff {
			// Counterfactual footprint with a right-sized memory request:
			// peak usage plus 10% headroom. The delta is the waste.
			rightMemGB := memGB * *memEff / 100 * 1.1
			rightPowerKW := powerKW - e.policy.MemPowerKW(memGB) + e.policy.MemPowerKW(rightMemGB)
			rightCo2e, rightCost := e.policy.Footprint(rightPowerKW, runtimeSec/3600, start)
			cluster.Done.MemEff.Co2e += totalCo2e - rightCo2e
			cluster.Done.MemEff.Cost += totalCost - rightCost
		}
	} else {
		stats[q].Failed.Total++
		cluster.Failed.Total++
		cluster.Failed.Co2e += totalCo2e
		cluster.Failed.Cost += totalCost

		if runtimeSec >= 3600 {
			cluster.Failed.More1h.Total++
			cluster.Failed.More1h.Co2e += totalCo2e
		}
		if memMax != nil && memLim != nil && *memMax > *memLim {
			stats[q].Failed.MemLim++
			cluster.Failed.MemLim++
		}
	}

	return nil
}
