// Package usage aggregates job records into cluster usage statistics.
//
// The pipeline allocates each job's footprint over one-minute buckets,
// rolls the buckets up into 15-minute rows, and annotates each row with
// submission/completion counters and cluster-wide efficiency histograms.
// Rows are written with overwrite semantics, so reprocessing a window is
// idempotent.
package usage

import "time"

// Quarter is the resolution of persisted usage rows.
const Quarter = 15 * time.Minute

// MinMemReqMB is the smallest memory request considered meaningful for
// memory-efficiency statistics. Below it, requests are dominated by
// scheduler defaults and say nothing about the user's sizing.
const MinMemReqMB = 1024

// RuntimeThresholds are the upper bounds, in seconds, of the runtime
// distribution buckets. A final overflow bucket catches longer jobs.
var RuntimeThresholds = []float64{
	60,
	600,
	3600,
	3 * 3600,
	6 * 3600,
	12 * 3600,
	24 * 3600,
	48 * 3600,
	72 * 3600,
	7 * 24 * 3600,
}

// MinuteCell accumulates one user's share of cluster activity during a
// single minute. Additive fields carry 1/runtime fractions so that a job
// contributes exactly its total once summed over the minutes it ran.
type MinuteCell struct {
	Jobs    float64
	Cores   float64
	Memory  float64
	Co2e    float64
	Cost    float64
	CPUTime float64
}

// FailureCounts breaks down failed jobs.
type FailureCounts struct {
	Total int `json:"total"`
	// MemLim counts failures whose peak memory exceeded the request,
	// making an out-of-memory kill the likely cause.
	MemLim int `json:"memlim"`
}

// UserWindowStats are the per-user event counters of one 15-minute
// interval: credited at submission and completion instants rather than
// spread over the job's runtime.
type UserWindowStats struct {
	Submitted int
	Done      int
	Failed    FailureCounts
	// MemEff and CPUEff count completed jobs per 20-percent efficiency band.
	MemEff [5]int
	CPUEff [5]int
}

// UserUsage is one user's entry in a persisted 15-minute row: the summed
// minute cells plus the interval's event counters.
type UserUsage struct {
	Jobs    float64 `json:"jobs"`
	Cores   float64 `json:"cores"`
	Memory  float64 `json:"memory"`
	Co2e    float64 `json:"co2e"`
	Cost    float64 `json:"cost"`
	CPUTime float64 `json:"cputime"`

	Submitted int           `json:"submitted"`
	Done      int           `json:"done"`
	Failed    FailureCounts `json:"failed"`
	MemEff    [5]int        `json:"memeff"`
	CPUEff    [5]int        `json:"cpueff"`
}

// MemEffStats describes how well completed jobs sized their memory
// requests, and what the oversizing cost.
type MemEffStats struct {
	// Dist counts jobs per integer memory-efficiency percentile.
	Dist []int `json:"dist"`
	// Co2e and Cost are the cumulative waste versus a right-sized request
	// (peak usage plus 10% headroom).
	Co2e float64 `json:"co2e"`
	Cost float64 `json:"cost"`
}

// DoneStats aggregates completed jobs over one 15-minute interval.
type DoneStats struct {
	Total int     `json:"total"`
	Co2e  float64 `json:"co2e"`
	// Runtimes counts jobs per RuntimeThresholds bucket, plus overflow.
	Runtimes []int `json:"runtimes"`
	// CPUEff counts jobs per integer CPU-efficiency percentile.
	CPUEff []int       `json:"cpueff"`
	MemEff MemEffStats `json:"memeff"`
}

// More1hStats singles out failures that burned at least an hour of
// runtime before dying.
type More1hStats struct {
	Total int     `json:"total"`
	Co2e  float64 `json:"co2e"`
}

// FailedStats aggregates failed jobs over one 15-minute interval. The
// whole footprint of a failed job is counted as waste.
type FailedStats struct {
	Total  int         `json:"total"`
	Co2e   float64     `json:"co2e"`
	Cost   float64     `json:"cost"`
	MemLim int         `json:"memlim"`
	More1h More1hStats `json:"more1h"`
}

// ClusterStats is the cluster-wide histogram snapshot stored alongside
// each 15-minute row.
type ClusterStats struct {
	Done   DoneStats   `json:"done"`
	Failed FailedStats `json:"failed"`
}

// NewClusterStats returns a zeroed snapshot with its histograms sized.
func NewClusterStats() *ClusterStats {
	return &ClusterStats{
		Done: DoneStats{
			Runtimes: make([]int, len(RuntimeThresholds)+1),
			CPUEff:   make([]int, 100),
			MemEff: MemEffStats{
				Dist: make([]int, 100),
			},
		},
	}
}

// runtimeBucket maps a runtime in seconds to its RuntimeThresholds
// bucket, with the final index as overflow.
func runtimeBucket(seconds float64) int {
	for i, max := range RuntimeThresholds {
		if seconds <= max {
			return i
		}
	}
	return len(RuntimeThresholds)
}

// bandBucket maps an efficiency percentage to one of five 20-point bands.
func bandBucket(percent float64) int {
	switch {
	case percent < 20:
		return 0
	case percent < 40:
		return 1
	case percent < 60:
		return 2
	case percent < 80:
		return 3
	default:
		return 4
	}
}

// percentileBucket maps an efficiency percentage to an integer percentile
// index in [0, 99].
func percentileBucket(percent float64) int {
	i := int(percent)
	if i < 0 {
		return 0
	}
	if i > 99 {
		return 99
	}
	return i
}
