// Package footprint estimates the energy use, carbon footprint and monetary
// cost of cluster jobs.
//
// The model is deliberately an estimate, not a metered value: power draw is
// derived from core counts, utilization percentages and reserved memory
// using fixed per-component figures (green-algorithms.org), multiplied by a
// data-centre PUE overhead. Missing inputs contribute zero; the model never
// fails on absent data.
package footprint

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Default model constants.
const (
	// DefaultPUE is the power-usage-effectiveness overhead multiplier.
	DefaultPUE = 1.2
	// DefaultCPUCoreWatts is per-core power draw (Intel Gold 6252).
	DefaultCPUCoreWatts = 6.3
	// DefaultGPUCardWatts is per-card power draw (NVIDIA Tesla V100).
	DefaultGPUCardWatts = 300
	// DefaultMemWattsPerGB is memory power draw per reserved GB.
	DefaultMemWattsPerGB = 0.3725
	// DefaultEnergyCostPerKWh is the electricity price per kWh.
	DefaultEnergyCostPerKWh = 0.34
)

// gpuQueueMarker identifies GPU queues. Jobs on such queues are assumed to
// hold one card at full utilization, since the scheduler does not report
// card counts or GPU efficiency.
const gpuQueueMarker = "gpu"

// IntensityStep is one revision of the grid carbon intensity. The step is
// effective from EffectiveFrom (inclusive) until the next step, so a
// revision is an addition to the schedule, not a code edit.
type IntensityStep struct {
	EffectiveFrom time.Time `yaml:"effective_from"`
	GramsPerKWh   float64   `yaml:"grams_per_kwh"`
}

// Policy bundles the footprint model parameters.
type Policy struct {
	PUE              float64 `yaml:"pue"`
	CPUCoreWatts     float64 `yaml:"cpu_core_watts"`
	GPUCardWatts     float64 `yaml:"gpu_card_watts"`
	MemWattsPerGB    float64 `yaml:"mem_watts_per_gb"`
	EnergyCostPerKWh float64 `yaml:"energy_cost_per_kwh"`

	// CarbonIntensity is the intensity revision schedule, ascending by
	// EffectiveFrom. The first step's EffectiveFrom may be the zero time.
	CarbonIntensity []IntensityStep `yaml:"carbon_intensity"`
}

// DefaultPolicy returns the built-in model: UK grid intensity 231.12
// gCO2e/kWh until the 2024-01-01 revision to 207.07.
func DefaultPolicy() Policy {
	return Policy{
		PUE:              DefaultPUE,
		CPUCoreWatts:     DefaultCPUCoreWatts,
		GPUCardWatts:     DefaultGPUCardWatts,
		MemWattsPerGB:    DefaultMemWattsPerGB,
		EnergyCostPerKWh: DefaultEnergyCostPerKWh,
		CarbonIntensity: []IntensityStep{
			{EffectiveFrom: time.Time{}, GramsPerKWh: 231.12},
			{EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), GramsPerKWh: 207.07},
		},
	}
}

// IntensityAt returns the carbon intensity in effect at t. The lookup is a
// binary search over the revision schedule; a step applies from its
// EffectiveFrom instant inclusive.
func (p Policy) IntensityAt(t time.Time) float64 {
	steps := p.CarbonIntensity
	if len(steps) == 0 {
		return 0
	}
	// First index whose EffectiveFrom is after t; the step before it applies.
	i := sort.Search(len(steps), func(i int) bool {
		return steps[i].EffectiveFrom.After(t)
	})
	if i == 0 {
		return steps[0].GramsPerKWh
	}
	return steps[i-1].GramsPerKWh
}

// Footprint converts a power draw sustained over a duration into CO2e grams
// and cost. The occurrence time selects the carbon-intensity revision.
func (p Policy) Footprint(powerKW, hours float64, at time.Time) (co2eGrams, cost float64) {
	energy := powerKW * hours * p.PUE
	return energy * p.IntensityAt(at), energy * p.EnergyCostPerKWh
}

// PowerKW estimates a job's electrical draw in kW from its core count, CPU
// efficiency (percent, clamped to [0, 100]), queue name and reconciled
// memory reservation in GB.
func (p Policy) PowerKW(slots int, cpuEfficiency float64, queue string, memGB float64) float64 {
	eff := math.Max(0, math.Min(cpuEfficiency, 100))
	watts := float64(slots) * (eff / 100) * p.CPUCoreWatts
	if strings.Contains(queue, gpuQueueMarker) {
		// Card count and GPU efficiency are unknown: assume one card, fully used.
		watts += p.GPUCardWatts
	}
	watts += memGB * p.MemWattsPerGB
	return watts / 1000
}

// MemPowerKW returns the memory-only draw in kW for a reservation of memGB.
// Used for counterfactual (right-sized request) footprints.
func (p Policy) MemPowerKW(memGB float64) float64 {
	return memGB * p.MemWattsPerGB / 1000
}
