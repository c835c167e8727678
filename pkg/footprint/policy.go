package footprint

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadPolicy reads a footprint policy from a YAML file. Zero-valued model
// parameters fall back to the built-in defaults, and an omitted carbon
// intensity schedule falls back to the default schedule, so a policy file
// may override only the fields it cares about.
//
// Returns an error if:
//   - the file cannot be read
//   - the content is not valid YAML
//   - the intensity schedule is not strictly ascending by effective_from
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Policy{}, fmt.Errorf("policy file not found: %s", path)
		}
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	def := DefaultPolicy()
	if p.PUE == 0 {
		p.PUE = def.PUE
	}
	if p.CPUCoreWatts == 0 {
		p.CPUCoreWatts = def.CPUCoreWatts
	}
	if p.GPUCardWatts == 0 {
		p.GPUCardWatts = def.GPUCardWatts
	}
	if p.MemWattsPerGB == 0 {
		p.MemWattsPerGB = def.MemWattsPerGB
	}
	if p.EnergyCostPerKWh == 0 {
		p.EnergyCostPerKWh = def.EnergyCostPerKWh
	}
	if len(p.CarbonIntensity) == 0 {
		p.CarbonIntensity = def.CarbonIntensity
	}

	if !sort.SliceIsSorted(p.CarbonIntensity, func(i, j int) bool {
		return p.CarbonIntensity[i].EffectiveFrom.Before(p.CarbonIntensity[j].EffectiveFrom)
	}) {
		return Policy{}, fmt.Errorf("policy file %s: carbon_intensity steps must be ascending by effective_from", path)
	}
	for i := 1; i < len(p.CarbonIntensity); i++ {
		if p.CarbonIntensity[i].EffectiveFrom.Equal(p.CarbonIntensity[i-1].EffectiveFrom) {
			return Policy{}, fmt.Errorf("policy file %s: duplicate carbon_intensity effective_from", path)
		}
	}

	return p, nil
}
