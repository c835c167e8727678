package usage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// minutesPerQuarter is how many minute cells fold into one row.
const minutesPerQuarter = int(Quarter / time.Minute)

// mergeQuarter folds 15 minute cells into a user's row entry: counters
// and footprint sum, while occupancy (cores, memory) takes the peak
// minute. Sub-minute phases of concurrent jobs would otherwise inflate
// occupancy beyond what the cluster ever held at once.
func mergeQuarter(entry *UserUsage, cells []MinuteCell) {
	for _, c := range cells {
		if c.Jobs == 0 {
			continue
		}
		entry.Jobs += c.Jobs
		entry.Cores = math.Max(entry.Cores, c.Cores)
		entry.Memory = math.Max(entry.Memory, c.Memory)
		entry.Co2e += c.Co2e
		entry.Cost += c.Cost
		entry.CPUTime += c.CPUTime
	}
}

// rows serializes the window into persisted form, one row per 15-minute
// interval. Users with no running minutes in an interval are left out of
// its row entirely; rows are dense in time but sparse in users.
func (w *window) rows() ([]usagestore.Row, error) {
	rows := make([]usagestore.Row, 0, w.quarters)

	for q := 0; q < w.quarters; q++ {
		data := make(map[string]*UserUsage)

		lo := q * minutesPerQuarter
		hi := lo + minutesPerQuarter
		if hi > w.minutes {
			hi = w.minutes
		}

		for j, cells := range w.cells {
			active := false
			for _, c := range cells[lo:hi] {
				if c.Jobs != 0 {
					active = true
					break
				}
			}
			if !active {
				continue
			}

			entry := &UserUsage{}
			if stats, ok := w.stats[j]; ok {
				entry.Submitted = stats[q].Submitted
				entry.Done = stats[q].Done
				entry.Failed = stats[q].Failed
				entry.MemEff = stats[q].MemEff
				entry.CPUEff = stats[q].CPUEff
			}
			mergeQuarter(entry, cells[lo:hi])
			data[w.users.Login(j)] = entry
		}

		usersData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode user data: %w", err)
		}
		jobsData, err := json.Marshal(w.cluster[q])
		if err != nil {
			return nil, fmt.Errorf("encode cluster data: %w", err)
		}

		rows = append(rows, usagestore.Row{
			Time:      w.from.Add(time.Duration(q) * Quarter).Format(usagestore.KeyLayout),
			UsersData: usersData,
			JobsData:  jobsData,
		})
	}

	return rows, nil
}
