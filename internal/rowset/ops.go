package rowset

import (
	"sort"
	"time"
)

// Concat appends the given slices into a fresh one.
func Concat(sets ...[]Observation) []Observation {
	total := 0
	for _, s := range sets {
		total += len(s)
	}
	out := make([]Observation, 0, total)
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// GroupBySeries splits rows by internal_series_code, preserving row order
// inside each group. Group iteration order is up to the caller; SeriesCodes
// gives a sorted list.
func GroupBySeries(rows []Observation) map[string][]Observation {
	groups := make(map[string][]Observation)
	for _, r := range rows {
		groups[r.SeriesCode] = append(groups[r.SeriesCode], r)
	}
	return groups
}

// SeriesCodes returns the sorted group keys of GroupBySeries.
func SeriesCodes(groups map[string][]Observation) []string {
	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// SortByVersionDesc orders rows newest version first. Version stamps sort
// lexicographically in chronological order, and the sort is stable so rows
// within one version keep their relative order.
func SortByVersionDesc(rows []Observation) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Version > rows[j].Version
	})
}

// DedupeByKey drops rows whose key columns repeat an earlier row, keeping
// the first occurrence.
func DedupeByKey(rows []Observation, keys []string) ([]Observation, error) {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		k, err := r.KeyString(keys)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// MaxObsTime returns the latest obs_time across rows; ok is false when no
// row carries one.
func MaxObsTime(rows []Observation) (time.Time, bool) {
	var max time.Time
	found := false
	for _, r := range rows {
		if r.ObsTime.IsZero() {
			continue
		}
		if !found || r.ObsTime.After(max) {
			max = r.ObsTime
			found = true
		}
	}
	return max, found
}

// Months returns the distinct partition months across rows, ascending.
// Undated rows are skipped.
func Months(rows []Observation) []Month {
	seen := make(map[Month]struct{})
	for _, r := range rows {
		if m, ok := r.PartitionMonth(); ok {
			seen[m] = struct{}{}
		}
	}
	months := make([]Month, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}

// PartitionByMonth splits rows into their partition months plus the undated
// remainder.
func PartitionByMonth(rows []Observation) (map[Month][]Observation, []Observation) {
	parts := make(map[Month][]Observation)
	var undated []Observation
	for _, r := range rows {
		m, ok := r.PartitionMonth()
		if !ok {
			undated = append(undated, r)
			continue
		}
		parts[m] = append(parts[m], r)
	}
	return parts, undated
}
