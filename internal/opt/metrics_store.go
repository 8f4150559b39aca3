package opt

import (
	"sort"
	"sync"
)

// RunKind names the kind of optimization run recorded for a day.
type RunKind string

const (
	RunDaily      RunKind = "daily"
	RunReoptimize RunKind = "reoptimize"
	RunEmergency  RunKind = "emergency"
)

type runKey struct {
	Day  string
	Kind RunKind
}

var (
	runsMu sync.Mutex
	runs   = map[runKey]Metrics{}
)

// RecordMetrics keeps the latest metrics for (day, kind). day is YYYY-MM-DD.
func RecordMetrics(day string, kind RunKind, m Metrics) {
	runsMu.Lock()
	runs[runKey{Day: day, Kind: kind}] = m
	runsMu.Unlock()
}

func GetMetrics(day string) map[RunKind]Metrics {
	runsMu.Lock()
	defer runsMu.Unlock()
	out := map[RunKind]Metrics{}
	for k, v := range runs {
		if k.Day == day {
			out[k.Kind] = v
		}
	}
	return out
}

// RecordedDays lists the days with at least one recorded run, oldest first.
func RecordedDays() []string {
	runsMu.Lock()
	defer runsMu.Unlock()
	seen := map[string]bool{}
	var days []string
	for k := range runs {
		if !seen[k.Day] {
			seen[k.Day] = true
			days = append(days, k.Day)
		}
	}
	sort.Strings(days)
	return days
}
