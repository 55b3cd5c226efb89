package features

import "github.com/linnemanlabs/threatwatch/internal/event"

// Summary aggregates a batch of extracted events.
type Summary struct {
	TotalEvents       int            `json:"total_events"`
	Sources           map[string]int `json:"sources"`
	FailureRate       float64        `json:"failure_rate"`
	AvgMaliciousScore float64        `json:"avg_malicious_score"`
	SuspiciousAgents  int            `json:"suspicious_agents"`
	AfterHoursEvents  int            `json:"after_hours_events"`
	WeekendEvents     int            `json:"weekend_events"`
}

// Summarize computes batch statistics. events and sets are paired by index;
// extra entries on either side are ignored.
func Summarize(events []event.RawEvent, sets []Set) Summary {
	n := min(len(events), len(sets))
	sum := Summary{TotalEvents: n, Sources: make(map[string]int)}
	if n == 0 {
		return sum
	}

	var failures, malicious float64
	for i := range n {
		set := sets[i]
		sum.Sources[events[i].SourceName()]++
		failures += set[IsFailure]
		malicious += set[OverallMaliciousScore]
		if set[IsSuspiciousAgent] > 0 {
			sum.SuspiciousAgents++
		}
		if set[IsNight] > 0 {
			sum.AfterHoursEvents++
		}
		if set[IsWeekend] > 0 {
			sum.WeekendEvents++
		}
	}
	sum.FailureRate = failures / float64(n)
	sum.AvgMaliciousScore = malicious / float64(n)
	return sum
}
