package credits

import "time"

// UsageStats totals charged credits.
type UsageStats struct {
	TotalUsed int64            `json:"total_used"`
	ByAction  map[string]int64 `json:"by_action"`
	Count     int              `json:"count"`
}

// SummarizeUsage totals entries recorded at or after since. A zero since
// counts everything. Entries without an action are filed under "other".
func SummarizeUsage(entries []UsageEntry, since time.Time) UsageStats {
	stats := UsageStats{ByAction: make(map[string]int64)}
	for _, e := range entries {
		if !since.IsZero() && e.At.Before(since) {
			continue
		}
		action := e.Action
		if action == "" {
			action = "other"
		}
		stats.TotalUsed += e.Charged
		stats.ByAction[action] += e.Charged
		stats.Count++
	}
	return stats
}
