package usecase

import (
	"math"

	"github.com/xilidan/relay/services/relay/entity"
)

// Summarize derives the meeting summary from transcript entries in arrival order.
func Summarize(entries []entity.TranscriptEntry) entity.MeetingSummary {
	summary := entity.MeetingSummary{
		Participants:  []string{},
		TotalMessages: len(entries),
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Speaker]; ok {
			continue
		}
		seen[e.Speaker] = struct{}{}
		summary.Participants = append(summary.Participants, e.Speaker)
	}

	if len(entries) > 0 {
		summary.StartTime = entries[0].Start
		summary.EndTime = entries[len(entries)-1].End
	}
	summary.Duration = max(int(math.Round(summary.EndTime-summary.StartTime)), 0)
	return summary
}
