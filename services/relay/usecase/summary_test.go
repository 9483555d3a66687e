package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xilidan/relay/services/relay/entity"
)

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, []string{}, s.Participants)
	assert.Zero(t, s.StartTime)
	assert.Zero(t, s.EndTime)
	assert.Zero(t, s.Duration)
	assert.Zero(t, s.TotalMessages)
}

func TestSummarizeDistinctSpeakersInOrder(t *testing.T) {
	s := Summarize([]entity.TranscriptEntry{
		{Speaker: "Bob", Start: 0, End: 2},
		{Speaker: "Alice", Start: 1, End: 3},
		{Speaker: "Bob", Start: 4.2, End: 6.6},
	})
	assert.Equal(t, []string{"Bob", "Alice"}, s.Participants)
	assert.Equal(t, 0.0, s.StartTime)
	assert.Equal(t, 6.6, s.EndTime)
	assert.Equal(t, 7, s.Duration)
	assert.Equal(t, 3, s.TotalMessages)
}

func TestSummarizeDurationNeverNegative(t *testing.T) {
	s := Summarize([]entity.TranscriptEntry{
		{Speaker: "A", Start: 10, End: 12},
		{Speaker: "A", Start: -5, End: -3},
	})
	assert.Equal(t, 0, s.Duration)
}
