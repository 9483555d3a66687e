package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/relay/pkg/logger"
	"github.com/xilidan/relay/services/relay/entity"
)

func newTranscripts() *Transcripts {
	return NewTranscripts(NewClock(DefaultTimestampScale), DefaultEntryDuration, logger.Discard())
}

func TestTranscriptsRelativeOffsets(t *testing.T) {
	tr := newTranscripts()
	alice := &entity.FrameMetadata{UserID: "u-alice", UserName: "Alice"}
	const base = int64(1_700_000_000_000_000)

	require.True(t, tr.Append("s1", []byte("hello"), base, alice))
	require.True(t, tr.Append("s1", []byte("how are you"), base+2_000_000, alice))
	require.True(t, tr.Append("s1", []byte("bye"), base+5_000_000, alice))

	entries := tr.Entries("s1")
	require.Len(t, entries, 3)

	var starts, ends []float64
	for _, e := range entries {
		starts = append(starts, e.Start)
		ends = append(ends, e.End)
		assert.Equal(t, "Alice", e.Speaker)
		require.NotNil(t, e.UserID)
		assert.Equal(t, "u-alice", *e.UserID)
	}
	assert.Equal(t, []float64{0, 2, 5}, starts)
	assert.Equal(t, []float64{2, 4, 7}, ends)
}

func TestTranscriptsEndUsesConfiguredDuration(t *testing.T) {
	tr := NewTranscripts(NewClock(DefaultTimestampScale), 3500*time.Millisecond, logger.Discard())
	require.True(t, tr.Append("s1", []byte("x"), 42, &entity.FrameMetadata{}))

	e := tr.Entries("s1")[0]
	assert.Equal(t, 0.0, e.Start)
	assert.Equal(t, 3.5, e.End)
}

func TestTranscriptsDropsInvalidFrames(t *testing.T) {
	tr := newTranscripts()
	meta := &entity.FrameMetadata{UserName: "Bob"}

	assert.False(t, tr.Append("", []byte("x"), 1, meta))
	assert.False(t, tr.Append("s1", nil, 1, meta))
	assert.False(t, tr.Append("s1", []byte("x"), 0, meta))
	assert.False(t, tr.Append("s1", []byte("x"), 1, nil))
	assert.False(t, tr.Append("s1", []byte("  \n\t "), 1, meta))

	assert.Empty(t, tr.Entries("s1"))
}

func TestTranscriptsBlankTextDoesNotSetOrigin(t *testing.T) {
	tr := newTranscripts()
	meta := &entity.FrameMetadata{}

	tr.Append("s1", []byte("   "), 1_000_000, meta)
	require.True(t, tr.Append("s1", []byte("first"), 4_000_000, meta))

	assert.Equal(t, 0.0, tr.Entries("s1")[0].Start)
}

func TestTranscriptsDefaultsAndTrim(t *testing.T) {
	tr := newTranscripts()
	require.True(t, tr.Append("s1", []byte("  padded  "), 7, &entity.FrameMetadata{}))

	e := tr.Entries("s1")[0]
	assert.Equal(t, entity.UnknownSpeaker, e.Speaker)
	assert.Nil(t, e.UserID)
	assert.Equal(t, "padded", e.Text)
}

func TestTranscriptsForget(t *testing.T) {
	tr := newTranscripts()
	require.True(t, tr.Append("s1", []byte("a"), 10_000_000, &entity.FrameMetadata{}))
	tr.Forget("s1")
	assert.Empty(t, tr.Entries("s1"))

	require.True(t, tr.Append("s1", []byte("b"), 50_000_000, &entity.FrameMetadata{}))
	assert.Equal(t, 0.0, tr.Entries("s1")[0].Start)
}

func TestTranscriptsEntriesIsACopy(t *testing.T) {
	tr := newTranscripts()
	require.True(t, tr.Append("s1", []byte("a"), 1, &entity.FrameMetadata{}))

	got := tr.Entries("s1")
	got[0].Text = "mutated"
	assert.Equal(t, "a", tr.Entries("s1")[0].Text)
}
