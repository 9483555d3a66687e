package storage

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xilidan/relay/services/relay/entity"
)

// DefaultEntryDuration approximates the length of one transcript entry. Frames carry no end timestamp,
// so entry ends are start + this value and are not real speech boundaries.
const DefaultEntryDuration = 2 * time.Second

// Transcripts keeps the ordered transcript entries of every session in memory until Forget.
type Transcripts struct {
	clock    *Clock
	duration float64
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string][]entity.TranscriptEntry
}

func NewTranscripts(clock *Clock, entryDuration time.Duration, log *slog.Logger) *Transcripts {
	if entryDuration <= 0 {
		entryDuration = DefaultEntryDuration
	}
	return &Transcripts{
		clock:    clock,
		duration: entryDuration.Seconds(),
		log:      log,
		entries:  make(map[string][]entity.TranscriptEntry),
	}
}

// Append adds one transcript fragment and reports whether it was kept.
// Fragments with a missing id, text, timestamp or metadata, or with blank text, are dropped.
func (t *Transcripts) Append(id string, data []byte, raw int64, meta *entity.FrameMetadata) bool {
	if id == "" || len(data) == 0 || raw == 0 || meta == nil {
		t.log.Debug("invalid transcription data received, skipping", slog.String("stream_id", id))
		return false
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		t.log.Debug("empty transcription data, skipping", slog.String("stream_id", id))
		return false
	}

	t.clock.Origin(id, raw)
	start, err := t.clock.Relative(id, raw)
	if err != nil {
		t.log.Error("failed to compute relative time",
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
		return false
	}

	entry := entity.TranscriptEntry{
		Speaker: entity.UnknownSpeaker,
		Text:    text,
		Start:   start,
		End:     start + t.duration,
	}
	if meta.UserID != "" {
		userID := meta.UserID
		entry.UserID = &userID
	}
	if meta.UserName != "" {
		entry.Speaker = meta.UserName
	}

	t.mu.Lock()
	t.entries[id] = append(t.entries[id], entry)
	t.mu.Unlock()

	t.log.Debug("transcription added",
		slog.String("stream_id", id),
		slog.String("speaker", entry.Speaker),
		slog.Float64("start", entry.Start))
	return true
}

// Entries returns a copy of the entries for id in arrival order.
func (t *Transcripts) Entries(id string) []entity.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.entries[id]
	out := make([]entity.TranscriptEntry, len(src))
	copy(out, src)
	return out
}

func (t *Transcripts) Forget(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
	t.clock.Forget(id)
}
