package entity

import "time"

// UnknownSpeaker is the display name used when a transcript frame carries no user name.
const UnknownSpeaker = "Unknown"

// Context attributes a session to a backend user. UserID is required for finalization.
type Context struct {
	UserID     string `json:"userId,omitempty"`
	OperatorID string `json:"operatorId,omitempty"`
}

// Merge returns c with the non-empty fields of other applied on top.
func (c Context) Merge(other Context) Context {
	if other.UserID != "" {
		c.UserID = other.UserID
	}
	if other.OperatorID != "" {
		c.OperatorID = other.OperatorID
	}
	return c
}

// FrameMetadata is the per-frame speaker information delivered by the streaming client.
type FrameMetadata struct {
	UserID   string
	UserName string
}

type TranscriptEntry struct {
	UserID  *string `json:"userId"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// MeetingSummary is derived from the transcript at the end of a session.
type MeetingSummary struct {
	Participants  []string
	StartTime     float64
	EndTime       float64
	Duration      int
	TotalMessages int
}

// MeetingData is the notification payload sent to the backend.
type MeetingData struct {
	ProcessingID        string            `json:"processingId"`
	StreamID            string            `json:"streamId"`
	MeetingUUID         string            `json:"meetingUuid"`
	ZoomUserID          string            `json:"zoomUserId"`
	AudioURL            string            `json:"audioUrl"`
	TranscriptionResult []TranscriptEntry `json:"transcriptionResult"`
	Duration            int               `json:"duration"`
	Participants        int               `json:"participants"`
	ParticipantsList    []string          `json:"participantsList"`
	ProcessedAt         string            `json:"processedAt"`
	OperatorID          *string           `json:"operatorId"`
}

// ProcessingStatus is the outcome recorded for one end-of-session run.
type ProcessingStatus string

const (
	ProcessingSucceeded ProcessingStatus = "succeeded"
	ProcessingFailed    ProcessingStatus = "failed"
)

type ProcessingRecord struct {
	ProcessingID string
	StreamID     string
	MeetingID    string
	UserID       string
	Status       ProcessingStatus
	Error        string
	AudioURL     string
	Duration     int
	Participants int
	ProcessedAt  time.Time
}

type ProcessMeetingEndRequest struct {
	StreamID  string
	MeetingID string
	Context   Context
}

type ProcessMeetingEndResponse struct {
	ProcessingID string
	AudioURL     string
	Summary      MeetingSummary
	Ack          map[string]any
}
