package entity

// Event is one of Started, Stopped, TranscriptFrame or AudioFrame.
type Event interface {
	SessionID() string
	isEvent()
}

// JoinParams carries what the streaming client needs to attach to a session.
type JoinParams struct {
	MeetingUUID string
	StreamID    string
	ServerURLs  string
}

type Started struct {
	StreamID string
	Join     JoinParams
	Context  Context
}

type Stopped struct {
	StreamID  string
	MeetingID string
}

type TranscriptFrame struct {
	StreamID  string
	Data      []byte
	Size      int
	Timestamp int64
	Metadata  *FrameMetadata
}

type AudioFrame struct {
	StreamID  string
	Data      []byte
	Size      int
	Timestamp int64
	Metadata  *FrameMetadata
}

func (e Started) SessionID() string         { return e.StreamID }
func (e Stopped) SessionID() string         { return e.StreamID }
func (e TranscriptFrame) SessionID() string { return e.StreamID }
func (e AudioFrame) SessionID() string      { return e.StreamID }

func (Started) isEvent()         {}
func (Stopped) isEvent()         {}
func (TranscriptFrame) isEvent() {}
func (AudioFrame) isEvent()      {}
