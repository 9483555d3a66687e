package rtms

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Message types of the signaling and media websocket protocol.
const (
	msgSignalingHandshakeReq  = 1
	msgSignalingHandshakeResp = 2
	msgDataHandshakeReq       = 3
	msgDataHandshakeResp      = 4
	msgClientReadyAck         = 7
	msgStreamStateUpdate      = 8
	msgSessionStateUpdate     = 9
	msgKeepAliveReq           = 12
	msgKeepAliveResp          = 13
	msgMediaAudio             = 14
	msgMediaTranscript        = 17
)

const (
	protocolVersion = 1
	statusOK        = 0

	mediaAudio      = 1
	mediaTranscript = 8

	audioContentRaw  = 2
	audioCodecL16    = 1
	audioMixedStream = 1
	audioSendRate    = 100
)

// Stream state values carried by msgStreamStateUpdate.
const (
	streamStateTerminated = 4
)

var sampleRateCodes = map[int]int{
	8000:  0,
	16000: 1,
	32000: 2,
	48000: 3,
}

type envelope struct {
	MsgType int `json:"msg_type"`
}

type signalingHandshakeReq struct {
	MsgType         int    `json:"msg_type"`
	ProtocolVersion int    `json:"protocol_version"`
	MeetingUUID     string `json:"meeting_uuid"`
	StreamID        string `json:"rtms_stream_id"`
	Sequence        int64  `json:"sequence"`
	Signature       string `json:"signature"`
}

type serverURLs struct {
	Audio      string `json:"audio"`
	Transcript string `json:"transcript"`
	All        string `json:"all"`
}

type signalingHandshakeResp struct {
	MsgType     int    `json:"msg_type"`
	StatusCode  int    `json:"status_code"`
	Reason      string `json:"reason"`
	MediaServer struct {
		ServerURLs serverURLs `json:"server_urls"`
	} `json:"media_server"`
}

type audioParams struct {
	ContentType int `json:"content_type"`
	SampleRate  int `json:"sample_rate"`
	Channel     int `json:"channel"`
	Codec       int `json:"codec"`
	DataOpt     int `json:"data_opt"`
	SendRate    int `json:"send_rate"`
}

type dataHandshakeReq struct {
	MsgType           int    `json:"msg_type"`
	ProtocolVersion   int    `json:"protocol_version"`
	MeetingUUID       string `json:"meeting_uuid"`
	StreamID          string `json:"rtms_stream_id"`
	Signature         string `json:"signature"`
	MediaType         int    `json:"media_type"`
	PayloadEncryption bool   `json:"payload_encryption"`
	MediaParams       struct {
		Audio audioParams `json:"audio"`
	} `json:"media_params"`
}

type statusResp struct {
	MsgType    int    `json:"msg_type"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason"`
}

type clientReadyAck struct {
	MsgType    int    `json:"msg_type"`
	StreamID   string `json:"rtms_stream_id"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason"`
}

type keepAlive struct {
	MsgType   int   `json:"msg_type"`
	Timestamp int64 `json:"timestamp"`
}

type stateUpdate struct {
	MsgType int `json:"msg_type"`
	State   int `json:"state"`
	Reason  int `json:"reason"`
}

type mediaContent struct {
	UserID    flexString `json:"user_id"`
	UserName  string     `json:"user_name"`
	Data      []byte     `json:"data"`
	Timestamp int64      `json:"timestamp"`
}

type mediaMessage struct {
	MsgType int          `json:"msg_type"`
	Content mediaContent `json:"content"`
}

// flexString accepts either a JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
