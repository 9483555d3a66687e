package rtms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xilidan/relay/services/relay/entity"
)

type Config struct {
	ClientID         string
	ClientSecret     string
	SampleRate       int
	Channels         int
	HandshakeTimeout time.Duration
}

type Metadata struct {
	UserID   string
	UserName string
}

// FrameHandler receives one media frame. size is len(data).
type FrameHandler func(data []byte, size int, timestamp int64, meta Metadata)

type Handlers struct {
	OnTranscript FrameHandler
	OnAudio      FrameHandler
	// OnStreamEnd is called when the platform reports the stream terminated.
	OnStreamEnd func()
}

// Signature signs a handshake: hex(HMAC-SHA256(secret, clientID + "," + meetingUUID + "," + streamID)).
func Signature(clientID, meetingUUID, streamID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(clientID + "," + meetingUUID + "," + streamID))
	return hex.EncodeToString(mac.Sum(nil))
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Client attaches to one meeting stream over a signaling and a media websocket.
type Client struct {
	cfg      Config
	streamID string
	handlers Handlers
	dialer   *websocket.Dialer
	log      *slog.Logger

	mu        sync.Mutex
	signaling *conn
	media     *conn
	left      bool
}

func New(cfg Config, streamID string, handlers Handlers, log *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		streamID: streamID,
		handlers: handlers,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:      log.With(slog.String("stream_id", streamID)),
	}
}

// Join performs the signaling and media handshakes and starts delivering frames to the handlers.
func (c *Client) Join(ctx context.Context, params entity.JoinParams) error {
	if params.ServerURLs == "" {
		return fmt.Errorf("%w: missing server urls", entity.ErrValidation)
	}
	signature := Signature(c.cfg.ClientID, params.MeetingUUID, params.StreamID, c.cfg.ClientSecret)

	c.log.Debug("dialing signaling server", slog.String("url", params.ServerURLs))
	sig, err := c.dial(ctx, params.ServerURLs)
	if err != nil {
		return fmt.Errorf("failed to connect signaling socket: %w", err)
	}

	if err := sig.writeJSON(signalingHandshakeReq{
		MsgType:         msgSignalingHandshakeReq,
		ProtocolVersion: protocolVersion,
		MeetingUUID:     params.MeetingUUID,
		StreamID:        params.StreamID,
		Sequence:        time.Now().UnixNano(),
		Signature:       signature,
	}); err != nil {
		sig.ws.Close()
		return fmt.Errorf("failed to send signaling handshake: %w", err)
	}

	var sresp signalingHandshakeResp
	if err := c.await(ctx, sig, msgSignalingHandshakeResp, &sresp); err != nil {
		sig.ws.Close()
		return err
	}
	if sresp.StatusCode != statusOK {
		sig.ws.Close()
		return fmt.Errorf("signaling handshake rejected: status %d %s", sresp.StatusCode, sresp.Reason)
	}

	mediaURL := firstNonEmpty(sresp.MediaServer.ServerURLs.All, sresp.MediaServer.ServerURLs.Audio, sresp.MediaServer.ServerURLs.Transcript)
	if mediaURL == "" {
		sig.ws.Close()
		return errors.New("signaling handshake returned no media server")
	}

	c.log.Debug("dialing media server", slog.String("url", mediaURL))
	media, err := c.dial(ctx, mediaURL)
	if err != nil {
		sig.ws.Close()
		return fmt.Errorf("failed to connect media socket: %w", err)
	}

	req := dataHandshakeReq{
		MsgType:         msgDataHandshakeReq,
		ProtocolVersion: protocolVersion,
		MeetingUUID:     params.MeetingUUID,
		StreamID:        params.StreamID,
		Signature:       signature,
		MediaType:       mediaAudio | mediaTranscript,
	}
	req.MediaParams.Audio = audioParams{
		ContentType: audioContentRaw,
		SampleRate:  sampleRateCodes[c.cfg.SampleRate],
		Channel:     max(c.cfg.Channels, 1),
		Codec:       audioCodecL16,
		DataOpt:     audioMixedStream,
		SendRate:    audioSendRate,
	}
	if err := media.writeJSON(req); err != nil {
		sig.ws.Close()
		media.ws.Close()
		return fmt.Errorf("failed to send media handshake: %w", err)
	}

	var mresp statusResp
	if err := c.await(ctx, media, msgDataHandshakeResp, &mresp); err != nil {
		sig.ws.Close()
		media.ws.Close()
		return err
	}
	if mresp.StatusCode != statusOK {
		sig.ws.Close()
		media.ws.Close()
		return fmt.Errorf("media handshake rejected: status %d %s", mresp.StatusCode, mresp.Reason)
	}

	if err := sig.writeJSON(clientReadyAck{
		MsgType:    msgClientReadyAck,
		StreamID:   params.StreamID,
		StatusCode: statusOK,
	}); err != nil {
		sig.ws.Close()
		media.ws.Close()
		return fmt.Errorf("failed to send client ready ack: %w", err)
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		sig.ws.Close()
		media.ws.Close()
		return errors.New("client left during join")
	}
	c.signaling, c.media = sig, media
	c.mu.Unlock()

	go c.readLoop("signaling", sig)
	go c.readLoop("media", media)

	c.log.Info("joined stream", slog.String("meeting_uuid", params.MeetingUUID))
	return nil
}

// Leave closes both sockets. It is safe to call more than once and before Join.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	sig, media := c.signaling, c.media
	c.mu.Unlock()

	var errs []error
	for _, cn := range []*conn{media, sig} {
		if cn == nil {
			continue
		}
		if err := cn.close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			errs = append(errs, err)
		}
	}
	c.log.Info("left stream")
	return errors.Join(errs...)
}

func (c *Client) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *Client) dial(ctx context.Context, url string) (*conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws}, nil
}

// await reads messages until one of type want arrives and decodes it into out.
func (c *Client) await(ctx context.Context, cn *conn, want int, out any) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	cn.ws.SetReadDeadline(deadline)
	defer cn.ws.SetReadDeadline(time.Time{})

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed waiting for message %d: %w", want, err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("ignoring malformed message", slog.String("error", err.Error()))
			continue
		}
		if env.MsgType == msgKeepAliveReq {
			c.replyKeepAlive(cn)
			continue
		}
		if env.MsgType != want {
			c.log.Debug("ignoring message during handshake", slog.Int("msg_type", env.MsgType))
			continue
		}
		return json.Unmarshal(raw, out)
	}
}

func (c *Client) readLoop(name string, cn *conn) {
	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if !c.isLeft() {
				c.log.Warn("socket closed", slog.String("socket", name), slog.String("error", err.Error()))
			}
			return
		}
		c.handle(cn, raw)
	}
}

func (c *Client) handle(cn *conn, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("ignoring malformed message", slog.String("error", err.Error()))
		return
	}

	switch env.MsgType {
	case msgKeepAliveReq:
		c.replyKeepAlive(cn)
	case msgMediaAudio, msgMediaTranscript:
		var msg mediaMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("ignoring malformed media frame", slog.String("error", err.Error()))
			return
		}
		handler := c.handlers.OnAudio
		if env.MsgType == msgMediaTranscript {
			handler = c.handlers.OnTranscript
		}
		if handler == nil {
			return
		}
		meta := Metadata{UserID: string(msg.Content.UserID), UserName: msg.Content.UserName}
		c.deliver(func() {
			handler(msg.Content.Data, len(msg.Content.Data), msg.Content.Timestamp, meta)
		})
	case msgStreamStateUpdate, msgSessionStateUpdate:
		var upd stateUpdate
		if err := json.Unmarshal(raw, &upd); err != nil {
			return
		}
		c.log.Info("stream state update",
			slog.Int("msg_type", upd.MsgType),
			slog.Int("state", upd.State),
			slog.Int("reason", upd.Reason))
		if upd.MsgType == msgStreamStateUpdate && upd.State == streamStateTerminated && c.handlers.OnStreamEnd != nil {
			c.deliver(c.handlers.OnStreamEnd)
		}
	default:
		c.log.Debug("ignoring message", slog.Int("msg_type", env.MsgType))
	}
}

func (c *Client) replyKeepAlive(cn *conn) {
	if err := cn.writeJSON(keepAlive{MsgType: msgKeepAliveResp, Timestamp: time.Now().UnixMilli()}); err != nil {
		c.log.Warn("failed to answer keep-alive", slog.String("error", err.Error()))
	}
}

// deliver runs a user callback and keeps panics from reaching the read loop.
func (c *Client) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
