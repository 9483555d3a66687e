package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xilidan/relay/gateways/relay/clients/rtms"
	"github.com/xilidan/relay/gateways/relay/metrics"
	"github.com/xilidan/relay/services/relay/entity"
	"github.com/xilidan/relay/services/relay/storage"
	"github.com/xilidan/relay/services/relay/usecase"
)

// StreamClient is a streaming client bound to one session.
type StreamClient interface {
	Join(ctx context.Context, params entity.JoinParams) error
	Leave(ctx context.Context) error
}

// ClientFactory builds the client of a session. The handlers route frames back into the monitor.
type ClientFactory func(streamID string, handlers rtms.Handlers) StreamClient

type Config struct {
	MailboxSize  int
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
}

type Deps struct {
	Config      Config
	Registry    storage.Registry
	Transcripts *storage.Transcripts
	Sinks       *storage.AudioSinks
	Usecase     usecase.Usecase
	NewClient   ClientFactory
	Metrics     *metrics.Metrics
	// BaseContext is the parent of every pipeline run. Defaults to context.Background.
	BaseContext context.Context
	Log         *slog.Logger
}

// MeetingMonitor drives the lifecycle of meeting sessions. Each registered session has a single
// worker goroutine that applies its frames and its stop event in arrival order.
type MeetingMonitor struct {
	cfg         Config
	registry    storage.Registry
	transcripts *storage.Transcripts
	sinks       *storage.AudioSinks
	usecase     usecase.Usecase
	newClient   ClientFactory
	metrics     *metrics.Metrics
	ctx         context.Context
	log         *slog.Logger

	wg sync.WaitGroup
}

// SessionInfo is a read-only view of a registered session.
type SessionInfo struct {
	StreamID  string    `json:"stream_id"`
	State     string    `json:"state"`
	MeetingID string    `json:"meeting_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// stopRequest and abortRequest travel through a session mailbox and carry the reply of the worker.
type stopRequest struct {
	entity.Stopped
	reply chan error
}

type abortRequest struct {
	entity.Stopped
	reason string
	reply  chan error
}

func New(d Deps) *MeetingMonitor {
	d.Log.Debug("creating new meeting monitor",
		slog.Int("mailbox_size", d.Config.MailboxSize),
		slog.Duration("join_timeout", d.Config.JoinTimeout))
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	return &MeetingMonitor{
		cfg:         d.Config,
		registry:    d.Registry,
		transcripts: d.Transcripts,
		sinks:       d.Sinks,
		usecase:     d.Usecase,
		newClient:   d.NewClient,
		metrics:     d.Metrics,
		ctx:         d.BaseContext,
		log:         d.Log,
	}
}

// Dispatch is the single ingestion point for lifecycle events and media frames.
func (m *MeetingMonitor) Dispatch(ctx context.Context, ev entity.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecoveredPanics.Inc()
			err = fmt.Errorf("%w: %v", entity.ErrUnexpected, r)
			m.log.Error("event dispatch panicked",
				slog.String("event", fmt.Sprintf("%T", ev)),
				slog.Any("panic", r))
		}
	}()

	switch e := ev.(type) {
	case entity.Started:
		return m.StartMeeting(ctx, e)
	case entity.Stopped:
		return m.StopMeeting(ctx, e.StreamID, e.MeetingID)
	case entity.TranscriptFrame:
		m.route(e, metrics.FrameTranscript)
		return nil
	case entity.AudioFrame:
		m.route(e, metrics.FrameAudio)
		return nil
	default:
		return fmt.Errorf("%w: unsupported event %T for %q", entity.ErrValidation, ev, ev.SessionID())
	}
}

// StartMeeting registers a session, attaches its streaming client and joins the stream.
// A failed join evicts the session again; nothing is retried.
func (m *MeetingMonitor) StartMeeting(ctx context.Context, ev entity.Started) error {
	id := ev.StreamID
	if id == "" {
		m.log.Warn("received start event without stream id")
		return nil
	}
	if err := m.sinks.ValidateID(id); err != nil {
		m.log.Warn("rejecting start event", slog.String("error", err.Error()))
		return err
	}
	m.log.Info("starting meeting session",
		slog.String("stream_id", id),
		slog.String("meeting_uuid", ev.Join.MeetingUUID))

	session := entity.NewSession(id, ev.Context, m.cfg.MailboxSize)
	client := m.newClient(id, m.handlersFor(id))
	session.Client = client

	if err := m.registry.Register(id, session); err != nil {
		m.log.Error("failed to register session",
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
		return err
	}
	m.metrics.SessionsStarted.Inc()
	m.metrics.ActiveSessions.Set(float64(m.registry.Len()))

	m.wg.Add(1)
	go m.run(session)
	m.log.Debug("session worker started", slog.String("stream_id", id))

	joinCtx, cancel := withTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	if err := client.Join(joinCtx, ev.Join); err != nil {
		// A stop that arrived during the join owns the session now and has already detached the client.
		if session.State() != entity.StateStarting {
			m.log.Info("stream stopped before join completed",
				slog.String("stream_id", id),
				slog.String("state", session.State().String()))
			return nil
		}
		m.metrics.JoinFailures.Inc()
		m.log.Error("failed to join meeting stream",
			slog.String("stream_id", id),
			slog.String("error", err.Error()))
		m.abort(context.WithoutCancel(ctx), session, "join failed")
		return fmt.Errorf("failed to join stream %s: %w", id, err)
	}

	session.Transition(entity.StateStarting, entity.StateActive)
	m.log.Info("successfully joined meeting", slog.String("stream_id", id))
	return nil
}

// StopMeeting runs the end-of-session pipeline for id and evicts the session whatever the outcome.
// A stop for an unknown id, or for a session already being finalized, only logs.
func (m *MeetingMonitor) StopMeeting(ctx context.Context, id, meetingID string) error {
	if id == "" {
		m.log.Warn("received stop event without stream id")
		return nil
	}

	session, err := m.registry.Get(id)
	if err != nil {
		m.log.Warn("received stop for unknown stream", slog.String("stream_id", id))
		return nil
	}

	reply := make(chan error, 1)
	if !session.Post(stopRequest{Stopped: entity.Stopped{StreamID: id, MeetingID: meetingID}, reply: reply}) {
		m.log.Info("session already finalized", slog.String("stream_id", id))
		return nil
	}
	m.log.Debug("stop request queued", slog.String("stream_id", id))
	return awaitReply(ctx, session, reply)
}

// SetContext merges c into the context of an active session.
func (m *MeetingMonitor) SetContext(id string, c entity.Context) (entity.Context, error) {
	session, err := m.registry.Get(id)
	if err != nil {
		return entity.Context{}, err
	}
	merged := session.MergeContext(c)
	m.log.Debug("stored meeting context",
		slog.String("stream_id", id),
		slog.Bool("user_id_set", merged.UserID != ""),
		slog.Bool("operator_id_set", merged.OperatorID != ""))
	return merged, nil
}

func (m *MeetingMonitor) Sessions() []SessionInfo {
	sessions := m.registry.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			StreamID:  s.ID,
			State:     s.State().String(),
			MeetingID: s.MeetingID(),
			StartedAt: s.StartedAt,
		})
	}
	return out
}

// Close discards every registered session without processing it and waits for the workers.
func (m *MeetingMonitor) Close(ctx context.Context) error {
	sessions := m.registry.List()
	m.log.Info("closing meeting monitor", slog.Int("active_sessions", len(sessions)))
	for _, s := range sessions {
		m.abort(ctx, s, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MeetingMonitor) abort(ctx context.Context, s *entity.Session, reason string) {
	reply := make(chan error, 1)
	if !s.Post(abortRequest{Stopped: entity.Stopped{StreamID: s.ID}, reason: reason, reply: reply}) {
		return
	}
	if err := awaitReply(ctx, s, reply); err != nil {
		m.log.Warn("session abort did not complete",
			slog.String("stream_id", s.ID),
			slog.String("error", err.Error()))
	}
}

func awaitReply(ctx context.Context, s *entity.Session, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.Done():
		// The worker replies before closing, so a pending reply is already buffered.
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route hands a frame to the owner of its session. Frames for unknown or ending sessions are dropped.
func (m *MeetingMonitor) route(ev entity.Event, kind string) {
	m.metrics.FramesReceived.WithLabelValues(kind).Inc()

	session, err := m.registry.Get(ev.SessionID())
	if err != nil || !accepting(session.State()) || !session.Post(ev) {
		m.metrics.FramesDropped.WithLabelValues(kind, metrics.DropInactive).Inc()
		m.log.Debug("dropping frame for inactive session",
			slog.String("stream_id", ev.SessionID()),
			slog.String("kind", kind))
	}
}

func accepting(st entity.State) bool {
	return st == entity.StateStarting || st == entity.StateActive
}

func (m *MeetingMonitor) run(s *entity.Session) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-s.Mailbox():
			m.apply(s, ev)
			if s.State() == entity.StateEnded {
				m.log.Debug("session worker finished", slog.String("stream_id", s.ID))
				return
			}
		case <-s.Done():
			return
		}
	}
}

func (m *MeetingMonitor) apply(s *entity.Session, ev entity.Event) {
	switch e := ev.(type) {
	case stopRequest:
		m.finish(s, e.MeetingID, e.reply)
	case abortRequest:
		m.discard(s, e.reason, e.reply)
	default:
		m.applyFrame(s, ev)
	}
}

// applyFrame never lets a panic escape so one malformed frame cannot stop the worker.
func (m *MeetingMonitor) applyFrame(s *entity.Session, ev entity.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecoveredPanics.Inc()
			m.log.Error("frame handling panicked",
				slog.String("stream_id", s.ID),
				slog.Any("panic", r))
		}
	}()

	if !accepting(s.State()) {
		return
	}

	switch e := ev.(type) {
	case entity.TranscriptFrame:
		if !m.transcripts.Append(s.ID, e.Data, e.Timestamp, e.Metadata) {
			m.metrics.FramesDropped.WithLabelValues(metrics.FrameTranscript, metrics.DropInvalid).Inc()
		}
	case entity.AudioFrame:
		if err := m.sinks.Write(s.ID, e.Data); err != nil {
			m.metrics.FramesDropped.WithLabelValues(metrics.FrameAudio, metrics.DropWrite).Inc()
			m.log.Error("error saving audio data",
				slog.String("stream_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
}

// finish runs the pipeline once. Detach and eviction happen even when the pipeline fails or panics.
func (m *MeetingMonitor) finish(s *entity.Session, meetingID string, reply chan<- error) {
	if !s.Transition(entity.StateActive, entity.StateEnding) && !s.Transition(entity.StateStarting, entity.StateEnding) {
		reply <- nil
		return
	}
	s.SetMeetingID(meetingID)
	log := m.log.With(slog.String("stream_id", s.ID), slog.String("meeting_id", meetingID))
	log.Info("processing meeting end")

	started := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecoveredPanics.Inc()
			err = fmt.Errorf("%w: %v", entity.ErrUnexpected, r)
		}
		m.metrics.PipelineRuns.WithLabelValues(result(err)).Inc()
		m.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			log.Error("error processing meeting end", slog.String("error", err.Error()))
		} else {
			log.Info("successfully processed meeting end")
		}

		m.detach(s)
		m.metrics.SessionsStopped.Inc()
		reply <- err
		s.Close()
	}()

	_, err = m.usecase.ProcessMeetingEnd(m.ctx, &entity.ProcessMeetingEndRequest{
		StreamID:  s.ID,
		MeetingID: meetingID,
		Context:   s.Context(),
	})
}

func (m *MeetingMonitor) discard(s *entity.Session, reason string, reply chan<- error) {
	if s.State() == entity.StateEnded {
		reply <- nil
		return
	}
	m.log.Warn("discarding session", slog.String("stream_id", s.ID), slog.String("reason", reason))

	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecoveredPanics.Inc()
			m.log.Error("session discard panicked", slog.String("stream_id", s.ID), slog.Any("panic", r))
		}
		m.detach(s)
		reply <- nil
		s.Close()
	}()
	s.SetState(entity.StateEnding)
	m.usecase.DiscardSession(m.ctx, s.ID)
}

// detach leaves the stream and removes the session from the registry. Leave errors are only logged.
func (m *MeetingMonitor) detach(s *entity.Session) {
	if s.Client != nil {
		ctx, cancel := withTimeout(m.ctx, m.cfg.LeaveTimeout)
		if err := s.Client.Leave(ctx); err != nil {
			m.log.Error("error leaving client",
				slog.String("stream_id", s.ID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
	s.SetState(entity.StateEnded)
	m.registry.Remove(s.ID)
	m.metrics.ActiveSessions.Set(float64(m.registry.Len()))
	m.log.Debug("session evicted", slog.String("stream_id", s.ID))
}

// handlersFor builds client callbacks for id. Each callback recovers on its own.
func (m *MeetingMonitor) handlersFor(id string) rtms.Handlers {
	return rtms.Handlers{
		OnTranscript: func(data []byte, size int, timestamp int64, meta rtms.Metadata) {
			m.callback(id, "transcript", entity.TranscriptFrame{
				StreamID:  id,
				Data:      data,
				Size:      size,
				Timestamp: timestamp,
				Metadata:  &entity.FrameMetadata{UserID: meta.UserID, UserName: meta.UserName},
			})
		},
		OnAudio: func(data []byte, size int, timestamp int64, meta rtms.Metadata) {
			m.callback(id, "audio", entity.AudioFrame{
				StreamID:  id,
				Data:      data,
				Size:      size,
				Timestamp: timestamp,
				Metadata:  &entity.FrameMetadata{UserID: meta.UserID, UserName: meta.UserName},
			})
		},
		OnStreamEnd: func() {
			m.log.Info("platform reported stream end", slog.String("stream_id", id))
		},
	}
}

func (m *MeetingMonitor) callback(id, kind string, ev entity.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.RecoveredPanics.Inc()
			m.log.Error("error in "+kind+" callback", slog.String("stream_id", id), slog.Any("panic", r))
		}
	}()
	if err := m.Dispatch(m.ctx, ev); err != nil {
		m.log.Error("error in "+kind+" callback", slog.String("stream_id", id), slog.String("error", err.Error()))
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSucceeded
	case errors.Is(err, entity.ErrMissingContext):
		return metrics.ResultMissingContext
	case errors.Is(err, entity.ErrTranscodeFailed):
		return metrics.ResultTranscode
	case errors.Is(err, entity.ErrUploadFailed):
		return metrics.ResultUpload
	case errors.Is(err, entity.ErrNotifyFailed):
		return metrics.ResultNotify
	default:
		return metrics.ResultUnexpected
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
