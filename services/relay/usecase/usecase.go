package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/xilidan/relay/pkg/gen"
	"github.com/xilidan/relay/services/relay/entity"
	"github.com/xilidan/relay/services/relay/storage"
)

const processedAtLayout = "2006-01-02T15:04:05.000Z07:00"

type Transcoder interface {
	Transcode(ctx context.Context, input, output string) error
}

type Uploader interface {
	UploadAudio(ctx context.Context, path, streamID string) (string, error)
}

type Notifier interface {
	NotifyMeetingProcessed(ctx context.Context, data *entity.MeetingData) (map[string]any, error)
}

// Timeouts bound each external call. Zero disables the bound.
type Timeouts struct {
	Transcode time.Duration
	Upload    time.Duration
	Notify    time.Duration
}

type Usecase interface {
	ProcessMeetingEnd(ctx context.Context, req *entity.ProcessMeetingEndRequest) (*entity.ProcessMeetingEndResponse, error)
	// DiscardSession drops local artifacts and in-memory state of a session without processing it.
	DiscardSession(ctx context.Context, streamID string)
}

type Deps struct {
	Sinks       *storage.AudioSinks
	Transcripts *storage.Transcripts
	Layout      storage.Layout
	Transcoder  Transcoder
	Uploader    Uploader
	Notifier    Notifier
	History     storage.HistoryStore
	IDs         gen.UUIDGenerator
	Timeouts    Timeouts
	Now         func() time.Time
	Log         *slog.Logger
}

type usecase struct {
	Deps
}

func New(d Deps) Usecase {
	if d.History == nil {
		d.History = storage.NopHistory()
	}
	if d.IDs == nil {
		d.IDs = gen.UUID()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &usecase{Deps: d}
}

// ProcessMeetingEnd finalizes the audio, transcodes and uploads it, and notifies the backend.
// Local artifacts and in-memory transcript state are always cleaned up, whatever the outcome.
func (u *usecase) ProcessMeetingEnd(ctx context.Context, req *entity.ProcessMeetingEndRequest) (_ *entity.ProcessMeetingEndResponse, err error) {
	id := req.StreamID
	resp := &entity.ProcessMeetingEndResponse{ProcessingID: u.IDs.Next().String()}
	log := u.Log.With(
		slog.String("stream_id", id),
		slog.String("processing_id", resp.ProcessingID))
	log.Info("processing meeting end", slog.String("meeting_id", req.MeetingID))

	defer func() {
		u.cleanup(log, id)
		u.record(ctx, log, req, resp, err)
	}()

	if req.Context.UserID == "" {
		log.Error("no meeting context or user id found")
		return nil, fmt.Errorf("%w: no user id for %s", entity.ErrMissingContext, id)
	}

	if _, ok, err := u.Sinks.Finalize(id); err != nil {
		return nil, wrap(entity.ErrTranscodeFailed, err)
	} else if ok {
		log.Info("closed audio file for meeting")
	}

	rawPath, outPath := u.Layout.RawPath(id), u.Layout.OutPath(id)
	if err := u.transcode(ctx, rawPath, outPath); err != nil {
		log.Error("failed to convert audio", slog.String("error", err.Error()))
		return nil, wrap(entity.ErrTranscodeFailed, err)
	}
	if err := os.Remove(rawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to delete raw file", slog.String("error", err.Error()))
	} else {
		log.Debug("deleted raw file", slog.String("path", rawPath))
	}

	entries := u.Transcripts.Entries(id)
	resp.Summary = Summarize(entries)
	log.Debug("meeting summary computed",
		slog.Int("entries", len(entries)),
		slog.Int("participants", len(resp.Summary.Participants)),
		slog.Int("duration", resp.Summary.Duration))

	audioURL, err := u.upload(ctx, outPath, id)
	if err != nil {
		log.Error("audio upload failed", slog.String("error", err.Error()))
		return nil, wrap(entity.ErrUploadFailed, err)
	}
	resp.AudioURL = audioURL

	data := &entity.MeetingData{
		ProcessingID:        resp.ProcessingID,
		StreamID:            id,
		MeetingUUID:         req.MeetingID,
		ZoomUserID:          req.Context.UserID,
		AudioURL:            audioURL,
		TranscriptionResult: entries,
		Duration:            resp.Summary.Duration,
		Participants:        len(resp.Summary.Participants),
		ParticipantsList:    resp.Summary.Participants,
		ProcessedAt:         u.Now().UTC().Format(processedAtLayout),
	}
	if op := req.Context.OperatorID; op != "" {
		data.OperatorID = &op
	}

	ack, err := u.notify(ctx, data)
	if err != nil {
		log.Error("backend notification failed", slog.String("error", err.Error()))
		return nil, wrap(entity.ErrNotifyFailed, err)
	}
	resp.Ack = ack

	log.Info("meeting processing completed successfully", slog.String("audio_url", audioURL))
	return resp, nil
}

func (u *usecase) DiscardSession(ctx context.Context, streamID string) {
	log := u.Log.With(slog.String("stream_id", streamID))
	log.InfoContext(ctx, "discarding session state")
	u.cleanup(log, streamID)
}

func (u *usecase) transcode(ctx context.Context, input, output string) error {
	ctx, cancel := withTimeout(ctx, u.Timeouts.Transcode)
	defer cancel()
	return u.Transcoder.Transcode(ctx, input, output)
}

func (u *usecase) upload(ctx context.Context, path, id string) (string, error) {
	ctx, cancel := withTimeout(ctx, u.Timeouts.Upload)
	defer cancel()
	return u.Uploader.UploadAudio(ctx, path, id)
}

func (u *usecase) notify(ctx context.Context, data *entity.MeetingData) (map[string]any, error) {
	ctx, cancel := withTimeout(ctx, u.Timeouts.Notify)
	defer cancel()
	return u.Notifier.NotifyMeetingProcessed(ctx, data)
}

func (u *usecase) cleanup(log *slog.Logger, id string) {
	u.Sinks.Forget(id)
	u.Transcripts.Forget(id)

	removed, err := u.Layout.Remove(id)
	for _, p := range removed {
		log.Debug("deleted file", slog.String("path", p))
	}
	if err != nil {
		log.Error("cleanup error", slog.String("error", err.Error()))
		return
	}
	log.Info("cleanup completed for meeting")
}

func (u *usecase) record(ctx context.Context, log *slog.Logger, req *entity.ProcessMeetingEndRequest, resp *entity.ProcessMeetingEndResponse, runErr error) {
	rec := &entity.ProcessingRecord{
		ProcessingID: resp.ProcessingID,
		StreamID:     req.StreamID,
		MeetingID:    req.MeetingID,
		UserID:       req.Context.UserID,
		Status:       entity.ProcessingSucceeded,
		AudioURL:     resp.AudioURL,
		Duration:     resp.Summary.Duration,
		Participants: len(resp.Summary.Participants),
		ProcessedAt:  u.Now().UTC(),
	}
	if runErr != nil {
		rec.Status = entity.ProcessingFailed
		rec.Error = runErr.Error()
	}
	if err := u.History.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record processing history", slog.String("error", err.Error()))
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// wrap tags err with kind unless it already carries it.
func wrap(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
