package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/xilidan/relay/pkg/json"
	"github.com/xilidan/relay/pkg/logger"
	"github.com/xilidan/relay/services/relay/entity"
	"github.com/xilidan/relay/topics"
)

const (
	signatureHeader = "x-zm-signature"
	timestampHeader = "x-zm-request-timestamp"
)

type (
	WebhookRequest struct {
		Event   string  `json:"event"`
		EventTS int64   `json:"event_ts"`
		Payload Payload `json:"payload"`
	}

	Payload struct {
		PlainToken  string `json:"plainToken"`
		MeetingUUID string `json:"meeting_uuid"`
		StreamID    string `json:"rtms_stream_id"`
		ServerURLs  string `json:"server_urls"`
		OperatorID  string `json:"operator_id"`
		UserID      string `json:"user_id"`
	}
)

type URLValidationResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

type WebhookResponse struct {
	Success bool `json:"success"`
}

// Sign returns hex(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reads the body with a size limit and, when a secret is configured, requires a valid
// x-zm-signature over it. The body is restored for the next handler.
func (h *Handler) Verify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				json.WriteError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
				return
			}
			json.WriteError(w, http.StatusBadRequest, errors.New("failed to read request body"))
			return
		}
		if err := h.verifySignature(r, body); err != nil {
			h.log.Warn("rejecting unsigned request",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()))
			json.WriteError(w, http.StatusUnauthorized, errors.New("invalid signature"))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	req := &WebhookRequest{}
	if err := json.ParseJSON(r, req); err != nil {
		h.log.Warn("malformed webhook body", slog.String("error", err.Error()))
		json.WriteError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	p := req.Payload
	h.log.Info("received webhook event",
		slog.String("event", req.Event),
		slog.String("stream_id", p.StreamID),
		slog.String("meeting_uuid", p.MeetingUUID))

	switch {
	case topics.URLValidation.Matches(req.Event):
		h.urlValidation(w, p)
		return
	case topics.RTMSStarted.Matches(req.Event):
		if err := h.started(r.Context(), p); err != nil {
			h.log.Error("error handling webhook event",
				slog.String("event", req.Event),
				slog.String("error", err.Error()))
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, entity.ErrValidation):
				status = http.StatusBadRequest
			case errors.Is(err, entity.ErrDuplicateSession):
				status = http.StatusConflict
			}
			json.WriteError(w, status, errors.New("internal server error"))
			return
		}
	case topics.RTMSStopped.Matches(req.Event):
		h.stopped(r.Context(), p)
	default:
		h.log.Debug("ignoring unknown event", slog.String("event", req.Event))
	}

	json.WriteJSON(w, http.StatusOK, &WebhookResponse{Success: true})
}

func (h *Handler) urlValidation(w http.ResponseWriter, p Payload) {
	if p.PlainToken == "" {
		json.WriteError(w, http.StatusBadRequest, errors.New("plainToken is required"))
		return
	}
	h.log.Info("responding to url validation challenge")
	json.WriteJSON(w, http.StatusOK, &URLValidationResponse{
		PlainToken:     p.PlainToken,
		EncryptedToken: Sign(h.secret, p.PlainToken),
	})
}

func (h *Handler) started(ctx context.Context, p Payload) error {
	userID := p.UserID
	if userID == "" {
		userID = p.OperatorID
	}
	return h.monitor.Dispatch(ctx, entity.Started{
		StreamID: p.StreamID,
		Join: entity.JoinParams{
			MeetingUUID: p.MeetingUUID,
			StreamID:    p.StreamID,
			ServerURLs:  p.ServerURLs,
		},
		Context: entity.Context{UserID: userID, OperatorID: p.OperatorID},
	})
}

// stopped acknowledges immediately. The pipeline outcome is only logged.
func (h *Handler) stopped(ctx context.Context, p Payload) {
	ctx = context.WithoutCancel(ctx)
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if err := h.monitor.Dispatch(ctx, entity.Stopped{StreamID: p.StreamID, MeetingID: p.MeetingUUID}); err != nil {
			logger.ErrorErr(ctx, "error in stop handling", err, slog.String("stream_id", p.StreamID))
		}
	}()
}

func (h *Handler) verifySignature(r *http.Request, body []byte) error {
	if h.secret == "" {
		return nil
	}
	sig, ts := r.Header.Get(signatureHeader), r.Header.Get(timestampHeader)
	if sig == "" || ts == "" {
		return errors.New("missing signature headers")
	}
	want := "v0=" + Sign(h.secret, fmt.Sprintf("v0:%s:%s", ts, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
