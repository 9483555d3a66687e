package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xilidan/relay/gateways/relay/monitor"
	"github.com/xilidan/relay/pkg/json"
	"github.com/xilidan/relay/services/relay/entity"
)

// Monitor is the part of the meeting monitor the HTTP surface drives.
type Monitor interface {
	Dispatch(ctx context.Context, ev entity.Event) error
	SetContext(id string, c entity.Context) (entity.Context, error)
	Sessions() []monitor.SessionInfo
}

// DefaultMaxBodyBytes bounds the size of signed request bodies.
const DefaultMaxBodyBytes = 1 << 20

type Config struct {
	// WebhookSecret signs webhook requests and url validation tokens.
	WebhookSecret string
	// ClientSecret is used in place of WebhookSecret when that is not set.
	ClientSecret string
	MaxBodyBytes int64
}

type Handler struct {
	monitor Monitor
	metrics http.Handler
	secret  string
	maxBody int64
	now     func() time.Time
	log     *slog.Logger

	// pending tracks stop events still being processed in the background.
	pending sync.WaitGroup
}

func New(mon Monitor, metrics http.Handler, cfg Config, log *slog.Logger) *Handler {
	secret := cfg.WebhookSecret
	switch {
	case secret != "":
	case cfg.ClientSecret != "":
		log.Warn("webhook secret token not set, signing with the app client secret")
		secret = cfg.ClientSecret
	default:
		log.Warn("no webhook secret configured, request signatures are not verified")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	log.Debug("creating new handler", slog.Int64("max_body_bytes", cfg.MaxBodyBytes))
	return &Handler{
		monitor: mon,
		metrics: metrics,
		secret:  secret,
		maxBody: cfg.MaxBodyBytes,
		now:     time.Now,
		log:     log,
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type SessionsResponse struct {
	Sessions []monitor.SessionInfo `json:"sessions"`
}

type ContextResponse struct {
	StreamID string         `json:"stream_id"`
	Context  entity.Context `json:"context"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	h.log.Debug("registering HTTP routes")
	r.With(h.Verify).Post("/webhook", h.Webhook)
	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/api/v1", func(apiRouter chi.Router) {
		apiRouter.Route("/sessions", func(sessionsRouter chi.Router) {
			sessionsRouter.Get("/", h.ListSessions)
			sessionsRouter.With(h.Verify).Put("/{stream_id}/context", h.SetContext)
		})
	})
	h.log.Info("all routes registered successfully")
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("health check request received",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()))
	json.WriteJSON(w, http.StatusOK, &HealthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.monitor.Sessions()
	h.log.Debug("listing sessions", slog.Int("count", len(sessions)))
	json.WriteJSON(w, http.StatusOK, &SessionsResponse{Sessions: sessions})
}

func (h *Handler) SetContext(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	req := entity.Context{}
	if err := json.ParseJSON(r, &req); err != nil {
		h.log.Warn("invalid context body", slog.String("stream_id", streamID), slog.String("error", err.Error()))
		json.WriteError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.UserID == "" && req.OperatorID == "" {
		json.WriteError(w, http.StatusBadRequest, errors.New("userId or operatorId is required"))
		return
	}

	merged, err := h.monitor.SetContext(streamID, req)
	if errors.Is(err, entity.ErrNotFound) {
		json.WriteError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		h.log.Error("failed to set context", slog.String("stream_id", streamID), slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("meeting context updated", slog.String("stream_id", streamID))
	json.WriteJSON(w, http.StatusOK, &ContextResponse{StreamID: streamID, Context: merged})
}

// Wait blocks until background stop processing finishes or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
