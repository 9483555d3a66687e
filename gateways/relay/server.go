package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	config "github.com/xilidan/relay/config/relay"
	backendClient "github.com/xilidan/relay/gateways/relay/clients/backend"
	ffmpegClient "github.com/xilidan/relay/gateways/relay/clients/ffmpeg"
	"github.com/xilidan/relay/gateways/relay/clients/rtms"
	supabaseClient "github.com/xilidan/relay/gateways/relay/clients/supabase"
	"github.com/xilidan/relay/gateways/relay/handler"
	"github.com/xilidan/relay/gateways/relay/metrics"
	"github.com/xilidan/relay/gateways/relay/monitor"
	"github.com/xilidan/relay/pkg/logger"
	"github.com/xilidan/relay/services/relay/storage"
	"github.com/xilidan/relay/services/relay/usecase"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	history storage.HistoryStore
	monitor *monitor.MeetingMonitor
	handler *handler.Handler
	health  *health.Server
}

func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	log.Info("creating new relay server")
	log.Debug("server config",
		slog.Int("port", cfg.Port),
		slog.Int("grpc_port", cfg.GRPCPort),
		slog.String("env", cfg.Env),
		slog.String("temp_dir", cfg.Session.TempDir),
		slog.Bool("zoom_client_id_set", cfg.Zoom.ClientID != ""),
		slog.Bool("database_set", cfg.Database.DSN != ""))

	history := storage.NopHistory()
	if cfg.Database.DSN != "" {
		log.Debug("connecting to processing history database")
		pg, err := storage.NewPostgresHistory(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open processing history: %w", err)
		}
		history = pg
		log.Info("processing history store connected")
	}

	layout := storage.Layout{
		Dir:    cfg.Session.TempDir,
		Prefix: cfg.Session.FilePrefix,
		RawExt: cfg.Session.RawExt,
		OutExt: cfg.Session.OutExt,
	}
	sinks := storage.NewAudioSinks(layout, log)
	transcripts := storage.NewTranscripts(storage.NewClock(cfg.Session.TimestampScale), cfg.Session.EntryDuration, log)

	uploader, err := supabaseClient.New(supabaseClient.Config{
		Url:        cfg.Supabase.Url,
		AnonKey:    cfg.Supabase.AnonKey,
		Bucket:     cfg.Supabase.Bucket,
		FilePrefix: cfg.Session.FilePrefix,
		OutExt:     cfg.Session.OutExt,
		MaxRetries: cfg.Supabase.MaxRetries,
	}, log)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	log.Info("storage client created successfully")

	notifier := backendClient.New(backendClient.Config{
		ApiUrl:     cfg.Backend.ApiUrl,
		ApiKey:     cfg.Backend.ApiKey,
		JWTSecret:  cfg.Backend.JWTSecret,
		MaxRetries: cfg.Backend.MaxRetries,
	}, log)
	log.Info("backend client created successfully")

	transcoder := ffmpegClient.New(ffmpegClient.Config{
		Path:       cfg.Audio.FFmpegPath,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Bitrate:    cfg.Audio.Bitrate,
	}, log)

	usc := usecase.New(usecase.Deps{
		Sinks:       sinks,
		Transcripts: transcripts,
		Layout:      layout,
		Transcoder:  transcoder,
		Uploader:    uploader,
		Notifier:    notifier,
		History:     history,
		Timeouts: usecase.Timeouts{
			Transcode: cfg.Session.TranscodeTimeout,
			Upload:    cfg.Session.UploadTimeout,
			Notify:    cfg.Session.NotifyTimeout,
		},
		Log: log,
	})

	rtmsCfg := rtms.Config{
		ClientID:         cfg.Zoom.ClientID,
		ClientSecret:     cfg.Zoom.ClientSecret,
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		HandshakeTimeout: cfg.Session.JoinTimeout,
	}
	m := metrics.New()
	mon := monitor.New(monitor.Deps{
		Config: monitor.Config{
			MailboxSize:  cfg.Session.MailboxSize,
			JoinTimeout:  cfg.Session.JoinTimeout,
			LeaveTimeout: cfg.Session.LeaveTimeout,
		},
		Registry:    storage.NewRegistry(),
		Transcripts: transcripts,
		Sinks:       sinks,
		Usecase:     usc,
		NewClient: func(streamID string, h rtms.Handlers) monitor.StreamClient {
			return rtms.New(rtmsCfg, streamID, h, log)
		},
		Metrics:     m,
		BaseContext: logger.WithContext(context.Background(), log),
		Log:         log,
	})
	log.Info("meeting monitor created successfully")

	h := handler.New(mon, m.Handler(), handler.Config{
		WebhookSecret: cfg.Zoom.WebhookSecret,
		ClientSecret:  cfg.Zoom.ClientSecret,
	}, log)

	log.Info("relay server instance created successfully")
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: m,
		history: history,
		monitor: mon,
		handler: h,
		health:  health.NewServer(),
	}, nil
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Zm-Signature", "X-Zm-Request-Timestamp"},
		MaxAge:         300,
	}))
	s.handler.RegisterRoutes(router)
	return router
}

func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting relay server")

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return logger.WithContext(context.Background(), s.log)
		},
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	serverErrors := make(chan error, 2)

	go func() {
		s.log.Info("relay gateway started", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if s.cfg.GRPCPort > 0 {
		grpcAddr := fmt.Sprintf(":%d", s.cfg.GRPCPort)
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("failed to listen on grpc port: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				serverErrors <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		s.log.Info("grpc health service started", slog.String("address", grpcAddr))
	}

	var runErr error
	select {
	case err := <-serverErrors:
		s.log.Error("server error received", slog.String("error", err.Error()))
		runErr = err
	case sig := <-shutdown:
		s.log.Info("start shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("closing server due to context cancellation")
	}

	if err := s.shutdown(srv, grpcServer); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		s.log.Info("server stopped cleanly")
	}
	return runErr
}

func (s *Server) shutdown(srv *http.Server, grpcServer *grpc.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.health.Shutdown()

	var errs []error
	s.log.Info("shutting down HTTP server gracefully")
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", slog.String("error", err.Error()))
		s.log.Warn("forcing server close")
		srv.Close()
		errs = append(errs, fmt.Errorf("failed to gracefully shutdown server: %w", err))
	}

	drain := drainTimeout(s.cfg.Session)
	s.log.Info("waiting for in-flight sessions", slog.Duration("timeout", drain))
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drain)
	defer drainCancel()

	if err := s.handler.Wait(drainCtx); err != nil {
		s.log.Warn("pending stop events did not finish", slog.String("error", err.Error()))
	}
	if err := s.monitor.Close(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close meeting monitor: %w", err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := s.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close processing history: %w", err))
	}
	return errors.Join(errs...)
}

// drainTimeout is long enough for one pipeline run that started right before shutdown.
func drainTimeout(cfg config.SessionConfig) time.Duration {
	return shutdownTimeout + cfg.LeaveTimeout + cfg.TranscodeTimeout + cfg.UploadTimeout + cfg.NotifyTimeout
}
