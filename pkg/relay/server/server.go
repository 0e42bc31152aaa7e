package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/config"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/handlers"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/handoff"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/lifecycle"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/metrics"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/mw"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/ratelimit"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/session"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/sessions"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

// Deps are the pieces New cannot derive from config alone. Zero values get
// process-local defaults.
type Deps struct {
	Metrics   *metrics.Metrics
	Store     transcript.Store
	Handoff   handoff.Dispatcher
	Settings  *upstream.Settings
	Dial      session.DialFunc
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Now       func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	limiter   *ratelimit.Limiter
	sessions  *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics

	store    transcript.Store
	handoff  handoff.Dispatcher
	settings upstream.Settings
	dial     session.DialFunc
	now      func() time.Time

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}
	if deps.Store == nil {
		deps.Store = transcript.FileStore{Dir: cfg.TranscriptDir}
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	settings := upstream.DefaultSettings()
	if deps.Settings != nil {
		settings = *deps.Settings
	}
	if deps.Dial == nil {
		deps.Dial = DeepgramDialer(cfg, logger)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		limiter:   ratelimit.New(ratelimit.Config{DailyLimit: cfg.DailySessionLimit, Location: cfg.RateLimitLocation}),
		sessions:  deps.Sessions,
		lifecycle: deps.Lifecycle,
		metrics:   deps.Metrics,
		store:     deps.Store,
		handoff:   deps.Handoff,
		settings:  settings,
		dial:      deps.Dial,
		now:       deps.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Handle("/v1/call", handlers.CallHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Metrics:   s.metrics,
		Store:     s.store,
		Handoff:   s.handoff,
		Settings:  s.settings,
		Dial:      s.dial,
		Now:       s.now,
	})
	r.Handle("/transcript", handlers.TranscriptHandler{
		Sessions: s.sessions,
		Dir:      s.cfg.TranscriptDir,
	})
	r.Handle("/upload_picture", handlers.UploadPictureHandler{
		Sessions: s.sessions,
		MaxBytes: s.cfg.MaxPictureBytes,
		Logger:   s.logger,
	})
	r.Handle("/rate_limit", handlers.RateLimitHandler{
		Limiter: s.limiter,
		Now:     s.now,
	})

	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Sessions() *sessions.Tracker {
	return s.sessions
}

func (s *Server) Lifecycle() *lifecycle.Lifecycle {
	return s.lifecycle
}

// Close releases connections opened by Assemble. Call it after every session
// has finished.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// DeepgramDialer opens a voice agent connection per call using the API key
// and endpoint from cfg.
func DeepgramDialer(cfg config.Config, logger *slog.Logger) session.DialFunc {
	return func(ctx context.Context, settings upstream.Settings) (session.Upstream, error) {
		conn, err := upstream.Dial(ctx, upstream.Config{
			APIKey:            cfg.DeepgramAPIKey,
			URL:               cfg.DeepgramAgentURL,
			Settings:          settings,
			KeepAliveInterval: cfg.UpstreamKeepAlive,
			WriteTimeout:      cfg.WSWriteTimeout,
		})
		if err != nil {
			logger.Warn("voice agent dial failed", "error", err)
			return nil, err
		}
		return conn, nil
	}
}
