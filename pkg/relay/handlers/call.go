package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/apierror"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/config"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/handoff"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/lifecycle"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/metrics"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/mw"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/protocol"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/ratelimit"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/session"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/sessions"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

// CallHandler upgrades GET /v1/call to a WebSocket and runs one call on it.
// The audio transport for agent speech is picked with ?audio_transport=.
type CallHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Metrics   *metrics.Metrics

	Store    transcript.Store
	Handoff  handoff.Dispatcher
	Settings upstream.Settings
	Dial     session.DialFunc

	Now func() time.Time
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	// Reserve before the drain check so shutdown either refuses this call or
	// waits for it.
	release, ok := h.Sessions.Reserve()
	if !ok || h.Lifecycle.IsDraining() {
		if release != nil {
			release()
		}
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrOverloaded, Message: "relay is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	defer release()

	if !mw.OriginAllowed(h.Config.CORSAllowedOrigins, r.Header.Get("Origin")) {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	transport := strings.TrimSpace(r.URL.Query().Get("audio_transport"))
	if transport == "" {
		transport = protocol.AudioTransportBase64JSON
	}
	if transport != protocol.AudioTransportBase64JSON && transport != protocol.AudioTransportBinary {
		writeAPIError(w, r, apierror.NewInvalidRequest("unsupported audio transport", "audio_transport"), http.StatusBadRequest)
		return
	}

	logger := h.logger()
	reqID := requestIDFromContext(r)

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		// Origin was checked above against the allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("call upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	tlog := transcript.NewLog(transcript.Options{
		Store:  h.Store,
		Logger: logger,
		Now:    h.Now,
	})

	var (
		s          *session.Controller
		unregister func()
	)
	s, err = session.New(session.Dependencies{
		Conn:       conn,
		Logger:     logger.With("request_id", reqID),
		Limiter:    h.Limiter,
		Transcript: tlog,
		Dial:       h.Dial,
		Settings:   h.Settings,
		Handoff:    h.Handoff,
		Metrics:    h.Metrics,
		Now:        h.Now,
		Config: session.Config{
			AudioTransport:  transport,
			WriteTimeout:    h.Config.WSWriteTimeout,
			PingInterval:    h.Config.WSPingInterval,
			DialTimeout:     h.Config.UpstreamDialTimeout,
			FinalizeTimeout: h.Config.FinalizeTimeout,
		},
		OnStart: func(sessionID string) {
			unregister = h.Sessions.Register(sessionID, s)
			// CancelAll may already have run.
			if h.Lifecycle.IsDraining() {
				s.Cancel()
			}
		},
	})
	if err != nil {
		h.Metrics.RecordError("session_init")
		logger.Error("failed to initialize call", "request_id", reqID, "error", err)
		return
	}

	if !s.Admit() {
		return
	}
	defer func() {
		if unregister != nil {
			unregister()
		}
	}()

	if err := s.Run(); err != nil {
		logger.Warn("call ended with error", "session_id", s.SessionID(), "request_id", reqID, "error", err)
	}
}

func (h CallHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
