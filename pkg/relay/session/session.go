package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/handoff"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/metrics"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/protocol"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/ratelimit"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

// PlaceholderFunctionOutput answers every agent function call until real
// functions are wired in.
const PlaceholderFunctionOutput = "Function response here"

var errBackpressure = errors.New("outbound queue is full")

// ClientConn is the browser side of a call.
type ClientConn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
}

// Upstream is a live voice agent connection.
type Upstream interface {
	Frames() <-chan upstream.Frame
	SendAudio(data []byte) error
	SendFunctionCallResponse(ctx context.Context, resp upstream.FunctionCallResponse) error
	Close() error
}

type DialFunc func(ctx context.Context, settings upstream.Settings) (Upstream, error)

type EndReason string

const (
	EndClientEnded      EndReason = "client_ended"
	EndClientDisconnect EndReason = "client_disconnected"
	EndShutdown         EndReason = "shutdown"
	EndUpstreamFailed   EndReason = "upstream_failed"
	EndUpstreamClosed   EndReason = "upstream_closed"
)

type Config struct {
	AudioTransport string

	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ShutdownFlush     time.Duration
	OutboundQueueSize int
	EnqueueTimeout    time.Duration

	DialTimeout     time.Duration
	FinalizeTimeout time.Duration

	FunctionResponse string
}

func (c Config) withDefaults() Config {
	if c.AudioTransport == "" {
		c.AudioTransport = protocol.AudioTransportBase64JSON
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ShutdownFlush <= 0 {
		c.ShutdownFlush = 250 * time.Millisecond
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Second
	}
	if c.FunctionResponse == "" {
		c.FunctionResponse = PlaceholderFunctionOutput
	}
	return c
}

type Dependencies struct {
	Conn       ClientConn
	Logger     *slog.Logger
	Limiter    *ratelimit.Limiter
	Transcript *transcript.Log
	Dial       DialFunc
	Settings   upstream.Settings
	Handoff    handoff.Dispatcher
	Metrics    *metrics.Metrics
	Config     Config
	Now        func() time.Time

	// OnStart runs once the session id is known, before any event is relayed.
	OnStart func(sessionID string)
}

// Controller drives one call from admission to close. Run owns the event
// loop; the exported methods are safe from other goroutines.
type Controller struct {
	conn     ClientConn
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	log      *transcript.Log
	dial     DialFunc
	settings upstream.Settings
	handoff  handoff.Dispatcher
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	onStart  func(string)

	ctx    context.Context
	cancel context.CancelFunc

	stateMu   sync.RWMutex
	state     State
	sessionID string
	startedAt time.Time

	upMu sync.Mutex
	up   Upstream

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	finalizeOnce sync.Once
	artifact     *transcript.Artifact
	endReason    EndReason
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type dialResult struct {
	up  Upstream
	err error
}

func New(deps Dependencies) (*Controller, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("conn must not be nil")
	}
	if deps.Transcript == nil {
		return nil, fmt.Errorf("transcript must not be nil")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("dial must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		conn:             deps.Conn,
		logger:           deps.Logger,
		limiter:          deps.Limiter,
		log:              deps.Transcript,
		dial:             deps.Dial,
		settings:         deps.Settings,
		handoff:          deps.Handoff,
		metrics:          deps.Metrics,
		cfg:              cfg,
		now:              deps.Now,
		onStart:          deps.OnStart,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateIdle,
		outboundPriority: make(chan outboundFrame, 32),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
	}, nil
}

// Admit takes one unit of the daily quota. On denial the client is told why,
// the socket is closed and the controller goes straight to Closed.
func (c *Controller) Admit() bool {
	d := c.limiter.TryAcquire(c.now())
	if d.Allowed {
		_ = c.transition(StateAdmitted)
		return true
	}

	c.metrics.RecordRateLimitDenied()
	c.logger.Info("call refused: daily limit reached", "used", d.Status.Used, "limit", d.Status.Limit)
	c.rejectDirect(protocol.ServerRateLimited{
		Type:    "rate_limited",
		Message: "daily call limit reached",
		Status: protocol.RateLimitStatus{
			Used:      d.Status.Used,
			Limit:     d.Status.Limit,
			Remaining: d.Status.Remaining,
			ResetAt:   d.Status.ResetAt,
		},
	}, "rate limited")
	_ = c.transition(StateClosed)
	c.cancel()
	return false
}

// rejectDirect writes a terminal frame before the writer goroutine exists.
func (c *Controller) rejectDirect(v any, reason string) {
	payload, err := json.Marshal(v)
	if err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(2*time.Second),
	)
	_ = c.conn.Close()
}

// Run serves an admitted call until it ends. It returns after the transcript
// has been finalized and the client socket closed.
func (c *Controller) Run() error {
	defer c.cancel()

	if st := c.State(); st != StateAdmitted {
		return fmt.Errorf("run: session in state %s, want %s", st, StateAdmitted)
	}

	id, err := c.log.Start()
	if err != nil {
		_ = c.transition(StateClosed)
		_ = c.conn.Close()
		return fmt.Errorf("start transcript: %w", err)
	}
	c.stateMu.Lock()
	c.sessionID = id
	c.startedAt = c.now()
	c.stateMu.Unlock()
	_ = c.transition(StateConnecting)
	c.metrics.RecordSessionStart()
	c.logger.Info("call started", "session_id", id)
	if c.onStart != nil {
		c.onStart(id)
	}

	writer := &outboundWriter{
		ws:       c.conn,
		ctx:      c.ctx,
		cfg:      c.cfg,
		priority: c.outboundPriority,
		normal:   c.outboundNormal,
	}
	writerErr := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writerErr <- writer.Run()
	}()

	clientCh := make(chan inboundFrame, 64)
	go c.readLoop(clientCh)

	_ = c.sendJSON(protocol.ServerSessionStarted{Type: "session_started", SessionID: id})

	dialCh := make(chan dialResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		defer cancel()
		up, err := c.dial(ctx, c.settings)
		dialCh <- dialResult{up: up, err: err}
	}()

	var upFrames <-chan upstream.Frame
	for {
		select {
		case <-c.ctx.Done():
			return c.finish(EndShutdown, dialCh, writerDone)

		case res := <-dialCh:
			dialCh = nil
			if res.err != nil {
				c.logger.Warn("upstream connect failed", "session_id", id, "error", res.err)
				c.metrics.RecordError("upstream_connect")
				_ = c.sendJSON(protocol.ServerError{
					Type:     "error",
					Category: protocol.CategoryUpstreamUnavailable,
					Message:  "voice agent is unavailable",
					Fatal:    true,
				})
				return c.finish(EndUpstreamFailed, nil, writerDone)
			}
			c.upMu.Lock()
			c.up = res.up
			c.upMu.Unlock()
			upFrames = res.up.Frames()

		case f, ok := <-upFrames:
			if !ok {
				c.logger.Warn("upstream closed", "session_id", id)
				_ = c.sendJSON(protocol.ServerError{
					Type:     "error",
					Category: protocol.CategoryUpstreamUnavailable,
					Message:  "voice agent connection closed",
					Fatal:    true,
				})
				return c.finish(EndUpstreamClosed, nil, writerDone)
			}
			c.handleUpstream(f)

		case in, ok := <-clientCh:
			if !ok || in.err != nil {
				if c.ctx.Err() != nil {
					return c.finish(EndShutdown, dialCh, writerDone)
				}
				if in.err != nil && !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("client read ended", "session_id", id, "error", in.err)
				}
				return c.finish(EndClientDisconnect, dialCh, writerDone)
			}
			if c.handleClient(in) {
				return c.finish(EndClientEnded, dialCh, writerDone)
			}

		case err := <-writerErr:
			if c.ctx.Err() != nil {
				return c.finish(EndShutdown, dialCh, writerDone)
			}
			if err != nil {
				c.logger.Debug("client write failed", "session_id", id, "error", err)
			}
			return c.finish(EndClientDisconnect, dialCh, writerDone)
		}
	}
}

func (c *Controller) finish(reason EndReason, pendingDial <-chan dialResult, writerDone <-chan struct{}) error {
	art := c.Finalize(reason)

	if reason == EndClientEnded {
		ended := protocol.ServerCallEnded{Type: "call_ended", Status: "success", SessionID: c.SessionID()}
		if art != nil {
			ended.Artifact = art.Ref
		}
		_ = c.sendJSON(ended)
	}

	c.cancel()
	if pendingDial != nil {
		go func() {
			if r := <-pendingDial; r.up != nil {
				_ = r.up.Close()
			}
		}()
	}

	select {
	case <-writerDone:
	case <-time.After(c.cfg.WriteTimeout + c.cfg.ShutdownFlush):
		_ = c.conn.Close()
	}

	_ = c.transition(StateClosed)
	c.stateMu.RLock()
	started := c.startedAt
	c.stateMu.RUnlock()
	c.metrics.RecordSessionEnd(string(reason), c.now().Sub(started))
	c.logger.Info("call ended", "session_id", c.SessionID(), "reason", string(reason))
	return nil
}

// Finalize writes the transcript, launches the handoff and releases the
// upstream connection. Only the first call does any work; every call returns
// the artifact produced by the first (nil if none was written).
func (c *Controller) Finalize(reason EndReason) *transcript.Artifact {
	c.finalizeOnce.Do(func() {
		_ = c.transition(StateFinalizing)
		c.stateMu.Lock()
		c.endReason = reason
		c.stateMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
		art, err := c.log.Finalize(ctx)
		cancel()
		switch {
		case err != nil:
			c.metrics.RecordFinalize("error")
			c.logger.Error("transcript finalize failed", "session_id", c.SessionID(), "error", err)
		case art == nil:
			c.metrics.RecordFinalize("skipped")
		default:
			c.metrics.RecordFinalize("ok")
			c.logger.Info("transcript saved", "session_id", art.SessionID, "ref", art.Ref, "reason", string(reason))
		}

		if art != nil && c.handoff != nil {
			if err := c.handoff.Dispatch(context.Background(), *art); err != nil {
				c.logger.Warn("transcript handoff failed", "session_id", art.SessionID, "error", err)
			}
		}

		c.closeUpstream()
		c.artifact = art
	})
	return c.artifact
}

func (c *Controller) closeUpstream() {
	c.upMu.Lock()
	up := c.up
	c.up = nil
	c.upMu.Unlock()
	if up == nil {
		return
	}
	if err := up.Close(); err != nil {
		c.logger.Warn("upstream close failed", "session_id", c.SessionID(), "error", err)
	}
}

func (c *Controller) upstreamConn() Upstream {
	c.upMu.Lock()
	defer c.upMu.Unlock()
	return c.up
}

func (c *Controller) handleUpstream(f upstream.Frame) {
	defer func() {
		if v := recover(); v != nil {
			c.metrics.RecordError("upstream_handler_panic")
			c.logger.Error("upstream event handler panicked", "session_id", c.SessionID(), "panic", v)
		}
	}()

	ev, ok := upstream.Decode(f)
	if !ok {
		c.logger.Debug("ignoring unrecognized upstream frame", "session_id", c.SessionID(), "bytes", len(f.Data))
		return
	}
	c.metrics.RecordUpstreamEvent(string(ev.Kind))

	if c.State() == StateConnecting {
		if err := c.transition(StateActive); err == nil {
			c.logger.Info("voice agent ready", "session_id", c.SessionID())
			_ = c.sendJSON(protocol.ServerReady{Type: "ready"})
		}
	}

	switch ev.Kind {
	case upstream.EventReady:
		// Handled by the state promotion above.

	case upstream.EventConversationTurn:
		var err error
		if ev.Speaker == upstream.SpeakerUser {
			err = c.log.AppendUser(ev.Text)
		} else {
			err = c.log.AppendAgent(ev.Text)
		}
		if err != nil {
			c.logger.Warn("transcript append failed", "session_id", c.SessionID(), "error", err)
		}
		c.relay(protocol.ServerConversation{
			Type:       "conversation",
			Role:       string(ev.Speaker),
			Text:       ev.Text,
			Transcript: c.log.Render(),
		})

	case upstream.EventThinking:
		if err := c.log.AppendThinking(ev.Text); err != nil {
			c.logger.Warn("transcript append failed", "session_id", c.SessionID(), "error", err)
		}
		c.relay(protocol.ServerThinking{Type: "thinking", Text: ev.Text, Transcript: c.log.Render()})

	case upstream.EventSpeechStarted, upstream.EventSpeechStopped:
		c.relay(protocol.ServerSpeech{
			Type: protocol.SpeechEventType(string(ev.Speaker), ev.Kind == upstream.EventSpeechStarted),
		})

	case upstream.EventAudioFrame:
		c.metrics.RecordAudio("out", len(ev.Audio))
		if err := c.sendAudio(ev.Audio); err != nil {
			c.logger.Warn("dropping agent audio", "session_id", c.SessionID(), "bytes", len(ev.Audio), "error", err)
		}

	case upstream.EventFunctionCallRequested:
		if up := c.upstreamConn(); up != nil {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
			err := up.SendFunctionCallResponse(ctx, upstream.FunctionCallResponse{
				ID:      ev.CallID,
				Name:    ev.FunctionName,
				Content: c.cfg.FunctionResponse,
			})
			cancel()
			if err != nil {
				c.logger.Warn("function call response failed", "session_id", c.SessionID(), "call_id", ev.CallID, "error", err)
			}
		}
		c.relay(protocol.ServerFunctionCall{Type: "function_call", CallID: ev.CallID, Name: ev.FunctionName})

	case upstream.EventUpstreamError:
		c.metrics.RecordError("upstream_event")
		c.logger.Warn("voice agent reported an error", "session_id", c.SessionID(), "code", ev.Code, "message", ev.Message)
		c.relay(protocol.ServerError{Type: "error", Category: protocol.CategoryUpstreamError, Message: ev.Message})
	}
}

// handleClient processes one client frame and reports whether the client
// asked to end the call.
func (c *Controller) handleClient(in inboundFrame) bool {
	if in.messageType == websocket.BinaryMessage {
		if len(in.data) == 0 {
			return false
		}
		up := c.upstreamConn()
		if up == nil {
			c.logger.Debug("dropping client audio before agent connected", "session_id", c.SessionID(), "bytes", len(in.data))
			return false
		}
		c.metrics.RecordAudio("in", len(in.data))
		if err := up.SendAudio(in.data); err != nil {
			c.logger.Warn("forwarding client audio failed", "session_id", c.SessionID(), "error", err)
		}
		return false
	}

	msg, err := protocol.DecodeClientMessage(in.data)
	if err != nil {
		c.relay(protocol.ServerError{Type: "error", Category: protocol.CategoryBadRequest, Message: err.Error()})
		return false
	}
	switch m := msg.(type) {
	case protocol.ClientEndCall:
		return true
	case protocol.ClientUploadPicture:
		if err := c.SetImage(m.Picture); err != nil {
			c.relay(protocol.ServerError{Type: "error", Category: protocol.CategoryBadRequest, Message: "picture rejected: call already ended"})
		}
	case protocol.ClientKeepAlive:
	}
	return false
}

// SetImage attaches a picture to the call transcript and tells the client.
func (c *Controller) SetImage(payload string) error {
	if err := c.log.SetImage(payload); err != nil {
		return err
	}
	c.logger.Info("picture attached", "session_id", c.SessionID(), "bytes", len(payload))
	c.relay(protocol.ServerPictureReceived{Type: "picture_received"})
	return nil
}

func (c *Controller) Transcript() string {
	return c.log.Render()
}

func (c *Controller) sendAudio(data []byte) error {
	if c.cfg.AudioTransport == protocol.AudioTransportBinary {
		header, err := json.Marshal(protocol.ServerAgentAudio{Type: "agent_audio", Format: protocol.AudioFormatPCM16, Bytes: len(data)})
		if err != nil {
			return err
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		return c.enqueueNormal(outboundFrame{binaryPair: &binaryPair{header: header, data: buf}})
	}
	return c.sendJSON(protocol.ServerAgentAudio{
		Type:     "agent_audio",
		Format:   protocol.AudioFormatPCM16,
		AudioB64: base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Controller) relay(v any) {
	if err := c.sendJSON(v); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("client send failed", "session_id", c.SessionID(), "error", err)
	}
}

func (c *Controller) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueueNormal(outboundFrame{textPayload: payload})
}

func (c *Controller) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueuePriority(outboundFrame{textPayload: payload})
}

// enqueueNormal waits up to EnqueueTimeout for room so that a slow client
// delays rather than reorders the stream.
func (c *Controller) enqueueNormal(frame outboundFrame) error {
	select {
	case c.outboundNormal <- frame:
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case c.outboundNormal <- frame:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-timer.C:
		return errBackpressure
	}
}

func (c *Controller) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case c.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-c.outboundPriority:
		default:
		}
	}
	return errBackpressure
}

func (c *Controller) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) SessionID() string {
	if c == nil {
		return ""
	}
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.sessionID
}

// EndReason reports why the call ended; empty while it is still running.
func (c *Controller) EndReason() EndReason {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state != StateFinalizing && c.state != StateClosed {
		return ""
	}
	return c.endReason
}

// Cancel asks the call to end. The session finalizes on its own goroutine.
func (c *Controller) Cancel() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
}

func (c *Controller) SendWarning(code, message string) error {
	if c == nil {
		return nil
	}
	return c.sendJSONPriority(protocol.ServerWarning{
		Type:    "warning",
		Code:    strings.TrimSpace(code),
		Message: strings.TrimSpace(message),
	})
}
