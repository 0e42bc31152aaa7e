package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/ratelimit"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUpstream struct {
	frames    chan upstream.Frame
	audio     chan []byte
	responses chan upstream.FunctionCallResponse
	closes    atomic.Int64
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		frames:    make(chan upstream.Frame, 32),
		audio:     make(chan []byte, 32),
		responses: make(chan upstream.FunctionCallResponse, 4),
	}
}

func (f *fakeUpstream) Frames() <-chan upstream.Frame { return f.frames }

func (f *fakeUpstream) SendAudio(data []byte) error {
	f.audio <- append([]byte(nil), data...)
	return nil
}

func (f *fakeUpstream) SendFunctionCallResponse(_ context.Context, resp upstream.FunctionCallResponse) error {
	f.responses <- resp
	return nil
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeUpstream) emit(s string) {
	f.frames <- upstream.Frame{MessageType: websocket.TextMessage, Data: []byte(s)}
}

type recordingHandoff struct {
	calls atomic.Int64
	mu    sync.Mutex
	last  transcript.Artifact
}

func (r *recordingHandoff) Dispatch(_ context.Context, a transcript.Artifact) error {
	r.calls.Add(1)
	r.mu.Lock()
	r.last = a
	r.mu.Unlock()
	return nil
}

func (r *recordingHandoff) artifact() transcript.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type memStore struct {
	mu    sync.Mutex
	saved []transcript.Artifact
}

func (s *memStore) Save(_ context.Context, a transcript.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	return "mem://" + a.SessionID, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type harnessOptions struct {
	limiter *ratelimit.Limiter
	dialErr error
	cfg     Config
}

type harness struct {
	t       *testing.T
	client  *websocket.Conn
	up      *fakeUpstream
	handoff *recordingHandoff
	store   *memStore
	ctrl    chan *Controller
	done    chan error
}

func startCall(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		up:      newFakeUpstream(),
		handoff: &recordingHandoff{},
		store:   &memStore{},
		ctrl:    make(chan *Controller, 1),
		done:    make(chan error, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.done <- err
			return
		}
		c, err := New(Dependencies{
			Conn:       conn,
			Logger:     discardLogger(),
			Limiter:    opts.limiter,
			Transcript: transcript.NewLog(transcript.Options{Store: h.store, Logger: discardLogger()}),
			Dial: func(context.Context, upstream.Settings) (Upstream, error) {
				if opts.dialErr != nil {
					return nil, opts.dialErr
				}
				return h.up, nil
			},
			Settings: upstream.DefaultSettings(),
			Handoff:  h.handoff,
			Config:   opts.cfg,
		})
		if err != nil {
			h.done <- err
			return
		}
		h.ctrl <- c
		if !c.Admit() {
			h.done <- nil
			return
		}
		h.done <- c.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *harness) next() map[string]any {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := h.client.ReadMessage()
	require.NoError(h.t, err)
	require.Equal(h.t, websocket.TextMessage, mt, "unexpected binary frame")
	var out map[string]any
	require.NoError(h.t, json.Unmarshal(data, &out))
	return out
}

func (h *harness) expect(typ string) map[string]any {
	h.t.Helper()
	ev := h.next()
	require.Equal(h.t, typ, ev["type"], "event=%v", ev)
	return ev
}

func (h *harness) send(v any) {
	h.t.Helper()
	require.NoError(h.t, h.client.WriteJSON(v))
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) controller() *Controller {
	h.t.Helper()
	select {
	case c := <-h.ctrl:
		h.ctrl <- c
		return c
	case <-time.After(3 * time.Second):
		h.t.Fatal("controller not created")
		return nil
	}
}

func (h *harness) connect() string {
	h.t.Helper()
	started := h.expect("session_started")
	h.up.emit(`{"type":"Welcome","request_id":"r1"}`)
	h.expect("ready")
	return started["session_id"].(string)
}

func TestController_EndCallFinalizesOnceAndHandsOff(t *testing.T) {
	h := startCall(t, harnessOptions{})
	id := h.connect()

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	select {
	case got := <-h.up.audio:
		require.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("client audio not forwarded")
	}

	h.up.emit(`{"type":"ConversationText","role":"user","content":"hi"}`)
	ev := h.expect("conversation")
	require.Equal(t, "user", ev["role"])
	require.Equal(t, "hi", ev["text"])

	h.up.emit(`{"type":"ConversationText","role":"assistant","content":"hello"}`)
	ev = h.expect("conversation")
	require.Equal(t, "agent", ev["role"])
	require.Contains(t, ev["transcript"], "[User] hi\n[Agent] hello")

	h.send(map[string]string{"type": "end_call"})
	ended := h.expect("call_ended")
	require.Equal(t, "success", ended["status"])
	require.Equal(t, "mem://"+id, ended["artifact"])

	require.NoError(t, h.wait())
	require.EqualValues(t, 1, h.handoff.calls.Load())
	require.Equal(t, 1, h.store.count())
	require.Contains(t, h.handoff.artifact().Text, "[User] hi\n[Agent] hello\n\nSession Ended: ")
	require.GreaterOrEqual(t, h.up.closes.Load(), int64(1))

	c := h.controller()
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, EndClientEnded, c.EndReason())

	again := c.Finalize(EndShutdown)
	require.NotNil(t, again)
	require.Equal(t, id, again.SessionID)
	require.EqualValues(t, 1, h.handoff.calls.Load())
	require.Equal(t, 1, h.store.count())
}

func TestController_ClientDisconnectFinalizes(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	h.up.emit(`{"type":"ConversationText","role":"user","content":"my street light is out"}`)
	h.expect("conversation")

	require.NoError(t, h.client.Close())
	require.NoError(t, h.wait())

	require.EqualValues(t, 1, h.handoff.calls.Load())
	require.Contains(t, h.handoff.artifact().Text, "[User] my street light is out")
	require.GreaterOrEqual(t, h.up.closes.Load(), int64(1))
	require.Equal(t, EndClientDisconnect, h.controller().EndReason())
}

func TestController_UpstreamErrorIsNotFatal(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	h.up.emit(`{"type":"Error","description":"audio decode hiccup","code":"BAD_AUDIO"}`)
	h.up.emit(`{"type":"ConversationText","role":"assistant","content":"still here"}`)

	ev := h.expect("error")
	require.Equal(t, "upstream_error", ev["category"])
	require.Equal(t, "audio decode hiccup", ev["message"])
	ev = h.expect("conversation")
	require.Equal(t, "still here", ev["text"])
	require.Equal(t, StateActive, h.controller().State())

	h.send(map[string]string{"type": "end_call"})
	h.expect("call_ended")
	require.NoError(t, h.wait())
}

func TestController_RelaysInUpstreamOrder(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	for _, raw := range []string{
		`{"type":"UserStartedSpeaking"}`,
		`{"type":"ConversationText","role":"user","content":"hi"}`,
		`{"type":"AgentThinking","content":"greet back"}`,
		`{"type":"Mystery","foo":1}`,
		`{"type":"AgentStartedSpeaking"}`,
		`{"type":"History","data":{"audio":"AQID"}}`,
		`{"type":"AgentAudioDone"}`,
		`{"type":"ConversationText","role":"assistant","content":"hello"}`,
	} {
		h.up.emit(raw)
	}

	want := []string{
		"user_started_speaking",
		"conversation",
		"thinking",
		"agent_started_speaking",
		"agent_audio",
		"agent_stopped_speaking",
		"conversation",
	}
	for _, typ := range want {
		ev := h.expect(typ)
		if typ == "agent_audio" {
			require.Equal(t, "pcm16", ev["format"])
			require.Equal(t, "AQID", ev["audio_b64"])
		}
	}

	h.send(map[string]string{"type": "end_call"})
	h.expect("call_ended")
	require.NoError(t, h.wait())
	require.Contains(t, h.handoff.artifact().Text, "[User] hi\n[Agent Thinking] greet back\n[Agent] hello")
}

func TestController_BinaryAudioTransport(t *testing.T) {
	h := startCall(t, harnessOptions{cfg: Config{AudioTransport: "binary"}})
	h.connect()

	h.up.frames <- upstream.Frame{MessageType: websocket.BinaryMessage, Data: []byte{4, 5, 6}}
	header := h.expect("agent_audio")
	require.EqualValues(t, 3, header["bytes"])

	_ = h.client.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := h.client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, []byte{4, 5, 6}, data)
}

func TestController_FunctionCallGetsPlaceholderResponse(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	h.up.emit(`{"type":"FunctionCallRequest","functions":[{"id":"fc_1","name":"lookup_permit"}]}`)
	ev := h.expect("function_call")
	require.Equal(t, "fc_1", ev["call_id"])

	select {
	case resp := <-h.up.responses:
		require.Equal(t, "fc_1", resp.ID)
		require.Equal(t, "lookup_permit", resp.Name)
		require.Equal(t, PlaceholderFunctionOutput, resp.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("no function call response")
	}
}

func TestController_UploadPictureAttachesToArtifact(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	h.send(map[string]string{"type": "upload_picture", "picture": "Zmlyc3Q="})
	h.expect("picture_received")
	h.send(map[string]string{"type": "upload_picture", "picture": "c2Vjb25k"})
	h.expect("picture_received")

	h.send(map[string]string{"type": "upload_picture"})
	ev := h.expect("error")
	require.Equal(t, "bad_request", ev["category"])

	h.send(map[string]string{"type": "end_call"})
	h.expect("call_ended")
	require.NoError(t, h.wait())
	require.Equal(t, "c2Vjb25k", h.handoff.artifact().Image)
}

func TestController_RateLimitedCallIsRefused(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{DailyLimit: 1})
	require.True(t, limiter.TryAcquire(time.Now()).Allowed)

	h := startCall(t, harnessOptions{limiter: limiter})
	ev := h.expect("rate_limited")
	status := ev["status"].(map[string]any)
	require.EqualValues(t, 1, status["used"])
	require.EqualValues(t, 0, status["remaining"])

	_ = h.client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := h.client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err=%v", err)

	require.NoError(t, h.wait())
	require.EqualValues(t, 0, h.handoff.calls.Load())
	require.Equal(t, 0, h.store.count())
	require.Equal(t, StateClosed, h.controller().State())
}

func TestController_UpstreamConnectFailureFinalizesHeaderOnly(t *testing.T) {
	h := startCall(t, harnessOptions{dialErr: errors.New("dial tcp: connection refused")})
	h.expect("session_started")
	ev := h.expect("error")
	require.Equal(t, "upstream_unavailable", ev["category"])
	require.NotContains(t, ev["message"], "connection refused")

	require.NoError(t, h.wait())
	require.EqualValues(t, 1, h.handoff.calls.Load())
	text := h.handoff.artifact().Text
	require.True(t, strings.HasPrefix(text, "=== Conversation Transcript ===\nSession Started: "), text)
	require.Contains(t, text, "\n\nSession Ended: ")
	require.NotContains(t, text, "[User]")
	require.Equal(t, EndUpstreamFailed, h.controller().EndReason())
}

func TestController_CancelFinalizesAsShutdown(t *testing.T) {
	h := startCall(t, harnessOptions{})
	h.connect()

	h.controller().Cancel()
	require.NoError(t, h.wait())
	require.EqualValues(t, 1, h.handoff.calls.Load())
	require.Equal(t, EndShutdown, h.controller().EndReason())
	require.GreaterOrEqual(t, h.up.closes.Load(), int64(1))
}

type nopConn struct{}

func (nopConn) SetWriteDeadline(time.Time) error { return nil }
func (nopConn) WriteMessage(int, []byte) error { return nil }
func (nopConn) WriteControl(int, []byte, time.Time) error { return nil }
func (nopConn) Close() error { return nil }
func (nopConn) ReadMessage() (int, []byte, error) { return 0, nil, io.EOF }

func TestController_FinalizeConcurrentCallsRunOnce(t *testing.T) {
	store := &memStore{}
	handoff := &recordingHandoff{}
	log := transcript.NewLog(transcript.Options{Store: store, Logger: discardLogger()})
	_, err := log.Start()
	require.NoError(t, err)

	c, err := New(Dependencies{
		Conn:       nopConn{},
		Logger:     discardLogger(),
		Transcript: log,
		Dial: func(context.Context, upstream.Settings) (Upstream, error) {
			return nil, errors.New("unused")
		},
		Handoff: handoff,
	})
	require.NoError(t, err)
	require.True(t, c.Admit())

	var wg sync.WaitGroup
	results := make([]*transcript.Artifact, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Finalize(EndShutdown)
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, r := range results {
		require.Same(t, results[0], r)
	}
	require.EqualValues(t, 1, handoff.calls.Load())
	require.Equal(t, 1, store.count())
	require.Equal(t, StateFinalizing, c.State())
}
