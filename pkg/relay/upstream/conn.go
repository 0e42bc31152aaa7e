package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

var ErrClosed = errors.New("upstream connection closed")

// Frame is one raw message read from the agent socket.
type Frame struct {
	MessageType int
	Data        []byte
}

type Config struct {
	APIKey   string
	URL      string
	Settings Settings

	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	Dialer            *websocket.Dialer
}

// FunctionCallResponse answers a FunctionCallRequest from the agent.
type FunctionCallResponse struct {
	ID      string
	Name    string
	Content string
}

// Conn is a live Deepgram voice agent connection. Frames are delivered in
// arrival order on Frames(); writes are serialized.
type Conn struct {
	conn *websocket.Conn

	keepAlive    time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	errMu   sync.Mutex

	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	lastClose string
}

// Dial opens the agent socket and sends Settings. The returned Conn owns the
// socket; callers must Close it.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	wsURL, err := buildURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, err
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Settings.Type == "" {
		cfg.Settings.Type = "Settings"
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+key)
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial deepgram agent: %w", err)
	}

	c := &Conn{
		conn:         ws,
		keepAlive:    cfg.KeepAliveInterval,
		writeTimeout: cfg.WriteTimeout,
		frames:       make(chan Frame, 256),
		closed:       make(chan struct{}),
	}
	if err := c.writeJSON(ctx, cfg.Settings); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send agent settings: %w", err)
	}

	go c.readLoop()
	go c.keepAliveLoop()
	return c, nil
}

func (c *Conn) Frames() <-chan Frame {
	if c == nil {
		ch := make(chan Frame)
		close(ch)
		return ch
	}
	return c.frames
}

// SendAudio forwards one chunk of microphone audio as a binary frame.
func (c *Conn) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return c.write(context.Background(), func() error {
		return c.conn.WriteMessage(websocket.BinaryMessage, data)
	})
}

func (c *Conn) SendFunctionCallResponse(ctx context.Context, resp FunctionCallResponse) error {
	return c.writeJSON(ctx, map[string]any{
		"type":    "FunctionCallResponse",
		"id":      resp.ID,
		"name":    resp.Name,
		"content": resp.Content,
	})
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// CloseReason describes why the read side stopped, if it has.
func (c *Conn) CloseReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastClose
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(err.Error())
			}
			return
		}
		select {
		case c.frames <- Frame{MessageType: mt, Data: data}:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeJSON(context.Background(), map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	return c.write(ctx, func() error { return c.conn.WriteJSON(payload) })
}

func (c *Conn) write(ctx context.Context, fn func() error) error {
	if c == nil {
		return ErrClosed
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := fn(); err != nil {
		if reason := c.CloseReason(); reason != "" {
			return fmt.Errorf("%w (deepgram %s)", err, reason)
		}
		return err
	}
	return nil
}

func (c *Conn) setLastClose(msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return
	}
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

func buildURL(raw string) (string, error) {
	if raw == "" {
		return DefaultURL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram agent url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid deepgram agent url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/agent/converse"
	}
	return u.String(), nil
}
