package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type peerMessage struct {
	messageType int
	data        []byte
}

func newFakeAgent(t *testing.T, onConn func(*websocket.Conn)) (string, <-chan http.Header) {
	t.Helper()
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), headers
}

func TestDial_SendsSettingsAndRelaysFrames(t *testing.T) {
	received := make(chan peerMessage, 16)
	url, headers := newFakeAgent(t, func(conn *websocket.Conn) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- peerMessage{mt, data}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Welcome"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{9, 8, 7})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- peerMessage{mt, data}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{APIKey: "dg_test", URL: url, Settings: DefaultSettings()})
	require.NoError(t, err)
	defer c.Close()

	h := <-headers
	require.Equal(t, "Token dg_test", h.Get("Authorization"))

	first := <-received
	require.Equal(t, websocket.TextMessage, first.messageType)
	var settings Settings
	require.NoError(t, json.Unmarshal(first.data, &settings))
	require.Equal(t, "Settings", settings.Type)
	require.Equal(t, "linear16", settings.Audio.Input.Encoding)
	require.Equal(t, 16000, settings.Audio.Output.SampleRate)
	require.Equal(t, "none", settings.Audio.Output.Container)
	require.Equal(t, DefaultGreeting, settings.Agent.Greeting)
	require.Contains(t, settings.Agent.Think.Prompt, "CivicGrid service agent")
	require.Equal(t, 300, settings.Agent.Listen.Provider.Endpointing)
	require.True(t, settings.Agent.Listen.Provider.InterimResults)

	f1 := <-c.Frames()
	require.Equal(t, websocket.TextMessage, f1.MessageType)
	require.JSONEq(t, `{"type":"Welcome"}`, string(f1.Data))
	f2 := <-c.Frames()
	require.Equal(t, websocket.BinaryMessage, f2.MessageType)
	require.Equal(t, []byte{9, 8, 7}, f2.Data)

	require.NoError(t, c.SendAudio([]byte{1, 2}))
	audio := <-received
	require.Equal(t, websocket.BinaryMessage, audio.messageType)
	require.Equal(t, []byte{1, 2}, audio.data)

	require.NoError(t, c.SendFunctionCallResponse(ctx, FunctionCallResponse{ID: "fc_1", Name: "lookup", Content: "done"}))
	resp := <-received
	require.JSONEq(t, `{"type":"FunctionCallResponse","id":"fc_1","name":"lookup","content":"done"}`, string(resp.data))
}

func TestDial_SendsKeepAlive(t *testing.T) {
	received := make(chan []byte, 16)
	url, _ := newFakeAgent(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	})

	c, err := Dial(context.Background(), Config{APIKey: "k", URL: url, KeepAliveInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	<-received // settings
	select {
	case data := <-received:
		require.JSONEq(t, `{"type":"KeepAlive"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive received")
	}
}

func TestDial_RequiresAPIKey(t *testing.T) {
	_, err := Dial(context.Background(), Config{APIKey: " "})
	require.Error(t, err)
}

func TestConn_CloseIsIdempotentAndStopsWrites(t *testing.T) {
	url, _ := newFakeAgent(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c, err := Dial(context.Background(), Config{APIKey: "k", URL: url})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.SendAudio([]byte{1}), ErrClosed)

	select {
	case _, ok := <-c.Frames():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel not closed")
	}
}

func TestBuildURL(t *testing.T) {
	got, err := buildURL("")
	require.NoError(t, err)
	require.Equal(t, DefaultURL, got)

	got, err = buildURL("http://127.0.0.1:9000")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:9000/v1/agent/converse", got)

	_, err = buildURL("ftp://example.com")
	require.Error(t, err)
}
