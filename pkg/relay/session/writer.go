package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type binaryPair struct {
	header []byte
	data   []byte
}

type outboundFrame struct {
	textPayload []byte
	binaryPair  *binaryPair
}

// outboundWriter is the only goroutine that writes to the client socket.
// Priority frames jump the queue; normal frames keep their enqueue order.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		}
	}
}

// flushOnShutdown drains what is already queued, normal frames first so a
// final call_ended lands after the events that preceded it.
func (w *outboundWriter) flushOnShutdown() {
	deadline := time.Now().Add(w.cfg.ShutdownFlush)
	for _, ch := range []<-chan outboundFrame{w.normal, w.priority} {
		for time.Now().Before(deadline) {
			select {
			case frame := <-ch:
				if err := w.writeFrame(frame); err != nil {
					return
				}
				continue
			default:
			}
			break
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame) error {
	deadline := time.Now().Add(w.cfg.WriteTimeout)

	if frame.binaryPair != nil {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.binaryPair.header); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPair.data)
	}
	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	}
	return nil
}
