package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

const DefaultSubject = "civicgrid.transcript.finalized"

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// FinalizedEvent is the message published when a call's transcript is
// written.
type FinalizedEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Ref        string    `json:"ref"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Transcript string    `json:"transcript"`
	HasPicture bool      `json:"has_picture"`
}

type NATSPublisher struct {
	Conn    Publisher
	Subject string
}

func (p *NATSPublisher) Dispatch(_ context.Context, a transcript.Artifact) error {
	if p.Conn == nil {
		return errors.New("nats connection is not configured")
	}
	subject := p.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	data, err := json.Marshal(FinalizedEvent{
		EventID:    uuid.NewString(),
		Type:       "transcript.finalized",
		SessionID:  a.SessionID,
		Ref:        a.Ref,
		StartedAt:  a.StartedAt,
		EndedAt:    a.EndedAt,
		Transcript: a.Text,
		HasPicture: a.Image != "",
	})
	if err != nil {
		return fmt.Errorf("encode finalized event: %w", err)
	}
	// Publish only buffers; delivery happens on the client's flusher.
	if err := p.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// ConnectNATS dials url and keeps reconnecting in the background for the
// life of the process.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("civicgrid-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
