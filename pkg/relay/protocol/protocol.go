// Package protocol defines the JSON frames exchanged with the browser client
// over the call WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Audio transports a client may ask for with ?audio_transport=.
const (
	AudioTransportBase64JSON = "base64_json"
	AudioTransportBinary     = "binary"
)

const AudioFormatPCM16 = "pcm16"

// Error categories sent in ServerError.Category.
const (
	CategoryRateLimited         = "rate_limited"
	CategoryUpstreamUnavailable = "upstream_unavailable"
	CategoryUpstreamError       = "upstream_error"
	CategoryBadRequest          = "bad_request"
	CategoryInternal            = "internal"
)

// Client -> server.

type ClientEndCall struct {
	Type string `json:"type"`
}

type ClientUploadPicture struct {
	Type    string `json:"type"`
	Picture string `json:"picture"`
}

type ClientKeepAlive struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "end_call":
		return ClientEndCall{Type: typ}, nil
	case "keep_alive":
		return ClientKeepAlive{Type: typ}, nil
	case "upload_picture":
		var msg struct {
			Picture *string `json:"picture"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid upload_picture frame", "")
		}
		// Absent or null is an error; an empty string clears the picture.
		if msg.Picture == nil {
			return nil, badRequest("picture field is required", "picture")
		}
		return ClientUploadPicture{Type: typ, Picture: *msg.Picture}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server -> client.

type ServerSessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type RateLimitStatus struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type ServerRateLimited struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Status  RateLimitStatus `json:"status"`
}

type ServerReady struct {
	Type string `json:"type"`
}

type ServerConversation struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type ServerThinking struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

// ServerSpeech covers user/agent started/stopped speaking notices.
type ServerSpeech struct {
	Type string `json:"type"`
}

type ServerAgentAudio struct {
	Type     string `json:"type"`
	Format   string `json:"format"`
	AudioB64 string `json:"audio_b64,omitempty"`
	// Bytes is set when the audio follows as a binary frame.
	Bytes int `json:"bytes,omitempty"`
}

type ServerFunctionCall struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name,omitempty"`
}

type ServerError struct {
	Type     string `json:"type"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerPictureReceived struct {
	Type string `json:"type"`
}

type ServerCallEnded struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Artifact  string `json:"artifact,omitempty"`
}

func SpeechEventType(speaker string, started bool) string {
	verb := "stopped"
	if started {
		verb = "started"
	}
	return speaker + "_" + verb + "_speaking"
}
