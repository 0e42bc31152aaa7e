package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

type EventKind string

const (
	EventReady                 EventKind = "ready"
	EventConversationTurn      EventKind = "conversation_turn"
	EventThinking              EventKind = "thinking"
	EventSpeechStarted         EventKind = "speech_started"
	EventSpeechStopped         EventKind = "speech_stopped"
	EventAudioFrame            EventKind = "audio_frame"
	EventFunctionCallRequested EventKind = "function_call_requested"
	EventUpstreamError         EventKind = "upstream_error"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// AudioFormatPCM16 is the only audio framing the agent is configured for.
const AudioFormatPCM16 = "pcm16"

// Event is the normalized form of one upstream message. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind    EventKind
	RawType string

	Speaker Speaker
	Text    string

	Audio  []byte
	Format string

	CallID       string
	FunctionName string

	Code    string
	Message string
}

// Field lookup paths, tried in order. Dotted segments descend into objects;
// numeric segments index arrays.
var (
	audioPaths        = []string{"audio", "data.audio"}
	byteAudioPaths    = []string{"content"}
	textPaths         = []string{"content", "text", "data.content"}
	rolePaths         = []string{"role", "data.role"}
	callIDPaths       = []string{"functions.0.id", "function_call_id", "id"}
	functionNamePaths = []string{"functions.0.name", "function_name", "name"}
	errorMessagePaths = []string{"description", "message", "error.message", "error"}
	errorCodePaths    = []string{"code", "error.code"}
)

// Decode maps a raw frame to an Event. It reports false for frames it cannot
// place; those carry nothing the session acts on.
func Decode(f Frame) (ev Event, ok bool) {
	defer func() {
		if recover() != nil {
			ev, ok = Event{}, false
		}
	}()

	if f.MessageType == websocket.BinaryMessage {
		if len(f.Data) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventAudioFrame, RawType: "binary", Audio: f.Data, Format: AudioFormatPCM16}, true
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return Event{}, false
	}
	typ := decodeString(msg["type"])

	switch typ {
	case "Welcome", "SettingsApplied":
		return Event{Kind: EventReady, RawType: typ}, true

	case "ConversationText":
		speaker, ok := normalizeRole(probeString(msg, rolePaths))
		if !ok {
			return Event{}, false
		}
		return Event{Kind: EventConversationTurn, RawType: typ, Speaker: speaker, Text: probeString(msg, textPaths)}, true

	case "AgentThinking":
		return Event{Kind: EventThinking, RawType: typ, Speaker: SpeakerAgent, Text: probeString(msg, textPaths)}, true

	case "UserStartedSpeaking":
		return Event{Kind: EventSpeechStarted, RawType: typ, Speaker: SpeakerUser}, true
	case "UserStoppedSpeaking":
		return Event{Kind: EventSpeechStopped, RawType: typ, Speaker: SpeakerUser}, true
	case "AgentStartedSpeaking":
		return Event{Kind: EventSpeechStarted, RawType: typ, Speaker: SpeakerAgent}, true
	case "AgentAudioDone", "AgentStoppedSpeaking":
		return Event{Kind: EventSpeechStopped, RawType: typ, Speaker: SpeakerAgent}, true

	case "FunctionCallRequest":
		id := probeString(msg, callIDPaths)
		if id == "" {
			return Event{}, false
		}
		return Event{Kind: EventFunctionCallRequested, RawType: typ, CallID: id, FunctionName: probeString(msg, functionNamePaths)}, true

	case "Error", "Warning":
		message := probeString(msg, errorMessagePaths)
		if message == "" {
			message = "upstream reported an unspecified " + strings.ToLower(typ)
		}
		code := probeString(msg, errorCodePaths)
		if code == "" {
			code = strings.ToLower(typ)
		}
		return Event{Kind: EventUpstreamError, RawType: typ, Code: code, Message: message}, true
	}

	// Anything else may still carry agent audio; the field has moved between
	// API revisions.
	if audio := probeAudio(msg); len(audio) > 0 {
		return Event{Kind: EventAudioFrame, RawType: typ, Audio: audio, Format: AudioFormatPCM16}, true
	}
	return Event{}, false
}

func normalizeRole(role string) (Speaker, bool) {
	switch strings.ToLower(role) {
	case "user", "human":
		return SpeakerUser, true
	case "assistant", "agent":
		return SpeakerAgent, true
	default:
		return "", false
	}
}

func probeString(msg map[string]json.RawMessage, paths []string) string {
	for _, p := range paths {
		if s := decodeString(lookup(msg, p)); s != "" {
			return s
		}
	}
	return ""
}

func probeAudio(msg map[string]json.RawMessage) []byte {
	for _, p := range audioPaths {
		if b := decodeAudio(lookup(msg, p)); len(b) > 0 {
			return b
		}
	}
	// content is text on History events; only a byte array counts as audio.
	for _, p := range byteAudioPaths {
		if b := decodeByteArray(lookup(msg, p)); len(b) > 0 {
			return b
		}
	}
	return nil
}

func lookup(msg map[string]json.RawMessage, path string) json.RawMessage {
	segments := strings.Split(path, ".")
	cur, ok := msg[segments[0]]
	if !ok {
		return nil
	}
	for _, seg := range segments[1:] {
		if idx, err := strconv.Atoi(seg); err == nil {
			var arr []json.RawMessage
			if json.Unmarshal(cur, &arr) != nil || idx < 0 || idx >= len(arr) {
				return nil
			}
			cur = arr[idx]
			continue
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(cur, &obj) != nil {
			return nil
		}
		if cur, ok = obj[seg]; !ok {
			return nil
		}
	}
	return cur
}

// decodeString accepts JSON strings and numbers.
func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// decodeAudio accepts base64 text or a JSON array of byte values.
func decodeAudio(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := decodeBase64Any(s)
		if err != nil {
			return nil
		}
		return b
	}
	return decodeByteArray(raw)
}

func decodeByteArray(raw json.RawMessage) []byte {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil
	}
	out := make([]byte, 0, len(ints))
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil
		}
		out = append(out, byte(v))
	}
	return out
}

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
