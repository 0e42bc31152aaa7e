package upstream

import (
	_ "embed"
	"strings"
)

//go:embed default_prompt.txt
var defaultPrompt string

// DefaultGreeting is spoken by the agent as soon as the call connects.
const DefaultGreeting = "Hey there! This is the AI service agent. What problem or issue can I help report for you today?"

// Settings is the first message sent on a Deepgram agent connection. It fixes
// the audio framing in both directions and picks the listen, think and speak
// providers.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language,omitempty"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type ListenSettings struct {
	Provider ListenProvider `json:"provider"`
}

type ListenProvider struct {
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Keyterms []string `json:"keyterms,omitempty"`

	// Endpointing is the silence, in milliseconds, that ends a user turn.
	Endpointing    int  `json:"endpointing,omitempty"`
	InterimResults bool `json:"interim_results,omitempty"`
}

type ThinkSettings struct {
	Provider ThinkProvider `json:"provider"`
	Prompt   string        `json:"prompt,omitempty"`
}

type ThinkProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type SpeakSettings struct {
	Provider SpeakProvider `json:"provider"`
}

type SpeakProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// DefaultSettings is linear16 at 16 kHz in and out with a headerless output
// stream, nova-3 listening with interim results, gemini thinking with the
// built-in issue reporting prompt, and aura-2 speech.
func DefaultSettings() Settings {
	return Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "linear16", SampleRate: 16000},
			Output: AudioFormat{Encoding: "linear16", SampleRate: 16000, Container: "none"},
		},
		Agent: AgentSettings{
			Language: "en",
			Listen: ListenSettings{Provider: ListenProvider{
				Type:           "deepgram",
				Model:          "nova-3",
				Keyterms:       []string{"hello", "goodbye"},
				Endpointing:    300,
				InterimResults: true,
			}},
			Think: ThinkSettings{
				Provider: ThinkProvider{Type: "google", Model: "gemini-2.5-flash"},
				Prompt:   strings.TrimSpace(defaultPrompt),
			},
			Speak: SpeakSettings{Provider: SpeakProvider{
				Type:  "deepgram",
				Model: "aura-2-odysseus-en",
			}},
			Greeting: DefaultGreeting,
		},
	}
}
