// Package agentprofile loads the voice agent's listen, think and speak
// configuration from a YAML file and turns it into the Settings message sent
// to the agent at the start of every call.
package agentprofile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

// Profile mirrors the parts of upstream.Settings operators are expected to
// tune. Zero fields keep the defaults.
type Profile struct {
	Language string `yaml:"language"`
	Greeting string `yaml:"greeting"`

	Audio  AudioProfile  `yaml:"audio"`
	Listen ListenProfile `yaml:"listen"`
	Think  ThinkProfile  `yaml:"think"`
	Speak  SpeakProfile  `yaml:"speak"`

	dir string
}

type AudioProfile struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
}

type ListenProfile struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Keyterms    []string `yaml:"keyterms"`
	Endpointing int      `yaml:"endpointing_ms"`
}

type ThinkProfile struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Prompt   string `yaml:"prompt"`

	// Relative paths resolve against the profile file's directory.
	PromptFile string `yaml:"prompt_file"`
}

type SpeakProfile struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func Load(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read agent profile: %w", err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("agent profile %s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// Parse rejects unknown keys so a misspelled field does not silently fall
// back to a default.
func Parse(raw []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("decode: %w", err)
	}
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) validate() error {
	if p.Audio.InputSampleRate < 0 || p.Audio.OutputSampleRate < 0 {
		return fmt.Errorf("audio sample rates must be > 0")
	}
	if p.Listen.Endpointing < 0 {
		return fmt.Errorf("listen.endpointing_ms must be >= 0")
	}
	if p.Think.Prompt != "" && p.Think.PromptFile != "" {
		return fmt.Errorf("think.prompt and think.prompt_file are mutually exclusive")
	}
	return nil
}

// Settings overlays the profile on upstream.DefaultSettings.
func (p Profile) Settings() (upstream.Settings, error) {
	s := upstream.DefaultSettings()

	if v := strings.TrimSpace(p.Language); v != "" {
		s.Agent.Language = v
	}
	if v := strings.TrimSpace(p.Greeting); v != "" {
		s.Agent.Greeting = v
	}
	if p.Audio.InputSampleRate > 0 {
		s.Audio.Input.SampleRate = p.Audio.InputSampleRate
	}
	if p.Audio.OutputSampleRate > 0 {
		s.Audio.Output.SampleRate = p.Audio.OutputSampleRate
	}

	if v := strings.TrimSpace(p.Listen.Provider); v != "" {
		s.Agent.Listen.Provider.Type = v
	}
	if v := strings.TrimSpace(p.Listen.Model); v != "" {
		s.Agent.Listen.Provider.Model = v
	}
	if len(p.Listen.Keyterms) > 0 {
		s.Agent.Listen.Provider.Keyterms = append([]string(nil), p.Listen.Keyterms...)
	}
	if p.Listen.Endpointing > 0 {
		s.Agent.Listen.Provider.Endpointing = p.Listen.Endpointing
	}

	if v := strings.TrimSpace(p.Think.Provider); v != "" {
		s.Agent.Think.Provider.Type = v
	}
	if v := strings.TrimSpace(p.Think.Model); v != "" {
		s.Agent.Think.Provider.Model = v
	}
	switch {
	case strings.TrimSpace(p.Think.Prompt) != "":
		s.Agent.Think.Prompt = strings.TrimSpace(p.Think.Prompt)
	case strings.TrimSpace(p.Think.PromptFile) != "":
		path := strings.TrimSpace(p.Think.PromptFile)
		if !filepath.IsAbs(path) && p.dir != "" {
			path = filepath.Join(p.dir, path)
		}
		prompt, err := ReadPrompt(path)
		if err != nil {
			return upstream.Settings{}, err
		}
		s.Agent.Think.Prompt = prompt
	}

	if v := strings.TrimSpace(p.Speak.Provider); v != "" {
		s.Agent.Speak.Provider.Type = v
	}
	if v := strings.TrimSpace(p.Speak.Model); v != "" {
		s.Agent.Speak.Provider.Model = v
	}
	return s, nil
}

func ReadPrompt(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read agent prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", fmt.Errorf("agent prompt %s is empty", path)
	}
	return prompt, nil
}

// Resolve builds the Settings for a relay process. An empty profilePath uses
// the defaults, built-in prompt included; a non-empty promptPath replaces
// whatever prompt the profile configured.
func Resolve(profilePath, promptPath string) (upstream.Settings, error) {
	var p Profile
	if strings.TrimSpace(profilePath) != "" {
		loaded, err := Load(profilePath)
		if err != nil {
			return upstream.Settings{}, err
		}
		p = loaded
	}
	s, err := p.Settings()
	if err != nil {
		return upstream.Settings{}, err
	}
	if strings.TrimSpace(promptPath) != "" {
		prompt, err := ReadPrompt(promptPath)
		if err != nil {
			return upstream.Settings{}, err
		}
		s.Agent.Think.Prompt = prompt
	}
	if strings.TrimSpace(s.Agent.Think.Prompt) == "" {
		return upstream.Settings{}, errors.New("agent settings have no system prompt")
	}
	return s, nil
}
