package agentprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/upstream"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolve_EmptyUsesDefaults(t *testing.T) {
	s, err := Resolve("", "")
	require.NoError(t, err)
	require.Equal(t, upstream.DefaultSettings(), s)
	require.NotEmpty(t, s.Agent.Think.Prompt)
	require.Equal(t, upstream.DefaultGreeting, s.Agent.Greeting)
	require.Equal(t, 300, s.Agent.Listen.Provider.Endpointing)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "prompt.txt", "  You are a city services intake assistant.\n")
	path := writeFile(t, dir, "agent.yaml", `
greeting: "Hi, what would you like to report?"
listen:
  keyterms: [pothole, streetlight]
  endpointing_ms: 500
think:
  model: gemini-2.5-pro
  prompt_file: prompt.txt
`)

	p, err := Load(path)
	require.NoError(t, err)
	s, err := p.Settings()
	require.NoError(t, err)

	def := upstream.DefaultSettings()
	require.Equal(t, "Hi, what would you like to report?", s.Agent.Greeting)
	require.Equal(t, []string{"pothole", "streetlight"}, s.Agent.Listen.Provider.Keyterms)
	require.Equal(t, 500, s.Agent.Listen.Provider.Endpointing)
	require.True(t, s.Agent.Listen.Provider.InterimResults)
	require.Equal(t, def.Agent.Listen.Provider.Model, s.Agent.Listen.Provider.Model)
	require.Equal(t, "gemini-2.5-pro", s.Agent.Think.Provider.Model)
	require.Equal(t, def.Agent.Think.Provider.Type, s.Agent.Think.Provider.Type)
	require.Equal(t, "You are a city services intake assistant.", s.Agent.Think.Prompt)
	require.Equal(t, def.Audio, s.Audio)
	require.Equal(t, def.Agent.Speak, s.Agent.Speak)
}

func TestResolve_PromptFileOverridesProfile(t *testing.T) {
	dir := t.TempDir()
	profile := writeFile(t, dir, "agent.yaml", "think:\n  prompt: from profile\n")
	prompt := writeFile(t, dir, "override.txt", "from override")

	s, err := Resolve(profile, prompt)
	require.NoError(t, err)
	require.Equal(t, "from override", s.Agent.Think.Prompt)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":        "gretting: hi\n",
		"negative rate":        "audio:\n  input_sample_rate: -1\n",
		"negative endpointing": "listen:\n  endpointing_ms: -5\n",
		"prompt and file":      "think:\n  prompt: a\n  prompt_file: b.txt\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	s, err := p.Settings()
	require.NoError(t, err)
	require.Equal(t, upstream.DefaultSettings(), s)
}

func TestSettings_MissingOrEmptyPrompt(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.txt", "  \n")

	_, err := Resolve("", filepath.Join(dir, "missing.txt"))
	require.Error(t, err)

	_, err = Resolve("", empty)
	require.ErrorContains(t, err, "is empty")
}
