package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

// ProcessLauncher starts the analyzer as a detached child process with the
// transcript path as its last argument. The child is reaped in the
// background and its exit status logged.
type ProcessLauncher struct {
	Command string
	Args    []string
	// Dir is the child's working directory. Empty means the directory that
	// holds Command.
	Dir    string
	Logger *slog.Logger

	Stdout io.Writer
	Stderr io.Writer
}

func (p *ProcessLauncher) Dispatch(_ context.Context, a transcript.Artifact) error {
	if strings.TrimSpace(p.Command) == "" {
		return errors.New("analyzer command is not configured")
	}
	if a.Ref == "" {
		return errors.New("artifact has no stored location")
	}
	path, err := filepath.Abs(a.Ref)
	if err != nil {
		return fmt.Errorf("resolve transcript path: %w", err)
	}

	args := append(append([]string(nil), p.Args...), path)
	// Not bound to the caller's context: the analyzer outlives the call.
	cmd := exec.Command(p.Command, args...)
	cmd.Dir = p.Dir
	if cmd.Dir == "" && strings.ContainsRune(p.Command, filepath.Separator) {
		cmd.Dir = filepath.Dir(p.Command)
	}
	cmd.Env = append(os.Environ(),
		"CIVICGRID_SESSION_ID="+a.SessionID,
		"CIVICGRID_TRANSCRIPT_PATH="+path,
	)
	cmd.Stdout = p.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start analyzer: %w", err)
	}

	logger := p.logger()
	logger.Info("analyzer started", "session_id", a.SessionID, "pid", cmd.Process.Pid)
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("analyzer exited with error", "session_id", a.SessionID, "error", err)
			return
		}
		logger.Info("analyzer finished", "session_id", a.SessionID)
	}()
	return nil
}

func (p *ProcessLauncher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
