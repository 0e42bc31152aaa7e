package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the on-disk name of a session's transcript.
func FileName(sessionID string) string {
	return "transcript_" + sessionID + ".txt"
}

// PictureFileName is the on-disk name of a session's attached image.
func PictureFileName(sessionID string) string {
	return "transcript_" + sessionID + ".picture.b64"
}

// FileStore writes transcripts as plain text files under Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) Save(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a.SessionID == "" || strings.ContainsAny(a.SessionID, `/\`) || strings.Contains(a.SessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", a.SessionID)
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	path := filepath.Join(dir, FileName(a.SessionID))
	if err := writeFileAtomic(path, []byte(a.Text+"\n")); err != nil {
		return "", err
	}
	if a.Image != "" {
		if err := writeFileAtomic(filepath.Join(dir, PictureFileName(a.SessionID)), []byte(a.Image)); err != nil {
			return "", err
		}
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// MirrorStore saves to Primary and then copies to each Mirror. Only Primary
// failures fail the save; mirror failures are logged.
type MirrorStore struct {
	Primary Store
	Mirrors []Store
	Logger  *slog.Logger
}

func (s MirrorStore) Save(ctx context.Context, a Artifact) (string, error) {
	if s.Primary == nil {
		return "", errors.New("mirror store has no primary")
	}
	ref, err := s.Primary.Save(ctx, a)
	if err != nil {
		return "", err
	}
	a.Ref = ref
	for _, m := range s.Mirrors {
		if m == nil {
			continue
		}
		if _, err := m.Save(ctx, a); err != nil {
			logger := s.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("transcript mirror save failed", "session_id", a.SessionID, "error", err)
		}
	}
	return ref, nil
}
