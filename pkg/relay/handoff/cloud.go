package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

const defaultCloudTimeout = 10 * time.Second

// CloudUploader posts the transcript and picture to an HTTP endpoint. The
// request runs on its own goroutine.
type CloudUploader struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

type cloudPayload struct {
	Transcript string `json:"transcript"`
	Picture    string `json:"picture"`
	SessionID  string `json:"session_id"`
}

func (u *CloudUploader) Dispatch(_ context.Context, a transcript.Artifact) error {
	if strings.TrimSpace(u.URL) == "" {
		return errors.New("cloud upload url is not configured")
	}
	body, err := encodeCloudPayload(a)
	if err != nil {
		return err
	}
	go func() {
		timeout := u.Timeout
		if timeout <= 0 {
			timeout = defaultCloudTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := u.post(ctx, body); err != nil {
			u.logger().Warn("cloud upload failed", "session_id", a.SessionID, "error", err)
			return
		}
		u.logger().Info("cloud upload complete", "session_id", a.SessionID)
	}()
	return nil
}

func encodeCloudPayload(a transcript.Artifact) ([]byte, error) {
	// A call without a picture sends an empty string.
	body, err := json.Marshal(cloudPayload{Transcript: a.Text, Picture: a.Image, SessionID: a.SessionID})
	if err != nil {
		return nil, fmt.Errorf("encode cloud payload: %w", err)
	}
	return body, nil
}

func (u *CloudUploader) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cloud upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (u *CloudUploader) logger() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}
