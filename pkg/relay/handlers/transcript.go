package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/apierror"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/sessions"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

type transcriptResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Live       bool   `json:"live"`
}

// TranscriptHandler serves GET /transcript. Without session_id it returns the
// most recently started live call. A session_id that is no longer live is
// looked up in Dir.
type TranscriptHandler struct {
	Sessions *sessions.Tracker
	Dir      string
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		latestID, s, ok := h.Sessions.Latest()
		if !ok {
			writeAPIError(w, r, apierror.NewNotFound("no live call"), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, transcriptResponse{SessionID: latestID, Transcript: s.Transcript(), Live: true})
		return
	}

	if s, ok := h.Sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Transcript: s.Transcript(), Live: true})
		return
	}

	text, err := h.readSaved(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeAPIError(w, r, apierror.NewNotFound("transcript not found"), http.StatusNotFound)
			return
		}
		writeErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Transcript: text})
}

func (h TranscriptHandler) readSaved(id string) (string, error) {
	if h.Dir == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fs.ErrNotExist
	}
	raw, err := os.ReadFile(filepath.Join(h.Dir, transcript.FileName(id)))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\n"), nil
}
