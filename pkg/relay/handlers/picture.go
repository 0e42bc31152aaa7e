package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/apierror"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/sessions"
)

type uploadPictureRequest struct {
	Picture   *string `json:"picture"`
	SessionID string  `json:"session_id"`
}

// UploadPictureHandler serves POST /upload_picture and attaches a base64
// picture to a live call, by session_id or else the latest one.
type UploadPictureHandler struct {
	Sessions *sessions.Tracker
	MaxBytes int64
	Logger   *slog.Logger
}

func (h UploadPictureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	body := r.Body
	if h.MaxBytes > 0 {
		// Allow for the JSON envelope around the picture.
		body = http.MaxBytesReader(w, r.Body, h.MaxBytes+4096)
	}
	var req uploadPictureRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "picture is too large", Param: "picture"}, http.StatusRequestEntityTooLarge)
			return
		}
		writeAPIError(w, r, apierror.NewInvalidRequest("invalid json body", ""), http.StatusBadRequest)
		return
	}
	if req.Picture == nil {
		writeAPIError(w, r, apierror.NewInvalidRequest("picture field is required", "picture"), http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(req.SessionID)
	var (
		s  sessions.Session
		ok bool
	)
	if id == "" {
		id, s, ok = h.Sessions.Latest()
	} else {
		s, ok = h.Sessions.Get(id)
	}
	if !ok {
		writeAPIError(w, r, apierror.NewNotFound("no live call"), http.StatusNotFound)
		return
	}

	if err := s.SetImage(*req.Picture); err != nil {
		h.logger().Warn("picture rejected", "session_id", id, "request_id", requestIDFromContext(r), "error", err)
		writeErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "session_id": id})
}

func (h UploadPictureHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
