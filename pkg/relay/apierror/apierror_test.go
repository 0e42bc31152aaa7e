package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ae, status := FromError(context.Canceled, "req_test")
	if status != http.StatusRequestTimeout {
		t.Fatalf("status=%d", status)
	}
	if ae.Type != ErrAPI || ae.Code != "cancelled" {
		t.Fatalf("type=%q code=%q", ae.Type, ae.Code)
	}
	if ae.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ae.RequestID)
	}
}

func TestFromError_Mapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    ErrorType
	}{
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ErrAPI},
		{"canonical", NewInvalidRequest("picture field is required", "picture"), http.StatusBadRequest, ErrInvalidRequest},
		{"wrapped canonical", fmt.Errorf("lookup: %w", NewNotFound("no live call")), http.StatusNotFound, ErrNotFound},
		{"finalized", fmt.Errorf("set image: %w", transcript.ErrFinalized), http.StatusConflict, ErrInvalidRequest},
		{"not started", transcript.ErrNotStarted, http.StatusConflict, ErrInvalidRequest},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrAPI},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ae, status := FromError(tc.err, "req_1")
			if status != tc.status {
				t.Fatalf("status=%d, want %d", status, tc.status)
			}
			if ae.Type != tc.typ {
				t.Fatalf("type=%q, want %q", ae.Type, tc.typ)
			}
			if ae.RequestID != "req_1" {
				t.Fatalf("request_id=%q", ae.RequestID)
			}
		})
	}
	if ae, status := FromError(nil, "req_1"); ae != nil || status != http.StatusOK {
		t.Fatalf("nil error mapped to %v %d", ae, status)
	}
}

func TestFromError_UnknownDoesNotLeak(t *testing.T) {
	ae, _ := FromError(errors.New("password=hunter2"), "")
	if ae.Message != "internal error" {
		t.Fatalf("message=%q", ae.Message)
	}
}

func TestWrite_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, "req_9", NewInvalidRequest("picture field is required", "picture"), http.StatusBadRequest)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != ErrInvalidRequest || env.Error.Message != "picture field is required" || env.Error.RequestID != "req_9" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}
