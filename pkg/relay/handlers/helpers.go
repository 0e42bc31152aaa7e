package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/apierror"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/mw"
)

func requestIDFromContext(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *apierror.Error, status int) {
	apierror.Write(w, requestIDFromContext(r), apiErr, status)
}

func writeErrorFrom(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, status := apierror.FromError(err, requestIDFromContext(r))
	apierror.Write(w, "", apiErr, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeAPIError(w, r, &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, apierror.NewNotFound("not found"), http.StatusNotFound)
}
