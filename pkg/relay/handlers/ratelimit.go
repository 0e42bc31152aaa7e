package handlers

import (
	"net/http"
	"time"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/protocol"
	"github.com/nnicholas-c/CivicGrid/pkg/relay/ratelimit"
)

// RateLimitHandler serves GET /rate_limit without consuming quota.
type RateLimitHandler struct {
	Limiter *ratelimit.Limiter
	Now     func() time.Time
}

func (h RateLimitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	st := h.Limiter.Status(now())
	writeJSON(w, http.StatusOK, protocol.RateLimitStatus{
		Used:      st.Used,
		Limit:     st.Limit,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt,
	})
}
