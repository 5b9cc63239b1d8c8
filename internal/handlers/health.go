package handlers

import (
	"net/http"
	"time"

	"xhssign/internal/types"
)

const a1PreviewLen = 20

// Health reports readiness without blocking: when no session exists it kicks
// off a background initialization and answers 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ready := h.session.Ready()
	if !ready {
		h.session.Warm()
	}

	resp := types.HealthResponse{
		Status:       "initializing",
		BrowserReady: ready,
		A1:           previewA1(h.session.IdentityToken()),
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
	}
	status := http.StatusServiceUnavailable
	if ready {
		resp.Status = "healthy"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func previewA1(a1 string) string {
	if a1 == "" {
		return ""
	}
	if len(a1) > a1PreviewLen {
		a1 = a1[:a1PreviewLen]
	}
	return a1 + "..."
}
