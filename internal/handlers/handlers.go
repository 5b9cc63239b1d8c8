package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"xhssign/internal/browser"
	"xhssign/internal/types"
)

// Session is the browser manager as seen by the HTTP layer.
type Session interface {
	EnsureReady(ctx context.Context) (*browser.Session, error)
	Ready() bool
	IdentityToken() string
	Warm()
}

type Signer interface {
	Sign(ctx context.Context, uri string, payload any) (*types.SignResult, error)
}

type Handlers struct {
	session Session
	signer  Signer
	logger  *zap.Logger
	version string
}

func New(session Session, signer Signer, logger *zap.Logger, version string) *Handlers {
	return &Handlers{session: session, signer: signer, logger: logger.Named("handlers"), version: version}
}

var availableEndpoints = []string{"/", "/health", "/sign", "/a1", "/web_a1"}

// Index describes the service and its endpoints.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.IndexResponse{
		Service:     "XHS Signature Server",
		Description: "Xiaohongshu API signing service",
		Status:      "running",
		Version:     h.version,
		Endpoints: map[string]types.Endpoint{
			"health": {Path: "/health", Method: http.MethodGet, Description: "Health check"},
			"sign":   {Path: "/sign", Method: http.MethodPost, Description: "Generate x-s/x-t signature headers"},
			"a1":     {Path: "/a1", Method: http.MethodGet, Description: "Identity cookie of the signing session"},
			"web_a1": {Path: "/web_a1", Method: http.MethodGet, Description: "Identity cookie for web clients"},
		},
	})
}

// A1 returns the session's identity cookie, "" before bootstrap.
func (h *Handlers) A1(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"a1": h.session.IdentityToken()})
}

func (h *Handlers) WebA1(w http.ResponseWriter, r *http.Request) {
	a1 := h.session.IdentityToken()
	h.logger.Info("Forwarding identity cookie", zap.String("a1", a1))
	writeJSON(w, http.StatusOK, map[string]string{"web_a1": a1})
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, types.NotFoundResponse{
		Error:              "Endpoint not found",
		AvailableEndpoints: availableEndpoints,
	})
}

func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, types.ErrorResponse{
		Error:   "Method " + r.Method + " not allowed on " + r.URL.Path,
		Success: false,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
