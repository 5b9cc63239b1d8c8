package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"xhssign/internal/browser"
	"xhssign/internal/middleware"
	"xhssign/internal/signer"
	"xhssign/internal/types"
)

const (
	maxBodySize = 1 << 20
	signHint    = "Signing can still fail after retries; retrying the same request usually succeeds."
	sessionHint = "The browser session failed to start. Retry the request; initialization runs again on the next call."
)

// badRequest is a client error whose text is returned verbatim.
type badRequest string

func (e badRequest) Error() string { return string(e) }

const (
	errBodyRequired badRequest = "Request body is required"
	errURIRequired  badRequest = "uri parameter is required"
	errInvalidJSON  badRequest = "Request body must be valid JSON"
	errNotObject    badRequest = "Request body must be a JSON object"
)

// Sign handles POST /sign.
func (h *Handlers) Sign(w http.ResponseWriter, r *http.Request) {
	log := h.logger.With(zap.String("request_id", middleware.RequestIDFromContext(r.Context())))

	req, err := decodeSignRequest(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		log.Warn("Rejected sign request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error(), Success: false})
		return
	}
	if req.URI == "" {
		log.Warn("Rejected sign request", zap.String("reason", "missing uri"))
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: errURIRequired.Error(), Success: false})
		return
	}

	log.Info("Sign request",
		zap.String("uri", req.URI),
		zap.Bool("has_data", req.Data != nil),
		zap.Bool("has_a1", req.A1 != ""),
		zap.Bool("has_web_session", req.WebSession != ""),
		zap.Bool("has_web_id", req.WebID != ""),
	)

	if _, err := h.session.EnsureReady(r.Context()); err != nil {
		log.Error("Browser session unavailable", zap.String("uri", req.URI), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{
			Error:     err.Error(),
			ErrorType: "SessionUnavailable",
			Success:   false,
			Hint:      sessionHint,
		})
		return
	}
	if req.A1 != "" && req.A1 != h.session.IdentityToken() {
		log.Debug("Caller a1 differs from the session identity cookie")
	}

	res, err := h.signer.Sign(r.Context(), req.URI, req.Data)
	if err != nil {
		log.Error("Sign request failed", zap.String("uri", req.URI), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{
			Error:     err.Error(),
			ErrorType: errorType(err),
			Success:   false,
			Hint:      signHint,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeSignRequest(body io.Reader) (*types.SignRequest, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, badRequest("Failed to read request body: " + err.Error())
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errBodyRequired
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, errInvalidJSON
		}
		return nil, errNotObject
	}
	if len(fields) == 0 {
		return nil, errBodyRequired
	}

	var req types.SignRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, badRequest(typeErr.Field + " has the wrong type")
		}
		return nil, errNotObject
	}
	return &req, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, signer.ErrExhausted):
		return "SigningExhausted"
	case errors.Is(err, browser.ErrNotReady), errors.Is(err, browser.ErrClosed):
		return "SessionUnavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled"
	default:
		return "SigningError"
	}
}
