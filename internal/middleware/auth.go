package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"xhssign/internal/config"
	"xhssign/internal/types"
)

// Auth guards a route with static API keys and/or HS256 bearer tokens. It is a
// pass-through when cfg has neither.
func Auth(cfg config.AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	secret := []byte(cfg.JWTSecret)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := r.Header.Get("X-API-Key")
			if credential == "" {
				credential = bearerToken(r)
			}
			if credential == "" {
				unauthorized(w, "Missing credentials")
				return
			}
			if matchKey(keys, credential) {
				next.ServeHTTP(w, r)
				return
			}
			if len(secret) > 0 {
				err := verifyToken(credential, secret)
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				logger.Debug("Bearer token rejected", zap.Error(err))
			}
			logger.Warn("Unauthorized sign request",
				zap.String("request_id", RequestIDFromContext(r.Context())))
			unauthorized(w, "Invalid credentials")
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func matchKey(keys [][]byte, credential string) bool {
	c := []byte(credential)
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, c) == 1 {
			return true
		}
	}
	return false
}

func verifyToken(raw string, secret []byte) error {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="xhssign"`)
	writeJSON(w, http.StatusUnauthorized, types.ErrorResponse{Error: msg, ErrorType: "Unauthorized"})
}
