package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"xhssign/internal/metrics"
	"xhssign/internal/store"
	"xhssign/internal/types"
)

// RateLimit applies limiter per client IP. A nil limiter disables it.
func RateLimit(limiter store.Limiter, trustForwarded bool, logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r, trustForwarded)
			allowed, err := limiter.Allow(r.Context(), clientIP)
			if err != nil {
				logger.Warn("Rate limiter error", zap.String("ip", clientIP), zap.Error(err))
			}
			if !allowed {
				m.Limited()
				logger.Info("Rate limit exceeded", zap.String("ip", clientIP))
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{
					Error:     "Rate limit exceeded",
					ErrorType: "RateLimited",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
