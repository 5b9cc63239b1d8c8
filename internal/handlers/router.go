package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"xhssign/internal/config"
	"xhssign/internal/metrics"
	"xhssign/internal/middleware"
	"xhssign/internal/store"
)

type RouterOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Auth    config.AuthConfig
	Access  config.AccessConfig
	// Geo and Limiter are optional.
	Geo     middleware.CountryResolver
	Limiter store.Limiter
	// Gatherer serves MetricsPath; both must be set to expose metrics.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

// NewRouter wires the endpoints behind the shared middleware chain.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	logger := opts.Logger

	r := chi.NewRouter()
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.RequestLogger(logger))

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionGate(h.session, logger.Named("gate")))
		r.Get("/", h.Index)
		r.Get("/a1", h.A1)
		r.Get("/web_a1", h.WebA1)
	})
	// Sign brings the session up itself, after the request is accepted.
	r.With(
		middleware.GeoPolicy(opts.Geo, opts.Access.BannedCountries, opts.Access.TrustForwarded, logger.Named("geo")),
		middleware.Auth(opts.Auth, logger.Named("auth")),
		middleware.RateLimit(opts.Limiter, opts.Access.TrustForwarded, logger.Named("ratelimit"), opts.Metrics),
	).Post("/sign", h.Sign)

	if opts.Gatherer != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
