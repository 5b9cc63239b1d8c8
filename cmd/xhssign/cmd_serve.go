package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xhssign/internal/browser"
	"xhssign/internal/config"
	"xhssign/internal/handlers"
	"xhssign/internal/metrics"
	"xhssign/internal/middleware"
	"xhssign/internal/signer"
	"xhssign/internal/stealth"
	"xhssign/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signing HTTP server",
	Long: `Starts the browser session and serves the signing API. If the first
initialization fails the server still starts and retries on the next request.
Send SIGINT or SIGTERM to stop gracefully.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return serve(cmd.Context(), cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting xhssign",
		zap.String("version", AppVersion),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("driver", cfg.Browser.Driver))

	reg := prometheus.NewRegistry()
	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		met = metrics.New(reg)
	}

	driver, err := browser.NewDriver(cfg.Browser, logger)
	if err != nil {
		return err
	}
	fetcher := stealth.NewFetcher(cfg.Stealth, nil, logger, met)
	manager := browser.NewManager(cfg.Browser, driver, fetcher, logger, met)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("Browser did not stop cleanly", zap.Error(err))
		}
	}()

	engine := signer.New(
		signer.FunctionEvaluator{Page: manager, Function: cfg.Signer.Function},
		signer.Options{
			MaxAttempts:    cfg.Signer.MaxAttempts,
			RetryDelay:     cfg.Signer.RetryDelay,
			AttemptTimeout: cfg.Signer.AttemptTimeout,
		},
		logger, met)

	opts := handlers.RouterOptions{
		Logger:  logger,
		Metrics: met,
		Auth:    cfg.Auth,
		Access:  cfg.Access,
	}
	if met != nil {
		opts.Gatherer = reg
		opts.MetricsPath = cfg.Metrics.Path
	}

	limiter, err := store.New(ctx, cfg.RateLimit)
	if err != nil {
		logger.Warn("Redis rate limiter unavailable, falling back to in-memory limits", zap.Error(err))
		cfg.RateLimit.RedisAddr = ""
		limiter, _ = store.New(ctx, cfg.RateLimit)
	}
	if limiter != nil {
		defer func() { _ = limiter.Close() }()
		opts.Limiter = limiter
	}

	if cfg.Access.GeoIPDB != "" {
		geo, err := middleware.OpenGeoIP(cfg.Access.GeoIPDB)
		if err != nil {
			logger.Warn("GeoIP database load error, geo checks disabled", zap.Error(err))
		} else {
			defer func() { _ = geo.Close() }()
			opts.Geo = geo
		}
	}

	if cfg.Browser.EagerInit {
		if _, err := manager.EnsureReady(ctx); err != nil {
			logger.Error("Initialization failed, server starting in degraded mode", zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handlers.NewRouter(handlers.New(manager, engine, logger, AppVersion), opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("health", "/health"),
			zap.String("sign", "POST /sign"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Could not start server", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("Server exited gracefully")
	return nil
}
