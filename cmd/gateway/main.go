// Package main is the entry point for the CloudGate API gateway. It loads
// configuration, wires the resilience core (rate limiter, circuit breakers,
// forwarder), assembles the middleware stack, starts the HTTP server, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudgate/gateway/internal/admin"
	"github.com/cloudgate/gateway/internal/auth"
	"github.com/cloudgate/gateway/internal/circuitbreaker"
	"github.com/cloudgate/gateway/internal/config"
	"github.com/cloudgate/gateway/internal/gateway"
	"github.com/cloudgate/gateway/internal/health"
	"github.com/cloudgate/gateway/internal/logging"
	"github.com/cloudgate/gateway/internal/metrics"
	"github.com/cloudgate/gateway/internal/middleware"
	"github.com/cloudgate/gateway/internal/proxy"
	"github.com/cloudgate/gateway/internal/ratelimit"
	"github.com/cloudgate/gateway/internal/ratelimit/store"
	"github.com/cloudgate/gateway/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		bootLogger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"auth_enabled", cfg.Auth.Enabled,
		"rate_limit_enabled", cfg.RateLimit.IsEnabled(),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Shared rate-limit store: redis when reachable, otherwise the
	// in-process store so a store outage never blocks startup.
	var rlStore store.Store
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	redisSt, err := store.NewRedisStore(storeCtx, cfg.RateLimit.Redis)
	storeCancel()
	if err != nil {
		logger.Warn("redis unreachable, rate limiting falls back to in-memory store",
			"address", cfg.RateLimit.Redis.Address, "error", err)
		rlStore = store.NewMemoryStore()
	} else {
		logger.Info("connected to rate-limit store", "address", cfg.RateLimit.Redis.Address)
		rlStore = redisSt
	}
	defer rlStore.Close()

	limiter := ratelimit.New(rlStore, cfg.RateLimit, logger)

	registry := circuitbreaker.NewRegistry(logger)
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}

	forwarder, err := proxy.New(cfg.Services, cfg.Proxy, breakerCfg, registry, logger)
	if err != nil {
		logger.Error("failed to create forwarder", "error", err)
		os.Exit(1)
	}

	var pinger health.Pinger
	if redisSt != nil {
		pinger = redisSt
	}
	healthHandler := health.New(forwarder, registry, pinger, logger)

	apiHandler := gateway.New(forwarder, registry, healthHandler.Readiness, logger)

	// Assemble middleware stack:
	// Recovery → RequestID → Logging → SecurityHeaders → CORS → BodyLimit →
	// RateLimit → Auth → API
	var handler http.Handler = apiHandler
	handler = auth.Middleware(cfg.Auth, auth.RequireAuthFunc(cfg.Services), logger)(handler)
	if cfg.RateLimit.IsEnabled() {
		rlMiddleware := ratelimit.NewMiddleware(limiter,
			cfg.RateLimit.ExcludePaths, cfg.Server.TrustedProxies, logger)
		handler = rlMiddleware.Handler(handler)
	}
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the middleware stack.
	mux := http.NewServeMux()
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, limiter, registry, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			err = serveTLS(srv, cfg.Server.TLS, logger)
		} else {
			logger.Info("starting gateway", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// buildLogger constructs the JSON logger per the logging config. The
// returned func closes the log file, if any.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var out io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = rw
		closeFn = func() { rw.Close() }
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// serveTLS starts the server with a hot-reloading certificate loader.
func serveTLS(srv *http.Server, cfg config.TLSConfig, logger *slog.Logger) error {
	loader, err := tlsutil.New(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}
	defer loader.Stop()

	minVersion := uint16(tls.VersionTLS12)
	if cfg.MinVersion == "1.3" {
		minVersion = tls.VersionTLS13
	}
	srv.TLSConfig = &tls.Config{
		GetCertificate: loader.GetCertificate,
		MinVersion:     minVersion,
	}

	logger.Info("starting gateway with TLS", "addr", srv.Addr)
	return srv.ListenAndServeTLS("", "")
}
