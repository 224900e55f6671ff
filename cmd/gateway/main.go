// Command gateway runs the reverse-proxy data plane: identity resolution,
// rate limiting, risk scoring, decisioning, streaming proxy, and
// asynchronous audit emission. Modeled on cmd/api/main.go's wiring and
// graceful-shutdown style.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/gateway/internal/audit"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/controlplane"
	"github.com/ocx/gateway/internal/gateway"
	"github.com/ocx/gateway/internal/kv"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/proxy"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/risk"
)

func main() {
	cfg := config.Get()

	logger := slog.Default()
	slog.Info("gateway starting", "env", cfg.Env, "port", cfg.Server.Port)

	var kvClient kv.Client
	if cfg.Redis.Enabled {
		redisClient, err := kv.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			slog.Warn("invalid redis URL, falling back to in-memory KV store", "error", err)
			kvClient = kv.NewMemoryClient()
		} else {
			kvClient = redisClient
			slog.Info("redis KV client initialized", "url", cfg.Redis.URL)
		}
	} else {
		slog.Info("redis disabled (REDIS_ENABLED=false), using in-memory KV store")
		kvClient = kv.NewMemoryClient()
	}

	controlClient := controlplane.New(controlplane.Config{
		BaseURL:            cfg.Control.BaseURL,
		SharedSecret:       cfg.Control.SharedSecret,
		ConfigFetchTimeout: time.Duration(cfg.Control.ConfigFetchTimeoutSec) * time.Second,
		AuditSendTimeout:   time.Duration(cfg.Control.AuditSendTimeoutMillis) * time.Millisecond,
	})

	projectRegistry := registry.New(controlClient, time.Duration(cfg.Control.ConfigRefreshSec)*time.Second, logger)

	// The background shutdown context governs the registry refresher and
	// the audit sender; both must stop before the process exits.
	bgCtx, bgCancel := context.WithCancel(context.Background())

	startCtx, startCancel := context.WithTimeout(bgCtx, time.Duration(cfg.Control.ConfigFetchTimeoutSec)*time.Second*3)
	if err := projectRegistry.Start(startCtx, bgCtx); err != nil {
		slog.Warn("initial registry refresh failed, serving with empty snapshot", "error", err)
	}
	startCancel()

	limiter := ratelimit.New(kvClient, ratelimit.Config{
		RPM:   cfg.RateLimit.RequestsPerMinute,
		Burst: cfg.RateLimit.Burst,
	})
	scorer := risk.New(kvClient)
	streamingProxy := proxy.New(proxy.Config{
		Timeout:             time.Duration(cfg.Proxy.TimeoutSec) * time.Second,
		MaxIdleConns:        cfg.Proxy.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
	})
	auditSink := audit.New(bgCtx, controlClient, logger, cfg.Audit.QueueCapacity)

	gw := gateway.New(gateway.Deps{
		Registry:  projectRegistry,
		Limiter:   limiter,
		Scorer:    scorer,
		Proxy:     streamingProxy,
		AuditSink: auditSink,
		Logger:    logger,
	})

	router := mux.NewRouter()
	router.HandleFunc("/health", gw.Health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(gw)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")

		bgCancel()
		auditSink.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}

	slog.Info("gateway stopped")
}
