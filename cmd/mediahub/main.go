package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediahub/mediahub/internal/api"
	"github.com/mediahub/mediahub/internal/auth"
	"github.com/mediahub/mediahub/internal/backend"
	"github.com/mediahub/mediahub/internal/backend/fs"
	"github.com/mediahub/mediahub/internal/backend/kms"
	"github.com/mediahub/mediahub/internal/call"
	"github.com/mediahub/mediahub/internal/config"
	"github.com/mediahub/mediahub/internal/hub"
	"github.com/mediahub/mediahub/internal/metrics"
	"github.com/mediahub/mediahub/internal/session"
	sipserver "github.com/mediahub/mediahub/internal/sip"
	"github.com/mediahub/mediahub/internal/verto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting mediahub",
		"service", cfg.Service,
		"http_port", cfg.HTTPPort,
		"sip_listen", cfg.SIPListen,
	)

	// Credential store for SIP digest and Verto logins.
	store := auth.NewStore()
	if cfg.Users != "" {
		if err := store.LoadUsers(cfg.Service, cfg.Users); err != nil {
			slog.Error("failed to load bootstrap users", "error", err)
			os.Exit(1)
		}
		slog.Info("bootstrap users loaded", "count", store.Count())
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	h := hub.New(hub.Config{
		Session: session.ManagerConfig{},
		Call: call.ManagerConfig{
			DefRing: cfg.DefRing(),
			MaxRing: cfg.MaxRing(),
		},
	}, logger)

	registerBackends(cfg, h, logger)

	// SIP adapter.
	sipSrv, err := sipserver.NewServer(sipserver.Config{
		ListenAddr:          cfg.SIPListen,
		Service:             cfg.Service,
		Domain:              cfg.SIPDomain,
		Registrar:           cfg.SIPRegistrar,
		ForceDomain:         cfg.SIPForceDomain,
		InviteNotRegistered: cfg.SIPInviteNotRegistered,
	}, h, store, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Verto and API adapters. Mounted on the main router unless given
	// their own listen address.
	vertoSrv := verto.NewServer(verto.Config{
		ListenAddr: cfg.VertoListen,
		Service:    cfg.Service,
	}, h, store, logger)
	if err := vertoSrv.Start(appCtx); err != nil {
		slog.Error("failed to start verto server", "error", err)
		os.Exit(1)
	}

	apiSrv := api.NewServer(api.Config{
		ListenAddr: cfg.APIListen,
		Secret:     jwtSecret,
	}, h, logger)
	if err := apiSrv.Start(appCtx); err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}

	// Metrics registry with the orchestrator collector.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(metrics.NewCollector(
		h.Sessions,
		h.Calls,
		h.Registry,
		func() int { return len(h.Rooms.List(cfg.Service)) },
		time.Now(),
	))

	r := chi.NewRouter()
	if cfg.VertoListen == "" {
		r.Get("/verto", vertoSrv.ServeHTTP)
	}
	if cfg.APIListen == "" {
		r.Get("/api/ws", apiSrv.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	vertoSrv.Stop(ctx)
	apiSrv.Stop(ctx)
	sipSrv.Stop()
	h.Shutdown(ctx)

	slog.Info("mediahub stopped")
}

// registerBackends wires the configured media backends into the hub.
// The p2p backend is always available; fs and kms run against the
// built-in loopback engine unless disabled.
func registerBackends(cfg *config.Config, h *hub.Hub, logger *slog.Logger) {
	h.Backends.Register(backend.NewP2P())

	if cfg.FSEngine == "loopback" {
		engine := fs.NewLoopbackEngine()
		adapter := fs.New(engine, h.Sessions, logger)
		engine.Notify = adapter.HandleEngineEvent
		h.Backends.Register(adapter)
		slog.Info("fs backend registered", "engine", cfg.FSEngine)
	}
	if cfg.KMSEngine == "loopback" {
		engine := kms.NewLoopbackEngine()
		h.Backends.Register(kms.New(engine, h.Sessions, logger))
		slog.Info("kms backend registered", "engine", cfg.KMSEngine)
	}
}
