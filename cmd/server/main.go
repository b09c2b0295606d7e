package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"session-orchestrator/internal/orchestrator"
	"session-orchestrator/internal/platform/auth"
	"session-orchestrator/internal/platform/config"
	"session-orchestrator/internal/platform/logger"
	"session-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	_ = config.Load()
	cfg := config.LoadServer()

	log := logger.New(cfg.LogLevel, cfg.LogFormat, slog.String("component", "server"))
	met := metrics.New()

	// Cancelled on shutdown; stops the reconciler and in-process controllers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBackends(ctx, cfg, log, met)
	if err != nil {
		log.Error("backend setup failed", "error", err)
		os.Exit(1)
	}
	defer b.close()

	svc := orchestrator.NewService(orchestrator.Deps{
		Store:    b.store,
		Shows:    b.shows,
		Media:    b.media,
		Queue:    b.queue,
		Launcher: b.launcher,
		Log:      log,
		Metrics:  met,
	}, orchestrator.Options{
		MaxActiveSessions: cfg.MaxActiveSessions,
		HostTokenTTL:      cfg.HostTokenTTL,
		ReconcileInterval: cfg.ReconcileInterval,
		ReservationGrace:  cfg.ReservationGrace,
	})

	if cfg.SeedFile != "" {
		seed, err := orchestrator.LoadSeedFile(cfg.SeedFile)
		if err == nil {
			err = svc.ApplySeed(ctx, seed)
		}
		if err != nil {
			log.Error("seed failed", "file", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
	}

	go svc.RunReconciler(ctx)

	h := orchestrator.NewHandler(svc, log, met, cfg.AdminActors)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			if n, err := svc.ActiveSessions(r.Context()); err == nil {
				met.SetActiveSessions(n)
			}
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.JWTSecret), log))
		h.Routes(r)
	})

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"launcher", cfg.LauncherBackend,
		"media", cfg.MediaBackend,
		"max_active_sessions", cfg.MaxActiveSessions,
		"auth", cfg.JWTSecret != "",
		"admin_actors", len(cfg.AdminActors),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	cancel()

	log.Info("server stopped")
}
