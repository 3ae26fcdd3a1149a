// Memoist realtime capture core server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/memoist/core/internal/api"
	"github.com/memoist/core/internal/blob"
	"github.com/memoist/core/internal/config"
	"github.com/memoist/core/internal/fanout"
	"github.com/memoist/core/internal/gateway"
	"github.com/memoist/core/internal/identity"
	"github.com/memoist/core/internal/middleware"
	"github.com/memoist/core/internal/store"
	"github.com/memoist/core/internal/stt"
	"github.com/memoist/core/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies. An unreachable store is fatal; everything
	// else degrades per-session.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	blobs, err := blob.NewFileStore(cfg.BlobDir)
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	var recognizer stt.Recognizer
	if cfg.STT.URL != "" {
		recognizer = stt.NewWebsocketRecognizer(cfg.STT.URL, cfg.STT.APIKey, stt.DefaultRetryPolicy())
		slog.Info("Transcription backend configured", "url", cfg.STT.URL)
	} else {
		recognizer = stt.Unconfigured{}
		slog.Warn("No transcription backend configured (STT_URL not set)")
	}

	dispatcher := workflow.NewDispatcher(cfg.Workflow.URL, cfg.Workflow.Timeout, stt.DefaultRetryPolicy())
	if cfg.Workflow.URL == "" {
		slog.Warn("No workflow engine configured (WORKFLOW_ENGINE_URL not set)")
	}

	bus := fanout.NewBus(cfg.SubscriberQueueSize)
	svc := gateway.NewService(repo, bus, recognizer, dispatcher, blobs, gateway.Config{
		DisconnectGrace:          cfg.DisconnectGrace,
		AbandonAfter:             cfg.AbandonAfter,
		ResumeReplayWindow:       cfg.ResumeReplayWindow,
		MaxConcurrentTranscribes: cfg.MaxConcurrentTranscribes,
	})

	conns := gateway.NewConnRegistry()
	wsHandler := gateway.NewWebSocketHandler(svc, conns, cfg.FrontendURL, cfg.IsDevelopment())
	sessionHandler := api.NewSessionHandler(repo, svc)
	callbackHandler := api.NewWorkflowCallbackHandler(dispatcher)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	callbackHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/capture", wsHandler.ServeHTTP)

	// WebSocket connections require long write timeouts.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers: workflow update relay and abandonment sweep.
	go svc.RunWorkflowRelay(ctx)
	svc.StartAbandonSweep(ctx)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
