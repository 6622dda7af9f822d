// Attune - empathy reconciliation server
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

	"github.com/ashureev/attune/internal/alignment"
	"github.com/ashureev/attune/internal/api"
	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/config"
	"github.com/ashureev/attune/internal/events"
	"github.com/ashureev/attune/internal/gatekeeper"
	"github.com/ashureev/attune/internal/identity"
	"github.com/ashureev/attune/internal/middleware"
	"github.com/ashureev/attune/internal/reconciler"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.Storage == config.StorageMemory {
		slog.Warn("Using in-memory storage; state is lost on restart")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DBPath)
}

//nolint:gocyclo,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "storage", cfg.Storage,
		"completion_provider", cfg.Completion.Provider, "reveal_policy", cfg.Reconciler.RevealPolicy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	client, err := completion.New(ctx, completion.Config{
		Provider:     cfg.Completion.Provider,
		GRPCAddr:     cfg.Completion.GRPCAddr,
		Model:        cfg.Completion.Model,
		AnthropicKey: cfg.Completion.AnthropicKey,
		GeminiKey:    cfg.Completion.GeminiKey,
		FixturesPath: cfg.Completion.FixturesPath,
		Timeout:      cfg.Completion.Timeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize completion client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			slog.Error("Failed to close completion client", "error", closeErr)
		}
	}()
	slog.Info("Completion client initialized", "provider", cfg.Completion.Provider)

	// Event delivery: the dispatcher drains the outbox into the local hub, or
	// into Redis when configured, in which case every instance forwards from
	// Redis into its own hub.
	hub := events.NewHub(cfg.Events.ReplayBuffer, logger)
	defer hub.Close()

	var sink events.Sink = hub
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	if cfg.Events.RedisAddr != "" {
		bus, err := events.NewRedisBus(ctx, cfg.Events.RedisAddr, cfg.Events.RedisChannel, logger)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.Events.RedisAddr)
			os.Exit(1)
		}
		defer func() {
			if closeErr := bus.Close(); closeErr != nil {
				slog.Error("Failed to close Redis bus", "error", closeErr)
			}
		}()
		if err := bus.Forward(ctx, hub); err != nil {
			slog.Error("Failed to subscribe to Redis events", "error", err)
			os.Exit(1)
		}
		sink = bus
		healthHandler.Check("redis", bus)
		slog.Info("Redis event bus connected", "channel", cfg.Events.RedisChannel)
	}

	dispatcher := events.NewDispatcher(repo, sink, events.DispatcherOptions{
		PollInterval: cfg.Events.PollInterval,
	}, logger)

	// Initialize services.
	anomalies := telemetry.NewAnomalies()
	analyzer := alignment.NewAnalyzer(client, alignment.Options{
		MaxRetries: cfg.Reconciler.AnalyzerMaxRetries,
	}, logger)
	gk := gatekeeper.New(client, gatekeeper.Options{Strict: cfg.Reconciler.StrictConsent}, anomalies, logger)
	svc := reconciler.New(repo, analyzer, gk, anomalies, reconciler.Options{
		MaxAnalysisRounds: cfg.Reconciler.MaxAnalysisRounds,
		RevealPolicy:      reconciler.RevealPolicy(cfg.Reconciler.RevealPolicy),
		StaleAfter:        cfg.Reconciler.StaleAfter,
		OnCommit:          dispatcher.Notify,
	}, logger)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	svc.StartSweeper(ctx, cfg.Reconciler.SweepInterval)

	// Initialize handlers.
	origins := middleware.Origins(cfg.FrontendURL)
	baseHandler := api.NewHandler(svc, logger)
	guesserHandler := api.NewGuesserHandler(baseHandler)
	subjectHandler := api.NewSubjectHandler(baseHandler)
	internalHandler := api.NewInternalHandler(baseHandler, cfg.Auth.InternalToken, anomalies)
	streamHandler := events.NewStreamHandler(hub, events.StreamOptions{
		Keepalive:  cfg.Events.Keepalive,
		RetryDelay: cfg.Events.RetryDelay,
	}, logger)
	wsHandler := events.NewWebSocketHandler(hub, origins, cfg.IsDevelopment(), logger)

	if cfg.Auth.InternalToken == "" {
		slog.Warn("INTERNAL_API_TOKEN not set; internal routes are unauthenticated (development only)")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))
	r.Use(identity.Middleware(identity.Options{
		TrustHeader:    cfg.Auth.TrustUserHeader,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		IsDev:          cfg.IsDevelopment(),
	}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	guesserHandler.RegisterRoutes(r)
	subjectHandler.RegisterRoutes(r)
	internalHandler.RegisterRoutes(r)

	// Event streams.
	r.Get("/api/events/stream", streamHandler.ServeHTTP)
	r.Get("/ws/events", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	// Keepalive runs every SSE_KEEPALIVE to maintain connection
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Streams only end when their subscriptions do.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	svc.Wait()
	<-dispatchDone
	// Analyses that finished after the dispatcher stopped still need delivery
	// to Redis; the outbox keeps whatever this misses for the next start.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if n, err := dispatcher.Flush(flushCtx); err != nil {
		slog.Warn("Final event flush failed", "error", err)
	} else if n > 0 {
		slog.Info("Flushed outbox on shutdown", "events", n)
	}

	slog.Info("Server stopped successfully")
}
