// mapsyncd is the real-time collaborative-editing server: it accepts
// WebSocket connections, groups them into rooms per map, relays graph edits
// and cursors between co-editors, tracks presence, and write-through-persists
// merged graph state to the hosted row store.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/supabase-community/supabase-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/2lar/mapsync/internal/collab"
	"github.com/2lar/mapsync/internal/config"
	"github.com/2lar/mapsync/internal/observability"
	"github.com/2lar/mapsync/internal/persistence"
	"github.com/2lar/mapsync/internal/realtime"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)

	// Tracing spans are no-ops until a provider is installed, so all the
	// instrumentation below is always wired and only exports when enabled.
	var tracerProvider *observability.TracerProvider
	if cfg.TracingEnabled {
		tracerProvider, err = observability.InitTracing(observability.TracingConfig{
			ServiceName: "mapsync",
			Environment: cfg.Environment,
			Endpoint:    cfg.TracingEndpoint,
		})
		if err != nil {
			logger.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	supaClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
	if err != nil {
		logger.Fatal("Failed to create store client", zap.Error(err))
	}

	hub := realtime.NewHub(logger.Named("hub"), metrics)
	go hub.Run()

	presence := realtime.NewRegistry(logger.Named("presence"), func(mapID string, participants []realtime.Participant) {
		data, err := collab.NewParticipantsEvent(mapID, participants)
		if err != nil {
			logger.Error("Failed to encode participants event", zap.Error(err))
			return
		}
		hub.BroadcastToAll(mapID, data)
	})

	var store persistence.Store = persistence.NewSupabaseStore(supaClient, cfg.MapsTable, cfg.ParticipantsTable)
	store = persistence.TraceStore(store, otel.Tracer(observability.TracerName))
	bridge := persistence.NewBridge(store, persistence.BridgeConfig{
		MaxRetries:   cfg.PersistMaxRetries,
		QueueSize:    cfg.PersistQueueSize,
		WriteTimeout: cfg.PersistTimeout,
	}, func(mapID string) {
		// Retry budget exhausted: warn the room, keep the session alive.
		data, err := collab.NewEvent(collab.EventMapUnsaved, collab.UnsavedPayload{MapID: mapID})
		if err != nil {
			return
		}
		hub.BroadcastToAll(mapID, data)
	}, logger.Named("bridge"), metrics)

	engine := collab.NewEngine(hub, bridge, logger.Named("engine"))
	cursors := collab.NewCursorRelay(hub, logger.Named("cursors"))
	dispatcher := collab.NewDispatcher(hub, presence, engine, cursors, bridge, logger.Named("dispatch"), metrics)

	auth := persistence.NewSupabaseAuthenticator(supaClient)
	wsServer := realtime.NewServer(hub, dispatcher, auth, &realtime.ServerConfig{
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		CheckOrigin:           originChecker(cfg.AllowedOrigins),
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
	}, logger.Named("ws"))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(observability.TracingMiddleware("mapsync"))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET"},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/ws", wsServer.HandleWebSocket)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("address", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	hub.Stop()
	if err := bridge.Close(shutdownCtx); err != nil {
		logger.Error("Persistence flush incomplete", zap.Error(err))
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("Tracing shutdown error", zap.Error(err))
		}
	}

	logger.Info("Server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(r *http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}
