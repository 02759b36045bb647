// Package app assembles the service: configuration, persistence, the
// matching engine, and the HTTP/WebSocket surfaces, in dependency order.
package app

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatmatch/internal/api"
	"chatmatch/internal/config"
	"chatmatch/internal/database"
	"chatmatch/internal/engine"
	"chatmatch/internal/monitoring"
	"chatmatch/internal/persistence"
	"chatmatch/internal/persona"
	"chatmatch/internal/session"
	"chatmatch/internal/websocket"
	"chatmatch/pkg/interfaces"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	archiver   *database.Archiver
	kv         interfaces.Store
	registry   *websocket.Registry
	engine     *engine.Engine
	apiServer  *api.Server
	httpServer *http.Server
}

// NewApplication initializes every component in dependency order: the
// archive database and kv mirror first, then sessions and personas, then
// the engine, and finally the HTTP and WebSocket surfaces.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	archiver, err := database.NewArchiver(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive database: %w", err)
	}

	var kv interfaces.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := persistence.NewRedisStore(context.Background(), cfg.Redis)
		if err != nil {
			// The mirror is best-effort; run memory-only rather than refuse
			// to start.
			log.Printf("Redis unavailable, running memory-only: %v", err)
			kv = persistence.NewNoopStore()
		} else {
			kv = redisStore
		}
	} else {
		kv = persistence.NewNoopStore()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sessions := session.NewManager(cfg.AIChat, persona.NewCannedGenerator(), rng, nil)
	personas := persona.NewCatalog(nil, rng)

	promRegistry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(promRegistry)

	registry := websocket.NewRegistry()
	eng := engine.NewEngine(cfg, sessions, personas, kv, archiver, metrics, registry, nil)

	apiServer := api.NewServer(eng, archiver, promRegistry)
	wsHandler := websocket.NewHandler(registry, eng, cfg.WebSocket)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		archiver:   archiver,
		kv:         kv,
		registry:   registry,
		engine:     eng,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches the engine sweeps and then the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting chatmatch on %s", app.httpServer.Addr)

	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start matching engine: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.engine.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("chatmatch started successfully")
		return nil
	case <-ctx.Done():
		_ = app.engine.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse order: HTTP server first,
// then live connections, the engine, and last the archive database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down chatmatch")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.registry.CloseAll()

	if err := app.engine.Stop(); err != nil {
		log.Printf("Engine shutdown error: %v", err)
	}

	if closer, ok := app.kv.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("KV store shutdown error: %v", err)
		}
	}

	if err := app.archiver.Close(); err != nil {
		log.Printf("Archive shutdown error: %v", err)
	}

	log.Printf("chatmatch shutdown complete")
	return nil
}
