package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/factory"
	"github.com/lychee-technology/cardbase/internal/settings"
	"go.uber.org/zap"
)

// Server exposes a Backend over HTTP.
type Server struct {
	backend  cardbase.Backend
	maxLimit int
	metrics  *metrics
	mux      *http.ServeMux
}

// NewServer creates a new Server instance
func NewServer(backend cardbase.Backend, maxLimit int) *Server {
	return &Server{
		backend:  backend,
		maxLimit: maxLimit,
		metrics:  newMetrics(),
		mux:      http.NewServeMux(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("POST /api/v1/cards", s.handleInsert)
	s.mux.HandleFunc("PUT /api/v1/cards", s.handleUpsert)
	s.mux.HandleFunc("GET /api/v1/cards/{id}", s.handleGetByID)
	s.mux.HandleFunc("GET /api/v1/slugs/{slug}", s.handleGetBySlug)
	s.mux.HandleFunc("POST /api/v1/cards/batch", s.handleGetByIDs)
	s.mux.HandleFunc("POST /api/v1/query", s.handleQuery)
	s.mux.HandleFunc("POST /api/v1/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	configFile := flag.String("config", "", "config file (json, yaml or toml)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading CARDBASE_* variables")
	addr := flag.String("addr", ":"+getEnv("PORT", "8080"), "listen address")
	flag.Parse()

	config, err := settings.Load(*configFile, *envFile)
	if err != nil {
		sugar.Fatalf("failed to load config: %v", err)
	}
	if configured, err := cardbase.NewLogger(config.Logging); err == nil {
		zap.ReplaceGlobals(configured)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := factory.NewBackend(config)
	if err != nil {
		sugar.Fatalf("failed to create backend: %v", err)
	}
	if err := backend.Connect(ctx); err != nil {
		sugar.Fatalf("failed to connect backend: %v", err)
	}

	server := NewServer(backend, config.Query.MaxLimit)
	server.RegisterRoutes()
	factory.RegisterTelemetryEmitter(server.metrics.emit)
	httpServer := &http.Server{Addr: *addr, Handler: server.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// streams end first so their handlers return before Shutdown waits on them
		if err := backend.Disconnect(shutdownCtx); err != nil {
			zap.S().Warnw("backend disconnect failed", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnw("server shutdown failed", "error", err)
		}
	}()

	zap.S().Infow("starting server", "addr", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalf("server error: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
