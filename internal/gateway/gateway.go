// ABOUTME: Gateway orchestrator that serves the HTTP API over chi
// ABOUTME: Owns the HTTP server lifecycle, idempotency cache and health endpoints

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-threads/internal/agent"
	"github.com/2389/coven-threads/internal/config"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/dedupe"
)

const (
	// defaultIdempotencyTTL applies when the server config leaves it unset.
	defaultIdempotencyTTL = 5 * time.Minute

	// idempotencyCacheSize bounds the number of remembered send keys.
	idempotencyCacheSize = 10000
)

// Deps are the services the gateway exposes.
type Deps struct {
	Registry     *agent.Registry
	Conversation *conversation.Service
	Threads      *conversation.Threads
}

// Gateway serves the coven-threads HTTP API.
type Gateway struct {
	config       config.ServerConfig
	registry     *agent.Registry
	conversation *conversation.Service
	threads      *conversation.Threads
	httpServer   *http.Server
	logger       *slog.Logger

	// idempotency remembers send results by Idempotency-Key
	idempotency *dedupe.Cache[*conversation.SendResult]
}

// New creates a gateway. Pass nil logger for default.
func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Registry == nil || deps.Conversation == nil || deps.Threads == nil {
		return nil, errors.New("gateway requires registry, conversation and threads")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	g := &Gateway{
		config:       cfg,
		registry:     deps.Registry,
		conversation: deps.Conversation,
		threads:      deps.Threads,
		logger:       logger.With("component", "gateway"),
		idempotency:  dedupe.New[*conversation.SendResult](ttl, idempotencyCacheSize),
	}
	g.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Handler returns the API router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", g.handleListAgents)
			r.Post("/", g.handleCreateAgent)
			r.Delete("/{agentID}", g.handleDeleteAgent)
		})
		r.Route("/threads", func(r chi.Router) {
			r.Get("/", g.handleListThreads)
			r.Post("/", g.handleCreateThread)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", g.handleGetThread)
				r.Patch("/", g.handleUpdateThread)
				r.Delete("/", g.handleDeleteThread)
				r.Get("/messages", g.handleThreadMessages)
				r.Post("/messages", g.handleSendMessage)
				r.Delete("/messages", g.handleClearMessages)
				r.Get("/events", g.handleThreadEvents)
				r.Get("/export", g.handleExport)
			})
		})
	})
	return r
}

// requestLogger logs each request through slog.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves until ctx is canceled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases the idempotency cache.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	err := g.httpServer.Shutdown(ctx)
	g.idempotency.Close()
	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when at least one agent is online.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	online := g.registry.OnlineCount()
	if online == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents online"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents online)", online)
}
