// ABOUTME: Gateway orchestrator that owns the HTTP server and the conversation service
// ABOUTME: Manages store, metrics, auth and health endpoints lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/studio-chat/internal/auth"
	"github.com/2389/studio-chat/internal/booking"
	"github.com/2389/studio-chat/internal/config"
	"github.com/2389/studio-chat/internal/conversation"
	"github.com/2389/studio-chat/internal/delivery"
	"github.com/2389/studio-chat/internal/metrics"
	"github.com/2389/studio-chat/internal/store"
	"github.com/2389/studio-chat/internal/typing"
)

// EnvDBPath overrides database.path when set
const EnvDBPath = "STUDIO_CHAT_DB_PATH"

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
)

// Gateway serves the conversation API over HTTP, SSE and WebSocket.
type Gateway struct {
	config     *config.Config
	store      store.Store
	service    *conversation.Service
	verifier   *auth.JWTVerifier // nil when auth is disabled
	registry   *prometheus.Registry
	validate   *validator.Validate
	httpServer *http.Server
	logger     *slog.Logger

	// streams is cancelled when shutdown begins so long-lived SSE and
	// WebSocket handlers return and let the HTTP server drain
	streams     context.Context
	stopStreams context.CancelFunc

	pingInterval time.Duration
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// serviceConfig maps the file configuration onto the service's tunables
func serviceConfig(cfg *config.Config) conversation.Config {
	return conversation.Config{
		MaxBodyRunes:     cfg.Messages.MaxBodyRunes,
		PageSize:         cfg.Messages.PageSize,
		WriteTimeout:     cfg.Messages.WriteTimeout,
		DedupeTTL:        cfg.Dedupe.TTL,
		DedupeMaxEntries: cfg.Dedupe.MaxEntries,
		Delivery: delivery.Config{
			QueueSize:       cfg.Delivery.QueueSize,
			PageSize:        cfg.Delivery.PageSize,
			EchoSuppression: cfg.Delivery.EchoSuppression,
			WriteTimeout:    cfg.Delivery.WriteTimeout,
		},
		Typing: typing.Config{
			DefaultTTL:    cfg.Typing.DefaultTTL,
			MaxTTL:        cfg.Typing.MaxTTL,
			SweepInterval: cfg.Typing.SweepInterval,
		},
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	bookings := booking.New(cfg.Booking.BaseURL, cfg.Booking.Timeout, logger)
	svc := conversation.New(s, bookings, serviceConfig(cfg), m, logger)

	streams, stopStreams := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		store:        s,
		service:      svc,
		registry:     registry,
		validate:     newValidator(),
		logger:       logger.With("component", "gateway"),
		streams:      streams,
		stopStreams:  stopStreams,
		pingInterval: cfg.Delivery.PingInterval,
	}
	if gw.pingInterval <= 0 {
		gw.pingInterval = defaultPingInterval
	}

	if !cfg.Auth.Disabled {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled && cfg.Metrics.Path != "" {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(gw.stopStreams)

	return gw, nil
}

// registerAPIRoutes registers API routes behind the identity middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
		g.logger.Info("HTTP token auth enabled")
	} else {
		g.logger.Warn("HTTP token auth disabled - trusting " + auth.ParticipantHeader + " header")
	}
	identify := auth.Middleware(verifier, g.logger)

	routes := map[string]http.HandlerFunc{
		"POST /api/conversations":               g.handleStartConversation,
		"GET /api/conversations":                g.handleListConversations,
		"GET /api/conversations/{id}":           g.handleGetConversation,
		"GET /api/conversations/{id}/messages":  g.handleHistory,
		"POST /api/conversations/{id}/messages": g.handleSendMessage,
		"POST /api/conversations/{id}/read":     g.handleMarkRead,
		"POST /api/conversations/{id}/typing":   g.handleTyping,
		"POST /api/conversations/{id}/archive":  g.handleArchive,
		"GET /api/conversations/{id}/events":    g.handleEvents,
		"GET /api/conversations/{id}/ws":        g.handleWebSocket,
		"POST /api/messages":                    g.handleSendToRecipient,
		"GET /api/conversations/{id}/presence":  g.handlePresence,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, identify(handler))
	}
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service returns the conversation service behind the gateway
func (g *Gateway) Service() *conversation.Service {
	return g.service
}

// setupListeners creates the HTTP listener.
func (g *Gateway) setupListeners() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServers starts the HTTP server in a goroutine, returning error channel.
func (g *Gateway) startServers(httpLn net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every session and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// no-op when the shutdown hook already ran
	g.stopStreams()
	g.service.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.service.Ready(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.service.SessionCount())
}
