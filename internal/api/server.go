// Package api serves the shellbot HTTP API: chat messages in, invocation
// history and live state out, and a server-sent event stream of lifecycle
// events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/shellbot/internal/auth"
	"github.com/mattjoyce/shellbot/internal/bot"
	"github.com/mattjoyce/shellbot/internal/events"
	"github.com/mattjoyce/shellbot/internal/history"
)

// Transport is the bot transport name for messages posted to the API.
const Transport = "api"

// Dispatcher is the part of *bot.Bot the API drives.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg bot.Message) (bot.Result, error)
	Active() []bot.ActiveInvocation
	Cancel(id string) bool
}

// HistoryReader is the part of *history.Store the API reads.
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]history.Record, error)
	Get(ctx context.Context, id string) (*history.Detail, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single full-access bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Version is reported by /healthz.
	Version string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	bot       Dispatcher
	history   HistoryReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history may be nil when no
// database is configured.
func New(config Config, b Dispatcher, history HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		bot:       b,
		history:   history,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Channel returns the outbound side of the API transport, for
// bot.Register. Replies are published as chat.line events.
func (s *Server) Channel() bot.Channel {
	return &eventChannel{hub: s.events}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
		// Streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeMessagesWrite)).Post("/messages", s.handlePostMessage)
		r.With(s.requireScopes(auth.ScopeInvocationsRead)).Get("/invocations", s.handleListInvocations)
		r.With(s.requireScopes(auth.ScopeInvocationsRead)).Get("/invocations/{id}", s.handleGetInvocation)
		r.With(s.requireScopes(auth.ScopeInvocationsWrite)).Delete("/invocations/{id}", s.handleCancelInvocation)
		r.With(s.requireScopes(auth.ScopeInvocationsRead)).Get("/active", s.handleActive)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
