package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/shellbot/internal/bot"
)

// Server receives signed chat lines.
type Server struct {
	config  Config
	handler MessageHandler
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new webhook server instance.
func New(config Config, handler MessageHandler, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}

	return &Server{
		config:  config,
		handler: handler,
		logger:  logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleWebhook)
	return r
}

// loggingMiddleware logs HTTP requests (excludes message text).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles one inbound chat line.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	limitedReader := io.LimitReader(r.Body, s.config.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(s.config.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing",
			"path", r.URL.Path,
			"header", s.config.SignatureHeader,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifyHMACSignature(body, signature, s.config.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"error", err,
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var in InboundMessage
	if err := json.Unmarshal(body, &in); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Sender) == "" || strings.TrimSpace(in.Channel) == "" {
		s.respondError(w, http.StatusBadRequest, "sender and channel are required")
		return
	}

	res, err := s.handler.HandleMessage(r.Context(), bot.Message{
		Transport: Transport,
		Sender:    in.Sender,
		Channel:   in.Channel,
		Text:      in.Text,
		Private:   in.Private,
	})
	if err != nil {
		s.logger.Error("failed to handle webhook message",
			"channel", in.Channel,
			"error", err,
		)
		s.respondError(w, http.StatusInternalServerError, "failed to handle message")
		return
	}

	switch res.Action {
	case bot.ActionStarted:
		s.logger.Info("webhook command started",
			"sender", in.Sender,
			"channel", in.Channel,
			"invocation_id", res.InvocationID,
		)
		s.respondJSON(w, http.StatusAccepted, AcceptedResponse{InvocationID: res.InvocationID})
	case bot.ActionRejected:
		s.respondJSON(w, http.StatusServiceUnavailable, HandledResponse{Action: res.Action, Reason: res.Reason})
	default:
		s.respondJSON(w, http.StatusOK, HandledResponse{
			Action:    res.Action,
			Ignored:   res.Action == bot.ActionIgnored,
			Cancelled: res.Cancelled,
			Reason:    res.Reason,
		})
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
