// Package api is the watcher's control surface: enable/pause/poll per
// subscriber, status reads, health, metrics, and a live notification stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/bus"
	"github.com/menagerie-labs/chainwatch/pkg/store"
	"github.com/menagerie-labs/chainwatch/pkg/watch"
)

// WatcherControl is the controller surface the API exposes.
type WatcherControl interface {
	Enable(ctx context.Context, subscriberID string, backfillWindow uint64) error
	Pause(ctx context.Context, subscriberID string) error
	PollOnce(ctx context.Context, subscriberID string) error
	Status(ctx context.Context, subscriberID string) (*watch.SubscriberStatus, error)
}

// Server is the control API server.
type Server struct {
	config  *Config
	logger  *zap.Logger
	control WatcherControl
	stream  *bus.LocalBus
	router  *chi.Mux
	server  *http.Server
}

// ServerOptions carries the optional collaborators.
type ServerOptions struct {
	// Stream feeds the websocket endpoint. Nil disables /stream.
	Stream *bus.LocalBus

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewServer builds the control API server.
func NewServer(config *Config, control WatcherControl, logger *zap.Logger, opts *ServerOptions) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if control == nil {
		return nil, fmt.Errorf("watcher control is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  config,
		logger:  logger.Named("api"),
		control: control,
		router:  chi.NewRouter(),
	}
	if opts != nil {
		s.stream = opts.Stream
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/watchers/{subscriberID}", func(r chi.Router) {
		r.Post("/enable", s.handleEnable)
		r.Post("/pause", s.handlePause)
		r.Post("/poll", s.handlePoll)
		r.Get("/", s.handleStatus)
	})

	s.router.Get("/healthz", s.handleHealth)
	if opts != nil && opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.stream != nil {
		s.router.Get("/stream", s.handleStream)
	}

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting control API",
		zap.String("address", s.config.Address()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("control API stopped")
	return nil
}

// Router returns the underlying chi router (for testing).
func (s *Server) Router() *chi.Mux {
	return s.router
}

type enableRequest struct {
	BackfillWindow uint64 `json:"backfillWindow"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")

	var req enableRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	if err := s.control.Enable(r.Context(), subscriberID, req.BackfillWindow); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")
	if err := s.control.Pause(r.Context(), subscriberID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")
	if err := s.control.PollOnce(r.Context(), subscriberID); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "polled"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "subscriberID")
	status, err := s.control.Status(r.Context(), subscriberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("subscriber %s not found", subscriberID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := map[string]any{"status": "ok"}
	if s.stream != nil {
		response["streamClients"] = s.stream.SubscriberCount()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
