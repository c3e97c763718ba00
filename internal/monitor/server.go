// Package monitor exposes a read-only ops surface over the broker's
// database: health, Prometheus metrics, topic/subscription inspection,
// and a websocket feed of live stats.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/delimaa/pg-transit/internal/store"
)

// DataSource is the slice of the persistence layer the monitor reads.
type DataSource interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) ([]store.TopicStats, error)
	GetTopic(ctx context.Context, name string) (*store.Topic, error)
	ListTopics(ctx context.Context) ([]store.Topic, error)
	ListMessages(ctx context.Context, topicID uuid.UUID) ([]store.Message, error)
	ListSubscriptions(ctx context.Context, topicID uuid.UUID) ([]store.Subscription, error)
}

// Config holds the monitor server configuration.
type Config struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	StatsInterval time.Duration
}

// DefaultConfig binds to localhost only.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8090,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		StatsInterval: 2 * time.Second,
	}
}

// Server is the monitor HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	source   DataSource
	gatherer prometheus.Gatherer
	cfg      Config
}

// NewServer wires routes over the given data source and metric
// gatherer.
func NewServer(cfg Config, source DataSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		source:   source,
		gatherer: gatherer,
		cfg:      cfg,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/topics", s.handleTopics).Methods("GET")
	api.HandleFunc("/topics/{topic}/messages", s.handleTopicMessages).Methods("GET")
	api.HandleFunc("/topics/{topic}/subscriptions", s.handleTopicSubscriptions).Methods("GET")

	s.router.HandleFunc("/ws/stats", s.handleStatsFeed)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("monitor server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("monitor request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode monitor response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
