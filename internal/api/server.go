package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webscrape/internal/metrics"
	"github.com/JakeFAU/webscrape/internal/tools"
)

const (
	defaultName           = "webscrape"
	defaultVersion        = "dev"
	defaultRequestTimeout = 60 * time.Second
	maxMessageBytes       = 1 << 20
)

// Registry is the tool and resource surface served over JSON-RPC.
type Registry interface {
	List() []tools.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (tools.Result, error)
	Resources() []tools.Resource
	ReadResource(uri string) (tools.ResourceContent, error)
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	// APIKey, when non-empty, is required on every route except /health.
	APIKey         string
	RequestTimeout time.Duration
	IDs            IDGenerator
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the tool registry.
type Server struct {
	router   chi.Router
	registry Registry
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(registry Registry, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.Version == "" {
		opts.Version = defaultVersion
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(opts.IDs, s.logger))
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/health", s.health)
	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey, s.logger))
		}
		r.Get("/metrics", metrics.Handler().ServeHTTP)
		r.With(timeoutMiddleware(opts.RequestTimeout)).Post("/message", s.message)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.opts.Name,
		"version": s.opts.Version,
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
