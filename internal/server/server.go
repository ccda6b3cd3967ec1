// Package server provides the HTTP API for Mirip.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/mirip/internal/cache"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server is the HTTP server for the Mirip API.
type Server struct {
	engine  *search.Engine
	indexer *indexer.Indexer
	storage storage.Storage
	cache   *cache.MemoryCache
	config  *config.ServerConfig
	logger  *zap.Logger
	limiter *rate.Limiter
	server  *http.Server
}

// NewServer creates a server with the given dependencies. resultCache is only
// read for status reporting and may be nil.
func NewServer(
	engine *search.Engine,
	idx *indexer.Indexer,
	storage storage.Storage,
	resultCache *cache.MemoryCache,
	cfg *config.ServerConfig,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Server{
		engine:  engine,
		indexer: idx,
		storage: storage,
		cache:   resultCache,
		config:  cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
	}
}

// Router builds the HTTP handler with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.With(s.rateLimited).Post("/api/v1/search/image", s.handleImageSearch)

	r.Post("/api/v1/products", s.handleCreateProduct)
	r.Get("/api/v1/products/{id}", s.handleGetProduct)
	r.Patch("/api/v1/products/{id}", s.handleUpdateProduct)
	r.Delete("/api/v1/products/{id}", s.handleDeleteProduct)
	r.Get("/api/v1/products/{id}/images", s.handleListImages)
	r.Post("/api/v1/products/{id}/images", s.handleUploadImage)
	r.Delete("/api/v1/images/{id}", s.handleDeleteImage)

	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
