// Package api is the HTTP surface: operator endpoints for managing clients
// and triggering syncs, and client endpoints for querying the indexed
// corpus. All sync work is delegated to the engine; handlers here are glue.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/engine"
	"github.com/shelfsync/shelfsync/internal/query"
	"github.com/shelfsync/shelfsync/internal/ratelimit"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// Server holds dependencies for API handlers
type Server struct {
	db            *db.DB
	storage       *storage.S3Storage // nil disables content endpoints
	engine        *engine.Engine
	queries       *query.Service
	guard         *scheduler.Guard
	limiter       ratelimit.RateLimiter
	operatorToken string
}

// Config wires server dependencies
type Config struct {
	DB            *db.DB
	Storage       *storage.S3Storage
	Engine        *engine.Engine
	Queries       *query.Service
	Guard         *scheduler.Guard
	Limiter       ratelimit.RateLimiter
	OperatorToken string
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	return &Server{
		db:            cfg.DB,
		storage:       cfg.Storage,
		engine:        cfg.Engine,
		queries:       cfg.Queries,
		guard:         cfg.Guard,
		limiter:       cfg.Limiter,
		operatorToken: cfg.OperatorToken,
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Content-Encoding"},
	}))
	r.Use(decompressMiddleware())

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	r.Route("/api/v1", func(r chi.Router) {
		// Operator endpoints: client management and sync triggers
		r.Group(func(r chi.Router) {
			r.Use(auth.OperatorMiddleware(s.operatorToken))

			r.Post("/clients", s.handleCreateClient)
			r.Get("/clients", s.handleListClients)
			r.Get("/clients/{clientID}", s.handleGetClient)
			r.Patch("/clients/{clientID}", s.handleUpdateClient)
			r.Delete("/clients/{clientID}", s.handleDeleteClient)
			r.Post("/clients/{clientID}/rotate-key", s.handleRotateAPIKey)

			r.Post("/clients/{clientID}/tags", s.handleAddTag)
			r.Delete("/clients/{clientID}/tags/{name}", s.handleRemoveTag)

			r.Post("/clients/{clientID}/sync", s.handleSync)
			r.Post("/clients/{clientID}/items/{remoteID}/resync", s.handleResyncItem)
		})

		// Client endpoints: querying the indexed corpus
		r.Group(func(r chi.Router) {
			r.Use(auth.ClientMiddleware(s.db))
			r.Use(ratelimit.Middleware(s.limiter, clientRateKey))

			r.Post("/query", s.handleQuery)
			r.Get("/items", s.handleListItems)
			r.Get("/items/{remoteID}/content", s.handleItemContent)
		})
	})

	return r
}

// clientRateKey keys rate limiting by the authenticated client
func clientRateKey(r *http.Request) string {
	if client, ok := auth.ClientFromContext(r.Context()); ok {
		return "client:" + client.ExternalID
	}
	return ""
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleRoot returns API info
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "shelfsync",
		"version": "v1",
	})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
