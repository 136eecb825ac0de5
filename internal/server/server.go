// Package server provides the HTTP API for kotoba.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/auth"
	"github.com/hyperjump/kotoba/internal/chat"
	"github.com/hyperjump/kotoba/internal/config"
	"github.com/hyperjump/kotoba/internal/retrieval"
)

// CredentialSaver stores credentials obtained by a fresh login.
type CredentialSaver interface {
	Save(creds auth.Credentials) error
}

// Server is the HTTP server for the kotoba API.
type Server struct {
	manager  *chat.Manager
	selector *retrieval.Selector
	config   *config.ServerConfig
	logger   *zap.Logger
	server   *http.Server

	restorer  auth.Restorer
	login     auth.LoginFunc
	resolved  sync.Map // identity -> struct{}
	diskPaths []string
	timeout   time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSelector reports the selector's index in /api/v1/status.
func WithSelector(sel *retrieval.Selector) Option {
	return func(s *Server) { s.selector = sel }
}

// WithCredentials resolves credentials for each identity on first use.
// Fresh logins are saved when restorer also implements CredentialSaver.
func WithCredentials(restorer auth.Restorer, login auth.LoginFunc) Option {
	return func(s *Server) {
		s.restorer = restorer
		s.login = login
	}
}

// WithDiskUsage reports the size of paths in /api/v1/status.
func WithDiskUsage(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// WithTimeout bounds non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a server for manager's sessions.
func NewServer(manager *chat.Manager, cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		config:  cfg,
		logger:  zap.NewNop(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Use(middleware.Compress(5))

		r.Get("/health", s.handleHealth)
		r.Get("/api/v1/status", s.handleStatus)
		r.Put("/api/v1/settings/window", s.handleSetWindow)

		r.Route("/api/v1/users/{identity}/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleCreateConversation)
			r.Put("/active", s.handleSelectConversation)
			r.Delete("/{name}", s.handleDeleteConversation)
		})
	})

	// replies stream for as long as the model takes
	r.Post("/api/v1/users/{identity}/messages", s.handleMessage)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
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
