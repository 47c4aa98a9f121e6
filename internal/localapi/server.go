// Package localapi serves the loopback HTTP API the frontend talks to. It
// exposes the vault worker's data behind the OAuth flow and dispatches agent
// tasks, so the browser app never touches tokens itself.
package localapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tinfoillabs/vault-helper/internal/observability/middleware"
)

// DefaultFrontendOrigin is the origin allowed to call this API unless
// configured otherwise.
const DefaultFrontendOrigin = "http://localhost:3000"

// Vault is the slice of the vault client the handlers need.
type Vault interface {
	Fetch(ctx context.Context) (map[string]any, error)
	Store(ctx context.Context, data map[string]any) error
	Clear(ctx context.Context) error
}

// Server is the local helper HTTP server.
type Server struct {
	vault  Vault
	runner TaskRunner
	origin string

	handler http.Handler
	server  *http.Server
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithTaskRunner sets the engine /run-task dispatches to. Without one, task
// requests fail with an internal error.
func WithTaskRunner(r TaskRunner) Option {
	return func(s *Server) {
		s.runner = r
	}
}

// WithFrontendOrigin overrides the origin allowed by CORS.
func WithFrontendOrigin(origin string) Option {
	return func(s *Server) {
		s.origin = origin
	}
}

// New creates the helper server around the given vault client.
func New(vault Vault, opts ...Option) (*Server, error) {
	if vault == nil {
		return nil, fmt.Errorf("missing vault client")
	}

	s := &Server{
		vault:  vault,
		runner: unconfiguredRunner{},
		origin: DefaultFrontendOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /run-task", s.handleRunTask)
	mux.HandleFunc("GET /get-vault", s.handleGetVault)
	mux.HandleFunc("POST /clear-vault", s.handleClearVault)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// CORS sits inside the logging chain so preflights show up in request
	// logs too.
	s.handler = applyMiddlewares(s.cors(mux),
		middleware.Logging(slog.Default()),
		Recovery,
		middleware.TraceContext,
	)

	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 30 * time.Second, // Inbound: Read entire client request (DoS protection against slow clients)
		// A task request may cover an interactive login plus an agent run, so
		// the response deadline stays generous but bounded.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  90 * time.Second, // Inbound: Keep-alive wait for next request from client
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
