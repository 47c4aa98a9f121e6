package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/tinfoillabs/vault-helper/internal/authflow"
	"github.com/tinfoillabs/vault-helper/internal/localapi"
	"github.com/tinfoillabs/vault-helper/internal/vault"
)

// App orchestrates the lifecycle of the helper server and related services.
type App struct {
	cfg    *Config
	auth   *authflow.Controller
	server *localapi.Server
}

// Option configures an App.
type Option func(*options)

type options struct {
	runner localapi.TaskRunner
}

// WithTaskRunner wires an agent engine into the helper server's /run-task
// endpoint.
func WithTaskRunner(r localapi.TaskRunner) Option {
	return func(o *options) {
		o.runner = r
	}
}

// New creates a new App instance.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := cfg.Auth.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	// I/O deferred until the first token is requested
	controller, err := authflow.New(authflow.Config{
		ClientID:        cfg.Auth.ClientID,
		AuthBaseURL:     cfg.Auth.BaseURL,
		Scopes:          cfg.Auth.Scopes,
		CallbackPort:    int(cfg.Auth.CallbackPort),
		CallbackTimeout: cfg.Auth.CallbackTimeout,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth controller: %w", err)
	}

	vaultClient, err := vault.NewClient(cfg.Vault.BaseURL, controller)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	serverOpts := []localapi.Option{
		localapi.WithFrontendOrigin(cfg.Server.FrontendOrigin),
	}
	if o.runner != nil {
		serverOpts = append(serverOpts, localapi.WithTaskRunner(o.runner))
	}
	server, err := localapi.New(vaultClient, serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create helper server: %w", err)
	}

	return &App{
		cfg:    cfg,
		auth:   controller,
		server: server,
	}, nil
}

// Auth exposes the authorization controller for command-line flows that act
// on credentials without running the server.
func (a *App) Auth() *authflow.Controller {
	return a.auth
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting helper server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("helper server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "helper server runtime error", "error", err)
				return fmt.Errorf("helper server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
