package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tinfoillabs/vault-helper/internal/app"
	"github.com/tinfoillabs/vault-helper/internal/authflow"
	"github.com/tinfoillabs/vault-helper/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "vault-helper",
		Usage: "Local OAuth helper for the vault frontend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			logoutCommand(),
			statusCommand(),
			introspectCommand(),
			configShowCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the local helper server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otlp)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "helper server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "helper server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "server--frontend-origin",
				Usage: "browser origin allowed by CORS",
				Value: app.DefaultConfigFrontendOrigin,
			},
			&cli.StringFlag{
				Name:  "auth--client-id",
				Usage: "OAuth client identifier",
			},
			&cli.StringFlag{
				Name:  "auth--base-url",
				Usage: "authorization provider base URL",
			},
			&cli.IntFlag{
				Name:  "auth--callback-port",
				Usage: "loopback port for the OAuth redirect",
				Value: authflow.DefaultCallbackPort,
			},
			&cli.StringFlag{
				Name:  "auth--storage",
				Usage: "token storage backend (keyring|file|memory)",
				Value: string(app.DefaultConfigAuthStorage),
			},
			&cli.StringFlag{
				Name:  "vault--base-url",
				Usage: "vault worker API base URL",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	flush, err := setupObservability(cfg)
	if err != nil {
		return err
	}
	defer flush()

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// buildApp loads config, installs logging and constructs the application.
// The returned flush function drains buffered telemetry and must be deferred.
func buildApp(cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	flush, err := setupObservability(cfg)
	if err != nil {
		return nil, nil, err
	}

	application, err := app.New(cfg)
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	return application, flush, nil
}

func setupObservability(cfg *app.Config) (func(), error) {
	shutdown, err := observability.Instrument(cfg.LogLevel, string(cfg.LogFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry flush failed: %v\n", err)
		}
	}, nil
}
