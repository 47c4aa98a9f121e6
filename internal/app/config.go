package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tinfoillabs/vault-helper/internal/authflow"
	"github.com/tinfoillabs/vault-helper/internal/localapi"
	"github.com/tinfoillabs/vault-helper/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTLP LogFormat = "otlp"
)

// TokenStorageType represents the different storage types supported for stored tokens.
type TokenStorageType string

const (
	TokenStorageTypeKeyring TokenStorageType = "keyring"
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeMemory  TokenStorageType = "memory"
)

// keyringService is the fixed service name token records are filed under in
// the OS credential store. The account is the OAuth client ID, so switching
// client identities never clobbers another identity's tokens.
const keyringService = "vault-helper"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 8991
	DefaultConfigFrontendOrigin  = localapi.DefaultFrontendOrigin
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAuthStorage     = TokenStorageTypeKeyring
)

// ServerConfig holds the local helper server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type

	// FrontendOrigin is the browser origin allowed to call the helper API.
	FrontendOrigin string `json:"frontend_origin" validate:"omitempty,url"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// AuthConfig describes the OAuth client identity and how the authorization
// flow runs for it.
type AuthConfig struct {
	// ClientID is the registered public client identifier.
	ClientID string `json:"client_id" validate:"required"`

	// BaseURL is the authorization provider root.
	BaseURL string `json:"base_url" validate:"required,url"`

	// Scopes requested on interactive authorization. Empty means the
	// standard set.
	Scopes []string `json:"scopes,omitempty"`

	// CallbackPort is the loopback port registered in the client's redirect
	// URI.
	CallbackPort uint16 `json:"callback_port"`

	// CallbackTimeout bounds how long an interactive login waits for the
	// browser redirect.
	CallbackTimeout time.Duration `json:"callback_timeout"`

	// Storage configuration - where token records are kept
	Storage TokenStorageType `json:"storage" validate:"required,oneof=keyring file memory"`

	// File is the record path for file storage.
	File string `json:"file,omitempty"`
}

// NewTokenStore creates a token store from the authentication configuration.
func (a *AuthConfig) NewTokenStore() (tokenstore.Store, error) {
	switch a.Storage {
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, a.ClientID)
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File)
	case TokenStorageTypeMemory:
		return tokenstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// VaultConfig holds the vault worker API configuration.
type VaultConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json otlp"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Auth      AuthConfig     `json:"auth"`
	Vault     VaultConfig    `json:"vault"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults. The
// original helper was configured purely through HELPER_APP_CLIENT_ID,
// AUTH_WORKER_URL, MCP_WORKER_API_URL and CALLBACK_PORT; those variables
// still work here as fallbacks.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Server.FrontendOrigin == "" {
		c.Server.FrontendOrigin = DefaultConfigFrontendOrigin
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	if c.Auth.ClientID == "" {
		c.Auth.ClientID = os.Getenv("HELPER_APP_CLIENT_ID")
	}
	if c.Auth.BaseURL == "" {
		c.Auth.BaseURL = os.Getenv("AUTH_WORKER_URL")
	}
	if c.Vault.BaseURL == "" {
		c.Vault.BaseURL = os.Getenv("MCP_WORKER_API_URL")
	}
	if c.Auth.CallbackPort == 0 {
		if v := os.Getenv("CALLBACK_PORT"); v != "" {
			port, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return fmt.Errorf("invalid CALLBACK_PORT %q: %w", v, err)
			}
			c.Auth.CallbackPort = uint16(port)
		} else {
			c.Auth.CallbackPort = authflow.DefaultCallbackPort
		}
	}
	if c.Auth.CallbackTimeout == 0 {
		c.Auth.CallbackTimeout = authflow.DefaultCallbackTimeout
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = authflow.DefaultScopes
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}

	// Dynamic defaults based on storage type
	if c.Auth.Storage == TokenStorageTypeFile && c.Auth.File == "" {
		if v := os.Getenv("TOKEN_FILE"); v != "" {
			c.Auth.File = v
		} else {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "vault-helper", "tokens.json")
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Auth.Storage == TokenStorageTypeFile && c.Auth.File == "" {
		return errors.New("file path required for file storage")
	}
	if c.Auth.CallbackPort == 0 {
		return errors.New("callback port required")
	}

	return nil
}
