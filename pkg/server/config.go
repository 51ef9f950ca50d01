package server

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/pairchat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Auth    AuthSection    `toml:"auth"`
	Routing RoutingSection `toml:"routing"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	SSHPort      int    `toml:"ssh_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxMessageLength          int  `toml:"max_message_length"`
	MaxIdentityLength         int  `toml:"max_identity_length"`
	ForbidSeparatorInIdentity bool `toml:"forbid_separator_in_identity"`
	WriteTimeoutSeconds       int  `toml:"write_timeout_seconds"`
	EnforceContacts           bool `toml:"enforce_contacts"`
}

type AuthSection struct {
	RequireToken  bool   `toml:"require_token"`
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

type RoutingSection struct {
	BilateralJoin bool `toml:"bilateral_join"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      5002,
			HTTPPort:     5001,
			SSHPort:      0,
			MetricsPort:  9090,
			SSHHostKey:   "~/.pairchat/ssh_host_key",
			DatabasePath: "~/.pairchat/pairchat.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:    4096,
			MaxIdentityLength:   64,
			WriteTimeoutSeconds: 10,
		},
		Auth: AuthSection{
			TokenTTLHours: 24 * 7,
		},
		Routing: RoutingSection{
			BilateralJoin: true,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location still runs on defaults
		_ = writeDefaultConfig(path)
		config = applyEnvOverrides(config)
		return config, config.Limits.validate()
	}

	// Missing keys keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	config = applyEnvOverrides(config)
	if err := config.Limits.validate(); err != nil {
		return TOMLConfig{}, err
	}
	return config, nil
}

// validate keeps the limits inside what SERVER_CONFIG can carry: the
// identity limit is a u16, and no message can outgrow a frame. Zero
// means unlimited.
func (l LimitsSection) validate() error {
	if l.MaxIdentityLength < 0 || l.MaxIdentityLength > math.MaxUint16 {
		return fmt.Errorf("limits.max_identity_length must be between 0 and %d, got %d", math.MaxUint16, l.MaxIdentityLength)
	}
	if l.MaxMessageLength < 0 || l.MaxMessageLength > protocol.MaxFrameSize {
		return fmt.Errorf("limits.max_message_length must be between 0 and %d, got %d", protocol.MaxFrameSize, l.MaxMessageLength)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PAIRCHAT_SECTION_KEY
// Example: PAIRCHAT_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("PAIRCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("PAIRCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("PAIRCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("PAIRCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("PAIRCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("PAIRCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)

	// PORT is what the original deployment scripts set
	envInt("PORT", &config.Server.HTTPPort)

	envInt("PAIRCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("PAIRCHAT_LIMITS_MAX_IDENTITY_LENGTH", &config.Limits.MaxIdentityLength)
	envBool("PAIRCHAT_LIMITS_FORBID_SEPARATOR_IN_IDENTITY", &config.Limits.ForbidSeparatorInIdentity)
	envInt("PAIRCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envBool("PAIRCHAT_LIMITS_ENFORCE_CONTACTS", &config.Limits.EnforceContacts)

	envBool("PAIRCHAT_AUTH_REQUIRE_TOKEN", &config.Auth.RequireToken)
	envString("PAIRCHAT_AUTH_JWT_SECRET", &config.Auth.JWTSecret)
	envString("JWT_SECRET", &config.Auth.JWTSecret)
	envInt("PAIRCHAT_AUTH_TOKEN_TTL_HOURS", &config.Auth.TokenTTLHours)

	envBool("PAIRCHAT_ROUTING_BILATERAL_JOIN", &config.Routing.BilateralJoin)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# PairChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PAIRCHAT_SECTION_KEY (e.g., PAIRCHAT_SERVER_TCP_PORT=7000)

[server]
# Port for raw TCP connections
tcp_port = 5002

# Port for the public HTTP server (/ws and the /api directory endpoints)
http_port = 5001

# Port for SSH connections (password login against the directory)
# Set to 0 to disable
ssh_port = 0

# Internal metrics server (/metrics, /health). Never expose publicly.
metrics_port = 9090

# Path to SSH host key file (generated on first start)
ssh_host_key = "~/.pairchat/ssh_host_key"

# Path to SQLite database file
database_path = "~/.pairchat/pairchat.db"

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Maximum identity length in bytes
max_identity_length = 64

# Reject identities containing "_" so channel ids can never collide
# forbid_separator_in_identity = false

# Seconds a single write may block before the connection is dropped
write_timeout_seconds = 10

# Only allow chats with users in the sender's contact list
# enforce_contacts = false

[auth]
# Require a login token on set-identity (identity is taken from the token)
require_token = false

# Secret used to sign login tokens. Prefer the JWT_SECRET env var.
# jwt_secret = ""

# Login token lifetime in hours
token_ttl_hours = 168

[routing]
# Joining a chat also subscribes the counterpart's current connection
bilateral_join = true
`

	return os.WriteFile(path, []byte(content), 0644)
}

// ServerConfig holds resolved server configuration
type ServerConfig struct {
	TCPPort        int
	HTTPPort       int
	SSHPort        int
	MetricsPort    int
	SSHHostKeyPath string
	DatabasePath   string

	MaxMessageLength  int
	MaxIdentityLength int
	ForbidSeparator   bool
	WriteTimeout      time.Duration
	EnforceContacts   bool

	RequireToken bool
	JWTSecret    string
	TokenTTL     time.Duration

	BilateralJoin bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	return c.ToServerConfig()
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           c.Server.TCPPort,
		HTTPPort:          c.Server.HTTPPort,
		SSHPort:           c.Server.SSHPort,
		MetricsPort:       c.Server.MetricsPort,
		SSHHostKeyPath:    c.Server.SSHHostKey,
		DatabasePath:      c.Server.DatabasePath,
		MaxMessageLength:  c.Limits.MaxMessageLength,
		MaxIdentityLength: c.Limits.MaxIdentityLength,
		ForbidSeparator:   c.Limits.ForbidSeparatorInIdentity,
		WriteTimeout:      time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second,
		EnforceContacts:   c.Limits.EnforceContacts,
		RequireToken:      c.Auth.RequireToken,
		JWTSecret:         c.Auth.JWTSecret,
		TokenTTL:          time.Duration(c.Auth.TokenTTLHours) * time.Hour,
		BilateralJoin:     c.Routing.BilateralJoin,
	}
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
