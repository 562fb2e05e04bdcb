// Package config provides configuration management for avatar-engine.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/sandbox"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Config holds all configuration sections for the avatar-engine server.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Uploads UploadsConfig `mapstructure:"uploads"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds the optional NATS event mirror configuration.
// An empty URL disables the mirror and keeps all events in-process.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// UploadsConfig holds the directory agent-generated images are saved to.
// Empty means a directory under the OS temp root.
type UploadsConfig struct {
	Dir string `mapstructure:"dir"`
}

// EngineConfig holds the conversation engine and bridge configuration.
type EngineConfig struct {
	// Provider selects the agent backend: stream_json, acp_a, or acp_b.
	Provider string `mapstructure:"provider"`

	// WorkingDir is the directory the agent subprocess runs in. Empty means
	// the server's own working directory.
	WorkingDir string `mapstructure:"workingDir"`

	// Timeout bounds each turn waiting on the agent, in seconds. Prompts
	// with attachments scale it up by 3s per MiB.
	Timeout int `mapstructure:"timeout"`

	// MaxRestarts is the automatic restart budget after bridge failures.
	MaxRestarts int `mapstructure:"maxRestarts"`

	// HealthCheckInterval enables the background health poll when positive,
	// in seconds.
	HealthCheckInterval int `mapstructure:"healthCheckInterval"`

	// MaxBudgetUSD refuses further turns once the accumulated cost reaches
	// it. Zero disables the budget gate.
	MaxBudgetUSD float64 `mapstructure:"maxBudgetUsd"`

	// RateLimitRPM throttles turns to this many per minute. Zero disables.
	RateLimitRPM   float64 `mapstructure:"rateLimitRpm"`
	RateLimitBurst int     `mapstructure:"rateLimitBurst"`

	// SystemPrompt is delivered natively where the agent has a flag for it,
	// otherwise prefixed onto the first user message of the session.
	SystemPrompt string `mapstructure:"systemPrompt"`

	// PermissionMode is passed through to agents that accept one
	// (e.g. acceptEdits, bypassPermissions).
	PermissionMode string `mapstructure:"permissionMode"`

	// MaxTurns caps agent-internal turns per prompt where supported.
	MaxTurns int `mapstructure:"maxTurns"`

	// FallbackModel is handed to the stream-JSON agent for overload failover.
	FallbackModel string `mapstructure:"fallbackModel"`

	// OutputSchema is an optional JSON schema constraining structured
	// output, written into the sandbox and passed by path.
	OutputSchema string `mapstructure:"outputSchema"`

	// AutoApprovePermissions answers agent permission asks with the first
	// allow option instead of surfacing them to subscribers.
	AutoApprovePermissions bool `mapstructure:"autoApprovePermissions"`

	// SessionMode selects the ACP session mode after creation, when set.
	SessionMode string `mapstructure:"sessionMode"`

	// ResumeSessionID loads a specific stored session on start;
	// ContinueLast loads the most recent one instead.
	ResumeSessionID string `mapstructure:"resumeSessionId"`
	ContinueLast    bool   `mapstructure:"continueLast"`

	// ProfilesPath points at a providers.yaml overriding launch profiles.
	ProfilesPath string `mapstructure:"profilesPath"`

	// ToolPolicy restricts which tools the agent may use. Deny wins.
	ToolPolicy types.ToolPolicy `mapstructure:"toolPolicy"`

	// MCPServers is written into the sandbox and handed to the agent by
	// path; the engine never interprets tool semantics.
	MCPServers map[string]sandbox.MCPServer `mapstructure:"mcpServers"`

	// Env is extra environment set on the agent subprocess only, never in
	// the host process.
	Env map[string]string `mapstructure:"env"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port string for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TimeoutDuration returns the per-turn agent timeout as a time.Duration.
func (e *EngineConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// HealthCheckIntervalDuration returns the health poll cadence; zero disables it.
func (e *EngineConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(e.HealthCheckInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AVATAR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("engine.provider", string(providers.StreamJSON))
	v.SetDefault("engine.timeout", 300)
	v.SetDefault("engine.maxRestarts", 3)
	v.SetDefault("engine.healthCheckInterval", 0)
	v.SetDefault("engine.rateLimitRpm", 0)
	v.SetDefault("engine.rateLimitBurst", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means events stay in-process
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "avatar-engine")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("uploads.dir", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AVATAR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/avatar/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AVATAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/avatar/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if _, err := providers.Parse(cfg.Engine.Provider); err != nil {
		errs = append(errs, fmt.Sprintf("engine.provider: %v", err))
	}
	if cfg.Engine.Timeout <= 0 {
		errs = append(errs, "engine.timeout must be positive")
	}
	if cfg.Engine.MaxRestarts < 0 {
		errs = append(errs, "engine.maxRestarts must not be negative")
	}
	if cfg.Engine.MaxBudgetUSD < 0 {
		errs = append(errs, "engine.maxBudgetUsd must not be negative")
	}
	if cfg.Engine.ResumeSessionID != "" && cfg.Engine.ContinueLast {
		errs = append(errs, "engine.resumeSessionId and engine.continueLast are mutually exclusive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
