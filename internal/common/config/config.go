// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Outbound OutboundConfig `mapstructure:"outbound"`
	Session  SessionConfig  `mapstructure:"session"`
	State    StateConfig    `mapstructure:"state"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds listen address and connection-level settings.
type ServerConfig struct {
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	HeartbeatIntervalS   int    `mapstructure:"heartbeatIntervalS"`
	MaxInboundFrameBytes int    `mapstructure:"maxInboundFrameBytes"`
}

// OutboundConfig holds per-connection outbound channel settings.
type OutboundConfig struct {
	QueueCapacity    int `mapstructure:"queueCapacity"`
	CoalesceWindowMs int `mapstructure:"coalesceWindowMs"`
	// EnqueueWaitMs bounds how long a producer may block on a full outbound
	// queue before the connection is closed as a slow consumer.
	EnqueueWaitMs int `mapstructure:"enqueueWaitMs"`
}

// SessionConfig holds session engine settings.
type SessionConfig struct {
	HistoryRingSize      int  `mapstructure:"historyRingSize"`
	ReplayCap            int  `mapstructure:"replayCap"`
	ConfirmationTimeoutS int  `mapstructure:"confirmationTimeoutS"`
	ReconnectGraceS      int  `mapstructure:"reconnectGraceS"`
	SendLLMMessage       bool `mapstructure:"sendLLMMessage"`
}

// StateConfig holds signed-state settings.
type StateConfig struct {
	// SecretKey is the HMAC key for state signing. Empty means an ephemeral
	// random key is generated at startup; previously signed states will then
	// fail to restore after a restart.
	SecretKey           string `mapstructure:"secretKey"`
	MaxSnapshotMessages int    `mapstructure:"maxSnapshotMessages"`
	MaxStateBytes       int    `mapstructure:"maxStateBytes"`
	MaxSnapshotAgeDays  int    `mapstructure:"maxSnapshotAgeDays"`

	// EphemeralSecret is set when SecretKey was empty and a random key was
	// generated during validation.
	EphemeralSecret bool `mapstructure:"-"`
}

// PipelineConfig holds plan-solve pipeline settings.
type PipelineConfig struct {
	SolverConcurrency        int  `mapstructure:"solverConcurrency"`
	PlanConfirmationRequired bool `mapstructure:"planConfirmationRequired"`
	PlanConfirmationTimeoutS int  `mapstructure:"planConfirmationTimeoutS"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
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

// HeartbeatInterval returns the heartbeat interval as a time.Duration.
func (s *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalS) * time.Second
}

// CoalesceWindow returns the coalescing window as a time.Duration.
func (o *OutboundConfig) CoalesceWindow() time.Duration {
	return time.Duration(o.CoalesceWindowMs) * time.Millisecond
}

// EnqueueWait returns the slow-consumer enqueue bound as a time.Duration.
func (o *OutboundConfig) EnqueueWait() time.Duration {
	return time.Duration(o.EnqueueWaitMs) * time.Millisecond
}

// ConfirmationTimeout returns the confirmation timeout as a time.Duration.
func (s *SessionConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(s.ConfirmationTimeoutS) * time.Second
}

// ReconnectGrace returns the reconnect grace period as a time.Duration.
func (s *SessionConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceS) * time.Second
}

// MaxSnapshotAge returns the maximum signed-state age as a time.Duration.
func (s *StateConfig) MaxSnapshotAge() time.Duration {
	return time.Duration(s.MaxSnapshotAgeDays) * 24 * time.Hour
}

// PlanConfirmationTimeout returns the plan confirmation timeout as a time.Duration.
func (p *PipelineConfig) PlanConfirmationTimeout() time.Duration {
	return time.Duration(p.PlanConfirmationTimeoutS) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.heartbeatIntervalS", 60)
	v.SetDefault("server.maxInboundFrameBytes", 1<<20)

	// Outbound channel defaults
	v.SetDefault("outbound.queueCapacity", 1000)
	v.SetDefault("outbound.coalesceWindowMs", 75)
	v.SetDefault("outbound.enqueueWaitMs", 5000)

	// Session defaults
	v.SetDefault("session.historyRingSize", 1000)
	v.SetDefault("session.replayCap", 200)
	v.SetDefault("session.confirmationTimeoutS", 300)
	v.SetDefault("session.reconnectGraceS", 120)
	v.SetDefault("session.sendLLMMessage", false)

	// State defaults - empty secretKey means use an ephemeral random key
	v.SetDefault("state.secretKey", "")
	v.SetDefault("state.maxSnapshotMessages", 100)
	v.SetDefault("state.maxStateBytes", 100*1024)
	v.SetDefault("state.maxSnapshotAgeDays", 7)

	// Pipeline defaults
	v.SetDefault("pipeline.solverConcurrency", 4)
	v.SetDefault("pipeline.planConfirmationRequired", false)
	v.SetDefault("pipeline.planConfirmationTimeoutS", 300)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("state.secretKey", "AGENTGATE_STATE_SECRET_KEY")
	_ = v.BindEnv("server.heartbeatIntervalS", "AGENTGATE_SERVER_HEARTBEAT_INTERVAL_S")
	_ = v.BindEnv("outbound.queueCapacity", "AGENTGATE_OUTBOUND_QUEUE_CAPACITY")
	_ = v.BindEnv("session.reconnectGraceS", "AGENTGATE_SESSION_RECONNECT_GRACE_S")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

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

// validate checks that all required configuration fields are set and fills
// generated values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.HeartbeatIntervalS <= 0 {
		errs = append(errs, "server.heartbeatIntervalS must be positive")
	}
	if cfg.Server.MaxInboundFrameBytes <= 0 {
		errs = append(errs, "server.maxInboundFrameBytes must be positive")
	}

	if cfg.Outbound.QueueCapacity <= 0 {
		errs = append(errs, "outbound.queueCapacity must be positive")
	}
	if cfg.Outbound.CoalesceWindowMs < 0 {
		errs = append(errs, "outbound.coalesceWindowMs must not be negative")
	}
	if cfg.Outbound.EnqueueWaitMs <= 0 {
		errs = append(errs, "outbound.enqueueWaitMs must be positive")
	}

	if cfg.Session.HistoryRingSize <= 0 {
		errs = append(errs, "session.historyRingSize must be positive")
	}
	if cfg.Session.ReplayCap <= 0 {
		errs = append(errs, "session.replayCap must be positive")
	}
	if cfg.Session.ConfirmationTimeoutS <= 0 {
		errs = append(errs, "session.confirmationTimeoutS must be positive")
	}
	if cfg.Session.ReconnectGraceS < 0 {
		errs = append(errs, "session.reconnectGraceS must not be negative")
	}

	if cfg.State.MaxSnapshotMessages <= 0 {
		errs = append(errs, "state.maxSnapshotMessages must be positive")
	}
	if cfg.State.MaxStateBytes <= 0 {
		errs = append(errs, "state.maxStateBytes must be positive")
	}
	if cfg.State.MaxSnapshotAgeDays <= 0 {
		errs = append(errs, "state.maxSnapshotAgeDays must be positive")
	}

	if cfg.Pipeline.SolverConcurrency <= 0 {
		errs = append(errs, "pipeline.solverConcurrency must be positive")
	}
	if cfg.Pipeline.PlanConfirmationTimeoutS <= 0 {
		errs = append(errs, "pipeline.planConfirmationTimeoutS must be positive")
	}

	// State secret - generate an ephemeral random key if not set
	if cfg.State.SecretKey == "" {
		cfg.State.SecretKey = generateEphemeralSecret()
		cfg.State.EphemeralSecret = true
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

// generateEphemeralSecret generates a random per-process signing key.
// States signed with it cannot be restored after a restart.
func generateEphemeralSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure leaves no safe fallback for a signing key
		panic(fmt.Sprintf("config: cannot generate ephemeral secret: %v", err))
	}
	return hex.EncodeToString(buf)
}
