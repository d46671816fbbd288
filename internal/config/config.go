// Package config handles configuration loading, validation, and persistence
// for the rcond remote console daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rcond/internal/authfail"
)

const (
	DefaultConfigDir         = "config"
	DefaultConfigFile        = "config.json"
	DefaultRconPort          = 27015
	DefaultRelayPort         = 27016
	DefaultAPIPort           = 5080
	DefaultMaxCommandSize    = 4096
	DefaultMaxQueuedMessages = 100
	DefaultTickRate          = 20
)

// Config is the root configuration structure for rcond.
type Config struct {
	mu   sync.RWMutex
	path string

	Rcon            RconConfig      `json:"rcon"`
	ApplicationData ApplicationData `json:"application_data"`
}

// RconConfig contains the remote console listener, relay and autoban settings.
type RconConfig struct {
	Password string `json:"rcon_password"`

	// Listener
	ListenAddress     string `json:"listen_address"`
	Port              int    `json:"port"`
	MaxCommandSize    int    `json:"max_command_size"`
	MaxQueuedMessages int    `json:"max_queued_messages"`
	TickRate          int    `json:"tick_rate"`

	// Relay (outbound connection to a remote console relay)
	RelayAddress  string `json:"relay_address"`
	RelayPort     int    `json:"relay_port"`
	RelayRetrySec int    `json:"relay_retry_sec"`

	// Failed-auth tracking
	MaxFailures         int      `json:"max_failures"`
	MinFailures         int      `json:"min_failures"`
	MinFailureWindowSec int      `json:"min_failure_window_sec"`
	BanPenaltyMin       int      `json:"ban_penalty_min"`
	Whitelist           []string `json:"whitelist"`

	// Remote access
	ProfilingRate      float64 `json:"profiling_rate"`
	ArtifactTimeoutSec int     `json:"artifact_timeout_sec"`
}

// ApplicationData contains the daemon's ancillary services.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
	Paths    PathsConfig    `json:"paths"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DatabaseConfig holds the sqlite store settings.
type DatabaseConfig struct {
	Path               string `json:"path"`
	AuditRetentionDays int    `json:"audit_retention_days"`
	CleanupTime        string `json:"cleanup_time"` // HH:MM, local time
}

// PathsConfig holds the directories used to assemble archives.
type PathsConfig struct {
	Screenshots           string `json:"screenshots"`
	Logs                  string `json:"logs"`
	Artifacts             string `json:"artifacts"`
	ArtifactRetentionDays int    `json:"artifact_retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Rcon: RconConfig{
			Port:                DefaultRconPort,
			MaxCommandSize:      DefaultMaxCommandSize,
			MaxQueuedMessages:   DefaultMaxQueuedMessages,
			TickRate:            DefaultTickRate,
			RelayPort:           DefaultRelayPort,
			RelayRetrySec:       30,
			MaxFailures:         10,
			MinFailures:         5,
			MinFailureWindowSec: 30,
			BanPenaltyMin:       30,
			Whitelist:           []string{},
			ProfilingRate:       4,
			ArtifactTimeoutSec:  30,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:        true,
				Port:           DefaultAPIPort,
				AllowedOrigins: []string{},
				RateLimitRPS:   20,
				IPWhitelist:    []string{},
			},
			MQTT: MQTTConfig{
				Port:        1883,
				ClientID:    "rcond",
				TopicPrefix: "rcond",
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
			Database: DatabaseConfig{
				Path:               filepath.Join("data", "rcond.db"),
				AuditRetentionDays: 30,
				CleanupTime:        "04:00",
			},
			Paths: PathsConfig{
				Screenshots:           "screenshots",
				Logs:                  "logs",
				Artifacts:             "artifacts",
				ArtifactRetentionDays: 14,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json carries every option known to this build.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds the rcon password.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRcon returns a copy of the rcon configuration.
func (c *Config) GetRcon() RconConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.Rcon
	r.Whitelist = append([]string(nil), c.Rcon.Whitelist...)
	return r
}

// SetRcon updates the rcon configuration.
func (c *Config) SetRcon(data RconConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rcon = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateRconField updates a single rcon field by its JSON key.
func (c *Config) UpdateRconField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.Rcon, key, value)
}

// UpdateAppField updates a single application field by its JSON key.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return updateField(&c.ApplicationData, key, value)
}

// updateField round-trips target through a JSON map so key matches the
// on-disk name. Unknown keys are rejected.
func updateField(target interface{}, key string, value interface{}) error {
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s", key)
	}

	// Command line values arrive as strings; decode them for typed fields.
	if raw, ok := value.(string); ok {
		if _, isString := m[key].(string); !isString {
			var decoded interface{}
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			value = decoded
		}
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rcon.Password == ""
}

// ListenAddr returns the host:port the rcon listener binds.
func (r RconConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.ListenAddress, r.Port)
}

// RelayAddr returns the relay host:port, or "" when no relay is configured.
func (r RconConfig) RelayAddr() string {
	if r.RelayAddress == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.RelayAddress, r.RelayPort)
}

// TickInterval is the frame period for the configured tick rate.
func (r RconConfig) TickInterval() time.Duration {
	if r.TickRate <= 0 {
		return time.Second / DefaultTickRate
	}
	return time.Second / time.Duration(r.TickRate)
}

// BanPenalty is the autoban duration. Zero means permanent.
func (r RconConfig) BanPenalty() time.Duration {
	return time.Duration(r.BanPenaltyMin) * time.Minute
}

// FailureTracking converts the autoban settings to a tracker configuration.
func (r RconConfig) FailureTracking() authfail.Config {
	return authfail.Config{
		MaxFailures:      r.MaxFailures,
		MinFailures:      r.MinFailures,
		MinFailureWindow: time.Duration(r.MinFailureWindowSec) * time.Second,
		Whitelist:        append([]string(nil), r.Whitelist...),
	}
}
