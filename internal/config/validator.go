package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateRcon(&cfg.Rcon, result)
	validateApplicationData(&cfg.ApplicationData, cfg.Rcon.Port, result)

	return result
}

func validateRcon(data *RconConfig, result *ValidationResult) {
	if strings.TrimSpace(data.Password) == "" {
		result.AddError("rcon.rcon_password", "rcon password is required, remote access stays locked without one")
	} else if len(data.Password) < 8 {
		result.AddWarning("rcon.rcon_password", "rcon password shorter than 8 characters")
	}

	if data.ListenAddress != "" && net.ParseIP(data.ListenAddress) == nil {
		result.AddError("rcon.listen_address", fmt.Sprintf("not an IP address: %s", data.ListenAddress))
	}
	validatePort(data.Port, "rcon.port", result)

	if data.RelayAddress != "" {
		validatePort(data.RelayPort, "rcon.relay_port", result)
		if data.RelayRetrySec < 1 {
			result.AddError("rcon.relay_retry_sec", "relay retry interval must be at least 1 second")
		}
	}

	if data.MaxCommandSize < 12 {
		result.AddError("rcon.max_command_size", "max command size must hold at least a frame header")
	}
	if data.MaxQueuedMessages < 1 {
		result.AddError("rcon.max_queued_messages", "must allow at least 1 queued message")
	}
	if data.TickRate < 1 || data.TickRate > 1000 {
		result.AddError("rcon.tick_rate", fmt.Sprintf("tick rate %d out of range (1-1000)", data.TickRate))
	}

	if data.MaxFailures < 1 {
		result.AddError("rcon.max_failures", "max failures must be at least 1")
	}
	if data.MinFailures < 1 {
		result.AddError("rcon.min_failures", "min failures must be at least 1")
	}
	if data.MinFailures > data.MaxFailures {
		result.AddWarning("rcon.min_failures", "min failures above max failures, the rate rule never triggers")
	}
	if data.MinFailureWindowSec < 1 {
		result.AddError("rcon.min_failure_window_sec", "failure window must be at least 1 second")
	}
	if data.BanPenaltyMin < 0 {
		result.AddError("rcon.ban_penalty_min", "ban penalty cannot be negative")
	} else if data.BanPenaltyMin == 0 {
		result.AddWarning("rcon.ban_penalty_min", "autobans are permanent")
	}

	for _, entry := range data.Whitelist {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err != nil {
			result.AddError("rcon.whitelist", fmt.Sprintf("not an IP or CIDR: %s", entry))
		}
	}

	if data.ProfilingRate <= 0 {
		result.AddError("rcon.profiling_rate", "profiling rate must be positive")
	}
	if data.ArtifactTimeoutSec < 1 {
		result.AddError("rcon.artifact_timeout_sec", "artifact timeout must be at least 1 second")
	}
}

func validateApplicationData(data *ApplicationData, rconPort int, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.Port == rconPort {
			result.AddError("application_data.api.port", "api port conflicts with the rcon port")
		}
		if strings.TrimSpace(data.API.Token) == "" {
			result.AddWarning("application_data.api.token",
				"api token is empty, the admin API will reject every request")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		for _, entry := range data.API.IPWhitelist {
			if net.ParseIP(entry) == nil {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					result.AddError("application_data.api.ip_whitelist", fmt.Sprintf("not an IP or CIDR: %s", entry))
				}
			}
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required")
	}
	if data.Database.AuditRetentionDays < 1 {
		result.AddWarning("application_data.database.audit_retention_days", "audit log is never pruned")
	}
	if t := data.Database.CleanupTime; t != "" {
		if _, err := time.Parse("15:04", t); err != nil {
			result.AddError("application_data.database.cleanup_time", fmt.Sprintf("expected HH:MM, got %q", t))
		}
	}

	if strings.TrimSpace(data.Logging.Directory) == "" {
		result.AddError("application_data.logging.directory", "log directory is required")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
