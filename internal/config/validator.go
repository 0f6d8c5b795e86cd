package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
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
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateTiming(&cfg.Timing, result)
	validateGame(&cfg.Game, result)
	validateServices(cfg, result)

	return result
}

func validateNetwork(data *NetworkConfig, result *ValidationResult) {
	if _, err := netip.ParseAddr(strings.TrimSpace(data.ServerIP)); err != nil {
		result.AddError("network.server_ip", fmt.Sprintf("invalid IP address %q", data.ServerIP))
	}
	if net.ParseIP(data.BindAddress) == nil {
		result.AddError("network.bind_address", fmt.Sprintf("invalid bind address %q", data.BindAddress))
	}

	validatePort(data.LobbyPort, "network.lobby_port", result)

	if data.MaxGames < 1 {
		result.AddError("network.max_games", "must allow at least 1 game")
	}
	if data.LobbyPort+data.MaxGames > 65535 {
		result.AddError("network.max_games",
			fmt.Sprintf("game ports %d-%d exceed 65535", data.LobbyPort+1, data.LobbyPort+data.MaxGames))
	}
	if data.MaxGames > 256 {
		result.AddWarning("network.max_games",
			fmt.Sprintf("high game count (%d) reserves many ports", data.MaxGames))
	}
	if data.QueueSize < 16 {
		result.AddWarning("network.queue_size", "small receive queue will drop bursts")
	}
}

func validateTiming(t *TimingConfig, result *ValidationResult) {
	if t.TickMS < 1 {
		result.AddError("timing.tick_ms", "tick must be at least 1ms")
	}
	if t.UpdateIntervalMS < t.TickMS {
		result.AddWarning("timing.update_interval_ms", "updates cannot be sent faster than the tick rate")
	}
	if t.ResendIntervalMS < 1 {
		result.AddError("timing.resend_interval_ms", "resend interval must be positive")
	}
	if t.Timeout() <= t.ResendInterval() {
		result.AddError("timing.timeout_ms", "timeout must be longer than the resend interval")
	}
	if t.Timeout() < time.Second {
		result.AddWarning("timing.timeout_ms", "timeout under 1s will evict players on brief hiccups")
	}
	if t.LobbyUpdateInterval() >= t.Timeout() {
		result.AddWarning("timing.lobby_update_interval_ms",
			"lobby listings expire on clients before the next update arrives")
	}
}

func validateGame(g *GameConfig, result *ValidationResult) {
	if g.MapWidth <= 0 || g.MapHeight <= 0 {
		result.AddError("game.map", "map dimensions must be positive")
	}
	if g.Speed <= 0 {
		result.AddError("game.speed", "speed must be positive")
	}
	if g.FlagPickupRadius <= 0 {
		result.AddError("game.flag_pickup_radius", "pickup radius must be positive")
	}
	if g.CapturesToWin < 1 {
		result.AddError("game.captures_to_win", "at least 1 capture is needed to win")
	}
	if g.MaxPlayers < 1 || g.MaxPlayers > 255 {
		result.AddError("game.max_players", "max players must be 1-255")
	}
	if g.MaxPlayers > 8 {
		result.AddWarning("game.max_players", "players beyond the 8-colour palette all appear white")
	}
	if !g.EndOnPlayerTimeout {
		result.AddWarning("game.end_on_player_timeout",
			"a player timeout only evicts that player instead of ending the match")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Network.LobbyPort {
			result.AddError("api.port", "API port conflicts with the lobby port")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.History.Enabled {
		if strings.TrimSpace(cfg.History.Path) == "" {
			result.AddError("history.path", "history database path is required when enabled")
		}
		if cfg.History.RetentionDays < 1 {
			result.AddError("history.retention_days", "retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", cfg.History.CleanupTime); err != nil {
			result.AddError("history.cleanup_time", "cleanup time must be HH:MM")
		}
	}

	if cfg.Health.CheckIntervalSec < 0 || cfg.Health.HeartbeatIntervalSec < 0 {
		result.AddError("health", "health intervals cannot be negative")
	}
	if cfg.Health.DiskWarnPercent <= 0 || cfg.Health.DiskWarnPercent > 100 {
		result.AddWarning("health.disk_warn_percent", "disk warning threshold outside (0, 100], disk alerts disabled")
	}

	if cfg.Webhook.URL != "" {
		u, err := url.Parse(cfg.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			result.AddError("webhook.url", "webhook URL must be an absolute http(s) URL")
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, using info", cfg.Logging.Level))
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

// IsPortAvailable checks if a UDP port is available for binding.
func IsPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
