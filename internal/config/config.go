// Package config handles configuration loading, validation, and persistence
// for the flagrun server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "flagrun.json"
	DefaultServerIP   = "127.0.0.1"
	DefaultLobbyPort  = 5000
	DefaultAPIPort    = 5080

	// EnvPrefix prefixes every environment override, e.g.
	// FLAGRUN_NETWORK_LOBBY_PORT.
	EnvPrefix = "FLAGRUN_"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network NetworkConfig `json:"network" envPrefix:"NETWORK_"`
	Timing  TimingConfig  `json:"timing" envPrefix:"TIMING_"`
	Game    GameConfig    `json:"game" envPrefix:"GAME_"`
	Client  ClientConfig  `json:"client" envPrefix:"CLIENT_"`
	API     APIConfig     `json:"api" envPrefix:"API_"`
	MQTT    MQTTConfig    `json:"mqtt" envPrefix:"MQTT_"`
	History HistoryConfig `json:"history" envPrefix:"HISTORY_"`
	Health  HealthConfig  `json:"health" envPrefix:"HEALTH_"`
	Webhook WebhookConfig `json:"webhook" envPrefix:"WEBHOOK_"`
	Logging LoggingConfig `json:"logging" envPrefix:"LOG_"`
}

// NetworkConfig holds the lobby endpoint and socket settings.
type NetworkConfig struct {
	// ServerIP is the address clients connect to.
	ServerIP string `json:"server_ip" env:"SERVER_IP"`
	// BindAddress is the local address the server listens on.
	BindAddress string `json:"bind_address" env:"BIND_ADDRESS"`
	LobbyPort   int    `json:"lobby_port" env:"LOBBY_PORT"`
	// MaxGames bounds the instance ports lobby_port+1 .. lobby_port+max_games.
	MaxGames  int `json:"max_games" env:"MAX_GAMES"`
	QueueSize int `json:"queue_size" env:"QUEUE_SIZE"`
}

// TimingConfig holds protocol intervals in milliseconds.
type TimingConfig struct {
	TickMS                int `json:"tick_ms" env:"TICK_MS"`
	UpdateIntervalMS      int `json:"update_interval_ms" env:"UPDATE_INTERVAL_MS"`
	ResendIntervalMS      int `json:"resend_interval_ms" env:"RESEND_INTERVAL_MS"`
	TimeoutMS             int `json:"timeout_ms" env:"TIMEOUT_MS"`
	LobbyUpdateIntervalMS int `json:"lobby_update_interval_ms" env:"LOBBY_UPDATE_INTERVAL_MS"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (t TimingConfig) Tick() time.Duration                { return ms(t.TickMS) }
func (t TimingConfig) UpdateInterval() time.Duration      { return ms(t.UpdateIntervalMS) }
func (t TimingConfig) ResendInterval() time.Duration      { return ms(t.ResendIntervalMS) }
func (t TimingConfig) Timeout() time.Duration             { return ms(t.TimeoutMS) }
func (t TimingConfig) LobbyUpdateInterval() time.Duration { return ms(t.LobbyUpdateIntervalMS) }

// GameConfig holds match rules shared by server and client.
type GameConfig struct {
	MapWidth         float64 `json:"map_width" env:"MAP_WIDTH"`
	MapHeight        float64 `json:"map_height" env:"MAP_HEIGHT"`
	Speed            float64 `json:"speed" env:"SPEED"`
	FlagPickupRadius float64 `json:"flag_pickup_radius" env:"FLAG_PICKUP_RADIUS"`
	CapturesToWin    int     `json:"captures_to_win" env:"CAPTURES_TO_WIN"`
	MaxPlayers       int     `json:"max_players" env:"MAX_PLAYERS"`
	// EndOnPlayerTimeout ends the whole match when one player times out.
	EndOnPlayerTimeout bool `json:"end_on_player_timeout" env:"END_ON_PLAYER_TIMEOUT"`
}

// ClientConfig holds client-only settings.
type ClientConfig struct {
	BindAddress string `json:"bind_address" env:"BIND_ADDRESS"`
	FrameMS     int    `json:"frame_ms" env:"FRAME_MS"`
}

// Frame returns the client frame interval.
func (c ClientConfig) Frame() time.Duration { return ms(c.FrameMS) }

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" env:"ENABLED"`
	Port           int      `json:"port" env:"PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS   int      `json:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" env:"ENABLED"`
	BrokerURL   string `json:"broker_url" env:"BROKER_URL"`
	Port        int    `json:"port" env:"PORT"`
	UseTLS      bool   `json:"use_tls" env:"USE_TLS"`
	CertFile    string `json:"cert_file" env:"CERT_FILE"`
	KeyFile     string `json:"key_file" env:"KEY_FILE"`
	CAFile      string `json:"ca_file" env:"CA_FILE"`
	ClientID    string `json:"client_id" env:"CLIENT_ID"`
	TopicPrefix string `json:"topic_prefix" env:"TOPIC_PREFIX"`
}

// HistoryConfig holds match history storage settings.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" env:"ENABLED"`
	Path          string `json:"path" env:"PATH"`
	RetentionDays int    `json:"retention_days" env:"RETENTION_DAYS"`
	CleanupTime   string `json:"cleanup_time" env:"CLEANUP_TIME"`
}

// HealthConfig holds the server health check settings. Intervals are in
// seconds; zero disables that check.
type HealthConfig struct {
	CheckIntervalSec     int     `json:"check_interval_sec" env:"CHECK_INTERVAL_SEC"`
	HeartbeatIntervalSec int     `json:"heartbeat_interval_sec" env:"HEARTBEAT_INTERVAL_SEC"`
	DiskWarnPercent      float64 `json:"disk_warn_percent" env:"DISK_WARN_PERCENT"`
}

// WebhookConfig holds the Discord-compatible webhook notifier settings.
// An empty URL disables notifications.
type WebhookConfig struct {
	URL           string `json:"url" env:"URL"`
	NotifyMatches bool   `json:"notify_matches" env:"NOTIFY_MATCHES"`
	NotifyHealth  bool   `json:"notify_health" env:"NOTIFY_HEALTH"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" env:"LEVEL"`
	Directory  string `json:"directory" env:"DIRECTORY"`
	MaxSizeMB  int    `json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups" env:"MAX_BACKUPS"`
	Console    bool   `json:"console" env:"CONSOLE"`
}

// DefaultConfig returns a configuration with the reference behaviour.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ServerIP:    DefaultServerIP,
			BindAddress: "0.0.0.0",
			LobbyPort:   DefaultLobbyPort,
			MaxGames:    16,
			QueueSize:   256,
		},
		Timing: TimingConfig{
			TickMS:                10,
			UpdateIntervalMS:      100,
			ResendIntervalMS:      250,
			TimeoutMS:             5000,
			LobbyUpdateIntervalMS: 5000,
		},
		Game: GameConfig{
			MapWidth:           500,
			MapHeight:          500,
			Speed:              100,
			FlagPickupRadius:   10,
			CapturesToWin:      3,
			MaxPlayers:         8,
			EndOnPlayerTimeout: true,
		},
		Client: ClientConfig{
			BindAddress: "0.0.0.0:0",
			FrameMS:     16,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "flagrun",
			TopicPrefix: "flagrun",
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "history.db"),
			RetentionDays: 30,
			CleanupTime:   "04:00",
		},
		Health: HealthConfig{
			CheckIntervalSec:     60,
			HeartbeatIntervalSec: 30,
			DiskWarnPercent:      90,
		},
		Webhook: WebhookConfig{
			NotifyMatches: true,
			NotifyHealth:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file in configDir, then applies
// FLAGRUN_* environment overrides. Environment values are not written back
// to the file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig() // Start with defaults, then overlay
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	// Re-save to persist any new default fields.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays FLAGRUN_* environment variables.
func (c *Config) ApplyEnv() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
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

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetTiming returns a copy of the timing configuration.
func (c *Config) GetTiming() TimingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timing
}

// GetGame returns a copy of the game rules.
func (c *Config) GetGame() GameConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Game
}

// SetGame updates the game rules. Running instances keep the rules they
// were created with.
func (c *Config) SetGame(game GameConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Game = game
}

// GetClient returns a copy of the client configuration.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetHistory returns a copy of the history configuration.
func (c *Config) GetHistory() HistoryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.History
}

// GetHealth returns a copy of the health check configuration.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// GetWebhook returns a copy of the webhook configuration.
func (c *Config) GetWebhook() WebhookConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Webhook
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
