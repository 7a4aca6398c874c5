package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/utils"
)

const DefaultPath = "config.json"

type DatabaseConfig struct {
	Driver             string `json:"driver" toml:"driver"` // "mongo" or "memory"
	Host               string `json:"host" toml:"host"`
	Port               uint64 `json:"port" toml:"port"`
	Username           string `json:"username" toml:"username"`
	Password           string `json:"password" toml:"password"`
	Database           string `json:"database" toml:"database"`
	UseTLS             bool   `json:"use_tls" toml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" toml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" toml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" toml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" toml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" toml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" toml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" toml:"max_pool_size"`
	ChannelCacheSize   int    `json:"channel_cache_size" toml:"channel_cache_size"`
	ChannelCacheTTL    string `json:"channel_cache_ttl" toml:"channel_cache_ttl"`
}

type AppConfig struct {
	Name           string `json:"name" toml:"name"`
	Hostname       string `json:"hostname" toml:"hostname"`
	Port           int    `json:"port" toml:"port"`
	RouterPort     int    `json:"router_port" toml:"router_port"`
	EndpointURL    string `json:"endpoint_url" toml:"endpoint_url"`
	MaxConnections int    `json:"max_connections" toml:"max_connections"`
}

type ConnectionConfig struct {
	HandshakeTimeout   string `json:"handshake_timeout" toml:"handshake_timeout"`
	IdleTimeout        string `json:"idle_timeout" toml:"idle_timeout"`
	PollInterval       string `json:"poll_interval" toml:"poll_interval"`
	WriteTimeout       string `json:"write_timeout" toml:"write_timeout"`
	MinPingInterval    string `json:"min_ping_interval" toml:"min_ping_interval"`
	MaxBatch           int    `json:"max_batch" toml:"max_batch"`
	MaxStorageFailures int    `json:"max_storage_failures" toml:"max_storage_failures"`
	InboxSize          int    `json:"inbox_size" toml:"inbox_size"`
	MaxMessageSize     int64  `json:"max_message_size" toml:"max_message_size"`
}

type RetryConfig struct {
	InitialDelay string  `json:"initial_delay" toml:"initial_delay"`
	Multiplier   float64 `json:"multiplier" toml:"multiplier"`
	MaxDelay     string  `json:"max_delay" toml:"max_delay"`
	Attempts     int     `json:"attempts" toml:"attempts"`
	Jitter       bool    `json:"jitter" toml:"jitter"`
}

type BroadcastConfig struct {
	URL          string `json:"url" toml:"url"`
	Token        string `json:"token" toml:"token"`
	PollInterval string `json:"poll_interval" toml:"poll_interval"`
}

type Config struct {
	App        AppConfig        `json:"app" toml:"app"`
	Database   DatabaseConfig   `json:"database" toml:"database"`
	Connection ConnectionConfig `json:"connection" toml:"connection"`
	Retry      RetryConfig      `json:"retry" toml:"retry"`
	Broadcast  BroadcastConfig  `json:"broadcast" toml:"broadcast"`
	DebugMode  bool             `json:"debug_mode" toml:"debug_mode"`
	LogPath    string           `json:"log_path" toml:"log_path"`
}

var (
	config      Config
	initialized = false
	mu          sync.Mutex
)

// Default returns a configuration that runs against the memory store on
// the standard ports.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:           "push-server",
			Hostname:       "localhost",
			Port:           8080,
			RouterPort:     8081,
			EndpointURL:    "http://localhost:8082",
			MaxConnections: 10000,
		},
		Database: DatabaseConfig{
			Driver:             "memory",
			Host:               "localhost",
			Port:               27017,
			Database:           "push",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        4,
			MaxPoolSize:        100,
			ChannelCacheSize:   4096,
			ChannelCacheTTL:    "1m",
		},
		Connection: ConnectionConfig{
			HandshakeTimeout:   "10s",
			IdleTimeout:        "5m",
			PollInterval:       "30s",
			WriteTimeout:       "10s",
			MinPingInterval:    "1s",
			MaxBatch:           10,
			MaxStorageFailures: 3,
			InboxSize:          64,
			MaxMessageSize:     64 * 1024,
		},
		Retry: RetryConfig{
			InitialDelay: "100ms",
			Multiplier:   2,
			MaxDelay:     "5s",
			Attempts:     5,
			Jitter:       true,
		},
		Broadcast: BroadcastConfig{
			PollInterval: "30s",
		},
		LogPath: "logs",
	}
}

// ReadConfig loads path (JSON, or TOML when it ends in .toml) over the
// defaults. A missing JSON file is created with the defaults and reported
// as an error so the operator can edit it first.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	bytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !isToml(path) {
			data, _ := json.MarshalIndent(cfg, "", "\t")
			_ = os.WriteFile(path, data, 0644)
			return cfg, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
		}
		return cfg, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if isToml(path) {
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return cfg, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	} else if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	mu.Lock()
	config = cfg
	initialized = true
	mu.Unlock()
	return cfg, nil
}

// GetConfig returns the last configuration loaded by ReadConfig, or the
// defaults when nothing was loaded.
func GetConfig() Config {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return config
	}
	return Default()
}

func isToml(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (c Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range", c.App.Port)
	}
	if c.App.RouterPort <= 0 || c.App.RouterPort > 65535 {
		return fmt.Errorf("app.router_port %d out of range", c.App.RouterPort)
	}
	if c.App.RouterPort == c.App.Port {
		return errors.New("app.router_port must differ from app.port")
	}
	switch c.Database.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("database.driver must be mongo or memory, got %q", c.Database.Driver)
	}
	if c.Connection.MaxBatch <= 0 {
		return errors.New("connection.max_batch must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("retry.attempts must be positive")
	}
	durations := map[string]string{
		"database.connect_timeout":      c.Database.ConnectTimeout,
		"database.socket_timeout":       c.Database.SocketTimeout,
		"database.connect_idle_timeout": c.Database.ConnectIdleTimeout,
		"database.operation_timeout":    c.Database.OperationTimeout,
		"database.heartbeat":            c.Database.Heartbeat,
		"database.channel_cache_ttl":    c.Database.ChannelCacheTTL,
		"connection.handshake_timeout":  c.Connection.HandshakeTimeout,
		"connection.idle_timeout":       c.Connection.IdleTimeout,
		"connection.poll_interval":      c.Connection.PollInterval,
		"connection.write_timeout":      c.Connection.WriteTimeout,
		"connection.min_ping_interval":  c.Connection.MinPingInterval,
		"retry.initial_delay":           c.Retry.InitialDelay,
		"retry.max_delay":               c.Retry.MaxDelay,
		"broadcast.poll_interval":       c.Broadcast.PollInterval,
	}
	for key, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if d, _ := utils.ParseStringTime(c.Connection.IdleTimeout); d <= 0 {
		return errors.New("connection.idle_timeout must be positive")
	}
	if d, _ := utils.ParseStringTime(c.Connection.PollInterval); d <= 0 {
		return errors.New("connection.poll_interval must be positive")
	}
	return nil
}

// Duration parses a duration field that already passed Validate.
func Duration(value string) time.Duration {
	d, _ := utils.ParseStringTime(value)
	return d
}
