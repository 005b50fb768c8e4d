package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ServerConfiguration points the client at the annotation server.
type ServerConfiguration struct {
	BaseURL      string `toml:"base_url"`      // lock HTTP endpoints
	WebSocketURL string `toml:"websocket_url"` // sync endpoint base, ws:// or wss://
	AuthToken    string `toml:"auth_token"`    // bearer token, optional
	UserID       string `toml:"user_id"`
}

// SyncConfiguration controls the WebSocket sync manager.
type SyncConfiguration struct {
	DebounceMS             int `toml:"debounce_ms"`              // outbound batching window
	ConnectTimeoutMS       int `toml:"connect_timeout_ms"`       // hard dial timeout
	HeartbeatIntervalS     int `toml:"heartbeat_interval_seconds"`
	InitialBackoffMS       int `toml:"initial_backoff_ms"`
	MaxBackoffS            int `toml:"max_backoff_seconds"`
	CompressThresholdBytes int `toml:"compress_threshold_bytes"` // zstd frames above this size
}

// LockConfiguration controls the lock manager.
type LockConfiguration struct {
	RequestTimeoutMS int `toml:"request_timeout_ms"`
	PollIntervalS    int `toml:"poll_interval_seconds"`  // expiry monitor tick
	WarningWindowS   int `toml:"warning_window_seconds"` // "expiring soon" notice before expiry
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	TabID    string `toml:"tab_id"`    // empty = derive from machine id
	EntityID string `toml:"entity_id"` // the video this session annotates
	DataDir  string `toml:"data_dir"`

	Server     ServerConfiguration     `toml:"server"`
	Sync       SyncConfiguration       `toml:"sync"`
	Lock       LockConfiguration       `toml:"lock"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "capsync.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	TabIDFlag      = flag.String("tab-id", "", "Tab ID (overrides config, empty=auto)")
	EntityIDFlag   = flag.String("entity", "", "Entity ID to sync against (overrides config)")
	ServerURLFlag  = flag.String("server-url", "", "Server base URL (overrides config)")
	DevServerFlag  = flag.Bool("dev-server", false, "Run the reference lock/sync server instead of a client")
)

// Default configuration
var Config = &Configuration{
	TabID:    "", // Auto-generate
	EntityID: "demo",
	DataDir:  "./capsync-data",

	Server: ServerConfiguration{
		BaseURL:      "http://localhost:8400",
		WebSocketURL: "ws://localhost:8400",
		UserID:       "local",
	},

	Sync: SyncConfiguration{
		DebounceMS:             250,
		ConnectTimeoutMS:       5000,
		HeartbeatIntervalS:     20,
		InitialBackoffMS:       500,
		MaxBackoffS:            30,
		CompressThresholdBytes: 32 * 1024,
	},

	Lock: LockConfiguration{
		RequestTimeoutMS: 5000,
		PollIntervalS:    5,
		WarningWindowS:   60,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "127.0.0.1",
		Port:    9480,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *TabIDFlag != "" {
		Config.TabID = *TabIDFlag
	}
	if *EntityIDFlag != "" {
		Config.EntityID = *EntityIDFlag
	}
	if *ServerURLFlag != "" {
		Config.Server.BaseURL = *ServerURLFlag
	}

	// Auto-generate tab ID if not set
	if Config.TabID == "" {
		var err error
		Config.TabID, err = generateTabID()
		if err != nil {
			return fmt.Errorf("failed to generate tab ID: %w", err)
		}
		log.Info().Str("tab_id", Config.TabID).Msg("Auto-generated tab ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateTabID creates a stable tab ID based on machine ID and process.
// Two processes on the same machine get distinct IDs, like two browser tabs.
func generateTabID() (string, error) {
	id, err := machineid.ProtectedID("capsync")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("tab-%x-%d", h.Sum64(), os.Getpid()), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Server.BaseURL == "" {
		return fmt.Errorf("server base_url must be set")
	}

	if Config.Server.WebSocketURL == "" {
		return fmt.Errorf("server websocket_url must be set")
	}

	if Config.EntityID == "" {
		return fmt.Errorf("entity_id must be set")
	}

	if Config.Sync.DebounceMS < 0 {
		return fmt.Errorf("sync debounce must be >= 0ms")
	}

	if Config.Sync.ConnectTimeoutMS < 1 {
		return fmt.Errorf("sync connect timeout must be >= 1ms")
	}

	if Config.Sync.HeartbeatIntervalS < 1 {
		return fmt.Errorf("sync heartbeat interval must be >= 1 second")
	}

	if Config.Sync.InitialBackoffMS < 1 {
		return fmt.Errorf("sync initial backoff must be >= 1ms")
	}

	if Config.Sync.MaxBackoffS < 1 {
		return fmt.Errorf("sync max backoff must be >= 1 second")
	}

	if Config.Lock.RequestTimeoutMS < 1 {
		return fmt.Errorf("lock request timeout must be >= 1ms")
	}

	if Config.Lock.PollIntervalS < 1 {
		return fmt.Errorf("lock poll interval must be >= 1 second")
	}

	if Config.Lock.WarningWindowS < 0 {
		return fmt.Errorf("lock warning window must be >= 0 seconds")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
