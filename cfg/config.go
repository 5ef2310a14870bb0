package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// OplogConfiguration controls the change event log
type OplogConfiguration struct {
	InMemory             bool     `toml:"in_memory"`              // Use in-memory log instead of Pebble
	RetentionEvents      int      `toml:"retention_events"`       // Events kept per collection (in-memory log)
	RetentionLowWater    uint64   `toml:"retention_low_water"`    // Pebble log: delete entries below this many sequences behind the head (0 = keep all)
	CompressionLevel     int      `toml:"compression_level"`      // zstd level for stored payloads (0 = disabled)
	CompressionThreshold int      `toml:"compression_threshold"`  // Only compress payloads larger than this many bytes
	CaptureExclude       []string `toml:"capture_exclude"`        // Glob patterns of collections excluded from change capture
}

// ChangeStreamConfiguration controls cursor behavior
type ChangeStreamConfiguration struct {
	MaxAwaitTimeMS   int `toml:"max_await_time_ms"`  // Upper bound applied to getMore maxTimeMS
	DefaultBatchSize int `toml:"default_batch_size"` // Batch size when the request omits one
	MaxBatchSize     int `toml:"max_batch_size"`     // Upper bound applied to requested batch sizes
}

// HTTPConfiguration for the client-facing HTTP server
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
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
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Oplog        OplogConfiguration        `toml:"oplog"`
	ChangeStream ChangeStreamConfiguration `toml:"change_stream"`
	HTTP         HTTPConfiguration         `toml:"http"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./mongod-data",

	Oplog: OplogConfiguration{
		InMemory:             false,
		RetentionEvents:      100_000,
		RetentionLowWater:    1_000_000,
		CompressionLevel:     3,
		CompressionThreshold: 512,
		CaptureExclude:       []string{},
	},

	ChangeStream: ChangeStreamConfiguration{
		MaxAwaitTimeMS:   600_000, // 10 minutes
		DefaultBatchSize: 101,
		MaxBatchSize:     1000,
	},

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        27080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
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
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("kiliton-mongod")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Oplog.RetentionEvents < 1 {
		return fmt.Errorf("oplog retention must be >= 1 event")
	}

	if Config.Oplog.CompressionLevel < 0 || Config.Oplog.CompressionLevel > 11 {
		return fmt.Errorf("invalid oplog compression level: %d", Config.Oplog.CompressionLevel)
	}

	if Config.Oplog.CompressionThreshold < 0 {
		return fmt.Errorf("oplog compression threshold must be >= 0")
	}

	for _, pattern := range Config.Oplog.CaptureExclude {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid capture exclude pattern %q: %w", pattern, err)
		}
	}

	if Config.ChangeStream.MaxAwaitTimeMS < 1 {
		return fmt.Errorf("max await time must be >= 1ms")
	}

	if Config.ChangeStream.DefaultBatchSize < 1 {
		return fmt.Errorf("default batch size must be >= 1")
	}

	if Config.ChangeStream.MaxBatchSize < Config.ChangeStream.DefaultBatchSize {
		return fmt.Errorf("max batch size must be >= default batch size")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}
