package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// AbsencePolicy decides what cancelling a version that a replica does not hold means
type AbsencePolicy string

const (
	AbsenceError  AbsencePolicy = "error"  // Missing predicate fails the request
	AbsenceIgnore AbsencePolicy = "ignore" // Missing predicate leaves the replica unchanged
)

// StorageConfiguration lists the local storage paths; each holds one header store
type StorageConfiguration struct {
	Paths          []string `toml:"paths"`
	InMemory       bool     `toml:"in_memory"` // Keep headers in memory only (testing)
	CacheSizeMB    int64    `toml:"cache_size_mb"`
	MemTableSizeMB int64    `toml:"memtable_size_mb"`
	SyncWrites     bool     `toml:"sync_writes"`
}

// CancelDeleteConfiguration controls cancel-delete semantics
type CancelDeleteConfiguration struct {
	AbsencePolicy       AbsencePolicy `toml:"absence_policy"`
	ValidateBeforeApply bool          `toml:"validate_before_apply"` // Check every replica before mutating any
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled                bool `toml:"enabled"`
	CollectIntervalSeconds int  `toml:"collect_interval_seconds"`
}

// AdminConfiguration for the HTTP admin surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Storage      StorageConfiguration      `toml:"storage"`
	CancelDelete CancelDeleteConfiguration `toml:"cancel_delete"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Admin        AdminConfiguration        `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./tabletd-data",

	Storage: StorageConfiguration{
		Paths:          []string{}, // Defaults to {data_dir}/store0
		CacheSizeMB:    16,
		MemTableSizeMB: 4,
		SyncWrites:     true,
	},

	CancelDelete: CancelDeleteConfiguration{
		AbsencePolicy:       AbsenceError,
		ValidateBeforeApply: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:                true,
		CollectIntervalSeconds: 15,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8040,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
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

	if len(Config.Storage.Paths) == 0 {
		Config.Storage.Paths = []string{filepath.Join(Config.DataDir, "store0")}
	}

	// Ensure storage directories exist
	if !Config.Storage.InMemory {
		for _, p := range Config.Storage.Paths {
			if err := os.MkdirAll(p, 0755); err != nil {
				return fmt.Errorf("failed to create storage path %s: %w", p, err)
			}
		}
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tabletd")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if len(Config.Storage.Paths) == 0 {
		return fmt.Errorf("at least one storage path is required")
	}

	seen := make(map[string]bool, len(Config.Storage.Paths))
	for _, p := range Config.Storage.Paths {
		if p == "" {
			return fmt.Errorf("storage path must not be empty")
		}
		clean := filepath.Clean(p)
		if seen[clean] {
			return fmt.Errorf("duplicate storage path: %s", p)
		}
		seen[clean] = true
	}

	if Config.Storage.CacheSizeMB < 1 {
		return fmt.Errorf("storage cache size must be >= 1MB")
	}

	if Config.Storage.MemTableSizeMB < 1 {
		return fmt.Errorf("storage memtable size must be >= 1MB")
	}

	switch Config.CancelDelete.AbsencePolicy {
	case AbsenceError, AbsenceIgnore:
	default:
		return fmt.Errorf("invalid cancel_delete absence policy: %q", Config.CancelDelete.AbsencePolicy)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalSeconds < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1 second")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the shared secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}
