package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// PipelineConfiguration controls store sizing and shutdown behavior
type PipelineConfiguration struct {
	QueueCapacity     int `toml:"queue_capacity"`      // Capacity of the input store
	ShutdownTimeoutMS int `toml:"shutdown_timeout_ms"` // Graceful drain budget before escalating to immediate
	WatchTimeoutMS    int `toml:"watch_timeout_ms"`    // Default wait used by admin/replay watches
}

// PartitionConfiguration selects how rows are grouped into partitions
type PartitionConfiguration struct {
	Strategy    string `toml:"strategy"`    // "identity", "time" or "column"
	Column      string `toml:"column"`      // Partition-by column for the "column" strategy
	Format      string `toml:"format"`      // Date pattern, e.g. 'commit_date='yyyy-MM-dd'-commit_hour='HH
	TimeZone    string `toml:"time_zone"`   // IANA zone used when formatting timestamps
	Granularity string `toml:"granularity"` // "transaction" or "row"
}

// BatchConfiguration controls artifact accumulation and flushing
type BatchConfiguration struct {
	StagingDir      string `toml:"staging_dir"`      // Directory artifacts are written to (defaults under data_dir)
	FlushPolicy     string `toml:"flush_policy"`     // "transaction" or "threshold"
	MaxRows         int    `toml:"max_rows"`         // Row threshold for the "threshold" policy
	MaxBytes        int64  `toml:"max_bytes"`        // Byte threshold for the "threshold" policy
	Compression     string `toml:"compression"`      // "none" or "zstd"
	Delimiter       string `toml:"delimiter"`        // Single-character field separator
	NullValue       string `toml:"null_value"`       // Unquoted marker written for NULL
	IncludeMetadata bool   `toml:"include_metadata"` // Prefix opcode/seqno/row_id/commit_timestamp columns
}

// LoaderConfiguration selects the external load process
type LoaderConfiguration struct {
	Type      string `toml:"type"`       // "script" or "sql"
	Script    string `toml:"script"`     // Executable invoked as <script> <phase> [artifact]
	TimeoutMS int    `toml:"timeout_ms"` // Per-invocation timeout
	Driver    string `toml:"driver"`     // "sqlite3" or "mysql" for the sql loader
	DSN       string `toml:"dsn"`        // Data source name for the sql loader
}

// FilterConfiguration restricts which tables are applied
type FilterConfiguration struct {
	Tables  []string `toml:"tables"`  // Glob patterns on table names (empty = all)
	Schemas []string `toml:"schemas"` // Glob patterns on schema names (empty = all)
}

// PositionConfiguration controls the durable commit position
type PositionConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // Defaults to <data_dir>/position
}

// SinkConfiguration configures one commit notification sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`    // "kafka" or "nats"
	Brokers         []string `toml:"brokers"` // Kafka broker addresses
	NatsURL         string   `toml:"nats_url"`
	Topic           string   `toml:"topic"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration lists commit notification sinks
type PublisherConfiguration struct {
	Sinks []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the admin HTTP endpoint
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Optional shared secret; empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Service string `toml:"service"`
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Partition  PartitionConfiguration  `toml:"partition"`
	Batch      BatchConfiguration      `toml:"batch"`
	Loader     LoaderConfiguration     `toml:"loader"`
	Filter     FilterConfiguration     `toml:"filter"`
	Position   PositionConfiguration   `toml:"position"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ServiceFlag    = flag.String("service", "", "Service name (overrides config)")
	ReplayFlag     = flag.String("replay", "", "Path to a msgpack event stream to enqueue")
)

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		Service: "batchapply",
		NodeID:  0, // Auto-generate
		DataDir: "./batchapply-data",

		Pipeline: PipelineConfiguration{
			QueueCapacity:     100,
			ShutdownTimeoutMS: 30000,
			WatchTimeoutMS:    10000,
		},

		Partition: PartitionConfiguration{
			Strategy:    "identity",
			Format:      "'commit_date='yyyy-MM-dd'-commit_hour='HH",
			TimeZone:    "UTC",
			Granularity: "transaction",
		},

		Batch: BatchConfiguration{
			FlushPolicy:     "transaction",
			MaxRows:         100000,
			MaxBytes:        64 << 20, // 64MB
			Compression:     "none",
			Delimiter:       ",",
			NullValue:       `\N`,
			IncludeMetadata: true,
		},

		Loader: LoaderConfiguration{
			Type:      "script",
			TimeoutMS: 60000,
		},

		Position: PositionConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

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
	if *ServiceFlag != "" {
		Config.Service = *ServiceFlag
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

	if Config.Batch.StagingDir == "" {
		Config.Batch.StagingDir = GetStagingDir()
	}
	if Config.Position.Dir == "" {
		Config.Position.Dir = GetPositionDir()
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("batchapply")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Service == "" {
		return fmt.Errorf("service name is required")
	}

	if Config.Pipeline.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1")
	}

	if Config.Pipeline.ShutdownTimeoutMS < 0 {
		return fmt.Errorf("shutdown timeout must be >= 0")
	}

	if Config.Pipeline.WatchTimeoutMS < 1 {
		return fmt.Errorf("watch timeout must be >= 1ms")
	}

	// Validate partitioning
	switch Config.Partition.Strategy {
	case "identity":
	case "time":
		if Config.Partition.Format == "" {
			return fmt.Errorf("time partitioning requires a format")
		}
	case "column":
		if Config.Partition.Column == "" {
			return fmt.Errorf("column partitioning requires a column")
		}
		if Config.Partition.Granularity == "transaction" && !IsCommitTimestampColumn(Config.Partition.Column) {
			return fmt.Errorf("column %q can only be partitioned with row granularity", Config.Partition.Column)
		}
	default:
		return fmt.Errorf("invalid partition strategy: %s", Config.Partition.Strategy)
	}

	if Config.Partition.Granularity != "transaction" && Config.Partition.Granularity != "row" {
		return fmt.Errorf("invalid partition granularity: %s", Config.Partition.Granularity)
	}

	if Config.Partition.TimeZone != "" {
		if _, err := time.LoadLocation(Config.Partition.TimeZone); err != nil {
			return fmt.Errorf("invalid partition time zone %q: %w", Config.Partition.TimeZone, err)
		}
	}

	// Validate batching
	if Config.Batch.FlushPolicy != "transaction" && Config.Batch.FlushPolicy != "threshold" {
		return fmt.Errorf("invalid flush policy: %s", Config.Batch.FlushPolicy)
	}

	if Config.Batch.FlushPolicy == "threshold" && Config.Batch.MaxRows < 1 && Config.Batch.MaxBytes < 1 {
		return fmt.Errorf("threshold flush policy requires max_rows or max_bytes")
	}

	if Config.Batch.Compression != "none" && Config.Batch.Compression != "zstd" {
		return fmt.Errorf("invalid compression: %s", Config.Batch.Compression)
	}

	if len([]rune(Config.Batch.Delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character")
	}

	if Config.Batch.NullValue == "" {
		return fmt.Errorf("null value marker must not be empty")
	}

	// Validate loader
	switch Config.Loader.Type {
	case "script":
		if Config.Loader.Script == "" {
			return fmt.Errorf("script loader requires a script path")
		}
	case "sql":
		if Config.Loader.Driver != "sqlite3" && Config.Loader.Driver != "mysql" {
			return fmt.Errorf("invalid sql loader driver: %s", Config.Loader.Driver)
		}
		if Config.Loader.DSN == "" {
			return fmt.Errorf("sql loader requires a dsn")
		}
	default:
		return fmt.Errorf("invalid loader type: %s", Config.Loader.Type)
	}

	if Config.Loader.TimeoutMS < 1 {
		return fmt.Errorf("loader timeout must be >= 1ms")
	}

	// Validate publisher sinks
	for _, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		if sink.Type != "kafka" && sink.Type != "nats" {
			return fmt.Errorf("invalid publisher sink type for %s: %s", sink.Name, sink.Type)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// IsCommitTimestampColumn reports whether column names the event commit time
// rather than a real row column
func IsCommitTimestampColumn(column string) bool {
	return column == "commit_timestamp" || column == "tungsten_commit_timestamp"
}

// GetStagingDir returns the default artifact directory
func GetStagingDir() string {
	return path.Join(Config.DataDir, "staging", Config.Service)
}

// GetPositionDir returns the default commit position directory
func GetPositionDir() string {
	return path.Join(Config.DataDir, "position")
}
