package config

import "time"

// Config is the root configuration for a registry instance.
type Config struct {
	Instance     InstanceConfig     `yaml:"instance"`
	Database     DatabaseConfig     `yaml:"database"`
	Store        StoreConfig        `yaml:"store"`
	Feed         FeedConfig         `yaml:"feed"`
	Client       ClientConfig       `yaml:"client"`
	Entitlements EntitlementsConfig `yaml:"entitlements"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// Durable store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and configures the durable historical store.
type DatabaseConfig struct {
	Driver   string       `yaml:"driver"` // postgres, sqlite or memory
	Postgres DBConfig     `yaml:"postgres"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
}

// DBConfig holds a single Postgres connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SQLiteConfig holds the SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig tunes the buffered and session cached layers in front of the
// durable store.
type StoreConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	BlockSize      int           `yaml:"block_size"`
	MaxBlocks      int           `yaml:"max_blocks"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
}

// FeedConfig configures the feed endpoint.
type FeedConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// ClientConfig configures the client endpoint and session outboxes.
type ClientConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	Overflow       string        `yaml:"overflow"` // drop_oldest or disconnect
}

// EntitlementsConfig locates the entitlement file.
type EntitlementsConfig struct {
	Path string `yaml:"path"`
}

// ReferenceConfig locates the optional ticker listings file.
type ReferenceConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // Optional rotated log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
