package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDriver          = DriverSQLite
	DefaultSQLitePath      = "mdregistry.db"
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 10
	DefaultMinConns        = 2
	DefaultBufferSize      = 1000
	DefaultFlushInterval   = 1 * time.Second
	DefaultRetryBaseDelay  = 100 * time.Millisecond
	DefaultRetryMaxDelay   = 10 * time.Second
	DefaultBlockSize       = 1000
	DefaultMaxBlocks       = 512
	DefaultCloseTimeout    = 30 * time.Second
	DefaultFeedAddr        = ":7001"
	DefaultClientAddr      = ":7002"
	DefaultReadTimeout     = 60 * time.Second
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultQueueSize       = 10000
	DefaultOverflow        = "drop_oldest"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultLogMaxSizeMB    = 100
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAgeDays   = 14
	DefaultMetricsPort     = 9090
	DefaultMetricsPath     = "/metrics"
)

func (c *Config) applyDefaults() {
	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}
	applyDBDefaults(&c.Database.Postgres)

	// Store defaults
	if c.Store.BufferSize == 0 {
		c.Store.BufferSize = DefaultBufferSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
	if c.Store.RetryBaseDelay == 0 {
		c.Store.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Store.RetryMaxDelay == 0 {
		c.Store.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Store.BlockSize == 0 {
		c.Store.BlockSize = DefaultBlockSize
	}
	if c.Store.MaxBlocks == 0 {
		c.Store.MaxBlocks = DefaultMaxBlocks
	}
	if c.Store.CloseTimeout == 0 {
		c.Store.CloseTimeout = DefaultCloseTimeout
	}

	// Feed defaults
	if c.Feed.ListenAddr == "" {
		c.Feed.ListenAddr = DefaultFeedAddr
	}
	if c.Feed.ReadTimeout == 0 {
		c.Feed.ReadTimeout = DefaultReadTimeout
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.MaxMessageBytes == 0 {
		c.Feed.MaxMessageBytes = DefaultMaxMessageBytes
	}

	// Client defaults
	if c.Client.ListenAddr == "" {
		c.Client.ListenAddr = DefaultClientAddr
	}
	if c.Client.ReadTimeout == 0 {
		c.Client.ReadTimeout = DefaultReadTimeout
	}
	if c.Client.PingInterval == 0 {
		c.Client.PingInterval = DefaultPingInterval
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.QueueSize == 0 {
		c.Client.QueueSize = DefaultQueueSize
	}
	if c.Client.Overflow == "" {
		c.Client.Overflow = DefaultOverflow
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
