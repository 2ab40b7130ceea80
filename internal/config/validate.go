package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	case DriverSQLite:
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}

	if c.Store.BufferSize < 1 {
		return errors.New("store.buffer_size must be >= 1")
	}
	if c.Store.BlockSize < 1 {
		return errors.New("store.block_size must be >= 1")
	}
	if c.Store.MaxBlocks < 1 {
		return errors.New("store.max_blocks must be >= 1")
	}
	if c.Store.RetryMaxDelay < c.Store.RetryBaseDelay {
		return fmt.Errorf("store.retry_max_delay (%v) cannot be less than retry_base_delay (%v)",
			c.Store.RetryMaxDelay, c.Store.RetryBaseDelay)
	}

	if c.Feed.ListenAddr == "" {
		return errors.New("feed.listen_addr is required")
	}
	if c.Feed.MaxMessageBytes < 1 {
		return errors.New("feed.max_message_bytes must be >= 1")
	}

	if c.Client.ListenAddr == "" {
		return errors.New("client.listen_addr is required")
	}
	if c.Client.ListenAddr == c.Feed.ListenAddr {
		return fmt.Errorf("client.listen_addr and feed.listen_addr must differ, both are %q", c.Client.ListenAddr)
	}
	if c.Client.QueueSize < 1 {
		return errors.New("client.queue_size must be >= 1")
	}
	switch c.Client.Overflow {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("client.overflow must be drop_oldest or disconnect, got %q", c.Client.Overflow)
	}

	if c.Entitlements.Path == "" {
		return errors.New("entitlements.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
