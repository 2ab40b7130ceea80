package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rickgao/mdregistry/internal/config"
	"github.com/rickgao/mdregistry/internal/histstore"
)

// Durable holds the connection behind the durable historical store.
// Exactly one of Pool and SQLite is set, or neither for the memory driver.
type Durable struct {
	Driver string
	Pool   *pgxpool.Pool
	SQLite *gorm.DB
}

// Open connects to the configured driver and makes sure the market_data
// table exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Durable, error) {
	d := &Durable{Driver: cfg.Driver}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := histstore.EnsurePostgresSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		d.Pool = pool
	case config.DriverSQLite:
		db, err := OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		d.SQLite = db
	case config.DriverMemory:
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	return d, nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// OpenSQLite opens a SQLite database file and migrates the market_data table.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	if err := histstore.MigrateSQLite(db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// HistoricalStore returns the durable store bundle for the open driver.
func (d *Durable) HistoricalStore(logger *slog.Logger) *histstore.HistoricalDataStore {
	switch {
	case d.Pool != nil:
		return histstore.NewPostgresHistoricalStore(d.Pool, logger)
	case d.SQLite != nil:
		return histstore.NewSQLiteHistoricalStore(d.SQLite, logger)
	default:
		return histstore.NewLocalStore()
	}
}

// Ping verifies the connection is healthy.
func (d *Durable) Ping(ctx context.Context) error {
	switch {
	case d.Pool != nil:
		if err := d.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	case d.SQLite != nil:
		sqlDB, err := d.SQLite.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("ping sqlite: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *Durable) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.SQLite != nil {
		if sqlDB, err := d.SQLite.DB(); err == nil {
			sqlDB.Close()
		}
	}
}
