// Package database opens the durable historical store's backing database:
// a pgx pool for PostgreSQL, a gorm handle for SQLite, or nothing for the
// in-memory driver.
package database
