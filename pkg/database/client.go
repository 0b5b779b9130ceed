// Package database provides the embedded DuckDB client and schema management.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2" // register the duckdb driver
)

// Config holds store configuration.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path string

	// MemoryLimit is applied via SET memory_limit when non-empty.
	MemoryLimit string
}

// Client wraps the embedded store behind a single logical connection.
// DuckDB serializes concurrent writers at the storage layer, but the write
// path here is additionally guarded by a mutex so that multi-statement
// sequences (raw insert + derivation + ledger mark) are never interleaved.
type Client struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewClient opens (creating if necessary) the database and applies the
// idempotent schema.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One logical connection for the whole process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.MemoryLimit != "" {
		limit := strings.ReplaceAll(cfg.MemoryLimit, "'", "''")
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit = '%s'", limit)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set memory limit: %w", err)
		}
	}

	c := &Client{db: db}
	if err := c.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return c, nil
}

// DB returns the underlying connection for read-only queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the store.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Exec runs a single write statement under the writer mutex.
func (c *Client) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.db.ExecContext(ctx, query, args...)
}

// ExecTx runs fn inside a transaction under the writer mutex. The
// transaction is rolled back if fn returns an error.
func (c *Client) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query runs a read statement. Reads do not take the writer mutex; DuckDB
// provides read-committed visibility per statement.
func (c *Client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read statement.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
