// Package database manages the embedded SQLite store that backs the
// cloud link daemon: relay credentials, audit history and whatever
// else must survive a restart. It owns the connection pool, schema
// migrations and the health probe used by the supervisor.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration
)

const (
	// SQLite allows one writer at a time. Pinning the pool to a
	// single connection moves write contention into database/sql
	// instead of surfacing SQLITE_BUSY to callers.
	singleConn = 1

	dataDirPerm  = 0750
	dataFilePerm = 0600

	millisPerSecond = 1000

	openPingTimeout = 5 * time.Second
	idleConnTimeout = 30 * time.Minute
)

// DB is the open store. The embedded *sql.DB carries the usual query
// and exec methods; DB adds migrations, a health probe and lifecycle
// handling on top.
type DB struct {
	*sql.DB
	path string
}

// Config carries the storage settings from the daemon configuration.
// BusyTimeout is in seconds.
type Config struct {
	Path        string
	WALMode     bool
	BusyTimeout int
}

// Open creates the data directory if needed, opens the SQLite file
// and proves the connection with a bounded ping. Journal mode and the
// busy timeout travel in the DSN so every pooled connection carries
// them.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dataDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	pool, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	pool.SetMaxOpenConns(singleConn)
	pool.SetMaxIdleConns(singleConn)
	pool.SetConnMaxLifetime(time.Hour)
	pool.SetConnMaxIdleTime(idleConnTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), openPingTimeout)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}

	// The driver creates the file with the process umask. Tighten it;
	// the store holds relay credentials. Best effort on filesystems
	// without POSIX modes.
	_ = os.Chmod(cfg.Path, dataFilePerm)

	return &DB{DB: pool, path: cfg.Path}, nil
}

// dsn renders the connection string for mattn/go-sqlite3. Foreign keys
// are always enforced; WAL mode additionally relaxes synchronous to
// NORMAL, which WAL makes safe against application crashes.
func dsn(cfg Config) string {
	s := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout*millisPerSecond)
	if cfg.WALMode {
		s += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return s
}

// Close shuts the pool down. Safe to call twice and on a DB that was
// never opened.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem location of the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query to prove the connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	if db.DB == nil {
		return errors.New("database: not open")
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Stats exposes pool statistics for the metrics endpoint.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// BeginTx starts a transaction. Callers must Commit or Rollback.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}
