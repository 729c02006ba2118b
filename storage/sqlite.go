// Package storage implements the pooled, concurrency-safe alert store on
// an embedded SQLite database. WAL mode gives concurrent readers plus a
// single writer, so reads and writes run on separate connection pools.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"argus/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connection pools for the alert store.
type SQLite struct {
	WriteDB *sql.DB // single-writer pool (MaxOpenConns=1 for WAL mode)
	ReadDB  *sql.DB // read pool sized to workers + ingester + correlation engine
	Path    string

	acquireTimeout time.Duration
	logger         *zap.SugaredLogger
}

// Options configures pool sizing and wait bounds.
type Options struct {
	ReadPoolSize   int
	AcquireTimeout time.Duration
	BusyTimeoutMS  int
}

// NewSQLite opens the database at dbPath, creating parent directories and
// applying pragmas to both pools.
func NewSQLite(dbPath string, opts Options, logger *zap.SugaredLogger) (*SQLite, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	if opts.ReadPoolSize < 1 {
		opts.ReadPoolSize = 4
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	writeDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(opts.ReadPoolSize)
	readDB.SetMaxIdleConns(opts.ReadPoolSize)

	s := &SQLite{
		WriteDB:        writeDB,
		ReadDB:         readDB,
		Path:           dbPath,
		acquireTimeout: opts.AcquireTimeout,
		logger:         logger,
	}

	if err := s.configure(writeDB, "write", opts.BusyTimeoutMS); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.configure(readDB, "read", opts.BusyTimeoutMS); err != nil {
		s.Close()
		return nil, err
	}

	logger.Infow("SQLite opened", "path", dbPath, "read_pool", opts.ReadPoolSize)
	return s, nil
}

// configure applies WAL mode, foreign keys, and the busy timeout, and
// verifies the settings actually took effect.
func (s *SQLite) configure(db *sql.DB, poolType string, busyTimeoutMS int) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode on %s pool: %w", poolType, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys on %s pool: %w", poolType, err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS)); err != nil {
		return fmt.Errorf("failed to set busy timeout on %s pool: %w", poolType, err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite %s pool: %w", poolType, err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory" instead of "wal".
	if s.Path != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled on %s pool (got %q)", poolType, journalMode)
	}

	s.logger.Debugw("SQLite pool configured", "pool", poolType, "journal_mode", journalMode)
	return nil
}

// acquireRead checks a connection out of the read pool with a bounded
// wait. Exhaustion surfaces ErrPoolExhausted instead of blocking forever.
// The returned conn must be closed on every exit path.
func (s *SQLite) acquireRead(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	conn, err := s.ReadDB.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.PoolExhausted.Inc()
			return nil, ErrPoolExhausted
		}
		return nil, err
	}
	return conn, nil
}

// Healthy reports whether the store is reachable.
func (s *SQLite) Healthy(ctx context.Context) error {
	return s.ReadDB.PingContext(ctx)
}

// Close closes both pools.
func (s *SQLite) Close() {
	if s.ReadDB != nil {
		if err := s.ReadDB.Close(); err != nil {
			s.logger.Errorw("Failed to close read pool", "error", err)
		}
	}
	if s.WriteDB != nil {
		if err := s.WriteDB.Close(); err != nil {
			s.logger.Errorw("Failed to close write pool", "error", err)
		}
	}
}
