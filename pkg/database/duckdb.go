package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb/v2"

	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// ErrClosed is returned by all operations after Close has been called.
// A closed handle is never silently reopened.
var ErrClosed = errors.New("database connection is closed")

// Config holds database connection configuration
type Config struct {
	// Path to the database file. Empty means an in-memory database,
	// useful for tests.
	Path string
}

// DuckDB wraps a sqlx handle to an embedded DuckDB database with
// logging and metrics. DuckDB is an embedded analytical engine: the
// process owns the file, there is no server to connect to.
type DuckDB struct {
	db      *sqlx.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config

	mu     sync.Mutex
	closed bool
}

// NewDuckDB opens (creating if absent) the database at cfg.Path.
func NewDuckDB(cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*DuckDB, error) {
	db, err := sqlx.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	logger.Info(context.Background(), "[DB_INIT] DuckDB database opened", logging.Fields{
		"path": path,
	})

	return &DuckDB{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		config:  cfg,
	}, nil
}

// Close closes the database. Subsequent operations return ErrClosed.
func (d *DuckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.logger.Info(context.Background(), "[DB_CLOSE] Closing DuckDB database", logging.Fields{
		"path": d.config.Path,
	})
	return d.db.Close()
}

// DB returns the underlying sqlx.DB instance
func (d *DuckDB) DB() *sqlx.DB {
	return d.db
}

func (d *DuckDB) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// QueryContext executes a query with context and metrics
func (d *DuckDB) QueryContext(ctx context.Context, queryType, query string, args ...interface{}) (*sqlx.Rows, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())

		d.logger.Debug(ctx, "[DB_QUERY] Query executed", logging.Fields{
			"query_type":  queryType,
			"duration_ms": duration.Milliseconds(),
			"query":       query,
		})
	}()

	rows, err := d.db.QueryxContext(ctx, query, args...)
	if err != nil {
		d.metrics.RecordDBError("query_error")
		d.logger.Error(ctx, "[DB_QUERY_ERROR] Query failed", logging.Fields{
			"query_type": queryType,
			"query":      query,
		}, err)
		return nil, err
	}

	return rows, nil
}

// ExecContext executes a command with context and metrics
func (d *DuckDB) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())

		d.logger.Debug(ctx, "[DB_EXEC] Command executed", logging.Fields{
			"query_type":  queryType,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		d.metrics.RecordDBError("exec_error")
		d.logger.Error(ctx, "[DB_EXEC_ERROR] Command failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return nil, err
	}

	return result, nil
}

// GetContext executes a query that returns a single row
func (d *DuckDB) GetContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
	}()

	err := d.db.GetContext(ctx, dest, query, args...)
	if err != nil && err != sql.ErrNoRows {
		d.metrics.RecordDBError("get_error")
		d.logger.Error(ctx, "[DB_GET_ERROR] Get query failed", logging.Fields{
			"query_type": queryType,
		}, err)
	}

	return err
}

// SelectContext executes a query that returns multiple rows
func (d *DuckDB) SelectContext(ctx context.Context, queryType string, dest interface{}, query string, args ...interface{}) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		d.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
	}()

	err := d.db.SelectContext(ctx, dest, query, args...)
	if err != nil {
		d.metrics.RecordDBError("select_error")
		d.logger.Error(ctx, "[DB_SELECT_ERROR] Select query failed", logging.Fields{
			"query_type": queryType,
		}, err)
		return err
	}

	return nil
}

// BeginTx begins a new transaction
func (d *DuckDB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		d.metrics.RecordDBError("transaction_begin_error")
		d.logger.Error(ctx, "[DB_TX_ERROR] Failed to begin transaction", logging.Fields{}, err)
		return nil, err
	}

	return tx, nil
}

// HealthCheck performs a database health check
func (d *DuckDB) HealthCheck(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
