package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/medflow/stockflow-backend/pkg/config"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

const connectTimeout = 10 * time.Second

// DB wraps sqlx.DB with the ledger's transaction and health helpers
type DB struct {
	*sqlx.DB
	logger *logger.Logger
}

// New opens the PostgreSQL pool described by cfg
func New(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := open(cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	wrapped := Wrap(db, log)
	wrapped.logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("connected to database")
	return wrapped, nil
}

// NewWithDSN opens a pool from a raw DSN with driver defaults
func NewWithDSN(dsn string, log *logger.Logger) (*DB, error) {
	db, err := open(dsn)
	if err != nil {
		return nil, err
	}
	return Wrap(db, log), nil
}

func open(dsn string) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Wrap adopts an existing connection (tests hand in sqlmock-backed handles)
func Wrap(db *sqlx.DB, log *logger.Logger) *DB {
	return &DB{
		DB:     db,
		logger: log.WithComponent("database"),
	}
}

// Close closes the pool
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health pings the database and reports pool usage
func (db *DB) Health(ctx context.Context) map[string]string {
	stats := db.Stats()
	status := map[string]string{
		"status":           "up",
		"open_connections": strconv.Itoa(stats.OpenConnections),
		"in_use":           strconv.Itoa(stats.InUse),
		"wait_count":       strconv.FormatInt(stats.WaitCount, 10),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}

	return status
}

// Transaction runs fn in a transaction. fn's error, or a panic inside fn,
// rolls it back; a panic is re-raised after the rollback.
func (db *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			db.rollback(tx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		db.rollback(tx)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (db *DB) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil {
		db.logger.Error().Err(err).Msg("failed to rollback transaction")
	}
}
