// Package sqlite provides a SQLite-backed queue transport for queueflow.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultPollInterval is the default interval blocked reads poll at.
const DefaultPollInterval = sqlqueue.DefaultPollInterval

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	config := Config{
		FilePath:     cfg.GetSQLiteFile(),
		PollInterval: cfg.GetPollInterval(),
	}
	return New(ctx, config, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval blocked reads poll at.
	PollInterval time.Duration
	// Queues are created on startup.
	Queues []string
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "queueflow_queue.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// New opens the database and creates the queue schema. The database is
// limited to one connection, so a transaction that stays open blocks every
// other operation until it commits or aborts.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Transport, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t, err := sqlqueue.New(ctx, db, sqlqueue.SQLite, sqlqueue.Config{
		PollInterval: cfg.PollInterval,
		Queues:       cfg.Queues,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}
