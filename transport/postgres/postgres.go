// Package postgres provides a PostgreSQL-backed queue transport for queueflow.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/queueflow/transport"
	"github.com/drblury/queueflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// DefaultPollInterval is the default interval blocked reads poll at.
const DefaultPollInterval = sqlqueue.DefaultPollInterval

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	config := Config{
		ConnectionString: cfg.GetPostgresURL(),
		PollInterval:     cfg.GetPollInterval(),
	}
	return New(ctx, config, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval blocked reads poll at.
	PollInterval time.Duration
	// SchemaName is the schema to use for tables. Defaults to "queueflow".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	// Queues are created on startup.
	Queues []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SchemaName == "" {
		c.SchemaName = "queueflow"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// New connects to PostgreSQL and creates the queue schema. Row selects use
// FOR UPDATE SKIP LOCKED so messages locked by an open transaction stay
// hidden from other handles.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t, err := sqlqueue.New(ctx, db, sqlqueue.Postgres(cfg.SchemaName), sqlqueue.Config{
		PollInterval: cfg.PollInterval,
		Queues:       cfg.Queues,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}
