package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Execution targets are the scheduler's unit of work. The partial
		// unique index enforces one live target per owner and symbol while
		// allowing completed, failed, and cancelled rows to accumulate.
		`CREATE TABLE IF NOT EXISTS execution_targets (
			id UUID PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL DEFAULT 'system',
			symbol VARCHAR(20) NOT NULL,
			asset_id VARCHAR(64),
			side VARCHAR(4) NOT NULL DEFAULT 'BUY',
			quantity DECIMAL(20, 8) NOT NULL,
			limit_price DECIMAL(20, 8) DEFAULT 0,
			confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
			risk_level VARCHAR(8) NOT NULL DEFAULT 'medium',
			entry_strategy VARCHAR(16) NOT NULL DEFAULT 'market',
			stop_loss_pct DECIMAL(10, 4) DEFAULT 0,
			take_profit_pct DECIMAL(10, 4) DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			not_before TIMESTAMP,
			expires_at TIMESTAMP,
			current_retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_attempt_at TIMESTAMP,
			last_error TEXT,
			order_id VARCHAR(64),
			filled_qty DECIMAL(20, 8) DEFAULT 0,
			avg_fill_price DECIMAL(20, 8) DEFAULT 0,
			source VARCHAR(32) NOT NULL DEFAULT 'pattern_feed',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			claimed_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_targets_owner_symbol_live
			ON execution_targets(owner_id, symbol)
			WHERE status IN ('pending', 'ready') AND NOT archived`,
		`CREATE INDEX IF NOT EXISTS idx_targets_status ON execution_targets(status)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_next_attempt ON execution_targets(next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_created_at ON execution_targets(created_at)`,

		// Safety alerts raised by the coordinator
		`CREATE TABLE IF NOT EXISTS safety_alerts (
			id UUID PRIMARY KEY,
			alert_type VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			title VARCHAR(200) NOT NULL,
			message TEXT,
			source VARCHAR(64),
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON safety_alerts(resolved)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON safety_alerts(created_at)`,

		// Append-only journal of lifecycle and safety events
		`CREATE TABLE IF NOT EXISTS system_events (
			id SERIAL PRIMARY KEY,
			event_type VARCHAR(64) NOT NULL,
			target_id UUID,
			symbol VARCHAR(20),
			detail JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON system_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_target ON system_events(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON system_events(created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
