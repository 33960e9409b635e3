package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/attribution-api/internal/config"
	"go.uber.org/zap"
)

// PostgresDB holds the pool shared by the campaign and webhook event stores.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDB creates the connection pool and waits until the server
// answers a ping.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := connect(ctx, logger, "postgres", pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
		zap.Int("max_conns", cfg.MaxConns),
	)

	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// RegisterPoolMetrics exposes pool occupancy as gauges.
func (db *PostgresDB) RegisterPoolMetrics(namespace string, reg prometheus.Registerer) error {
	gauge := func(name, help string, value func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "postgres_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(db.Pool.Stat())) })
	}

	for _, c := range []prometheus.Collector{
		gauge("acquired_conns", "Connections currently checked out by queries", (*pgxpool.Stat).AcquiredConns),
		gauge("idle_conns", "Idle connections in the pool", (*pgxpool.Stat).IdleConns),
		gauge("total_conns", "Open connections in the pool", (*pgxpool.Stat).TotalConns),
	} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register pool metric: %w", err)
		}
	}
	return nil
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection pool closed")
	}
}

// Health checks if the database is reachable.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
