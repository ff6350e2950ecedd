package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BradenHooton/gatekeeper/internal/config"
)

// applicationName tags gatekeeper connections in pg_stat_activity
const applicationName = "gatekeeper"

// DB owns the pgx pool shared by every repository
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open builds the pool, pings it and logs query failures through logger.
// With cfg.LogQueries every statement is logged at debug level.
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	level := tracelog.LogLevelError
	if cfg.LogQueries {
		level = tracelog.LogLevelDebug
	}
	poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   queryLogger(logger),
		LogLevel: level,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("database pool ready",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Name),
		slog.Int("max_conns", int(cfg.MaxConns)),
		slog.Bool("log_queries", cfg.LogQueries),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// queryLogger adapts pgx trace events to slog. Bound arguments are dropped
// since they carry hashes and one-time code digests.
func queryLogger(logger *slog.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		attrs := make([]slog.Attr, 0, len(data))
		for k, v := range data {
			if k == "args" {
				continue
			}
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, slogLevel(level), "pgx: "+msg, attrs...)
	})
}

// slogLevel maps pgx levels onto slog. Per-query events arrive at pgx info
// and are demoted to debug.
func slogLevel(level tracelog.LogLevel) slog.Level {
	switch level {
	case tracelog.LogLevelError:
		return slog.LevelError
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// Close releases every pooled connection
func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.Pool.Close()
}

// HealthCheck pings the database with a short deadline
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// RegisterMetrics exposes pool occupancy on reg
func (db *DB) RegisterMetrics(reg prometheus.Registerer) error {
	gauge := func(name, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(db.Pool.Stat()) })
	}

	collectors := []prometheus.Collector{
		gauge("acquired_conns", "Connections currently acquired from the pool.",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("idle_conns", "Idle connections held by the pool.",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("total_conns", "Connections currently held by the pool.",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("max_conns", "Configured pool size.",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "db_pool",
			Name:      "empty_acquire_total",
			Help:      "Acquires that waited because the pool had no idle connection.",
		}, func() float64 { return float64(db.Pool.Stat().EmptyAcquireCount()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register pool metrics: %w", err)
		}
	}
	return nil
}
