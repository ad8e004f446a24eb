package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/internal/config"
	"github.com/noah-isme/enrollpay/internal/gateway"
	"github.com/noah-isme/enrollpay/internal/obs"
	"github.com/noah-isme/enrollpay/internal/resilience"
)

// Dependencies holds the long-lived clients shared by the API.
type Dependencies struct {
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Gateway gateway.Client
}

// Close releases the pool and the Redis client.
func (d *Dependencies) Close(logger zerolog.Logger) {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// NewPool opens a traced pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL, applicationName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	if applicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis connects to Redis with tracing and metrics instrumentation.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RunMigrations applies every pending migration found in migrations.
func RunMigrations(databaseURL string, migrations fs.FS, logger zerolog.Logger) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return nil
}

// NewGateway builds the gateway client selected by cfg.Mode.
func NewGateway(cfg config.GatewayConfig, logger zerolog.Logger) (gateway.Client, error) {
	switch cfg.Mode {
	case config.GatewayModeSandbox:
		logger.Warn().Msg("payment gateway running in sandbox mode")
		return gateway.NewSandbox(cfg.SandboxCheckoutURL, cfg.SandboxSettleAfter), nil
	case config.GatewayModeHTTP:
		breakers := resilience.NewBreakerSet("payment_gateway", cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
			WithLogger(logger)
		return gateway.HTTP{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Doer: resilience.HTTPClient{
				Client:      gateway.NewHTTPClient(cfg.Timeout, nil),
				Breakers:    breakers,
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryAttempts,
				Jitter:      0.2,
				Timeout:     cfg.Timeout,
				Target:      "payment_gateway",
				Logger:      &logger,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Mode)
	}
}
