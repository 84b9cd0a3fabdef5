package cliutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-flow-orchestrator/internal/kafka"
	"github.com/ramiqadoumi/go-flow-orchestrator/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-flow-orchestrator/internal/redis"
)

// Infra bundles the connections a service opens at startup. Postgres and
// Kafka are optional: Audit and Producer stay nil when they are not
// configured.
type Infra struct {
	Redis    *goredis.Client
	Pool     *pgxpool.Pool
	Audit    postgres.AuditRepository
	Producer kafka.Producer
}

// OpenInfra connects to Redis and, when configured, Postgres and Kafka.
func OpenInfra(ctx context.Context, redisAddr, postgresDSN string, brokers []string, logger *slog.Logger) (*Infra, error) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rc, err := redisstore.Connect(initCtx, redisAddr)
	if err != nil {
		return nil, err
	}
	infra := &Infra{Redis: rc}

	if postgresDSN != "" {
		pool, err := postgres.NewPool(initCtx, postgresDSN)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		infra.Pool = pool
		infra.Audit = postgres.NewRepository(pool)
	} else {
		logger.Info("postgres not configured, audit trail disabled")
	}

	if len(brokers) > 0 {
		infra.Producer = kafka.NewProducer(brokers)
	} else {
		logger.Info("kafka not configured, lifecycle events disabled")
	}
	return infra, nil
}

// Ready pings every configured backend.
func (i *Infra) Ready(ctx context.Context) error {
	if err := i.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if i.Pool != nil {
		if err := i.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Close releases every connection.
func (i *Infra) Close() {
	if i.Producer != nil {
		_ = i.Producer.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
	_ = i.Redis.Close()
}
