package runtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopindexer/pipeline/internal/adapter/repo/postgres"
	"github.com/shopindexer/pipeline/internal/broker"
)

// Connect establishes and verifies the broker and relational connections a
// process needs at startup: broker PING, relational trivial SELECT.
func Connect(ctx context.Context, redisAddr, redisPassword string, redisDB int, dsn string) (*broker.Client, *pgxpool.Pool, error) {
	b := broker.NewClient(redisAddr, redisPassword, redisDB)
	if err := b.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("op=runtime.connect.broker: %w", err)
	}

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("op=runtime.connect.pool: %w", err)
	}
	if err := postgres.Ping(ctx, pool); err != nil {
		_ = b.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("op=runtime.connect.pool_ping: %w", err)
	}
	return b, pool, nil
}
