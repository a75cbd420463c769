package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the Redis connection. Name is reported via CLIENT SETNAME
// so server and worker connections can be told apart in CLIENT LIST.
type Options struct {
	Name     string
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		ClientName:  opts.Name,
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: 5 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connected", zap.String("client", opts.Name), zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}
