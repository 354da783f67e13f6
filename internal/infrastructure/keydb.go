package infrastructure

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/architeacher/svc-messaging/internal/config"
)

// KeyDBClient is the shared connection to the KeyDB (Redis protocol) cache.
type KeyDBClient struct {
	client *redis.Client
	logger Logger
}

func NewKeyDBClient(cfg config.CacheConfig, logger Logger) *KeyDBClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	return &KeyDBClient{
		client: client,
		logger: logger.Component("keydb"),
	}
}

// Cmdable exposes the command set to repositories.
func (c *KeyDBClient) Cmdable() redis.Cmdable {
	return c.client
}

func (c *KeyDBClient) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("keydb ping: %w", err)
	}

	return nil
}

func (c *KeyDBClient) Close() error {
	if err := c.client.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to close keydb connection")

		return err
	}

	return nil
}
