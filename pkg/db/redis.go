package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"example.com/reliable-messaging/pkg/config"
)

// ConnectRedis создаёт клиент Redis для дедупликации inbox и проверяет его ping.
// Клиент возвращается и при ошибке ping: первичный ключ inbox остаётся
// источником истины, а Redis может подняться позже.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		MaxRetries:   1,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("ошибка ping Redis %s: %w", cfg.Addr(), err)
	}
	return client, nil
}
